package store

import (
	"context"
	"path/filepath"
	"testing"

	"panelquery/internal/sqlq"

	"github.com/stretchr/testify/require"
)

func TestOpenSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, sqlq.SQLite, filepath.Join(t.TempDir(), "data", "panel.db"))
	require.NoError(t, err)
	defer db.Close()

	require.Equal(t, sqlq.SQLite, db.Dialect)
	_, err = db.ExecContext(ctx, "CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "INSERT INTO notes (body) VALUES ('a'), ('b')")
	require.NoError(t, err)

	count, err := sqlq.New(db, db.Dialect, sqlq.NewTable("notes")).Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestOpenRejectsMalformedDSN(t *testing.T) {
	ctx := context.Background()

	_, err := Open(ctx, sqlq.MySQL, "not a dsn")
	require.ErrorContains(t, err, "parse mysql dsn")

	_, err = Open(ctx, sqlq.Postgres, "postgres://%zz")
	require.ErrorContains(t, err, "parse postgres dsn")

	_, err = Open(ctx, sqlq.Dialect("oracle"), "")
	require.Error(t, err)
}
