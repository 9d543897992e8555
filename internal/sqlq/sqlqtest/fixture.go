// Package sqlqtest provides a seeded SQLite database for tests that need a
// real relational store.
package sqlqtest

import (
	"database/sql"
	"path/filepath"
	"testing"

	"panelquery/internal/sqlq"

	_ "modernc.org/sqlite"
)

// Fixture bundles the seeded database with the table descriptors matching it.
type Fixture struct {
	DB       *sql.DB
	Users    *sqlq.Table
	Posts    *sqlq.Table
	Tags     *sqlq.Table
	Comments *sqlq.Table
	Videos   *sqlq.Table
}

const schema = `
CREATE TABLE users (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	email TEXT NOT NULL,
	meta TEXT,
	deleted_at TEXT
);
CREATE TABLE posts (
	id INTEGER PRIMARY KEY,
	user_id INTEGER NOT NULL,
	title TEXT NOT NULL,
	body TEXT NOT NULL,
	status TEXT NOT NULL,
	published INTEGER NOT NULL DEFAULT 0,
	rating REAL NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	deleted_at TEXT
);
CREATE TABLE tags (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL
);
CREATE TABLE post_tag (
	post_id INTEGER NOT NULL,
	tag_id INTEGER NOT NULL
);
CREATE TABLE videos (
	id INTEGER PRIMARY KEY,
	title TEXT NOT NULL
);
CREATE TABLE comments (
	id INTEGER PRIMARY KEY,
	commentable_type TEXT NOT NULL,
	commentable_id INTEGER NOT NULL,
	body TEXT NOT NULL
);
`

const seed = `
INSERT INTO users (id, name, email, meta, deleted_at) VALUES
	(1, 'Ann', 'ann@example.com', '{"address":{"city":"Oslo"}}', NULL),
	(2, 'Bob', 'bob@example.com', '{"address":{"city":"Berlin"}}', NULL),
	(3, 'Cara', 'cara@example.com', '{"address":{"city":"Paris"}}', '2024-01-01 00:00:00');
INSERT INTO posts (id, user_id, title, body, status, published, rating, created_at, deleted_at) VALUES
	(1, 1, 'Hello World', 'first post on the panel', 'published', 1, 4.5, '2024-01-10', NULL),
	(2, 1, 'Go Tips', 'channels and loading bars', 'draft', 0, 3.0, '2024-02-01', NULL),
	(3, 2, 'Berlin Diary', 'trains and museums', 'published', 1, 2.0, '2024-03-05', NULL),
	(4, 2, 'Old Draft', 'abandoned idea', 'draft', 0, 1.0, '2024-03-20', '2024-04-01 00:00:00'),
	(5, 3, 'Paris Notes', 'bread and museums', 'loading', 1, 5.0, '2024-05-02', NULL);
INSERT INTO tags (id, name) VALUES (1, 'go'), (2, 'travel');
INSERT INTO post_tag (post_id, tag_id) VALUES (1, 1), (2, 1), (3, 2), (5, 2);
INSERT INTO videos (id, title) VALUES (1, 'Go Conference'), (2, 'Cooking Basics');
INSERT INTO comments (id, commentable_type, commentable_id, body) VALUES
	(1, 'post', 1, 'nice hello'),
	(2, 'video', 1, 'great talk'),
	(3, 'video', 2, 'yummy');
`

// Open creates and seeds a SQLite database in a temporary directory.
func Open(t testing.TB) *Fixture {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "panel.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	if _, err := db.Exec(seed); err != nil {
		t.Fatalf("seed data: %v", err)
	}

	return &Fixture{DB: db, Users: Users(), Posts: Posts(), Tags: Tags(), Comments: Comments(), Videos: Videos()}
}

// Users describes the users table. Posts are reachable through "posts".
func Users() *sqlq.Table {
	users := sqlq.NewTable("users")
	users.SoftDelete = "deleted_at"
	users.AddRelation(&sqlq.Relation{Name: "posts", Kind: sqlq.HasMany, Related: posts(), ForeignKey: "user_id"})
	return users
}

// Posts describes the posts table with its author, tags and comments relations.
func Posts() *sqlq.Table {
	p := posts()
	p.AddRelation(&sqlq.Relation{Name: "author", Kind: sqlq.BelongsTo, Related: users(), ForeignKey: "user_id"})
	p.AddRelation(&sqlq.Relation{
		Name: "tags", Kind: sqlq.ManyToMany, Related: Tags(),
		Pivot: "post_tag", PivotParentKey: "post_id", PivotRelatedKey: "tag_id",
	})
	return p
}

// Tags describes the tags table. Posts are reachable through "posts".
func Tags() *sqlq.Table {
	tags := sqlq.NewTable("tags")
	tags.AddRelation(&sqlq.Relation{
		Name: "posts", Kind: sqlq.ManyToMany, Related: posts(),
		Pivot: "post_tag", PivotParentKey: "tag_id", PivotRelatedKey: "post_id",
	})
	return tags
}

// Comments describes the comments table with a polymorphic "commentable".
func Comments() *sqlq.Table {
	comments := sqlq.NewTable("comments")
	comments.AddRelation(&sqlq.Relation{
		Name: "commentable", Kind: sqlq.MorphTo,
		MorphType: "commentable_type", MorphID: "commentable_id",
		MorphTables: map[string]*sqlq.Table{"post": posts(), "video": Videos()},
	})
	return comments
}

// Videos describes the videos table.
func Videos() *sqlq.Table {
	return sqlq.NewTable("videos")
}

func users() *sqlq.Table {
	u := sqlq.NewTable("users")
	u.SoftDelete = "deleted_at"
	return u
}

func posts() *sqlq.Table {
	p := sqlq.NewTable("posts")
	p.SoftDelete = "deleted_at"
	return p
}
