package sqlq

import (
	"context"
	"database/sql"
	"fmt"
)

// RowIterator walks a result set one row at a time.
//
//	for it.Next() {
//		row := it.Row()
//	}
//	if err := it.Err(); err != nil { ... }
type RowIterator interface {
	Next() bool
	Row() Row
	Err() error
	Close() error
}

// NewSliceIterator iterates rows that are already in memory.
func NewSliceIterator(rows []Row) RowIterator {
	return &sliceIterator{rows: rows, pos: -1}
}

type sliceIterator struct {
	rows []Row
	pos  int
}

func (it *sliceIterator) Next() bool {
	if it.pos+1 >= len(it.rows) {
		it.pos = len(it.rows)
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) Row() Row {
	if it.pos < 0 || it.pos >= len(it.rows) {
		return nil
	}
	return it.rows[it.pos]
}

func (it *sliceIterator) Err() error   { return nil }
func (it *sliceIterator) Close() error { return nil }

type rowsIterator struct {
	rows    *sql.Rows
	columns []string
	current Row
	err     error
}

func (it *rowsIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	row, err := scanRow(it.rows, it.columns)
	if err != nil {
		it.err = err
		return false
	}
	it.current = row
	return true
}

func (it *rowsIterator) Row() Row { return it.current }

func (it *rowsIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

func (it *rowsIterator) Close() error { return it.rows.Close() }

// chunkIterator pages through base with LIMIT/OFFSET, honoring any limit and
// offset already set on base.
type chunkIterator struct {
	ctx     context.Context
	base    *Query
	chunk   int
	fetched int
	buf     []Row
	pos     int
	current Row
	done    bool
	err     error
}

func (it *chunkIterator) Next() bool {
	if it.err != nil {
		return false
	}
	if it.pos >= len(it.buf) {
		if it.done || !it.fill() {
			return false
		}
	}
	it.current = it.buf[it.pos]
	it.pos++
	return true
}

func (it *chunkIterator) fill() bool {
	size := it.chunk
	if it.base.limit > 0 {
		remaining := it.base.limit - it.fetched
		if remaining <= 0 {
			it.done = true
			return false
		}
		if remaining < size {
			size = remaining
		}
	}

	page := it.base.Clone()
	page.offset = it.base.offset + it.fetched
	page.limit = size
	rows, err := page.Get(it.ctx)
	if err != nil {
		it.err = fmt.Errorf("lazy chunk at %d: %w", page.offset, err)
		return false
	}

	it.fetched += len(rows)
	if len(rows) < size {
		it.done = true
	}
	it.buf = rows
	it.pos = 0
	return len(rows) > 0
}

func (it *chunkIterator) Row() Row     { return it.current }
func (it *chunkIterator) Err() error   { return it.err }
func (it *chunkIterator) Close() error { return nil }
