package kv

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS kv (
	k BLOB PRIMARY KEY NOT NULL,
	v BLOB NOT NULL
) WITHOUT ROWID`

// SQLite is a durable [DB] stored in a single SQLite file.
type SQLite struct {
	db     *sql.DB
	closed atomic.Bool
}

var _ DB = (*SQLite)(nil)

// OpenSQLite opens, or creates, the database at path. Use ":memory:" for a
// throwaway database.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("kv: failed to open sqlite: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range append(pragmas, sqliteSchema) {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("kv: failed to execute %q: %w", pragma, err)
		}
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Get(key []byte) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	var value []byte
	err := s.db.QueryRow("SELECT v FROM kv WHERE k = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

func (s *SQLite) Has(key []byte) (bool, error) {
	_, err := s.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLite) Put(key, value []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}
	_, err := s.db.Exec("INSERT OR REPLACE INTO kv (k, v) VALUES (?, ?)", key, nonNil(value))
	return err
}

func (s *SQLite) Delete(key []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}
	_, err := s.db.Exec("DELETE FROM kv WHERE k = ?", key)
	return err
}

func (s *SQLite) NewBatch() Batch {
	return &sqliteBatch{db: s}
}

// NewIterator reads the matching rows eagerly: a lazy cursor would pin the
// single connection and block writers until closed.
func (s *SQLite) NewIterator(opts *IteratorOptions) Iterator {
	it := &sliceIterator{}
	if s.closed.Load() {
		it.err = ErrClosed
		return it
	}

	rows, err := s.db.Query("SELECT k, v FROM kv WHERE k >= ? ORDER BY k", nonNil(opts.lowerBound()))
	if err != nil {
		it.err = err
		return it
	}
	defer rows.Close()

	for rows.Next() {
		var key, value []byte
		if err := rows.Scan(&key, &value); err != nil {
			it.err = err
			return it
		}
		if opts != nil && !bytes.HasPrefix(key, opts.Prefix) {
			break
		}
		it.keys = append(it.keys, key)
		it.values = append(it.values, nonNil(value))
	}
	it.err = rows.Err()
	return it
}

func (s *SQLite) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

type sqliteBatch struct {
	db  *SQLite
	ops []memOp
}

func (b *sqliteBatch) Put(key, value []byte) {
	b.ops = append(b.ops, memOp{key: copyBytes(key), value: copyBytes(value)})
}

func (b *sqliteBatch) Delete(key []byte) {
	b.ops = append(b.ops, memOp{del: true, key: copyBytes(key)})
}

func (b *sqliteBatch) Size() int {
	return len(b.ops)
}

func (b *sqliteBatch) Write() (err error) {
	if b.db.closed.Load() {
		return ErrClosed
	}
	tx, err := b.db.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	for _, op := range b.ops {
		if len(op.key) == 0 {
			return ErrEmptyKey
		}
		if op.del {
			_, err = tx.Exec("DELETE FROM kv WHERE k = ?", op.key)
		} else {
			_, err = tx.Exec("INSERT OR REPLACE INTO kv (k, v) VALUES (?, ?)", op.key, nonNil(op.value))
		}
		if err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return err
	}
	b.ops = b.ops[:0]
	return nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
