package kv

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig tunes the Badger backend.
type BadgerConfig struct {
	// Path is the directory holding the database. Ignored when InMemory.
	Path string

	InMemory   bool
	SyncWrites bool

	// Logger receives Badger's own logs. Nil silences them.
	Logger *slog.Logger
}

// Badger is a durable [DB] backed by github.com/dgraph-io/badger.
type Badger struct {
	db     *badger.DB
	closed atomic.Bool
}

var _ DB = (*Badger)(nil)

// OpenBadger opens, or creates, a Badger database.
func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	opts := badger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites)
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("")
	}
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("kv: failed to open badger: %w", err)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Get(key []byte) ([]byte, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}

	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, convertBadgerError(err)
	}
	return value, nil
}

func (b *Badger) Has(key []byte) (bool, error) {
	_, err := b.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (b *Badger) Put(key, value []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}
	return convertBadgerError(b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	}))
}

func (b *Badger) Delete(key []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}
	return convertBadgerError(b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	}))
}

func (b *Badger) NewBatch() Batch {
	return &badgerBatch{db: b}
}

func (b *Badger) NewIterator(opts *IteratorOptions) Iterator {
	if b.closed.Load() {
		return &sliceIterator{err: ErrClosed}
	}
	txn := b.db.NewTransaction(false)
	bopts := badger.DefaultIteratorOptions
	if opts != nil {
		bopts.Prefix = opts.Prefix
	}
	return &badgerIterator{
		txn:   txn,
		iter:  txn.NewIterator(bopts),
		opts:  opts,
		start: opts.lowerBound(),
	}
}

func (b *Badger) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}

// badgerBatch buffers operations and commits them in a single transaction so
// readers never observe half of it.
type badgerBatch struct {
	db  *Badger
	ops []memOp
}

func (wb *badgerBatch) Put(key, value []byte) {
	wb.ops = append(wb.ops, memOp{key: copyBytes(key), value: copyBytes(value)})
}

func (wb *badgerBatch) Delete(key []byte) {
	wb.ops = append(wb.ops, memOp{del: true, key: copyBytes(key)})
}

func (wb *badgerBatch) Size() int {
	return len(wb.ops)
}

func (wb *badgerBatch) Write() error {
	if wb.db.closed.Load() {
		return ErrClosed
	}
	err := wb.db.db.Update(func(txn *badger.Txn) error {
		for _, op := range wb.ops {
			if len(op.key) == 0 {
				return ErrEmptyKey
			}
			var err error
			if op.del {
				err = txn.Delete(op.key)
			} else {
				err = txn.Set(op.key, op.value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return convertBadgerError(err)
	}
	wb.ops = wb.ops[:0]
	return nil
}

type badgerIterator struct {
	txn     *badger.Txn
	iter    *badger.Iterator
	opts    *IteratorOptions
	start   []byte
	started bool
	closed  bool
	err     error
}

func (it *badgerIterator) First() bool {
	if it.closed {
		return false
	}
	it.started = true
	if len(it.start) > 0 {
		it.iter.Seek(it.start)
	} else {
		it.iter.Rewind()
	}
	return it.Valid()
}

func (it *badgerIterator) Next() bool {
	if it.closed {
		return false
	}
	if !it.started {
		return it.First()
	}
	it.iter.Next()
	return it.Valid()
}

func (it *badgerIterator) Valid() bool {
	if it.closed || it.err != nil || !it.iter.Valid() {
		return false
	}
	key := it.iter.Item().Key()
	if it.opts != nil && !bytes.HasPrefix(key, it.opts.Prefix) {
		return false
	}
	return true
}

func (it *badgerIterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return it.iter.Item().KeyCopy(nil)
}

func (it *badgerIterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	value, err := it.iter.Item().ValueCopy(nil)
	if err != nil {
		it.err = err
		return nil
	}
	return value
}

func (it *badgerIterator) Error() error {
	return it.err
}

func (it *badgerIterator) Close() {
	if it.closed {
		return
	}
	it.closed = true
	it.iter.Close()
	it.txn.Discard()
}

func convertBadgerError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return ErrNotFound
	case errors.Is(err, badger.ErrDBClosed):
		return ErrClosed
	case errors.Is(err, badger.ErrEmptyKey):
		return ErrEmptyKey
	}
	return err
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
