// Package kv is the ordered key-value substrate channel logs are stored in.
//
// A single [DB] is shared by every channel of a process; each channel works
// on its own namespaced partition obtained with [Sub]. Three backends are
// provided: an in-memory B-tree, Badger and SQLite.
package kv

import (
	"bytes"
	"errors"
)

var (
	ErrNotFound = errors.New("kv: key not found")
	ErrClosed   = errors.New("kv: database closed")
	ErrEmptyKey = errors.New("kv: empty key")
)

// DB is an ordered key-value store. Implementations MUST be safe for
// concurrent use.
type DB interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Put(key, value []byte) error
	Delete(key []byte) error

	// NewBatch returns a write batch, applied atomically by [Batch.Write].
	NewBatch() Batch

	// NewIterator returns an iterator over a snapshot of the store.
	// A nil opts iterates over every key.
	NewIterator(opts *IteratorOptions) Iterator

	Close() error
}

// Batch groups writes. It is not safe for concurrent use.
type Batch interface {
	Put(key, value []byte)
	Delete(key []byte)
	Write() error
	Size() int
}

// IteratorOptions restricts an [Iterator] to keys sharing Prefix and
// greater or equal to Start.
type IteratorOptions struct {
	Prefix []byte
	Start  []byte
}

// Iterator walks keys in ascending order:
//
//	it := db.NewIterator(&kv.IteratorOptions{Prefix: p})
//	defer it.Close()
//	for it.First(); it.Valid(); it.Next() {
//		use(it.Key(), it.Value())
//	}
//	return it.Error()
type Iterator interface {
	First() bool
	Next() bool
	Valid() bool
	Key() []byte
	Value() []byte
	Error() error
	Close()
}

// lowerBound is the first key an iterator must consider.
func (opts *IteratorOptions) lowerBound() []byte {
	if opts == nil {
		return nil
	}
	if bytes.Compare(opts.Start, opts.Prefix) > 0 {
		return opts.Start
	}
	return opts.Prefix
}

func (opts *IteratorOptions) accept(key []byte) bool {
	if opts == nil {
		return true
	}
	return bytes.HasPrefix(key, opts.Prefix)
}

func copyBytes(src []byte) []byte {
	if src == nil {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

// sliceIterator iterates over an already materialised, sorted snapshot.
type sliceIterator struct {
	keys   [][]byte
	values [][]byte
	pos    int
	err    error
}

func (it *sliceIterator) First() bool {
	it.pos = 0
	return it.Valid()
}

func (it *sliceIterator) Next() bool {
	if it.pos < len(it.keys) {
		it.pos++
	}
	return it.Valid()
}

func (it *sliceIterator) Valid() bool {
	return it.err == nil && it.pos < len(it.keys)
}

func (it *sliceIterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return it.keys[it.pos]
}

func (it *sliceIterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.values[it.pos]
}

func (it *sliceIterator) Error() error {
	return it.err
}

func (it *sliceIterator) Close() {
	it.keys = nil
	it.values = nil
}
