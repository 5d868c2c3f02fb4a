package kv

import (
	"bytes"
	"sync"

	"github.com/google/btree"
)

const memoryDegree = 32

type memItem struct {
	key   []byte
	value []byte
}

func memLess(a, b memItem) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// Memory is an in-process [DB] backed by a B-tree. Nothing survives the
// process, which makes it the default for tests and ephemeral swarms.
type Memory struct {
	tree   *btree.BTreeG[memItem]
	closed bool
	lk     sync.RWMutex
}

var _ DB = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		tree: btree.NewG[memItem](memoryDegree, memLess),
	}
}

func (m *Memory) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	m.lk.RLock()
	defer m.lk.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	item, ok := m.tree.Get(memItem{key: key})
	if !ok {
		return nil, ErrNotFound
	}
	return copyBytes(item.value), nil
}

func (m *Memory) Has(key []byte) (bool, error) {
	if len(key) == 0 {
		return false, ErrEmptyKey
	}
	m.lk.RLock()
	defer m.lk.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	return m.tree.Has(memItem{key: key}), nil
}

func (m *Memory) Put(key, value []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.tree.ReplaceOrInsert(memItem{key: copyBytes(key), value: copyBytes(value)})
	return nil
}

func (m *Memory) Delete(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.tree.Delete(memItem{key: key})
	return nil
}

func (m *Memory) NewBatch() Batch {
	return &memBatch{db: m}
}

func (m *Memory) NewIterator(opts *IteratorOptions) Iterator {
	it := &sliceIterator{}
	m.lk.RLock()
	defer m.lk.RUnlock()
	if m.closed {
		it.err = ErrClosed
		return it
	}
	m.tree.AscendGreaterOrEqual(memItem{key: opts.lowerBound()}, func(item memItem) bool {
		if !opts.accept(item.key) {
			return false
		}
		it.keys = append(it.keys, copyBytes(item.key))
		it.values = append(it.values, copyBytes(item.value))
		return true
	})
	return it
}

func (m *Memory) Close() error {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.closed = true
	m.tree.Clear(false)
	return nil
}

type memOp struct {
	del   bool
	key   []byte
	value []byte
}

type memBatch struct {
	db  *Memory
	ops []memOp
}

func (b *memBatch) Put(key, value []byte) {
	b.ops = append(b.ops, memOp{key: copyBytes(key), value: copyBytes(value)})
}

func (b *memBatch) Delete(key []byte) {
	b.ops = append(b.ops, memOp{del: true, key: copyBytes(key)})
}

func (b *memBatch) Size() int {
	return len(b.ops)
}

func (b *memBatch) Write() error {
	for _, op := range b.ops {
		if len(op.key) == 0 {
			return ErrEmptyKey
		}
	}
	b.db.lk.Lock()
	defer b.db.lk.Unlock()
	if b.db.closed {
		return ErrClosed
	}
	for _, op := range b.ops {
		if op.del {
			b.db.tree.Delete(memItem{key: op.key})
		} else {
			b.db.tree.ReplaceOrInsert(memItem{key: op.key, value: op.value})
		}
	}
	b.ops = b.ops[:0]
	return nil
}
