package kv

import "fmt"

// Sub returns a view of db where every key is transparently prefixed with
// "!name!". Keys returned by iterators have the prefix stripped. Subs nest.
//
// '!' and '%' are percent-encoded in name, so no partition prefix is a
// prefix of another one.
func Sub(db DB, name string) DB {
	prefix := make([]byte, 0, len(name)+2)
	prefix = append(prefix, '!')
	for i := 0; i < len(name); i++ {
		switch c := name[i]; c {
		case '!', '%':
			prefix = fmt.Appendf(prefix, "%%%02X", c)
		default:
			prefix = append(prefix, c)
		}
	}
	prefix = append(prefix, '!')
	return &subDB{db: db, prefix: prefix}
}

type subDB struct {
	db     DB
	prefix []byte
}

func (s *subDB) key(key []byte) []byte {
	prefixed := make([]byte, len(s.prefix)+len(key))
	copy(prefixed, s.prefix)
	copy(prefixed[len(s.prefix):], key)
	return prefixed
}

func (s *subDB) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	return s.db.Get(s.key(key))
}

func (s *subDB) Has(key []byte) (bool, error) {
	if len(key) == 0 {
		return false, ErrEmptyKey
	}
	return s.db.Has(s.key(key))
}

func (s *subDB) Put(key, value []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	return s.db.Put(s.key(key), value)
}

func (s *subDB) Delete(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	return s.db.Delete(s.key(key))
}

func (s *subDB) NewBatch() Batch {
	return &subBatch{sub: s, inner: s.db.NewBatch()}
}

func (s *subDB) NewIterator(opts *IteratorOptions) Iterator {
	inner := &IteratorOptions{Prefix: s.prefix}
	if opts != nil {
		inner.Prefix = s.key(opts.Prefix)
		if opts.Start != nil {
			inner.Start = s.key(opts.Start)
		}
	}
	return &subIterator{prefixLen: len(s.prefix), Iterator: s.db.NewIterator(inner)}
}

// Close is a no-op: the parent owns the underlying resources.
func (s *subDB) Close() error {
	return nil
}

type subBatch struct {
	sub   *subDB
	inner Batch
}

func (b *subBatch) Put(key, value []byte) {
	b.inner.Put(b.sub.key(key), value)
}

func (b *subBatch) Delete(key []byte) {
	b.inner.Delete(b.sub.key(key))
}

func (b *subBatch) Write() error {
	return b.inner.Write()
}

func (b *subBatch) Size() int {
	return b.inner.Size()
}

type subIterator struct {
	prefixLen int
	Iterator
}

func (it *subIterator) Key() []byte {
	key := it.Iterator.Key()
	if len(key) < it.prefixLen {
		return key
	}
	return key[it.prefixLen:]
}
