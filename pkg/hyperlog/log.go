// Package hyperlog is an append-only, content-addressed log whose entries
// form a directed acyclic graph: every node links to the heads of the log at
// the time it was appended. Logs replicate over any duplex byte stream and
// converge on the union of the nodes seen by both sides.
package hyperlog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/raskyld/friends/pkg/kv"
)

var (
	ErrClosed        = errors.New("hyperlog: log closed")
	ErrCorrupted     = errors.New("hyperlog: corrupted node")
	ErrMissingParent = errors.New("hyperlog: parent node is unknown")
	ErrNotFound      = errors.New("hyperlog: node not found")
	ErrStopped       = errors.New("hyperlog: cursor stopped")
)

var (
	MetricNodesAppended = []string{"hyperlog", "nodes", "appended", "count"}
	MetricNodesDeduped  = []string{"hyperlog", "nodes", "deduplicated", "count"}
)

const defaultCacheSize = 1024

var (
	prefixNode   = []byte("n!")
	prefixChange = []byte("c!")
	prefixHead   = []byte("h!")
	keyChanges   = []byte("m!changes")
	keyID        = []byte("m!id")
)

type config struct {
	logger       *slog.Logger
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	cacheSize    int
}

// Option customises a [Log].
type Option func(*config)

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) {
		c.msink = ms
	}
}

func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) {
		c.metricLabels = labels
	}
}

// WithCacheSize sets how many decoded nodes are kept in memory.
func WithCacheSize(size int) Option {
	return func(c *config) {
		c.cacheSize = size
	}
}

// Log is safe for concurrent use. Appends are serialised.
type Log struct {
	db  kv.DB
	cfg config
	id  uuid.UUID

	lk      sync.Mutex
	changes uint64
	closed  bool

	// notifyCh is closed and replaced after every append to wake live
	// cursors up.
	notifyCh chan struct{}

	cache *lru.Cache[string, Node]
}

// Open loads the log stored in db. db is usually a [kv.Sub] partition
// dedicated to this log.
func Open(db kv.DB, opts ...Option) (*Log, error) {
	cfg := config{
		cacheSize: defaultCacheSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.msink == nil {
		cfg.msink = &metrics.BlackholeSink{}
	}

	cache, err := lru.New[string, Node](cfg.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("hyperlog: invalid cache size: %w", err)
	}

	l := &Log{
		db:       db,
		cfg:      cfg,
		notifyCh: make(chan struct{}),
		cache:    cache,
	}

	raw, err := db.Get(keyChanges)
	switch {
	case errors.Is(err, kv.ErrNotFound):
	case err != nil:
		return nil, err
	case len(raw) != 8:
		return nil, fmt.Errorf("%w: invalid change counter", ErrCorrupted)
	default:
		l.changes = binary.BigEndian.Uint64(raw)
	}

	raw, err = db.Get(keyID)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		l.id = uuid.New()
		if err := db.Put(keyID, l.id[:]); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if l.id, err = uuid.FromBytes(raw); err != nil {
			return nil, fmt.Errorf("%w: invalid log id: %w", ErrCorrupted, err)
		}
	}

	return l, nil
}

// ID identifies this replica of the log. It survives restarts.
func (l *Log) ID() uuid.UUID {
	return l.id
}

// Changes is the number of nodes in the log. It is also the change number
// the next appended node will get.
func (l *Log) Changes() uint64 {
	l.lk.Lock()
	defer l.lk.Unlock()
	return l.changes
}

// Append adds value to the log with parents as its causal parents. It
// usually receives the result of [Log.Heads].
//
// Appending a value with the same parents as an existing node returns the
// existing node.
func (l *Log) Append(ctx context.Context, parents []Node, value []byte) (Node, error) {
	links := make([][]byte, len(parents))
	for i, parent := range parents {
		links[i] = parent.Key
	}
	return l.Add(ctx, links, value)
}

// Add is like [Log.Append] but takes the parent keys directly, which is what
// replicas exchange. Every link must already be in the log.
func (l *Log) Add(ctx context.Context, links [][]byte, value []byte) (Node, error) {
	if err := ctx.Err(); err != nil {
		return Node{}, err
	}
	if value == nil {
		value = []byte{}
	}

	links = normaliseLinks(links)
	key := hashNode(links, value)

	l.lk.Lock()
	defer l.lk.Unlock()
	if l.closed {
		return Node{}, ErrClosed
	}

	existing, err := l.get(key)
	if err == nil {
		l.cfg.msink.IncrCounterWithLabels(MetricNodesDeduped, 1.0, l.cfg.metricLabels)
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Node{}, err
	}

	node := Node{
		Change:  l.changes,
		Key:     key,
		Links:   links,
		Parents: make([]uint64, 0, len(links)),
		Value:   value,
	}
	for _, link := range links {
		parent, err := l.get(link)
		if errors.Is(err, ErrNotFound) {
			return Node{}, fmt.Errorf("%w: %x", ErrMissingParent, link)
		}
		if err != nil {
			return Node{}, err
		}
		node.Parents = append(node.Parents, parent.Change)
	}

	counter := make([]byte, 8)
	binary.BigEndian.PutUint64(counter, l.changes+1)

	batch := l.db.NewBatch()
	batch.Put(concat(prefixNode, key), marshalNode(node))
	batch.Put(changeKey(node.Change), key)
	for _, link := range links {
		batch.Delete(concat(prefixHead, link))
	}
	batch.Put(concat(prefixHead, key), []byte{})
	batch.Put(keyChanges, counter)
	if err := batch.Write(); err != nil {
		return Node{}, err
	}

	l.changes++
	l.cache.Add(string(key), node)
	close(l.notifyCh)
	l.notifyCh = make(chan struct{})

	l.cfg.msink.IncrCounterWithLabels(MetricNodesAppended, 1.0, l.cfg.metricLabels)
	l.cfg.logger.Debug("node appended", "change", node.Change, "parents", len(links))
	return node, nil
}

// Heads returns the nodes nothing links to yet, ordered by change. Several
// heads mean concurrent writers appended on the same parents.
func (l *Log) Heads(ctx context.Context) ([]Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.lk.Lock()
	defer l.lk.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	it := l.db.NewIterator(&kv.IteratorOptions{Prefix: prefixHead})
	defer it.Close()

	var heads []Node
	for it.First(); it.Valid(); it.Next() {
		node, err := l.get(it.Key()[len(prefixHead):])
		if err != nil {
			return nil, err
		}
		heads = append(heads, node)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}

	slices.SortFunc(heads, func(a, b Node) int {
		switch {
		case a.Change < b.Change:
			return -1
		case a.Change > b.Change:
			return 1
		}
		return 0
	})
	return heads, nil
}

// Get returns the node with the given content address.
func (l *Log) Get(ctx context.Context, key []byte) (Node, error) {
	if err := ctx.Err(); err != nil {
		return Node{}, err
	}
	l.lk.Lock()
	defer l.lk.Unlock()
	if l.closed {
		return Node{}, ErrClosed
	}
	return l.get(key)
}

// GetChange returns the node appended with the given change number.
func (l *Log) GetChange(ctx context.Context, change uint64) (Node, error) {
	if err := ctx.Err(); err != nil {
		return Node{}, err
	}
	l.lk.Lock()
	defer l.lk.Unlock()
	if l.closed {
		return Node{}, ErrClosed
	}
	if change >= l.changes {
		return Node{}, ErrNotFound
	}

	key, err := l.db.Get(changeKey(change))
	if err != nil {
		return Node{}, l.convert(err)
	}
	return l.get(key)
}

// Has reports whether the node is in the log.
func (l *Log) Has(ctx context.Context, key []byte) (bool, error) {
	_, err := l.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Close stops every cursor. It does not close the underlying database.
func (l *Log) Close() error {
	l.lk.Lock()
	defer l.lk.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.notifyCh)
	l.cache.Purge()
	return nil
}

// wait returns a channel closed on the next append, and whether the log
// is still open.
func (l *Log) wait() (<-chan struct{}, bool) {
	l.lk.Lock()
	defer l.lk.Unlock()
	return l.notifyCh, !l.closed
}

// not thread safe!
// must be called by an holder of lk
func (l *Log) get(key []byte) (Node, error) {
	if node, ok := l.cache.Get(string(key)); ok {
		return node, nil
	}
	raw, err := l.db.Get(concat(prefixNode, key))
	if err != nil {
		return Node{}, l.convert(err)
	}
	node, err := unmarshalNode(raw)
	if err != nil {
		return Node{}, err
	}
	l.cache.Add(string(key), node)
	return node, nil
}

func (l *Log) convert(err error) error {
	if errors.Is(err, kv.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func changeKey(change uint64) []byte {
	key := make([]byte, len(prefixChange)+8)
	copy(key, prefixChange)
	binary.BigEndian.PutUint64(key[len(prefixChange):], change)
	return key
}

func concat(prefix, key []byte) []byte {
	buf := make([]byte, len(prefix)+len(key))
	copy(buf, prefix)
	copy(buf[len(prefix):], key)
	return buf
}
