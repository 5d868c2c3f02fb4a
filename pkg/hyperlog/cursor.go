package hyperlog

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ReadOptions configures [Log.ReadStream].
type ReadOptions struct {
	// Since is the first change delivered. Nodes are delivered in change
	// order starting from it.
	Since uint64

	// Live keeps the cursor open once it has caught up, waiting for nodes
	// appended later.
	Live bool
}

// Cursor walks a [Log] in change order. It is not safe for concurrent use
// except for [Cursor.Stop].
type Cursor struct {
	log  *Log
	next uint64
	live bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// ReadStream returns a cursor over the log starting at opts.Since.
func (l *Log) ReadStream(opts ReadOptions) *Cursor {
	return &Cursor{
		log:    l,
		next:   opts.Since,
		live:   opts.Live,
		stopCh: make(chan struct{}),
	}
}

// Next returns the next node. A non-live cursor returns io.EOF once every
// node present at that time has been delivered. A live cursor blocks until
// a node is appended, ctx is done, the cursor is stopped ([ErrStopped]) or
// the log is closed ([ErrClosed]).
func (c *Cursor) Next(ctx context.Context) (Node, error) {
	for {
		select {
		case <-c.stopCh:
			return Node{}, ErrStopped
		default:
		}

		// Capture the notification channel before reading so an append
		// racing with GetChange still wakes us up.
		notify, open := c.log.wait()
		if !open {
			return Node{}, ErrClosed
		}

		node, err := c.log.GetChange(ctx, c.next)
		if err == nil {
			c.next++
			return node, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Node{}, err
		}
		if !c.live {
			return Node{}, io.EOF
		}

		select {
		case <-notify:
		case <-c.stopCh:
			return Node{}, ErrStopped
		case <-ctx.Done():
			return Node{}, ctx.Err()
		}
	}
}

// Position is the change number [Cursor.Next] will try to deliver next.
func (c *Cursor) Position() uint64 {
	return c.next
}

// Stop unblocks any pending [Cursor.Next]. It is idempotent.
func (c *Cursor) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}
