package flow

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Sender is a thread-safe and typed flow writer.
//
// Messages are written in the order Send accepted them by a single
// goroutine. Close flushes what was accepted, then closes the stream.
type Sender[T any] struct {
	raw io.WriteCloser
	enc Encoder[T]

	writeCh    chan T
	closeCh    chan struct{}
	mainLoopWg sync.WaitGroup

	// handle Close sync.
	writer sync.WaitGroup
	closed bool
	err    error
	lk     sync.Mutex
}

func NewSender[T any](raw io.WriteCloser, enc Encoder[T], bufferSize uint) *Sender[T] {
	w := &Sender[T]{
		raw: raw,
		enc: enc,

		writeCh: make(chan T, bufferSize),
		closeCh: make(chan struct{}),
	}

	w.mainLoopWg.Add(1)
	go w.run()

	return w
}

// Send queues msg. It returns the error which broke the stream, if any.
func (w *Sender[T]) Send(ctx context.Context, msg T) error {
	w.lk.Lock()
	if w.err != nil {
		w.lk.Unlock()
		return w.err
	}
	if w.closed {
		w.lk.Unlock()
		return ErrFlowClosed
	}
	w.writer.Add(1)
	defer w.writer.Done()
	w.lk.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.closeCh:
		return ErrFlowClosed
	case w.writeCh <- msg:
	}

	return nil
}

// Close waits for queued messages to be written and closes the stream. It
// blocks as long as the stream does: close the stream from elsewhere to
// abort.
func (w *Sender[T]) Close() error {
	w.lk.Lock()
	if w.closed {
		w.lk.Unlock()
		return nil
	}
	w.closed = true
	close(w.closeCh)
	w.lk.Unlock()

	w.writer.Wait()
	close(w.writeCh)
	w.mainLoopWg.Wait()

	w.lk.Lock()
	err := w.err
	w.lk.Unlock()
	return errors.Join(err, w.raw.Close())
}

func (w *Sender[T]) run() {
	defer w.mainLoopWg.Done()
	var failed bool
	for msg := range w.writeCh {
		// keep draining so Close never blocks on a broken stream.
		if failed {
			continue
		}
		if err := w.enc.Encode(w.raw, msg); err != nil {
			failed = true
			w.lk.Lock()
			w.err = err
			w.lk.Unlock()
		}
	}
}
