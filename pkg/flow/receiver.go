package flow

import (
	"bufio"
	"context"
	"io"
	"sync"
)

// Receiver is a thread-safe and typed flow reader.
type Receiver[T any] struct {
	raw io.ReadCloser
	dec Decoder[T]

	readCh     chan T
	closeCh    chan struct{}
	mainLoopWg sync.WaitGroup

	// handle Close sync.
	err error
	lk  sync.Mutex
}

func NewReceiver[T any](raw io.ReadCloser, dec Decoder[T], bufferSize uint) *Receiver[T] {
	r := &Receiver[T]{
		raw: raw,
		dec: dec,

		readCh:  make(chan T, bufferSize),
		closeCh: make(chan struct{}),
	}

	r.mainLoopWg.Add(1)
	go r.run()

	return r
}

// Recv returns the next message. Once the stream ends, it returns the error
// which ended it, io.EOF on a clean end of stream.
func (r *Receiver[T]) Recv(ctx context.Context) (result T, err error) {
	select {
	case <-ctx.Done():
		return result, ctx.Err()
	case elem, ok := <-r.readCh:
		if !ok {
			r.lk.Lock()
			defer r.lk.Unlock()
			return result, r.err
		}
		return elem, nil
	}
}

func (r *Receiver[T]) Close() error {
	return r.closeWith(ErrFlowClosed, true)
}

func (r *Receiver[T]) closeWith(cause error, mustWait bool) error {
	r.lk.Lock()
	if r.err != nil {
		r.lk.Unlock()
		return nil
	}
	r.err = cause
	close(r.closeCh)
	err := r.raw.Close()
	r.lk.Unlock()
	if mustWait {
		r.mainLoopWg.Wait()
	}
	close(r.readCh)
	return err
}

func (r *Receiver[T]) run() {
	defer r.mainLoopWg.Done()
	buffered := bufio.NewReader(r.raw)
	for {
		msg, err := r.dec.Decode(buffered)
		if err != nil {
			_ = r.closeWith(err, false)
			return
		}

		select {
		case <-r.closeCh:
			return
		case r.readCh <- msg:
		}
	}
}
