// Package flow exchanges typed messages over any byte stream using
// varint length-prefixed frames.
//
// A [Sender] and a [Receiver] each own a goroutine so callers can honour a
// [context.Context] while the underlying stream blocks.
package flow

import (
	"errors"
	"io"
)

var (
	ErrFlowClosed    = errors.New("flow: closed")
	ErrFrameTooLarge = errors.New("flow: frame too large")
)

// Encoder writes one message on w.
// It is supposed to return an error only when a final error is
// encountered.
type Encoder[T any] interface {
	Encode(w io.Writer, msg T) error
}

// Decoder reads one message from r.
// It is supposed to return an error only when a final error is
// encountered.
type Decoder[T any] interface {
	Decode(r io.Reader) (T, error)
}

// Codec is both an [Encoder] and a [Decoder].
type Codec[T any] interface {
	Encoder[T]
	Decoder[T]
}
