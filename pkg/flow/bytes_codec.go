package flow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultMaxFrameSize bounds the frames a [BytesCodec] accepts when its
// MaxSize is zero.
const DefaultMaxFrameSize = 4 << 20

var errVarintOverflow = errors.New("flow: frame size prefix overflows")

// BytesCodec is a simple framing codec using length-prefixed frames
// to exchange []byte over a stream.
type BytesCodec struct {
	MaxSize uint64
}

var _ Codec[[]byte] = BytesCodec{}

func (enc BytesCodec) Encode(w io.Writer, buf []byte) error {
	if uint64(len(buf)) > enc.maxSize() {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(buf))
	}

	prefixed := protowire.AppendVarint(make([]byte, 0, binary.MaxVarintLen64+len(buf)), uint64(len(buf)))
	prefixed = append(prefixed, buf...)
	_, err := w.Write(prefixed)
	return err
}

func (enc BytesCodec) Decode(r io.Reader) ([]byte, error) {
	buf := make([]byte, binary.MaxVarintLen64)
	n := 0
	for {
		if n == len(buf) {
			return nil, errVarintOverflow
		}
		m, err := r.Read(buf[n : n+1])
		if m != 0 {
			n++
			if buf[n-1] < 0x80 {
				break
			}
			continue
		}
		if err != nil {
			if n > 0 && err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}

	size, prefixSize := protowire.ConsumeVarint(buf[:n])
	if prefixSize < 0 {
		return nil, protowire.ParseError(prefixSize)
	}
	if size > enc.maxSize() {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	buf = make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

func (enc BytesCodec) maxSize() uint64 {
	if enc.MaxSize == 0 {
		return DefaultMaxFrameSize
	}
	return enc.MaxSize
}

// MarshalCodec frames messages of type T with a [BytesCodec].
type MarshalCodec[T any] struct {
	Frames    BytesCodec
	Marshal   func(T) ([]byte, error)
	Unmarshal func([]byte) (T, error)
}

var _ Codec[struct{}] = MarshalCodec[struct{}]{}

func (c MarshalCodec[T]) Encode(w io.Writer, msg T) error {
	buf, err := c.Marshal(msg)
	if err != nil {
		return err
	}
	return c.Frames.Encode(w, buf)
}

func (c MarshalCodec[T]) Decode(r io.Reader) (msg T, err error) {
	buf, err := c.Frames.Decode(r)
	if err != nil {
		return msg, err
	}
	return c.Unmarshal(buf)
}
