// Package wire implements the two messages exchanged inside channel logs.
//
// The encoding is the protobuf (proto2) binary format of:
//
//	message SignedMessage {
//	  optional bytes signature = 1;
//	  required bytes message = 2;
//	}
//
//	message Message {
//	  optional string username = 1;
//	  optional string channel = 2;
//	  optional uint64 timestamp = 3;
//	  optional string text = 4;
//	}
//
// Both are hand-encoded with [protowire] so presence of every optional field
// survives a round trip and the bytes stay stable across releases.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrMalformed       = errors.New("wire: malformed message")
	ErrMissingRequired = errors.New("wire: required field is missing")
)

const (
	fieldSignature protowire.Number = 1
	fieldMessage   protowire.Number = 2

	fieldUsername  protowire.Number = 1
	fieldChannel   protowire.Number = 2
	fieldTimestamp protowire.Number = 3
	fieldText      protowire.Number = 4
)

// Message is the application payload. Every field is optional, a nil pointer
// means the field is absent on the wire.
type Message struct {
	Username  *string
	Channel   *string
	Timestamp *uint64
	Text      *string
}

func (m *Message) GetUsername() string {
	if m == nil || m.Username == nil {
		return ""
	}
	return *m.Username
}

func (m *Message) GetChannel() string {
	if m == nil || m.Channel == nil {
		return ""
	}
	return *m.Channel
}

func (m *Message) GetTimestamp() uint64 {
	if m == nil || m.Timestamp == nil {
		return 0
	}
	return *m.Timestamp
}

func (m *Message) GetText() string {
	if m == nil || m.Text == nil {
		return ""
	}
	return *m.Text
}

func (m *Message) HasUsername() bool { return m != nil && m.Username != nil }
func (m *Message) HasChannel() bool { return m != nil && m.Channel != nil }
func (m *Message) HasTimestamp() bool { return m != nil && m.Timestamp != nil }
func (m *Message) HasText() bool { return m != nil && m.Text != nil }

func (m *Message) SetUsername(v string) { m.Username = &v }
func (m *Message) SetChannel(v string) { m.Channel = &v }
func (m *Message) SetTimestamp(v uint64) { m.Timestamp = &v }
func (m *Message) SetText(v string) { m.Text = &v }

// Marshal returns the wire form of the message.
func (m *Message) Marshal() ([]byte, error) {
	return m.AppendMarshal(nil), nil
}

// AppendMarshal appends the wire form of the message to buf.
func (m *Message) AppendMarshal(buf []byte) []byte {
	if m == nil {
		return buf
	}
	if m.Username != nil {
		buf = protowire.AppendTag(buf, fieldUsername, protowire.BytesType)
		buf = protowire.AppendString(buf, *m.Username)
	}
	if m.Channel != nil {
		buf = protowire.AppendTag(buf, fieldChannel, protowire.BytesType)
		buf = protowire.AppendString(buf, *m.Channel)
	}
	if m.Timestamp != nil {
		buf = protowire.AppendTag(buf, fieldTimestamp, protowire.VarintType)
		buf = protowire.AppendVarint(buf, *m.Timestamp)
	}
	if m.Text != nil {
		buf = protowire.AppendTag(buf, fieldText, protowire.BytesType)
		buf = protowire.AppendString(buf, *m.Text)
	}
	return buf
}

// Unmarshal decodes buf into m, resetting it first. Unknown fields are
// skipped.
func (m *Message) Unmarshal(buf []byte) error {
	*m = Message{}
	return walk(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldUsername && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return n, nil
			}
			m.SetUsername(v)
			return n, nil
		case num == fieldChannel && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return n, nil
			}
			m.SetChannel(v)
			return n, nil
		case num == fieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return n, nil
			}
			m.SetTimestamp(v)
			return n, nil
		case num == fieldText && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return n, nil
			}
			m.SetText(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// SignedMessage wraps an encoded [Message] with an optional signature over
// exactly those bytes.
type SignedMessage struct {
	// Signature is nil when the message was sent unsigned.
	Signature []byte
	Message   []byte
}

func (sm *SignedMessage) Marshal() ([]byte, error) {
	if sm.Message == nil {
		return nil, fmt.Errorf("%w: message", ErrMissingRequired)
	}
	var buf []byte
	if sm.Signature != nil {
		buf = protowire.AppendTag(buf, fieldSignature, protowire.BytesType)
		buf = protowire.AppendBytes(buf, sm.Signature)
	}
	buf = protowire.AppendTag(buf, fieldMessage, protowire.BytesType)
	buf = protowire.AppendBytes(buf, sm.Message)
	return buf, nil
}

func (sm *SignedMessage) Unmarshal(buf []byte) error {
	*sm = SignedMessage{}
	err := walk(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.BytesType && (num == fieldSignature || num == fieldMessage) {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			// copy so the result does not alias the log's buffer.
			cp := make([]byte, len(v))
			copy(cp, v)
			if num == fieldSignature {
				sm.Signature = cp
			} else {
				sm.Message = cp
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return err
	}
	if sm.Message == nil {
		return fmt.Errorf("%w: message", ErrMissingRequired)
	}
	return nil
}

// walk iterates over the fields of buf. fn receives the bytes following the
// tag and returns how many it consumed, negative on protowire errors.
func walk(buf []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
		}
		buf = buf[n:]
		m, err := fn(num, typ, buf)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(m))
		}
		buf = buf[m:]
	}
	return nil
}

// EncodeMessage is a shorthand for [Message.AppendMarshal] on a nil buffer.
// An empty message encodes to an empty, non-nil slice so it can be used as
// the required payload of a [SignedMessage].
func EncodeMessage(m *Message) []byte {
	return m.AppendMarshal([]byte{})
}

func DecodeMessage(buf []byte) (*Message, error) {
	m := &Message{}
	if err := m.Unmarshal(buf); err != nil {
		return nil, err
	}
	return m, nil
}

func DecodeSignedMessage(buf []byte) (*SignedMessage, error) {
	sm := &SignedMessage{}
	if err := sm.Unmarshal(buf); err != nil {
		return nil, err
	}
	return sm, nil
}
