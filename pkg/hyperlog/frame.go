package hyperlog

import (
	"fmt"

	"github.com/raskyld/friends/pkg/flow"
	"google.golang.org/protobuf/encoding/protowire"
)

type frameType uint64

const (
	frameHandshake frameType = iota + 1
	frameHave
	frameHaveEnd
	frameNode
	frameSyncDone
)

func (t frameType) String() string {
	switch t {
	case frameHandshake:
		return "handshake"
	case frameHave:
		return "have"
	case frameHaveEnd:
		return "have-end"
	case frameNode:
		return "node"
	case frameSyncDone:
		return "sync-done"
	}
	return fmt.Sprintf("frame(%d)", uint64(t))
}

// frame is the unit exchanged by replicas. Only the fields relevant to its
// type are set.
type frame struct {
	Type frameType

	// handshake
	Version uint64
	Live    bool
	ID      []byte

	// have
	Keys [][]byte

	// node
	Links [][]byte
	Value []byte
}

const (
	frameFieldType    protowire.Number = 1
	frameFieldVersion protowire.Number = 2
	frameFieldLive    protowire.Number = 3
	frameFieldID      protowire.Number = 4
	frameFieldKey     protowire.Number = 5
	frameFieldLink    protowire.Number = 6
	frameFieldValue   protowire.Number = 7
)

var frameCodec = flow.MarshalCodec[frame]{
	Marshal:   marshalFrame,
	Unmarshal: unmarshalFrame,
}

func marshalFrame(f frame) ([]byte, error) {
	var buf []byte
	buf = protowire.AppendTag(buf, frameFieldType, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(f.Type))
	if f.Version != 0 {
		buf = protowire.AppendTag(buf, frameFieldVersion, protowire.VarintType)
		buf = protowire.AppendVarint(buf, f.Version)
	}
	if f.Live {
		buf = protowire.AppendTag(buf, frameFieldLive, protowire.VarintType)
		buf = protowire.AppendVarint(buf, protowire.EncodeBool(true))
	}
	if f.ID != nil {
		buf = protowire.AppendTag(buf, frameFieldID, protowire.BytesType)
		buf = protowire.AppendBytes(buf, f.ID)
	}
	for _, key := range f.Keys {
		buf = protowire.AppendTag(buf, frameFieldKey, protowire.BytesType)
		buf = protowire.AppendBytes(buf, key)
	}
	for _, link := range f.Links {
		buf = protowire.AppendTag(buf, frameFieldLink, protowire.BytesType)
		buf = protowire.AppendBytes(buf, link)
	}
	if f.Type == frameNode {
		buf = protowire.AppendTag(buf, frameFieldValue, protowire.BytesType)
		buf = protowire.AppendBytes(buf, f.Value)
	}
	return buf, nil
}

func unmarshalFrame(buf []byte) (f frame, err error) {
	for len(buf) > 0 {
		num, typ, l := protowire.ConsumeTag(buf)
		if l < 0 {
			return f, fmt.Errorf("%w: %w", ErrProtocol, protowire.ParseError(l))
		}
		buf = buf[l:]

		switch {
		case typ == protowire.VarintType && num <= frameFieldLive:
			v, l := protowire.ConsumeVarint(buf)
			if l < 0 {
				return f, fmt.Errorf("%w: %w", ErrProtocol, protowire.ParseError(l))
			}
			switch num {
			case frameFieldType:
				f.Type = frameType(v)
			case frameFieldVersion:
				f.Version = v
			case frameFieldLive:
				f.Live = protowire.DecodeBool(v)
			}
			buf = buf[l:]
		case typ == protowire.BytesType && num >= frameFieldID && num <= frameFieldValue:
			v, l := protowire.ConsumeBytes(buf)
			if l < 0 {
				return f, fmt.Errorf("%w: %w", ErrProtocol, protowire.ParseError(l))
			}
			cp := make([]byte, len(v))
			copy(cp, v)
			switch num {
			case frameFieldID:
				f.ID = cp
			case frameFieldKey:
				f.Keys = append(f.Keys, cp)
			case frameFieldLink:
				f.Links = append(f.Links, cp)
			case frameFieldValue:
				f.Value = cp
			}
			buf = buf[l:]
		default:
			l := protowire.ConsumeFieldValue(num, typ, buf)
			if l < 0 {
				return f, fmt.Errorf("%w: %w", ErrProtocol, protowire.ParseError(l))
			}
			buf = buf[l:]
		}
	}

	if f.Type == 0 {
		return f, fmt.Errorf("%w: frame without type", ErrProtocol)
	}
	if f.Type == frameNode && f.Value == nil {
		f.Value = []byte{}
	}
	return f, nil
}
