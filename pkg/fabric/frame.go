package fabric

import (
	"fmt"

	"github.com/raskyld/friends/pkg/flow"
	"google.golang.org/protobuf/encoding/protowire"
)

// streamMode is announced by the init frame opening every stream.
type streamMode uint64

const (
	streamModeUnspecified streamMode = iota
	// streamModeGossip streams carry memberlist push/pull exchanges.
	streamModeGossip
	// streamModeReplicate streams are handed over to a [Binding].
	streamModeReplicate
)

func (m streamMode) String() string {
	switch m {
	case streamModeGossip:
		return "gossip"
	case streamModeReplicate:
		return "replicate"
	default:
		return "unspecified"
	}
}

type claimMode uint64

const (
	claimModeUnspecified claimMode = iota
	claimModeClaim
	claimModeUnclaim
)

const (
	fieldInitMode   protowire.Number = 1
	fieldInitTopic  protowire.Number = 2
	fieldInitSource protowire.Number = 3

	fieldClaimTopic protowire.Number = 1
	fieldClaimNode  protowire.Number = 2
	fieldClaimMode  protowire.Number = 3
	fieldClaimRev   protowire.Number = 4
)

// maxInitFrameSize bounds what we read before knowing who we talk to.
const maxInitFrameSize = 1024

type initFrame struct {
	Mode   streamMode
	Topic  string
	Source string
}

var initCodec = flow.MarshalCodec[initFrame]{
	Frames:    flow.BytesCodec{MaxSize: maxInitFrameSize},
	Marshal:   marshalInit,
	Unmarshal: unmarshalInit,
}

func marshalInit(f initFrame) ([]byte, error) {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldInitMode, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(f.Mode))
	if f.Topic != "" {
		buf = protowire.AppendTag(buf, fieldInitTopic, protowire.BytesType)
		buf = protowire.AppendString(buf, f.Topic)
	}
	if f.Source != "" {
		buf = protowire.AppendTag(buf, fieldInitSource, protowire.BytesType)
		buf = protowire.AppendString(buf, f.Source)
	}
	return buf, nil
}

func unmarshalInit(buf []byte) (f initFrame, err error) {
	err = walk(buf, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == fieldInitMode && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			f.Mode = streamMode(v)
			return n
		case num == fieldInitTopic && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			f.Topic = v
			return n
		case num == fieldInitSource && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			f.Source = v
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	if err != nil {
		return f, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	return f, nil
}

// claim announces that Node joined (or left) Topic. Rev orders the claims
// of a given node.
type claim struct {
	Topic string
	Node  string
	Mode  claimMode
	Rev   uint64
}

func marshalClaim(c claim) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldClaimTopic, protowire.BytesType)
	buf = protowire.AppendString(buf, c.Topic)
	buf = protowire.AppendTag(buf, fieldClaimNode, protowire.BytesType)
	buf = protowire.AppendString(buf, c.Node)
	buf = protowire.AppendTag(buf, fieldClaimMode, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(c.Mode))
	buf = protowire.AppendTag(buf, fieldClaimRev, protowire.VarintType)
	buf = protowire.AppendVarint(buf, c.Rev)
	return buf
}

func unmarshalClaim(buf []byte) (c claim, err error) {
	err = walk(buf, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == fieldClaimTopic && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			c.Topic = v
			return n
		case num == fieldClaimNode && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			c.Node = v
			return n
		case num == fieldClaimMode && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			c.Mode = claimMode(v)
			return n
		case num == fieldClaimRev && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			c.Rev = v
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	if err != nil {
		return c, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}
	if c.Topic == "" || c.Node == "" || c.Mode == claimModeUnspecified {
		return c, ErrInvalidFrame
	}
	return c, nil
}

func walk(buf []byte, fn func(protowire.Number, protowire.Type, []byte) int) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return protowire.ParseError(n)
		}
		buf = buf[n:]
		m := fn(num, typ, buf)
		if m < 0 {
			return protowire.ParseError(m)
		}
		buf = buf[m:]
	}
	return nil
}
