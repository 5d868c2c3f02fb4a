package hyperlog

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"slices"

	"google.golang.org/protobuf/encoding/protowire"
	"lukechampine.com/blake3"
)

// KeySize is the size of a node content address.
const KeySize = 32

// Node is an immutable entry of a [Log].
//
// Links are the content addresses of the parents and are identical on every
// replica. Parents are the same parents expressed as local change numbers.
type Node struct {
	// Change is the local, 0-based, sequence number of the node.
	Change  uint64
	Key     []byte
	Links   [][]byte
	Parents []uint64
	Value   []byte
}

// ID is the hexadecimal form of the node key.
func (n Node) ID() string {
	return hex.EncodeToString(n.Key)
}

func (n Node) String() string {
	return fmt.Sprintf("node(%d, %.12s)", n.Change, n.ID())
}

// hashNode computes the content address of a node from its sorted links and
// its value.
func hashNode(links [][]byte, value []byte) []byte {
	h := blake3.New(KeySize, nil)
	var buf []byte
	for _, link := range links {
		buf = protowire.AppendBytes(buf[:0], link)
		h.Write(buf)
	}
	buf = protowire.AppendBytes(buf[:0], value)
	h.Write(buf)
	return h.Sum(nil)
}

// normaliseLinks sorts and deduplicates links so the content address does
// not depend on the order heads were listed in.
func normaliseLinks(links [][]byte) [][]byte {
	if len(links) == 0 {
		return nil
	}
	sorted := make([][]byte, len(links))
	copy(sorted, links)
	slices.SortFunc(sorted, bytes.Compare)
	return slices.CompactFunc(sorted, bytes.Equal)
}

const (
	nodeFieldChange protowire.Number = 1
	nodeFieldKey    protowire.Number = 2
	nodeFieldLink   protowire.Number = 3
	nodeFieldParent protowire.Number = 4
	nodeFieldValue  protowire.Number = 5
)

func marshalNode(n Node) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, nodeFieldChange, protowire.VarintType)
	buf = protowire.AppendVarint(buf, n.Change)
	buf = protowire.AppendTag(buf, nodeFieldKey, protowire.BytesType)
	buf = protowire.AppendBytes(buf, n.Key)
	for _, link := range n.Links {
		buf = protowire.AppendTag(buf, nodeFieldLink, protowire.BytesType)
		buf = protowire.AppendBytes(buf, link)
	}
	for _, parent := range n.Parents {
		buf = protowire.AppendTag(buf, nodeFieldParent, protowire.VarintType)
		buf = protowire.AppendVarint(buf, parent)
	}
	buf = protowire.AppendTag(buf, nodeFieldValue, protowire.BytesType)
	buf = protowire.AppendBytes(buf, n.Value)
	return buf
}

func unmarshalNode(buf []byte) (n Node, err error) {
	for len(buf) > 0 {
		num, typ, l := protowire.ConsumeTag(buf)
		if l < 0 {
			return n, fmt.Errorf("%w: %w", ErrCorrupted, protowire.ParseError(l))
		}
		buf = buf[l:]

		switch {
		case typ == protowire.VarintType && (num == nodeFieldChange || num == nodeFieldParent):
			v, l := protowire.ConsumeVarint(buf)
			if l < 0 {
				return n, fmt.Errorf("%w: %w", ErrCorrupted, protowire.ParseError(l))
			}
			if num == nodeFieldChange {
				n.Change = v
			} else {
				n.Parents = append(n.Parents, v)
			}
			buf = buf[l:]
		case typ == protowire.BytesType && num >= nodeFieldKey && num <= nodeFieldValue:
			v, l := protowire.ConsumeBytes(buf)
			if l < 0 {
				return n, fmt.Errorf("%w: %w", ErrCorrupted, protowire.ParseError(l))
			}
			cp := make([]byte, len(v))
			copy(cp, v)
			switch num {
			case nodeFieldKey:
				n.Key = cp
			case nodeFieldLink:
				n.Links = append(n.Links, cp)
			case nodeFieldValue:
				n.Value = cp
			default:
				return n, fmt.Errorf("%w: unexpected field %d", ErrCorrupted, num)
			}
			buf = buf[l:]
		default:
			l := protowire.ConsumeFieldValue(num, typ, buf)
			if l < 0 {
				return n, fmt.Errorf("%w: %w", ErrCorrupted, protowire.ParseError(l))
			}
			buf = buf[l:]
		}
	}

	if len(n.Key) != KeySize {
		return n, fmt.Errorf("%w: invalid key size %d", ErrCorrupted, len(n.Key))
	}
	return n, nil
}
