package friends

import (
	"errors"
)

var (
	ErrInvalidCfg  = errors.New("swarm: invalid options")
	ErrClosed      = errors.New("swarm: closed")
	ErrChannelName = errors.New("swarm: channel names must be non-empty and less than 128 bytes")
	ErrRemoved     = errors.New("swarm: channel removed while opening")
	ErrSign        = errors.New("swarm: could not sign message")
	ErrLegacyEntry = errors.New("swarm: legacy entry")
	ErrDecode      = errors.New("swarm: could not decode entry")
)

const (
	ClosedByUnknown ClosedBy = iota
	ClosedByRemoval
	ClosedByRemote
	ClosedBySwarm
)

// ClosedBy tells why a peer session ended.
type ClosedBy uint8

func (cause ClosedBy) String() string {
	switch cause {
	case ClosedByRemoval:
		return "channel removed"
	case ClosedByRemote:
		return "remote"
	case ClosedBySwarm:
		return "swarm closed"
	default:
		return "unknown"
	}
}
