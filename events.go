package friends

import (
	"io"

	"github.com/raskyld/friends/pkg/hyperlog"
)

// Observer receives the events of a [Swarm]. Methods are called from the
// goroutine serving the peer and must not block for long, nor remove the
// channel they are notified about.
//
// No event is emitted for a channel once [Swarm.RemoveChannel] returned.
type Observer interface {
	// PeerConnected is emitted when a peer session starts replicating.
	PeerConnected(PeerEvent)

	// Pushed is emitted for each entry sent to a peer of channel.
	Pushed(channel string)

	// Pulled is emitted for each entry received from a peer of channel.
	Pulled(channel string)
}

// PeerEvent describes a new peer session.
type PeerEvent struct {
	Channel     string
	PeerID      string
	Conn        io.ReadWriteCloser
	Replication *hyperlog.Replication
}

// NopObserver ignores every event. Embed it to only implement some methods.
type NopObserver struct{}

var _ Observer = NopObserver{}

func (NopObserver) PeerConnected(PeerEvent) {}
func (NopObserver) Pushed(string)           {}
func (NopObserver) Pulled(string)           {}
