// Package discovery defines how a swarm finds the peers of a channel.
//
// An implementation rendezvous through one or more hubs and hands every
// reachable peer over as a duplex stream. What runs on the stream is up to
// the caller.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
)

var ErrClosed = errors.New("discovery: binding closed")

// Discovery joins rendezvous topics.
type Discovery interface {
	// Join announces the local node under id on the given hubs. Peers
	// announced under the same id are delivered by the returned [Binding]
	// until it is closed.
	Join(ctx context.Context, id string, hubs []string, cfg ConnectivityConfig) (Binding, error)
}

// Binding is a membership in a rendezvous topic.
type Binding interface {
	// Peers delivers a [Peer] for every connection established with a
	// member of the topic. It is closed once the binding is closed.
	Peers() <-chan Peer
	Close() error
}

// Peer is a connection with a remote member of a topic.
type Peer struct {
	ID   string
	Conn io.ReadWriteCloser
}

// ConnectivityConfig is fetched from a remote endpoint before joining a
// topic. A zero value is valid.
type ConnectivityConfig struct {
	// ICEServers are the NAT traversal servers to use.
	ICEServers []ICEServer `json:"iceServers,omitempty"`

	// Neighbours are additional addresses to join through.
	Neighbours []string `json:"neighbours,omitempty"`
}

type ICEServer struct {
	URLs       StringList `json:"urls"`
	Username   string     `json:"username,omitempty"`
	Credential string     `json:"credential,omitempty"`
}

// StringList decodes from either a JSON string or an array of strings.
type StringList []string

func (sl *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*sl = StringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*sl = many
	return nil
}
