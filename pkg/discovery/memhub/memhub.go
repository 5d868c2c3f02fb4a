// Package memhub is an in-process rendezvous: clients of the same [Hub]
// joining the same topic on a common hub address are connected with
// [net.Pipe].
//
// It backs tests and single-process setups.
package memhub

import (
	"context"
	"log/slog"
	"net"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/raskyld/friends/pkg/discovery"
)

const defaultHubAddress = ""

// Hub pairs the bindings of its clients.
type Hub struct {
	lk     sync.Mutex
	topics map[topicKey]map[*binding]struct{}
	logger *slog.Logger
}

type topicKey struct {
	hub string
	id  string
}

func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		topics: make(map[topicKey]map[*binding]struct{}),
		logger: logger,
	}
}

// Client returns a new participant with a random peer id.
func (h *Hub) Client() *Client {
	return &Client{
		hub: h,
		id:  uuid.NewString(),
	}
}

// Client is a [discovery.Discovery] connected to a [Hub].
type Client struct {
	hub *Hub
	id  string
}

var _ discovery.Discovery = (*Client)(nil)

// ID is how other clients see this one.
func (c *Client) ID() string {
	return c.id
}

func (c *Client) Join(ctx context.Context, id string, hubs []string, _ discovery.ConnectivityConfig) (discovery.Binding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hubs = slices.Clone(hubs)
	if len(hubs) == 0 {
		hubs = []string{defaultHubAddress}
	}
	slices.Sort(hubs)
	hubs = slices.Compact(hubs)

	b := &binding{
		hub:     c.hub,
		client:  c,
		peersCh: make(chan discovery.Peer),
		closeCh: make(chan struct{}),
	}

	h := c.hub
	h.lk.Lock()
	defer h.lk.Unlock()

	paired := make(map[*binding]struct{})
	for _, hub := range hubs {
		key := topicKey{hub: hub, id: id}
		b.keys = append(b.keys, key)

		members, ok := h.topics[key]
		if !ok {
			members = make(map[*binding]struct{})
			h.topics[key] = members
		}
		for other := range members {
			if _, done := paired[other]; done || other.client == c {
				continue
			}
			paired[other] = struct{}{}

			local, remote := net.Pipe()
			b.deliver(discovery.Peer{ID: other.client.id, Conn: local})
			other.deliver(discovery.Peer{ID: c.id, Conn: remote})
		}
		members[b] = struct{}{}
	}

	h.logger.Debug("joined topic", "topic", id, "peer_id", c.id, "paired", len(paired))
	return b, nil
}

type binding struct {
	hub    *Hub
	client *Client
	keys   []topicKey

	peersCh chan discovery.Peer
	closeCh chan struct{}

	// guarded by hub.lk
	closed     bool
	deliveries sync.WaitGroup
}

func (b *binding) Peers() <-chan discovery.Peer {
	return b.peersCh
}

// deliver must be called by an holder of hub.lk.
func (b *binding) deliver(peer discovery.Peer) {
	b.deliveries.Add(1)
	go func() {
		defer b.deliveries.Done()
		select {
		case b.peersCh <- peer:
		case <-b.closeCh:
			peer.Conn.Close()
		}
	}()
}

func (b *binding) Close() error {
	h := b.hub
	h.lk.Lock()
	if b.closed {
		h.lk.Unlock()
		return nil
	}
	b.closed = true
	for _, key := range b.keys {
		delete(h.topics[key], b)
		if len(h.topics[key]) == 0 {
			delete(h.topics, key)
		}
	}
	close(b.closeCh)
	h.lk.Unlock()

	b.deliveries.Wait()
	close(b.peersCh)
	return nil
}
