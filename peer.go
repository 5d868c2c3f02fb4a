package friends

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/raskyld/friends/pkg/discovery"
	"github.com/raskyld/friends/pkg/hyperlog"
)

const (
	PeerConnecting PeerState = iota
	PeerConnected
	PeerClosed
)

// PeerState is the lifecycle of a peer session. A session is never
// reconnected: a peer found again gets a new session.
type PeerState uint8

func (state PeerState) String() string {
	switch state {
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// peerSession replicates the log of a channel with one remote peer.
type peerSession struct {
	channel     *channel
	id          string
	conn        io.ReadWriteCloser
	replication *hyperlog.Replication
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	lk    sync.Mutex
	state PeerState
}

func newPeerSession(c *channel, peer discovery.Peer) *peerSession {
	ctx, cancel := context.WithCancel(c.ctx)
	observer := c.swarm.cfg.observer
	return &peerSession{
		channel: c,
		id:      peer.ID,
		conn:    peer.Conn,
		replication: c.log.Replicate(hyperlog.ReplicateOptions{
			Live: true,
			OnPush: func(hyperlog.Node) {
				if !c.removed.Load() {
					observer.Pushed(c.name)
				}
			},
			OnPull: func(hyperlog.Node) {
				if !c.removed.Load() {
					observer.Pulled(c.name)
				}
			},
		}),
		logger: c.logger.With(LabelPeerID.L(peer.ID)),
		ctx:    ctx,
		cancel: cancel,
		state:  PeerConnecting,
	}
}

func (p *peerSession) State() PeerState {
	p.lk.Lock()
	defer p.lk.Unlock()
	return p.state
}

func (p *peerSession) run() {
	s := p.channel.swarm

	p.lk.Lock()
	if p.state != PeerConnecting {
		p.lk.Unlock()
		return
	}
	p.state = PeerConnected
	p.lk.Unlock()

	s.cfg.msink.IncrCounterWithLabels(MetricPeersConnectedCount, 1.0, s.labels(LabelChannel.M(p.channel.name)))
	p.logger.Info("peer connected", LabelPeerState.L(PeerConnected.String()))

	if !p.channel.removed.Load() {
		s.cfg.observer.PeerConnected(PeerEvent{
			Channel:     p.channel.name,
			PeerID:      p.id,
			Conn:        p.conn,
			Replication: p.replication,
		})
	}

	err := p.replication.Run(p.ctx, p.conn)
	if err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Warn("replication failed", LabelError.L(err))
	}
	p.close(ClosedByRemote)
}

// close ends the session and removes it from its channel. Only the first
// cause is kept.
func (p *peerSession) close(cause ClosedBy) {
	p.lk.Lock()
	if p.state == PeerClosed {
		p.lk.Unlock()
		return
	}
	p.state = PeerClosed
	p.lk.Unlock()

	p.cancel()
	p.conn.Close()
	p.channel.removePeer(p)

	s := p.channel.swarm
	s.cfg.msink.IncrCounterWithLabels(
		MetricPeersClosedCount,
		1.0,
		s.labels(LabelChannel.M(p.channel.name), LabelCause.M(cause.String())),
	)
	p.logger.Info("peer closed", LabelPeerState.L(PeerClosed.String()), LabelCause.L(cause.String()))
}
