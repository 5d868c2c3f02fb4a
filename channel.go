package friends

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/raskyld/friends/pkg/discovery"
	"github.com/raskyld/friends/pkg/hyperlog"
)

// channel is an open entry of the [Swarm] registry.
type channel struct {
	swarm  *Swarm
	name   string
	logger *slog.Logger

	// ready is closed once open returned, err holds its result.
	ready   chan struct{}
	err     error
	log     *hyperlog.Log
	binding discovery.Binding

	// ctx is cancelled on close and bounds every goroutine of the channel.
	ctx     context.Context
	cancel  context.CancelFunc
	removed atomic.Bool
	wg      sync.WaitGroup

	lk    sync.Mutex
	peers map[*peerSession]struct{}
	proc  *processing
}

type processing struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func newChannel(s *Swarm, name string) *channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &channel{
		swarm:  s,
		name:   name,
		logger: s.logger.With(LabelChannel.L(name)),
		ready:  make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[*peerSession]struct{}),
	}
}

// open prepares the log and joins the rendezvous topic of the channel.
// It aborts with [ErrRemoved] when the channel is closed meanwhile.
func (c *channel) open(ctx context.Context) (err error) {
	defer func() {
		c.err = err
		close(c.ready)
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	cfg := c.swarm.fetchConnectivity(ctx)

	log, err := c.swarm.openLog(c.name)
	if err != nil {
		return err
	}

	binding, err := c.swarm.cfg.discovery.Join(ctx, TopicPrefix+c.name, c.swarm.cfg.hubs, cfg)
	if c.removed.Load() {
		if binding != nil {
			binding.Close()
		}
		return ErrRemoved
	}
	if err != nil {
		return err
	}

	c.log = log
	c.binding = binding

	c.wg.Add(1)
	go c.acceptPeers()
	return nil
}

func (c *channel) waitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *channel) isReady() bool {
	select {
	case <-c.ready:
		return c.err == nil
	default:
		return false
	}
}

func (c *channel) changes() uint64 {
	if !c.isReady() || c.removed.Load() {
		return 0
	}
	return c.log.Changes()
}

func (c *channel) acceptPeers() {
	defer c.wg.Done()
	for peer := range c.binding.Peers() {
		if c.removed.Load() {
			peer.Conn.Close()
			continue
		}

		session := newPeerSession(c, peer)
		c.lk.Lock()
		c.peers[session] = struct{}{}
		c.lk.Unlock()

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			session.run()
		}()
	}
}

func (c *channel) removePeer(session *peerSession) {
	c.lk.Lock()
	defer c.lk.Unlock()
	delete(c.peers, session)
}

func (c *channel) peerIDs() []string {
	c.lk.Lock()
	defer c.lk.Unlock()
	ids := make([]string, 0, len(c.peers))
	for session := range c.peers {
		if session.State() == PeerConnected {
			ids = append(ids, session.id)
		}
	}
	slices.Sort(ids)
	return ids
}

// startProcessing starts the process loop unless one is running. The new
// loop waits for the previous loop on the same log to exit, including one
// left by a removed channel, so deliveries never overlap.
func (c *channel) startProcessing() {
	if !c.isReady() || c.removed.Load() {
		return
	}

	c.lk.Lock()
	defer c.lk.Unlock()
	if c.proc != nil {
		return
	}

	ctx, cancel := context.WithCancel(c.ctx)
	p := &processing{cancel: cancel, done: make(chan struct{})}
	prev := c.swarm.chainLoop(c.name, p.done)
	c.proc = p

	go c.process(ctx, p, prev)
}

// stopProcessing stops the process loop. A delivery in progress completes.
func (c *channel) stopProcessing() {
	c.lk.Lock()
	p := c.proc
	c.proc = nil
	c.lk.Unlock()
	if p != nil {
		p.cancel()
	}
}

// processingExited forgets p if it is still the running loop.
func (c *channel) processingExited(p *processing) {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.proc == p {
		c.proc = nil
	}
}

// close tears the channel down. Once it returns no event is emitted for it.
func (c *channel) close(cause ClosedBy) {
	if c.removed.Swap(true) {
		return
	}
	c.cancel()
	<-c.ready

	c.stopProcessing()
	if c.binding != nil {
		err := c.binding.Close()
		if err != nil {
			c.logger.Warn("failed to close discovery binding", LabelError.L(err))
		}
	}

	c.lk.Lock()
	sessions := make([]*peerSession, 0, len(c.peers))
	for session := range c.peers {
		sessions = append(sessions, session)
	}
	c.lk.Unlock()
	for _, session := range sessions {
		session.close(cause)
	}

	c.wg.Wait()
}
