package fabric

import (
	"sync"
	"time"

	"github.com/raskyld/friends/pkg/discovery"
)

var _ discovery.Binding = (*binding)(nil)

// binding is our membership in a topic. It hands every replication stream
// established with another member over as a [discovery.Peer].
type binding struct {
	fb    *Fabric
	topic string

	closed  bool
	closeCh chan struct{}
	lk      sync.Mutex
	writers sync.WaitGroup

	// connected nodes, at most one stream per node.
	connected map[string]struct{}
	peersCh   chan discovery.Peer
}

func newBinding(fb *Fabric, topic string, buffer int) *binding {
	return &binding{
		fb:        fb,
		topic:     topic,
		closeCh:   make(chan struct{}),
		connected: make(map[string]struct{}),
		peersCh:   make(chan discovery.Peer, buffer),
	}
}

func (b *binding) Peers() <-chan discovery.Peer {
	return b.peersCh
}

func (b *binding) Close() error {
	if !b.close() {
		return nil
	}
	return b.fb.unbind(b)
}

// close stops the deliveries, it reports whether we were the one closing.
func (b *binding) close() bool {
	b.lk.Lock()
	if b.closed {
		b.lk.Unlock()
		return false
	}
	b.closed = true
	close(b.closeCh)
	b.lk.Unlock()

	b.writers.Wait()
	close(b.peersCh)
	return true
}

// reserve marks node as connected, it fails if we already have a stream
// with it or if the binding is closed.
func (b *binding) reserve(node string) bool {
	b.lk.Lock()
	defer b.lk.Unlock()
	if b.closed {
		return false
	}
	if _, ok := b.connected[node]; ok {
		return false
	}
	b.connected[node] = struct{}{}
	return true
}

func (b *binding) release(node string) {
	b.lk.Lock()
	delete(b.connected, node)
	b.lk.Unlock()
}

func (b *binding) isConnected(node string) bool {
	b.lk.Lock()
	defer b.lk.Unlock()
	_, ok := b.connected[node]
	return ok
}

// deliver a stream with node which must have been reserved.
func (b *binding) deliver(node string, stream *streamWrapper, timeout time.Duration) bool {
	b.lk.Lock()
	if b.closed {
		b.lk.Unlock()
		stream.CancelRead(QErrStreamShutdown)
		stream.CancelWrite(QErrStreamShutdown)
		return false
	}
	b.writers.Add(1)
	b.lk.Unlock()
	defer b.writers.Done()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	peer := discovery.Peer{
		ID: node,
		Conn: &peerConn{
			streamWrapper: stream,
			onClose:       func() { b.release(node) },
		},
	}

	mLabels := withLabels(b.fb.config.metricLabels, LabelTopic.M(b.topic), LabelPeerName.M(node))
	select {
	case b.peersCh <- peer:
		b.fb.config.msink.IncrCounterWithLabels(MetricPeersDeliveredCount, 1.0, mLabels)
		return true
	case <-b.closeCh:
		stream.CancelRead(QErrStreamShutdown)
		stream.CancelWrite(QErrStreamShutdown)
	case <-timer.C:
		stream.CancelRead(QErrStreamBufferFull)
		stream.CancelWrite(QErrStreamBufferFull)
		b.fb.config.msink.IncrCounterWithLabels(
			MetricPeersDroppedCount,
			1.0,
			append(mLabels, LabelError.M("buffer_full")),
		)
		b.fb.logger.Error(
			"failed to deliver peer: buffer is full",
			LabelTopic.L(b.topic),
			LabelPeerName.L(node),
		)
	}
	b.release(node)
	return false
}

// peerConn frees the node slot of its binding once closed.
type peerConn struct {
	*streamWrapper
	once    sync.Once
	onClose func()
}

func (pc *peerConn) Close() (err error) {
	pc.once.Do(func() {
		err = pc.streamWrapper.Close()
		pc.onClose()
	})
	return
}
