package fabric

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/hashicorp/serf/serf"
	"github.com/raskyld/friends/pkg/discovery"
)

// MaxTopicLength in bytes.
const MaxTopicLength = 160

const (
	eventChannelClaim = "channel_claim"
	queryTopicMembers = "topic_members"

	reconcileInterval = 5 * time.Second
	// QUIC datagrams must fit in a single packet.
	maxGossipPacket = 1024
)

var _ discovery.Discovery = (*Fabric)(nil)

// Fabric is a cluster of nodes gossiping which topics they take part in.
// Members of the same topic are connected by replication streams over QUIC.
type Fabric struct {
	config config
	logger *slog.Logger

	// gossip
	dir     *directory
	serf    *serf.Serf
	eventCh chan serf.Event

	// transport
	tr            *Transport
	localNodeName string

	// topics management
	bindings map[string]*binding

	// synchronisation
	lk sync.Mutex

	// 2-phase close:
	// phase 1: shutdown notification, graceful termination.
	// phase 2: drop, all resources are freed.
	shutdown   bool
	shutdownCh chan struct{}
	dropCh     chan struct{}
	wg         sync.WaitGroup
}

func Create(opts ...Option) (*Fabric, error) {
	fb := &Fabric{
		eventCh:  make(chan serf.Event, 512),
		bindings: make(map[string]*binding),

		shutdownCh: make(chan struct{}),
		dropCh:     make(chan struct{}),
	}

	// Fine-tune Serf config.
	fb.config.serfCfg = serf.DefaultConfig()
	fb.config.serfCfg.LogOutput = nil
	fb.config.serfCfg.MemberlistConfig.ProbeTimeout = 2 * time.Second
	fb.config.serfCfg.MemberlistConfig.UDPBufferSize = maxGossipPacket
	// TODO(raskyld): handle back-pressure by slowing down events.
	fb.config.serfCfg.QueueDepthWarning = 512
	// We don't do any smart routing decision, we don't need coordinates.
	fb.config.serfCfg.DisableCoordinates = true
	fb.config.serfCfg.ValidateNodeNames = true
	// Claims are never coalesced, membership changes can be.
	fb.config.serfCfg.CoalescePeriod = 2 * time.Second
	fb.config.serfCfg.QuiescentPeriod = 500 * time.Millisecond
	fb.config.serfCfg.EventCh = fb.eventCh

	defaults := []Option{
		WithDialTimeout(0),
		WithGracePeriod(0),
		WithHintMaxStreams(0),
		WithPeerBuffer(0),
	}

	// Run options now that we have a non-nil Serf config.
	for _, opt := range append(defaults, opts...) {
		err := opt(&fb.config)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	fb.config.trCfg.BindAddr = fb.config.serfCfg.MemberlistConfig.BindAddr
	fb.config.trCfg.BindPort = fb.config.serfCfg.MemberlistConfig.BindPort
	// We will wait for QUIC buffers to flush anyway.
	fb.config.serfCfg.LeavePropagateDelay = fb.config.trCfg.GracePeriod

	// Logging implementations.
	if fb.config.logHandler != nil {
		fb.logger = slog.New(fb.config.logHandler)
		fb.config.serfCfg.Logger = slog.NewLogLogger(fb.config.logHandler, slog.LevelDebug)
	} else {
		fb.logger = slog.Default()
		fb.config.serfCfg.Logger = slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug)
	}
	fb.config.serfCfg.MemberlistConfig.Logger = fb.config.serfCfg.Logger

	// Metrics implementations.
	if fb.config.msink == nil {
		fb.config.msink = metrics.Default()
		fb.config.trCfg.MetricSink = fb.config.msink
	}

	tr, err := NewTransport(&fb.config.trCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	fb.tr = tr

	// Make memberlist use our transport.
	fb.config.serfCfg.MemberlistConfig.Transport = tr

	// Initiate the Serf layer.
	serf, err := serf.Create(fb.config.serfCfg)
	if err != nil {
		tr.Shutdown()
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	fb.serf = serf

	local := fb.serf.LocalMember()
	fb.localNodeName = local.Name
	fb.logger = fb.logger.With(slog.String("node", local.Name))
	fb.dir = newDirectory(fb.logger, fb.localNodeName)

	// Handle cluster events and inbound streams.
	fb.wg.Add(3)
	go fb.handleEvents()
	go fb.handleReplicaStreams()
	go fb.reconcile()

	withLogMember(fb.logger, local).Info("fabric created")
	return fb, nil
}

// LocalName is the name we are known by in the cluster.
func (fb *Fabric) LocalName() string {
	return fb.localNodeName
}

// LocalAddr is the address other members reach us with.
func (fb *Fabric) LocalAddr() string {
	local := fb.serf.LocalMember()
	return net.JoinHostPort(local.Addr.String(), strconv.Itoa(int(local.Port)))
}

// JoinCluster joins the neighbours passed with `WithNeighbours`.
func (fb *Fabric) JoinCluster() error {
	return fb.join(fb.config.neighbours)
}

func (fb *Fabric) join(neighbours []string) error {
	fb.lk.Lock()
	if fb.shutdown {
		fb.lk.Unlock()
		return ErrFabricClosed
	}
	fb.lk.Unlock()

	if len(neighbours) == 0 {
		return nil
	}

	joined, err := fb.serf.Join(neighbours, true)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}
	fb.logger.Info("cluster joined")
	if len(neighbours) != joined {
		fb.logger.Warn(
			"not all neighbours are reachable",
			"joined", joined,
			"expected", len(neighbours),
		)
	}
	return nil
}

// Topology lists the members of the cluster.
func (fb *Fabric) Topology() []serf.Member {
	return fb.serf.Members()
}

// Topics lists the topics with at least one member, filtered by prefix.
func (fb *Fabric) Topics(prefix string) []string {
	return fb.dir.topics(prefix)
}

// Members lists the nodes taking part in topic.
func (fb *Fabric) Members(topic string) []string {
	return fb.dir.members(topic)
}

// Join claims topic and delivers a peer for every other member of it. The
// hubs and the neighbours of cfg that are `host:port` addresses are joined
// first.
func (fb *Fabric) Join(ctx context.Context, topic string, hubs []string, cfg discovery.ConnectivityConfig) (discovery.Binding, error) {
	if !ValidateTopic(topic) {
		return nil, ErrTopicInvalid
	}

	fb.lk.Lock()
	if fb.shutdown {
		fb.lk.Unlock()
		return nil, ErrFabricClosed
	}
	if _, has := fb.bindings[topic]; has {
		fb.lk.Unlock()
		return nil, ErrAlreadyJoined
	}
	fb.lk.Unlock()

	if seeds := fb.seeds(hubs, cfg.Neighbours); len(seeds) > 0 {
		if err := fb.join(seeds); err != nil {
			fb.logger.Warn("could not reach any seed", LabelTopic.L(topic), LabelError.L(err))
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fb.lk.Lock()
	defer fb.lk.Unlock()
	if fb.shutdown {
		return nil, ErrFabricClosed
	}
	if _, has := fb.bindings[topic]; has {
		return nil, ErrAlreadyJoined
	}

	c, _, err := fb.dir.record(claim{
		Topic: topic,
		Node:  fb.localNodeName,
		Mode:  claimModeClaim,
	}, true)
	if err != nil {
		return nil, err
	}

	if err := fb.serf.UserEvent(eventChannelClaim, marshalClaim(c), false); err != nil {
		return nil, err
	}

	b := newBinding(fb, topic, fb.config.peerBuffer)
	fb.bindings[topic] = b
	fb.config.msink.SetGaugeWithLabels(MetricTopicsClaimed, float32(len(fb.bindings)), fb.config.metricLabels)

	fb.wg.Add(1)
	go fb.queryMembers(topic)
	fb.connectAll(b)

	fb.logger.Debug("joined topic", LabelTopic.L(topic))
	return b, nil
}

// seeds keeps the addresses we can join the cluster through.
func (fb *Fabric) seeds(lists ...[]string) (seeds []string) {
	for _, list := range lists {
		for _, addr := range list {
			if strings.Contains(addr, "://") {
				fb.logger.Debug("ignoring non-fabric hub", "hub", addr)
				continue
			}
			if _, _, err := net.SplitHostPort(addr); err != nil {
				fb.logger.Debug("ignoring invalid seed", "seed", addr, LabelError.L(err))
				continue
			}
			seeds = append(seeds, addr)
		}
	}
	return
}

func (fb *Fabric) unbind(b *binding) error {
	fb.lk.Lock()
	defer fb.lk.Unlock()
	if current, has := fb.bindings[b.topic]; has && current == b {
		delete(fb.bindings, b.topic)
	}
	fb.config.msink.SetGaugeWithLabels(MetricTopicsClaimed, float32(len(fb.bindings)), fb.config.metricLabels)
	if fb.shutdown {
		return nil
	}

	c, _, err := fb.dir.record(claim{
		Topic: b.topic,
		Node:  fb.localNodeName,
		Mode:  claimModeUnclaim,
	}, true)
	if err != nil {
		return err
	}

	if err := fb.serf.UserEvent(eventChannelClaim, marshalClaim(c), false); err != nil {
		return err
	}

	fb.logger.Debug("released topic", LabelTopic.L(b.topic))
	return nil
}

func (fb *Fabric) Shutdown() error {
	// Phase 1: Shutdown notify.
	fb.lk.Lock()
	if fb.shutdown {
		fb.lk.Unlock()
		return nil
	}
	fb.shutdown = true
	close(fb.shutdownCh)
	bindings := make([]*binding, 0, len(fb.bindings))
	for _, b := range fb.bindings {
		bindings = append(bindings, b)
	}
	fb.lk.Unlock()

	start := time.Now()
	fb.logger.Info("shutting down...")

	fb.logger.Info("shutdown: close bindings")
	for _, b := range bindings {
		// Leaving the cluster releases our claims.
		b.close()
	}

	fb.logger.Info("shutdown: leave cluster")
	if err := fb.serf.Leave(); err != nil {
		fb.logger.Warn("could not leave gracefully", LabelError.L(err))
	}

	// Phase 2: Drop all resources.
	close(fb.dropCh)
	fb.logger.Info("shutdown: release gossip resources")
	fb.serf.Shutdown()

	fb.logger.Info("shutdown: wait for sub-tasks to finish")
	fb.wg.Wait()
	<-fb.serf.ShutdownCh()

	fb.logger.Info("shutdown: completed", LabelDuration.L(time.Since(start)))
	return nil
}

func (fb *Fabric) handleEvents() {
	defer fb.wg.Done()
	for {
		var event serf.Event
		select {
		case event = <-fb.eventCh:
		case <-fb.dropCh:
			return
		}

		switch event := event.(type) {
		case serf.MemberEvent:
			fb.handleMemberEvent(event)
		case serf.UserEvent:
			switch event.Name {
			case eventChannelClaim:
				c, err := unmarshalClaim(event.Payload)
				if err != nil {
					fb.logger.Error("failed to unmarshal an event", LabelError.L(err))
					continue
				}
				fb.learn(c)
			default:
				fb.logger.Error("received unexpected event", LabelEventName.L(event.Name))
			}
		case *serf.Query:
			switch event.Name {
			case queryTopicMembers:
				fb.answerMembers(event)
			default:
				fb.logger.Error("received unexpected query", LabelEventName.L(event.Name))
			}
		}
	}
}

func (fb *Fabric) handleMemberEvent(event serf.MemberEvent) {
	switch event.Type {
	case serf.EventMemberJoin:
		for _, member := range event.Members {
			withLogMember(fb.logger, member).Info("peer joined cluster")
		}
		// Newcomers missed our claims.
		for _, c := range fb.dir.localClaims() {
			if err := fb.serf.UserEvent(eventChannelClaim, marshalClaim(c), false); err != nil {
				fb.logger.Warn("failed to broadcast claim", LabelTopic.L(c.Topic), LabelError.L(err))
			}
		}
	case serf.EventMemberLeave, serf.EventMemberFailed, serf.EventMemberReap:
		for _, member := range event.Members {
			if member.Name == fb.localNodeName {
				continue
			}
			withLogMember(fb.logger, member).Info("peer left cluster", "event", event.Type.String())
			fb.dir.dropNode(member.Name)
		}
	case serf.EventMemberUpdate:
		for _, member := range event.Members {
			withLogMember(fb.logger, member).Info("peer updated")
		}
	}
}

// learn records a claim of another node, connecting to it if we share
// the topic.
func (fb *Fabric) learn(c claim) {
	if c.Node == fb.localNodeName {
		return
	}

	_, joined, err := fb.dir.record(c, false)
	if err != nil {
		fb.logger.Warn("invalid claim", LabelPeerName.L(c.Node), LabelError.L(err))
		return
	}
	if !joined {
		return
	}

	fb.lk.Lock()
	b, has := fb.bindings[c.Topic]
	if has {
		fb.connect(b, c.Node)
	}
	fb.lk.Unlock()
}

func (fb *Fabric) answerMembers(query *serf.Query) {
	topic := string(query.Payload)
	fb.lk.Lock()
	_, has := fb.bindings[topic]
	fb.lk.Unlock()
	if !has {
		return
	}

	for _, c := range fb.dir.localClaims() {
		if c.Topic != topic {
			continue
		}
		if err := query.Respond(marshalClaim(c)); err != nil {
			fb.logger.Error("failed to answer to a query", LabelError.L(err))
		}
		return
	}
}

// queryMembers asks the cluster who takes part in topic, so we do not
// depend on having received every claim.
func (fb *Fabric) queryMembers(topic string) {
	defer fb.wg.Done()
	resp, err := fb.serf.Query(queryTopicMembers, []byte(topic), nil)
	if err != nil {
		fb.logger.Warn("failed to query topic members", LabelTopic.L(topic), LabelError.L(err))
		return
	}
	defer resp.Close()

	for {
		select {
		case r, ok := <-resp.ResponseCh():
			if !ok {
				return
			}
			c, err := unmarshalClaim(r.Payload)
			if err != nil || c.Node != r.From || c.Topic != topic {
				fb.logger.Warn("invalid answer to a query", LabelPeerName.L(r.From), LabelError.L(err))
				continue
			}
			fb.learn(c)
		case <-fb.dropCh:
			return
		}
	}
}

func (fb *Fabric) reconcile() {
	defer fb.wg.Done()
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fb.lk.Lock()
			for _, b := range fb.bindings {
				fb.connectAll(b)
			}
			fb.lk.Unlock()
		case <-fb.shutdownCh:
			return
		}
	}
}

// not thread safe!
// must be called by an holder of the lock
func (fb *Fabric) connectAll(b *binding) {
	for _, node := range fb.dir.members(b.topic) {
		fb.connect(b, node)
	}
}

// connect dials a replication stream with node unless we already have one.
// Only the node with the lowest name dials, so a pair gets one stream.
//
// not thread safe!
// must be called by an holder of the lock
func (fb *Fabric) connect(b *binding, node string) {
	if fb.shutdown || node == fb.localNodeName || node < fb.localNodeName {
		return
	}
	if b.isConnected(node) {
		return
	}

	addr, ok := fb.memberAddr(node)
	if !ok {
		return
	}

	if !b.reserve(node) {
		return
	}

	fb.wg.Add(1)
	go func() {
		defer fb.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), fb.config.trCfg.DialTimeout)
		defer cancel()

		stream, err := fb.tr.DialReplica(ctx, addr, b.topic, fb.localNodeName)
		if err != nil {
			b.release(node)
			fb.logger.Warn(
				"failed to open a replication stream",
				LabelTopic.L(b.topic),
				LabelPeerName.L(node),
				LabelError.L(err),
			)
			return
		}

		b.deliver(node, stream, fb.config.trCfg.DialTimeout)
	}()
}

func (fb *Fabric) memberAddr(node string) (memberlist.Address, bool) {
	for _, member := range fb.serf.Members() {
		if member.Name == node && member.Status == serf.StatusAlive {
			return memberlist.Address{
				Addr: net.JoinHostPort(member.Addr.String(), strconv.Itoa(int(member.Port))),
				Name: member.Name,
			}, true
		}
	}
	return memberlist.Address{}, false
}

func (fb *Fabric) handleReplicaStreams() {
	defer fb.wg.Done()
	for {
		var stream *streamWrapper
		select {
		case stream = <-fb.tr.ReplicaCh():
		case <-fb.shutdownCh:
			fb.logger.Info("shutdown: stop accepting inbound replication streams")
			return
		}

		fb.lk.Lock()
		b, exists := fb.bindings[stream.topic]
		fb.lk.Unlock()

		if !exists {
			stream.CancelRead(QErrStreamUnknownTopic)
			stream.CancelWrite(QErrStreamUnknownTopic)
			continue
		}

		if !b.reserve(stream.source) {
			// We already replicate with this node.
			stream.CancelRead(QErrStreamClosed)
			stream.CancelWrite(QErrStreamClosed)
			continue
		}

		fb.wg.Add(1)
		go func() {
			defer fb.wg.Done()
			b.deliver(stream.source, stream, fb.config.trCfg.DialTimeout)
		}()
	}
}

func ValidateTopic(topic string) bool {
	return topic != "" && len(topic) <= MaxTopicLength
}
