package friends

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/raskyld/friends/pkg/discovery/memhub"
	"github.com/raskyld/friends/pkg/hyperlog"
	"github.com/raskyld/friends/pkg/kv"
	"github.com/raskyld/friends/pkg/wire"
)

// SignFunc signs the encoded form of an outgoing message.
type SignFunc func(ctx context.Context, payload []byte) (signature []byte, err error)

// VerifyFunc checks the signature of an incoming message. A message is
// valid when it returns true and no error.
type VerifyFunc func(ctx context.Context, username string, payload, signature []byte) (bool, error)

// ProcessorFunc receives every message of every open channel. The next
// message of the same channel is only delivered once it returned.
type ProcessorFunc func(ctx context.Context, msg *Message) error

// Swarm maintains a set of named channels, each backed by a replicated log
// of signed messages.
type Swarm struct {
	cfg    config
	logger *slog.Logger

	lk       sync.Mutex
	channels map[string]*channel
	// logs outlive their channel so a re-added channel reuses its log.
	logs map[string]*hyperlog.Log
	// loops holds, per log, the done channel of its latest process loop.
	loops  map[string]chan struct{}
	closed bool

	hooksLk   sync.RWMutex
	sign      SignFunc
	verify    VerifyFunc
	processor ProcessorFunc
}

// New creates a swarm. No channel is open until [Swarm.AddChannel] or
// [Swarm.Send] is called.
func New(opts ...Option) (*Swarm, error) {
	s := &Swarm{
		channels: make(map[string]*channel),
		logs:     make(map[string]*hyperlog.Log),
		loops:    make(map[string]chan struct{}),
	}

	defaults := []Option{
		WithHubs(),
		WithRemoteConfigURL(DefaultRemoteConfigURL),
		WithHTTPClient(nil),
		WithObserver(nil),
		WithReplayWindow(DefaultReplayWindow),
		WithDefaultChannel(""),
		WithMetricSink(nil),
		WithCacheSize(1024),
	}
	for _, opt := range append(defaults, opts...) {
		err := opt(&s.cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	// Logging implementations.
	if s.cfg.logHandler != nil {
		s.logger = slog.New(s.cfg.logHandler)
	} else {
		s.logger = slog.Default()
	}

	if s.cfg.storage == nil {
		s.cfg.storage = kv.NewMemory()
		s.cfg.ownStorage = true
	}

	if s.cfg.discovery == nil {
		s.cfg.discovery = memhub.New(s.logger).Client()
	}

	return s, nil
}

// Changes is the number of entries in the log of an open channel, 0 if the
// channel is not open.
func (s *Swarm) Changes(name string) uint64 {
	s.lk.Lock()
	ch, ok := s.channels[name]
	s.lk.Unlock()
	if !ok {
		return 0
	}
	return ch.changes()
}

// SetSign installs the hook signing outgoing messages. Nil disables signing.
func (s *Swarm) SetSign(fn SignFunc) {
	s.hooksLk.Lock()
	defer s.hooksLk.Unlock()
	s.sign = fn
}

// SetVerify installs the hook verifying incoming messages. Without it,
// every message is delivered as invalid.
func (s *Swarm) SetVerify(fn VerifyFunc) {
	s.hooksLk.Lock()
	defer s.hooksLk.Unlock()
	s.verify = fn
}

// SetProcessor installs the message processor and starts delivering the
// messages of every open channel, beginning with the most recent ones
// within the replay window. Channels opened later start delivering as soon
// as they are ready.
//
// Replacing a processor keeps the running deliveries. Nil stops them.
func (s *Swarm) SetProcessor(fn ProcessorFunc) {
	s.hooksLk.Lock()
	s.processor = fn
	s.hooksLk.Unlock()

	s.lk.Lock()
	channels := make([]*channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.lk.Unlock()

	for _, ch := range channels {
		if fn == nil {
			ch.stopProcessing()
		} else {
			ch.startProcessing()
		}
	}
}

func (s *Swarm) hooks() (SignFunc, VerifyFunc, ProcessorFunc) {
	s.hooksLk.RLock()
	defer s.hooksLk.RUnlock()
	return s.sign, s.verify, s.processor
}

// AddChannel opens a channel and starts finding its peers. It returns once
// the channel is ready. Adding an open channel is a no-op.
func (s *Swarm) AddChannel(ctx context.Context, name string) error {
	if name == "" || len(name) > maxChannelNameLen {
		return ErrChannelName
	}

	s.lk.Lock()
	if s.closed {
		s.lk.Unlock()
		return ErrClosed
	}
	ch, exists := s.channels[name]
	if !exists {
		ch = newChannel(s, name)
		s.channels[name] = ch
		s.cfg.msink.SetGaugeWithLabels(MetricChannelsOpen, float32(len(s.channels)), s.labels())
	}
	s.lk.Unlock()

	if exists {
		return ch.waitReady(ctx)
	}

	err := ch.open(ctx)
	if err != nil {
		s.lk.Lock()
		if s.channels[name] == ch {
			delete(s.channels, name)
		}
		s.lk.Unlock()
		s.logger.Warn("failed to open channel", LabelChannel.L(name), LabelError.L(err))
		return err
	}

	s.logger.Info("channel added", LabelChannel.L(name))
	if _, _, processor := s.hooks(); processor != nil {
		ch.startProcessing()
	}
	return nil
}

// RemoveChannel closes a channel: its delivery stops, its peer sessions are
// closed and it stops being discoverable. Its log is kept. Removing an
// unknown channel is a no-op.
func (s *Swarm) RemoveChannel(name string) {
	s.lk.Lock()
	ch, ok := s.channels[name]
	if ok {
		delete(s.channels, name)
		s.cfg.msink.SetGaugeWithLabels(MetricChannelsOpen, float32(len(s.channels)), s.labels())
	}
	s.lk.Unlock()
	if !ok {
		return
	}

	ch.close(ClosedByRemoval)
	s.logger.Info("channel removed", LabelChannel.L(name))
}

// Send appends msg to the log of its channel, or of the default channel when
// it has none, opening the channel if needed. The message is signed first
// when a sign hook is installed.
func (s *Swarm) Send(ctx context.Context, msg *wire.Message) (err error) {
	name := s.cfg.defaultChannel
	if msg.GetChannel() != "" {
		name = msg.GetChannel()
	}

	defer func() {
		if err != nil {
			s.cfg.msink.IncrCounterWithLabels(MetricMessagesSendErrorCount, 1.0, s.labels(LabelChannel.M(name)))
		}
	}()

	payload := wire.EncodeMessage(msg)
	envelope := &wire.SignedMessage{Message: payload}

	sign, _, _ := s.hooks()
	if sign != nil {
		envelope.Signature, err = sign(ctx, payload)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSign, err)
		}
	}

	value, err := envelope.Marshal()
	if err != nil {
		return err
	}

	if err := s.AddChannel(ctx, name); err != nil {
		return err
	}

	// The channel may be removed concurrently: the log stays usable.
	log, err := s.openLog(name)
	if err != nil {
		return err
	}

	heads, err := log.Heads(ctx)
	if err != nil {
		return err
	}
	node, err := log.Append(ctx, heads, value)
	if err != nil {
		return err
	}

	s.cfg.msink.IncrCounterWithLabels(MetricMessagesSentCount, 1.0, s.labels(LabelChannel.M(name)))
	s.logger.Debug("message appended", LabelChannel.L(name), LabelChange.L(node.Change))
	return nil
}

// Channels lists the open channels.
func (s *Swarm) Channels() []string {
	s.lk.Lock()
	defer s.lk.Unlock()
	names := make([]string, 0, len(s.channels))
	for name := range s.channels {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Peers lists the ids of the peers replicating a channel. Sessions still
// connecting or already closed are left out.
func (s *Swarm) Peers(name string) []string {
	s.lk.Lock()
	ch, ok := s.channels[name]
	s.lk.Unlock()
	if !ok {
		return nil
	}
	return ch.peerIDs()
}

// Close removes every channel. The storage is only closed when the swarm
// created it.
func (s *Swarm) Close() error {
	s.lk.Lock()
	if s.closed {
		s.lk.Unlock()
		return nil
	}
	s.closed = true
	channels := s.channels
	s.channels = make(map[string]*channel)
	s.lk.Unlock()

	for _, ch := range channels {
		ch.close(ClosedBySwarm)
	}

	s.lk.Lock()
	var errs []error
	for _, log := range s.logs {
		errs = append(errs, log.Close())
	}
	s.lk.Unlock()

	if s.cfg.ownStorage {
		errs = append(errs, s.cfg.storage.Close())
	}
	return errors.Join(errs...)
}

// chainLoop records done as the latest process loop of the log name and
// returns the done channel of the loop it follows, nil if none.
func (s *Swarm) chainLoop(name string, done chan struct{}) <-chan struct{} {
	s.lk.Lock()
	defer s.lk.Unlock()
	prev := s.loops[name]
	s.loops[name] = done
	return prev
}

// openLog returns the log of a channel, opening it on first use.
func (s *Swarm) openLog(name string) (*hyperlog.Log, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if log, ok := s.logs[name]; ok {
		return log, nil
	}
	if s.closed {
		return nil, ErrClosed
	}

	log, err := hyperlog.Open(
		kv.Sub(s.cfg.storage, name),
		hyperlog.WithLogger(s.logger.With(LabelChannel.L(name))),
		hyperlog.WithMetricSink(s.cfg.msink),
		hyperlog.WithMetricLabels(s.labels(LabelChannel.M(name))),
		hyperlog.WithCacheSize(s.cfg.cacheSize),
	)
	if err != nil {
		return nil, fmt.Errorf("swarm: failed to open log of %q: %w", name, err)
	}
	s.logs[name] = log
	return log, nil
}
