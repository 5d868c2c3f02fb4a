package friends

import (
	"context"
	"errors"
	"fmt"

	"github.com/raskyld/friends/pkg/hyperlog"
	"github.com/raskyld/friends/pkg/wire"
)

// legacyPrefix starts the JSON entries written before envelopes existed.
const legacyPrefix = '{'

// Message is a decoded log entry as delivered to a [ProcessorFunc].
type Message struct {
	wire.Message

	// Change is the position of the entry in the local log.
	Change uint64

	// Valid is true only when a verify hook accepted Signature.
	Valid bool

	// Signature is nil for unsigned messages.
	Signature []byte
}

// process delivers the entries of the channel log to the processor, one at
// a time, starting within the replay window and then following appends.
func (c *channel) process(ctx context.Context, p *processing, prev <-chan struct{}) {
	defer close(p.done)
	defer c.processingExited(p)
	if prev != nil {
		<-prev
	}

	s := c.swarm
	var since uint64
	if changes := c.log.Changes(); changes > s.cfg.replayWindow {
		since = changes - s.cfg.replayWindow
	}
	c.logger.Debug("processing started", LabelChange.L(since))

	cursor := c.log.ReadStream(hyperlog.ReadOptions{Since: since, Live: true})
	stop := context.AfterFunc(ctx, cursor.Stop)
	defer stop()

	for {
		node, err := cursor.Next(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, hyperlog.ErrClosed) {
				c.logger.Error("processing aborted", LabelError.L(err))
			}
			return
		}

		_, verify, processor := s.hooks()
		if processor == nil || ctx.Err() != nil {
			return
		}

		msg, err := s.decode(ctx, node, verify)
		if errors.Is(err, ErrLegacyEntry) {
			s.cfg.msink.IncrCounterWithLabels(MetricMessagesLegacyCount, 1.0, s.labels(LabelChannel.M(c.name)))
			continue
		}
		if err != nil {
			c.logger.Warn("skipping entry", LabelChange.L(node.Change), LabelError.L(err))
			s.cfg.msink.IncrCounterWithLabels(MetricMessagesDecodeErrCount, 1.0, s.labels(LabelChannel.M(c.name)))
			continue
		}
		if !msg.Valid {
			s.cfg.msink.IncrCounterWithLabels(MetricMessagesInvalidCount, 1.0, s.labels(LabelChannel.M(c.name)))
		}

		err = processor(ctx, msg)
		if err != nil {
			c.logger.Warn("processor failed", LabelChange.L(node.Change), LabelError.L(err))
			s.cfg.msink.IncrCounterWithLabels(MetricProcessorErrorCount, 1.0, s.labels(LabelChannel.M(c.name)))
			continue
		}
		s.cfg.msink.IncrCounterWithLabels(MetricMessagesDeliveredCount, 1.0, s.labels(LabelChannel.M(c.name)))
	}
}

// decode turns a log entry into a [Message]. A verify error makes the
// message invalid and is not returned.
func (s *Swarm) decode(ctx context.Context, node hyperlog.Node, verify VerifyFunc) (*Message, error) {
	if len(node.Value) > 0 && node.Value[0] == legacyPrefix {
		return nil, ErrLegacyEntry
	}

	envelope, err := wire.DecodeSignedMessage(node.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	inner, err := wire.DecodeMessage(envelope.Message)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	msg := &Message{
		Message:   *inner,
		Change:    node.Change,
		Signature: envelope.Signature,
	}
	if verify == nil {
		return msg, nil
	}

	ok, err := verify(ctx, inner.GetUsername(), envelope.Message, envelope.Signature)
	if err != nil {
		s.logger.Debug(
			"verification failed",
			LabelChange.L(node.Change),
			LabelError.L(err),
		)
	}
	msg.Valid = ok && err == nil
	return msg, nil
}
