package hyperlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/raskyld/friends/pkg/flow"
	"golang.org/x/sync/errgroup"
)

// ProtocolVersion is announced in the handshake. Replicas speaking another
// version are refused.
const ProtocolVersion = 1

var (
	ErrProtocol          = errors.New("hyperlog: replication protocol error")
	ErrIncompatible      = errors.New("hyperlog: incompatible replication protocol")
	ErrSelfReplication   = errors.New("hyperlog: refusing to replicate a log with itself")
	errReplicationIsDone = errors.New("hyperlog: replication done")
)

var (
	MetricNodesPushed = []string{"hyperlog", "replication", "pushed", "count"}
	MetricNodesPulled = []string{"hyperlog", "replication", "pulled", "count"}
)

const (
	haveChunkSize  = 256
	flowBufferSize = 32
)

// ReplicateOptions configures a [Replication].
type ReplicateOptions struct {
	// Live keeps the replication open after the initial exchange and
	// forwards nodes as they are appended on either side. Both replicas must
	// ask for it, otherwise the session ends after the initial exchange.
	Live bool

	// OnPush is called for every node sent to the remote.
	OnPush func(Node)

	// OnPull is called for every node received from the remote, once it
	// has been added to the local log.
	OnPull func(Node)
}

// Replication synchronises a [Log] with a remote replica over a duplex
// stream.
//
// Both replicas first announce the keys they hold, then each sends, in change
// order, the nodes the other is missing. A live replication then keeps
// forwarding new nodes until the stream or the context ends.
type Replication struct {
	log  *Log
	opts ReplicateOptions

	lk        sync.Mutex
	remoteHas map[string]struct{}
	haveEndCh chan struct{}
	liveCh    chan bool
}

// Replicate prepares a replication of the log. Call [Replication.Run] to
// start exchanging nodes.
func (l *Log) Replicate(opts ReplicateOptions) *Replication {
	return &Replication{
		log:       l,
		opts:      opts,
		remoteHas: make(map[string]struct{}),
		haveEndCh: make(chan struct{}),
		liveCh:    make(chan bool, 1),
	}
}

// Run exchanges nodes over rw until both replicas are in sync, or, for a live
// replication, until the remote closes the stream or ctx is done. rw is
// closed when Run returns.
//
// A replication can only run once.
func (r *Replication) Run(ctx context.Context, rw io.ReadWriteCloser) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	stopCloser := context.AfterFunc(ctx, func() {
		_ = rw.Close()
	})
	defer stopCloser()

	sender := flow.NewSender[frame](rw, frameCodec, flowBufferSize)
	receiver := flow.NewReceiver[frame](io.NopCloser(rw), frameCodec, flowBufferSize)

	var g errgroup.Group
	g.Go(func() error {
		if err := r.write(ctx, sender); err != nil {
			err = r.fail(ctx, err)
			cancel(err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := r.read(ctx, receiver); err != nil {
			err = r.fail(ctx, err)
			cancel(err)
			return err
		}
		return nil
	})

	err := g.Wait()
	sendErr := sender.Close()
	_ = receiver.Close()

	if errors.Is(err, errReplicationIsDone) || err == nil {
		if sendErr != nil && !errors.Is(context.Cause(ctx), errReplicationIsDone) {
			return sendErr
		}
		return nil
	}
	return err
}

func (r *Replication) write(ctx context.Context, sender *flow.Sender[frame]) error {
	id := r.log.ID()
	err := sender.Send(ctx, frame{
		Type:    frameHandshake,
		Version: ProtocolVersion,
		Live:    r.opts.Live,
		ID:      id[:],
	})
	if err != nil {
		return err
	}

	// Announce every key we hold so the remote only sends what we lack.
	cursor := r.log.ReadStream(ReadOptions{})
	defer cursor.Stop()
	have := frame{Type: frameHave}
	for {
		node, err := cursor.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		have.Keys = append(have.Keys, node.Key)
		if len(have.Keys) == haveChunkSize {
			if err := sender.Send(ctx, have); err != nil {
				return err
			}
			have = frame{Type: frameHave}
		}
	}
	if len(have.Keys) > 0 {
		if err := sender.Send(ctx, have); err != nil {
			return err
		}
	}
	if err := sender.Send(ctx, frame{Type: frameHaveEnd}); err != nil {
		return err
	}

	var live bool
	select {
	case <-ctx.Done():
		return r.cause(ctx)
	case live = <-r.liveCh:
	}
	select {
	case <-ctx.Done():
		return r.cause(ctx)
	case <-r.haveEndCh:
	}

	cursor = r.log.ReadStream(ReadOptions{})
	defer cursor.Stop()
	for {
		node, err := cursor.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return r.fail(ctx, err)
		}
		if err := r.push(ctx, sender, node); err != nil {
			return err
		}
	}
	if err := sender.Send(ctx, frame{Type: frameSyncDone}); err != nil {
		return err
	}

	if !live {
		return nil
	}

	tail := r.log.ReadStream(ReadOptions{Since: cursor.Position(), Live: true})
	defer tail.Stop()
	for {
		node, err := tail.Next(ctx)
		if err != nil {
			return r.fail(ctx, err)
		}
		if err := r.push(ctx, sender, node); err != nil {
			return err
		}
	}
}

func (r *Replication) push(ctx context.Context, sender *flow.Sender[frame], node Node) error {
	if !r.markRemote(node.Key) {
		return nil
	}
	err := sender.Send(ctx, frame{
		Type:  frameNode,
		Links: node.Links,
		Value: node.Value,
	})
	if err != nil {
		return err
	}
	r.log.cfg.msink.IncrCounterWithLabels(MetricNodesPushed, 1.0, r.log.cfg.metricLabels)
	if r.opts.OnPush != nil {
		r.opts.OnPush(node)
	}
	return nil
}

func (r *Replication) read(ctx context.Context, receiver *flow.Receiver[frame]) error {
	hs, err := receiver.Recv(ctx)
	if err != nil {
		return err
	}
	if hs.Type != frameHandshake {
		return fmt.Errorf("%w: expected handshake, got %s", ErrProtocol, hs.Type)
	}
	if hs.Version != ProtocolVersion {
		return fmt.Errorf("%w: remote speaks version %d", ErrIncompatible, hs.Version)
	}
	id := r.log.ID()
	if string(hs.ID) == string(id[:]) {
		return ErrSelfReplication
	}
	live := r.opts.Live && hs.Live
	r.liveCh <- live

	var haveEnded, synced bool
	for {
		f, err := receiver.Recv(ctx)
		if err != nil && ctx.Err() != nil {
			return r.cause(ctx)
		}
		if errors.Is(err, io.EOF) && (synced || live) {
			// the remote hung up, stop pushing to it.
			return errReplicationIsDone
		}
		if err != nil {
			return r.fail(ctx, err)
		}

		switch f.Type {
		case frameHave:
			if haveEnded {
				return fmt.Errorf("%w: announcement after end of announcements", ErrProtocol)
			}
			for _, key := range f.Keys {
				r.markRemote(key)
			}
		case frameHaveEnd:
			if haveEnded {
				return fmt.Errorf("%w: duplicate end of announcements", ErrProtocol)
			}
			haveEnded = true
			close(r.haveEndCh)
		case frameNode:
			if !haveEnded {
				return fmt.Errorf("%w: node before end of announcements", ErrProtocol)
			}
			links := normaliseLinks(f.Links)
			r.markRemote(hashNode(links, f.Value))
			node, err := r.log.Add(ctx, links, f.Value)
			if err != nil {
				return err
			}
			r.log.cfg.msink.IncrCounterWithLabels(MetricNodesPulled, 1.0, r.log.cfg.metricLabels)
			if r.opts.OnPull != nil {
				r.opts.OnPull(node)
			}
		case frameSyncDone:
			if synced {
				return fmt.Errorf("%w: duplicate end of sync", ErrProtocol)
			}
			synced = true
			if !live {
				return nil
			}
		default:
			return fmt.Errorf("%w: unexpected %s", ErrProtocol, f.Type)
		}
	}
}

// markRemote records the remote holds key. It reports whether it was not
// known yet.
func (r *Replication) markRemote(key []byte) bool {
	r.lk.Lock()
	defer r.lk.Unlock()
	if _, ok := r.remoteHas[string(key)]; ok {
		return false
	}
	r.remoteHas[string(key)] = struct{}{}
	return true
}

func (r *Replication) fail(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return r.cause(ctx)
	}
	return err
}

// cause returns errReplicationIsDone when ctx was cancelled because the session ended
// normally.
func (r *Replication) cause(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, errReplicationIsDone) {
		return errReplicationIsDone
	}
	if cause != nil {
		return cause
	}
	return ctx.Err()
}
