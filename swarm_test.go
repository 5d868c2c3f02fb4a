package friends

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raskyld/friends/pkg/discovery"
	"github.com/raskyld/friends/pkg/discovery/memhub"
	"github.com/raskyld/friends/pkg/wire"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newSwarm(t *testing.T, opts ...Option) *Swarm {
	t.Helper()
	s, err := New(append([]Option{WithRemoteConfigURL("")}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func textMessage(channel, username, text string) *wire.Message {
	msg := &wire.Message{}
	if channel != "" {
		msg.SetChannel(channel)
	}
	if username != "" {
		msg.SetUsername(username)
	}
	msg.SetText(text)
	return msg
}

// collector is a processor recording every delivered message.
type collector struct {
	lk   sync.Mutex
	msgs []*Message
}

func (c *collector) process(_ context.Context, msg *Message) error {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collector) len() int {
	c.lk.Lock()
	defer c.lk.Unlock()
	return len(c.msgs)
}

func (c *collector) get(i int) *Message {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.msgs[i]
}

// recorder is an Observer counting events per kind.
type recorder struct {
	lk     sync.Mutex
	peers  []PeerEvent
	pushed int
	pulled int
}

func (r *recorder) PeerConnected(ev PeerEvent) {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.peers = append(r.peers, ev)
}

func (r *recorder) Pushed(string) {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.pushed++
}

func (r *recorder) Pulled(string) {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.pulled++
}

func (r *recorder) counts() (peers, pushed, pulled int) {
	r.lk.Lock()
	defer r.lk.Unlock()
	return len(r.peers), r.pushed, r.pulled
}

func TestAddChannel(t *testing.T) {
	ctx := context.Background()
	s := newSwarm(t)

	require.NoError(t, s.AddChannel(ctx, "room"))
	require.NoError(t, s.AddChannel(ctx, "room"), "adding twice is a no-op")
	require.Equal(t, []string{"room"}, s.Channels())
	require.Zero(t, s.Changes("room"))

	require.ErrorIs(t, s.AddChannel(ctx, ""), ErrChannelName)
	require.Zero(t, s.Changes("nonexistent"))
	require.Nil(t, s.Peers("nonexistent"))

	s.RemoveChannel("room")
	s.RemoveChannel("room")
	s.RemoveChannel("nonexistent")
	require.Empty(t, s.Channels())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.ErrorIs(t, s.AddChannel(ctx, "room"), ErrClosed)
}

func TestSendSigned(t *testing.T) {
	ctx := context.Background()
	s := newSwarm(t)

	var signed []byte
	s.SetSign(func(_ context.Context, payload []byte) ([]byte, error) {
		signed = payload
		return []byte("S"), nil
	})

	msg := textMessage("room", "alice", "hi")
	require.NoError(t, s.Send(ctx, msg))
	require.Equal(t, uint64(1), s.Changes("room"))
	require.Equal(t, wire.EncodeMessage(msg), signed)

	log, err := s.openLog("room")
	require.NoError(t, err)
	node, err := log.GetChange(ctx, 0)
	require.NoError(t, err)

	envelope, err := wire.DecodeSignedMessage(node.Value)
	require.NoError(t, err)
	require.Equal(t, []byte("S"), envelope.Signature)
	require.Equal(t, wire.EncodeMessage(msg), envelope.Message)
}

func TestSendDefaultChannel(t *testing.T) {
	ctx := context.Background()
	s := newSwarm(t)
	require.NoError(t, s.Send(ctx, textMessage("", "", "hello")))
	require.Equal(t, []string{DefaultChannel}, s.Channels())
	require.Equal(t, uint64(1), s.Changes(DefaultChannel))

	other := newSwarm(t, WithDefaultChannel("lobby"))
	require.NoError(t, other.Send(ctx, textMessage("", "", "hello")))
	require.Equal(t, uint64(1), other.Changes("lobby"))
}

func TestSendSignError(t *testing.T) {
	s := newSwarm(t)
	errBoom := errors.New("boom")
	s.SetSign(func(context.Context, []byte) ([]byte, error) {
		return nil, errBoom
	})

	err := s.Send(context.Background(), textMessage("room", "", "lost"))
	require.ErrorIs(t, err, ErrSign)
	require.ErrorIs(t, err, errBoom)
	require.Zero(t, s.Changes("room"))
	require.Empty(t, s.Channels(), "nothing is opened when signing fails")
}

func TestSendLinksHeads(t *testing.T) {
	ctx := context.Background()
	s := newSwarm(t)
	require.NoError(t, s.Send(ctx, textMessage("room", "", "first")))
	require.NoError(t, s.Send(ctx, textMessage("room", "", "second")))

	log, err := s.openLog("room")
	require.NoError(t, err)
	node, err := log.GetChange(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []uint64{0}, node.Parents)
}

func TestReplayWindow(t *testing.T) {
	ctx := context.Background()
	s := newSwarm(t)
	for i := 0; i < 1000; i++ {
		require.NoError(t, s.Send(ctx, textMessage("room", "", fmt.Sprint(i))))
	}
	require.Equal(t, uint64(1000), s.Changes("room"))

	var c collector
	s.SetProcessor(c.process)
	require.Eventually(t, func() bool {
		return c.len() == DefaultReplayWindow
	}, 10*time.Second, 10*time.Millisecond)

	first := c.get(0)
	require.Equal(t, uint64(500), first.Change)
	require.Equal(t, "500", first.GetText())
	require.Equal(t, uint64(999), c.get(DefaultReplayWindow-1).Change)

	// the loop keeps following the log.
	require.NoError(t, s.Send(ctx, textMessage("room", "", "live")))
	require.Eventually(t, func() bool {
		return c.len() == DefaultReplayWindow+1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, uint64(1000), c.get(DefaultReplayWindow).Change)
}

func TestUnverifiedDelivery(t *testing.T) {
	ctx := context.Background()
	s := newSwarm(t)
	var c collector
	s.SetProcessor(c.process)

	require.NoError(t, s.Send(ctx, textMessage("room", "alice", "hi")))
	require.Eventually(t, func() bool {
		return c.len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	msg := c.get(0)
	require.False(t, msg.Valid)
	require.Nil(t, msg.Signature)
	require.Equal(t, "alice", msg.GetUsername())
	require.Equal(t, "room", msg.GetChannel())
	require.Equal(t, "hi", msg.GetText())
	require.False(t, msg.HasTimestamp())
}

type mockVerifier struct {
	m mock.Mock
}

func (v *mockVerifier) verify(_ context.Context, username string, payload, signature []byte) (bool, error) {
	args := v.m.Called(username, payload, signature)
	return args.Bool(0), args.Error(1)
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	s := newSwarm(t)

	s.SetSign(func(_ context.Context, payload []byte) ([]byte, error) {
		return []byte("sig"), nil
	})
	alice := textMessage("room", "alice", "trusted")
	bob := textMessage("room", "bob", "unknown key")
	mallory := textMessage("room", "mallory", "forged")

	v := &mockVerifier{}
	v.m.On("verify", "alice", wire.EncodeMessage(alice), []byte("sig")).Return(true, nil)
	v.m.On("verify", "bob", wire.EncodeMessage(bob), []byte("sig")).Return(true, errors.New("no key"))
	v.m.On("verify", "mallory", wire.EncodeMessage(mallory), []byte("sig")).Return(false, nil)
	s.SetVerify(v.verify)

	var c collector
	s.SetProcessor(c.process)
	for _, msg := range []*wire.Message{alice, bob, mallory} {
		require.NoError(t, s.Send(ctx, msg))
	}

	require.Eventually(t, func() bool {
		return c.len() == 3
	}, 5*time.Second, 10*time.Millisecond)
	require.True(t, c.get(0).Valid)
	require.False(t, c.get(1).Valid, "verify errors make messages invalid")
	require.False(t, c.get(2).Valid)
	require.Equal(t, []byte("sig"), c.get(2).Signature)
	v.m.AssertExpectations(t)
}

func TestLegacyEntriesAreSkipped(t *testing.T) {
	ctx := context.Background()
	s := newSwarm(t)
	require.NoError(t, s.AddChannel(ctx, "room"))

	log, err := s.openLog("room")
	require.NoError(t, err)
	_, err = log.Append(ctx, nil, []byte(`{"text":"from the old days"}`))
	require.NoError(t, err)
	_, err = log.Append(ctx, nil, []byte{0xff, 0xff})
	require.NoError(t, err)
	require.NoError(t, s.Send(ctx, textMessage("room", "", "current")))

	var c collector
	s.SetProcessor(c.process)
	require.Eventually(t, func() bool {
		return c.len() == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, uint64(2), c.get(0).Change)
	require.Equal(t, "current", c.get(0).GetText())

	require.NoError(t, s.Send(ctx, textMessage("room", "", "after")))
	require.Eventually(t, func() bool {
		return c.len() == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestProcessorErrorsDoNotStopDelivery(t *testing.T) {
	ctx := context.Background()
	s := newSwarm(t)

	var c collector
	s.SetProcessor(func(ctx context.Context, msg *Message) error {
		_ = c.process(ctx, msg)
		return errors.New("rejected")
	})
	require.NoError(t, s.Send(ctx, textMessage("room", "", "one")))
	require.NoError(t, s.Send(ctx, textMessage("room", "", "two")))
	require.Eventually(t, func() bool {
		return c.len() == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestProcessorIsRetroactive(t *testing.T) {
	ctx := context.Background()
	s := newSwarm(t)
	require.NoError(t, s.Send(ctx, textMessage("a", "", "in a")))
	require.NoError(t, s.Send(ctx, textMessage("b", "", "in b")))

	var c collector
	s.SetProcessor(c.process)
	// installing the same processor again must not start a second loop.
	s.SetProcessor(c.process)
	require.Eventually(t, func() bool {
		return c.len() == 2
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Send(ctx, textMessage("c", "", "in c")))
	require.Eventually(t, func() bool {
		return c.len() == 3
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 3, c.len(), "each entry is delivered once")
}

func TestSetProcessorNil(t *testing.T) {
	ctx := context.Background()
	s := newSwarm(t)

	var c collector
	s.SetProcessor(c.process)
	require.NoError(t, s.Send(ctx, textMessage("room", "", "one")))
	require.Eventually(t, func() bool {
		return c.len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	s.SetProcessor(nil)
	require.NoError(t, s.Send(ctx, textMessage("room", "", "two")))
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, c.len())

	// a new processor replays the window.
	var replay collector
	s.SetProcessor(replay.process)
	require.Eventually(t, func() bool {
		return replay.len() == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReplicationBetweenSwarms(t *testing.T) {
	ctx := context.Background()
	hub := memhub.New(nil)

	var obsAlice, obsBob recorder
	alice := newSwarm(t, WithDiscovery(hub.Client()), WithObserver(&obsAlice))
	bob := newSwarm(t, WithDiscovery(hub.Client()), WithObserver(&obsBob))

	require.NoError(t, alice.Send(ctx, textMessage("room", "alice", "before bob")))
	require.NoError(t, bob.AddChannel(ctx, "room"))

	var c collector
	bob.SetProcessor(c.process)

	require.Eventually(t, func() bool {
		return bob.Changes("room") == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, alice.Peers("room"), 1)
	require.Len(t, bob.Peers("room"), 1)

	require.NoError(t, bob.Send(ctx, textMessage("room", "bob", "hi alice")))
	require.Eventually(t, func() bool {
		return alice.Changes("room") == 2 && c.len() == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, "before bob", c.get(0).GetText())
	require.Equal(t, "hi alice", c.get(1).GetText())

	peers, pushed, _ := obsAlice.counts()
	require.Equal(t, 1, peers)
	require.Equal(t, 1, pushed)
	_, _, pulled := obsBob.counts()
	require.Equal(t, 1, pulled)

	obsAlice.lk.Lock()
	ev := obsAlice.peers[0]
	obsAlice.lk.Unlock()
	require.Equal(t, "room", ev.Channel)
	require.Equal(t, alice.Peers("room")[0], ev.PeerID)
	require.NotEqual(t, alice.Peers("room")[0], bob.Peers("room")[0])
	require.NotNil(t, ev.Replication)
	require.NotNil(t, ev.Conn)
}

func TestRemoveChannelSilencesEvents(t *testing.T) {
	ctx := context.Background()
	hub := memhub.New(nil)

	var obsBob recorder
	alice := newSwarm(t, WithDiscovery(hub.Client()))
	bob := newSwarm(t, WithDiscovery(hub.Client()), WithObserver(&obsBob))

	require.NoError(t, alice.AddChannel(ctx, "room"))
	require.NoError(t, bob.AddChannel(ctx, "room"))
	require.NoError(t, alice.Send(ctx, textMessage("room", "", "one")))
	require.Eventually(t, func() bool {
		return bob.Changes("room") == 1
	}, 5*time.Second, 10*time.Millisecond)

	bob.RemoveChannel("room")
	require.Zero(t, bob.Changes("room"))
	require.Nil(t, bob.Peers("room"))
	before, pushed, pulled := obsBob.counts()

	require.Eventually(t, func() bool {
		return len(alice.Peers("room")) == 0
	}, 5*time.Second, 10*time.Millisecond, "the remote sees the session end")

	require.NoError(t, alice.Send(ctx, textMessage("room", "", "two")))
	time.Sleep(100 * time.Millisecond)
	after, pushedAfter, pulledAfter := obsBob.counts()
	require.Equal(t, before, after)
	require.Equal(t, pushed, pushedAfter)
	require.Equal(t, pulled, pulledAfter)

	// the log survives removal and catches up once added again.
	require.NoError(t, bob.AddChannel(ctx, "room"))
	require.GreaterOrEqual(t, bob.Changes("room"), uint64(1))
	require.Eventually(t, func() bool {
		return bob.Changes("room") == 2
	}, 5*time.Second, 10*time.Millisecond)
}

// blockingDiscovery holds Join until its context is done.
type blockingDiscovery struct {
	joining chan struct{}
}

func (d *blockingDiscovery) Join(ctx context.Context, _ string, _ []string, _ discovery.ConnectivityConfig) (discovery.Binding, error) {
	close(d.joining)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRemoveWhileOpening(t *testing.T) {
	d := &blockingDiscovery{joining: make(chan struct{})}
	s := newSwarm(t, WithDiscovery(d))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.AddChannel(context.Background(), "room")
	}()

	<-d.joining
	s.RemoveChannel("room")
	require.ErrorIs(t, <-errCh, ErrRemoved)
	require.Empty(t, s.Channels())
}

func TestReAddedChannelWaitsForPreviousLoop(t *testing.T) {
	ctx := context.Background()
	s := newSwarm(t)
	require.NoError(t, s.Send(ctx, textMessage("room", "", "one")))

	var (
		active, maxActive, calls atomic.Int32
		entered                  = make(chan struct{})
		release                  = make(chan struct{})
		once                     sync.Once
	)
	s.SetProcessor(func(ctx context.Context, msg *Message) error {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		if calls.Add(1) == 1 {
			once.Do(func() { close(entered) })
			<-release
		}
		return nil
	})

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first delivery did not start")
	}

	s.RemoveChannel("room")
	require.NoError(t, s.AddChannel(ctx, "room"))
	require.Never(t, func() bool {
		return calls.Load() > 1
	}, 200*time.Millisecond, 10*time.Millisecond, "the new loop waits for the removed one")

	close(release)
	require.Eventually(t, func() bool {
		return calls.Load() == 2
	}, 5*time.Second, 10*time.Millisecond, "the window is replayed once the previous loop exited")
	require.Equal(t, int32(1), maxActive.Load())
}

func TestChannelLogsAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := newSwarm(t)

	require.NoError(t, s.Send(ctx, textMessage("a", "", "one")))
	require.NoError(t, s.Send(ctx, textMessage("a!h", "", "nested")))
	require.NoError(t, s.Send(ctx, textMessage("a", "", "two")))

	require.Equal(t, uint64(2), s.Changes("a"))
	require.Equal(t, uint64(1), s.Changes("a!h"))
}

func TestPeersListsConnectedSessions(t *testing.T) {
	ctx := context.Background()
	s := newSwarm(t)
	require.NoError(t, s.AddChannel(ctx, "room"))

	s.lk.Lock()
	ch := s.channels["room"]
	s.lk.Unlock()

	local, remote := net.Pipe()
	defer remote.Close()
	session := newPeerSession(ch, discovery.Peer{ID: "carol", Conn: local})
	ch.lk.Lock()
	ch.peers[session] = struct{}{}
	ch.lk.Unlock()

	require.Equal(t, PeerConnecting, session.State())
	require.Empty(t, s.Peers("room"))

	session.lk.Lock()
	session.state = PeerConnected
	session.lk.Unlock()
	require.Equal(t, []string{"carol"}, s.Peers("room"))

	session.close(ClosedByRemote)
	require.Equal(t, PeerClosed, session.State())
	require.Empty(t, s.Peers("room"))
}
