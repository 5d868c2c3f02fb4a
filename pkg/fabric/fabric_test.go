package fabric

import (
	"context"
	"crypto/tls"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/raskyld/friends/pkg/discovery"
	"github.com/raskyld/friends/pkg/fabric/fabrictest"
	"github.com/stretchr/testify/require"
)

func newTestFabric(t *testing.T, name string, port int, tlsConfig *tls.Config, opts ...Option) *Fabric {
	t.Helper()
	base := []Option{
		WithHostname(name),
		WithListenOn("127.0.0.1", port),
		WithLog(testHandler(name)),
		WithMetricSink(nil),
		WithGracePeriod(100 * time.Millisecond),
		WithDialTimeout(5 * time.Second),
	}
	fb, err := Create(append(append(base, WithTlsConfig(tlsConfig)), opts...)...)
	require.NoError(t, err, "failed to start %s", name)
	return fb
}

func shutdownAll(fbs ...*Fabric) {
	var wg sync.WaitGroup
	for _, fb := range fbs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fb.Shutdown()
		}()
	}
	wg.Wait()
}

func nextPeer(t *testing.T, b discovery.Binding) discovery.Peer {
	t.Helper()
	select {
	case peer, ok := <-b.Peers():
		require.True(t, ok, "binding closed")
		return peer
	case <-time.After(20 * time.Second):
		t.Fatalf("timed out waiting for a peer")
	}
	return discovery.Peer{}
}

func TestCreateRequiresTLS(t *testing.T) {
	_, err := Create(WithHostname("node1"), WithListenOn("127.0.0.1", 6130))
	require.ErrorIs(t, err, ErrInvalidCfg)
	require.ErrorIs(t, err, ErrNoTLSConfig)
}

func TestFabric(t *testing.T) {
	tlsConfigs := fabrictest.TLSConfigs(t, "node1", "node2")

	fbNode1 := newTestFabric(t, "node1", 6131, tlsConfigs[0], WithNeighbours([]string{"127.0.0.1:6132"}))
	fbNode2 := newTestFabric(t, "node2", 6132, tlsConfigs[1])
	defer shutdownAll(fbNode1, fbNode2)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	t.Run("when node1 join node2, node2 can see node1 info", func(t *testing.T) {
		require.NoError(t, fbNode1.JoinCluster())
		require.Eventually(t, func() bool {
			for _, mem := range fbNode2.Topology() {
				if mem.Name == "node1" {
					return true
				}
			}
			return false
		}, 10*time.Second, 100*time.Millisecond)
	})

	t.Run("topics are validated", func(t *testing.T) {
		_, err := fbNode1.Join(ctx, "", nil, discovery.ConnectivityConfig{})
		require.ErrorIs(t, err, ErrTopicInvalid)
	})

	var b1, b2 discovery.Binding
	t.Run("members of a topic get connected", func(t *testing.T) {
		var err error
		b1, err = fbNode1.Join(ctx, "friends-room", []string{"https://hub.example.org"}, discovery.ConnectivityConfig{})
		require.NoError(t, err)
		b2, err = fbNode2.Join(ctx, "friends-room", nil, discovery.ConnectivityConfig{})
		require.NoError(t, err)

		_, err = fbNode2.Join(ctx, "friends-room", nil, discovery.ConnectivityConfig{})
		require.ErrorIs(t, err, ErrAlreadyJoined)

		p1 := nextPeer(t, b1)
		p2 := nextPeer(t, b2)
		require.Equal(t, "node2", p1.ID)
		require.Equal(t, "node1", p2.ID)

		_, err = p1.Conn.Write([]byte("hello"))
		require.NoError(t, err)
		buf := make([]byte, 5)
		_, err = io.ReadFull(p2.Conn, buf)
		require.NoError(t, err)
		require.Equal(t, "hello", string(buf))

		require.Eventually(t, func() bool {
			return len(fbNode1.Members("friends-room")) == 2 && len(fbNode2.Members("friends-room")) == 2
		}, 10*time.Second, 100*time.Millisecond)
		require.Equal(t, []string{"friends-room"}, fbNode1.Topics("friends-"))
	})

	t.Run("closing a binding releases the topic", func(t *testing.T) {
		require.NoError(t, b2.Close())
		require.NoError(t, b2.Close())

		_, ok := <-b2.Peers()
		require.False(t, ok)

		require.Eventually(t, func() bool {
			members := fbNode1.Members("friends-room")
			return len(members) == 1 && members[0] == "node1"
		}, 10*time.Second, 100*time.Millisecond)
	})

	t.Run("closed fabric refuses to join", func(t *testing.T) {
		shutdownAll(fbNode2)
		_, err := fbNode2.Join(ctx, "friends-other", nil, discovery.ConnectivityConfig{})
		require.ErrorIs(t, err, ErrFabricClosed)
	})
}
