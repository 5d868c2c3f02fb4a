package friends

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/raskyld/friends/pkg/fabric"
	"github.com/raskyld/friends/pkg/fabric/fabrictest"
	"github.com/raskyld/friends/pkg/kv"
	"github.com/stretchr/testify/require"
)

func TestSwarmOverFabric(t *testing.T) {
	ctx := context.Background()
	tlsConfigs := fabrictest.TLSConfigs(t, "alice", "bob")

	newFabric := func(name string, port int, i int, neighbours ...string) *fabric.Fabric {
		fb, err := fabric.Create(
			fabric.WithHostname(name),
			fabric.WithListenOn("127.0.0.1", port),
			fabric.WithTlsConfig(tlsConfigs[i]),
			fabric.WithNeighbours(neighbours),
			fabric.WithMetricSink(nil),
			fabric.WithGracePeriod(100*time.Millisecond),
			fabric.WithDialTimeout(5*time.Second),
		)
		require.NoError(t, err)
		require.NoError(t, fb.JoinCluster())
		return fb
	}

	fbAlice := newFabric("alice", 6141, 0)
	fbBob := newFabric("bob", 6142, 1, "127.0.0.1:6141")
	defer func() {
		var wg sync.WaitGroup
		for _, fb := range []*fabric.Fabric{fbAlice, fbBob} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				fb.Shutdown()
			}()
		}
		wg.Wait()
	}()

	db, err := kv.OpenBadger(kv.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	defer db.Close()

	// Swarms are closed before the fabrics.
	alice := newSwarm(t, WithDiscovery(fbAlice), WithStorage(db))
	bob := newSwarm(t, WithDiscovery(fbBob))
	defer alice.Close()
	defer bob.Close()

	require.NoError(t, alice.Send(ctx, textMessage("room", "alice", "over quic")))
	require.NoError(t, bob.AddChannel(ctx, "room"))

	var c collector
	bob.SetProcessor(c.process)

	require.Eventually(t, func() bool {
		return c.len() == 1
	}, 30*time.Second, 100*time.Millisecond)
	require.Equal(t, "over quic", c.get(0).GetText())
	require.Equal(t, []string{"bob"}, alice.Peers("room"))
	require.Equal(t, []string{"alice"}, bob.Peers("room"))
	require.Equal(t, []string{TopicPrefix + "room"}, fbAlice.Topics(TopicPrefix))
}
