package hyperlog

import (
	"bytes"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func values(t *testing.T, l *Log) [][]byte {
	t.Helper()
	var out [][]byte
	c := l.ReadStream(ReadOptions{})
	for {
		node, err := c.Next(context.Background())
		if err != nil {
			break
		}
		out = append(out, node.Value)
	}
	return out
}

func replicate(ctx context.Context, a, b *Replication) (errA, errB error) {
	left, right := net.Pipe()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errA = a.Run(ctx, left)
	}()
	go func() {
		defer wg.Done()
		errB = b.Run(ctx, right)
	}()
	wg.Wait()
	return
}

func TestReplicate(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := openLog(t, nil)
	bob := openLog(t, nil)

	appendHead(t, alice, "a1")
	appendHead(t, alice, "a2")
	appendHead(t, bob, "b1")

	var pushed, pulled atomic.Int32
	errA, errB := replicate(ctx,
		alice.Replicate(ReplicateOptions{
			OnPush: func(Node) { pushed.Add(1) },
			OnPull: func(Node) { pulled.Add(1) },
		}),
		bob.Replicate(ReplicateOptions{}),
	)
	require.NoError(t, errA)
	require.NoError(t, errB)

	require.Equal(t, uint64(3), alice.Changes())
	require.Equal(t, uint64(3), bob.Changes())
	require.EqualValues(t, 2, pushed.Load())
	require.EqualValues(t, 1, pulled.Load())
	require.ElementsMatch(t, values(t, alice), values(t, bob))

	headsA, err := alice.Heads(ctx)
	require.NoError(t, err)
	headsB, err := bob.Heads(ctx)
	require.NoError(t, err)
	require.Len(t, headsA, 2, "both histories are concurrent")
	require.Len(t, headsB, 2)

	// a second round has nothing left to exchange.
	pushed.Store(0)
	errA, errB = replicate(ctx,
		alice.Replicate(ReplicateOptions{OnPush: func(Node) { pushed.Add(1) }}),
		bob.Replicate(ReplicateOptions{}),
	)
	require.NoError(t, errA)
	require.NoError(t, errB)
	require.Zero(t, pushed.Load())
	require.Equal(t, uint64(3), bob.Changes())
}

func TestReplicateLive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := openLog(t, nil)
	bob := openLog(t, nil)
	appendHead(t, alice, "before")

	done := make(chan struct{})
	var errA, errB error
	go func() {
		defer close(done)
		errA, errB = replicate(ctx,
			alice.Replicate(ReplicateOptions{Live: true}),
			bob.Replicate(ReplicateOptions{Live: true}),
		)
	}()

	require.Eventually(t, func() bool {
		return bob.Changes() == 1
	}, 5*time.Second, 10*time.Millisecond)

	appendHead(t, bob, "from bob")
	require.Eventually(t, func() bool {
		return alice.Changes() == 2
	}, 5*time.Second, 10*time.Millisecond)

	appendHead(t, alice, "from alice")
	require.Eventually(t, func() bool {
		return bob.Changes() == 3
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	for _, err := range []error{errA, errB} {
		if err != nil {
			require.ErrorIs(t, err, context.Canceled)
		}
	}

	require.Equal(t, values(t, alice), values(t, bob))
}

func TestReplicateLiveNeedsBothSides(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := openLog(t, nil)
	bob := openLog(t, nil)
	appendHead(t, alice, "x")

	errA, errB := replicate(ctx,
		alice.Replicate(ReplicateOptions{Live: true}),
		bob.Replicate(ReplicateOptions{}),
	)
	require.NoError(t, errA)
	require.NoError(t, errB)
	require.Equal(t, uint64(1), bob.Changes())
}

func TestReplicateRefusesSelf(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := openLog(t, nil)
	errA, errB := replicate(ctx,
		alice.Replicate(ReplicateOptions{}),
		alice.Replicate(ReplicateOptions{}),
	)
	require.ErrorIs(t, errA, ErrSelfReplication)
	require.ErrorIs(t, errB, ErrSelfReplication)
}

func TestReplicateRejectsGarbage(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := openLog(t, nil)
	left, right := net.Pipe()
	go func() {
		buf, _ := marshalFrame(frame{Type: frameNode, Value: []byte("too early")})
		var framed bytes.Buffer
		_ = frameCodec.Frames.Encode(&framed, buf)
		_, _ = right.Write(framed.Bytes())
		// drain until alice hangs up.
		_, _ = bytes.NewBuffer(nil).ReadFrom(right)
	}()

	err := alice.Replicate(ReplicateOptions{}).Run(ctx, left)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestFrameEncoding(t *testing.T) {
	f := frame{
		Type:    frameHandshake,
		Version: ProtocolVersion,
		Live:    true,
		ID:      []byte("replica"),
	}
	buf, err := marshalFrame(f)
	require.NoError(t, err)
	got, err := unmarshalFrame(buf)
	require.NoError(t, err)
	require.Equal(t, f, got)

	got, err = unmarshalFrame(mustMarshalFrame(t, frame{Type: frameNode}))
	require.NoError(t, err)
	require.NotNil(t, got.Value)

	_, err = unmarshalFrame(nil)
	require.ErrorIs(t, err, ErrProtocol)
}

func mustMarshalFrame(t *testing.T, f frame) []byte {
	t.Helper()
	buf, err := marshalFrame(f)
	require.NoError(t, err)
	return buf
}
