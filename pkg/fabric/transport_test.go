package fabric

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/friends/pkg/fabric/fabrictest"
	"github.com/stretchr/testify/require"
)

func testHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

func TestNewTransport(t *testing.T) {
	tlsConfigs := fabrictest.TLSConfigs(t, "node1", "node2")

	node1Metrics := metrics.NewInmemSink(time.Second, 5*time.Minute)
	node2Metrics := metrics.NewInmemSink(time.Second, 5*time.Minute)

	ts1, err := NewTransport(&TransportConfig{
		TlsConfig:   tlsConfigs[0],
		BindAddr:    "127.0.0.1",
		BindPort:    6121,
		MetricSink:  node1Metrics,
		LogHandler:  testHandler("node1"),
		GracePeriod: 100 * time.Millisecond,
	})
	require.NoError(t, err, "failed to start node1")

	ts2, err := NewTransport(&TransportConfig{
		TlsConfig:   tlsConfigs[1],
		BindAddr:    "127.0.0.1",
		BindPort:    6122,
		MetricSink:  node2Metrics,
		LogHandler:  testHandler("node2"),
		GracePeriod: 100 * time.Millisecond,
	})
	require.NoError(t, err, "failed to start node2")

	defer func() {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			ts1.Shutdown()
			wg.Done()
		}()
		go func() {
			ts2.Shutdown()
			wg.Done()
		}()
		wg.Wait()
	}()

	t.Run("advertise the bound address", func(t *testing.T) {
		ip, port, err := ts1.FinalAdvertiseAddr("", 0)
		require.NoError(t, err)
		require.Equal(t, "127.0.0.1", ip.String())
		require.Equal(t, 6121, port)

		ip, port, err = ts1.FinalAdvertiseAddr("10.0.0.1", 7000)
		require.NoError(t, err)
		require.Equal(t, "10.0.0.1", ip.String())
		require.Equal(t, 7000, port)

		_, _, err = ts1.FinalAdvertiseAddr("not-an-ip", 0)
		require.ErrorIs(t, err, ErrInvalidAddr)
	})

	t.Run("write datagram from n1 to n2", func(t *testing.T) {
		_, err = ts1.WriteTo([]byte("hello"), "127.0.0.1:6122")
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		select {
		case packet := <-ts2.PacketCh():
			t.Logf("received %s from peer %s", packet.Buf, packet.From)
			require.Equal(t, "hello", string(packet.Buf), "unexpected packet data")
		case <-ctx.Done():
			t.Fatalf("timed out")
		}
	})

	t.Run("open gossip stream from n2 to n1", func(t *testing.T) {
		conn, err := ts2.DialTimeout("127.0.0.1:6121", 1*time.Minute)
		require.NoError(t, err)
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		select {
		case stream := <-ts1.StreamCh():
			defer stream.Close()
			_, err := conn.Write([]byte("abcd"))
			require.NoError(t, err)

			var n int
			buf := make([]byte, 1500)
			require.Eventually(t, func() bool {
				m, err := readStreamSkipEmpty(t, ctx, stream, buf[n:])
				n = m + n
				return err == nil && string(buf[:n]) == "abcd"
			}, 2*time.Second, 100*time.Millisecond)
		case <-ctx.Done():
			t.Fatalf("timed out")
		}
	})

	t.Run("open replication stream from n2 to n1", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		conn, err := ts2.DialReplica(ctx, memberlist.Address{Addr: "127.0.0.1:6121", Name: "node1"}, "friends-room", "node2")
		require.NoError(t, err)
		defer conn.Close()

		select {
		case stream := <-ts1.ReplicaCh():
			defer stream.Close()
			require.Equal(t, "friends-room", stream.topic)
			require.Equal(t, "node2", stream.source)
			require.Equal(t, Hostname("node2"), stream.peer)
			require.Equal(t, streamModeReplicate, stream.mode)
		case <-ctx.Done():
			t.Fatalf("timed out")
		}
	})

	t.Run("replication stream with a spoofed source is refused", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		conn, err := ts2.DialReplica(ctx, memberlist.Address{Addr: "127.0.0.1:6121", Name: "node1"}, "friends-room", "mallory")
		require.NoError(t, err)
		defer conn.Close()

		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, err = conn.Read(make([]byte, 1))
		var serr *quic.StreamError
		require.True(t, errors.As(err, &serr), "expected a stream error, got %v", err)
		require.Equal(t, QErrStreamProtocolViolation, serr.ErrorCode)

		select {
		case <-ts1.ReplicaCh():
			t.Fatalf("spoofed stream must not be delivered")
		default:
		}
	})

	t.Run("known hosts", func(t *testing.T) {
		hosts := ts1.Hosts()
		require.Len(t, hosts, 1)
		require.Equal(t, Hostname("node2"), hosts[0].Name.Value())
	})
}

func readStreamSkipEmpty(t *testing.T, ctx context.Context, stream net.Conn, buf []byte) (int, error) {
	var n int
	var err error
	dl, ok := ctx.Deadline()
	if ok {
		stream.SetReadDeadline(dl)
	}

	for {
		n, err = stream.Read(buf)
		if err != nil {
			return 0, err
		}

		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		if n > 0 {
			return n, nil
		} else {
			t.Log("received an empty frame from the stream")
		}
	}
}
