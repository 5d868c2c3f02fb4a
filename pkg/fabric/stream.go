package fabric

import (
	"net"

	"github.com/quic-go/quic-go"
)

type streamWrapper struct {
	mode       streamMode
	localAddr  net.Addr
	remoteAddr net.Addr
	peer       Hostname
	topic      string
	source     string

	// NB(raskyld): It is not clear from the go-quic docs and interface comments
	// whether the stream is thread-safe, it states that Close MUST NOT
	// be called concurrently with write, but looking at the implementation,
	// it does use a mutex to sync Write/Close/Read operations, so I don't
	// think we need to make it thread-safe ourselves.
	quic.Stream
}

func (gs *streamWrapper) LocalAddr() net.Addr {
	return gs.localAddr
}

func (gs *streamWrapper) RemoteAddr() net.Addr {
	return gs.remoteAddr
}

// Close finishes the send side and stops reading, so the remote end sees
// both directions end.
func (gs *streamWrapper) Close() error {
	gs.CancelRead(QErrStreamClosed)
	return gs.Stream.Close()
}

func (gs *streamWrapper) garbageCollector(closer <-chan struct{}) {
	select {
	case <-gs.Context().Done():
		// already closed, can't clean-up.
	case <-closer:
		// graceful termination requested.
		// TODO(raskyld): contribute to go-quic to handle gracefully draining
		// the whole structured concurrency tree until a deadline or all connections
		// and streams have transmitted their frames.
		gs.Close()
	}
}
