package fabric

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrTopicInvalid = errors.New("fabric: topics must be non-empty and at most 160 bytes")

	ErrInvalidCfg       = errors.New("fabric: invalid options")
	ErrJoinCluster      = errors.New("fabric: could not join cluster")
	ErrFabricClosed     = errors.New("fabric: closed")
	ErrInvalidFrame     = errors.New("fabric: invalid gossip frame")
	ErrAlreadyJoined    = errors.New("fabric: topic already joined")
	ErrHostNotFound     = errors.New("fabric: host is not a member of the cluster")
	ErrDialFailed       = errors.New("fabric: could not open a stream")
	ErrBindingClosed    = errors.New("fabric: binding closed")
	ErrUnexpectedSource = errors.New("fabric: stream source does not match the peer certificate")

	ErrBufferSize        = errors.New("transport: could not allocate udp buffer")
	ErrHostnameResolve   = errors.New("transport: could not resolve hostname from certificate")
	ErrInvalidAddr       = errors.New("transport: the IP you provided is invalid")
	ErrUdpNotAvailable   = errors.New("transport: UDP listener not available")
	ErrShutdown          = errors.New("transport: shutting down")
	ErrStreamWrite       = errors.New("transport: error writing to a stream")
	ErrProtocolViolation = errors.New("transport: protocol violation")
	ErrNoTLSConfig       = errors.New("transport: TlsConfig is required")
)

var (
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
	QErrStreamUnknownTopic      = quic.StreamErrorCode(0x01)
	QErrStreamShutdown          = quic.StreamErrorCode(0x02)
	QErrStreamBufferFull        = quic.StreamErrorCode(0x03)
	QErrStreamClosed            = quic.StreamErrorCode(0x04)
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrHostname = QuicApplicationError{
		Code:   0x2,
		Prefix: "hostname",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
	QErrNameConflict = QuicApplicationError{
		Code:   0x4,
		Prefix: "name conflict",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}
