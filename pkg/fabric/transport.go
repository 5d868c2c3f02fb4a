package fabric

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
	"unique"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-sockaddr"
	"github.com/hashicorp/memberlist"
	"github.com/quic-go/quic-go"
)

const (
	defaultUDPBufferSize int = 1 << 21
	defaultPort              = 6174

	// ALPN is the application protocol negotiated between members.
	ALPN = "friends-fabric/1"
)

// TransportConfig represents configuration for the fabric transport.
type TransportConfig struct {
	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize crashes if the kernel doesn't allocate what we asked.
	// If that's false, we retry and divide by 2 the requested
	// `TransportConfig.BufferSize` until it fits or fails.
	EnforceBufferSize bool

	// TlsConfig should be configured to ensure mTLS is enabled between the
	// peers.
	TlsConfig *tls.Config

	// BindAddr and BindPort are where we want the transport to listen.
	BindAddr string
	BindPort int

	// HintMaxStreams gives an indication of how much streams you intend to
	// open with a single peer.
	HintMaxStreams int64

	// HostnameResolver to resolve hostname from peer certificates.
	HostnameResolver HostnameResolver

	// MetricsLabels to add to every metrics emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// DialTimeout controls how much time we wait for stream establishment.
	DialTimeout time.Duration

	// GracePeriod is how long Shutdown waits for streams to flush before
	// closing connections.
	GracePeriod time.Duration

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// Transport implements [memberlist.NodeAwareTransport] on top of QUIC: gossip
// packets are sent as datagrams and push/pull exchanges as streams. It also
// carries the replication streams of the fabric bindings.
type Transport struct {
	cfg    *TransportConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool
	shutdownCh   chan struct{}

	replicaCh  chan *streamWrapper
	addrToHost map[string]unique.Handle[Hostname]
	hostsInfo  map[unique.Handle[Hostname]]Host
	hostsCxs   map[unique.Handle[Hostname]][]hostCx
	hostsLock  sync.RWMutex

	// Memberlist Protocol
	packetCh chan *memberlist.Packet
	streamCh chan net.Conn

	// QUIC layer
	tr        *quic.Transport
	ln        *quic.Listener
	tlsConfig *tls.Config

	// UDP layer
	udpLn *net.UDPConn
}

var _ memberlist.NodeAwareTransport = (*Transport)(nil)

type hostCx struct {
	// closeCh is closed to wake-up stream garbage collectors.
	closeCh chan struct{}
	host    unique.Handle[Hostname]
	quic.Connection
}

func NewTransport(cfg *TransportConfig) (t *Transport, err error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	t = &Transport{
		cfg:        cfg,
		shutdownCh: make(chan struct{}),
		replicaCh:  make(chan *streamWrapper),
		addrToHost: make(map[string]unique.Handle[Hostname]),
		hostsInfo:  make(map[unique.Handle[Hostname]]Host),
		hostsCxs:   make(map[unique.Handle[Hostname]][]hostCx),
		packetCh:   make(chan *memberlist.Packet),
		streamCh:   make(chan net.Conn),
	}

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		t.msink = metrics.Default()
	} else {
		t.msink = cfg.MetricSink
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}

	t.tlsConfig = cfg.TlsConfig.Clone()
	t.tlsConfig.NextProtos = []string{ALPN}

	defer func() {
		if err != nil {
			t.Shutdown()
		}
	}()

	port := cfg.BindPort
	if port == 0 {
		port = defaultPort
	}

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4zero
	}

	udpAddr := &net.UDPAddr{IP: addr, Port: port}
	udpLn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}
	t.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}

	if err := t.negociateBufferSize(requested); err != nil {
		return nil, err
	}

	t.tr = &quic.Transport{
		Conn: udpLn,
	}

	ln, err := t.tr.Listen(t.tlsConfig, t.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}
	t.ln = ln

	go t.acceptCx()
	return
}

func (t *Transport) quicConfig() *quic.Config {
	hint := t.cfg.HintMaxStreams
	if hint == 0 {
		hint = 10000
	}

	return &quic.Config{
		Versions:        []quic.Version{quic.Version2, quic.Version1},
		EnableDatagrams: true,
		// TODO(raskyld): accept 0-RTT once replication handshakes are
		// idempotent.
		Allow0RTT:             false,
		MaxIncomingStreams:    hint,
		MaxIncomingUniStreams: hint,
		MaxIdleTimeout:        1 * time.Minute,
		KeepAlivePeriod:       15 * time.Second,
	}
}

func (t *Transport) FinalAdvertiseAddr(ip string, port int) (net.IP, int, error) {
	if t.udpLn == nil {
		return nil, 0, ErrUdpNotAvailable
	}

	local, ok := t.udpLn.LocalAddr().(*net.UDPAddr)
	if !ok {
		panic(fmt.Sprintf("go runtime produced invalid udp addr %s", t.udpLn.LocalAddr()))
	}

	if port == 0 {
		port = local.Port
	}

	var advertiseAddr net.IP
	if ip != "" {
		advertiseAddr = net.ParseIP(ip)
		if advertiseAddr == nil {
			return nil, 0, fmt.Errorf("%w: %s", ErrInvalidAddr, ip)
		}
	} else if local.IP.IsUnspecified() {
		private, err := sockaddr.GetPrivateIP()
		if err != nil {
			return nil, 0, fmt.Errorf("%w: failed to get a private IP: %w", ErrInvalidAddr, err)
		}
		if private == "" {
			return nil, 0, fmt.Errorf("%w: no private IP found, advertise an address explicitly", ErrInvalidAddr)
		}
		advertiseAddr = net.ParseIP(private)
	} else {
		advertiseAddr = local.IP
	}

	if ip4 := advertiseAddr.To4(); ip4 != nil {
		advertiseAddr = ip4
	}

	return advertiseAddr, port, nil
}

func (t *Transport) WriteTo(b []byte, addr string) (time.Time, error) {
	return t.WriteToAddress(b, memberlist.Address{
		Addr: addr,
	})
}

func (t *Transport) WriteToAddress(b []byte, addr memberlist.Address) (time.Time, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DialTimeout)
	defer cancel()
	conn, err := t.getActiveCx(ctx, addr)
	if err != nil {
		return time.Time{}, err
	}

	ts := time.Now()
	err = conn.SendDatagram(b)
	if err == nil {
		t.msink.IncrCounterWithLabels(
			MetricDatagramOutBytes,
			float32(len(b)),
			withLabels(t.cfg.MetricLabels, labelsForAddr(addr)...),
		)
	} else {
		t.msink.IncrCounterWithLabels(
			MetricDatagramOutErrorCount,
			1.0,
			withLabels(t.cfg.MetricLabels, labelsForAddr(addr)...),
		)
	}
	return ts, err
}

func (t *Transport) PacketCh() <-chan *memberlist.Packet {
	return t.packetCh
}

func (t *Transport) DialTimeout(addr string, timeout time.Duration) (net.Conn, error) {
	return t.DialAddressTimeout(memberlist.Address{
		Addr: addr,
	}, timeout)
}

func (t *Transport) DialAddressTimeout(addr memberlist.Address, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return t.openStream(ctx, addr, initFrame{Mode: streamModeGossip})
}

// DialReplica opens a replication stream for topic with the member at addr.
func (t *Transport) DialReplica(ctx context.Context, addr memberlist.Address, topic, source string) (*streamWrapper, error) {
	return t.openStream(ctx, addr, initFrame{
		Mode:   streamModeReplicate,
		Topic:  topic,
		Source: source,
	})
}

// ReplicaCh delivers the inbound replication streams.
func (t *Transport) ReplicaCh() <-chan *streamWrapper {
	return t.replicaCh
}

func (t *Transport) openStream(ctx context.Context, addr memberlist.Address, init initFrame) (*streamWrapper, error) {
	mLabels := withLabels(t.cfg.MetricLabels, labelsForAddr(addr)...)
	mLabels = append(mLabels, LabelStreamMode.M(init.Mode.String()))

	hcx, err := t.getActiveCx(ctx, addr)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricStreamEstOutErrorCount,
			1.0,
			append(mLabels, LabelError.M("no_conn_to_host")),
		)
		return nil, err
	}

	stream, err := hcx.OpenStreamSync(ctx)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricStreamEstOutErrorCount,
			1.0,
			append(mLabels, LabelError.M("cannot_open_stream")),
		)
		return nil, err
	}

	swrap := &streamWrapper{
		mode:       init.Mode,
		localAddr:  hcx.LocalAddr(),
		remoteAddr: hcx.RemoteAddr(),
		peer:       hcx.host.Value(),
		topic:      init.Topic,
		source:     init.Source,
		Stream:     stream,
	}

	go swrap.garbageCollector(hcx.closeCh)

	err = initCodec.Encode(stream, init)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricStreamEstOutErrorCount,
			1.0,
			append(mLabels, LabelError.M("cannot_send_init_frame")),
		)
		stream.CancelRead(QErrStreamProtocolViolation)
		stream.CancelWrite(QErrStreamProtocolViolation)
		return nil, fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}

	t.msink.IncrCounterWithLabels(
		MetricStreamEstOutCount,
		1.0,
		mLabels,
	)
	return swrap, nil
}

func (t *Transport) StreamCh() <-chan net.Conn {
	return t.streamCh
}

func (t *Transport) Shutdown() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}
	close(t.shutdownCh)

	t.hostsLock.Lock()
	for _, cxs := range t.hostsCxs {
		for _, cx := range cxs {
			close(cx.closeCh)
		}
	}
	t.hostsLock.Unlock()

	// dumb SO_LINGER like behaviour until it is implemented
	// in go-quic
	time.Sleep(t.cfg.GracePeriod)

	t.hostsLock.Lock()
	for _, cxs := range t.hostsCxs {
		for _, cx := range cxs {
			QErrShutdown.Close(cx.Connection, "we are shutting down! bye!")
		}
	}
	t.hostsLock.Unlock()

	if t.ln != nil {
		t.ln.Close()
	}

	if t.tr != nil {
		t.tr.Close()
	}

	if t.udpLn != nil {
		t.udpLn.Close()
	}
	return nil
}

func (t *Transport) negociateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := t.udpLn.SetReadBuffer(size); err != nil {
			if t.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			t.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		t.msink.SetGaugeWithLabels(
			MetricUDPBufferSizeBytes,
			float32(size),
			t.cfg.MetricLabels,
		)
		return nil
	}
	return ErrBufferSize
}

func (t *Transport) acceptCx() {
	for {
		conn, err := t.ln.Accept(context.Background())
		if err != nil {
			if !t.gracefulTerm.Load() {
				// NB(raskyld): atm, the implementation only return errors if
				// Close() has been called, that's why we make assumptions but
				// that's not a good design. As the quic implementation evolve,
				// we may implement some retry mechanisms etc.
				t.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			return
		}

		t.handleConn(conn)
	}
}

func (t *Transport) waitForDatagrams(hcx hostCx) {
	remoteAddr := hcx.RemoteAddr()
	ctx := hcx.Context()
	logger := t.logger.With(LabelPeerAddr.L(remoteAddr.String()))
	mLabels := withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(remoteAddr.String()))

	for {
		buf, err := hcx.ReceiveDatagram(ctx)
		ts := time.Now()
		if t.gracefulTerm.Load() {
			logger.Debug("datagram listener gracefully shutting down")
			return
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.msink.IncrCounterWithLabels(
				MetricDatagramInErrorCount,
				1.0,
				append(mLabels, LabelError.M("unknown")),
			)
			logger.Error("error reading datagram", LabelError.L(err))
			continue
		}

		n := len(buf)
		if n < 1 {
			t.msink.IncrCounterWithLabels(
				MetricDatagramInErrorCount,
				1.0,
				append(mLabels, LabelError.M("too_small")),
			)
			logger.Error("received a too short datagram", "length", n)
			continue
		}

		t.msink.IncrCounterWithLabels(MetricDatagramInBytes, float32(n), mLabels)
		select {
		case t.packetCh <- &memberlist.Packet{
			Buf:       buf,
			From:      remoteAddr,
			Timestamp: ts,
		}:
		case <-t.shutdownCh:
			return
		}
	}
}

func (t *Transport) handleStreams(hcx hostCx) {
	ctx := hcx.Context()
	logger := t.logger.With(LabelPeerAddr.L(hcx.RemoteAddr().String()))
	mLabels := withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(hcx.RemoteAddr().String()))

	for {
		stream, err := hcx.AcceptStream(ctx)
		if t.gracefulTerm.Load() {
			logger.Debug("stream listener gracefully shutting down")
			return
		}

		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("connection was closed", LabelError.L(context.Cause(ctx)))
				return
			}
			logger.Warn("error accepting stream", LabelError.L(err))
			t.msink.IncrCounterWithLabels(
				MetricStreamEstInErrorCount,
				1.0,
				append(mLabels, LabelError.M("unknown")),
			)
			continue
		}

		swrap := &streamWrapper{
			localAddr:  hcx.LocalAddr(),
			remoteAddr: hcx.RemoteAddr(),
			peer:       hcx.host.Value(),
			Stream:     stream,
		}

		// When a connection should be closed, it will first
		// close its `closeCh` channel and wait for its streams
		// to finish draining their buffers.
		// Sadly, atm, go-quic has no public API to see if the drain
		// is over, so we will implement a dumb "wait X seconds" before
		// closing the connection itself.
		go swrap.garbageCollector(hcx.closeCh)
		go t.handleStream(swrap, logger.With(LabelStreamID.L(int64(stream.StreamID()))), mLabels)
	}
}

// handleStream reads the init frame of an inbound stream and routes it.
func (t *Transport) handleStream(swrap *streamWrapper, logger *slog.Logger, mLabels []metrics.Label) {
	logger.Debug("received a stream request")

	violation := func(reason string, err error) {
		logger.Warn("protocol violation: "+reason, LabelError.L(err))
		swrap.CancelRead(QErrStreamProtocolViolation)
		swrap.CancelWrite(QErrStreamProtocolViolation)
		t.msink.IncrCounterWithLabels(
			MetricStreamEstInErrorCount,
			1.0,
			withLabels(mLabels, LabelError.M("protocol_violation")),
		)
	}

	swrap.SetReadDeadline(time.Now().Add(t.cfg.DialTimeout))
	init, err := initCodec.Decode(swrap.Stream)
	if t.gracefulTerm.Load() {
		swrap.CancelRead(QErrStreamShutdown)
		swrap.CancelWrite(QErrStreamShutdown)
		return
	}
	if err != nil {
		violation("no init frame", err)
		return
	}
	swrap.SetReadDeadline(time.Time{})

	swrap.mode = init.Mode
	mLabels = withLabels(mLabels, LabelStreamMode.M(init.Mode.String()))

	var dest chan<- *streamWrapper
	switch init.Mode {
	case streamModeGossip:
		t.msink.IncrCounterWithLabels(MetricStreamEstInCount, 1.0, mLabels)
		select {
		case t.streamCh <- swrap:
		case <-t.shutdownCh:
			swrap.CancelRead(QErrStreamShutdown)
			swrap.CancelWrite(QErrStreamShutdown)
		}
		return
	case streamModeReplicate:
		if init.Topic == "" {
			violation("replication without topic", nil)
			return
		}
		if init.Source != string(swrap.peer) {
			violation("unexpected source", fmt.Errorf("%w: %s", ErrUnexpectedSource, init.Source))
			return
		}
		swrap.topic = init.Topic
		swrap.source = init.Source
		dest = t.replicaCh
	default:
		violation("unknown mode", fmt.Errorf("mode %d", init.Mode))
		return
	}

	t.msink.IncrCounterWithLabels(MetricStreamEstInCount, 1.0, mLabels)
	select {
	case dest <- swrap:
	case <-t.shutdownCh:
		swrap.CancelRead(QErrStreamShutdown)
		swrap.CancelWrite(QErrStreamShutdown)
	}
}

func (t *Transport) getActiveCx(
	ctx context.Context,
	target memberlist.Address,
) (hostCx, error) {
	t.hostsLock.RLock()
	var dest unique.Handle[Hostname]
	if target.Name != "" {
		dest = unique.Make(Hostname(target.Name))
	} else {
		resolved, ok := t.addrToHost[target.Addr]
		if !ok {
			t.hostsLock.RUnlock()
			return t.dial(ctx, target.Addr)
		}
		dest = resolved
	}

	cx, hasCx := t.firstActiveCx(dest)
	if hasCx {
		t.hostsLock.RUnlock()
		return cx, nil
	}

	t.hostsLock.RUnlock()
	return t.dial(ctx, target.Addr)
}

func (t *Transport) dial(ctx context.Context, target string) (hostCx, error) {
	if t.gracefulTerm.Load() {
		return hostCx{}, ErrShutdown
	}

	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return hostCx{}, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	cx, err := t.tr.Dial(ctx, addr, t.tlsConfig, t.quicConfig())
	if t.gracefulTerm.Load() {
		if cx != nil {
			QErrShutdown.Close(cx, "we are shutting down! bye!")
		}
		return hostCx{}, ErrShutdown
	}
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricConnErrorCount,
			1.0,
			withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(target), LabelError.M("dial")),
		)
		return hostCx{}, err
	}

	return t.handleConn(cx)
}

// not thread safe!
// must be called by an holder of Write lock
func (t *Transport) garbageCollectCxs(dest unique.Handle[Hostname]) ([]hostCx, bool) {
	cxs, hasCxs := t.hostsCxs[dest]
	if !hasCxs {
		return cxs, hasCxs
	}

	cleanedUpList := make([]hostCx, 0, len(cxs))
	for _, cx := range cxs {
		if cx.Context().Err() == nil {
			cleanedUpList = append(cleanedUpList, cx)
		}
	}

	if len(cleanedUpList) == 0 {
		delete(t.hostsCxs, dest)
		return nil, false
	} else {
		t.hostsCxs[dest] = cleanedUpList
	}

	return cleanedUpList, true
}

// not thread safe!
// must be called by an holder of Read lock
func (t *Transport) firstActiveCx(dest unique.Handle[Hostname]) (hostCx, bool) {
	cxs, hasCxs := t.hostsCxs[dest]
	if !hasCxs {
		return hostCx{}, false
	}

	for _, cx := range cxs {
		if cx.Context().Err() == nil {
			return cx, true
		}
	}

	return hostCx{}, false
}

func (t *Transport) handleConn(conn quic.Connection) (hostCx, error) {
	peer := conn.RemoteAddr().String()
	peerAddr, rawPort, err := net.SplitHostPort(peer)
	if err != nil {
		panic(fmt.Sprintf("unreachable: unexpected address format %s", peer))
	}
	peerPort, err := strconv.Atoi(rawPort)
	if err != nil {
		panic(err)
	}

	logger := t.logger.With(LabelPeerAddr.L(peerAddr), "port", peerPort)
	resolver := t.cfg.HostnameResolver
	if resolver == nil {
		resolver = CommonNameResolver
	}

	mLabels := withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(peer))

	rsvHostname, err, uerr := resolver(conn.ConnectionState().TLS.PeerCertificates)
	if err != nil {
		logger.Error("failed to resolve hostname", LabelError.L(err))
		t.msink.IncrCounterWithLabels(
			MetricConnErrorCount,
			1.0,
			append(mLabels, LabelError.M("name_resolution")),
		)
		if uerr == "" {
			QErrHostname.Close(
				conn,
				"unexpected error during hostname resolution",
			)
		} else {
			QErrHostname.Close(
				conn,
				fmt.Sprintf("error during resolution: %s", uerr),
			)
		}
		return hostCx{}, ErrHostnameResolve
	}

	mLabels = append(mLabels, LabelPeerName.M(string(rsvHostname)))

	rsvHostnameHandle := unique.Make(rsvHostname)
	t.hostsLock.Lock()
	if t.gracefulTerm.Load() {
		t.hostsLock.Unlock()
		QErrShutdown.Close(conn, "we are shutting down! bye!")
		return hostCx{}, ErrShutdown
	}

	// First, we check if we need to update our Addr to Hostname
	// mapping.
	currentHostname, ok := t.addrToHost[peer]
	if ok {
		if currentHostname != rsvHostnameHandle {
			logger := logger.With(
				"old", currentHostname.Value(),
				"new", rsvHostname,
			)

			logger.Warn("a peer changed its name, updating")
			t.addrToHost[peer] = rsvHostnameHandle

			// We need to migrate the connections as well.
			cxs, hasConnections := t.hostsCxs[currentHostname]
			if hasConnections {
				logger.Debug("migrating connections")
				delete(t.hostsCxs, currentHostname)
				t.hostsCxs[rsvHostnameHandle] = cxs
			}
			t.msink.IncrCounterWithLabels(
				MetricHostNameChanges,
				1.0,
				withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(peer)),
			)
		}
	} else {
		t.addrToHost[peer] = rsvHostnameHandle
		logger.Info("new peer discovered", LabelPeerName.L(rsvHostname))
	}

	// We also check if we have node name conflict
	hostInfo, ok := t.hostsInfo[rsvHostnameHandle]
	if ok {
		if hostInfo.Addr != peerAddr || hostInfo.Port != peerPort {
			logger := logger.With(
				"oldAddr", hostInfo.Addr,
				"oldPort", hostInfo.Port,
			)
			logger.Warn(
				"a node has been migrated or there is a name conflict in the cluster")
			t.msink.IncrCounterWithLabels(
				MetricHostAddrChanges,
				1.0,
				withLabels(t.cfg.MetricLabels, LabelPeerName.M(string(rsvHostname))),
			)
			gcHost, stillHasConnection := t.garbageCollectCxs(rsvHostnameHandle)
			if stillHasConnection {
				logger.Error("connection is still active after node migration, that's a symptom of name conflict!")
				t.msink.IncrCounterWithLabels(
					MetricHostConflictsCount,
					1.0,
					withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(peer)),
				)
				for _, cx := range gcHost {
					// TODO(raskyld): implement a ban list.
					QErrNameConflict.Close(
						cx, "we detected a node name conflict in the cluster! "+
							"this may be because you have rescheduled a node on another machine, "+
							"if you haven't, then it could mean one of your certificate has leaked!",
					)
				}
				delete(t.hostsCxs, rsvHostnameHandle)
			}
			t.hostsInfo[rsvHostnameHandle] = Host{
				Name: rsvHostnameHandle,
				Addr: peerAddr,
				Port: peerPort,
			}
		}
	} else {
		t.hostsInfo[rsvHostnameHandle] = Host{
			Name: rsvHostnameHandle,
			Addr: peerAddr,
			Port: peerPort,
		}
	}

	// Then, we actually perform the connection update
	// after a pass of garbage collection.
	hcx := hostCx{
		closeCh:    make(chan struct{}),
		host:       rsvHostnameHandle,
		Connection: conn,
	}
	gcHost, _ := t.garbageCollectCxs(rsvHostnameHandle)
	t.hostsCxs[rsvHostnameHandle] = append(gcHost, hcx)
	t.hostsLock.Unlock()

	t.msink.IncrCounterWithLabels(
		MetricConnEstCount,
		1.0,
		mLabels,
	)

	// NB: it's ok to pass by value, the struct is just two cheap pointers.
	go t.waitForDatagrams(hcx)
	go t.handleStreams(hcx)
	return hcx, nil
}

// Hosts lists the members we hold a live connection with.
func (t *Transport) Hosts() []Host {
	t.hostsLock.RLock()
	defer t.hostsLock.RUnlock()
	hosts := make([]Host, 0, len(t.hostsCxs))
	for name := range t.hostsCxs {
		if _, ok := t.firstActiveCx(name); ok {
			hosts = append(hosts, t.hostsInfo[name])
		}
	}
	return hosts
}
