package fabric

import (
	"crypto/tls"
	"log/slog"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/serf/serf"
)

type config struct {
	serfCfg      *serf.Config
	trCfg        TransportConfig
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	neighbours   []string
	peerBuffer   int
}

// Option to pass to `Create`
type Option func(*config) error

// WithListenOn specifies which UDP interface must be used by the fabric.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		c.serfCfg.MemberlistConfig.BindAddr = addr
		c.serfCfg.MemberlistConfig.BindPort = port
		return nil
	}
}

// WithAdvertise specifies the address other members use to reach us, when
// it differs from the listening one.
func WithAdvertise(addr string, port int) Option {
	return func(c *config) error {
		c.serfCfg.MemberlistConfig.AdvertiseAddr = addr
		c.serfCfg.MemberlistConfig.AdvertisePort = port
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		c.trCfg.LogHandler = handler
		return nil
	}
}

// WithHostname specifies which hostname should be exposed to other
// peers when joining the cluster. For a well-behaving cluster, the name
// MUST be unique and match the common name of the TLS certificate.
func WithHostname(hostname string) Option {
	return func(c *config) error {
		if hostname != "" {
			c.serfCfg.NodeName = hostname
		}
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Fabric.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		c.trCfg.MetricLabels = labels

		// TODO(raskyld): Wait for the buildflag to always use the
		// hashicorp version so we don't need to do the translation.
		c.serfCfg.MemberlistConfig.MetricLabels = make([]leg_metrics.Label, len(labels))
		for i, label := range labels {
			c.serfCfg.MemberlistConfig.MetricLabels[i] = leg_metrics.Label{
				Name:  label.Name,
				Value: label.Value,
			}
		}
		return nil
	}
}

// WithTlsConfig set the `tls.Config` used between members. It is REALLY
// important that you use mTLS in production since that's the only way to
// secure your `Fabric` at this time.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.trCfg.TlsConfig = tlsConf.Clone()
		return nil
	}
}

// WithHintMaxStreams gives an indication of the maximum number of streams
// you intend to open concurrently with any peer.
func WithHintMaxStreams(hint int64) Option {
	return func(c *config) error {
		if hint == 0 {
			hint = 10000
		}
		c.trCfg.HintMaxStreams = hint
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Fabric`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		c.trCfg.MetricSink = ms
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote node to answer.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		c.trCfg.DialTimeout = timeout
		return nil
	}
}

// WithGracePeriod controls how much time we wait on Shutdown for UDP
// buffers to flush.
func WithGracePeriod(period time.Duration) Option {
	return func(c *config) error {
		if period == 0 {
			period = 10 * time.Second
		}
		c.trCfg.GracePeriod = period
		return nil
	}
}

// WithNeighbours controls which peers are tried initially to Join the
// cluster.
func WithNeighbours(neighbours []string) Option {
	return func(c *config) error {
		c.neighbours = neighbours
		return nil
	}
}

// WithPeerBuffer controls how many established peers a binding holds
// before new streams are refused.
func WithPeerBuffer(size int) Option {
	return func(c *config) error {
		if size <= 0 {
			size = 16
		}
		c.peerBuffer = size
		return nil
	}
}
