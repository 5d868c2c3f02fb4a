package friends

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/friends/pkg/discovery"
	"github.com/raskyld/friends/pkg/kv"
)

const (
	DefaultHub             = "https://signalhub.mafintosh.com"
	DefaultRemoteConfigURL = "https://instant.io/rtcConfig"
	DefaultChannel         = "friends"
	DefaultReplayWindow    = 500

	// TopicPrefix is prepended to channel names to form discovery topics.
	TopicPrefix = "friends-"

	maxChannelNameLen = 128
)

type config struct {
	hubs            []string
	remoteConfigURL string
	storage         kv.DB
	ownStorage      bool
	discovery       discovery.Discovery
	observer        Observer
	httpClient      *http.Client
	replayWindow    uint64
	defaultChannel  string
	logHandler      slog.Handler
	msink           metrics.MetricSink
	metricLabels    []metrics.Label
	cacheSize       int
}

// Option to pass to `New`
type Option func(*config) error

// WithHubs specifies the rendezvous endpoints used to find the peers of a
// channel. Their meaning depends on the [discovery.Discovery] in use.
func WithHubs(hubs ...string) Option {
	return func(c *config) error {
		if len(hubs) == 0 {
			hubs = []string{DefaultHub}
		}
		c.hubs = hubs
		return nil
	}
}

// WithRemoteConfigURL specifies where the connectivity configuration is
// fetched from before joining a channel. An empty URL disables the fetch.
func WithRemoteConfigURL(url string) Option {
	return func(c *config) error {
		c.remoteConfigURL = url
		return nil
	}
}

// WithHTTPClient specifies the client used to fetch the connectivity
// configuration.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) error {
		if client == nil {
			client = &http.Client{Timeout: 10 * time.Second}
		}
		c.httpClient = client
		return nil
	}
}

// WithStorage specifies where channel logs are persisted. Each channel gets
// its own [kv.Sub] partition. The swarm does not close it.
//
// Without it, logs are kept in memory and lost on Close.
func WithStorage(db kv.DB) Option {
	return func(c *config) error {
		if db == nil {
			return ErrInvalidCfg
		}
		c.storage = db
		c.ownStorage = false
		return nil
	}
}

// WithDiscovery specifies how the peers of a channel are found.
//
// Without it, the swarm has no peer and only works offline.
func WithDiscovery(d discovery.Discovery) Option {
	return func(c *config) error {
		if d == nil {
			return ErrInvalidCfg
		}
		c.discovery = d
		return nil
	}
}

// WithObserver receives the events of the swarm.
func WithObserver(obs Observer) Option {
	return func(c *config) error {
		if obs == nil {
			obs = NopObserver{}
		}
		c.observer = obs
		return nil
	}
}

// WithReplayWindow controls how many of the most recent entries of a
// channel are delivered again when processing starts.
func WithReplayWindow(window uint64) Option {
	return func(c *config) error {
		c.replayWindow = window
		return nil
	}
}

// WithDefaultChannel sets the channel used by [Swarm.Send] for messages
// which do not name one.
func WithDefaultChannel(name string) Option {
	return func(c *config) error {
		if name == "" {
			name = DefaultChannel
		}
		if len(name) > maxChannelNameLen {
			return ErrChannelName
		}
		c.defaultChannel = name
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Swarm`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Swarm.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithCacheSize controls how many log entries are cached per channel.
func WithCacheSize(size int) Option {
	return func(c *config) error {
		if size <= 0 {
			return ErrInvalidCfg
		}
		c.cacheSize = size
		return nil
	}
}
