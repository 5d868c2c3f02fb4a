package friends

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricMessagesSentCount      = []string{"friends", "messages", "sent", "count"}
	MetricMessagesSendErrorCount = []string{"friends", "messages", "sent", "error", "count"}
	MetricMessagesDeliveredCount = []string{"friends", "messages", "delivered", "count"}
	MetricMessagesInvalidCount   = []string{"friends", "messages", "invalid", "count"}
	MetricMessagesLegacyCount    = []string{"friends", "messages", "legacy", "count"}
	MetricMessagesDecodeErrCount = []string{"friends", "messages", "decode", "error", "count"}
	MetricProcessorErrorCount    = []string{"friends", "processor", "error", "count"}
	MetricPeersConnectedCount    = []string{"friends", "peers", "connected", "count"}
	MetricPeersClosedCount       = []string{"friends", "peers", "closed", "count"}
	MetricChannelsOpen           = []string{"friends", "channels", "open"}
	MetricRemoteConfigErrorCount = []string{"friends", "remote", "config", "error", "count"}
)

type TelemetryLabel string

var (
	LabelChannel   TelemetryLabel = "channel"
	LabelChange    TelemetryLabel = "change"
	LabelError     TelemetryLabel = "error"
	LabelPeerID    TelemetryLabel = "peer_id"
	LabelPeerState TelemetryLabel = "peer_state"
	LabelCause     TelemetryLabel = "cause"
	LabelURL       TelemetryLabel = "url"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

func (s *Swarm) labels(extra ...metrics.Label) []metrics.Label {
	return append(append(make([]metrics.Label, 0, len(s.cfg.metricLabels)+len(extra)), s.cfg.metricLabels...), extra...)
}
