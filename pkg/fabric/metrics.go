package fabric

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

var (
	MetricDatagramInBytes        = []string{"fabric", "datagram", "in", "bytes"}
	MetricDatagramInErrorCount   = []string{"fabric", "datagram", "in", "error", "count"}
	MetricDatagramOutBytes       = []string{"fabric", "datagram", "out", "bytes"}
	MetricDatagramOutErrorCount  = []string{"fabric", "datagram", "out", "error", "count"}
	MetricStreamEstInCount       = []string{"fabric", "stream", "establishment", "in", "count"}
	MetricStreamEstInErrorCount  = []string{"fabric", "stream", "establishment", "in", "error", "count"}
	MetricStreamEstOutCount      = []string{"fabric", "stream", "establishment", "out", "count"}
	MetricStreamEstOutErrorCount = []string{"fabric", "stream", "establishment", "out", "error", "count"}
	MetricUDPBufferSizeBytes     = []string{"fabric", "udp", "buffer", "size", "bytes"}
	MetricConnErrorCount         = []string{"fabric", "connection", "error", "count"}
	MetricConnEstCount           = []string{"fabric", "connection", "established", "count"}
	MetricHostNameChanges        = []string{"fabric", "host", "name", "changes"}
	MetricHostAddrChanges        = []string{"fabric", "host", "addr", "changes"}
	MetricHostConflictsCount     = []string{"fabric", "host", "name", "conflicts", "count"}
	MetricTopicsClaimed          = []string{"fabric", "topics", "claimed"}
	MetricPeersDeliveredCount    = []string{"fabric", "peers", "delivered", "count"}
	MetricPeersDroppedCount      = []string{"fabric", "peers", "dropped", "count"}
)

type TelemetryLabel string

var (
	LabelError      TelemetryLabel = "error"
	LabelPeerAddr   TelemetryLabel = "peer_addr"
	LabelPeerName   TelemetryLabel = "peer_name"
	LabelStreamMode TelemetryLabel = "stream_mode"
	LabelStreamID   TelemetryLabel = "stream_id"
	LabelTopic      TelemetryLabel = "topic"
	LabelDuration   TelemetryLabel = "duration"
	LabelEventName  TelemetryLabel = "event_name"
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

func labelsForAddr(addr memberlist.Address) []metrics.Label {
	labels := []metrics.Label{LabelPeerAddr.M(addr.Addr)}
	if addr.Name != "" {
		labels = append(labels, LabelPeerName.M(addr.Name))
	}
	return labels
}

// withLabels copies static before appending extra.
func withLabels(static []metrics.Label, extra ...metrics.Label) []metrics.Label {
	return append(append(make([]metrics.Label, 0, len(static)+len(extra)), static...), extra...)
}
