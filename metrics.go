package hark

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricHarkAnnounceOutCount        = []string{"hark", "announce", "out", "count"}
	MetricHarkAnnounceOutErrorCount   = []string{"hark", "announce", "out", "error", "count"}
	MetricHarkDatagramInBytes         = []string{"hark", "datagram", "in", "bytes"}
	MetricHarkDatagramInErrorCount    = []string{"hark", "datagram", "in", "error", "count"}
	MetricHarkDatagramOutBytes        = []string{"hark", "datagram", "out", "bytes"}
	MetricHarkAnnouncementMergedCount = []string{"hark", "announcement", "merged", "count"}
	MetricHarkAnnouncementDropCount   = []string{"hark", "announcement", "dropped", "count"}
	MetricHarkRegistryServices        = []string{"hark", "registry", "services"}
	MetricHarkUDPBufferSizeBytes      = []string{"hark", "udp", "buffer", "size", "bytes"}
	MetricHarkResolveWaitMs           = []string{"hark", "resolve", "wait", "ms"}
	MetricHarkRelayOutCount           = []string{"hark", "relay", "out", "count"}
	MetricHarkRelayInCount            = []string{"hark", "relay", "in", "count"}
	MetricHarkRelayInErrorCount       = []string{"hark", "relay", "in", "error", "count"}
)

type TelemetryLabel string

var (
	LabelError       TelemetryLabel = "error"
	LabelReason      TelemetryLabel = "reason"
	LabelGroup       TelemetryLabel = "group"
	LabelPeerAddr    TelemetryLabel = "peer_addr"
	LabelNodeName    TelemetryLabel = "node_name"
	LabelServiceName TelemetryLabel = "service_name"
	LabelServiceURI  TelemetryLabel = "service_uri"
	LabelDuration    TelemetryLabel = "duration"
	LabelInstance    TelemetryLabel = "instance"
)

// M returns a metric label.
func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

// L returns a structured log attribute.
func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

func withLabels(static []metrics.Label, extra ...metrics.Label) []metrics.Label {
	labels := make([]metrics.Label, 0, len(static)+len(extra))
	labels = append(labels, static...)
	return append(labels, extra...)
}
