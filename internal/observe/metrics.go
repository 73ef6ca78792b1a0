// Package observe provides application-wide observability primitives for
// the bridge: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all bridge metrics.
const meterName = "github.com/taliaworks/pipecat-bridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// LLMTurnDuration tracks the latency of one flow-engine LLM turn,
	// including all tool rounds within it.
	LLMTurnDuration metric.Float64Histogram

	// AgentConnectDuration tracks how long the voice-agent WebSocket dial takes.
	AgentConnectDuration metric.Float64Histogram

	// BookingCallDuration tracks booking-backend HTTP call latency. Use with:
	//   attribute.String("operation", ...)
	BookingCallDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Media counters ---

	// InboundFrames counts telephony media frames forwarded to the agent.
	InboundFrames metric.Int64Counter

	// OutboundFrames counts agent media frames forwarded to the telephony peer.
	OutboundFrames metric.Int64Counter

	// DroppedFrames counts media frames dropped before delivery. Use with:
	//   attribute.String("reason", ...)
	DroppedFrames metric.Int64Counter

	// TranscodeFailures counts codec/resample failures by direction.
	TranscodeFailures metric.Int64Counter

	// ProtocolErrors counts malformed control frames from the telephony peer.
	ProtocolErrors metric.Int64Counter

	// --- Session and flow counters ---

	// SessionErrors counts bridge session errors by stage.
	SessionErrors metric.Int64Counter

	// Escalations counts operator escalations by outcome.
	Escalations metric.Int64Counter

	// ToolCalls counts flow tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// Transfers counts operator-transfer routings by reason.
	Transfers metric.Int64Counter

	// BookingAttempts counts booking commit attempts by status.
	BookingAttempts metric.Int64Counter

	// StatsWrites counts call-statistics persistence attempts by status.
	StatsWrites metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live bridge sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveConversations tracks the number of live flow conversations.
	ActiveConversations metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.LLMTurnDuration, err = m.Float64Histogram("pipecat_bridge.llm.turn.duration",
		metric.WithDescription("Latency of one flow-engine LLM turn including tool rounds."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AgentConnectDuration, err = m.Float64Histogram("pipecat_bridge.agent.connect.duration",
		metric.WithDescription("Latency of opening the voice-agent WebSocket."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BookingCallDuration, err = m.Float64Histogram("pipecat_bridge.booking.call.duration",
		metric.WithDescription("Latency of booking-backend HTTP calls by operation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("pipecat_bridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Media counters.
	if met.InboundFrames, err = m.Int64Counter("pipecat_bridge.media.inbound.frames",
		metric.WithDescription("Telephony media frames forwarded to the voice agent."),
	); err != nil {
		return nil, err
	}
	if met.OutboundFrames, err = m.Int64Counter("pipecat_bridge.media.outbound.frames",
		metric.WithDescription("Agent media frames forwarded to the telephony peer."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("pipecat_bridge.media.dropped.frames",
		metric.WithDescription("Media frames dropped before delivery, by reason."),
	); err != nil {
		return nil, err
	}
	if met.TranscodeFailures, err = m.Int64Counter("pipecat_bridge.media.transcode.failures",
		metric.WithDescription("Codec or resample failures by direction."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolErrors, err = m.Int64Counter("pipecat_bridge.media.protocol.errors",
		metric.WithDescription("Malformed control frames received from the telephony peer."),
	); err != nil {
		return nil, err
	}

	// Session and flow counters.
	if met.SessionErrors, err = m.Int64Counter("pipecat_bridge.session.errors",
		metric.WithDescription("Bridge session errors by stage."),
	); err != nil {
		return nil, err
	}
	if met.Escalations, err = m.Int64Counter("pipecat_bridge.escalations",
		metric.WithDescription("Operator escalations by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("pipecat_bridge.flow.tool.calls",
		metric.WithDescription("Flow tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.Transfers, err = m.Int64Counter("pipecat_bridge.flow.transfers",
		metric.WithDescription("Operator-transfer routings by reason."),
	); err != nil {
		return nil, err
	}
	if met.BookingAttempts, err = m.Int64Counter("pipecat_bridge.booking.commit.attempts",
		metric.WithDescription("Booking commit attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.StatsWrites, err = m.Int64Counter("pipecat_bridge.stats.writes",
		metric.WithDescription("Call-statistics persistence attempts by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("pipecat_bridge.active_sessions",
		metric.WithDescription("Number of live bridge sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConversations, err = m.Int64UpDownCounter("pipecat_bridge.active_conversations",
		metric.WithDescription("Number of live flow conversations."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordDroppedFrame is a convenience method that records a dropped media
// frame with its reason.
func (m *Metrics) RecordDroppedFrame(ctx context.Context, reason string) {
	m.DroppedFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordTranscodeFailure is a convenience method that records a codec or
// resample failure for one direction ("inbound" or "outbound").
func (m *Metrics) RecordTranscodeFailure(ctx context.Context, direction string) {
	m.TranscodeFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordEscalation is a convenience method that records an escalation attempt
// with its outcome.
func (m *Metrics) RecordEscalation(ctx context.Context, outcome string) {
	m.Escalations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordBookingAttempt is a convenience method that records one booking
// commit attempt with its status.
func (m *Metrics) RecordBookingAttempt(ctx context.Context, status string) {
	m.BookingAttempts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordStatsWrite is a convenience method that records one call-statistics
// persistence attempt by operation and outcome.
func (m *Metrics) RecordStatsWrite(ctx context.Context, op string, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	m.StatsWrites.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
}
