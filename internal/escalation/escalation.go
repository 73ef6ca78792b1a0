// Package escalation implements the webhook that hands a live call over to a
// human operator.
//
// The voice agent, when its flow decides a human must take over, fires an
// out-of-band HTTP POST at this process. The controller resolves the running
// bridge session by stream SID, walks it through the phased handoff
// (Active → Escalating → AgentClosed), and sends the telephony peer a stop
// frame carrying the operator ring group to route the call to.
package escalation

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/taliaworks/pipecat-bridge/internal/bridge"
	"github.com/taliaworks/pipecat-bridge/internal/observe"
)

const (
	// defaultDrainPause is how long the controller waits before starting the
	// handoff, so in-flight audio frames settle on both legs.
	defaultDrainPause = 1500 * time.Millisecond

	// maxSummaryLen caps the conversation summary embedded in the ring group.
	// The telephony platform truncates longer stop payloads mid-word.
	maxSummaryLen = 240
)

// Fallback field values used when the payload is unusable or the phased
// handoff fails midway. The call is still routed to an operator, just without
// the conversation context.
const (
	defaultSummary   = "richiesta di assistenza"
	defaultSentiment = "neutral"
	defaultAction    = "transfer"
	defaultDuration  = "0"
	defaultPriority  = "5"
)

// Session is the slice of the bridge session the controller drives.
// *bridge.Session satisfies it.
type Session interface {
	State() bridge.State
	StartEscalation(ctx context.Context) error
	CompleteEscalation(ctx context.Context, ringGroup string) error
}

// Directory resolves a live session by stream SID. It returns nil for unknown
// streams.
type Directory func(streamSID string) Session

// StatsMarker records the escalation outcome on the call's stats row.
// *stats.Writer satisfies it.
type StatsMarker interface {
	MarkEscalated(ctx context.Context, callID string)
}

// Option configures a Controller.
type Option func(*Controller)

// WithDrainPause overrides the pre-handoff audio drain pause; mainly for
// tests.
func WithDrainPause(d time.Duration) Option {
	return func(c *Controller) { c.drainPause = d }
}

// WithMetrics overrides the metrics sink; mainly for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller serves the POST /escalation webhook.
type Controller struct {
	lookup     Directory
	stats      StatsMarker
	metrics    *observe.Metrics
	drainPause time.Duration
}

// NewController builds a Controller over the given session directory. stats
// may be nil when no stats sink is configured.
func NewController(lookup Directory, stats StatsMarker, opts ...Option) *Controller {
	c := &Controller{
		lookup:     lookup,
		stats:      stats,
		drainPause: defaultDrainPause,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// ─── Webhook payload ─────────────────────────────────────────────────────────

// request is the webhook body the voice platform posts when the agent's
// transfer tool fires. The platform nests everything under "message" with the
// call id at message.call.id; the flat fields are kept as a lenient fallback
// for callers that post without the wrapper.
type request struct {
	Message struct {
		Call struct {
			ID string `json:"id"`
		} `json:"call"`
		StreamSID    string     `json:"stream_sid"`
		ToolCallList []toolCall `json:"toolCallList"`
	} `json:"message"`

	CallID       string     `json:"call_id"`
	StreamSID    string     `json:"stream_sid"`
	ToolCallList []toolCall `json:"toolCallList"`
}

// callID prefers the nested message.call.id over the flat field.
func (r *request) callID() string {
	if r.Message.Call.ID != "" {
		return r.Message.Call.ID
	}
	return r.CallID
}

func (r *request) streamSID() string {
	if r.Message.StreamSID != "" {
		return r.Message.StreamSID
	}
	return r.StreamSID
}

func (r *request) toolCalls() []toolCall {
	if len(r.Message.ToolCallList) > 0 {
		return r.Message.ToolCallList
	}
	return r.ToolCallList
}

type toolCall struct {
	ID       string `json:"id"`
	Function struct {
		Name string `json:"name"`
		// Arguments arrives as an object from some platforms and as a
		// JSON-encoded string from others.
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

// arguments are the transfer tool's fields. Numeric fields are quoted by some
// platforms and bare on others, hence looseString.
type arguments struct {
	Action    string      `json:"action"`
	Sentiment string      `json:"sentiment"`
	Duration  looseString `json:"duration"`
	Summary   string      `json:"summary"`
	Service   looseString `json:"service"`
	Sector    string      `json:"sector"`
}

// looseString decodes JSON strings and numbers alike.
type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = looseString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = looseString(n.String())
	return nil
}

// response is the tool-call result envelope. The platform expects HTTP 200
// with the call id echoed regardless of the handoff outcome; it retries on
// its own schedule.
type response struct {
	Results []toolResult `json:"results"`
}

type toolResult struct {
	ToolCallID string `json:"toolCallId"`
	Result     string `json:"result"`
}

// ─── Handler ─────────────────────────────────────────────────────────────────

// ServeHTTP handles POST /escalation. The handoff runs synchronously; the
// response is written once the stop frame has been sent (or the attempt has
// been abandoned).
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observe.Logger(ctx)

	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Error("escalation payload undecodable", "error", err)
		c.metrics.RecordEscalation(ctx, "bad_payload")
		writeResult(w, "", "")
		return
	}

	callID, streamSID := req.callID(), req.streamSID()

	toolCallID := ""
	args := arguments{}
	if calls := req.toolCalls(); len(calls) > 0 {
		toolCallID = calls[0].ID
		args = parseArguments(calls[0].Function.Arguments)
	}

	log = log.With("call_id", callID, "stream_sid", streamSID)

	session := c.lookup(streamSID)
	if session == nil {
		log.Warn("escalation for unknown stream")
		c.metrics.RecordEscalation(ctx, "no_session")
		writeResult(w, toolCallID, callID)
		return
	}

	select {
	case <-time.After(c.drainPause):
	case <-ctx.Done():
	}

	if err := c.handoff(ctx, session, args); err != nil {
		log.Error("escalation handoff failed", "error", err, "state", session.State())
		c.metrics.RecordEscalation(ctx, "error")
		c.sendFallbackStop(ctx, session, log)
	} else {
		log.Info("call escalated to operator", "sector", args.Sector)
		c.metrics.RecordEscalation(ctx, "ok")
		if c.stats != nil {
			c.stats.MarkEscalated(ctx, callID)
		}
	}

	writeResult(w, toolCallID, callID)
}

// handoff walks the session through both escalation phases with the ring
// group built from the tool arguments.
func (c *Controller) handoff(ctx context.Context, session Session, args arguments) error {
	if err := session.StartEscalation(ctx); err != nil {
		return err
	}
	return session.CompleteEscalation(ctx, ringGroup(args))
}

// sendFallbackStop routes the call to an operator with default context after
// a failed handoff. A session that already closed is left alone.
func (c *Controller) sendFallbackStop(ctx context.Context, session Session, log *slog.Logger) {
	if session.State() == bridge.StateClosed {
		return
	}
	if err := session.CompleteEscalation(ctx, ringGroup(arguments{})); err != nil {
		log.Error("fallback stop frame failed", "error", err)
	}
}

// ─── Ring group ──────────────────────────────────────────────────────────────

// ringGroup renders the stop-frame routing string
// "<summary>::<sentiment>::<action>::<duration>::<service>". Missing fields
// fall back to the defaults; the service triple routes booking calls to the
// front desk group and everything else to general assistance.
func ringGroup(args arguments) string {
	summary := truncateSummary(args.Summary)
	if summary == "" {
		summary = defaultSummary
	}
	sentiment := args.Sentiment
	if sentiment == "" {
		sentiment = defaultSentiment
	}
	action := args.Action
	if action == "" {
		action = defaultAction
	}
	duration := string(args.Duration)
	if duration == "" {
		duration = defaultDuration
	}

	n := string(args.Service)
	if n == "" {
		n = defaultPriority
	}
	service := "2|2|" + n
	if args.Sector == "booking" {
		service = "1|1|" + n
	}

	return strings.Join([]string{summary, sentiment, action, duration, service}, "::")
}

// truncateSummary caps a conversation summary at maxSummaryLen bytes, backing
// off to a rune boundary first and then to the last space so no word (or
// accented character) is split.
func truncateSummary(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxSummaryLen {
		return s
	}
	n := maxSummaryLen
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	cut := s[:n]
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut)
}

// parseArguments decodes the tool arguments, unwrapping the string-encoded
// variant. A broken payload yields zero arguments and the defaults take over.
func parseArguments(raw json.RawMessage) arguments {
	var args arguments
	if len(raw) == 0 {
		return args
	}
	data := []byte(raw)
	if data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return arguments{}
		}
		data = []byte(inner)
	}
	if err := json.Unmarshal(data, &args); err != nil {
		return arguments{}
	}
	return args
}

// writeResult sends the always-200 tool result envelope.
func writeResult(w http.ResponseWriter, toolCallID, callID string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response{
		Results: []toolResult{{ToolCallID: toolCallID, Result: callID}},
	})
}
