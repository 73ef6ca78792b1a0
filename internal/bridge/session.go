// Package bridge implements the per-call media bridge between the telephony
// platform and the voice agent.
//
// Each accepted telephony WebSocket becomes one Session. The session owns
// two forwarder goroutines — telephony→agent and agent→telephony — and a
// supervising loop. The inbound forwarder parses control frames, opens the
// agent link when the start event arrives, and pushes transcoded audio
// toward the agent. The outbound forwarder pumps agent PCM back to the
// telephony peer as base64 µ-law media frames with a strictly increasing
// chunk counter. Escalation to a human operator walks the session through
// Escalating → AgentClosed → Closing and ends with a stop frame carrying the
// operator ring group.
//
// Exactly one goroutine performs each state transition; all transitions go
// through the session's internal mutex and readers observe the state via an
// atomic load. No error escapes Run: failures are converted to state
// transitions and the session always ends Closed.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/taliaworks/pipecat-bridge/internal/agentlink"
	"github.com/taliaworks/pipecat-bridge/internal/observe"
	"github.com/taliaworks/pipecat-bridge/pkg/audio"
	"github.com/taliaworks/pipecat-bridge/pkg/mediastream"
)

// Supervision and escalation timing.
const (
	supervisorTick = time.Second
	suspendPoll    = 100 * time.Millisecond

	// defaultPhasePause separates closing the agent link from declaring the
	// agent gone, giving in-flight agent audio time to settle.
	defaultPhasePause = 2 * time.Second
)

// TelephonyConn is the server-side telephony WebSocket as the session sees
// it: whole text frames in, whole text frames out. Implementations must be
// safe for one concurrent reader and one concurrent writer.
type TelephonyConn interface {
	// ReadFrame returns the next control frame from the peer.
	ReadFrame(ctx context.Context) ([]byte, error)

	// WriteFrame sends one control frame to the peer.
	WriteFrame(ctx context.Context, data []byte) error
}

// AgentLink is the client-side voice-agent connection. Implemented by
// [agentlink.Link]; tests substitute a scripted double.
type AgentLink interface {
	Send(ctx context.Context, pcm []byte) error
	Receive() <-chan []byte
	Err() error
	Close() error
}

// AgentDialer opens an agent link for a starting session.
type AgentDialer func(ctx context.Context, params agentlink.Params) (AgentLink, error)

// StartInfo carries the call attributes extracted from the start event.
type StartInfo struct {
	SessionID      string
	StreamSID      string
	InteractionID  string
	CallerPhone    string
	BusinessStatus mediastream.BusinessStatus
}

// Hooks receives session lifecycle notifications. SessionStarted fires once
// after the start event is processed and the agent link is open; it must not
// block for long and must not fail the session. SessionEnded fires once
// during teardown for sessions that started.
type Hooks interface {
	SessionStarted(ctx context.Context, info StartInfo)
	SessionEnded(ctx context.Context, info StartInfo, framesIn, framesOut int64)
}

// NopHooks is a Hooks implementation that does nothing.
type NopHooks struct{}

func (NopHooks) SessionStarted(context.Context, StartInfo)             {}
func (NopHooks) SessionEnded(context.Context, StartInfo, int64, int64) {}

// Session is one live call bridge. Created by the telephony accept handler,
// driven by Run, reached out-of-band through the Registry.
type Session struct {
	// ID is the session UUID assigned at telephony accept.
	ID string

	conn     TelephonyConn
	dial     AgentDialer
	registry *Registry
	hooks    Hooks
	metrics  *observe.Metrics

	phasePause time.Duration

	state   atomic.Int32
	stateMu sync.Mutex

	mu    sync.Mutex
	agent AgentLink
	info  StartInfo

	// buffer is owned by the inbound forwarder; no locking.
	buffer frameBuffer

	chunk     atomic.Int64
	framesIn  atomic.Int64
	framesOut atomic.Int64

	agentReady chan struct{}
	cancelRun  context.CancelFunc
	termOnce   sync.Once
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithHooks installs lifecycle hooks (stats recording, flow conversation
// management).
func WithHooks(h Hooks) SessionOption {
	return func(s *Session) {
		if h != nil {
			s.hooks = h
		}
	}
}

// WithMetrics overrides the metrics sink; mainly for tests.
func WithMetrics(m *observe.Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// WithPhasePause overrides the escalation inter-phase pause. Mainly for
// tests; the default is two seconds.
func WithPhasePause(d time.Duration) SessionOption {
	return func(s *Session) {
		if d >= 0 {
			s.phasePause = d
		}
	}
}

// NewSession creates a session over an accepted telephony connection. The
// agent link is not opened until the start event arrives.
func NewSession(conn TelephonyConn, dial AgentDialer, registry *Registry, opts ...SessionOption) *Session {
	s := &Session{
		ID:         uuid.NewString(),
		conn:       conn,
		dial:       dial,
		registry:   registry,
		hooks:      NopHooks{},
		phasePause: defaultPhasePause,
		agentReady: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// State returns the current bridge state.
func (s *Session) State() State { return State(s.state.Load()) }

// StreamSID returns the telephony stream identifier, or "" before start.
func (s *Session) StreamSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.StreamSID
}

// Info returns the start-event attributes. Zero before the start event.
func (s *Session) Info() StartInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Frames returns the number of media frames forwarded in each direction.
func (s *Session) Frames() (in, out int64) {
	return s.framesIn.Load(), s.framesOut.Load()
}

func (s *Session) agentLink() AgentLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent
}

// transition moves from exactly `from` to `to`. Returns false without
// mutating when the session is in any other state.
func (s *Session) transition(from, to State) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if State(s.state.Load()) != from {
		return false
	}
	s.state.Store(int32(to))
	return true
}

// advance moves forward to `to` if that is a progression; backward moves are
// ignored so teardown paths can race safely.
func (s *Session) advance(to State) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if cur := State(s.state.Load()); to > cur {
		s.state.Store(int32(to))
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run drives the session until it ends: it spawns the two forwarders,
// supervises them, and tears everything down. It always leaves the session
// Closed and never returns an error to the caller — failures are logged and
// absorbed here.
func (s *Session) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancelRun = cancel
	s.mu.Unlock()

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	log := observe.Logger(ctx).With("session_id", s.ID)
	log.Info("bridge session started")

	inDone := make(chan error, 1)
	outDone := make(chan error, 1)
	go func() { inDone <- s.inboundLoop(runCtx) }()
	go func() { outDone <- s.outboundLoop(runCtx) }()

	tick := time.NewTicker(supervisorTick)
	defer tick.Stop()

	var firstErr error
	for remaining := 2; remaining > 0; {
		select {
		case err := <-inDone:
			inDone = nil
			remaining--
			if err != nil && firstErr == nil {
				firstErr = err
			}
			cancel()
		case err := <-outDone:
			outDone = nil
			remaining--
			if err != nil && firstErr == nil {
				firstErr = err
			}
			cancel()
		case <-tick.C:
			// A state change from outside (Terminate, escalation completion
			// racing a quiet line) must still unwind the forwarders.
			if s.State() >= StateClosing {
				cancel()
			}
		}
	}

	s.teardown(ctx, firstErr, log)
}

// teardown closes both legs, deregisters, notifies hooks, and settles the
// final state.
func (s *Session) teardown(ctx context.Context, runErr error, log *slog.Logger) {
	if runErr != nil {
		s.advance(StateError)
		s.metrics.SessionErrors.Add(context.WithoutCancel(ctx), 1)
		log.Error("bridge session failed", "state", s.State().String(), "error", runErr)
	} else {
		s.advance(StateClosing)
	}

	s.closeAgent()
	s.registry.Remove(s)

	info := s.Info()
	if info.StreamSID != "" {
		endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		s.hooks.SessionEnded(endCtx, info, s.framesIn.Load(), s.framesOut.Load())
		cancel()
	}

	s.stateMu.Lock()
	s.state.Store(int32(StateClosed))
	s.stateMu.Unlock()

	in, out := s.Frames()
	log.Info("bridge session closed", "frames_in", in, "frames_out", out)
}

// closeAgent closes the agent link if one is open. Safe to call repeatedly.
func (s *Session) closeAgent() {
	if link := s.agentLink(); link != nil {
		_ = link.Close()
	}
}

// Terminate forces the session toward teardown. Used by Registry.CloseAll
// during server shutdown. Idempotent.
func (s *Session) Terminate() {
	s.termOnce.Do(func() {
		s.advance(StateClosing)
		s.mu.Lock()
		cancel := s.cancelRun
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

// ─── Inbound forwarder ───────────────────────────────────────────────────────

// inboundLoop processes telephony control frames in peer order until stop,
// peer disconnect, or cancellation.
func (s *Session) inboundLoop(ctx context.Context) error {
	for {
		data, err := s.conn.ReadFrame(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case s.State() >= StateEscalating:
				// Expected once the stop frame has routed the call away.
				return nil
			case s.State() == StateActive:
				return fmt.Errorf("%w: %v", ErrPeerGone, err)
			default:
				return nil
			}
		}

		env, err := mediastream.ParseEnvelope(data)
		if err != nil {
			s.metrics.ProtocolErrors.Add(ctx, 1)
			observe.Logger(ctx).Warn("dropping malformed control frame",
				"session_id", s.ID, "error", err)
			continue
		}

		switch env.Event {
		case mediastream.EventStart:
			if err := s.handleStart(ctx, env); err != nil {
				return err
			}
		case mediastream.EventMedia:
			s.handleInboundMedia(ctx, env.Media)
		case mediastream.EventStop:
			observe.Logger(ctx).Info("telephony stop received", "session_id", s.ID)
			return nil
		default:
			// connected and any future events carry nothing for the bridge.
		}
	}
}

// handleStart extracts the call attributes, opens the agent link, flips the
// session Active, flushes the pre-start buffer, and registers the session.
func (s *Session) handleStart(ctx context.Context, env *mediastream.Envelope) error {
	if s.State() != StateWaitingStart {
		observe.Logger(ctx).Warn("duplicate start event ignored", "session_id", s.ID)
		return nil
	}
	if env.Start == nil {
		s.metrics.ProtocolErrors.Add(ctx, 1)
		observe.Logger(ctx).Warn("start event without payload ignored", "session_id", s.ID)
		return nil
	}

	streamSID := env.StreamSID
	if streamSID == "" {
		streamSID = env.Start.StreamSID
	}
	info := StartInfo{
		SessionID:      s.ID,
		StreamSID:      streamSID,
		InteractionID:  env.Start.InteractionID(),
		CallerPhone:    env.Start.CallerID(),
		BusinessStatus: mediastream.ParseBusinessStatus(env.Start.BusinessHours()),
	}

	link, err := s.dial(ctx, agentlink.Params{
		SessionID:      s.ID,
		CallerPhone:    info.CallerPhone,
		InteractionID:  info.InteractionID,
		StreamSID:      info.StreamSID,
		BusinessStatus: string(info.BusinessStatus),
	})
	if err != nil {
		return fmt.Errorf("bridge: open agent link: %w", err)
	}

	s.mu.Lock()
	s.agent = link
	s.info = info
	s.mu.Unlock()

	s.transition(StateWaitingStart, StateActive)

	// Flush audio that arrived while the agent link was being opened.
	for _, frame := range s.buffer.drain() {
		if err := link.Send(ctx, frame); err != nil {
			s.metrics.RecordDroppedFrame(ctx, "agent_write")
			break
		}
		s.framesIn.Add(1)
		s.metrics.InboundFrames.Add(ctx, 1)
	}

	s.registry.Insert(s)
	close(s.agentReady)

	s.hooks.SessionStarted(ctx, info)

	observe.Logger(ctx).Info("bridge active",
		"session_id", s.ID,
		"stream_sid", info.StreamSID,
		"interaction_id", info.InteractionID,
		"business_status", info.BusinessStatus)
	return nil
}

// handleInboundMedia transcodes one telephony frame and forwards or buffers
// it depending on the state. All failures drop the frame; nothing here ends
// the session.
func (s *Session) handleInboundMedia(ctx context.Context, m *mediastream.MediaPayload) {
	if m == nil || m.Track != mediastream.TrackInbound {
		return
	}

	ulaw, err := m.DecodePayload()
	if err != nil {
		s.metrics.ProtocolErrors.Add(ctx, 1)
		return
	}
	pcm := audio.DecodeInbound(ulaw)
	if len(pcm) == 0 {
		if len(ulaw) > 0 {
			s.metrics.RecordTranscodeFailure(ctx, "inbound")
		}
		return
	}

	switch s.State() {
	case StateActive:
		link := s.agentLink()
		if link == nil {
			s.metrics.RecordDroppedFrame(ctx, "no_agent")
			return
		}
		if err := link.Send(ctx, pcm); err != nil {
			s.metrics.RecordDroppedFrame(ctx, "agent_write")
			return
		}
		s.framesIn.Add(1)
		s.metrics.InboundFrames.Add(ctx, 1)

	case StateWaitingStart:
		if s.buffer.push(pcm) {
			s.metrics.RecordDroppedFrame(ctx, "buffer_overflow")
		}

	default:
		s.metrics.RecordDroppedFrame(ctx, "not_active")
	}
}

// ─── Outbound forwarder ──────────────────────────────────────────────────────

// outboundLoop pumps agent PCM to the telephony peer. It suspends without
// exiting while the session escalates and exits once the session is closing
// or the agent disconnects during active bridging.
func (s *Session) outboundLoop(ctx context.Context) error {
	select {
	case <-s.agentReady:
	case <-ctx.Done():
		return nil
	}
	link := s.agentLink()

	poll := time.NewTicker(suspendPoll)
	defer poll.Stop()

	for {
		switch st := s.State(); {
		case st >= StateClosing:
			return nil
		case st == StateEscalating || st == StateAgentClosed:
			select {
			case <-ctx.Done():
				return nil
			case <-poll.C:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case pcm, ok := <-link.Receive():
			if !ok {
				return s.agentGone(ctx, poll)
			}
			s.sendOutbound(ctx, pcm)
		}
	}
}

// agentGone handles the agent receive channel closing. During active
// bridging that ends the session (a transport error, if any, is surfaced);
// during escalation it is the expected result of closing the link, so the
// forwarder parks until the session starts closing.
func (s *Session) agentGone(ctx context.Context, poll *time.Ticker) error {
	if s.State() == StateActive {
		link := s.agentLink()
		if err := link.Err(); err != nil {
			return fmt.Errorf("bridge: agent link: %w", err)
		}
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-poll.C:
			if s.State() >= StateClosing {
				return nil
			}
		}
	}
}

// sendOutbound transcodes one agent frame and writes it toward the telephony
// peer with the next chunk index and the current timestamp.
func (s *Session) sendOutbound(ctx context.Context, pcm []byte) {
	ulaw, err := audio.EncodeOutbound(pcm)
	if err != nil || len(ulaw) == 0 {
		s.metrics.RecordTranscodeFailure(ctx, "outbound")
		return
	}

	env := mediastream.NewOutboundMedia(s.StreamSID(), s.chunk.Add(1), time.Now(), ulaw)
	data, err := json.Marshal(env)
	if err != nil {
		s.metrics.RecordDroppedFrame(ctx, "encode")
		return
	}
	if err := s.conn.WriteFrame(ctx, data); err != nil {
		s.metrics.RecordDroppedFrame(ctx, "peer_write")
		return
	}
	s.framesOut.Add(1)
	s.metrics.OutboundFrames.Add(ctx, 1)
}

// ─── Escalation ──────────────────────────────────────────────────────────────

// StartEscalation begins the phased handoff to a human operator. It requires
// an Active session: the agent link is closed, the session waits one phase
// pause for in-flight audio to settle, then moves to AgentClosed.
func (s *Session) StartEscalation(ctx context.Context) error {
	if !s.transition(StateActive, StateEscalating) {
		return fmt.Errorf("%w: start escalation in %s", ErrBadState, s.State())
	}
	observe.Logger(ctx).Info("escalation started",
		"session_id", s.ID, "stream_sid", s.StreamSID())

	s.closeAgent()

	select {
	case <-time.After(s.phasePause):
	case <-ctx.Done():
	}

	s.transition(StateEscalating, StateAgentClosed)
	return nil
}

// CompleteEscalation writes the final stop frame carrying the operator ring
// group and moves the session to Closing. Valid only in the escalation
// phases.
func (s *Session) CompleteEscalation(ctx context.Context, ringGroup string) error {
	if st := s.State(); st != StateEscalating && st != StateAgentClosed {
		return fmt.Errorf("%w: complete escalation in %s", ErrBadState, st)
	}

	env := mediastream.NewEscalationStop(s.StreamSID(), ringGroup)
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bridge: encode stop frame: %w", err)
	}
	if err := s.conn.WriteFrame(ctx, data); err != nil {
		return fmt.Errorf("%w: write stop frame: %v", ErrPeerGone, err)
	}

	s.advance(StateClosing)
	observe.Logger(ctx).Info("escalation stop frame sent",
		"session_id", s.ID, "ring_group", ringGroup)
	return nil
}
