// Package agentlink maintains the client-side WebSocket to the voice agent.
//
// The agent leg carries raw 16-bit linear PCM at 16 kHz in both directions.
// A Link owns one connection: it URL-encodes the call parameters into the
// dial query, keeps the connection alive with periodic pings, pumps binary
// frames into a receive channel, and discards text frames after logging them
// as diagnostics. Transport failures close the receive channel and surface
// through Err; the bridge session decides what a failure means for the call.
package agentlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/taliaworks/pipecat-bridge/internal/observe"
)

// ErrTransport marks failures of the underlying WebSocket transport.
var ErrTransport = errors.New("agentlink: transport error")

// ErrClosed is returned by Send after Close has been called.
var ErrClosed = errors.New("agentlink: link closed")

// Keepalive and teardown bounds.
const (
	defaultPingInterval = 20 * time.Second
	defaultPingTimeout  = 10 * time.Second
	closeTimeout        = 10 * time.Second

	recvBuffer = 64
)

// Params are the call attributes passed to the agent in the dial query.
// Every value is URL-encoded; empty values are still sent so the agent sees
// a stable parameter set.
type Params struct {
	SessionID      string
	CallerPhone    string
	InteractionID  string
	StreamSID      string
	BusinessStatus string
}

// query renders the parameters as an encoded query string.
func (p Params) query() string {
	q := url.Values{}
	q.Set("session_id", p.SessionID)
	q.Set("caller_phone", p.CallerPhone)
	q.Set("interaction_id", p.InteractionID)
	q.Set("stream_sid", p.StreamSID)
	q.Set("business_status", p.BusinessStatus)
	return q.Encode()
}

// Option configures a Link at dial time.
type Option func(*Link)

// WithPingInterval overrides the keepalive ping interval. Mainly for tests.
func WithPingInterval(d time.Duration) Option {
	return func(l *Link) {
		if d > 0 {
			l.pingInterval = d
		}
	}
}

// WithPingTimeout overrides the per-ping deadline. Mainly for tests.
func WithPingTimeout(d time.Duration) Option {
	return func(l *Link) {
		if d > 0 {
			l.pingTimeout = d
		}
	}
}

// Link is one live agent connection. Safe for concurrent use; Close is
// idempotent.
type Link struct {
	conn *websocket.Conn
	recv chan []byte

	pingInterval time.Duration
	pingTimeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	errVal error
	closed bool

	closeOnce sync.Once
	pumps     sync.WaitGroup
}

// Dial opens the agent WebSocket at baseURL with the given call parameters.
// http and https schemes are rewritten to ws and wss. The returned Link is
// receiving immediately; the caller owns it and must Close it.
func Dial(ctx context.Context, baseURL string, params Params, opts ...Option) (*Link, error) {
	wsURL, err := buildURL(baseURL, params)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %v", ErrTransport, err)
	}
	observe.DefaultMetrics().AgentConnectDuration.Record(ctx, time.Since(start).Seconds())

	// Raw PCM frames are larger than the library's 32 KiB default.
	conn.SetReadLimit(1 << 20)

	linkCtx, linkCancel := context.WithCancel(context.Background())
	l := &Link{
		conn:         conn,
		recv:         make(chan []byte, recvBuffer),
		pingInterval: defaultPingInterval,
		pingTimeout:  defaultPingTimeout,
		ctx:          linkCtx,
		cancel:       linkCancel,
	}
	for _, o := range opts {
		o(l)
	}

	l.pumps.Add(2)
	go l.receiveLoop()
	go l.pingLoop()

	return l, nil
}

// buildURL normalizes the scheme and attaches the encoded call parameters.
func buildURL(baseURL string, params Params) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("agentlink: parse url %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("agentlink: unsupported scheme %q", u.Scheme)
	}
	u.RawQuery = params.query()
	return u.String(), nil
}

// receiveLoop owns the recv channel: it pumps binary frames into it and
// closes it when the connection goes away.
func (l *Link) receiveLoop() {
	defer l.pumps.Done()
	defer close(l.recv)

	for {
		typ, data, err := l.conn.Read(l.ctx)
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			l.setErr(fmt.Errorf("%w: read: %v", ErrTransport, err))
			return
		}

		if typ != websocket.MessageBinary {
			// Text frames from the agent are diagnostics, never audio.
			msg := string(data)
			if len(msg) > 200 {
				msg = msg[:200] + "…"
			}
			slog.Debug("agent diagnostic message", "message", strings.TrimSpace(msg))
			continue
		}

		select {
		case l.recv <- data:
		case <-l.ctx.Done():
			return
		}
	}
}

// pingLoop keeps the connection alive. A failed ping marks the link broken;
// the read side then observes the closed connection and shuts the channel.
func (l *Link) pingLoop() {
	defer l.pumps.Done()

	ticker := time.NewTicker(l.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(l.ctx, l.pingTimeout)
			err := l.conn.Ping(ctx)
			cancel()
			if err != nil {
				if l.ctx.Err() != nil {
					return
				}
				l.setErr(fmt.Errorf("%w: ping: %v", ErrTransport, err))
				l.conn.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

// Send writes one binary PCM frame to the agent.
func (l *Link) Send(ctx context.Context, pcm []byte) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if err := l.conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		if l.ctx.Err() != nil {
			return ErrClosed
		}
		l.setErr(fmt.Errorf("%w: write: %v", ErrTransport, err))
		return fmt.Errorf("%w: write: %v", ErrTransport, err)
	}
	return nil
}

// Receive returns the channel of inbound PCM frames. The channel is closed
// when the link shuts down for any reason; check Err afterwards to tell a
// clean close from a transport failure.
func (l *Link) Receive() <-chan []byte { return l.recv }

// Err returns the first transport error observed, or nil after a clean close.
func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.errVal
}

func (l *Link) setErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.errVal == nil {
		l.errVal = err
	}
}

// Close shuts the link down. Idempotent; bounded by closeTimeout.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()

		// Attempt a clean close handshake before cancelling the pumps.
		done := make(chan struct{})
		go func() {
			defer close(done)
			l.conn.Close(websocket.StatusNormalClosure, "session ended")
		}()
		select {
		case <-done:
		case <-time.After(closeTimeout):
		}

		l.cancel()
		l.pumps.Wait()
	})
	return nil
}
