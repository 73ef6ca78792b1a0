package server

import (
	"context"
	"net/http"

	"github.com/coder/websocket"

	"github.com/taliaworks/pipecat-bridge/internal/bridge"
	"github.com/taliaworks/pipecat-bridge/internal/observe"
)

// telephonyReadLimit allows for base64 media frames well above the
// library's 32 KiB default.
const telephonyReadLimit = 1 << 20

// handleTelephony upgrades GET /ws and runs one bridge session for the life
// of the connection. The handler blocks until the call ends; that is the
// normal shape of a media WebSocket.
func (s *Server) handleTelephony(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The telephony platform connects from rotating media gateways;
		// origin checks happen upstream at the ingress.
		InsecureSkipVerify: true,
	})
	if err != nil {
		observe.Logger(ctx).Error("telephony accept failed",
			"remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(telephonyReadLimit)

	session := bridge.NewSession(&telephonyConn{conn: conn},
		s.deps.Dialer, s.deps.Registry, s.deps.SessionOptions...)

	observe.Logger(ctx).Info("telephony connected",
		"session_id", session.ID, "remote", r.RemoteAddr)

	session.Run(ctx)
	conn.Close(websocket.StatusNormalClosure, "session closed")
}

// telephonyConn adapts a server-side websocket connection to
// [bridge.TelephonyConn]. Control frames are JSON text both ways.
type telephonyConn struct {
	conn *websocket.Conn
}

func (t *telephonyConn) ReadFrame(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *telephonyConn) WriteFrame(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}
