package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/taliaworks/pipecat-bridge/internal/flow"
	"github.com/taliaworks/pipecat-bridge/internal/observe"
)

// turnRequest is the flow webhook body. The platform identifies the call by
// stream SID on media-attached turns and by session ID otherwise; either key
// resolves.
type turnRequest struct {
	SessionID string `json:"session_id"`
	StreamSID string `json:"stream_sid"`
	Text      string `json:"text"`
}

// turnResponse carries the assistant reply back to the platform.
type turnResponse struct {
	Reply string `json:"reply"`
	Node  string `json:"node"`
	Done  bool   `json:"done"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleFlowTurn serves POST /flows/turn: one user utterance in, one
// assistant reply out.
func (s *Server) handleFlowTurn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "undecodable body"})
		return
	}

	conv := s.lookupConversation(req)
	if conv == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown conversation"})
		return
	}

	result, err := s.deps.Flow.Turn(ctx, conv, req.Text)
	switch {
	case errors.Is(err, flow.ErrConversationDone):
		// The call already reached a terminal node; report it as done
		// rather than failing the webhook.
		writeJSON(w, http.StatusOK, turnResponse{Node: result.Node, Done: true})
	case err != nil:
		observe.Logger(ctx).Error("flow turn failed",
			"session_id", conv.SessionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "turn failed"})
	default:
		writeJSON(w, http.StatusOK, turnResponse{
			Reply: result.Reply,
			Node:  result.Node,
			Done:  result.Done,
		})
	}
}

// lookupConversation resolves the conversation by stream SID first, session
// ID second.
func (s *Server) lookupConversation(req turnRequest) *flow.Conversation {
	if req.StreamSID != "" {
		if conv := s.deps.Conversations.Lookup(req.StreamSID); conv != nil {
			return conv
		}
	}
	if req.SessionID != "" {
		return s.deps.Conversations.LookupSession(req.SessionID)
	}
	return nil
}

// writeJSON encodes v with the given status. Encoding failures have already
// committed the status line, so they are only logged.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("response encode failed", "error", err)
	}
}
