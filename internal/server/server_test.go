package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/taliaworks/pipecat-bridge/internal/agentlink"
	"github.com/taliaworks/pipecat-bridge/internal/bridge"
	"github.com/taliaworks/pipecat-bridge/internal/flow"
	"github.com/taliaworks/pipecat-bridge/internal/health"
	"github.com/taliaworks/pipecat-bridge/internal/server"
	"github.com/taliaworks/pipecat-bridge/pkg/llm"
	"github.com/taliaworks/pipecat-bridge/pkg/llm/mock"
)

type harness struct {
	srv        *server.Server
	manager    *flow.Manager
	store      *flow.Store
	registry   *bridge.Registry
	provider   *mock.Provider
	escalation *recordingHandler
}

type recordingHandler struct {
	calls int
}

func (h *recordingHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	h.calls++
	w.WriteHeader(http.StatusOK)
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	provider := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "Certo, come posso aiutarti?"},
	}
	manager := flow.NewManager(provider, flow.NewGraph(flow.NewHandlers(nil, nil, nil, nil)),
		flow.WithToolTimeout(time.Second))

	h := &harness{
		manager:    manager,
		store:      flow.NewStore(),
		registry:   bridge.NewRegistry(),
		provider:   provider,
		escalation: &recordingHandler{},
	}

	dialer := func(context.Context, agentlink.Params) (bridge.AgentLink, error) {
		return nil, errors.New("no agent in test")
	}

	h.srv = server.New(server.Config{Addr: ":0"}, server.Deps{
		Registry:      h.registry,
		Dialer:        dialer,
		Escalation:    h.escalation,
		Flow:          manager,
		Conversations: h.store,
		Health:        health.New("pipecat-bridge"),
	})
	return h
}

func (h *harness) post(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestFlowTurn_ByStreamSID(t *testing.T) {
	h := newHarness(t)

	conv := h.manager.NewConversation(flow.ConversationInfo{
		SessionID: "sess-1",
		StreamSID: "MZ0001",
	})
	h.store.Put(conv)

	rec := h.post(t, "/flows/turn", `{"stream_sid": "MZ0001", "text": "ciao"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body)
	}

	var resp struct {
		Reply string `json:"reply"`
		Node  string `json:"node"`
		Done  bool   `json:"done"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Reply != "Certo, come posso aiutarti?" {
		t.Fatalf("reply = %q", resp.Reply)
	}
	if resp.Done {
		t.Fatal("greeting turn marked done")
	}
}

func TestFlowTurn_BySessionID(t *testing.T) {
	h := newHarness(t)

	conv := h.manager.NewConversation(flow.ConversationInfo{SessionID: "sess-2"})
	h.store.Put(conv)

	rec := h.post(t, "/flows/turn", `{"session_id": "sess-2", "text": "ciao"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body)
	}
}

func TestFlowTurn_UnknownConversation(t *testing.T) {
	h := newHarness(t)

	rec := h.post(t, "/flows/turn", `{"stream_sid": "MZ9999", "text": "ciao"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestFlowTurn_UndecodableBody(t *testing.T) {
	h := newHarness(t)

	rec := h.post(t, "/flows/turn", `{nope`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestEscalationRouteDelegates(t *testing.T) {
	h := newHarness(t)

	rec := h.post(t, "/escalation", `{}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if h.escalation.calls != 1 {
		t.Fatalf("escalation handler calls = %d, want 1", h.escalation.calls)
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)

	rec := h.get(t, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Status  string `json:"status"`
		Service string `json:"service"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Service != "pipecat-bridge" {
		t.Fatalf("body = %+v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)

	rec := h.get(t, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestTelephonyUpgradeAndClose(t *testing.T) {
	h := newHarness(t)

	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial /ws: %v", err)
	}

	// Closing the peer ends the session; the handler must return so the
	// test server can shut down without hanging.
	if err := conn.Close(websocket.StatusNormalClosure, "done"); err != nil {
		t.Fatalf("close: %v", err)
	}
}
