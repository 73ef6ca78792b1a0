package app

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	bookingmock "github.com/taliaworks/pipecat-bridge/internal/booking/mock"
	"github.com/taliaworks/pipecat-bridge/internal/bridge"
	"github.com/taliaworks/pipecat-bridge/internal/config"
	"github.com/taliaworks/pipecat-bridge/internal/search"
	"github.com/taliaworks/pipecat-bridge/internal/stats"
	"github.com/taliaworks/pipecat-bridge/pkg/llm"
	llmmock "github.com/taliaworks/pipecat-bridge/pkg/llm/mock"
	"github.com/taliaworks/pipecat-bridge/pkg/mediastream"
)

var _ stats.DB = (*fakeDB)(nil)

// fakeDB records executed SQL; reads are never exercised by the writer.
type fakeDB struct {
	execSQL []string
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }

func (f *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	return pgconn.CommandTag{}, nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Agent.URL = "ws://agent:7860/ws"
	cfg.Booking.BaseURL = "https://booking.example.com/api"
	return cfg
}

func newTestApp(t *testing.T, opts ...Option) *App {
	t.Helper()

	catalog := search.NewCatalog([]search.Service{
		{UUID: "svc-1", Name: "Prelievo sangue", Code: "PS01"},
	})
	base := []Option{
		WithSearcher(catalog),
		WithBookingClient(&bookingmock.Client{}),
		WithLLMProvider(&llmmock.Provider{
			CompleteResponse: &llm.CompletionResponse{Content: "ciao"},
		}),
	}

	a, err := New(context.Background(), testConfig(), config.NewRegistry(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func TestNew_WiresSubsystems(t *testing.T) {
	a := newTestApp(t, WithStatsDB(&fakeDB{}))

	if a.manager == nil || a.convs == nil || a.registry == nil || a.srv == nil {
		t.Fatal("core subsystems not wired")
	}
	if a.orch == nil || a.infoDesk == nil {
		t.Fatal("booking orchestrator or info desk not wired")
	}
	if a.writer == nil {
		t.Fatal("stats writer not created from injected db")
	}
}

func TestNew_StatsOptionalWithoutDatabase(t *testing.T) {
	a := newTestApp(t)

	if a.writer != nil {
		t.Fatal("stats writer created without a configured database")
	}
}

func TestNew_RequiresLLMProvider(t *testing.T) {
	cfg := testConfig()

	_, err := New(context.Background(), cfg, config.NewRegistry(),
		WithSearcher(search.NewCatalog(nil)),
		WithBookingClient(&bookingmock.Client{}))
	if err == nil {
		t.Fatal("New succeeded without an LLM provider")
	}
}

func TestLifecycleHooks_OpenAndCloseConversation(t *testing.T) {
	db := &fakeDB{}
	a := newTestApp(t, WithStatsDB(db))
	base := len(db.execSQL) // migration runs during New

	hooks := &lifecycleHooks{writer: a.writer, manager: a.manager, convs: a.convs}
	info := bridge.StartInfo{
		SessionID:      "sess-1",
		StreamSID:      "MZ0001",
		InteractionID:  "call-1",
		CallerPhone:    "+39 333 111 2222",
		BusinessStatus: mediastream.StatusOpen,
	}

	hooks.SessionStarted(context.Background(), info)

	conv := a.convs.Lookup("MZ0001")
	if conv == nil {
		t.Fatal("conversation not registered on session start")
	}
	if conv.CallerPhone != "+39 333 111 2222" {
		t.Fatalf("caller phone = %q", conv.CallerPhone)
	}
	if len(db.execSQL) != base+1 || !strings.Contains(db.execSQL[base], "INSERT INTO call_stats") {
		t.Fatalf("start insert not recorded: %v", db.execSQL)
	}

	hooks.SessionEnded(context.Background(), info, 100, 98)

	if a.convs.Lookup("MZ0001") != nil {
		t.Fatal("conversation still registered after session end")
	}
	if len(db.execSQL) != base+2 || !strings.Contains(db.execSQL[base+1], "UPDATE call_stats") {
		t.Fatalf("finish update not recorded: %v", db.execSQL)
	}
}

func TestCallID_FallsBackToSessionID(t *testing.T) {
	if got := callID(bridge.StartInfo{SessionID: "sess-1"}); got != "sess-1" {
		t.Fatalf("callID = %q, want sess-1", got)
	}
	if got := callID(bridge.StartInfo{SessionID: "sess-1", InteractionID: "call-7"}); got != "call-7" {
		t.Fatalf("callID = %q, want call-7", got)
	}
}
