package flow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/taliaworks/pipecat-bridge/internal/booking"
	bookingmock "github.com/taliaworks/pipecat-bridge/internal/booking/mock"
	"github.com/taliaworks/pipecat-bridge/internal/flow"
	"github.com/taliaworks/pipecat-bridge/internal/knowledge"
	"github.com/taliaworks/pipecat-bridge/internal/resilience"
	"github.com/taliaworks/pipecat-bridge/internal/search"
	"github.com/taliaworks/pipecat-bridge/pkg/llm"
	llmmock "github.com/taliaworks/pipecat-bridge/pkg/llm/mock"
	"github.com/taliaworks/pipecat-bridge/pkg/mediastream"
)

// toolCall scripts a model response that invokes tools.
func toolCall(calls ...llm.ToolCall) *llm.CompletionResponse {
	return &llm.CompletionResponse{ToolCalls: calls}
}

// say scripts a plain-text model response.
func say(text string) *llm.CompletionResponse {
	return &llm.CompletionResponse{Content: text}
}

func tc(name, arguments string) llm.ToolCall {
	return llm.ToolCall{ID: "tc-" + name, Name: name, Arguments: arguments}
}

type managerHarness struct {
	provider *llmmock.Provider
	backend  *bookingmock.Client
	manager  *flow.Manager
	conv     *flow.Conversation
}

func newManagerHarness(t *testing.T, status mediastream.BusinessStatus) *managerHarness {
	t.Helper()

	catalog := search.NewCatalog([]search.Service{
		{UUID: "svc-rx", Name: "Radiografia caviglia", Code: "RX01", Synonyms: []string{"rx caviglia"}},
		{UUID: "svc-ecg", Name: "Elettrocardiogramma", Code: "ECG1"},
	})
	backend := &bookingmock.Client{
		SortResponse: &booking.SortResponse{Groups: []booking.ServiceGroup{
			{Services: []booking.HealthService{{UUID: "svc-rx", Name: "Radiografia caviglia"}}, IsGroup: false},
		}},
		Slots: []booking.Slot{
			{UUID: "slot-1", StartTime: "2026-09-01T09:00:00Z", Price: 55},
			{UUID: "slot-2", StartTime: "2026-09-01T11:30:00Z", Price: 55},
		},
		Centers: []booking.HealthCenter{
			{UUID: "ctr-1", Name: "Centro Torino Lingotto", Address: "Via Nizza 230", City: "Torino"},
		},
		Confirmation: &booking.BookingConfirmation{BookingUUID: "bk-2026"},
	}
	orch := booking.NewOrchestrator(backend, booking.WithCommitRetry(resilience.RetryConfig{
		Name:     "test-commit",
		Attempts: 2,
		Delay:    time.Millisecond,
	}))

	provider := &llmmock.Provider{}
	handlers := flow.NewHandlers(catalog, orch, knowledge.NewAgent(provider, "", nil), nil)
	manager := flow.NewManager(provider, flow.NewGraph(handlers), flow.WithToolTimeout(time.Second))

	conv := manager.NewConversation(flow.ConversationInfo{
		SessionID:      "sess-1",
		StreamSID:      "MZ0001",
		CallerPhone:    "+393330001111",
		BusinessStatus: status,
	})
	return &managerHarness{provider: provider, backend: backend, manager: manager, conv: conv}
}

func (h *managerHarness) turn(t *testing.T, text string) flow.TurnResult {
	t.Helper()
	res, err := h.manager.Turn(context.Background(), h.conv, text)
	if err != nil {
		t.Fatalf("Turn(%q) at node %s: %v", text, h.conv.Node(), err)
	}
	return res
}

// ─── End-to-end scenarios ────────────────────────────────────────────────────

func TestHappyBooking_EndToEnd(t *testing.T) {
	t.Parallel()

	h := newManagerHarness(t, mediastream.StatusOpen)

	// Each pair is one user turn: the model first calls tools, then speaks.
	h.provider.CompleteQueue = []*llm.CompletionResponse{
		// 1. the caller names the exact service: autoselect into address
		toolCall(tc("start_booking", `{"service":"radiografia caviglia"}`)),
		say("In quale città preferisci fare l'esame?"),
		// 2-4. patient info
		toolCall(tc("collect_address", `{"address":"Torino"}`)),
		say("Sei un uomo o una donna?"),
		toolCall(tc("collect_gender", `{"gender":"M"}`)),
		say("Qual è la tua data di nascita?"),
		toolCall(tc("collect_dob", `{"dob":"1990-05-01"}`)),
		say("Confermi i dati?"),
		// 5. verification (no directory match: backend Patient is nil)
		toolCall(tc("verify_patient_info", `{"confirmed":true}`)),
		say("In quale centro vuoi prenotare?"),
		// 6. center search + selection in one model response
		toolCall(
			tc("search_centers", `{"city":"Torino"}`),
			tc("select_center", `{"index":1}`),
		),
		say("Hai la carta fedeltà?"),
		// 7-8. loyalty card and scheduling
		toolCall(tc("cerba_card", `{"has_card":false}`)),
		say("Quando preferisci l'appuntamento?"),
		toolCall(tc("collect_datetime", `{"date":"2026-09-01","time_of_day":"mattina"}`)),
		say("Ho due orari: le 9 e le 11 e mezza."),
		// 9. slot choice → summary (context reset)
		toolCall(tc("select_slot", `{"index":1}`)),
		say("Riepilogo: radiografia caviglia, Torino Lingotto, 1 settembre alle 9. Confermi?"),
		// 10. summary confirmed → detail collection
		toolCall(tc("confirm_summary", `{"confirmed":true}`)),
		say("Come ti chiami?"),
		toolCall(tc("collect_name", `{"name":"Mario"}`)),
		say("E il cognome?"),
		toolCall(tc("collect_surname", `{"surname":"Rossi"}`)),
		say("Posso usare il numero da cui chiami?"),
		// 11. caller-ID affirmation skips the phone confirmation node
		toolCall(tc("collect_phone", `{"phone":"sì"}`)),
		say("Vuoi ricevere il promemoria?"),
		toolCall(tc("reminder_authorization", `{"authorized":true}`)),
		say("E le comunicazioni promozionali?"),
		toolCall(tc("marketing_authorization", `{"authorized":false}`)),
		say("Confermi la prenotazione?"),
		// 12. final confirmation commits the booking
		toolCall(tc("confirm_details_and_create_booking", `{"confirmed":true}`)),
		say("Prenotazione confermata. Ricorda di portare un documento."),
	}

	h.turn(t, "vorrei prenotare una radiografia alla caviglia")
	h.turn(t, "a Torino")
	h.turn(t, "uomo")
	h.turn(t, "primo maggio novanta")
	h.turn(t, "sì, confermo")
	h.turn(t, "va bene il primo")
	h.turn(t, "no, niente carta")
	h.turn(t, "il primo settembre di mattina")
	h.turn(t, "alle nove")
	h.turn(t, "confermo")
	h.turn(t, "Mario")
	h.turn(t, "Rossi")
	h.turn(t, "sì")
	h.turn(t, "sì al promemoria")
	h.turn(t, "no alle promozioni")
	final := h.turn(t, "confermo tutto")

	if !final.Done {
		t.Error("conversation not marked done after booking success")
	}
	if final.Node != flow.NodeBookingSuccess {
		t.Errorf("final node = %q, want %q", final.Node, flow.NodeBookingSuccess)
	}

	if len(h.backend.CreateCalls) != 1 {
		t.Fatalf("CreateBooking called %d times, want 1", len(h.backend.CreateCalls))
	}
	req := h.backend.CreateCalls[0]
	if req.CenterUUID != "ctr-1" {
		t.Errorf("center = %q, want ctr-1", req.CenterUUID)
	}
	if len(req.Items) != 1 || req.Items[0].SlotUUID != "slot-1" {
		t.Errorf("items = %+v, want svc-rx into slot-1", req.Items)
	}
	if req.Patient.Name != "MARIO" || req.Patient.Surname != "ROSSI" {
		t.Errorf("patient = %+v, want uppercased new-patient payload", req.Patient)
	}
	if req.Patient.Phone != "393330001111" {
		t.Errorf("phone = %q, want caller-ID digits", req.Patient.Phone)
	}
	if !req.ReminderAuth || req.MarketingAuth {
		t.Errorf("authorizations = %v/%v, want true/false", req.ReminderAuth, req.MarketingAuth)
	}
}

func TestTransferRequest_RoutesToTransferNode(t *testing.T) {
	t.Parallel()

	h := newManagerHarness(t, mediastream.StatusOpen)
	h.provider.CompleteQueue = []*llm.CompletionResponse{
		toolCall(tc("request_transfer", `{"reason":"vuole un operatore"}`)),
		say("Ti metto in contatto con un operatore, resta in linea."),
	}

	res := h.turn(t, "voglio parlare con una persona")

	if res.Node != flow.NodeTransfer {
		t.Errorf("node = %q, want %q", res.Node, flow.NodeTransfer)
	}
	if !res.Done {
		t.Error("transfer must mark the conversation done")
	}
}

func TestTransferRequest_RefusedWhenClosed(t *testing.T) {
	t.Parallel()

	h := newManagerHarness(t, mediastream.StatusClosed)
	h.provider.CompleteQueue = []*llm.CompletionResponse{
		toolCall(tc("request_transfer", `{}`)),
		say("Al momento gli operatori non sono disponibili, posso aiutarti io."),
	}

	res := h.turn(t, "passami un operatore")

	// Outside business hours the transfer is refused: the conversation stays
	// on the informational and booking paths.
	if res.Node == flow.NodeTransfer {
		t.Error("transfer must be refused when the business is closed")
	}
	if res.Done {
		t.Error("refused transfer must not end the conversation")
	}

	// The counters were reset: a booking can still proceed.
	h.provider.CompleteQueue = []*llm.CompletionResponse{
		toolCall(tc("start_booking", `{}`)),
		say("Quale prestazione vuoi prenotare?"),
	}
	res = h.turn(t, "allora vorrei prenotare")
	if res.Node != flow.NodeServiceSearch {
		t.Errorf("node = %q, want booking path to stay available", res.Node)
	}
}

func TestKnowledgeGap_SingleFailureTransfers(t *testing.T) {
	t.Parallel()

	h := newManagerHarness(t, mediastream.StatusOpen)
	h.provider.CompleteQueue = []*llm.CompletionResponse{
		// The tool round asks the info desk, which declares the gap...
		toolCall(tc("knowledge_base_new", `{"question":"Fate trapianti?"}`)),
		// ...the nested knowledge.Ask call consumes this entry...
		say("NON_DISPONIBILE"),
		// ...and the next round speaks from the transfer node.
		say("Per questa domanda ti passo un operatore."),
	}

	res := h.turn(t, "fate trapianti di organi?")

	if res.Node != flow.NodeTransfer {
		t.Errorf("node = %q, want transfer after one knowledge gap", res.Node)
	}
}

func TestTechnicalFailures_ThresholdIsThree(t *testing.T) {
	t.Parallel()

	h := newManagerHarness(t, mediastream.StatusOpen)
	h.backend.SlotsErr = errors.New("slot backend down")

	sched := func() *llm.CompletionResponse {
		return toolCall(tc("collect_datetime", `{"date":"2026-09-01"}`))
	}
	h.provider.CompleteQueue = []*llm.CompletionResponse{
		toolCall(tc("start_booking", `{"service":"radiografia caviglia"}`)),
		say("In quale città?"),
		toolCall(tc("call_graph", `{"destination":"collect_datetime"}`)),
		say("Quando preferisci l'appuntamento?"),
		sched(), say("Riprovo tra un attimo."),
		sched(), say("Ancora problemi, riprovo."),
	}
	h.turn(t, "una radiografia caviglia")
	h.turn(t, "andiamo agli orari")

	if res := h.turn(t, "il primo settembre"); res.Node == flow.NodeTransfer {
		t.Fatal("one technical failure must not transfer")
	}
	if res := h.turn(t, "riprova"); res.Node == flow.NodeTransfer {
		t.Fatal("two technical failures must not transfer")
	}

	h.provider.CompleteQueue = []*llm.CompletionResponse{
		sched(),
		say("Ti passo un operatore per completare la prenotazione."),
	}
	if res := h.turn(t, "riprova ancora"); res.Node != flow.NodeTransfer {
		t.Errorf("node = %q, want transfer after the third technical failure", res.Node)
	}
}

func TestBookingSummary_ResetsContext(t *testing.T) {
	t.Parallel()

	h := newManagerHarness(t, mediastream.StatusOpen)
	h.provider.CompleteQueue = []*llm.CompletionResponse{
		toolCall(tc("start_booking", `{"service":"radiografia caviglia"}`)),
		say("In quale città?"),
	}
	h.turn(t, "una radiografia caviglia")

	// Jump the conversation to slot selection state and select: entering the
	// summary node must drop the accumulated history.
	h.provider.CompleteQueue = []*llm.CompletionResponse{
		toolCall(tc("call_graph", `{"destination":"collect_datetime"}`)),
		say("Quando preferisci?"),
		toolCall(tc("collect_datetime", `{"date":"2026-09-01"}`)),
		say("Ho due orari disponibili."),
		toolCall(tc("select_slot", `{"index":1}`)),
		say("Ecco il riepilogo della prenotazione."),
	}
	h.turn(t, "andiamo avanti")
	h.turn(t, "il primo settembre")
	res := h.turn(t, "il primo orario")

	if res.Node != flow.NodeBookingSummary {
		t.Fatalf("node = %q, want %q", res.Node, flow.NodeBookingSummary)
	}

	// The next completion request starts from a clean history: only the new
	// user message and the assistant reply of the reset node's turn.
	h.provider.CompleteQueue = []*llm.CompletionResponse{say("Confermi il riepilogo?")}
	h.turn(t, "sì?")
	last := h.provider.CompleteCalls[len(h.provider.CompleteCalls)-1]
	if len(last.Req.Messages) > 2 {
		t.Errorf("history after reset carries %d messages, want the fresh turn only", len(last.Req.Messages))
	}
}

func TestTurn_AfterDoneReturnsError(t *testing.T) {
	t.Parallel()

	h := newManagerHarness(t, mediastream.StatusOpen)
	h.provider.CompleteQueue = []*llm.CompletionResponse{
		toolCall(tc("request_transfer", `{}`)),
		say("Ti passo un operatore."),
	}
	h.turn(t, "operatore")

	_, err := h.manager.Turn(context.Background(), h.conv, "ci sei ancora?")
	if !errors.Is(err, flow.ErrConversationDone) {
		t.Errorf("err = %v, want ErrConversationDone", err)
	}
}

func TestTurn_ProviderErrorSurfaces(t *testing.T) {
	t.Parallel()

	h := newManagerHarness(t, mediastream.StatusOpen)
	h.provider.CompleteErr = errors.New("rate limited")

	if _, err := h.manager.Turn(context.Background(), h.conv, "ciao"); err == nil {
		t.Error("Turn() expected provider error, got nil")
	}
}

// ─── Store ───────────────────────────────────────────────────────────────────

func TestStore_Lifecycle(t *testing.T) {
	t.Parallel()

	h := newManagerHarness(t, mediastream.StatusOpen)
	store := flow.NewStore()

	store.Put(h.conv)
	if got := store.Lookup("MZ0001"); got != h.conv {
		t.Error("Lookup by stream SID failed")
	}
	if got := store.LookupSession("sess-1"); got != h.conv {
		t.Error("LookupSession failed")
	}
	if store.Len() != 1 {
		t.Errorf("Len = %d, want 1", store.Len())
	}

	store.Remove(h.conv)
	if store.Lookup("MZ0001") != nil || store.Len() != 0 {
		t.Error("conversation still present after Remove")
	}
}
