package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/taliaworks/pipecat-bridge/internal/booking"
	"github.com/taliaworks/pipecat-bridge/internal/knowledge"
	"github.com/taliaworks/pipecat-bridge/internal/observe"
	"github.com/taliaworks/pipecat-bridge/internal/search"
)

// Sentinel errors the Manager classifies into failure counters.
var (
	// ErrKnowledgeGap marks a question the information desk could not answer.
	ErrKnowledgeGap = errors.New("flow: knowledge gap")

	// ErrTransferRequested marks an explicit request for a human operator.
	ErrTransferRequested = errors.New("flow: transfer requested")
)

// phoneConfirmations are the affirmations that adopt the caller-ID number.
var phoneConfirmations = map[string]struct{}{
	"yes": {}, "si": {}, "sì": {}, "ok": {}, "va bene": {},
}

// Handlers executes the graph's tool calls against the clinic backends.
type Handlers struct {
	searcher  search.Searcher
	orch      *booking.Orchestrator
	infoDesk  *knowledge.Agent
	metrics   *observe.Metrics
	minDigits int
}

// NewHandlers builds the handler set. A nil metrics falls back to the
// process-wide default instruments.
func NewHandlers(searcher search.Searcher, orch *booking.Orchestrator, infoDesk *knowledge.Agent, metrics *observe.Metrics) *Handlers {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Handlers{
		searcher:  searcher,
		orch:      orch,
		infoDesk:  infoDesk,
		metrics:   metrics,
		minDigits: 8,
	}
}

// registry maps handler keys (tool names) to their implementations.
func (h *Handlers) registry() map[string]HandlerFunc {
	return map[string]HandlerFunc{
		// Node tools.
		"search_services":                    h.searchServices,
		"select_service":                     h.selectService,
		"collect_address":                    h.collectAddress,
		"collect_gender":                     h.collectGender,
		"collect_dob":                        h.collectDOB,
		"verify_patient_info":                h.verifyPatientInfo,
		"search_centers":                     h.searchCenters,
		"select_center":                      h.selectCenter,
		"cerba_card":                         h.cerbaCard,
		"collect_datetime":                   h.collectDatetime,
		"select_slot":                        h.selectSlot,
		"confirm_summary":                    h.confirmSummary,
		"collect_name":                       h.collectName,
		"collect_surname":                    h.collectSurname,
		"collect_phone":                      h.collectPhone,
		"confirm_phone":                      h.confirmPhone,
		"reminder_authorization":             h.reminderAuth,
		"marketing_authorization":            h.marketingAuth,
		"confirm_details_and_create_booking": h.confirmBooking,

		// Global tools.
		"knowledge_base_new":            h.knowledgeBase,
		"get_competitive_pricing":       h.competitivePricing,
		"get_price_non_agonistic_visit": h.nonAgonisticPrice,
		"get_exam_by_visit":             h.examByVisit,
		"get_exam_by_sport":             h.examBySport,
		"call_graph":                    h.callGraph,
		"request_transfer":              h.requestTransfer,
		"start_booking":                 h.startBooking,
		"cancel_previous_appointment":   h.cancelPreviousAppointment,
		"cancel_and_restart":            h.cancelAndRestart,
	}
}

// ─── Service selection ───────────────────────────────────────────────────────

func (h *Handlers) searchServices(ctx context.Context, conv *Conversation, args Args) (map[string]any, Transition, error) {
	query := strings.TrimSpace(args.String("query"))
	res := h.searcher.Search(query, 0)
	conv.State.LastSearchTerm = res.SearchTerm

	if !res.Found {
		conv.State.SearchMatches = nil
		if len([]rune(query)) < 2 {
			return map[string]any{"found": false, "message": res.Message}, Stay(), nil
		}
		return map[string]any{"found": false, "message": res.Message}, To(NodeServiceRetry), nil
	}

	conv.State.SearchMatches = res.Services

	// Exact-match autoselection: a case-folded, whitespace-collapsed match
	// between the query and a returned name skips the selection node.
	for _, m := range res.Services {
		if collapse(query) == collapse(m.Name) {
			conv.State.SelectedServices = append(conv.State.SelectedServices, toHealthService(m.Service))
			h.metrics.RecordToolCall(ctx, "search_services", "autoselect")
			return map[string]any{
				"found":        true,
				"autoselected": m.Name,
			}, To(NodeCollectAddress), nil
		}
	}

	names := make([]string, 0, len(res.Services))
	for _, m := range res.Services {
		names = append(names, m.Name)
	}
	return map[string]any{
		"found":    true,
		"count":    res.Count,
		"services": names,
	}, To(NodeServiceSelection), nil
}

func (h *Handlers) selectService(_ context.Context, conv *Conversation, args Args) (map[string]any, Transition, error) {
	name := args.String("service_name")
	for _, m := range conv.State.SearchMatches {
		if collapse(name) == collapse(m.Name) {
			conv.State.SelectedServices = append(conv.State.SelectedServices, toHealthService(m.Service))
			return map[string]any{"selected": m.Name}, To(NodeCollectAddress), nil
		}
	}
	return validationFailure(fmt.Sprintf("la prestazione %q non è tra i risultati proposti", name)), Stay(), nil
}

// ─── Patient info ────────────────────────────────────────────────────────────

func (h *Handlers) collectAddress(_ context.Context, conv *Conversation, args Args) (map[string]any, Transition, error) {
	address := strings.TrimSpace(args.String("address"))
	if address == "" {
		return validationFailure("indirizzo mancante"), Stay(), nil
	}
	conv.State.Address = address
	return map[string]any{"address": address}, To(NodeCollectGender), nil
}

func (h *Handlers) collectGender(_ context.Context, conv *Conversation, args Args) (map[string]any, Transition, error) {
	gender := strings.ToUpper(strings.TrimSpace(args.String("gender")))
	switch gender {
	case "M", "MASCHIO", "UOMO":
		gender = "M"
	case "F", "FEMMINA", "DONNA":
		gender = "F"
	default:
		return validationFailure("sesso non riconosciuto, attesi M o F"), Stay(), nil
	}
	conv.State.Patient.Gender = gender
	return map[string]any{"gender": gender}, To(NodeCollectDOB), nil
}

func (h *Handlers) collectDOB(_ context.Context, conv *Conversation, args Args) (map[string]any, Transition, error) {
	dob := strings.TrimSpace(args.String("dob"))
	if _, err := time.Parse("2006-01-02", dob); err != nil {
		return validationFailure("data di nascita non valida, atteso formato AAAA-MM-GG"), Stay(), nil
	}
	conv.State.Patient.DOB = dob
	return map[string]any{"dob": dob}, To(NodeVerifyPatientInfo), nil
}

func (h *Handlers) verifyPatientInfo(ctx context.Context, conv *Conversation, args Args) (map[string]any, Transition, error) {
	if !args.Bool("confirmed") {
		return map[string]any{"confirmed": false}, To(NodeCollectAddress), nil
	}

	// Directory lookup: a match adopts the existing record and skips the
	// patient-detail collection later (phone confirmation excepted). Lookup
	// failures never block the booking path.
	patient, err := h.orch.LookupPatient(ctx, conv.CallerPhone, conv.State.Patient.DOB)
	if err != nil {
		observe.Logger(ctx).Warn("patient lookup failed", "error", err)
	}
	if patient != nil {
		conv.State.PatientUUID = patient.UUID
		conv.State.Patient.Name = patient.Name
		conv.State.Patient.Surname = patient.Surname
		if patient.Email != "" {
			conv.State.Patient.Email = patient.Email
		}
	}

	return map[string]any{
		"confirmed":     true,
		"known_patient": conv.State.KnownPatient(),
	}, To(NodeCenterSearch), nil
}

// ─── Center and schedule ─────────────────────────────────────────────────────

func (h *Handlers) searchCenters(ctx context.Context, conv *Conversation, args Args) (map[string]any, Transition, error) {
	city := strings.TrimSpace(args.String("city"))
	if city == "" {
		city = conv.State.Address
	}
	centers, err := h.orch.FindCenters(ctx, booking.CenterQuery{
		City:         city,
		ServiceUUIDs: selectedUUIDs(conv.State.SelectedServices),
	})
	if err != nil {
		return nil, Stay(), fmt.Errorf("center search: %w", err)
	}
	if len(centers) == 0 {
		return map[string]any{"found": false, "message": "nessun centro trovato in zona " + city}, Stay(), nil
	}

	conv.State.Centers = centers
	names := make([]string, 0, len(centers))
	for _, c := range centers {
		names = append(names, fmt.Sprintf("%s, %s", c.Name, c.Address))
	}
	return map[string]any{"found": true, "centers": names}, Stay(), nil
}

func (h *Handlers) selectCenter(_ context.Context, conv *Conversation, args Args) (map[string]any, Transition, error) {
	idx := args.Int("index")
	if idx < 1 || idx > len(conv.State.Centers) {
		return validationFailure("scelta del centro non valida"), Stay(), nil
	}
	conv.State.SelectedCenter = conv.State.Centers[idx-1]
	return map[string]any{"center": conv.State.SelectedCenter.Name}, To(NodeCerbaCard), nil
}

func (h *Handlers) cerbaCard(_ context.Context, conv *Conversation, args Args) (map[string]any, Transition, error) {
	conv.State.CerbaCard = args.Bool("has_card")
	return map[string]any{"has_card": conv.State.CerbaCard}, To(NodeCollectDatetime), nil
}

func (h *Handlers) collectDatetime(ctx context.Context, conv *Conversation, args Args) (map[string]any, Transition, error) {
	date := strings.TrimSpace(args.String("date"))
	if date == "" {
		return validationFailure("data preferita mancante"), Stay(), nil
	}
	conv.State.PreferredDate = date
	conv.State.PreferredTime = strings.TrimSpace(args.String("time_of_day"))

	// First pass through scheduling runs the sorting step.
	if len(conv.State.ServiceGroups) == 0 && conv.State.Scenario == "" {
		plan, err := h.orch.PlanServices(ctx, booking.PlanRequest{
			Center:   conv.State.SelectedCenter,
			Gender:   conv.State.Patient.Gender,
			DOB:      conv.State.Patient.DOB,
			Services: conv.State.SelectedServices,
		})
		switch {
		case err == nil:
			conv.State.ServiceGroups = plan.Groups
			conv.State.Scenario = plan.Scenario
			conv.State.PlanReasoning = plan.Reasoning
		case len(conv.State.SelectedServices) >= 2:
			// Sorting refused the multi-service request: fall back to the
			// legacy per-service mapping and let the caller re-pick a center
			// able to take the services individually.
			observe.Logger(ctx).Warn("sorting failed, falling back to center search", "error", err)
			conv.State.Scenario = booking.ScenarioLegacy
			return map[string]any{
				"status":  "sorting_unavailable",
				"message": "le prestazioni vanno prenotate separatamente, ripartiamo dalla scelta del centro",
			}, To(NodeCenterSearch), nil
		default:
			conv.State.Scenario = booking.ScenarioLegacy
		}
	}

	groups := conv.State.Groups()
	if conv.State.CurrentGroup >= len(groups) {
		return validationFailure("nessuna prestazione da pianificare"), Stay(), nil
	}
	group := groups[conv.State.CurrentGroup]

	slots, err := h.orch.FindSlots(ctx, conv.State.SelectedCenter, group, date, conv.State.PreferredTime)
	if err != nil {
		return nil, Stay(), fmt.Errorf("slot search: %w", err)
	}
	if len(slots) == 0 {
		return map[string]any{
			"found":   false,
			"message": "nessuna disponibilità per la data richiesta",
		}, Stay(), nil
	}

	conv.State.AvailableSlots = slots
	times := make([]string, 0, len(slots))
	for _, s := range slots {
		times = append(times, s.StartTime)
	}
	return map[string]any{"found": true, "slots": times}, To(NodeSlotSelection), nil
}

func (h *Handlers) selectSlot(ctx context.Context, conv *Conversation, args Args) (map[string]any, Transition, error) {
	idx := args.Int("index")
	if idx < 1 || idx > len(conv.State.AvailableSlots) {
		return validationFailure("scelta dell'orario non valida"), Stay(), nil
	}
	slot := conv.State.AvailableSlots[idx-1]

	groups := conv.State.Groups()
	if conv.State.CurrentGroup >= len(groups) {
		return validationFailure("nessuna prestazione da riservare"), Stay(), nil
	}
	group := groups[conv.State.CurrentGroup]

	res, err := h.orch.Reserve(ctx, conv.State.SelectedCenter, group, slot)
	if err != nil {
		return nil, Stay(), fmt.Errorf("slot reservation: %w", err)
	}
	conv.State.BookedSlots = append(conv.State.BookedSlots, *res)
	conv.State.AvailableSlots = nil
	conv.State.CurrentGroup++

	if conv.State.CurrentGroup < len(groups) {
		return map[string]any{
			"reserved":   res.StartTime,
			"next_group": conv.State.CurrentGroup + 1,
		}, To(NodeCollectDatetime), nil
	}
	return map[string]any{"reserved": res.StartTime}, To(NodeBookingSummary), nil
}

// ─── Summary and patient details ─────────────────────────────────────────────

func (h *Handlers) confirmSummary(_ context.Context, conv *Conversation, args Args) (map[string]any, Transition, error) {
	if !args.Bool("confirmed") {
		return map[string]any{"confirmed": false}, To(NodeCollectDatetime), nil
	}
	if conv.State.KnownPatient() {
		// Directory patients skip the detail collection; only the phone
		// confirmation remains.
		return map[string]any{"confirmed": true, "known_patient": true}, To(NodeCollectPhone), nil
	}
	return map[string]any{"confirmed": true}, To(NodeCollectName), nil
}

func (h *Handlers) collectName(_ context.Context, conv *Conversation, args Args) (map[string]any, Transition, error) {
	name := strings.TrimSpace(args.String("name"))
	if name == "" {
		return validationFailure("nome mancante"), Stay(), nil
	}
	conv.State.Patient.Name = name
	return map[string]any{"name": name}, To(NodeCollectSurname), nil
}

func (h *Handlers) collectSurname(_ context.Context, conv *Conversation, args Args) (map[string]any, Transition, error) {
	surname := strings.TrimSpace(args.String("surname"))
	if surname == "" {
		return validationFailure("cognome mancante"), Stay(), nil
	}
	conv.State.Patient.Surname = surname
	return map[string]any{"surname": surname}, To(NodeCollectPhone), nil
}

func (h *Handlers) collectPhone(ctx context.Context, conv *Conversation, args Args) (map[string]any, Transition, error) {
	raw := strings.TrimSpace(args.String("phone"))
	if raw == "" {
		// A tool call with no argument must not take the session down; it is
		// a validation failure that keeps the node.
		observe.Logger(ctx).Error("collect_phone invoked with empty phone argument",
			"node", NodeCollectPhone, "stream_sid", conv.StreamSID)
		return validationFailure("numero di telefono mancante"), Stay(), nil
	}

	// Affirmation plus a known caller ID adopts the calling number verbatim
	// (digits only) and skips the explicit confirmation node.
	if _, ok := phoneConfirmations[strings.ToLower(collapse(raw))]; ok {
		if digits := digitsOnly(conv.CallerPhone); digits != "" {
			conv.State.Patient.Phone = digits
			conv.State.PhoneConfirmed = true
			return map[string]any{"phone": digits, "source": "caller_id"}, To(NodeReminderAuth), nil
		}
		return validationFailure("numero del chiamante non disponibile, serve un numero dettato"), Stay(), nil
	}

	digits := digitsOnly(raw)
	if len(digits) < h.minDigits {
		return validationFailure("numero di telefono troppo corto"), Stay(), nil
	}
	conv.State.Patient.Phone = digits
	conv.State.PhoneConfirmed = false
	return map[string]any{"phone": digits}, To(NodePhoneConfirmation), nil
}

func (h *Handlers) confirmPhone(_ context.Context, conv *Conversation, args Args) (map[string]any, Transition, error) {
	if !args.Bool("confirmed") {
		conv.State.Patient.Phone = ""
		return map[string]any{"confirmed": false}, To(NodeCollectPhone), nil
	}
	conv.State.PhoneConfirmed = true
	return map[string]any{"confirmed": true}, To(NodeReminderAuth), nil
}

func (h *Handlers) reminderAuth(_ context.Context, conv *Conversation, args Args) (map[string]any, Transition, error) {
	conv.State.ReminderAuth = args.Bool("authorized")
	return map[string]any{"authorized": conv.State.ReminderAuth}, To(NodeMarketingAuth), nil
}

func (h *Handlers) marketingAuth(_ context.Context, conv *Conversation, args Args) (map[string]any, Transition, error) {
	conv.State.MarketingAuth = args.Bool("authorized")
	return map[string]any{"authorized": conv.State.MarketingAuth}, To(NodeFinalConfirmation), nil
}

// ─── Commit ──────────────────────────────────────────────────────────────────

func (h *Handlers) confirmBooking(ctx context.Context, conv *Conversation, args Args) (map[string]any, Transition, error) {
	if !args.Bool("confirmed") {
		return map[string]any{"confirmed": false}, To(NodeRouter), nil
	}

	// Commit precondition: without reservations there is nothing to book and
	// no backend call is made.
	if len(conv.State.BookedSlots) == 0 {
		observe.Logger(ctx).Error("booking commit refused: no reservations held",
			"stream_sid", conv.StreamSID)
		return map[string]any{
			"status":  "error",
			"message": "la prenotazione è andata perduta, reservation failed",
		}, To(NodeError), nil
	}

	conf, err := h.orch.Commit(ctx, booking.CommitInput{
		Patient:       conv.State.PatientPayload(),
		Center:        conv.State.SelectedCenter,
		Scenario:      conv.State.Scenario,
		Groups:        conv.State.ServiceGroups,
		Services:      conv.State.SelectedServices,
		Reservations:  conv.State.BookedSlots,
		ReminderAuth:  conv.State.ReminderAuth,
		MarketingAuth: conv.State.MarketingAuth,
	})
	if err != nil {
		// Both commit attempts failed: hand the caller to an operator with a
		// technical-error message.
		return map[string]any{
			"status":  "error",
			"message": "errore tecnico durante la creazione della prenotazione",
		}, To(NodeTransfer), nil
	}

	conv.State.BookingUUID = conf.BookingUUID
	return map[string]any{
		"status":       "ok",
		"booking_uuid": conf.BookingUUID,
	}, To(NodeBookingSuccess), nil
}

// ─── Global tools ────────────────────────────────────────────────────────────

func (h *Handlers) knowledgeBase(ctx context.Context, _ *Conversation, args Args) (map[string]any, Transition, error) {
	answer, err := h.infoDesk.Ask(ctx, args.String("question"))
	if errors.Is(err, knowledge.ErrNoAnswer) {
		return nil, Stay(), ErrKnowledgeGap
	}
	if err != nil {
		return nil, Stay(), fmt.Errorf("knowledge base: %w", err)
	}
	return map[string]any{"answer": answer}, Stay(), nil
}

func (h *Handlers) competitivePricing(context.Context, *Conversation, Args) (map[string]any, Transition, error) {
	return map[string]any{"answer": knowledge.CompetitivePricing()}, Stay(), nil
}

func (h *Handlers) nonAgonisticPrice(context.Context, *Conversation, Args) (map[string]any, Transition, error) {
	return map[string]any{"answer": knowledge.NonAgonisticVisitPrice()}, Stay(), nil
}

func (h *Handlers) examByVisit(_ context.Context, _ *Conversation, args Args) (map[string]any, Transition, error) {
	answer, ok := knowledge.ExamsForVisit(args.String("visit_type"))
	if !ok {
		return map[string]any{"found": false, "message": "tipo di visita non riconosciuto"}, Stay(), nil
	}
	return map[string]any{"found": true, "answer": answer}, Stay(), nil
}

func (h *Handlers) examBySport(_ context.Context, _ *Conversation, args Args) (map[string]any, Transition, error) {
	answer, ok := knowledge.ExamsForSport(args.String("sport"))
	if !ok {
		return map[string]any{"found": false, "message": "sport non presente in tabella"}, Stay(), nil
	}
	return map[string]any{"found": true, "answer": answer}, Stay(), nil
}

func (h *Handlers) callGraph(_ context.Context, _ *Conversation, args Args) (map[string]any, Transition, error) {
	dest := args.String("destination")
	switch dest {
	case NodeRouter, NodeServiceSearch, NodeCollectDatetime:
		return map[string]any{"moved_to": dest}, To(dest), nil
	}
	return validationFailure("destinazione non raggiungibile: " + dest), Stay(), nil
}

func (h *Handlers) requestTransfer(_ context.Context, _ *Conversation, _ Args) (map[string]any, Transition, error) {
	return nil, Stay(), ErrTransferRequested
}

func (h *Handlers) startBooking(ctx context.Context, conv *Conversation, args Args) (map[string]any, Transition, error) {
	conv.State.Intent = "booking"

	// Price-inquiry re-entry: with patient data and services already on file
	// (a caller who asked prices first), scheduling resumes directly without
	// re-collecting patient details.
	if conv.State.PatientDataCollected() && len(conv.State.SelectedServices) > 0 {
		return map[string]any{"status": "resuming"}, To(NodeCollectDatetime), nil
	}

	if service := strings.TrimSpace(args.String("service")); service != "" {
		return h.searchServices(ctx, conv, Args{"query": service})
	}
	return map[string]any{"status": "started"}, To(NodeServiceSearch), nil
}

func (h *Handlers) cancelPreviousAppointment(_ context.Context, _ *Conversation, _ Args) (map[string]any, Transition, error) {
	// Cancellations touch existing records and always go through a human.
	return nil, Stay(), ErrTransferRequested
}

func (h *Handlers) cancelAndRestart(_ context.Context, conv *Conversation, _ Args) (map[string]any, Transition, error) {
	conv.State.ResetBooking()
	return map[string]any{"status": "restarted"}, To(NodeRouter), nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// validationFailure is the uniform shape of a recoverable argument problem.
func validationFailure(message string) map[string]any {
	return map[string]any{"status": "validation_error", "message": message}
}

// collapse lowercases and collapses internal whitespace for equality checks.
func collapse(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// digitsOnly strips everything but decimal digits.
func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// toHealthService converts a catalog entry into the booking domain type.
func toHealthService(s search.Service) booking.HealthService {
	return booking.HealthService{
		UUID:     s.UUID,
		Name:     s.Name,
		Code:     s.Code,
		Synonyms: s.Synonyms,
		Sector:   booking.SectorHealthServices,
	}
}

func selectedUUIDs(services []booking.HealthService) []string {
	ids := make([]string, 0, len(services))
	for _, s := range services {
		ids = append(ids, s.UUID)
	}
	return ids
}
