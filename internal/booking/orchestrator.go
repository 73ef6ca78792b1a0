package booking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/taliaworks/pipecat-bridge/internal/observe"
	"github.com/taliaworks/pipecat-bridge/internal/resilience"
)

// Orchestrator drives the booking steps a conversation walks through:
// sorting, slot search, reservation, patient lookup, and the final commit.
// It is stateless; conversation state stays with the flow engine, which
// feeds each step its inputs and stores the outputs.
type Orchestrator struct {
	client  Client
	metrics *observe.Metrics
	retry   resilience.RetryConfig
}

// OrchestratorOption configures an [Orchestrator].
type OrchestratorOption func(*Orchestrator)

// WithCommitRetry overrides the commit retry policy. The default is two
// attempts one second apart.
func WithCommitRetry(cfg resilience.RetryConfig) OrchestratorOption {
	return func(o *Orchestrator) { o.retry = cfg }
}

// WithMetrics overrides the metrics sink; mainly for tests.
func WithMetrics(m *observe.Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// NewOrchestrator builds an orchestrator over the given backend client.
func NewOrchestrator(client Client, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		client: client,
		retry: resilience.RetryConfig{
			Name:     "booking-commit",
			Attempts: 2,
			Delay:    time.Second,
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// PlanRequest carries the inputs of the sorting step.
type PlanRequest struct {
	Center   HealthCenter
	Gender   string
	DOB      string
	Services []HealthService
}

// Plan is the sorting outcome: the backend's groups plus the derived
// scenario and its reasoning.
type Plan struct {
	Groups    []ServiceGroup
	Scenario  Scenario
	Reasoning string
}

// PlanServices runs the sorting step and classifies the result. A sorting
// failure is returned as-is; the caller decides whether to fall back to a
// center search.
func (o *Orchestrator) PlanServices(ctx context.Context, req PlanRequest) (*Plan, error) {
	resp, err := o.client.SortServices(ctx, SortRequest{
		CenterUUID: req.Center.UUID,
		Gender:     req.Gender,
		DOB:        req.DOB,
		Services:   req.Services,
	})
	if err != nil {
		return nil, err
	}

	scenario, reasoning := Classify(resp.Groups)
	observe.Logger(ctx).Info("booking plan ready",
		"scenario", scenario,
		"groups", len(resp.Groups),
		"services", len(req.Services))
	return &Plan{Groups: resp.Groups, Scenario: scenario, Reasoning: reasoning}, nil
}

// FindSlots lists availability for one service group around the caller's
// preferred date and daypart.
func (o *Orchestrator) FindSlots(ctx context.Context, center HealthCenter, group ServiceGroup, date, timeOfDay string) ([]Slot, error) {
	return o.client.SearchSlots(ctx, SlotQuery{
		CenterUUID:   center.UUID,
		ServiceUUIDs: serviceUUIDs(group.Services),
		Date:         date,
		TimeOfDay:    timeOfDay,
	})
}

// Reserve holds the chosen slot for the group. Fields the backend leaves
// blank in its acknowledgement are filled from the slot and the group so the
// reservation record is always complete.
func (o *Orchestrator) Reserve(ctx context.Context, center HealthCenter, group ServiceGroup, slot Slot) (*SlotReservation, error) {
	res, err := o.client.ReserveSlot(ctx, ReserveRequest{
		SlotUUID:     slot.UUID,
		CenterUUID:   center.UUID,
		ServiceUUIDs: serviceUUIDs(group.Services),
	})
	if err != nil {
		return nil, err
	}

	res.HealthServices = group.Services
	if res.SlotUUID == "" {
		res.SlotUUID = slot.UUID
	}
	if res.ServiceName == "" {
		res.ServiceName = strings.Join(serviceNames(group.Services), " + ")
	}
	if res.StartTime == "" {
		res.StartTime = slot.StartTime
	}
	if res.EndTime == "" {
		res.EndTime = slot.EndTime
	}
	if res.Price == 0 {
		res.Price = slot.Price
	}
	return res, nil
}

// LookupPatient normalizes the phone to +39 form and queries the patient
// directory. Without a date of birth there is nothing reliable to match on,
// so the lookup is skipped.
func (o *Orchestrator) LookupPatient(ctx context.Context, phone, dob string) (*Patient, error) {
	if dob == "" {
		return nil, nil
	}
	return o.client.FindPatient(ctx, PatientQuery{
		Phone: NormalizePhone(phone),
		DOB:   dob,
	})
}

// FindCenters lists clinic locations matching the query.
func (o *Orchestrator) FindCenters(ctx context.Context, q CenterQuery) ([]HealthCenter, error) {
	return o.client.SearchCenters(ctx, q)
}

// CommitInput carries everything the final booking commit needs.
type CommitInput struct {
	Patient       PatientPayload
	Center        HealthCenter
	Scenario      Scenario
	Groups        []ServiceGroup
	Services      []HealthService
	Reservations  []SlotReservation
	ReminderAuth  bool
	MarketingAuth bool
}

// Commit submits the booking. With a grouped scenario every service of group
// i is booked into reservation i's slot; otherwise services and reservations
// are zipped one-to-one. The backend call is retried once after a short
// delay; both failing surfaces the error to the caller, which routes the
// conversation to an operator.
func (o *Orchestrator) Commit(ctx context.Context, in CommitInput) (*BookingConfirmation, error) {
	if len(in.Reservations) == 0 {
		return nil, ErrNoReservations
	}
	items, err := buildItems(in)
	if err != nil {
		return nil, err
	}

	req := BookingRequest{
		Patient:       in.Patient,
		CenterUUID:    in.Center.UUID,
		Items:         items,
		ReminderAuth:  in.ReminderAuth,
		MarketingAuth: in.MarketingAuth,
	}

	var conf *BookingConfirmation
	err = resilience.Do(ctx, o.retry, func(ctx context.Context) error {
		c, err := o.client.CreateBooking(ctx, req)
		if err != nil {
			o.metrics.RecordBookingAttempt(ctx, "error")
			return err
		}
		o.metrics.RecordBookingAttempt(ctx, "ok")
		conf = c
		return nil
	})
	if err != nil {
		observe.Logger(ctx).Error("booking commit failed after retries",
			"center", in.Center.UUID, "items", len(items), "error", err)
		return nil, err
	}

	observe.Logger(ctx).Info("booking committed",
		"booking_uuid", conf.BookingUUID, "items", len(items), "scenario", in.Scenario)
	return conf, nil
}

// buildItems maps services onto slots per the scenario.
func buildItems(in CommitInput) ([]BookingItem, error) {
	if in.Scenario.Grouped() && len(in.Groups) > 0 {
		var items []BookingItem
		for i, g := range in.Groups {
			if i >= len(in.Reservations) {
				return nil, fmt.Errorf("booking: group %d has no reservation", i)
			}
			slotUUID := in.Reservations[i].SlotUUID
			for _, s := range g.Services {
				items = append(items, BookingItem{ServiceUUID: s.UUID, SlotUUID: slotUUID})
			}
		}
		return items, nil
	}

	// Legacy one-to-one mapping.
	n := min(len(in.Services), len(in.Reservations))
	items := make([]BookingItem, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, BookingItem{
			ServiceUUID: in.Services[i].UUID,
			SlotUUID:    in.Reservations[i].SlotUUID,
		})
	}
	return items, nil
}

func serviceUUIDs(services []HealthService) []string {
	ids := make([]string, 0, len(services))
	for _, s := range services {
		ids = append(ids, s.UUID)
	}
	return ids
}
