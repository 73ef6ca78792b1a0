package flow

import (
	"github.com/taliaworks/pipecat-bridge/internal/booking"
	"github.com/taliaworks/pipecat-bridge/internal/search"
)

// Failure thresholds. Crossing one routes the conversation to the transfer
// node.
const (
	maxKnowledgeGaps    = 1
	maxTransferRequests = 1
	maxTechnicalErrors  = 3
)

// FailureCounters tracks the three escalation triggers of a conversation.
type FailureCounters struct {
	KnowledgeGaps    int
	TransferRequests int
	Technical        int
}

// Exceeded reports whether any counter has crossed its threshold.
func (f FailureCounters) Exceeded() bool {
	return f.KnowledgeGaps >= maxKnowledgeGaps ||
		f.TransferRequests >= maxTransferRequests ||
		f.Technical >= maxTechnicalErrors
}

// State is the per-conversation booking state. It is owned by the Manager and
// mutated only by node handlers; the Manager serializes node execution, so no
// locking happens here.
type State struct {
	Intent string

	// Service selection.
	SelectedServices []booking.HealthService
	SearchMatches    []search.Match
	LastSearchTerm   string

	// Sorting outcome.
	ServiceGroups []booking.ServiceGroup
	Scenario      booking.Scenario
	PlanReasoning string
	CurrentGroup  int

	// Location and schedule.
	Centers        []booking.HealthCenter
	SelectedCenter booking.HealthCenter
	PreferredDate  string
	PreferredTime  string
	AvailableSlots []booking.Slot
	BookedSlots    []booking.SlotReservation

	// Patient.
	Patient        booking.Patient
	Address        string
	PatientUUID    string
	PhoneConfirmed bool
	CerbaCard      bool

	// Authorizations.
	ReminderAuth  bool
	MarketingAuth bool

	// Commit outcome.
	BookingUUID string

	Failures FailureCounters
}

// KnownPatient reports whether the caller matched a directory record, which
// lets the flow skip patient-detail collection.
func (s *State) KnownPatient() bool {
	return s.PatientUUID != ""
}

// PatientDataCollected reports whether enough patient attributes exist to
// re-enter the scheduling branch without collecting them again. Used by the
// price-inquiry path, where a caller asks prices first and books afterwards.
func (s *State) PatientDataCollected() bool {
	return s.KnownPatient() || (s.Patient.Gender != "" && s.Patient.DOB != "")
}

// Groups returns the sorting groups, or synthesizes one single-service group
// per selected service when the backend never produced an assignment (the
// legacy scenario).
func (s *State) Groups() []booking.ServiceGroup {
	if len(s.ServiceGroups) > 0 {
		return s.ServiceGroups
	}
	groups := make([]booking.ServiceGroup, 0, len(s.SelectedServices))
	for _, svc := range s.SelectedServices {
		groups = append(groups, booking.ServiceGroup{Services: []booking.HealthService{svc}})
	}
	return groups
}

// ResetBooking clears everything tied to the current booking attempt while
// keeping patient identity, so a restarted conversation does not re-ask who
// the caller is.
func (s *State) ResetBooking() {
	s.Intent = ""
	s.SelectedServices = nil
	s.SearchMatches = nil
	s.LastSearchTerm = ""
	s.ServiceGroups = nil
	s.Scenario = ""
	s.PlanReasoning = ""
	s.CurrentGroup = 0
	s.Centers = nil
	s.SelectedCenter = booking.HealthCenter{}
	s.PreferredDate = ""
	s.PreferredTime = ""
	s.AvailableSlots = nil
	s.BookedSlots = nil
	s.BookingUUID = ""
}

// PatientPayload builds the commit payload: directory patients send only the
// UUID, new patients the full uppercase detail set.
func (s *State) PatientPayload() booking.PatientPayload {
	if s.KnownPatient() {
		return booking.ExistingPatientPayload(s.PatientUUID)
	}
	return booking.NewPatientPayload(s.Patient)
}
