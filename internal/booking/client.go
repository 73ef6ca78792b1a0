package booking

import (
	"context"
	"errors"
)

// Sentinel errors for the booking boundary.
var (
	// ErrUpstream marks transport failures and non-2xx responses from the
	// booking backend.
	ErrUpstream = errors.New("booking: upstream unavailable")

	// ErrNoReservations is returned when a commit is attempted without any
	// reserved slot. No backend call is made in that case.
	ErrNoReservations = errors.New("booking: no reservations to commit")
)

// SortRequest asks the backend to group the selected services into
// appointments for a given center and patient profile.
type SortRequest struct {
	CenterUUID string          `json:"center_uuid"`
	Gender     string          `json:"gender,omitempty"`
	DOB        string          `json:"dob,omitempty"`
	Services   []HealthService `json:"services"`
}

// SortResponse is the grouped assignment returned by the sorting endpoint.
type SortResponse struct {
	Groups []ServiceGroup `json:"groups"`
}

// SlotQuery asks for available slots for one service group around the
// caller's preferred date and daypart.
type SlotQuery struct {
	CenterUUID   string   `json:"center_uuid"`
	ServiceUUIDs []string `json:"service_uuids"`
	Date         string   `json:"date,omitempty"`
	TimeOfDay    string   `json:"time_of_day,omitempty"`
}

// ReserveRequest holds a specific slot for one service group.
type ReserveRequest struct {
	SlotUUID     string   `json:"slot_uuid"`
	CenterUUID   string   `json:"center_uuid"`
	ServiceUUIDs []string `json:"service_uuids"`
}

// PatientQuery looks up a directory record by phone and date of birth.
type PatientQuery struct {
	Phone string `json:"phone"`
	DOB   string `json:"dob"`
}

// CenterQuery searches clinic locations, optionally narrowed to those
// offering the given services.
type CenterQuery struct {
	City         string   `json:"city,omitempty"`
	District     string   `json:"district,omitempty"`
	ServiceUUIDs []string `json:"service_uuids,omitempty"`
}

// BookingItem binds one health service to the slot it is booked into.
type BookingItem struct {
	ServiceUUID string `json:"health_service_uuid"`
	SlotUUID    string `json:"slot_uuid"`
}

// BookingRequest is the final commit payload.
type BookingRequest struct {
	Patient       PatientPayload `json:"patient"`
	CenterUUID    string         `json:"center_uuid"`
	Items         []BookingItem  `json:"health_services"`
	ReminderAuth  bool           `json:"reminder_authorization"`
	MarketingAuth bool           `json:"marketing_authorization"`
}

// BookingConfirmation is the backend's acknowledgement of a committed
// booking.
type BookingConfirmation struct {
	BookingUUID string `json:"booking_uuid"`
	Code        string `json:"code,omitempty"`
}

// Client is the clinic booking backend boundary. Implementations must be
// safe for concurrent use.
type Client interface {
	// SortServices groups the selected services into appointments.
	SortServices(ctx context.Context, req SortRequest) (*SortResponse, error)

	// SearchSlots lists availability for one service group.
	SearchSlots(ctx context.Context, q SlotQuery) ([]Slot, error)

	// ReserveSlot holds a slot. The reservation stays ephemeral until
	// CreateBooking commits it.
	ReserveSlot(ctx context.Context, req ReserveRequest) (*SlotReservation, error)

	// FindPatient looks up a directory record. It returns nil without error
	// when no record matches.
	FindPatient(ctx context.Context, q PatientQuery) (*Patient, error)

	// SearchCenters lists clinic locations matching the query.
	SearchCenters(ctx context.Context, q CenterQuery) ([]HealthCenter, error)

	// CreateBooking commits the appointment.
	CreateBooking(ctx context.Context, req BookingRequest) (*BookingConfirmation, error)
}
