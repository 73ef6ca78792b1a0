// Package mock provides a test double for the booking.Client interface.
//
// Every method records its request for later inspection and returns the
// configured response. CreateErrs scripts per-call commit outcomes, which is
// how retry behavior is exercised in tests.
package mock

import (
	"context"
	"sync"

	"github.com/taliaworks/pipecat-bridge/internal/booking"
)

// Client is a mock implementation of booking.Client. Zero values for
// response fields cause methods to return zero values and nil errors.
type Client struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SortResponse is returned by SortServices; SortErr wins when set.
	SortResponse *booking.SortResponse
	SortErr      error

	// Slots is returned by SearchSlots; SlotsErr wins when set.
	Slots    []booking.Slot
	SlotsErr error

	// Reservation is returned by ReserveSlot; ReserveErr wins when set.
	Reservation *booking.SlotReservation
	ReserveErr  error

	// Patient is returned by FindPatient (nil means no directory match);
	// PatientErr wins when set.
	Patient    *booking.Patient
	PatientErr error

	// Centers is returned by SearchCenters; CentersErr wins when set.
	Centers    []booking.HealthCenter
	CentersErr error

	// CreateErrs is a scripted sequence of commit outcomes popped one per
	// CreateBooking call; a nil entry means success. Once exhausted,
	// CreateErr applies. On success, Confirmation is returned.
	CreateErrs   []error
	CreateErr    error
	Confirmation *booking.BookingConfirmation

	// --- Call records (read after test) ---

	SortCalls    []booking.SortRequest
	SlotCalls    []booking.SlotQuery
	ReserveCalls []booking.ReserveRequest
	PatientCalls []booking.PatientQuery
	CenterCalls  []booking.CenterQuery
	CreateCalls  []booking.BookingRequest
}

// SortServices records the call and returns SortResponse or SortErr.
func (c *Client) SortServices(_ context.Context, req booking.SortRequest) (*booking.SortResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SortCalls = append(c.SortCalls, req)
	if c.SortErr != nil {
		return nil, c.SortErr
	}
	return c.SortResponse, nil
}

// SearchSlots records the call and returns Slots or SlotsErr.
func (c *Client) SearchSlots(_ context.Context, q booking.SlotQuery) ([]booking.Slot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SlotCalls = append(c.SlotCalls, q)
	if c.SlotsErr != nil {
		return nil, c.SlotsErr
	}
	return c.Slots, nil
}

// ReserveSlot records the call and returns a copy of Reservation or
// ReserveErr.
func (c *Client) ReserveSlot(_ context.Context, req booking.ReserveRequest) (*booking.SlotReservation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ReserveCalls = append(c.ReserveCalls, req)
	if c.ReserveErr != nil {
		return nil, c.ReserveErr
	}
	if c.Reservation == nil {
		return &booking.SlotReservation{SlotUUID: req.SlotUUID}, nil
	}
	res := *c.Reservation
	return &res, nil
}

// FindPatient records the call and returns Patient or PatientErr.
func (c *Client) FindPatient(_ context.Context, q booking.PatientQuery) (*booking.Patient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PatientCalls = append(c.PatientCalls, q)
	if c.PatientErr != nil {
		return nil, c.PatientErr
	}
	return c.Patient, nil
}

// SearchCenters records the call and returns Centers or CentersErr.
func (c *Client) SearchCenters(_ context.Context, q booking.CenterQuery) ([]booking.HealthCenter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CenterCalls = append(c.CenterCalls, q)
	if c.CentersErr != nil {
		return nil, c.CentersErr
	}
	return c.Centers, nil
}

// CreateBooking records the call and returns the next scripted outcome.
func (c *Client) CreateBooking(_ context.Context, req booking.BookingRequest) (*booking.BookingConfirmation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CreateCalls = append(c.CreateCalls, req)
	if len(c.CreateErrs) > 0 {
		err := c.CreateErrs[0]
		c.CreateErrs = c.CreateErrs[1:]
		if err != nil {
			return nil, err
		}
		return c.confirmation(), nil
	}
	if c.CreateErr != nil {
		return nil, c.CreateErr
	}
	return c.confirmation(), nil
}

func (c *Client) confirmation() *booking.BookingConfirmation {
	if c.Confirmation == nil {
		return &booking.BookingConfirmation{BookingUUID: "mock-booking"}
	}
	conf := *c.Confirmation
	return &conf
}

// Reset clears all recorded calls. Thread-safe.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SortCalls = nil
	c.SlotCalls = nil
	c.ReserveCalls = nil
	c.PatientCalls = nil
	c.CenterCalls = nil
	c.CreateCalls = nil
}

// Ensure Client implements booking.Client at compile time.
var _ booking.Client = (*Client)(nil)
