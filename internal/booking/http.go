package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/taliaworks/pipecat-bridge/internal/observe"
	"github.com/taliaworks/pipecat-bridge/internal/resilience"
)

const defaultHTTPTimeout = 10 * time.Second

// HTTPOptions configures the [HTTPClient].
type HTTPOptions struct {
	// APIKey, when set, is sent as a bearer token on every request.
	APIKey string
	// Timeout bounds each backend call. Defaults to 10 s.
	Timeout time.Duration
	// Breaker protects the backend; a default one is created when nil.
	Breaker *resilience.CircuitBreaker
	// Metrics records call latency; [observe.DefaultMetrics] when nil.
	Metrics *observe.Metrics
}

// HTTPClient implements [Client] against the clinic booking REST API. All
// endpoints take JSON bodies via POST.
type HTTPClient struct {
	base    *url.URL
	apiKey  string
	hc      *http.Client
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient builds a client for the backend at baseURL.
func NewHTTPClient(baseURL string, opts HTTPOptions) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("booking: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("booking: unsupported base url scheme %q", u.Scheme)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultHTTPTimeout
	}
	if opts.Breaker == nil {
		opts.Breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "booking-backend"})
	}
	if opts.Metrics == nil {
		opts.Metrics = observe.DefaultMetrics()
	}
	return &HTTPClient{
		base:    u,
		apiKey:  opts.APIKey,
		hc:      &http.Client{Timeout: opts.Timeout},
		breaker: opts.Breaker,
		metrics: opts.Metrics,
	}, nil
}

// SortServices implements [Client].
func (c *HTTPClient) SortServices(ctx context.Context, req SortRequest) (*SortResponse, error) {
	var res SortResponse
	if err := c.post(ctx, "sorting", "/api/v1/services/sorting", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SearchSlots implements [Client].
func (c *HTTPClient) SearchSlots(ctx context.Context, q SlotQuery) ([]Slot, error) {
	var res struct {
		Slots []Slot `json:"slots"`
	}
	if err := c.post(ctx, "slot_search", "/api/v1/slots/search", q, &res); err != nil {
		return nil, err
	}
	return res.Slots, nil
}

// ReserveSlot implements [Client].
func (c *HTTPClient) ReserveSlot(ctx context.Context, req ReserveRequest) (*SlotReservation, error) {
	var res SlotReservation
	if err := c.post(ctx, "reserve", "/api/v1/slots/reserve", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// FindPatient implements [Client]. A match-less search is not an error.
func (c *HTTPClient) FindPatient(ctx context.Context, q PatientQuery) (*Patient, error) {
	var res struct {
		Patients []Patient `json:"patients"`
	}
	if err := c.post(ctx, "patient_search", "/api/v1/patients/search", q, &res); err != nil {
		return nil, err
	}
	if len(res.Patients) == 0 {
		return nil, nil
	}
	return &res.Patients[0], nil
}

// SearchCenters implements [Client].
func (c *HTTPClient) SearchCenters(ctx context.Context, q CenterQuery) ([]HealthCenter, error) {
	var res struct {
		Centers []HealthCenter `json:"centers"`
	}
	if err := c.post(ctx, "center_search", "/api/v1/centers/search", q, &res); err != nil {
		return nil, err
	}
	return res.Centers, nil
}

// CreateBooking implements [Client].
func (c *HTTPClient) CreateBooking(ctx context.Context, req BookingRequest) (*BookingConfirmation, error) {
	var res BookingConfirmation
	if err := c.post(ctx, "commit", "/api/v1/bookings", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// post sends one JSON request through the circuit breaker and decodes the
// response into out. Transport failures and non-2xx statuses both wrap
// [ErrUpstream].
func (c *HTTPClient) post(ctx context.Context, op, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("booking: %s: encode request: %w", op, err)
	}

	ctx, span := observe.StartSpan(ctx, "booking."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", http.MethodPost),
		attribute.String("http.route", path),
	)

	start := time.Now()
	err = c.breaker.Execute(func() error {
		return c.do(ctx, path, body, out)
	})
	c.metrics.BookingCallDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("operation", op)))

	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("booking: %s: %w", op, err)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, path string, body []byte, out any) error {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
