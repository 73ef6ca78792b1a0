package resilience

import (
	"errors"
	"testing"
	"time"
)

func newStringGroup(maxFailures int, resetTimeout time.Duration) *FallbackGroup[string] {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures:  maxFailures,
			ResetTimeout: resetTimeout,
		},
	})
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestFallbackGroup_PrimaryServes(t *testing.T) {
	fg := newStringGroup(3, 0)

	got, err := ExecuteWithResult(fg, func(backend string) (string, error) {
		return "answer from " + backend, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "answer from primary" {
		t.Fatalf("result = %q, want the primary's answer", got)
	}
}

func TestFallbackGroup_FailsOverToSecondary(t *testing.T) {
	fg := newStringGroup(3, 0)

	got, err := ExecuteWithResult(fg, func(backend string) (string, error) {
		if backend == "primary" {
			return "", errTest
		}
		return "answer from " + backend, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "answer from secondary" {
		t.Fatalf("result = %q, want the secondary's answer", got)
	}
}

func TestFallbackGroup_AllBackendsDown(t *testing.T) {
	fg := newStringGroup(3, 0)

	_, err := ExecuteWithResult(fg, func(string) (string, error) {
		return "", errTest
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestFallbackGroup_OpenBreakerSkipsPrimary(t *testing.T) {
	fg := newStringGroup(2, time.Hour)

	// Fail the primary enough times to open its breaker.
	for i := 0; i < 2; i++ {
		_, _ = ExecuteWithResult(fg, func(backend string) (string, error) {
			if backend == "primary" {
				return "", errTest
			}
			return "ok", nil
		})
	}

	// The primary's breaker is open now; calls must land on the secondary
	// without touching the primary at all.
	var served []string
	got, err := ExecuteWithResult(fg, func(backend string) (string, error) {
		served = append(served, backend)
		return backend, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "secondary" {
		t.Fatalf("result = %q, want secondary", got)
	}
	if len(served) != 1 || served[0] != "secondary" {
		t.Fatalf("backends tried = %v, want only the secondary", served)
	}
}

func TestFallbackGroup_SingleEntryWrapsLastError(t *testing.T) {
	fg := NewFallbackGroup("only", "only", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})

	_, err := ExecuteWithResult(fg, func(string) (string, error) {
		return "", errTest
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
