package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed reports that every backend in a [FallbackGroup] either failed
// or had an open circuit breaker. The flow engine surfaces this to the caller
// as a degraded turn instead of retrying on its own.
var ErrAllFailed = errors.New("all backends failed")

// FallbackConfig carries the circuit-breaker settings applied to each backend
// in a [FallbackGroup]. The zero value uses the breaker defaults.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// fallbackEntry pairs a backend with its own circuit breaker, so one flaky
// LLM endpoint trips only its own circuit and not the whole group's.
type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup orders a primary backend ahead of its fallbacks. Calls go to
// the first entry whose breaker admits them; on failure the next entry is
// tried in registration order. [LLMFallback] builds on it to keep
// conversation turns and knowledge-base answers flowing when the configured
// primary LLM endpoint degrades.
//
// Register all fallbacks during wiring; the group is read-only afterwards and
// safe for concurrent calls.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a group with primary as the first entry. The name
// labels the breaker in logs; config entries use the provider name.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	cbCfg := cfg.CircuitBreaker
	cbCfg.Name = primaryName
	return &FallbackGroup[T]{
		entries: []fallbackEntry[T]{
			{
				name:    primaryName,
				value:   primary,
				breaker: NewCircuitBreaker(cbCfg),
			},
		},
		cfg: cfg,
	}
}

// AddFallback appends a backend tried after the primary and any earlier
// fallbacks, in the order of the llm.fallbacks config list.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// ExecuteWithResult runs fn against each backend in order until one returns a
// result. Entries with an open breaker are skipped. When every entry fails,
// the last error comes back wrapped in [ErrAllFailed].
//
// A package-level function because a method cannot introduce the result type
// parameter.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var lastErr error
	for i := range fg.entries {
		entry := &fg.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			var callErr error
			result, callErr = fn(entry.value)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		logFailover(entry.name, err)
	}
	var zero R
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// logFailover records why an entry was passed over. Open breakers are routine
// once a backend has tripped, so they log at debug.
func logFailover(name string, err error) {
	if errors.Is(err, ErrCircuitOpen) {
		slog.Debug("backend circuit open, trying next", "backend", name)
		return
	}
	slog.Warn("backend failed, trying next", "backend", name, "error", err)
}
