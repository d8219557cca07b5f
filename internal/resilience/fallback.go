package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has
// an open circuit breaker.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures the per-entry circuit breaker created for each
// provider in a [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// fallbackEntry pairs a provider value with its dedicated circuit breaker.
type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup wraps a primary and zero or more fallback instances of the
// same provider type. When the primary fails (or its circuit breaker is open),
// the next healthy fallback is tried in registration order.
//
// The group watches each entry's breaker through its state-change hook. The
// primary going down or coming back changes which vendor answers calls, so
// those two transitions get their own log lines, and a group where every
// breaker is open is reported as a full outage.
//
// Entries must all be registered before the group is used; registration is
// not synchronized. Execution is safe for concurrent use.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig

	// Number of entries whose breaker is currently open, maintained by the
	// per-entry state-change hooks.
	openCount atomic.Int32
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
// Additional fallbacks are registered via [FallbackGroup.AddFallback].
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.entries = []fallbackEntry[T]{fg.newEntry(primaryName, primary, true)}
	return fg
}

// AddFallback appends a fallback provider. Fallbacks are tried in the order
// they are added, after the primary.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	fg.entries = append(fg.entries, fg.newEntry(name, fallback, false))
}

// newEntry builds a fallbackEntry whose breaker reports health changes back
// to the group.
func (fg *FallbackGroup[T]) newEntry(name string, value T, primary bool) fallbackEntry[T] {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	userHook := cbCfg.OnStateChange
	cbCfg.OnStateChange = func(from, to State) {
		fg.entryStateChanged(name, primary, from, to)
		if userHook != nil {
			userHook(from, to)
		}
	}
	return fallbackEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	}
}

// entryStateChanged keeps the open-breaker count current and reports the
// routing consequences of an entry changing state.
func (fg *FallbackGroup[T]) entryStateChanged(name string, primary bool, from, to State) {
	if to == StateOpen {
		open := fg.openCount.Add(1)
		if primary {
			slog.Warn("primary provider offline, routing to fallbacks",
				"provider", name)
		}
		if int(open) >= len(fg.entries) {
			slog.Error("all providers in fallback group unhealthy",
				"providers", len(fg.entries))
		}
		return
	}
	if from == StateOpen {
		fg.openCount.Add(-1)
	}
	if primary && to == StateClosed {
		slog.Info("primary provider recovered, preferred order restored",
			"provider", name)
	}
}

// OpenBreakers reports how many entries currently have an open breaker.
func (fg *FallbackGroup[T]) OpenBreakers() int {
	return int(fg.openCount.Load())
}

// Execute tries fn against each entry in order until one succeeds.
// Circuit-breaker-open entries are skipped. Returns [ErrAllFailed] wrapped
// with the last error if every entry fails.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	var lastErr error
	for i := range fg.entries {
		entry := &fg.entries[i]
		err := entry.breaker.Execute(func() error {
			return fn(entry.value)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider (circuit open)", "provider", entry.name)
		} else {
			slog.Warn("provider failed, trying next",
				"provider", entry.name, "error", err)
		}
	}
	return fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// ExecuteWithResult tries fn against each entry in the group until one
// succeeds, returning both the result value and error. This is a
// package-level function because Go does not support method-level type
// parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider (circuit open)", "provider", entry.name)
		} else {
			slog.Warn("provider failed, trying next",
				"provider", entry.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
