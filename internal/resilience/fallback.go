package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed reports that a [FallbackGroup] ran out of backends: every entry
// either returned an error or was skipped with an open breaker.
var ErrAllFailed = errors.New("resilience: all backends failed")

// FallbackConfig holds the breaker settings applied to each backend registered
// in a [FallbackGroup]. Every backend gets its own breaker so a flapping
// primary cannot poison the health tracking of its fallbacks.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// FallbackGroup holds an ordered list of interchangeable backends of one
// provider type. Calls go to the first healthy backend; on failure the next
// one is tried, and backends with an open breaker are skipped outright.
//
// Safe for concurrent use.
type FallbackGroup[T any] struct {
	backends []guardedBackend[T]
	cfg      FallbackConfig
}

// guardedBackend is a backend plus the breaker that tracks its health.
type guardedBackend[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// NewFallbackGroup builds a group whose first backend is primary. Register
// alternates with [FallbackGroup.AddFallback]; they are tried in the order
// added.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.register(primaryName, primary)
	return fg
}

// AddFallback appends a backend to the end of the try order.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	fg.register(name, fallback)
}

func (fg *FallbackGroup[T]) register(name string, value T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.backends = append(fg.backends, guardedBackend[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Execute runs fn against backends in try order until one call succeeds.
// If none does, the last error is wrapped in [ErrAllFailed].
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult runs fn against backends in try order until one call
// succeeds and returns its result. A package-level function rather than a
// method: methods cannot introduce the result type parameter R.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var lastErr error
	for i := range fg.backends {
		b := &fg.backends[i]
		var result R
		err := b.breaker.Execute(func() error {
			var callErr error
			result, callErr = fn(b.value)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("circuit open, skipping backend", "backend", b.name)
			continue
		}
		slog.Warn("backend failed, trying next", "backend", b.name, "error", err)
	}
	var zero R
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
