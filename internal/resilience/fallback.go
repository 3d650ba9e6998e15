package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every member of a [FallbackGroup] fails or
// has an open circuit breaker.
var ErrAllFailed = errors.New("all members failed")

// FallbackConfig configures the breaker created for each member of a
// [FallbackGroup]. The member name overrides CircuitBreaker.Name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary and zero or more secondaries of the same type,
// each behind its own circuit breaker. Calls go to the primary first and move
// down the list in registration order when a member fails or its breaker is
// open.
//
// Members must be registered before the group is shared; after that the group
// is safe for concurrent use.
type FallbackGroup[T any] struct {
	members   []member[T]
	cfg       FallbackConfig
	isFailure func(error) bool
}

// NewFallbackGroup creates a group whose first member is primary.
func NewFallbackGroup[T any](name string, primary T, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg, isFailure: cfg.CircuitBreaker.IsFailure}
	if fg.isFailure == nil {
		fg.isFailure = defaultIsFailure
	}
	fg.Add(name, primary)
	return fg
}

// Add appends a secondary member.
func (fg *FallbackGroup[T]) Add(name string, value T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.members = append(fg.members, member[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Len returns the number of members including the primary.
func (fg *FallbackGroup[T]) Len() int { return len(fg.members) }

// States returns each member's breaker state keyed by member name.
func (fg *FallbackGroup[T]) States() map[string]State {
	out := make(map[string]State, len(fg.members))
	for i := range fg.members {
		out[fg.members[i].name] = fg.members[i].breaker.State()
	}
	return out
}

// Execute calls fn on each member in order until one succeeds. An error the
// breaker does not count as a failure is an answer, not an outage, and is
// returned without trying the next member. Execute also stops once ctx is
// done.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(context.Context, T) error) error {
	_, err := Do(ctx, fg, func(ctx context.Context, v T) (struct{}, error) {
		return struct{}{}, fn(ctx, v)
	})
	return err
}

// Do is [FallbackGroup.Execute] for calls that produce a value. It is a
// function because methods cannot take type parameters.
func Do[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range fg.members {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		m := &fg.members[i]
		var result R
		err := m.breaker.Execute(func() error {
			var callErr error
			result, callErr = fn(ctx, m.value)
			return callErr
		})
		if err == nil {
			if i > 0 {
				slog.Debug("served by secondary", "member", m.name)
			}
			return result, nil
		}
		if ctx.Err() != nil || (!fg.isFailure(err) && !errors.Is(err, ErrCircuitOpen)) {
			return zero, err
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping member, circuit open", "member", m.name)
			continue
		}
		slog.Warn("member failed, trying next", "member", m.name, "err", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
