package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ariastack/aria-engine/internal/metrics"
)

var (
	// ErrExhaustedFallbacks is returned when no attempt produced a valid result.
	ErrExhaustedFallbacks = errors.New("all resolution attempts failed")
	// ErrInvalidResult marks an attempt whose output failed validation.
	ErrInvalidResult = errors.New("invalid stage result")
)

// Attempt is one candidate strategy for producing a stage result.
type Attempt[T any] struct {
	Tier string
	// Enabled gates the attempt; nil means always enabled. Disabled attempts
	// are skipped without counting as failures.
	Enabled func() bool
	Run     func(ctx context.Context) (T, error)
}

// Resolver runs attempts in order and returns the first result that passes
// Validate. Attempt errors and panics are logged once and never returned.
type Resolver[T any] struct {
	Stage    string
	Attempts []Attempt[T]
	Validate func(T) error
	Logger   *slog.Logger
}

// Resolve returns the winning result and its tier name.
func (r Resolver[T]) Resolve(ctx context.Context) (T, string, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var zero T
	for _, attempt := range r.Attempts {
		if attempt.Enabled != nil && !attempt.Enabled() {
			logger.Debug("resolution attempt skipped",
				slog.String("stage", r.Stage),
				slog.String("tier", attempt.Tier),
			)
			metrics.ObserveAttempt(r.Stage, attempt.Tier, metrics.AttemptSkipped)
			continue
		}

		result, err := r.run(ctx, attempt)
		if err == nil && r.Validate != nil {
			if verr := r.Validate(result); verr != nil {
				err = fmt.Errorf("%w: %v", ErrInvalidResult, verr)
			}
		}
		if err != nil {
			logger.Warn("resolution attempt failed",
				slog.String("stage", r.Stage),
				slog.String("tier", attempt.Tier),
				slog.Any("error", err),
			)
			metrics.ObserveAttempt(r.Stage, attempt.Tier, metrics.AttemptFailure)
			continue
		}

		metrics.ObserveAttempt(r.Stage, attempt.Tier, metrics.AttemptSuccess)
		return result, attempt.Tier, nil
	}
	return zero, "", fmt.Errorf("%s: %w", r.Stage, ErrExhaustedFallbacks)
}

func (r Resolver[T]) run(ctx context.Context, attempt Attempt[T]) (result T, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("attempt panicked: %v", p)
		}
	}()
	if attempt.Run == nil {
		return result, errors.New("attempt has no run function")
	}
	return attempt.Run(ctx)
}
