package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTooManyRetries is returned when all attempts of a call have failed.
	ErrTooManyRetries = errors.New("too many failed requests")
)

// TooManyRetriesError reports an exhausted retry budget.
type TooManyRetriesError struct {
	Service  string
	Attempts int
	LastErr  error
}

func (e *TooManyRetriesError) Error() string {
	if e.LastErr == nil {
		return fmt.Sprintf("too many failed %s requests (%d attempts)", e.Service, e.Attempts)
	}
	return fmt.Sprintf("too many failed %s requests (%d attempts): %v", e.Service, e.Attempts, e.LastErr)
}

func (e *TooManyRetriesError) Is(target error) bool {
	return target == ErrTooManyRetries
}

func (e *TooManyRetriesError) Unwrap() error {
	return e.LastErr
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable. Do returns the wrapped error as is.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RetryState is handed to every attempt of one logical call. Marker is
// generated once and stays the same across attempts.
type RetryState struct {
	Attempt    int
	Marker     string
	MaxRetries int
}

// RetryObserver is notified about each finished attempt.
type RetryObserver interface {
	ObserveAttempt(service string, attempt int, err error)
}

// Retrier runs a call up to MaxRetries times. After a failed attempt n it
// waits BackoffUnit*n before the next one, so the delays are 0, unit, 2*unit
// and so on.
type Retrier struct {
	Service     string
	MarkerKey   string
	MaxRetries  int
	BackoffUnit time.Duration
	Clock       Clock
	Logger      *slog.Logger
	Observer    RetryObserver
}

// Backoff returns the delay after the given failed attempt.
func (r *Retrier) Backoff(attempt int) time.Duration {
	return r.BackoffUnit * time.Duration(attempt)
}

// Do calls fn until it succeeds, returns a Permanent error, or the attempt
// budget is spent. Context cancellation aborts the wait between attempts.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context, state RetryState) error) error {
	clock := r.Clock
	if clock == nil {
		clock = RealClock()
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	markerKey := r.MarkerKey
	if markerKey == "" {
		markerKey = "marker"
	}

	state := RetryState{
		Marker:     uuid.NewString(),
		MaxRetries: r.MaxRetries,
	}

	var lastErr error
	for ; ; state.Attempt++ {
		if state.Attempt >= r.MaxRetries {
			logger.Error("Giving up",
				slog.String("service", r.Service),
				slog.Int("retry", state.Attempt),
				slog.String(markerKey, state.Marker))
			return &TooManyRetriesError{Service: r.Service, Attempts: state.Attempt, LastErr: lastErr}
		}

		attemptLogger := logger.With(
			slog.Int("retry", state.Attempt),
			slog.String(markerKey, state.Marker),
		)
		attemptLogger.Debug("Sending request", slog.String("service", r.Service))

		err := fn(ctx, state)
		if r.Observer != nil {
			r.Observer.ObserveAttempt(r.Service, state.Attempt, err)
		}
		if err == nil {
			return nil
		}

		var permanent *permanentError
		if errors.As(err, &permanent) {
			attemptLogger.Info("Request rejected", slog.String("error", permanent.err.Error()))
			return permanent.err
		}

		lastErr = err
		delay := r.Backoff(state.Attempt)
		attemptLogger.Info("Request failed, retrying",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(delay):
		}
	}
}
