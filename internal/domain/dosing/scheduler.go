// Package dosing implements the reminder trigger planner and the dose
// status evaluator for a medicine's daily schedule.
package dosing

import (
	"context"
	"errors"
	"time"

	"github.com/drfirst/go-dose/pkg/circuitbreaker"
)

// ErrHandleNotFound is returned by a Scheduler when a handle is unknown or
// its trigger has already fired. Cancellation treats it as success.
var ErrHandleNotFound = errors.New("notification handle not found")

// Handle is the opaque reference a Scheduler returns for a trigger
type Handle string

// Payload is the notification content delivered at trigger time
type Payload struct {
	MedicineID string `json:"medicine_id"`
	Title      string `json:"title"`
	Body       string `json:"body"`
}

// Scheduler is the external notification scheduler
type Scheduler interface {
	// Create registers a trigger at the given instant
	Create(ctx context.Context, at time.Time, payload Payload) (Handle, error)
	// Cancel removes a trigger; unknown handles yield ErrHandleNotFound
	Cancel(ctx context.Context, handle Handle) error
}

// BreakerScheduler routes scheduler calls through a circuit breaker so a
// failing notification backend fails fast instead of stalling every slot.
type BreakerScheduler struct {
	next    Scheduler
	breaker *circuitbreaker.CircuitBreaker
}

// NewBreakerScheduler wraps next with cb
func NewBreakerScheduler(next Scheduler, cb *circuitbreaker.CircuitBreaker) *BreakerScheduler {
	return &BreakerScheduler{next: next, breaker: cb}
}

// Create implements Scheduler
func (s *BreakerScheduler) Create(ctx context.Context, at time.Time, payload Payload) (Handle, error) {
	res, err := s.breaker.Execute(ctx, func() (interface{}, error) {
		return s.next.Create(ctx, at, payload)
	})
	if err != nil {
		return "", err
	}
	return res.(Handle), nil
}

// Cancel implements Scheduler. A missing handle is not a backend failure
// and must not count against the breaker.
func (s *BreakerScheduler) Cancel(ctx context.Context, handle Handle) error {
	var notFound bool
	_, err := s.breaker.Execute(ctx, func() (interface{}, error) {
		err := s.next.Cancel(ctx, handle)
		if errors.Is(err, ErrHandleNotFound) {
			notFound = true
			return nil, nil
		}
		return nil, err
	})
	if err != nil {
		return err
	}
	if notFound {
		return ErrHandleNotFound
	}
	return nil
}
