// Package circuitbreaker guards calls to the notification scheduler with
// sony/gobreaker, adding OpenTelemetry counters, a span per call and a
// state callback for the Prometheus gauge.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State is a breaker state as reported in health output
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Ordinal maps a state to the gauge value exported for it
func (s State) Ordinal() float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Config holds breaker settings. The breaker trips on FailureThreshold
// consecutive failures until MinRequests calls have been seen in the
// current Interval, and on FailureRatio after that.
type Config struct {
	Name             string
	MaxRequests      uint32 // trial calls allowed while half-open
	Interval         time.Duration
	Timeout          time.Duration // open -> half-open
	FailureThreshold uint32
	FailureRatio     float64
	MinRequests      uint32
	// OnStateChange is called after every transition
	OnStateChange func(name string, to State)
}

// DefaultConfig returns defaults for a push-notification backend. A plan for
// a 30 day course issues up to 150 calls in a burst, so the breaker must trip
// early rather than let every slot wait on a dead backend.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      2,
		Interval:         60 * time.Second,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.5,
		MinRequests:      20,
	}
}

// CircuitBreaker is a named gobreaker with telemetry
type CircuitBreaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
	tracer trace.Tracer

	calls    metric.Int64Counter
	failures metric.Int64Counter
	rejected metric.Int64Counter
}

// New creates a breaker from cfg
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &CircuitBreaker{
		name:   cfg.Name,
		logger: logger,
		tracer: otel.Tracer("circuit-breaker"),
	}

	meter := otel.Meter("circuit-breaker")
	for _, ctr := range []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&c.calls, "circuit_breaker_requests_total", "Calls attempted through the breaker"},
		{&c.failures, "circuit_breaker_failures_total", "Calls that failed downstream"},
		{&c.rejected, "circuit_breaker_rejected_total", "Calls refused while open or half-open"},
	} {
		counter, err := meter.Int64Counter(ctr.name, metric.WithDescription(ctr.desc))
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", ctr.name, err)
		}
		*ctr.dst = counter
	}

	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return counts.ConsecutiveFailures >= cfg.FailureThreshold
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", string(fromGobreaker(from))),
				zap.String("to", string(fromGobreaker(to))))
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, fromGobreaker(to))
			}
		},
		// A cancelled caller says nothing about the backend
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return c, nil
}

// IsRejection reports whether err came from the breaker rather than the call
func IsRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Execute runs fn unless the breaker is open
func (c *CircuitBreaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	ctx, span := c.tracer.Start(ctx, "circuit_breaker_execute",
		trace.WithAttributes(
			attribute.String("breaker_name", c.name),
			attribute.String("state", string(c.GetState())),
		))
	defer span.End()

	attrs := metric.WithAttributes(attribute.String("name", c.name))
	c.calls.Add(ctx, 1, attrs)

	result, err := c.cb.Execute(fn)
	if err == nil {
		return result, nil
	}
	if IsRejection(err) {
		c.rejected.Add(ctx, 1, attrs)
		span.SetAttributes(attribute.Bool("circuit_open", true))
	} else {
		c.failures.Add(ctx, 1, attrs)
	}
	span.RecordError(err)
	return nil, err
}

// GetState returns the current state
func (c *CircuitBreaker) GetState() State {
	return fromGobreaker(c.cb.State())
}

// IsOpen reports whether calls are currently refused
func (c *CircuitBreaker) IsOpen() bool {
	return c.GetState() == StateOpen
}

// Counts returns the counts of the current interval
func (c *CircuitBreaker) Counts() gobreaker.Counts {
	return c.cb.Counts()
}

// Manager keeps one breaker per downstream name
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	logger   *zap.Logger
}

// NewManager creates an empty manager
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{breakers: make(map[string]*CircuitBreaker), logger: logger}
}

// GetOrCreate returns the breaker registered under name, creating it from
// cfg on first use
func (m *Manager) GetOrCreate(name string, cfg Config) (*CircuitBreaker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[name]; ok {
		return cb, nil
	}
	cfg.Name = name
	cb, err := New(cfg, m.logger)
	if err != nil {
		return nil, err
	}
	m.breakers[name] = cb
	return cb, nil
}

// HealthStatus is a breaker's state for the health endpoint
type HealthStatus struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
	Healthy  bool   `json:"healthy"`
}

// GetHealthStatus reports every breaker, ordered by name
func (m *Manager) GetHealthStatus() []HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]HealthStatus, 0, len(m.breakers))
	for name, cb := range m.breakers {
		counts := cb.Counts()
		state := cb.GetState()
		out = append(out, HealthStatus{
			Name:     name,
			State:    state,
			Requests: counts.Requests,
			Failures: counts.TotalFailures,
			Healthy:  state != StateOpen,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
