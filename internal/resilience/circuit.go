// Package resilience guards calls to the external services a lead run
// depends on: retries with backoff, per-service circuit breakers, rate
// limits, and classification of failures for the retry queue.
package resilience

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CircuitState is the state of one service's breaker.
type CircuitState int

const (
	// CircuitClosed lets calls through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until the reset timeout elapses.
	CircuitOpen
	// CircuitHalfOpen lets trial calls through to see whether the service
	// recovered.
	CircuitHalfOpen
)

var circuitStateNames = [...]string{"closed", "open", "half-open"}

func (s CircuitState) String() string {
	if int(s) < len(circuitStateNames) {
		return circuitStateNames[s]
	}
	return "unknown"
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls when a service is considered down.
type CircuitBreakerConfig struct {
	FailureThreshold  int           // consecutive tripping failures that open the circuit
	ResetTimeout      time.Duration // time spent open before trial calls
	RecoverySuccesses int           // trial successes that close a half-open circuit

	// ShouldTrip decides which failures count against the service.
	// Default: Trips.
	ShouldTrip func(err error) bool
	// OnStateChange runs on every transition, under the breaker's lock.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns the breaker policy for outbound actions.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		ResetTimeout:      30 * time.Second,
		RecoverySuccesses: 1,
	}
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	d := DefaultCircuitBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.RecoverySuccesses <= 0 {
		c.RecoverySuccesses = d.RecoverySuccesses
	}
	if c.ShouldTrip == nil {
		c.ShouldTrip = Trips
	}
	return c
}

// CircuitBreaker tracks the health of one external service.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu        sync.Mutex
	state     CircuitState
	failures  int // consecutive tripping failures
	successes int // trial successes while half-open
	openedAt  time.Time
	lastErr   error

	nowFunc func() time.Time
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults(), nowFunc: time.Now}
}

// ExecuteVal runs fn unless the circuit is open and records its outcome.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	if err := cb.allow(); err != nil {
		var zero T
		return zero, err
	}
	val, err := fn(ctx)
	cb.record(err)
	return val, err
}

// Execute is ExecuteVal for functions without a result.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := ExecuteVal(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// State returns the current state. An open circuit past its reset timeout
// reports half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.effectiveState()
}

// Counters returns the consecutive failure count and the stored state.
func (cb *CircuitBreaker) Counters() (consecutiveFailures int, state CircuitState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures, cb.state
}

// Reset forces the circuit closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures, cb.successes, cb.lastErr = 0, 0, nil
	cb.moveTo(CircuitClosed)
}

// effectiveState is called with mu held.
func (cb *CircuitBreaker) effectiveState() CircuitState {
	if cb.state == CircuitOpen && cb.nowFunc().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return cb.state
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.effectiveState() {
	case CircuitOpen:
		return ErrCircuitOpen
	case CircuitHalfOpen:
		cb.moveTo(CircuitHalfOpen)
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.cfg.ShouldTrip(err) {
		cb.failures = 0
		if cb.state == CircuitHalfOpen {
			if cb.successes++; cb.successes >= cb.cfg.RecoverySuccesses {
				cb.successes = 0
				cb.moveTo(CircuitClosed)
			}
		}
		return
	}

	cb.failures++
	cb.lastErr = err
	if cb.state == CircuitHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
		cb.successes = 0
		cb.openedAt = cb.nowFunc()
		cb.moveTo(CircuitOpen)
	}
}

// moveTo is called with mu held.
func (cb *CircuitBreaker) moveTo(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}

// BreakerStatus is the health of one service as seen by its breaker.
type BreakerStatus struct {
	Service             string     `json:"service"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	LastErrorType       ErrorType  `json:"last_error_type,omitempty"`
}

func (cb *CircuitBreaker) status(service string) BreakerStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	st := BreakerStatus{
		Service:             service,
		State:               cb.effectiveState().String(),
		ConsecutiveFailures: cb.failures,
	}
	if cb.state != CircuitClosed {
		at := cb.openedAt
		st.OpenedAt = &at
	}
	if cb.lastErr != nil {
		st.LastErrorType = ClassifyError(cb.lastErr)
	}
	return st
}

// ServiceBreakers holds one circuit breaker per external service
// ("smtp", "calendar", "anthropic", ...).
type ServiceBreakers struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewServiceBreakers creates the registry. Breakers log their state changes
// unless cfg sets OnStateChange.
func NewServiceBreakers(cfg CircuitBreakerConfig) *ServiceBreakers {
	return &ServiceBreakers{cfg: cfg, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker of service, creating it on first use.
func (sb *ServiceBreakers) Get(service string) *CircuitBreaker {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if cb, ok := sb.breakers[service]; ok {
		return cb
	}
	cfg := sb.cfg
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = func(from, to CircuitState) {
			zap.L().Warn("resilience: circuit state change",
				zap.String("service", service),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}
	}
	cb := NewCircuitBreaker(cfg)
	sb.breakers[service] = cb
	return cb
}

// Snapshot returns the status of every breaker, ordered by service.
func (sb *ServiceBreakers) Snapshot() []BreakerStatus {
	sb.mu.Lock()
	out := make([]BreakerStatus, 0, len(sb.breakers))
	for name, cb := range sb.breakers {
		out = append(out, cb.status(name))
	}
	sb.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// States returns each breaker's state keyed by service.
func (sb *ServiceBreakers) States() map[string]string {
	states := make(map[string]string)
	for _, st := range sb.Snapshot() {
		states[st.Service] = st.State
	}
	return states
}

// Degraded lists the services whose circuit is not closed.
func (sb *ServiceBreakers) Degraded() []string {
	var out []string
	for _, st := range sb.Snapshot() {
		if st.State != CircuitClosed.String() {
			out = append(out, st.Service)
		}
	}
	return out
}
