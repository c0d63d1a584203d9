package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// ErrTimeout is returned when a guarded call exceeds its time budget.
var ErrTimeout = eris.New("resilience: action timed out")

// GuardConfig bundles the policies applied to every outbound action.
type GuardConfig struct {
	Retry         RetryConfig
	Circuit       CircuitBreakerConfig
	RatePerSecond float64 // per service; <= 0 disables rate limiting
	Burst         int
	Timeout       time.Duration // whole-call budget including retries
}

// Guard applies timeout, rate limiting, circuit breaking and retries to
// calls against named external services.
type Guard struct {
	cfg      GuardConfig
	breakers *ServiceBreakers

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewGuard creates a Guard.
func NewGuard(cfg GuardConfig) *Guard {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Guard{
		cfg:      cfg,
		breakers: NewServiceBreakers(cfg.Circuit),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Breakers exposes the per-service circuit breakers.
func (g *Guard) Breakers() *ServiceBreakers { return g.breakers }

func (g *Guard) limiter(service string) *rate.Limiter {
	if g.cfg.RatePerSecond <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[service]
	if !ok {
		l = rate.NewLimiter(rate.Limit(g.cfg.RatePerSecond), g.cfg.Burst)
		g.limiters[service] = l
	}
	return l
}

// Call runs fn against service. The call is detached from cancellation of
// ctx so an in-flight action is never abandoned half way; it is bounded by
// the guard's timeout instead. fn should honor its context, but Call
// returns ErrTimeout at the deadline even if it does not.
func Call[T any](ctx context.Context, g *Guard, service, action string, fn func(ctx context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.Timeout)
	defer cancel()

	retryCfg := g.cfg.Retry
	if retryCfg.OnRetry == nil {
		retryCfg.OnRetry = RetryLogger(service, action)
	}
	breaker := g.breakers.Get(service)
	limiter := g.limiter(service)

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)

	go func() {
		val, err := DoVal(callCtx, retryCfg, func(ctx context.Context) (T, error) {
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					var zero T
					return zero, eris.Wrapf(err, "resilience: %s rate limit", service)
				}
			}
			return ExecuteVal(ctx, breaker, fn)
		})
		done <- result{val: val, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && callCtx.Err() != nil {
			var zero T
			return zero, eris.Wrapf(ErrTimeout, "%s %s after %s: %v", service, action, g.cfg.Timeout, r.err)
		}
		return r.val, r.err
	case <-callCtx.Done():
		var zero T
		return zero, eris.Wrapf(ErrTimeout, "%s %s after %s", service, action, g.cfg.Timeout)
	}
}
