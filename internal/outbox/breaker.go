package outbox

import (
	"sync"
	"time"

	"github.com/rendis/attendflow/internal/metrics"
	"github.com/rendis/attendflow/pkg/schema"
)

// BreakerState is the state of one channel's circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures per-channel circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects before letting a probe through.
	Cooldown time.Duration
	// HalfOpenMax is the number of probes allowed while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the dispatcher defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	openedAt            time.Time
	halfOpenAttempts    int
}

// Breakers holds one circuit breaker per delivery channel so a failing
// provider does not burn the retry budget of every queued message.
type Breakers struct {
	mu       sync.Mutex
	breakers map[schema.Channel]*breaker
	cfg      BreakerConfig
	now      func() time.Time
}

// NewBreakers creates a registry. Zero config fields take the defaults.
func NewBreakers(cfg BreakerConfig, now func() time.Time) *Breakers {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = def.HalfOpenMax
	}
	if now == nil {
		now = time.Now
	}
	return &Breakers{breakers: make(map[schema.Channel]*breaker), cfg: cfg, now: now}
}

// Allow returns nil when a delivery on ch may proceed, or a retryable
// DELIVERY_FAILED error while the circuit is open.
func (b *Breakers) Allow(ch schema.Channel) error {
	cb := b.get(ch)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		if elapsed := b.now().Sub(cb.openedAt); elapsed < b.cfg.Cooldown {
			return schema.NewErrorf(schema.ErrCodeDeliveryFailed,
				"circuit open for channel %s after %d consecutive failures", ch, cb.consecutiveFailures).
				WithDetails(map[string]any{
					"channel":            string(ch),
					"cooldown_remaining": (b.cfg.Cooldown - elapsed).String(),
				})
		}
		b.set(ch, cb, BreakerHalfOpen)
		cb.halfOpenAttempts = 1
		return nil
	case BreakerHalfOpen:
		if cb.halfOpenAttempts >= b.cfg.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeDeliveryFailed, "circuit half-open for channel %s: probe in flight", ch)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// Success closes the circuit for ch.
func (b *Breakers) Success(ch schema.Channel) {
	cb := b.get(ch)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	b.set(ch, cb, BreakerClosed)
}

// Failure records a failed delivery on ch and returns the resulting state.
func (b *Breakers) Failure(ch schema.Channel) BreakerState {
	cb := b.get(ch)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	if cb.state == BreakerHalfOpen || cb.consecutiveFailures >= b.cfg.FailureThreshold {
		cb.openedAt = b.now()
		b.set(ch, cb, BreakerOpen)
	}
	return cb.state
}

// State returns the current state for ch.
func (b *Breakers) State(ch schema.Channel) BreakerState {
	cb := b.get(ch)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// set must be called with cb.mu held.
func (b *Breakers) set(ch schema.Channel, cb *breaker, st BreakerState) {
	cb.state = st
	metrics.BreakerState.WithLabelValues(string(ch)).Set(float64(st))
}

func (b *Breakers) get(ch schema.Channel) *breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[ch]
	if !ok {
		cb = &breaker{}
		b.breakers[ch] = cb
	}
	return cb
}
