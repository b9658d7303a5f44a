// Package lock provides named cross-process mutual exclusion backed by the
// store's locks table. Leases expire; a lease whose expiry has passed may be
// taken over by any process. Every acquisition carries a fence token that
// increases monotonically per lock name.
package lock

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/attendflow/internal/metrics"
	"github.com/rendis/attendflow/internal/store"
)

// Backend is the persistence the lock service needs. *store.LibSQLStore satisfies it.
type Backend interface {
	AcquireLock(ctx context.Context, name, holder string, now, expiresAt time.Time) (*store.LockRow, bool, error)
	ReleaseLock(ctx context.Context, name, holder string, fence int64, at time.Time) (bool, error)
}

// Handle is the result of an acquisition attempt.
type Handle struct {
	Name       string
	Holder     string
	Acquired   bool
	Fence      int64
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Valid reports whether the lease is held and has not expired at now.
func (h *Handle) Valid(now time.Time) bool {
	return h != nil && h.Acquired && now.Before(h.ExpiresAt)
}

// Service acquires and releases named locks on behalf of one holder identity.
type Service struct {
	backend Backend
	holder  string
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a lock service acting as holder.
func NewService(backend Backend, holder string, opts ...Option) *Service {
	s := &Service{
		backend: backend,
		holder:  holder,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Holder returns the identity this service acquires locks as.
func (s *Service) Holder() string { return s.holder }

// Now returns the service clock's current time.
func (s *Service) Now() time.Time { return s.now() }

// Acquire tries once to take name for ttl. Contention is reported through
// Handle.Acquired=false with a nil error.
func (s *Service) Acquire(ctx context.Context, name string, ttl time.Duration) (*Handle, error) {
	now := s.now()
	row, ok, err := s.backend.AcquireLock(ctx, name, s.holder, now, now.Add(ttl))
	if err != nil {
		metrics.LockAcquisitions.WithLabelValues(name, "error").Inc()
		return nil, err
	}
	h := &Handle{Name: name, Holder: s.holder}
	if !ok {
		metrics.LockAcquisitions.WithLabelValues(name, "contended").Inc()
		s.logger.DebugContext(ctx, "lock contended", "lock", name)
		return h, nil
	}
	metrics.LockAcquisitions.WithLabelValues(name, "acquired").Inc()
	h.Acquired = true
	h.Fence = row.Fence
	h.AcquiredAt = row.AcquiredAt
	h.ExpiresAt = row.ExpiresAt
	return h, nil
}

// Release soft-releases h by pulling its expiry forward to now. Releasing an
// unacquired handle is a no-op. A handle whose lease was already taken over by
// another holder releases nothing.
func (s *Service) Release(ctx context.Context, h *Handle) error {
	if h == nil || !h.Acquired {
		return nil
	}
	released, err := s.backend.ReleaseLock(ctx, h.Name, h.Holder, h.Fence, s.now())
	if err != nil {
		return err
	}
	if !released {
		s.logger.WarnContext(ctx, "lock lease lost before release", "lock", h.Name, "fence", h.Fence)
	}
	h.Acquired = false
	return nil
}

// WithLock runs fn while holding name. When the lock is contended fn is not
// called and ran is false. The lease is released after fn returns.
func (s *Service) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context, h *Handle) error) (ran bool, err error) {
	h, err := s.Acquire(ctx, name, ttl)
	if err != nil {
		return false, err
	}
	if !h.Acquired {
		return false, nil
	}
	defer func() {
		if rerr := s.Release(context.WithoutCancel(ctx), h); rerr != nil {
			s.logger.WarnContext(ctx, "lock release failed", "lock", name, "error", rerr)
		}
	}()
	return true, fn(ctx, h)
}
