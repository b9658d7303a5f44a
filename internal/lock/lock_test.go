package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/attendflow/internal/store"
	"github.com/rendis/attendflow/internal/store/storetest"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)}
}

func TestAcquire_MutualExclusion(t *testing.T) {
	s := storetest.New(t)
	clk := newClock()
	ctx := context.Background()

	const holders = 6
	var wg sync.WaitGroup
	handles := make([]*Handle, holders)
	for i := 0; i < holders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			svc := NewService(s, fmt.Sprintf("host:%d:n", i+1), WithClock(clk.Now))
			h, err := svc.Acquire(ctx, "x", time.Minute)
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	acquired := 0
	for _, h := range handles {
		require.NotNil(t, h)
		if h.Acquired {
			acquired++
		}
	}
	assert.Equal(t, 1, acquired)
}

func TestAcquire_StealAfterExpiryBumpsFence(t *testing.T) {
	s := storetest.New(t)
	clk := newClock()
	ctx := context.Background()
	a := NewService(s, "a:1:n", WithClock(clk.Now))
	b := NewService(s, "b:2:n", WithClock(clk.Now))

	ha, err := a.Acquire(ctx, "playbook-runner", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ha.Acquired)
	assert.True(t, ha.Valid(clk.Now()))

	hb, err := b.Acquire(ctx, "playbook-runner", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, hb.Acquired)
	assert.False(t, hb.Valid(clk.Now()))

	clk.Advance(31 * time.Second)
	assert.False(t, ha.Valid(clk.Now()))

	hb, err = b.Acquire(ctx, "playbook-runner", 30*time.Second)
	require.NoError(t, err)
	require.True(t, hb.Acquired)
	assert.Greater(t, hb.Fence, ha.Fence)

	// The stale holder's release must not free b's lease.
	require.NoError(t, a.Release(ctx, ha))
	hc, err := a.Acquire(ctx, "playbook-runner", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, hc.Acquired)

	row, err := s.GetLock(ctx, "playbook-runner")
	require.NoError(t, err)
	assert.Equal(t, "b:2:n", row.Holder)
}

func TestRelease_SoftReleaseAllowsImmediateTakeover(t *testing.T) {
	s := storetest.New(t)
	clk := newClock()
	ctx := context.Background()
	a := NewService(s, "a:1:n", WithClock(clk.Now))
	b := NewService(s, "b:2:n", WithClock(clk.Now))

	ha, err := a.Acquire(ctx, "x", time.Hour)
	require.NoError(t, err)
	require.NoError(t, a.Release(ctx, ha))
	assert.False(t, ha.Acquired)

	row, err := s.GetLock(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, clk.Now(), row.ExpiresAt)

	hb, err := b.Acquire(ctx, "x", time.Hour)
	require.NoError(t, err)
	assert.True(t, hb.Acquired)
}

func TestRelease_UnacquiredIsNoop(t *testing.T) {
	svc := NewService(&failingBackend{}, "a:1:n")
	assert.NoError(t, svc.Release(context.Background(), nil))
	assert.NoError(t, svc.Release(context.Background(), &Handle{Name: "x"}))
}

func TestWithLock(t *testing.T) {
	s := storetest.New(t)
	clk := newClock()
	ctx := context.Background()
	a := NewService(s, "a:1:n", WithClock(clk.Now))
	b := NewService(s, "b:2:n", WithClock(clk.Now))

	var inner bool
	ran, err := a.WithLock(ctx, "x", time.Minute, func(ctx context.Context, h *Handle) error {
		ranB, err := b.WithLock(ctx, "x", time.Minute, func(context.Context, *Handle) error {
			inner = true
			return nil
		})
		assert.NoError(t, err)
		assert.False(t, ranB)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, inner)

	// Released: b can take it now.
	ran, err = b.WithLock(ctx, "x", time.Minute, func(context.Context, *Handle) error { return nil })
	require.NoError(t, err)
	assert.True(t, ran)
}

type failingBackend struct{}

func (failingBackend) AcquireLock(context.Context, string, string, time.Time, time.Time) (*store.LockRow, bool, error) {
	return nil, false, errors.New("database is locked")
}

func (failingBackend) ReleaseLock(context.Context, string, string, int64, time.Time) (bool, error) {
	return false, errors.New("database is locked")
}

func TestAcquire_BackendErrorPropagates(t *testing.T) {
	svc := NewService(failingBackend{}, "a:1:n")
	_, err := svc.Acquire(context.Background(), "x", time.Minute)
	require.Error(t, err)
}
