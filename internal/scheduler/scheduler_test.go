package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/attendflow/internal/ladder"
	"github.com/rendis/attendflow/internal/lock"
	"github.com/rendis/attendflow/internal/store"
	"github.com/rendis/attendflow/internal/store/storetest"
)

var now0 = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

// mockJobStore keeps evaluation jobs in memory.
type mockJobStore struct {
	mu   sync.Mutex
	jobs map[string]*store.EvaluationJob
}

func newMockJobStore() *mockJobStore {
	return &mockJobStore{jobs: make(map[string]*store.EvaluationJob)}
}

func (m *mockJobStore) add(job *store.EvaluationJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
}

func (m *mockJobStore) get(id string) *store.EvaluationJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.jobs[id]
	return &cp
}

func (m *mockJobStore) UpdateEvaluationJob(_ context.Context, id string, update store.EvaluationJobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil
	}
	if update.Enabled != nil {
		j.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		j.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		j.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		j.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *mockJobStore) ListEvaluationJobs(_ context.Context, filter store.EvaluationJobFilter) ([]*store.EvaluationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.EvaluationJob
	for _, j := range m.jobs {
		if filter.Enabled != nil && j.Enabled != *filter.Enabled {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}
	return result, nil
}

// mockIntake records RunIntake calls.
type mockIntake struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *mockIntake) RunIntake(_ context.Context, schoolID string, asOf time.Time) (*ladder.IntakeReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, schoolID)
	if r.err != nil {
		return nil, r.err
	}
	return &ladder.IntakeReport{SchoolID: schoolID, AsOf: asOf}, nil
}

func (r *mockIntake) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// fakeLocker always grants the lock unless contended is set.
type fakeLocker struct {
	contended bool
	now       time.Time
}

func (l *fakeLocker) WithLock(ctx context.Context, name string, _ time.Duration, fn func(context.Context, *lock.Handle) error) (bool, error) {
	if l.contended {
		return false, nil
	}
	return true, fn(ctx, &lock.Handle{Name: name, Acquired: true})
}

func (l *fakeLocker) Now() time.Time { return l.now }

func newTestScheduler(s JobStore, intake IntakeRunner) *Scheduler {
	return NewScheduler(s, intake, &fakeLocker{now: now0}, time.Minute, nil)
}

func ptr(t time.Time) *time.Time { return &t }

// --- Tests ---

func TestCalculateNextRun(t *testing.T) {
	sched := newTestScheduler(newMockJobStore(), &mockIntake{})

	next, err := sched.CalculateNextRun("0 * * * *", now0)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	// School mornings.
	next, err = sched.CalculateNextRun("30 6 * * 1-5", now0)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 6, 30, 0, 0, time.UTC), next)

	_, err = sched.CalculateNextRun("invalid cron", now0)
	require.Error(t, err)
}

func TestTickRunsDueJobs(t *testing.T) {
	ms := newMockJobStore()
	intake := &mockIntake{}
	sched := newTestScheduler(ms, intake)

	ms.add(&store.EvaluationJob{ID: "due-1", SchoolID: "school-a", CronExpression: "0 * * * *", Enabled: true, NextRunAt: ptr(now0.Add(-time.Hour))})
	ms.add(&store.EvaluationJob{ID: "not-due", SchoolID: "school-b", CronExpression: "0 * * * *", Enabled: true, NextRunAt: ptr(now0.Add(time.Hour))})
	ms.add(&store.EvaluationJob{ID: "never-ran", SchoolID: "school-c", CronExpression: "0 * * * *", Enabled: true})
	ms.add(&store.EvaluationJob{ID: "disabled", SchoolID: "school-d", CronExpression: "0 * * * *", NextRunAt: ptr(now0.Add(-time.Hour))})

	ran, err := sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, ran)
	assert.ElementsMatch(t, []string{"school-a", "school-c"}, intake.calls)

	got := ms.get("due-1")
	require.NotNil(t, got.LastRunAt)
	assert.Equal(t, now0, *got.LastRunAt)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), *got.NextRunAt)
	assert.Equal(t, StatusSuccess, got.LastRunStatus)
}

func TestTickRecordsFailure(t *testing.T) {
	ms := newMockJobStore()
	sched := newTestScheduler(ms, &mockIntake{err: assert.AnError})

	ms.add(&store.EvaluationJob{ID: "job-fail", SchoolID: "school-a", CronExpression: "0 * * * *", Enabled: true})
	_, err := sched.Tick(context.Background())
	require.NoError(t, err)

	got := ms.get("job-fail")
	assert.Equal(t, StatusError, got.LastRunStatus)
	assert.NotNil(t, got.NextRunAt)
}

func TestTickSkippedWhenLockContended(t *testing.T) {
	ms := newMockJobStore()
	intake := &mockIntake{}
	sched := NewScheduler(ms, intake, &fakeLocker{contended: true, now: now0}, time.Minute, nil)

	ms.add(&store.EvaluationJob{ID: "job-1", SchoolID: "school-a", CronExpression: "0 * * * *", Enabled: true})
	ran, err := sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, ran)
	assert.Zero(t, intake.callCount())
}

func TestMissedRecovery(t *testing.T) {
	ms := newMockJobStore()
	intake := &mockIntake{}
	sched := newTestScheduler(ms, intake)

	ms.add(&store.EvaluationJob{ID: "missed", SchoolID: "school-a", CronExpression: "0 * * * *", Enabled: true, NextRunAt: ptr(now0.Add(-2 * time.Hour))})
	ms.add(&store.EvaluationJob{ID: "never-ran", SchoolID: "school-b", CronExpression: "0 * * * *", Enabled: true})

	require.NoError(t, sched.RecoverMissed(context.Background()))
	assert.Equal(t, []string{"school-a"}, intake.calls)

	got := ms.get("missed")
	assert.Equal(t, StatusSuccess, got.LastRunStatus)
	assert.True(t, got.NextRunAt.After(now0))
}

func TestDedupPreventsDoubleRun(t *testing.T) {
	ms := newMockJobStore()
	intake := &mockIntake{}
	sched := newTestScheduler(ms, intake)
	ms.add(&store.EvaluationJob{ID: "job-dedup", SchoolID: "school-a", CronExpression: "0 * * * *", Enabled: true})

	assert.True(t, sched.tryAcquire("job-dedup"))
	_, err := sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, intake.callCount())

	sched.releaseJob("job-dedup")
	_, err = sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, intake.callCount())
}

func TestTickUnderRealLock(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	require.NoError(t, s.CreateEvaluationJob(ctx, &store.EvaluationJob{
		ID: "job-1", SchoolID: "school-a", CronExpression: "0 6 * * *", Enabled: true,
	}))

	clk := func() time.Time { return now0 }
	holder := lock.NewService(s, "host:2:other", lock.WithClock(clk))
	h, err := holder.Acquire(ctx, LockName, time.Minute)
	require.NoError(t, err)
	require.True(t, h.Acquired)

	intake := &mockIntake{}
	sched := NewScheduler(s, intake, lock.NewService(s, "host:1:sched", lock.WithClock(clk)), time.Minute, nil)
	ran, err := sched.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, ran)

	require.NoError(t, holder.Release(ctx, h))
	ran, err = sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ran)

	job, err := s.GetEvaluationJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 6, 0, 0, 0, time.UTC), *job.NextRunAt)
}

func TestStartStop(t *testing.T) {
	sched := newTestScheduler(newMockJobStore(), &mockIntake{})
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))
	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
}
