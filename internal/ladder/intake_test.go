package ladder

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/attendflow/internal/rules"
	"github.com/rendis/attendflow/internal/store"
	"github.com/rendis/attendflow/internal/store/storetest"
	"github.com/rendis/attendflow/pkg/schema"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newIntake(t *testing.T) (*Intake, *store.LibSQLStore, *fakeClock) {
	t.Helper()
	s := storetest.New(t)
	clock := &fakeClock{now: t0}
	compiler := rules.NewCompiler(nil, nil, nil)
	l := New(s, compiler, WithClock(clock.Now))
	return NewIntake(rules.NewEngine(s, s, compiler, nil), l, s, nil), s, clock
}

func TestRunIntake_CreatesAndAdvances(t *testing.T) {
	in, s, clock := newIntake(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertRuleSet(ctx, storetest.LetterLadder("rs-1", "school-1",
		`{"type":"AttendancePercentThreshold","thresholdPercentage":90}`)))
	storetest.Summary(t, s, "stu-low", "school-1", "2025-03-03", 82, 1, 7)
	storetest.Summary(t, s, "stu-ok", "school-1", "2025-03-03", 98, 0, 1)

	report, err := in.RunIntake(ctx, "school-1", storetest.Date(t, "2025-03-03"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Eligible)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 0, report.Advanced)

	report, err = in.RunIntake(ctx, "school-1", storetest.Date(t, "2025-03-03"))
	require.NoError(t, err)
	assert.Equal(t, 0, report.Created, "second pass is idempotent")

	clock.Set(day(7))
	report, err = in.RunIntake(ctx, "school-1", storetest.Date(t, "2025-03-10"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Advanced)

	insts, err := s.ListInstances(ctx, store.InstanceFilter{StudentID: "stu-low"})
	require.NoError(t, err)
	require.Len(t, insts, 1)
	assert.Equal(t, "rs-1-s2", insts[0].CurrentStageID)
}

func TestRunIntake_StopConditionClosesInstance(t *testing.T) {
	in, s, clock := newIntake(t)
	ctx := context.Background()
	rs := storetest.LetterLadder("rs-1", "school-1", `{"type":"TotalAbsenceDays","totalDays":5}`)
	rs.Stages[0].StopConditions = []json.RawMessage{
		json.RawMessage(`{"type":"AttendancePercentAbove","thresholdPercentage":95}`),
	}
	require.NoError(t, s.UpsertRuleSet(ctx, rs))
	storetest.Summary(t, s, "stu-1", "school-1", "2025-03-03", 88, 0, 6)

	_, err := in.RunIntake(ctx, "school-1", storetest.Date(t, "2025-03-03"))
	require.NoError(t, err)

	storetest.Summary(t, s, "stu-1", "school-1", "2025-03-05", 96, 0, 6)
	clock.Set(day(2))
	report, err := in.RunIntake(ctx, "school-1", storetest.Date(t, "2025-03-05"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stopped)
	assert.Equal(t, 1, report.Eligible, "still eligible on total absences")
	assert.Equal(t, 0, report.Created, "the active instance existed when eligibility was applied")

	stopped := schema.StatusStopped
	insts, err := s.ListInstances(ctx, store.InstanceFilter{StudentID: "stu-1", Status: &stopped})
	require.NoError(t, err)
	require.Len(t, insts, 1)
	assert.Equal(t, "STOP_CONDITION:ATTENDANCEPERCENTABOVE", insts[0].ClosedReason)

	clock.Set(day(3))
	report, err = in.RunIntake(ctx, "school-1", storetest.Date(t, "2025-03-05"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created, "a stopped instance does not block a new one")
	assert.Equal(t, 1, report.Stopped)
}

func TestRunIntake_NoRuleSets(t *testing.T) {
	in, s, _ := newIntake(t)
	storetest.Summary(t, s, "stu-1", "school-1", "2025-03-03", 10, 9, 30)

	report, err := in.RunIntake(context.Background(), "school-1", storetest.Date(t, "2025-03-03"))
	require.NoError(t, err)
	assert.Zero(t, report.Eligible)
	assert.Zero(t, report.Created)
}
