// Package storetest provides migrated libSQL stores and fixtures for package tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/attendflow/internal/store"
	"github.com/rendis/attendflow/pkg/schema"
)

// New returns a migrated store backed by a file in t.TempDir().
func New(t testing.TB) *store.LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "attendflow.db")
	s, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Days returns a pointer to n, for optional day counts in fixtures.
func Days(n int) *int { return &n }

// Percent returns a pointer to v, for optional thresholds in fixtures.
func Percent(v float64) *float64 { return &v }

// Date parses a YYYY-MM-DD date in UTC and fails the test on error.
func Date(t testing.TB, s string) time.Time {
	t.Helper()
	d, err := time.Parse(schema.DateLayout, s)
	require.NoError(t, err)
	return d
}

// LetterLadder returns an active rule set with a three-rung letter ladder and
// the given conditions.
func LetterLadder(id, schoolID string, conditions ...string) *schema.RuleSet {
	rs := &schema.RuleSet{
		ID:       id,
		TenantID: "tenant-1",
		SchoolID: schoolID,
		Name:     "Persistent absence " + id,
		Active:   true,
		Stages: []schema.Stage{
			{ID: id + "-s1", Order: 1, Type: schema.StageFirstLetter, DaysBeforeNext: Days(7)},
			{ID: id + "-s2", Order: 2, Type: schema.StageSecondLetter, DaysBeforeNext: Days(7)},
			{ID: id + "-s3", Order: 3, Type: schema.StageMeeting},
		},
	}
	for _, c := range conditions {
		rs.Conditions = append(rs.Conditions, []byte(c))
	}
	return rs
}

// TwoStepPlaybook returns an active SMS-then-email playbook triggered by stageType.
func TwoStepPlaybook(id string, stageType schema.StageType) *schema.PlaybookDefinition {
	return &schema.PlaybookDefinition{
		ID:               id,
		TenantID:         "tenant-1",
		Name:             "Guardian outreach " + id,
		TriggerStageType: stageType,
		Active:           true,
		Steps: []schema.PlaybookStep{
			{ID: id + "-sms", Order: 1, OffsetDays: 0, Channel: schema.ChannelSMS, TemplateRef: "absence-sms"},
			{ID: id + "-email", Order: 2, OffsetDays: 3, Channel: schema.ChannelEmail, TemplateRef: "absence-email",
				FallbackChannel: schema.ChannelSMS, SkipIfPreviousReplied: true},
		},
	}
}

// Guardian stores a primary guardian reachable by SMS and email.
func Guardian(t testing.TB, s store.Store, id, studentID string) *schema.Guardian {
	t.Helper()
	g := &schema.Guardian{
		ID:        id,
		StudentID: studentID,
		Name:      "Guardian of " + studentID,
		Phone:     "+440000000000",
		Email:     studentID + "@example.org",
		Channels:  []schema.Channel{schema.ChannelSMS, schema.ChannelEmail},
	}
	require.NoError(t, s.UpsertGuardian(context.Background(), g, true))
	return g
}

// Summary stores an attendance aggregate.
func Summary(t testing.TB, s store.Store, studentID, schoolID, date string, percent float64, consecutive, total int) {
	t.Helper()
	require.NoError(t, s.UpsertDailySummary(context.Background(), &schema.AttendanceSummary{
		StudentID:              studentID,
		SchoolID:               schoolID,
		Date:                   Date(t, date),
		AttendancePercent:      percent,
		ConsecutiveAbsenceDays: consecutive,
		TotalAbsenceDaysYTD:    total,
	}))
}
