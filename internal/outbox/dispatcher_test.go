package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/attendflow/internal/playbook"
	"github.com/rendis/attendflow/internal/store"
	"github.com/rendis/attendflow/pkg/schema"
)

type fakeDeliverer struct {
	mu   sync.Mutex
	sent []*playbook.MessagePayload
	fail map[schema.Channel]error
}

func (f *fakeDeliverer) Deliver(_ context.Context, msg *playbook.MessagePayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[msg.Channel]; err != nil {
		return err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func message(t *testing.T, runID string, ch schema.Channel) *store.OutboxEntry {
	t.Helper()
	payload, err := json.Marshal(playbook.MessagePayload{
		RunID: runID, StepID: "s1", StepOrder: 1, Channel: ch, Recipient: "r", TemplateRef: "tpl",
	})
	require.NoError(t, err)
	return &store.OutboxEntry{
		Type:           playbook.OutboxTypeMessage,
		Payload:        payload,
		IdempotencyKey: playbook.IdempotencyKey(runID, "s1"),
	}
}

func TestDispatcher_DeliversAndCompletes(t *testing.T) {
	svc, s, _ := newService(t, Config{})
	ctx := context.Background()
	d := &fakeDeliverer{}
	disp := NewDispatcher(svc, d, DispatcherConfig{RatePerSecond: 1000, Burst: 10}, nil)

	for _, id := range []string{"run-1", "run-2"} {
		_, err := svc.Enqueue(ctx, message(t, id, schema.ChannelSMS))
		require.NoError(t, err)
	}

	report, err := disp.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Claimed)
	assert.Equal(t, 2, report.Completed)
	assert.Len(t, d.sent, 2)

	completed := schema.OutboxCompleted
	done, err := s.ListOutbox(ctx, store.OutboxFilter{Status: &completed})
	require.NoError(t, err)
	assert.Len(t, done, 2)

	again, err := disp.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Claimed)
}

func TestDispatcher_UnknownTypeIsDeadLettered(t *testing.T) {
	svc, _, _ := newService(t, Config{})
	ctx := context.Background()
	disp := NewDispatcher(svc, &fakeDeliverer{}, DispatcherConfig{}, nil)

	_, err := svc.Enqueue(ctx, entry("k-1"))
	require.NoError(t, err)

	report, err := disp.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DeadLettered)
}

func TestDispatcher_OpenBreakerDefersWithoutSpendingAttempts(t *testing.T) {
	svc, s, clk := newService(t, Config{MaxAttempts: 10, BaseDelay: time.Second})
	ctx := context.Background()
	d := &fakeDeliverer{fail: map[schema.Channel]error{schema.ChannelSMS: errors.New("service unavailable")}}
	disp := NewDispatcher(svc, d, DispatcherConfig{
		RatePerSecond: 1000, Burst: 10,
		Breaker: BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute},
	}, nil)

	_, err := svc.Enqueue(ctx, message(t, "run-1", schema.ChannelSMS))
	require.NoError(t, err)

	report, err := disp.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)
	assert.Equal(t, BreakerOpen, disp.Breakers().State(schema.ChannelSMS))

	clk.Advance(time.Second)
	report, err = disp.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deferred)

	got, err := s.GetOutboxByKey(ctx, playbook.IdempotencyKey("run-1", "s1"))
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.True(t, got.NextAttemptAt.Equal(clk.Now().Add(time.Minute)))

	// After the cooldown a probe goes through and closes the circuit.
	delete(d.fail, schema.ChannelSMS)
	clk.Advance(time.Minute)
	report, err = disp.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, BreakerClosed, disp.Breakers().State(schema.ChannelSMS))
}

func TestBreakers_HalfOpenFailureReopens(t *testing.T) {
	clk := &clock{now: t0}
	b := NewBreakers(BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute, HalfOpenMax: 1}, clk.Now)

	require.NoError(t, b.Allow(schema.ChannelEmail))
	assert.Equal(t, BreakerClosed, b.Failure(schema.ChannelEmail))
	assert.Equal(t, BreakerOpen, b.Failure(schema.ChannelEmail))
	assert.Error(t, b.Allow(schema.ChannelEmail))
	assert.NoError(t, b.Allow(schema.ChannelSMS))

	clk.Advance(time.Minute)
	require.NoError(t, b.Allow(schema.ChannelEmail))
	assert.Equal(t, BreakerHalfOpen, b.State(schema.ChannelEmail))
	assert.Error(t, b.Allow(schema.ChannelEmail))
	assert.Equal(t, BreakerOpen, b.Failure(schema.ChannelEmail))
}
