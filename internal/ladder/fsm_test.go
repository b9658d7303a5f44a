package ladder

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/attendflow/internal/store"
	"github.com/rendis/attendflow/pkg/schema"
)

// mockTransitioner records persisted transitions for assertions.
type mockTransitioner struct {
	mu  sync.Mutex
	trs []store.InstanceTransition
	err error
}

func (m *mockTransitioner) TransitionInstance(_ context.Context, tr store.InstanceTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.trs = append(m.trs, tr)
	return nil
}

func (m *mockTransitioner) Transitions() []store.InstanceTransition {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]store.InstanceTransition, len(m.trs))
	copy(cp, m.trs)
	return cp
}

func TestInstanceFSM_ValidTransitions(t *testing.T) {
	st := &mockTransitioner{}
	fsm := NewInstanceFSM(st)
	ctx := context.Background()

	for _, to := range []schema.Status{schema.StatusActive, schema.StatusCompleted, schema.StatusStopped, schema.StatusEscalated} {
		require.NoError(t, fsm.Transition(ctx, store.InstanceTransition{
			InstanceID: "inst-1", FromStatus: schema.StatusActive, ToStatus: to,
		}))
	}

	trs := st.Transitions()
	require.Len(t, trs, 4)
	assert.Equal(t, schema.EventStageEntered, trs[0].Event.Type)
	assert.Equal(t, schema.EventInstanceCompleted, trs[1].Event.Type)
	assert.Equal(t, schema.EventInstanceStopped, trs[2].Event.Type)
	assert.Equal(t, schema.EventInstanceEscalated, trs[3].Event.Type)
}

func TestInstanceFSM_TerminalStatesReject(t *testing.T) {
	st := &mockTransitioner{}
	fsm := NewInstanceFSM(st)
	ctx := context.Background()

	terminals := []schema.Status{schema.StatusCompleted, schema.StatusStopped, schema.StatusEscalated}
	all := append([]schema.Status{schema.StatusActive}, terminals...)
	for _, from := range terminals {
		for _, to := range all {
			err := fsm.Transition(ctx, store.InstanceTransition{InstanceID: "inst-1", FromStatus: from, ToStatus: to})
			require.Error(t, err, "%s -> %s", from, to)
			assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
		}
	}
	assert.Empty(t, st.Transitions(), "rejected transitions never reach the store")
}

func TestInstanceFSM_KeepsExplicitEvent(t *testing.T) {
	st := &mockTransitioner{}
	fsm := NewInstanceFSM(st)

	ev := &store.Event{Type: schema.EventStageEntered, Payload: []byte(`{"stage_id":"s2"}`)}
	require.NoError(t, fsm.Transition(context.Background(), store.InstanceTransition{
		InstanceID: "inst-1", FromStatus: schema.StatusActive, ToStatus: schema.StatusActive, Event: ev,
	}))
	assert.Same(t, ev, st.Transitions()[0].Event)
}

func TestInstanceFSM_Hooks(t *testing.T) {
	st := &mockTransitioner{}
	fsm := NewInstanceFSM(st)
	ctx := context.Background()

	var calls []string
	fsm.OnBefore(schema.StatusActive, schema.StatusStopped, func(from, to schema.Status) error {
		calls = append(calls, "before:"+string(from)+"->"+string(to))
		return nil
	})
	fsm.OnAfter(schema.StatusActive, schema.StatusStopped, func(from, to schema.Status) error {
		calls = append(calls, "after:"+string(from)+"->"+string(to))
		return nil
	})

	require.NoError(t, fsm.Transition(ctx, store.InstanceTransition{
		InstanceID: "inst-1", FromStatus: schema.StatusActive, ToStatus: schema.StatusStopped,
	}))
	assert.Equal(t, []string{"before:ACTIVE->STOPPED", "after:ACTIVE->STOPPED"}, calls)
}

func TestInstanceFSM_BeforeHookAborts(t *testing.T) {
	st := &mockTransitioner{}
	fsm := NewInstanceFSM(st)
	fsm.OnBefore(schema.StatusActive, schema.StatusEscalated, func(_, _ schema.Status) error {
		return errors.New("case management offline")
	})

	err := fsm.Transition(context.Background(), store.InstanceTransition{
		InstanceID: "inst-1", FromStatus: schema.StatusActive, ToStatus: schema.StatusEscalated,
	})
	assert.ErrorContains(t, err, "case management offline")
	assert.Empty(t, st.Transitions())
}

func TestInstanceFSM_StoreErrorPropagates(t *testing.T) {
	st := &mockTransitioner{err: schema.NewError(schema.ErrCodeStore, "locked")}
	fsm := NewInstanceFSM(st)
	afterRan := false
	fsm.OnAfter(schema.StatusActive, schema.StatusCompleted, func(_, _ schema.Status) error {
		afterRan = true
		return nil
	})

	err := fsm.Transition(context.Background(), store.InstanceTransition{
		InstanceID: "inst-1", FromStatus: schema.StatusActive, ToStatus: schema.StatusCompleted,
	})
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
	assert.False(t, afterRan)
}
