package ladder

import (
	"context"
	"sync"

	"github.com/rendis/attendflow/internal/store"
	"github.com/rendis/attendflow/pkg/schema"
)

// TransitionHook is called before or after an instance transition.
type TransitionHook func(from, to schema.Status) error

// Transitioner persists a compare-and-swap instance transition together with
// its event. *store.LibSQLStore satisfies it.
type Transitioner interface {
	TransitionInstance(ctx context.Context, tr store.InstanceTransition) error
}

type hookKey struct {
	from, to schema.Status
}

// InstanceFSM validates intervention instance transitions, persists them and
// runs hooks. ACTIVE is the only non-terminal state.
type InstanceFSM struct {
	mu     sync.RWMutex
	store  Transitioner
	before map[hookKey][]TransitionHook
	after  map[hookKey][]TransitionHook
}

// NewInstanceFSM creates an InstanceFSM that persists through st.
func NewInstanceFSM(st Transitioner) *InstanceFSM {
	return &InstanceFSM{
		store:  st,
		before: make(map[hookKey][]TransitionHook),
		after:  make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition is persisted.
// A hook error aborts the transition.
func (f *InstanceFSM) OnBefore(from, to schema.Status, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition is persisted.
func (f *InstanceFSM) OnAfter(from, to schema.Status, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and persists tr. When tr.Event is nil an event of the
// type matching the target status is emitted.
func (f *InstanceFSM) Transition(ctx context.Context, tr store.InstanceTransition) error {
	if !IsValidTransition(tr.FromStatus, tr.ToStatus) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid instance transition: %s -> %s", tr.FromStatus, tr.ToStatus).
			WithDetails(map[string]any{"instance_id": tr.InstanceID, "from": string(tr.FromStatus), "to": string(tr.ToStatus)})
	}

	key := hookKey{tr.FromStatus, tr.ToStatus}
	f.mu.RLock()
	before := f.before[key]
	after := f.after[key]
	f.mu.RUnlock()

	for _, hook := range before {
		if err := hook(tr.FromStatus, tr.ToStatus); err != nil {
			return err
		}
	}

	if tr.Event == nil {
		tr.Event = &store.Event{Type: instanceEventType(tr.ToStatus)}
	}
	if tr.Event.Type == "" {
		tr.Event.Type = instanceEventType(tr.ToStatus)
	}
	if err := f.store.TransitionInstance(ctx, tr); err != nil {
		return err
	}

	for _, hook := range after {
		if err := hook(tr.FromStatus, tr.ToStatus); err != nil {
			return err
		}
	}
	return nil
}

// IsValidTransition reports whether from -> to is allowed.
func IsValidTransition(from, to schema.Status) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func instanceEventType(to schema.Status) string {
	switch to {
	case schema.StatusActive:
		return schema.EventStageEntered
	case schema.StatusCompleted:
		return schema.EventInstanceCompleted
	case schema.StatusStopped:
		return schema.EventInstanceStopped
	case schema.StatusEscalated:
		return schema.EventInstanceEscalated
	default:
		return ""
	}
}

// ValidTransitions defines the allowed state transitions for instances.
// ACTIVE -> ACTIVE is a stage advance.
var ValidTransitions = map[schema.Status][]schema.Status{
	schema.StatusActive:    {schema.StatusActive, schema.StatusCompleted, schema.StatusStopped, schema.StatusEscalated},
	schema.StatusCompleted: {},
	schema.StatusStopped:   {},
	schema.StatusEscalated: {},
}
