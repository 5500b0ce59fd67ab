package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/goliatone/go-erpsync/core"
)

var ErrInvalidStateTransition = errors.New("sync: invalid run state transition")

// State is the orchestrator run state.
type State string

const (
	StateIdle          State = "idle"
	StateSelecting     State = "selecting"
	StateTranslating   State = "translating"
	StateWriting       State = "writing"
	StateCheckpointing State = "checkpointing"
	StateFailed        State = "failed"
)

// Transition is delivered to observers after every state change.
type Transition struct {
	RunID      string
	EntityType core.EntityType
	Direction  core.Direction
	From       State
	To         State
	Batch      int
	At         time.Time
}

type Observer interface {
	OnTransition(ctx context.Context, transition Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, transition Transition)

func (f ObserverFunc) OnTransition(ctx context.Context, transition Transition) {
	if f != nil {
		f(ctx, transition)
	}
}

func stateTransitionAllowed(current, next State) bool {
	allowed := map[State]map[State]struct{}{
		StateIdle: {
			StateSelecting: {},
			StateFailed:    {},
		},
		StateSelecting: {
			StateTranslating:   {},
			StateCheckpointing: {},
			StateIdle:          {},
			StateFailed:        {},
		},
		StateTranslating: {
			StateWriting: {},
			StateFailed:  {},
		},
		StateWriting: {
			StateCheckpointing: {},
			StateSelecting:     {},
			StateIdle:          {},
			StateFailed:        {},
		},
		StateCheckpointing: {
			StateSelecting: {},
			StateIdle:      {},
			StateFailed:    {},
		},
		StateFailed: {},
	}
	_, ok := allowed[current][next]
	return ok
}

// machine tracks the state of a single run.
type machine struct {
	mu        stdsync.Mutex
	runID     string
	state     State
	observers []Observer
	now       core.Clock

	entity    core.EntityType
	direction core.Direction
	batch     int
}

func newMachine(runID string, now core.Clock, observers []Observer) *machine {
	return &machine{runID: runID, state: StateIdle, now: now, observers: observers}
}

func (m *machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// enterPass records the pass the following transitions belong to.
func (m *machine) enterPass(entity core.EntityType, direction core.Direction) {
	m.mu.Lock()
	m.entity = entity
	m.direction = direction
	m.batch = 0
	m.mu.Unlock()
}

func (m *machine) nextBatch() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batch++
	return m.batch
}

func (m *machine) TransitionTo(ctx context.Context, next State) error {
	m.mu.Lock()
	current := m.state
	if current == next {
		m.mu.Unlock()
		return nil
	}
	if !stateTransitionAllowed(current, next) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, current, next)
	}
	m.state = next
	transition := Transition{
		RunID:      m.runID,
		EntityType: m.entity,
		Direction:  m.direction,
		From:       current,
		To:         next,
		Batch:      m.batch,
		At:         m.now(),
	}
	observers := m.observers
	m.mu.Unlock()

	for _, observer := range observers {
		if observer != nil {
			observer.OnTransition(ctx, transition)
		}
	}
	return nil
}

// fail moves to the absorbing failed state from anywhere.
func (m *machine) fail(ctx context.Context) {
	if m.State() == StateFailed {
		return
	}
	_ = m.TransitionTo(ctx, StateFailed)
}
