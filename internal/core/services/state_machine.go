package services

import (
	"sync"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	rlog "peerlink/pkg/logger"

	"go.uber.org/zap"
)

// transitions lists every legal edge except X -> IDLE, which Reset may take
// from any state.
var transitions = map[domain.State][]domain.State{
	domain.StateIdle: {
		domain.StateInitializing,
	},
	domain.StateInitializing: {
		domain.StateConnecting,
		domain.StateDisconnected,
	},
	domain.StateConnecting: {
		domain.StateConnected,
		domain.StateDisconnected,
		domain.StateReconnecting,
	},
	domain.StateConnected: {
		domain.StateDisconnected,
		domain.StateReconnecting,
	},
	domain.StateReconnecting: {
		domain.StateConnecting,
		domain.StateFailed,
		domain.StateDisconnected,
	},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to domain.State) bool {
	if to == domain.StateIdle {
		return from != domain.StateIdle
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateMachine owns the session State and publishes state_change for every
// accepted transition.
type StateMachine struct {
	mu    sync.RWMutex
	state domain.State

	sessionID string
	bus       *EventBus
	metrics   ports.SessionMetrics
	logger    *zap.SugaredLogger
}

func NewStateMachine(sessionID string, bus *EventBus, metrics ports.SessionMetrics, logger *zap.SugaredLogger) *StateMachine {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &StateMachine{
		state:     domain.StateIdle,
		sessionID: sessionID,
		bus:       bus,
		metrics:   metrics,
		logger:    rlog.OrNop(logger),
	}
}

func (sm *StateMachine) Current() domain.State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// In reports whether the current state is one of states.
func (sm *StateMachine) In(states ...domain.State) bool {
	cur := sm.Current()
	for _, s := range states {
		if s == cur {
			return true
		}
	}
	return false
}

// Transition moves to next if the edge from the current state is legal.
func (sm *StateMachine) Transition(next domain.State) bool {
	return sm.transition(nil, next)
}

// TransitionFrom moves from -> next only if the machine is still in from.
func (sm *StateMachine) TransitionFrom(from, next domain.State) bool {
	return sm.transition(&from, next)
}

func (sm *StateMachine) transition(expected *domain.State, next domain.State) bool {
	sm.mu.Lock()
	prev := sm.state
	if expected != nil && prev != *expected {
		sm.mu.Unlock()
		return false
	}
	if !CanTransition(prev, next) {
		sm.mu.Unlock()
		sm.logger.Debugw("transition rejected",
			"session_id", sm.sessionID,
			"from", prev.String(),
			"to", next.String(),
		)
		return false
	}
	sm.state = next
	// Posting under the lock pins the event's queue position to the order in
	// which transitions were accepted.
	sm.bus.Post(StateChangeEvent{SessionID: sm.sessionID, Previous: prev, State: next})
	sm.mu.Unlock()

	sm.logger.Infow("state changed",
		"session_id", sm.sessionID,
		"from", prev.String(),
		"state", next.String(),
	)
	sm.metrics.StateTransition(sm.sessionID, prev, next)
	sm.bus.Drain()
	return true
}
