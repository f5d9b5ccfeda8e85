// Package pipeline coordinates the utterance lifecycle: queueing,
// synthesis and animation workers, timeline hand-off, and failure
// fallback. One Session drives one broadcast.
package pipeline

import (
	"fmt"

	"github.com/avatarlabs/avatar-broadcast/internal/observability"
)

// State is an utterance's position in its lifecycle.
type State int

const (
	StateQueued State = iota
	StateSynthesizing
	StateAnimating
	StateStreaming
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateSynthesizing:
		return "synthesizing"
	case StateAnimating:
		return "animating"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// forward is the happy path; Cancelled and Failed are reachable from
// any non-terminal state.
var forward = map[State]State{
	StateQueued:       StateSynthesizing,
	StateSynthesizing: StateAnimating,
	StateAnimating:    StateStreaming,
	StateStreaming:    StateCompleted,
}

// canTransition reports whether from → to is a legal move.
func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateCancelled || to == StateFailed {
		return true
	}
	return forward[from] == to
}

// transition validates and applies a state change, recording it.
func transition(from, to State) (State, error) {
	if !canTransition(from, to) {
		return from, fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	observability.RecordStateTransition(from.String(), to.String())
	return to, nil
}
