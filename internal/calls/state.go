package calls

import "errors"

// ErrInvalidTransition is returned when a move is not an edge of the call graph.
var ErrInvalidTransition = errors.New("calls: invalid state transition")

// State is a node of the qualification call graph.
//
//	initiated -> greeting -> awaiting_response -> qualifying -> scheduling -> completed
//
// awaiting_response and scheduling may loop onto themselves (bounded retry).
// rejected and failed are reachable from every non-terminal state.
type State string

const (
	StateInitiated        State = "initiated"
	StateGreeting         State = "greeting"
	StateAwaitingResponse State = "awaiting_response"
	StateQualifying       State = "qualifying"
	StateScheduling       State = "scheduling"
	StateCompleted        State = "completed"
	StateRejected         State = "rejected"
	StateFailed           State = "failed"
)

// AllStates lists states in graph order.
var AllStates = []State{
	StateInitiated,
	StateGreeting,
	StateAwaitingResponse,
	StateQualifying,
	StateScheduling,
	StateCompleted,
	StateRejected,
	StateFailed,
}

var forwardEdges = map[State]State{
	StateInitiated:        StateGreeting,
	StateGreeting:         StateAwaitingResponse,
	StateAwaitingResponse: StateQualifying,
	StateQualifying:       StateScheduling,
	StateScheduling:       StateCompleted,
}

func (s State) Valid() bool {
	for _, v := range AllStates {
		if v == s {
			return true
		}
	}
	return false
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateRejected || s == StateFailed
}

// Retryable reports whether the state has a retry self-loop.
func (s State) Retryable() bool {
	return s == StateAwaitingResponse || s == StateScheduling
}

// CanTransition reports whether from -> to is an edge of the call graph.
func CanTransition(from, to State) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	if from == to {
		return from.Retryable()
	}
	if to == StateFailed || to == StateRejected {
		return true
	}
	return forwardEdges[from] == to
}
