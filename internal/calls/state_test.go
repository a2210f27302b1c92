package calls

import "testing"

func TestCanTransition_ForwardPath(t *testing.T) {
	path := []State{StateInitiated, StateGreeting, StateAwaitingResponse, StateQualifying, StateScheduling, StateCompleted}
	for i := 0; i+1 < len(path); i++ {
		if !CanTransition(path[i], path[i+1]) {
			t.Fatalf("expected %s -> %s", path[i], path[i+1])
		}
	}
}

func TestCanTransition_NoSkipsOrBackEdges(t *testing.T) {
	if CanTransition(StateInitiated, StateQualifying) {
		t.Fatalf("skip edge allowed")
	}
	if CanTransition(StateQualifying, StateAwaitingResponse) {
		t.Fatalf("back edge allowed")
	}
	if CanTransition(StateGreeting, StateGreeting) {
		t.Fatalf("self loop allowed on greeting")
	}
}

func TestCanTransition_RetryLoopsAndEscapes(t *testing.T) {
	if !CanTransition(StateAwaitingResponse, StateAwaitingResponse) || !CanTransition(StateScheduling, StateScheduling) {
		t.Fatalf("expected retry self loops")
	}
	for _, s := range AllStates {
		if s.Terminal() {
			continue
		}
		if !CanTransition(s, StateFailed) || !CanTransition(s, StateRejected) {
			t.Fatalf("expected %s to escape to rejected/failed", s)
		}
	}
}

func TestCanTransition_TerminalIsFinal(t *testing.T) {
	for _, from := range []State{StateCompleted, StateRejected, StateFailed} {
		for _, to := range AllStates {
			if CanTransition(from, to) {
				t.Fatalf("terminal %s left to %s", from, to)
			}
		}
	}
}
