package strategy

import "sync"

type StateMachine struct {
	mu    sync.Mutex
	State State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{State: StateInitializing}
}

func (s *StateMachine) Apply(event Event) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = nextState(s.State, event)
	return s.State
}

func (s *StateMachine) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

func nextState(current State, event Event) State {
	if current.Terminal() {
		return current
	}
	switch current {
	case StateInitializing:
		switch event {
		case EventStart:
			return StateLooping
		case EventPositionTooSmall:
			return StateCompleted
		case EventAbort:
			return StateAborted
		}
	case StateLooping:
		switch event {
		case EventTargetReached, EventStopped:
			return StateCompleted
		case EventAbort:
			return StateAborted
		case EventBalanceShort:
			return StateInsufficientBalance
		}
	}
	return current
}
