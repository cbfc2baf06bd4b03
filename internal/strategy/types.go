package strategy

type State string

type Event string

const (
	StateInitializing        State = "INITIALIZING"
	StateLooping             State = "LOOPING"
	StateCompleted           State = "COMPLETED"
	StateAborted             State = "ABORTED"
	StateInsufficientBalance State = "INSUFFICIENT_BALANCE"
)

const (
	EventStart            Event = "START"
	EventTargetReached    Event = "TARGET_REACHED"
	EventStopped          Event = "STOPPED"
	EventAbort            Event = "ABORT"
	EventBalanceShort     Event = "BALANCE_SHORT"
	EventPositionTooSmall Event = "POSITION_TOO_SMALL"
)

// Terminal reports whether no further event can move the operation.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateAborted, StateInsufficientBalance:
		return true
	}
	return false
}

// Kind distinguishes a partial reduce from a full close.
type Kind string

const (
	KindReduce Kind = "reduce"
	KindClose  Kind = "close"
)
