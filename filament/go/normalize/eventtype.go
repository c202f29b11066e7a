package normalize

// EventType classifies a normalized event by the gcode state transition
// that produced it.
type EventType string

const (
	TypePrintStarted  EventType = "PrintStarted"
	TypePrintProgress EventType = "PrintProgress"
	TypePrintEnded    EventType = "PrintEnded"
	TypePrintFailed   EventType = "PrintFailed"
	TypeStateChanged  EventType = "StateChanged"
)

// DeriveEventType maps a gcode state transition to an event type.
func DeriveEventType(prevState, curState string) EventType {
	switch {
	case curState == StateRunning && prevState != StateRunning:
		return TypePrintStarted
	case prevState == StateRunning && (curState == StateFinish || curState == StateIdle):
		return TypePrintEnded
	case curState == StateFailed || curState == StateStopped || curState == StateCanceled:
		return TypePrintFailed
	case curState == prevState:
		return TypePrintProgress
	default:
		return TypeStateChanged
	}
}

// IsTerminalState reports whether a gcode state ends a running print.
func IsTerminalState(state string) bool {
	switch state {
	case StateFinish, StateIdle, StateFailed, StateStopped, StateCanceled:
		return true
	default:
		return false
	}
}
