package dispatch

// State is a step in the lifecycle of one invocation.
type State string

const (
	StateReceived         State = "received"
	StateValidating       State = "validating"
	StateValidationFailed State = "validation_failed"
	StateDispatching      State = "dispatching"
	StateSucceeded        State = "succeeded"
	StateHandlerFailed    State = "handler_failed"

	// StateRejected ends invocations that never reach validation: unknown
	// tool names and calls arriving during shutdown.
	StateRejected State = "rejected"
)

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	switch s {
	case StateValidationFailed, StateSucceeded, StateHandlerFailed, StateRejected:
		return true
	}
	return false
}
