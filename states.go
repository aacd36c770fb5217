package relayq

// State represents the lifecycle state of an execution record.
// Use the exported constants (StatePending, StateStarted, etc.) instead of
// raw strings to avoid typos.
type State string

const (
	// StatePending means the envelope is enqueued and no worker has claimed it yet.
	StatePending State = "PENDING"
	// StateStarted means a worker has claimed the envelope and is executing the task body.
	StateStarted State = "STARTED"
	// StateSuccess is terminal: the task body returned without error; Result is set.
	StateSuccess State = "SUCCESS"
	// StateFailure is terminal: retries are exhausted or the failure is
	// non-retriable; Error is set.
	StateFailure State = "FAILURE"
	// StateRetry means the last attempt failed and a re-enqueue with backoff is pending.
	StateRetry State = "RETRY"
	// StateRevoked is terminal: the envelope was revoked before a worker claimed it.
	StateRevoked State = "REVOKED"
)

// AllStates lists every valid execution state in a stable order.
var AllStates = []State{StatePending, StateStarted, StateSuccess, StateFailure, StateRetry, StateRevoked}

// String returns the raw string value of the state.
func (s State) String() string { return string(s) }

// Terminal reports whether the state admits no further transitions.
// A terminal record is never executed again, even if the broker redelivers.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailure || s == StateRevoked
}

// ParseState converts a string into a State, returning an error for unknown values.
func ParseState(s string) (State, error) {
	switch s {
	case string(StatePending):
		return StatePending, nil
	case string(StateStarted):
		return StateStarted, nil
	case string(StateSuccess):
		return StateSuccess, nil
	case string(StateFailure):
		return StateFailure, nil
	case string(StateRetry):
		return StateRetry, nil
	case string(StateRevoked):
		return StateRevoked, nil
	default:
		return "", ErrUnknownState
	}
}
