package relayq

import "errors"

// ErrDuplicateTask is returned when Enqueue is called with an ID that already exists for the queue.
var ErrDuplicateTask = errors.New("relayq: duplicate task id")

// ErrUnknownState is returned when an invalid state is used.
var ErrUnknownState = errors.New("relayq: unknown state")

// ErrRecordNotFound is returned when no execution record exists for the given ID.
var ErrRecordNotFound = errors.New("relayq: execution record not found")

// ErrTaskNotFound is returned when a task with the specified ID is not found in the queue.
var ErrTaskNotFound = errors.New("relayq: task not found")

// ErrNoHandler indicates the registry has no handler for the task name.
var ErrNoHandler = errors.New("relayq: no handler for task")

// ErrLeaseHeld is returned when the scheduler lease is owned by another instance.
var ErrLeaseHeld = errors.New("relayq: lease held by another instance")

// ErrLeaseLost is returned when a renew or release finds the lease no longer owned.
var ErrLeaseLost = errors.New("relayq: lease lost")

// ErrorKind classifies an execution failure. Kinds are stable strings stored
// in execution records and exposed to status queries.
type ErrorKind string

const (
	// KindMalformedEnvelope marks a payload that failed to decode. Non-retriable.
	KindMalformedEnvelope ErrorKind = "MALFORMED_ENVELOPE"
	// KindUnknownTask marks an envelope whose name has no registered handler. Non-retriable.
	KindUnknownTask ErrorKind = "UNKNOWN_TASK"
	// KindTimeout marks a task body that exceeded its execution timeout. Retriable.
	KindTimeout ErrorKind = "TIMEOUT"
	// KindTaskException marks an application-level failure inside the task body. Retriable.
	KindTaskException ErrorKind = "TASK_EXCEPTION"
	// KindExpired marks an envelope whose start deadline passed before any
	// attempt began. Non-retriable.
	KindExpired ErrorKind = "EXPIRED"
	// KindBrokerUnavailable marks a transport-level failure. It is retried by
	// the broker client with backoff and never counted against task retries.
	KindBrokerUnavailable ErrorKind = "BROKER_UNAVAILABLE"
	// KindLeaseLost marks a scheduler instance that lost its dispatch lease.
	KindLeaseLost ErrorKind = "LEASE_LOST"
)

// Retriable reports whether failures of this kind count against an
// envelope's retry budget and are eligible for re-enqueue with backoff.
func (k ErrorKind) Retriable() bool {
	return k == KindTimeout || k == KindTaskException
}

// TaskError is the structured failure description attached to a FAILURE record.
type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message,omitempty"`
}

func (e *TaskError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}
