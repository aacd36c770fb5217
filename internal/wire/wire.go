// Package wire holds the broker payload format. The root package aliases
// Envelope into the public API; the worker runtime decodes into the same
// type, so producers and consumers can never drift apart on the JSON shape.
package wire

// Envelope is the immutable description of a task invocation placed on the
// broker. It is serialized to JSON; unknown fields in a stored envelope are
// ignored on decode so producers and workers can skew across rolling deploys.
type Envelope struct {
	// ID is the globally unique identifier for the invocation. It keys the
	// execution record and doubles as the idempotency key on redelivery.
	ID string `json:"id"`
	// Name is the task name, resolved against the worker-side registry.
	Name string `json:"name"`
	// Queue is the routing key the envelope was published to.
	Queue string `json:"queue"`
	// Args is the serialized positional argument bundle (raw JSON).
	Args []byte `json:"args,omitempty"`
	// Kwargs is the serialized keyword argument bundle (raw JSON object).
	Kwargs []byte `json:"kwargs,omitempty"`
	// RetriesDone is the number of retry attempts made so far.
	RetriesDone int `json:"retries_done"`
	// MaxRetries is the retry budget. Once RetriesDone reaches it, the next
	// failure is terminal and the envelope is never redispatched.
	MaxRetries int `json:"max_retries"`
	// ETA is the earliest-execution timestamp (unix ms). Zero means immediate.
	ETA int64 `json:"eta,omitempty"`
	// Deadline is the latest-start timestamp (unix ms). An envelope whose
	// attempt has not begun by the deadline is expired, never executed.
	// Zero means no deadline.
	Deadline int64 `json:"deadline_ms,omitempty"`
	// CreatedAt is the timestamp (unix ms) when the envelope was first enqueued.
	CreatedAt int64 `json:"created_at,omitempty"`
	// ResultTTL is how long (seconds) the terminal execution record is kept.
	ResultTTL int64 `json:"result_ttl,omitempty"`
}
