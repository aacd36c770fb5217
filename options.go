package relayq

import "time"

type options struct {
	id         string
	queue      string
	delay      time.Duration
	eta        time.Time
	maxRetries int
	resultTTL  time.Duration
	kwargs     any
	deadlineMs int64

	maxRetriesSet bool
}

// Option configures an individual enqueue.
type Option func(*options)

// TaskID sets a custom ID for the envelope. If not provided, a random UUID
// is generated. Explicit IDs are de-duplicated per queue.
func TaskID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// Queue routes the envelope to a queue other than the client default.
func Queue(q string) Option {
	return func(o *options) {
		o.queue = q
	}
}

// Delay schedules the envelope to become runnable after the specified duration.
func Delay(d time.Duration) Option {
	return func(o *options) {
		o.delay = d
	}
}

// ETA sets an absolute earliest-execution time. A zero time means immediate.
func ETA(t time.Time) Option {
	return func(o *options) {
		o.eta = t
	}
}

// MaxRetries sets the retry budget for the envelope. Zero means the first
// failure is terminal. If not set, DefaultMaxRetries applies.
func MaxRetries(n int) Option {
	return func(o *options) {
		if n < 0 {
			n = 0
		}
		o.maxRetries = n
		o.maxRetriesSet = true
	}
}

// ExpireIn sets a start deadline relative to now. If no attempt has begun
// by the deadline, the envelope is expired: dead-lettered with an EXPIRED
// failure instead of executed.
func ExpireIn(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.deadlineMs = time.Now().Add(d).UnixMilli()
		}
	}
}

// Deadline sets an absolute start deadline. A zero time means no deadline.
func Deadline(t time.Time) Option {
	return func(o *options) {
		if !t.IsZero() {
			o.deadlineMs = t.UnixMilli()
		}
	}
}

// ResultTTL sets how long the terminal execution record is retained.
// If not set, the client default (one hour) applies.
func ResultTTL(d time.Duration) Option {
	return func(o *options) {
		o.resultTTL = d
	}
}

// Kwargs attaches a keyword-argument bundle alongside the positional args.
// The value is encoded with the client codec.
func Kwargs(v any) Option {
	return func(o *options) {
		o.kwargs = v
	}
}
