package relayq

import (
	"context"

	"github.com/relayq/relayq-go/internal/taskmeta"
)

// Meta describes the invocation a handler is currently executing.
type Meta struct {
	// ID is the envelope ID, usable as an idempotency key by the task body.
	ID string
	// Name is the task name the handler was resolved under.
	Name string
	// Queue is the queue the envelope was delivered from.
	Queue string
	// RetriesDone is the number of retries already consumed. A handler can
	// use it to distinguish a first attempt from a redelivery.
	RetriesDone int
	// MaxRetries is the envelope's retry budget.
	MaxRetries int
	// Kwargs is the raw keyword-argument bundle, if any.
	Kwargs []byte
}

// MetaFrom returns the invocation metadata for the current task execution.
// It returns false if the context was not provided by the relayq runtime.
func MetaFrom(ctx context.Context) (Meta, bool) {
	m, ok := taskmeta.From(ctx)
	if !ok || m == nil {
		return Meta{}, false
	}
	return Meta{
		ID:          m.ID,
		Name:        m.Name,
		Queue:       m.Queue,
		RetriesDone: m.RetriesDone,
		MaxRetries:  m.MaxRetries,
		Kwargs:      m.Kwargs,
	}, true
}
