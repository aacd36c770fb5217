package taskmeta

import "context"

// Meta carries per-invocation metadata the runtime attaches to the handler
// context so task bodies can inspect their own envelope (retry count,
// kwargs) without the runtime leaking broker internals.
type Meta struct {
	ID          string
	Name        string
	Queue       string
	RetriesDone int
	MaxRetries  int
	Kwargs      []byte
}

type ctxKey struct{}

// WithMeta returns a child context carrying the invocation metadata.
func WithMeta(parent context.Context, m *Meta) context.Context {
	return context.WithValue(parent, ctxKey{}, m)
}

// From extracts the invocation metadata from context if present.
func From(ctx context.Context) (*Meta, bool) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return nil, false
	}
	m, ok := v.(*Meta)
	return m, ok
}
