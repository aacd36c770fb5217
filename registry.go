package relayq

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
)

// HandlerFunc is the uniform signature for a task body. It receives the
// decoded positional args bundle and returns the result to store on success.
// Invocation metadata (ID, retry count, kwargs) is available via MetaFrom.
type HandlerFunc func(ctx context.Context, args []byte) ([]byte, error)

// Middleware wraps a HandlerFunc to provide cross-cutting concerns.
type Middleware func(HandlerFunc) HandlerFunc

// TaskDef is the resolved definition of a registered task.
type TaskDef struct {
	Name string
	// Timeout bounds a single execution attempt. Zero means no bound.
	Timeout time.Duration
	// Retry is the backoff policy applied between attempts.
	Retry RetryPolicy
	// Validate, when set, is run against the args bundle before execution.
	Validate func(args []byte) error

	exec HandlerFunc
}

// TaskOption configures a task at registration time.
type TaskOption func(*TaskDef)

// WithTimeout bounds each execution attempt of the task.
func WithTimeout(d time.Duration) TaskOption {
	return func(t *TaskDef) { t.Timeout = d }
}

// WithRetryPolicy replaces the default backoff policy for the task.
func WithRetryPolicy(p RetryPolicy) TaskOption {
	return func(t *TaskDef) { t.Retry = p }
}

// WithValidator attaches an args validation function run before the handler.
// A validation failure is a TASK_EXCEPTION.
func WithValidator(fn func(args []byte) error) TaskOption {
	return func(t *TaskDef) { t.Validate = fn }
}

// Registry maps task names to handlers. It is built explicitly at startup;
// the worker resolves names against it at claim time and fails envelopes
// whose name is absent with UNKNOWN_TASK.
type Registry struct {
	tasks       map[string]*TaskDef
	middlewares []Middleware
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*TaskDef)}
}

// Register adds a handler for a task name, replacing any previous
// registration. It returns the registry so registrations can be chained.
func (r *Registry) Register(name string, fn HandlerFunc, opts ...TaskOption) *Registry {
	def := &TaskDef{
		Name:  name,
		Retry: DefaultRetryPolicy(),
		exec:  fn,
	}
	for _, opt := range opts {
		opt(def)
	}
	r.tasks[name] = def
	return r
}

// Use adds middleware(s) to the registry. Middlewares run in registration order.
func (r *Registry) Use(mw Middleware) *Registry {
	r.middlewares = append(r.middlewares, mw)
	return r
}

// Resolve looks up a task definition by name.
func (r *Registry) Resolve(name string) (*TaskDef, bool) {
	def, ok := r.tasks[name]
	return def, ok
}

// Names returns the registered task names in unspecified order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		out = append(out, name)
	}
	return out
}

// Handler returns the middleware-wrapped handler for a task definition.
func (r *Registry) Handler(def *TaskDef) HandlerFunc {
	h := def.exec
	for i := len(r.middlewares) - 1; i >= 0; i-- {
		h = r.middlewares[i](h)
	}
	return h
}

var structValidator = validator.New()

// ValidateAs returns an args validator that decodes the bundle into T and
// checks its `validate` struct tags. Register it with WithValidator to
// reject malformed argument bundles before the handler runs.
func ValidateAs[T any]() func(args []byte) error {
	var codec JSONCodec
	return func(args []byte) error {
		var v T
		if err := codec.Decode(args, &v); err != nil {
			return err
		}
		return structValidator.Struct(&v)
	}
}
