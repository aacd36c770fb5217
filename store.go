package relayq

import (
	"github.com/relayq/relayq-go/internal/store"
)

// ExecutionStore is the persistence boundary for execution records. The
// default is Redis (shared with the broker connection); NewPostgresStore
// provides an implementation backed by the relational store for
// deployments that keep task status next to durable business data.
type ExecutionStore = store.Store

// ExecutionRecord is the mutable status of one task invocation, keyed by
// envelope ID and read by status polling.
type ExecutionRecord struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Queue string `json:"queue,omitempty"`
	State State  `json:"state"`
	// Result is the opaque serialized return value, present only in SUCCESS.
	Result []byte `json:"result,omitempty"`
	// Error is the structured failure description, present only in FAILURE.
	Error       *TaskError `json:"error,omitempty"`
	RetriesDone int        `json:"retries_done"`
	CreatedAt   int64      `json:"created_at,omitempty"`
	StartedAt   int64      `json:"started_at,omitempty"`
	FinishedAt  int64      `json:"finished_at,omitempty"`
}

func recordFromStore(r *store.Record) *ExecutionRecord {
	out := &ExecutionRecord{
		ID:          r.ID,
		Name:        r.Name,
		Queue:       r.Queue,
		State:       State(r.State),
		Result:      r.Result,
		RetriesDone: r.RetriesDone,
		CreatedAt:   r.CreatedAt,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
	}
	if out.State == StateFailure && r.ErrKind != "" {
		out.Error = &TaskError{Kind: ErrorKind(r.ErrKind), Message: r.ErrMsg}
	}
	return out
}
