package keys

// Package keys centralizes Redis key construction.
// It is kept in internal to avoid leaking key formats to public API.

func Pending(q string) string { return "relayq:{" + q + "}:pending" }
func Active(q string) string  { return "relayq:{" + q + "}:active" }
func Delayed(q string) string { return "relayq:{" + q + "}:delayed" }
func Dead(q string) string    { return "relayq:{" + q + "}:dead" }

// DeadExpiry is a ZSET index that tracks when dead-list members should be purged.
// Members are the raw envelope JSON; scores are absolute expiration timestamps in ms.
func DeadExpiry(q string) string { return "relayq:{" + q + "}:dead_expiry" }

// Expiry is a ZSET index that tracks envelope start deadlines. Members are
// the raw envelope JSON; scores are the deadline timestamps in ms. Overdue
// members are swept to the dead list before they can be claimed.
func Expiry(q string) string { return "relayq:{" + q + "}:expiry" }

// Queue holds all precomputed broker keys for a queue name to avoid
// repeated concatenations on the hot path.
type Queue struct {
	Pending    string
	Active     string
	Delayed    string
	Dead       string
	DeadExpiry string
	Expiry     string
	Unique     string
}

// For returns a set of precomputed keys for the provided queue.
func For(q string) Queue {
	prefix := "relayq:{" + q + "}:"
	return Queue{
		Pending:    prefix + "pending",
		Active:     prefix + "active",
		Delayed:    prefix + "delayed",
		Dead:       prefix + "dead",
		DeadExpiry: prefix + "dead_expiry",
		Expiry:     prefix + "expiry",
		Unique:     prefix + "unique",
	}
}

// Unique returns the per-queue SET key that tracks used envelope IDs for de-duplication.
func Unique(q string) string { return "relayq:{" + q + "}:unique" }

// Record returns the key of the execution record hash for an envelope ID.
// The ID doubles as the idempotency key used to detect broker redelivery.
func Record(id string) string { return "relayq:t:{" + id + "}" }

// ScheduleLastRun returns the key holding the persisted last_run_at
// timestamp (unix ms, as a string) for a schedule entry.
func ScheduleLastRun(entry string) string { return "relayq:beat:{last}:" + entry }

// Lease returns the key of a scheduler leadership lease.
func Lease(name string) string { return "relayq:lease:{" + name + "}" }
