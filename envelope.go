package relayq

import "github.com/relayq/relayq-go/internal/wire"

// Envelope is the immutable description of a task invocation placed on the
// broker. The canonical definition lives in internal/wire so the producer
// side and the worker runtime share one JSON shape; see wire.Envelope for
// the field documentation.
type Envelope = wire.Envelope
