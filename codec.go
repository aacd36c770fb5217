package relayq

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

// Codec defines the interface for envelope and payload serialization.
type Codec interface {
	// Encode serializes a value to bytes.
	Encode(any) ([]byte, error)
	// Decode deserializes bytes to a value.
	Decode([]byte, any) error
}

// JSONCodec is the default implementation of Codec.
// It uses the standard library for encoding and sonic for decoding.
// Unknown fields are ignored on decode, keeping the wire format
// forward-compatible across producer/worker version skew.
type JSONCodec struct{}

// Encode serializes a value to JSON using the standard library.
func (*JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode deserializes JSON bytes using sonic.
func (*JSONCodec) Decode(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

// DecodeEnvelope decodes a raw broker payload into an Envelope. A decode
// failure is non-retriable: the caller must dead-letter the payload and
// record a MALFORMED_ENVELOPE failure.
func DecodeEnvelope(c Codec, raw []byte) (*Envelope, error) {
	var env Envelope
	if err := c.Decode(raw, &env); err != nil {
		return nil, &TaskError{Kind: KindMalformedEnvelope, Message: err.Error()}
	}
	if env.ID == "" || env.Name == "" {
		return nil, &TaskError{Kind: KindMalformedEnvelope, Message: fmt.Sprintf("missing id or name in %d-byte payload", len(raw))}
	}
	return &env, nil
}
