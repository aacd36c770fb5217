package relayq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJSONCodec_EnvelopeRoundTrip(t *testing.T) {
	c := &JSONCodec{}

	env := &Envelope{
		ID:          "t1",
		Name:        "emails.send",
		Queue:       "mail",
		Args:        []byte(`["a@example.com"]`),
		Kwargs:      []byte(`{"priority":"high"}`),
		RetriesDone: 1,
		MaxRetries:  3,
		ETA:         time.Now().Add(time.Minute).UnixMilli(),
		Deadline:    time.Now().Add(time.Hour).UnixMilli(),
		CreatedAt:   time.Now().UnixMilli(),
		ResultTTL:   3600,
	}

	raw, err := c.Encode(env)
	require.NoError(t, err)

	got, err := DecodeEnvelope(c, raw)
	require.NoError(t, err)
	require.Equal(t, env, got)
}

func TestJSONCodec_OptionalFieldsAbsent(t *testing.T) {
	c := &JSONCodec{}

	env := &Envelope{ID: "t1", Name: "n", Queue: "q", MaxRetries: 3}
	raw, err := c.Encode(env)
	require.NoError(t, err)

	got, err := DecodeEnvelope(c, raw)
	require.NoError(t, err)
	require.Nil(t, got.Args)
	require.Nil(t, got.Kwargs)
	require.Zero(t, got.ETA)
	require.Zero(t, got.ResultTTL)
}

func TestDecodeEnvelope_IgnoresUnknownFields(t *testing.T) {
	raw := []byte(`{"id":"t1","name":"n","queue":"q","max_retries":3,"priority_class":"urgent","trace":{"span":"abc"}}`)

	got, err := DecodeEnvelope(&JSONCodec{}, raw)
	require.NoError(t, err)
	require.Equal(t, "t1", got.ID)
	require.Equal(t, "n", got.Name)
	require.Equal(t, 3, got.MaxRetries)
}

func TestDecodeEnvelope_Malformed(t *testing.T) {
	for _, raw := range [][]byte{
		[]byte(`{not json`),
		[]byte(`{}`),
		[]byte(`{"id":"t1"}`),
		[]byte(`{"name":"n"}`),
	} {
		_, err := DecodeEnvelope(&JSONCodec{}, raw)
		require.Error(t, err)

		var te *TaskError
		require.ErrorAs(t, err, &te)
		require.Equal(t, KindMalformedEnvelope, te.Kind)
		require.False(t, te.Kind.Retriable())
	}
}
