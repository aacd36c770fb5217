package relayq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndResolve(t *testing.T) {
	reg := NewRegistry()
	reg.Register("emails.send", func(ctx context.Context, args []byte) ([]byte, error) {
		return []byte(`"sent"`), nil
	}, WithTimeout(30*time.Second))

	def, ok := reg.Resolve("emails.send")
	require.True(t, ok)
	require.Equal(t, "emails.send", def.Name)
	require.Equal(t, 30*time.Second, def.Timeout)
	require.Equal(t, DefaultRetryPolicy(), def.Retry)

	_, ok = reg.Resolve("nope")
	require.False(t, ok)
}

func TestRegistry_RegisterOverwrites(t *testing.T) {
	reg := NewRegistry()
	reg.Register("t", func(context.Context, []byte) ([]byte, error) { return []byte("one"), nil })
	reg.Register("t", func(context.Context, []byte) ([]byte, error) { return []byte("two"), nil })

	def, ok := reg.Resolve("t")
	require.True(t, ok)

	out, err := reg.Handler(def)(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("two"), out)
	require.Len(t, reg.Names(), 1)
}

func TestRegistry_MiddlewareOrder(t *testing.T) {
	var order []string
	mw := func(tag string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, args []byte) ([]byte, error) {
				order = append(order, tag)
				return next(ctx, args)
			}
		}
	}

	reg := NewRegistry()
	reg.Use(mw("outer")).Use(mw("inner"))
	reg.Register("t", func(context.Context, []byte) ([]byte, error) {
		order = append(order, "handler")
		return nil, nil
	})

	def, _ := reg.Resolve("t")
	_, err := reg.Handler(def)(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestRegistry_WithRetryPolicy(t *testing.T) {
	custom := RetryPolicy{BaseDelay: 5 * time.Second, Multiplier: 3, MaxDelay: time.Minute}

	reg := NewRegistry()
	reg.Register("t", func(context.Context, []byte) ([]byte, error) { return nil, nil },
		WithRetryPolicy(custom))

	def, _ := reg.Resolve("t")
	require.Equal(t, custom, def.Retry)
}

func TestValidateAs(t *testing.T) {
	type sendArgs struct {
		To      string `json:"to" validate:"required,email"`
		Subject string `json:"subject" validate:"required"`
	}

	validate := ValidateAs[sendArgs]()

	require.NoError(t, validate([]byte(`{"to":"a@example.com","subject":"hi"}`)))
	require.Error(t, validate([]byte(`{"to":"not-an-email","subject":"hi"}`)))
	require.Error(t, validate([]byte(`{"to":"a@example.com"}`)))
	require.Error(t, validate([]byte(`{broken`)))
}

func TestRegistry_ChainedRegistration(t *testing.T) {
	reg := NewRegistry().
		Register("a", func(context.Context, []byte) ([]byte, error) { return nil, nil }).
		Register("b", func(context.Context, []byte) ([]byte, error) { return nil, errors.New("x") })

	require.ElementsMatch(t, []string{"a", "b"}, reg.Names())
}
