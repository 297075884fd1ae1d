package handler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltins(t *testing.T) {
	ctx := context.Background()

	identity, err := Resolve("identity")
	require.NoError(t, err)
	row, err := identity.Process(ctx, []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":1}`), row)

	noop, err := Resolve("noop")
	require.NoError(t, err)
	row, err = noop.Process(ctx, []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestResolveUnknown(t *testing.T) {
	_, err := Resolve("does-not-exist")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does-not-exist")
}

func TestRegisterAndExists(t *testing.T) {
	assert.True(t, Exists("identity"))
	assert.False(t, Exists("custom-thing"))
	Register("custom-thing", Func(func(_ context.Context, item []byte) ([]byte, error) {
		return append([]byte("x"), item...), nil
	}))
	assert.True(t, Exists("custom-thing"))
	assert.Panics(t, func() {
		Register("custom-thing", Func(func(context.Context, []byte) ([]byte, error) {
			return nil, nil
		}))
	})
}
