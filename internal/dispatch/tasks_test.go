package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskRegistry(t *testing.T) {
	r := NewTaskRegistry()
	noop := func(context.Context, TaskContext) error { return nil }

	require.NoError(t, r.Register("sum-product", noop))
	require.NoError(t, r.Register("greet", noop))
	assert.True(t, errors.Is(r.Register("greet", noop), ErrTaskExists))

	for _, bad := range []string{"", "Greet", "-greet", "greet-", "a--b", "with space"} {
		assert.True(t, errors.Is(r.Register(bad, noop), ErrInvalidTaskID), bad)
	}
	assert.True(t, errors.Is(r.Register("nil-task", nil), ErrInvalidTaskID))

	_, err := r.Resolve("missing")
	assert.True(t, errors.Is(err, ErrTaskNotFound))

	fn, err := r.Resolve("greet")
	require.NoError(t, err)
	assert.NoError(t, fn(context.Background(), TaskContext{}))

	assert.Equal(t, []string{"greet", "sum-product"}, r.IDs())
}
