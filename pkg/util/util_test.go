package util

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSessionIDIsUniqueUUID(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id, err := GenerateSessionID()
		require.NoError(t, err)
		require.True(t, IsSessionID(id), id)
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
	assert.False(t, IsSessionID("not-a-session"))
	assert.False(t, IsSessionID(""))
}

func TestCancellationManagerSupersedes(t *testing.T) {
	m := NewCancellationManager()

	ctx1, cancel1 := context.WithCancel(context.Background())
	tok1, superseded := m.Register("s", cancel1)
	assert.False(t, superseded)

	ctx2, cancel2 := context.WithCancel(context.Background())
	tok2, superseded := m.Register("s", cancel2)
	assert.True(t, superseded)
	assert.NotEqual(t, tok1, tok2)

	assert.Error(t, ctx1.Err())
	assert.NoError(t, ctx2.Err())

	// the superseded holder finishing must not drop its successor
	m.Complete("s", tok1)
	assert.True(t, m.Active("s"))

	m.Complete("s", tok2)
	assert.False(t, m.Active("s"))
	assert.False(t, m.Cancel("s"))
}

func TestCancellationManagerCancelAll(t *testing.T) {
	m := NewCancellationManager()
	ctxA, cancelA := context.WithCancel(context.Background())
	ctxB, cancelB := context.WithCancel(context.Background())
	m.Register("a", cancelA)
	m.Register("b", cancelB)

	m.CancelAll()
	assert.Error(t, ctxA.Err())
	assert.Error(t, ctxB.Err())
	assert.False(t, m.Active("a"))
}

func TestAsserts(t *testing.T) {
	assert.Panics(t, func() { AssertNotNil(nil, "nil") })
	assert.Panics(t, func() { AssertNotEmpty("", "empty") })
	assert.Panics(t, func() { AssertPositive(0, "zero") })
	assert.NotPanics(t, func() { AssertNotNil(1, "x") })
}
