package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPending_RegisterAndResolve tests the happy path: register, resolve,
// wait returns the payload.
func TestPending_RegisterAndResolve(t *testing.T) {
	p := NewPending()

	handle, err := p.Register("item1_blip")
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.Equal(t, 1, p.Len())

	assert.True(t, p.Resolve("item1_blip", []byte(`{"ok":true}`)))
	assert.Equal(t, 0, p.Len())

	payload, err := handle.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"ok":true}`), payload)
}

// TestPending_ResolveBeforeWait tests that a reply arriving before the
// waiter blocks does not get lost. The completion channel is buffered.
func TestPending_ResolveBeforeWait(t *testing.T) {
	p := NewPending()

	handle, err := p.Register("item1_blip")
	require.NoError(t, err)

	require.True(t, p.Resolve("item1_blip", []byte("early")))

	payload, err := handle.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("early"), payload)
}

// TestPending_DuplicateRegister tests that registering an in-flight key fails.
func TestPending_DuplicateRegister(t *testing.T) {
	p := NewPending()

	_, err := p.Register("item1_blip")
	require.NoError(t, err)

	handle, err := p.Register("item1_blip")
	assert.Nil(t, handle)
	assert.ErrorIs(t, err, ErrDuplicateKey)

	// Original entry is untouched
	assert.Equal(t, 1, p.Len())
}

// TestPending_ResolveUnknownKey tests that a late or stray reply is
// dropped without effect.
func TestPending_ResolveUnknownKey(t *testing.T) {
	p := NewPending()

	assert.False(t, p.Resolve("never-registered", []byte("stale")))
	assert.False(t, p.Fail("never-registered", errors.New("stale")))
	assert.Equal(t, 0, p.Len())
}

// TestPending_ResolveIsExactlyOnce tests that a key completes once; the
// second resolution finds nothing.
func TestPending_ResolveIsExactlyOnce(t *testing.T) {
	p := NewPending()

	_, err := p.Register("item1_blip")
	require.NoError(t, err)

	assert.True(t, p.Resolve("item1_blip", []byte("first")))
	assert.False(t, p.Resolve("item1_blip", []byte("second")))
}

// TestPending_Fail tests failure completion.
func TestPending_Fail(t *testing.T) {
	p := NewPending()

	handle, err := p.Register("w1_blip")
	require.NoError(t, err)

	require.True(t, p.Fail("w1_blip", errors.New("download failed")))

	_, err = handle.Wait(context.Background())
	assert.EqualError(t, err, "download failed")
}

// TestPending_WaitContextExpiry tests that a waiter gives up when its
// context ends and the discarded entry swallows the late reply.
func TestPending_WaitContextExpiry(t *testing.T) {
	p := NewPending()

	handle, err := p.Register("item1_blip")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = handle.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Waiter cleans up, then the late reply arrives
	p.Discard("item1_blip")
	assert.False(t, p.Resolve("item1_blip", []byte("late")))
}

// TestPending_FailWorker tests that evicting a worker fails exactly its
// own pending commands.
func TestPending_FailWorker(t *testing.T) {
	p := NewPending()

	h1, err := p.Register("w1_blip")
	require.NoError(t, err)
	h2, err := p.Register("w1_git")
	require.NoError(t, err)
	h3, err := p.Register("w2_blip")
	require.NoError(t, err)

	assert.Equal(t, 2, p.FailWorker("w1"))
	assert.Equal(t, 1, p.Len())

	for _, h := range []*Handle{h1, h2} {
		_, err := h.Wait(context.Background())
		assert.ErrorIs(t, err, ErrWorkerLost)
	}

	// The other worker's command is untouched
	require.True(t, p.Resolve("w2_blip", nil))
	_, err = h3.Wait(context.Background())
	assert.NoError(t, err)
}

// TestPending_FailWorkerPrefixBoundary tests that a worker id that is a
// prefix of another does not fail the other's commands.
func TestPending_FailWorkerPrefixBoundary(t *testing.T) {
	p := NewPending()

	_, err := p.Register("w1_blip")
	require.NoError(t, err)
	_, err = p.Register("w10_blip")
	require.NoError(t, err)

	assert.Equal(t, 1, p.FailWorker("w1"))
	assert.Equal(t, 1, p.Len())
}

// TestPending_CancelAll tests shutdown completion of all outstanding handles.
func TestPending_CancelAll(t *testing.T) {
	p := NewPending()

	h1, err := p.Register("item1_blip")
	require.NoError(t, err)
	h2, err := p.Register("w1_git")
	require.NoError(t, err)

	assert.Equal(t, 2, p.CancelAll())
	assert.Equal(t, 0, p.Len())

	for _, h := range []*Handle{h1, h2} {
		_, err := h.Wait(context.Background())
		assert.ErrorIs(t, err, ErrCancelled)
	}

	// Idempotent on an empty registry
	assert.Equal(t, 0, p.CancelAll())
}
