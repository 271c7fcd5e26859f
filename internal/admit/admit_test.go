package admit_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/redconsec/redcon/internal/admit"
)

func granted(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestTryAdmit(t *testing.T) {
	t.Parallel()
	c := admit.New(2)

	a, b, d := uuid.New(), uuid.New(), uuid.New()
	require.True(t, c.TryAdmit(a))
	require.True(t, c.TryAdmit(b))
	require.False(t, c.TryAdmit(d))
	require.Equal(t, 2, c.InUse())

	c.Release(a)
	require.Equal(t, 1, c.InUse())
	require.True(t, c.TryAdmit(d))
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()
	c := admit.New(1)

	a, b := uuid.New(), uuid.New()
	require.True(t, c.TryAdmit(a))

	c.Release(a)
	c.Release(a)
	c.Release(uuid.New()) // never admitted

	require.Equal(t, 0, c.InUse())
	require.True(t, c.TryAdmit(b))
	require.Equal(t, 1, c.InUse())
}

func TestQueueIsFIFO(t *testing.T) {
	t.Parallel()
	c := admit.New(1)

	running := uuid.New()
	require.True(t, c.TryAdmit(running))

	first := c.Enqueue(uuid.New())
	second := c.Enqueue(uuid.New())
	require.Equal(t, 2, c.QueueLen())

	// a waiting queue blocks direct admission even with a free slot
	c.Release(running)
	require.False(t, granted(second))
	require.True(t, granted(first))
	require.False(t, c.TryAdmit(uuid.New()))
	require.Equal(t, 1, c.InUse())
}

func TestCancelQueued(t *testing.T) {
	t.Parallel()
	c := admit.New(1)

	running, waitingA, waitingB := uuid.New(), uuid.New(), uuid.New()
	require.True(t, c.TryAdmit(running))
	grantA := c.Enqueue(waitingA)
	grantB := c.Enqueue(waitingB)

	require.True(t, c.CancelQueued(waitingA))
	require.False(t, c.CancelQueued(waitingA))

	c.Release(running)
	select {
	case <-grantB:
	case <-time.After(time.Second):
		t.Fatal("second waiter was not granted after the first cancelled")
	}
	require.False(t, granted(grantA))
}

func TestGrantCountsAsAdmission(t *testing.T) {
	t.Parallel()
	c := admit.New(1)

	running, waiting := uuid.New(), uuid.New()
	require.True(t, c.TryAdmit(running))
	grant := c.Enqueue(waiting)

	c.Release(running)
	<-grant
	require.Equal(t, 1, c.InUse())

	c.Release(waiting)
	require.Equal(t, 0, c.InUse())
}
