package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDelayQueueOrdering tests that PopDue returns due IDs in due order
func TestDelayQueueOrdering(t *testing.T) {
	d := NewDelayQueue()
	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	d.Push("late", base.Add(30*time.Second))
	d.Push("early", base.Add(5*time.Second))
	d.Push("mid", base.Add(10*time.Second))
	assert.Equal(t, 3, d.Len())

	next, ok := d.NextDue()
	require.True(t, ok)
	assert.Equal(t, base.Add(5*time.Second), next)

	assert.Empty(t, d.PopDue(base.Add(time.Second)))
	assert.Equal(t, []string{"early", "mid"}, d.PopDue(base.Add(10*time.Second)))
	assert.Equal(t, []string{"late"}, d.PopDue(base.Add(time.Minute)))
	assert.Equal(t, 0, d.Len())

	_, ok = d.NextDue()
	assert.False(t, ok)
}

// TestDelayQueueCancel tests that cancelled IDs never pop
func TestDelayQueueCancel(t *testing.T) {
	d := NewDelayQueue()
	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	d.Push("a", base.Add(time.Second))
	d.Push("b", base.Add(2*time.Second))
	d.Cancel("a")

	assert.Equal(t, []string{"b"}, d.PopDue(base.Add(time.Minute)))
}

// TestDelayQueueReschedule tests that pushing an existing ID moves it
func TestDelayQueueReschedule(t *testing.T) {
	d := NewDelayQueue()
	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	d.Push("a", base.Add(time.Hour))
	d.Push("a", base.Add(time.Second))
	assert.Equal(t, 1, d.Len())

	assert.Equal(t, []string{"a"}, d.PopDue(base.Add(2*time.Second)))
}
