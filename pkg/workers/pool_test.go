package workers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowhq/burrow/pkg/events"
	"github.com/burrowhq/burrow/pkg/types"
)

func withClock(t *testing.T, at time.Time) func(time.Time) {
	t.Helper()
	current := at
	timeNow = func() time.Time { return current }
	t.Cleanup(func() { timeNow = time.Now })
	return func(next time.Time) { current = next }
}

func newTestPool() *Pool {
	return NewPool(events.NewBroker())
}

// TestRegister tests registration validation and defaulting
func TestRegister(t *testing.T) {
	p := newTestPool()

	require.Error(t, p.Register(&types.Worker{SlotsTotal: 4}), "ID required")
	require.Error(t, p.Register(&types.Worker{ID: "w1"}), "slots required")

	w := &types.Worker{ID: "w1", SlotsTotal: 4, Subscriptions: []string{"orders"}}
	require.NoError(t, p.Register(w))

	got, ok := p.Get("w1")
	require.True(t, ok)
	assert.Equal(t, types.WorkerIdle, got.State)
	assert.Equal(t, 4, got.SlotsFree)
	assert.Equal(t, DefaultHeartbeatInterval, got.HeartbeatInterval)
	assert.Equal(t, 1, got.PrefetchWindow)
	assert.Equal(t, 1, got.Weight)
	assert.Equal(t, types.AckManual, got.AckMode)

	// A live worker cannot register twice
	assert.Error(t, p.Register(&types.Worker{ID: "w1", SlotsTotal: 2}))
}

// TestReRegisterAfterOffline tests that an offline worker may come back
func TestReRegisterAfterOffline(t *testing.T) {
	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	advance := withClock(t, base)

	p := newTestPool()
	require.NoError(t, p.Register(&types.Worker{ID: "w1", SlotsTotal: 2, HeartbeatInterval: time.Second}))

	advance(base.Add(10 * time.Second))
	lost := p.sweepOffline()
	require.Equal(t, []string{"w1"}, lost)

	assert.Error(t, p.Heartbeat("w1"), "offline workers must re-register")
	require.NoError(t, p.Register(&types.Worker{ID: "w1", SlotsTotal: 2}))

	got, _ := p.Get("w1")
	assert.Equal(t, types.WorkerIdle, got.State)
}

// TestHeartbeatSweep tests the missed-heartbeat offline transition
func TestHeartbeatSweep(t *testing.T) {
	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	advance := withClock(t, base)

	p := newTestPool()
	require.NoError(t, p.Register(&types.Worker{ID: "w1", SlotsTotal: 2, HeartbeatInterval: 10 * time.Second}))

	// Inside the budget of three missed beats, the worker stays live
	advance(base.Add(25 * time.Second))
	require.NoError(t, p.Heartbeat("w1"))
	assert.Empty(t, p.sweepOffline())

	advance(base.Add(60 * time.Second))
	assert.Equal(t, []string{"w1"}, p.sweepOffline())

	counts := p.CountsByState()
	assert.Equal(t, 1, counts[types.WorkerOffline])
}

// TestDrain tests the draining transition
func TestDrain(t *testing.T) {
	p := newTestPool()
	require.NoError(t, p.Register(&types.Worker{ID: "w1", SlotsTotal: 2}))
	require.NoError(t, p.Drain("w1"))

	got, _ := p.Get("w1")
	assert.Equal(t, types.WorkerDraining, got.State)

	assert.Error(t, p.Drain("nope"))
}

// TestDeregister tests outright removal
func TestDeregister(t *testing.T) {
	p := newTestPool()
	require.NoError(t, p.Register(&types.Worker{ID: "w1", SlotsTotal: 2}))
	require.NoError(t, p.Deregister("w1"))

	_, ok := p.Get("w1")
	assert.False(t, ok)
	assert.Error(t, p.Deregister("w1"))
}

// TestReserveRelease tests capacity accounting and idle/busy flips
func TestReserveRelease(t *testing.T) {
	p := newTestPool()
	require.NoError(t, p.Register(&types.Worker{ID: "w1", SlotsTotal: 2, CPUTotal: 4, MemoryTotal: 1 << 30}))

	ask := types.ResourceAsk{Slots: 1, CPU: 1, MemoryBytes: 1 << 20}
	require.NoError(t, p.Reserve("w1", ask))

	got, _ := p.Get("w1")
	assert.Equal(t, types.WorkerBusy, got.State)
	assert.Equal(t, 1, got.SlotsFree)
	assert.Equal(t, float64(3), got.CPUFree)

	require.NoError(t, p.Reserve("w1", ask))
	assert.Error(t, p.Reserve("w1", ask), "slots exhausted")

	p.Release("w1", ask)
	got, _ = p.Get("w1")
	assert.Equal(t, types.WorkerBusy, got.State, "still one reservation out")

	p.Release("w1", ask)
	got, _ = p.Get("w1")
	assert.Equal(t, types.WorkerIdle, got.State)
	assert.Equal(t, 2, got.SlotsFree)

	// Releasing beyond total clamps rather than overflowing
	p.Release("w1", ask)
	got, _ = p.Get("w1")
	assert.Equal(t, 2, got.SlotsFree)
}

// TestReserveDefaultsSlots tests that a zero ask still costs one slot
func TestReserveDefaultsSlots(t *testing.T) {
	p := newTestPool()
	require.NoError(t, p.Register(&types.Worker{ID: "w1", SlotsTotal: 1}))
	require.NoError(t, p.Reserve("w1", types.ResourceAsk{}))
	assert.Error(t, p.Reserve("w1", types.ResourceAsk{}))
}

// TestStrandedQueues tests capability coverage reporting
func TestStrandedQueues(t *testing.T) {
	p := newTestPool()
	require.NoError(t, p.Register(&types.Worker{
		ID: "w1", SlotsTotal: 2,
		Subscriptions: []string{"transcode"},
		Labels:        []string{"gpu"},
	}))

	queues := []*types.Queue{
		{Name: "transcode", CapabilityLabels: []string{"gpu"}},
		{Name: "render", CapabilityLabels: []string{"gpu"}},
		{Name: "archive", CapabilityLabels: []string{"tape"}},
	}
	assert.Equal(t, []string{"archive", "render"}, p.StrandedQueues(queues))

	// A draining worker no longer covers its queues
	require.NoError(t, p.Drain("w1"))
	assert.Equal(t, []string{"archive", "render", "transcode"}, p.StrandedQueues(queues))
}
