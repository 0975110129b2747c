package workers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowhq/burrow/pkg/types"
)

type scaleRecorder struct {
	outs int
	ins  []string
}

func newTestAutoscaler(t *testing.T, p *Pool, config AutoscalerConfig, depth *int) (*Autoscaler, *scaleRecorder) {
	t.Helper()
	rec := &scaleRecorder{}
	a := NewAutoscaler(p, config,
		func() int { return *depth },
		func() { rec.outs++ },
		func(id string) { rec.ins = append(rec.ins, id) },
	)
	return a, rec
}

// TestAutoscaleOutSustained tests that scale-out waits for a sustained breach
func TestAutoscaleOutSustained(t *testing.T) {
	p := newTestPool()
	require.NoError(t, p.Register(&types.Worker{ID: "w1", SlotsTotal: 4, Subscriptions: []string{"q"}}))

	depth := 100
	config := AutoscalerConfig{Min: 1, Max: 4, BacklogPerWorker: 10, SustainFor: 30 * time.Second, Cooldown: time.Minute}
	a, rec := newTestAutoscaler(t, p, config, &depth)

	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	a.Evaluate(base)
	assert.Zero(t, rec.outs, "breach not yet sustained")

	a.Evaluate(base.Add(10 * time.Second))
	assert.Zero(t, rec.outs)

	a.Evaluate(base.Add(30 * time.Second))
	assert.Equal(t, 1, rec.outs)

	// The breach window resets after an action
	a.Evaluate(base.Add(31 * time.Second))
	assert.Equal(t, 1, rec.outs)
}

// TestAutoscaleBreachReset tests that a dip below threshold clears the window
func TestAutoscaleBreachReset(t *testing.T) {
	p := newTestPool()
	require.NoError(t, p.Register(&types.Worker{ID: "w1", SlotsTotal: 4, Subscriptions: []string{"q"}}))

	depth := 100
	config := AutoscalerConfig{Min: 1, Max: 4, BacklogPerWorker: 10, SustainFor: 30 * time.Second, Cooldown: time.Minute}
	a, rec := newTestAutoscaler(t, p, config, &depth)

	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	a.Evaluate(base)

	depth = 0
	a.Evaluate(base.Add(10 * time.Second))

	depth = 100
	a.Evaluate(base.Add(35 * time.Second))
	assert.Zero(t, rec.outs, "window restarted at the second breach")

	a.Evaluate(base.Add(65 * time.Second))
	assert.Equal(t, 1, rec.outs)
}

// TestAutoscaleMaxBound tests that scale-out respects the ceiling
func TestAutoscaleMaxBound(t *testing.T) {
	p := newTestPool()
	require.NoError(t, p.Register(&types.Worker{ID: "w1", SlotsTotal: 4, Subscriptions: []string{"q"}}))
	require.NoError(t, p.Register(&types.Worker{ID: "w2", SlotsTotal: 4, Subscriptions: []string{"q"}}))

	depth := 1000
	config := AutoscalerConfig{Min: 1, Max: 2, BacklogPerWorker: 10, SustainFor: time.Second, Cooldown: time.Minute}
	a, rec := newTestAutoscaler(t, p, config, &depth)

	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	a.Evaluate(base)
	a.Evaluate(base.Add(time.Minute))
	assert.Zero(t, rec.outs, "pool already at max")
}

// TestAutoscaleIn tests scale-in from a fully idle pool after cooldown
func TestAutoscaleIn(t *testing.T) {
	p := newTestPool()
	require.NoError(t, p.Register(&types.Worker{ID: "w1", SlotsTotal: 4, Subscriptions: []string{"q"}}))
	require.NoError(t, p.Register(&types.Worker{ID: "w2", SlotsTotal: 4, Subscriptions: []string{"q"}}))

	depth := 0
	config := AutoscalerConfig{Min: 1, Max: 4, BacklogPerWorker: 10, SustainFor: 30 * time.Second, Cooldown: time.Minute}
	a, rec := newTestAutoscaler(t, p, config, &depth)

	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	a.Evaluate(base)
	require.Len(t, rec.ins, 1, "cooldown from the zero time has long passed")
	assert.Equal(t, "w1", rec.ins[0])

	// Cooldown blocks an immediate second scale-in
	a.Evaluate(base.Add(10 * time.Second))
	assert.Len(t, rec.ins, 1)
}

// TestAutoscaleInBlockedByBusy tests that busy workers block scale-in
func TestAutoscaleInBlockedByBusy(t *testing.T) {
	p := newTestPool()
	require.NoError(t, p.Register(&types.Worker{ID: "w1", SlotsTotal: 4, Subscriptions: []string{"q"}}))
	require.NoError(t, p.Register(&types.Worker{ID: "w2", SlotsTotal: 4, Subscriptions: []string{"q"}}))
	require.NoError(t, p.Reserve("w2", types.ResourceAsk{Slots: 1}))

	depth := 0
	config := AutoscalerConfig{Min: 1, Max: 4, BacklogPerWorker: 10, SustainFor: 30 * time.Second, Cooldown: time.Minute}
	a, rec := newTestAutoscaler(t, p, config, &depth)

	a.Evaluate(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	assert.Empty(t, rec.ins)
}

// TestAutoscaleInRespectsMin tests the floor
func TestAutoscaleInRespectsMin(t *testing.T) {
	p := newTestPool()
	require.NoError(t, p.Register(&types.Worker{ID: "w1", SlotsTotal: 4, Subscriptions: []string{"q"}}))

	depth := 0
	config := AutoscalerConfig{Min: 1, Max: 4, BacklogPerWorker: 10, SustainFor: 30 * time.Second, Cooldown: time.Minute}
	a, rec := newTestAutoscaler(t, p, config, &depth)

	a.Evaluate(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	assert.Empty(t, rec.ins)
}
