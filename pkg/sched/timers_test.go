package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/burrowhq/burrow/pkg/types"
)

// TestTimerFireDue tests one-shot duration timers
func TestTimerFireDue(t *testing.T) {
	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	withClock(t, base)

	reg := NewTimerRegistry()
	var fired []string
	fn := func(id string) { fired = append(fired, id) }

	reg.Register("t1", &types.TimerSpec{Duration: 5 * time.Second}, fn)
	reg.Register("t2", &types.TimerSpec{Duration: 10 * time.Second}, fn)
	assert.Equal(t, 2, reg.Len())

	assert.Equal(t, 0, reg.FireDue(base.Add(time.Second)))
	assert.Equal(t, 1, reg.FireDue(base.Add(5*time.Second)))
	assert.Equal(t, []string{"t1"}, fired)
	assert.Equal(t, 1, reg.Len())

	assert.Equal(t, 1, reg.FireDue(base.Add(time.Minute)))
	assert.Equal(t, []string{"t1", "t2"}, fired)
	assert.Equal(t, 0, reg.Len())
}

// TestTimerAbsolute tests date timers
func TestTimerAbsolute(t *testing.T) {
	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	withClock(t, base)

	reg := NewTimerRegistry()
	at := base.Add(time.Hour)

	fired := 0
	reg.Register("deadline", &types.TimerSpec{At: at}, func(string) { fired++ })

	assert.Equal(t, 0, reg.FireDue(at.Add(-time.Second)))
	assert.Equal(t, 1, reg.FireDue(at))
	assert.Equal(t, 1, fired)
}

// TestTimerRecurring tests bounded recurrence
func TestTimerRecurring(t *testing.T) {
	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	withClock(t, base)

	reg := NewTimerRegistry()
	fired := 0
	reg.Register("cycle", &types.TimerSpec{Repeat: 3, Every: time.Minute}, func(string) { fired++ })

	for i := 1; i <= 5; i++ {
		reg.FireDue(base.Add(time.Duration(i) * time.Minute))
	}

	assert.Equal(t, 3, fired, "exactly the recurrence count")
	assert.Equal(t, 0, reg.Len())
}

// TestTimerCancel tests that cancelled timers never fire
func TestTimerCancel(t *testing.T) {
	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	withClock(t, base)

	reg := NewTimerRegistry()
	fired := 0
	reg.Register("doomed", &types.TimerSpec{Duration: time.Second}, func(string) { fired++ })
	reg.Cancel("doomed")

	assert.Equal(t, 0, reg.FireDue(base.Add(time.Minute)))
	assert.Equal(t, 0, fired)
}
