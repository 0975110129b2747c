package topology

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseISODuration tests the ISO 8601 duration subset
func TestParseISODuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "PT5S", want: 5 * time.Second},
		{in: "PT2M", want: 2 * time.Minute},
		{in: "PT1H30M", want: 90 * time.Minute},
		{in: "P1D", want: 24 * time.Hour},
		{in: "P1DT12H", want: 36 * time.Hour},
		{in: "PT0.5S", want: 500 * time.Millisecond},
		{in: "P1M", wantErr: true}, // calendar months unsupported
		{in: "PT", wantErr: true},
		{in: "5s", wantErr: true},
		{in: "P", wantErr: true},
		{in: "PT-5S", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseISODuration(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestParseTimerExpr tests the three timer expression forms
func TestParseTimerExpr(t *testing.T) {
	t.Run("plain duration", func(t *testing.T) {
		spec, err := ParseTimerExpr("PT10S")
		require.NoError(t, err)
		assert.Equal(t, 10*time.Second, spec.Duration)
		assert.Zero(t, spec.Repeat)
	})

	t.Run("recurrence", func(t *testing.T) {
		spec, err := ParseTimerExpr("R3/PT1M")
		require.NoError(t, err)
		assert.Equal(t, 3, spec.Repeat)
		assert.Equal(t, time.Minute, spec.Every)
	})

	t.Run("absolute date", func(t *testing.T) {
		spec, err := ParseTimerExpr("2026-01-15T08:00:00Z")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC), spec.At)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := ParseTimerExpr("whenever")
		assert.Error(t, err)

		_, err = ParseTimerExpr("R0/PT1M")
		assert.Error(t, err)
	})
}
