package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParse tests expression validation
func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		opts    []Option
		wantErr bool
	}{
		{name: "every minute", expr: "* * * * *"},
		{name: "daily at half past two", expr: "30 2 * * *"},
		{name: "step minutes", expr: "*/15 * * * *"},
		{name: "range with step", expr: "0 9-17/2 * * 1-5"},
		{name: "comma list", expr: "0,30 8,20 * * *"},
		{name: "last day with option", expr: "0 0 L * *", opts: []Option{WithLW()}},
		{name: "nearest weekday with option", expr: "0 0 15W * *", opts: []Option{WithLW()}},
		{name: "last day without option", expr: "0 0 L * *", wantErr: true},
		{name: "nearest weekday without option", expr: "0 0 15W * *", wantErr: true},
		{name: "too few fields", expr: "* * * *", wantErr: true},
		{name: "too many fields", expr: "* * * * * *", wantErr: true},
		{name: "minute out of range", expr: "60 * * * *", wantErr: true},
		{name: "hour out of range", expr: "0 24 * * *", wantErr: true},
		{name: "garbage field", expr: "x * * * *", wantErr: true},
		{name: "zero step", expr: "*/0 * * * *", wantErr: true},
		{name: "inverted range", expr: "30-10 * * * *", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.expr, tt.opts...)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestNext tests fire-time computation
func TestNext(t *testing.T) {
	// Monday, 2025-06-02 10:20:30 UTC
	base := time.Date(2025, 6, 2, 10, 20, 30, 0, time.UTC)

	tests := []struct {
		name string
		expr string
		opts []Option
		want time.Time
	}{
		{
			name: "every minute fires on the next whole minute",
			expr: "* * * * *",
			want: time.Date(2025, 6, 2, 10, 21, 0, 0, time.UTC),
		},
		{
			name: "next quarter hour",
			expr: "*/15 * * * *",
			want: time.Date(2025, 6, 2, 10, 30, 0, 0, time.UTC),
		},
		{
			name: "daily run already past rolls to tomorrow",
			expr: "0 2 * * *",
			want: time.Date(2025, 6, 3, 2, 0, 0, 0, time.UTC),
		},
		{
			name: "weekday restriction skips the weekend",
			expr: "0 9 * * 6",
			want: time.Date(2025, 6, 7, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "dom and dow combine with OR when both restricted",
			expr: "0 9 3 * 0",
			want: time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "month restriction jumps months",
			expr: "0 0 1 9 *",
			want: time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "last day of june",
			expr: "0 12 L * *",
			opts: []Option{WithLW()},
			want: time.Date(2025, 6, 30, 12, 0, 0, 0, time.UTC),
		},
		{
			name: "nearest weekday to a saturday the 14th",
			expr: "0 12 14W * *",
			opts: []Option{WithLW()},
			// 2025-06-14 is a Saturday, so the run lands on Friday the 13th
			want: time.Date(2025, 6, 13, 12, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Parse(tt.expr, tt.opts...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Next(base))
		})
	}
}

// TestNextIsStrictlyFuture tests that Next never returns the current minute
func TestNextIsStrictlyFuture(t *testing.T) {
	s, err := Parse("* * * * *")
	require.NoError(t, err)

	exactMinute := time.Date(2025, 6, 2, 10, 20, 0, 0, time.UTC)
	next := s.Next(exactMinute)
	assert.True(t, next.After(exactMinute))
	assert.Equal(t, time.Date(2025, 6, 2, 10, 21, 0, 0, time.UTC), next)
}

// TestNextNoMatch tests the zero return when no date can ever match
func TestNextNoMatch(t *testing.T) {
	// February 30th does not exist
	s, err := Parse("0 0 30 2 *")
	require.NoError(t, err)

	next := s.Next(time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC))
	assert.True(t, next.IsZero())
}
