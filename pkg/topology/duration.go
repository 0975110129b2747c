package topology

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/burrowhq/burrow/pkg/types"
)

// ParseISODuration parses the subset of ISO 8601 durations used by
// workflow timers: PnDTnHnMnS with any combination of components.
func ParseISODuration(s string) (time.Duration, error) {
	orig := s
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("invalid ISO duration %q", orig)
	}
	s = s[1:]

	var days, hours, minutes, seconds float64
	inTime := false

	for len(s) > 0 {
		if s[0] == 'T' {
			inTime = true
			s = s[1:]
			continue
		}
		i := 0
		for i < len(s) && (s[i] >= '0' && s[i] <= '9' || s[i] == '.') {
			i++
		}
		if i == 0 || i == len(s) {
			return 0, fmt.Errorf("invalid ISO duration %q", orig)
		}
		n, err := strconv.ParseFloat(s[:i], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid ISO duration %q", orig)
		}
		switch s[i] {
		case 'D':
			if inTime {
				return 0, fmt.Errorf("invalid ISO duration %q", orig)
			}
			days = n
		case 'H':
			if !inTime {
				return 0, fmt.Errorf("invalid ISO duration %q", orig)
			}
			hours = n
		case 'M':
			if !inTime {
				return 0, fmt.Errorf("invalid ISO duration %q: months are not supported", orig)
			}
			minutes = n
		case 'S':
			if !inTime {
				return 0, fmt.Errorf("invalid ISO duration %q", orig)
			}
			seconds = n
		default:
			return 0, fmt.Errorf("invalid ISO duration %q", orig)
		}
		s = s[i+1:]
	}

	total := time.Duration(days*24*float64(time.Hour)) +
		time.Duration(hours*float64(time.Hour)) +
		time.Duration(minutes*float64(time.Minute)) +
		time.Duration(seconds*float64(time.Second))
	if total <= 0 {
		return 0, fmt.Errorf("ISO duration %q is not positive", orig)
	}
	return total, nil
}

// ParseTimerExpr parses a workflow timer expression: a plain ISO duration
// (PT5S), an RFC 3339 date-time, or a recurrence Rk/PTn... with k cycles.
func ParseTimerExpr(s string) (*types.TimerSpec, error) {
	if strings.HasPrefix(s, "R") {
		parts := strings.SplitN(s, "/", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid recurring timer %q", s)
		}
		k, err := strconv.Atoi(strings.TrimPrefix(parts[0], "R"))
		if err != nil || k <= 0 {
			return nil, fmt.Errorf("invalid recurrence count in %q", s)
		}
		every, err := ParseISODuration(parts[1])
		if err != nil {
			return nil, err
		}
		return &types.TimerSpec{Repeat: k, Every: every, Duration: every}, nil
	}

	if strings.HasPrefix(s, "P") {
		d, err := ParseISODuration(s)
		if err != nil {
			return nil, err
		}
		return &types.TimerSpec{Duration: d}, nil
	}

	at, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid timer expression %q", s)
	}
	return &types.TimerSpec{At: at}, nil
}
