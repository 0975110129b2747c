/*
Package cron parses five-field cron expressions and computes fire times.

The grammar is the classic minute hour day-of-month month day-of-week form
with ranges, steps, lists, and wildcards. The L and W day-of-month extensions
are supported behind an opt-in flag, since their semantics surprise users who
did not ask for them.

# Grammar

	┌───────────── minute (0-59)
	│ ┌─────────── hour (0-23)
	│ │ ┌───────── day of month (1-31, L, nW)
	│ │ │ ┌─────── month (1-12)
	│ │ │ │ ┌───── day of week (0-6, Sunday=0)
	│ │ │ │ │
	* * * * *

Supported forms per field:
  - "*" any value
  - "5" a single value
  - "1-5" an inclusive range
  - "10-30/5" a step over a range, "0-59/15" a step over the full range
    (the wildcard-step form is accepted and equivalent)
  - "1,15,30" a list, each element any of the above

Day-of-month extensions (only with WithLW):
  - "L" the last day of the month
  - "15W" the weekday nearest to the 15th, never crossing a month boundary

When both day fields are restricted, a time matches if either field matches,
following the traditional vixie-cron rule.

# Usage

	s, err := cron.Parse("0 2 * * *")
	if err != nil {
		return err
	}
	next := s.Next(time.Now())

	payday, err := cron.Parse("0 9 L * *", cron.WithLW())

Next returns the first matching minute strictly after the given time, with
seconds truncated. The search is bounded; an expression that can never match
(such as a nonexistent date) returns the zero time rather than spinning.

# Integration Points

  - pkg/sched compiles job definitions' CronExpr fields at refresh
  - pkg/topology validates expressions at declaration time, so a bad
    expression is rejected before it ever reaches the scheduler
*/
package cron
