// Package trigger computes fire instants for schedule triggers. The
// evaluator is the only place recurrence rules are expanded; schedules
// store the resulting instants and nothing else.
package trigger

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/teambition/rrule-go"

	"tempo/internal/domain"
)

// expansionLimit bounds any occurrence expansion regardless of the
// caller-supplied cap, so a degenerate window cannot run away.
const expansionLimit = 10000

type Evaluator struct {
	parser cron.Parser
}

func New() *Evaluator {
	return &Evaluator{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Validate checks that the trigger's recurrence expression parses, beyond
// the structural checks done at schedule construction.
func (e *Evaluator) Validate(tr domain.Trigger) error {
	switch tr.Kind {
	case domain.TriggerCron:
		if _, err := e.parser.Parse(tr.CronExpr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", tr.CronExpr, err)
		}
	case domain.TriggerRRule:
		if _, err := rrule.StrToRRule(tr.Rule); err != nil {
			return fmt.Errorf("invalid recurrence rule %q: %w", tr.Rule, err)
		}
	}
	return tr.Validate()
}

// Next returns the first fire instant strictly after the given instant,
// or nil when the trigger produces no further occurrences. When a
// calendar is attached and the naive occurrence lands on a non-working
// day, the date advances to the next working day with the local
// time-of-day preserved.
func (e *Evaluator) Next(tr domain.Trigger, tz string, after time.Time, cal *domain.Calendar) (*time.Time, error) {
	loc, err := loadLocation(tz)
	if err != nil {
		return nil, err
	}

	var next time.Time
	switch tr.Kind {
	case domain.TriggerCron:
		sched, err := e.parser.Parse(tr.CronExpr)
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", tr.CronExpr, err)
		}
		next = sched.Next(after.In(loc))
		if next.IsZero() {
			return nil, nil
		}
	case domain.TriggerRRule:
		rule, err := rrule.StrToRRule(tr.Rule)
		if err != nil {
			return nil, fmt.Errorf("invalid recurrence rule %q: %w", tr.Rule, err)
		}
		next = rule.After(after.In(loc), false)
		if next.IsZero() {
			return nil, nil
		}
		next = next.In(loc)
	case domain.TriggerFixedDelay:
		next = after.Add(time.Duration(tr.DelaySec) * time.Second).In(loc)
	case domain.TriggerOneShot:
		if tr.StartAt == nil || !tr.StartAt.After(after) {
			return nil, nil
		}
		next = tr.StartAt.In(loc)
	default:
		return nil, domain.ErrUnknownTrigger
	}

	if cal != nil {
		next = snapToWorkingDay(next, *cal)
	}
	return &next, nil
}

// Occurrences expands the trigger over [from, to] for backfill, capped at
// max (and always at expansionLimit). Recurring expressions expand by
// their own rules; fixed-delay triggers step by their delay unless a
// positive step overrides it, and one-shot triggers contribute at most
// one instant.
func (e *Evaluator) Occurrences(tr domain.Trigger, tz string, from, to time.Time, step time.Duration, max int, cal *domain.Calendar) ([]time.Time, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("occurrence window end %s precedes start %s", to, from)
	}
	loc, err := loadLocation(tz)
	if err != nil {
		return nil, err
	}
	limit := expansionLimit
	if max > 0 && max < limit {
		limit = max
	}

	var out []time.Time
	add := func(t time.Time) bool {
		if cal != nil {
			t = snapToWorkingDay(t, *cal)
		}
		if t.After(to) {
			return true
		}
		if n := len(out); n > 0 && out[n-1].Equal(t) {
			return len(out) >= limit
		}
		out = append(out, t)
		return len(out) >= limit
	}

	switch tr.Kind {
	case domain.TriggerCron:
		sched, err := e.parser.Parse(tr.CronExpr)
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", tr.CronExpr, err)
		}
		for t := sched.Next(from.In(loc).Add(-time.Second)); !t.IsZero() && !t.After(to); t = sched.Next(t) {
			if add(t) {
				return out, nil
			}
		}
	case domain.TriggerRRule:
		rule, err := rrule.StrToRRule(tr.Rule)
		if err != nil {
			return nil, fmt.Errorf("invalid recurrence rule %q: %w", tr.Rule, err)
		}
		for _, t := range rule.Between(from.In(loc), to.In(loc), true) {
			if add(t.In(loc)) {
				return out, nil
			}
		}
	case domain.TriggerFixedDelay:
		interval := time.Duration(tr.DelaySec) * time.Second
		if step > 0 {
			interval = step
		}
		for t := from.In(loc); !t.After(to); t = t.Add(interval) {
			if add(t) {
				return out, nil
			}
		}
	case domain.TriggerOneShot:
		if tr.StartAt != nil && !tr.StartAt.Before(from) && !tr.StartAt.After(to) {
			add(tr.StartAt.In(loc))
		}
	default:
		return nil, domain.ErrUnknownTrigger
	}
	return out, nil
}

// snapToWorkingDay moves an instant falling on a non-working date to the
// next working date, keeping the local clock time.
func snapToWorkingDay(t time.Time, cal domain.Calendar) time.Time {
	if cal.IsWorkingDay(t) {
		return t
	}
	day := cal.NextWorkingDay(t)
	return time.Date(day.Year(), day.Month(), day.Day(),
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", tz, err)
	}
	return loc, nil
}
