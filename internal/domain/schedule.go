package domain

import (
	"encoding/json"
	"time"
)

// Schedule decides when work fires and where it is delivered. It owns its
// Trigger and Target values; runs reference it by id only.
type Schedule struct {
	ID          string
	Tenant      string
	Name        string
	Timezone    string
	Trigger     Trigger
	Target      Target
	Payload     json.RawMessage
	CalendarKey string // optional; empty means no business-day constraint
	Enabled     bool
	NextFireAt  *time.Time
	LastFireAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Version     int64
}

// NewSchedule validates the trigger/target variants; an invalid
// combination fails construction, never partially constructs.
// Schedules start enabled.
func NewSchedule(id, tenant, name, timezone string, trigger Trigger, target Target, payload json.RawMessage, calendarKey string, now time.Time) (Schedule, error) {
	if id == "" {
		return Schedule{}, configErr("schedule", "id", "is required")
	}
	if tenant == "" {
		return Schedule{}, configErr("schedule", "tenant", "is required")
	}
	if name == "" {
		return Schedule{}, configErr("schedule", "name", "is required")
	}
	if err := trigger.Validate(); err != nil {
		return Schedule{}, err
	}
	if err := target.Validate(); err != nil {
		return Schedule{}, err
	}
	if timezone == "" {
		timezone = "UTC"
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return Schedule{}, configErr("schedule", "timezone", "is not a valid IANA zone")
	}
	return Schedule{
		ID: id, Tenant: tenant, Name: name, Timezone: timezone,
		Trigger: trigger, Target: target, Payload: payload,
		CalendarKey: calendarKey, Enabled: true,
		CreatedAt: now, UpdatedAt: now, Version: 1,
	}, nil
}

// IsDue is true iff the schedule is enabled and its next fire instant has
// arrived.
func (s Schedule) IsDue(now time.Time) bool {
	return s.Enabled && s.NextFireAt != nil && !s.NextFireAt.After(now)
}

// WithNextFire returns a snapshot with the fire pointer advanced. The
// value itself comes from the trigger evaluator, not from the schedule.
func (s Schedule) WithNextFire(at *time.Time, now time.Time) Schedule {
	s.NextFireAt = at
	return s.bump(now)
}

// WithLastFire records the instant of the most recent firing.
func (s Schedule) WithLastFire(at time.Time, now time.Time) Schedule {
	s.LastFireAt = &at
	return s.bump(now)
}

// AdvanceFire records a firing and moves the pointer to the following
// occurrence in one version step, so concurrent dispatchers racing on
// the same snapshot resolve through a single optimistic write.
func (s Schedule) AdvanceFire(fired time.Time, next *time.Time, now time.Time) Schedule {
	s.LastFireAt = &fired
	s.NextFireAt = next
	return s.bump(now)
}

// Enable re-arms the schedule. Fire pointers are untouched.
func (s Schedule) Enable(now time.Time) Schedule {
	s.Enabled = true
	return s.bump(now)
}

// Disable suppresses firing without clearing nextFireAt.
func (s Schedule) Disable(now time.Time) Schedule {
	s.Enabled = false
	return s.bump(now)
}

func (s Schedule) bump(now time.Time) Schedule {
	s.UpdatedAt = now
	s.Version++
	return s
}

// DedupeKey is a pure function of (schedule id, fire instant): two
// dispatchers racing to fire the same instant compute byte-identical keys,
// so the store's uniqueness constraint collapses them to one run.
func (s Schedule) DedupeKey(fireTime time.Time) string {
	return s.ID + "@" + fireTime.UTC().Format(time.RFC3339Nano)
}
