package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempo/internal/domain"
)

func berlinHolidayCalendar(t *testing.T, holidays ...string) domain.Calendar {
	t.Helper()
	cal, err := domain.NewCalendar("cal_de", "acme", "de", "Germany", holidays,
		map[string]bool{
			"monday": true, "tuesday": true, "wednesday": true,
			"thursday": true, "friday": true,
		})
	require.NoError(t, err)
	return cal
}

func TestNext_Cron(t *testing.T) {
	e := New()
	after := time.Date(2025, 3, 7, 10, 0, 0, 0, time.UTC) // Friday 10:00

	next, err := e.Next(domain.Trigger{Kind: domain.TriggerCron, CronExpr: "0 9 * * MON-FRI"}, "UTC", after, nil)
	require.NoError(t, err)
	require.NotNil(t, next)
	// Friday 10:00 is past 09:00, so the next weekday occurrence is Monday.
	assert.Equal(t, time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC), *next)
}

func TestNext_CronSkipsHoliday(t *testing.T) {
	e := New()
	// Monday 2025-03-10 is a holiday; the 09:00 weekday fire must land on
	// Tuesday at 09:00 instead.
	cal := berlinHolidayCalendar(t, "2025-03-10")
	after := time.Date(2025, 3, 7, 10, 0, 0, 0, time.UTC)

	next, err := e.Next(domain.Trigger{Kind: domain.TriggerCron, CronExpr: "0 9 * * MON-FRI"}, "UTC", after, &cal)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC), *next)
}

func TestNext_CronHonorsTimezone(t *testing.T) {
	e := New()
	after := time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC)

	next, err := e.Next(domain.Trigger{Kind: domain.TriggerCron, CronExpr: "0 9 * * *"}, "Europe/Berlin", after, nil)
	require.NoError(t, err)
	require.NotNil(t, next)
	// 09:00 Berlin (CET, +01) on 2025-03-10 is 08:00 UTC.
	assert.Equal(t, time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC), next.UTC())
}

func TestNext_FixedDelay(t *testing.T) {
	e := New()
	after := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	next, err := e.Next(domain.Trigger{Kind: domain.TriggerFixedDelay, DelaySec: 300}, "UTC", after, nil)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, after.Add(5*time.Minute), *next)
}

func TestNext_OneShot(t *testing.T) {
	e := New()
	at := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	tr := domain.Trigger{Kind: domain.TriggerOneShot, StartAt: &at}

	next, err := e.Next(tr, "UTC", at.Add(-time.Hour), nil)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, at, *next)

	// After the instant has passed there is nothing left to fire.
	next, err = e.Next(tr, "UTC", at, nil)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestNext_RRule(t *testing.T) {
	e := New()
	after := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	next, err := e.Next(domain.Trigger{
		Kind: domain.TriggerRRule,
		Rule: "DTSTART:20250301T090000Z\nRRULE:FREQ=DAILY",
	}, "UTC", after, nil)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC), next.UTC())
}

func TestValidate(t *testing.T) {
	e := New()

	assert.Error(t, e.Validate(domain.Trigger{Kind: domain.TriggerCron, CronExpr: "not a cron"}))
	assert.NoError(t, e.Validate(domain.Trigger{Kind: domain.TriggerCron, CronExpr: "*/5 * * * *"}))
	assert.Error(t, e.Validate(domain.Trigger{Kind: domain.TriggerRRule, Rule: "FREQ=BOGUS"}))
}

func TestOccurrences_CronWindow(t *testing.T) {
	e := New()
	from := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 3, 10, 5, 0, 0, 0, time.UTC)

	occ, err := e.Occurrences(domain.Trigger{Kind: domain.TriggerCron, CronExpr: "0 * * * *"}, "UTC", from, to, 0, 0, nil)
	require.NoError(t, err)
	assert.Len(t, occ, 6) // 00:00 .. 05:00 inclusive
	assert.Equal(t, from, occ[0])
	assert.Equal(t, to, occ[5])
}

func TestOccurrences_HardCap(t *testing.T) {
	e := New()
	from := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 3, 10, 19, 0, 0, 0, time.UTC)

	// The window naively yields 20 hourly occurrences; the cap wins.
	occ, err := e.Occurrences(domain.Trigger{Kind: domain.TriggerCron, CronExpr: "0 * * * *"}, "UTC", from, to, 0, 5, nil)
	require.NoError(t, err)
	assert.Len(t, occ, 5)
}

func TestOccurrences_FixedDelayStepOverride(t *testing.T) {
	e := New()
	from := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	to := from.Add(time.Hour)

	occ, err := e.Occurrences(domain.Trigger{Kind: domain.TriggerFixedDelay, DelaySec: 60}, "UTC", from, to, 30*time.Minute, 0, nil)
	require.NoError(t, err)
	assert.Len(t, occ, 3) // 00:00, 00:30, 01:00
}

func TestOccurrences_RejectsInvertedWindow(t *testing.T) {
	e := New()
	now := time.Now()
	_, err := e.Occurrences(domain.Trigger{Kind: domain.TriggerFixedDelay, DelaySec: 60}, "UTC", now, now.Add(-time.Hour), 0, 0, nil)
	assert.Error(t, err)
}
