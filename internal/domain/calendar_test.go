package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func germanCalendar(t *testing.T) Calendar {
	t.Helper()
	cal, err := NewCalendar("cal_de", "acme", "de", "Germany",
		[]string{"2025-01-01"},
		map[string]bool{
			"monday": true, "tuesday": true, "wednesday": true,
			"thursday": true, "friday": true,
			"saturday": false, "sunday": false,
		})
	require.NoError(t, err)
	return cal
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestNewCalendar_RejectsUnknownWeekday(t *testing.T) {
	_, err := NewCalendar("cal_1", "acme", "bad", "Bad", nil, map[string]bool{"funday": true})
	var cfg *ConfigurationError
	assert.ErrorAs(t, err, &cfg)
}

func TestNewCalendar_RejectsWeekWithoutWorkingDays(t *testing.T) {
	var cfg *ConfigurationError

	// An empty map or an all-false map would make working-day stepping
	// loop forever; both must fail construction.
	_, err := NewCalendar("cal_1", "acme", "bad", "Bad", nil, map[string]bool{})
	assert.ErrorAs(t, err, &cfg)

	_, err = NewCalendar("cal_1", "acme", "bad", "Bad", nil,
		map[string]bool{"monday": false, "sunday": false})
	assert.ErrorAs(t, err, &cfg)

	_, err = NewCalendar("cal_1", "acme", "ok", "OK", nil, map[string]bool{"monday": true, "sunday": false})
	assert.NoError(t, err)
}

func TestNewCalendar_RejectsInvalidHoliday(t *testing.T) {
	_, err := NewCalendar("cal_1", "acme", "bad", "Bad", []string{"not-a-date"}, map[string]bool{"monday": true})
	var cfg *ConfigurationError
	assert.ErrorAs(t, err, &cfg)
}

func TestCalendar_WorkingDayPredicates(t *testing.T) {
	cal := germanCalendar(t)

	assert.True(t, cal.IsHoliday(date(2025, 1, 1)))
	assert.True(t, cal.IsBusinessDay(date(2025, 1, 1))) // a Wednesday
	assert.False(t, cal.IsWorkingDay(date(2025, 1, 1)))

	assert.True(t, cal.IsWorkingDay(date(2025, 1, 2)))  // Thursday
	assert.False(t, cal.IsWorkingDay(date(2025, 1, 4))) // Saturday
}

func TestCalendar_AddWorkingDays_SkipsHolidayAndWeekend(t *testing.T) {
	cal := germanCalendar(t)

	// 2024-12-31 is a Tuesday; Jan 1 is a holiday, so one working day
	// later is Jan 2.
	got := cal.AddWorkingDays(date(2024, 12, 31), 1)
	assert.Equal(t, date(2025, 1, 2), got)

	// Friday Jan 3 + 1 working day skips the weekend to Monday Jan 6.
	got = cal.AddWorkingDays(date(2025, 1, 3), 1)
	assert.Equal(t, date(2025, 1, 6), got)
}

func TestCalendar_AddWorkingDays_ZeroAndNegative(t *testing.T) {
	cal := germanCalendar(t)

	assert.Equal(t, date(2025, 1, 2), cal.AddWorkingDays(date(2025, 1, 2), 0))

	// Backwards from Thursday Jan 2 skips the New Year holiday to Dec 31.
	got := cal.AddWorkingDays(date(2025, 1, 2), -1)
	assert.Equal(t, date(2024, 12, 31), got)
}

func TestCalendar_NextAndPreviousWorkingDay(t *testing.T) {
	cal := germanCalendar(t)

	assert.Equal(t, date(2025, 1, 2), cal.NextWorkingDay(date(2024, 12, 31)))
	assert.Equal(t, date(2024, 12, 31), cal.PreviousWorkingDay(date(2025, 1, 2)))
	// From Friday, next working day is Monday.
	assert.Equal(t, date(2025, 1, 6), cal.NextWorkingDay(date(2025, 1, 3)))
}

func TestCalendar_WorkingDaysInRange(t *testing.T) {
	cal := germanCalendar(t)

	// Dec 30 (Mon) .. Jan 5 (Sun): Mon, Tue, Thu, Fri are working days.
	days := cal.WorkingDaysInRange(date(2024, 12, 30), date(2025, 1, 5))
	assert.Equal(t, []time.Time{
		date(2024, 12, 30),
		date(2024, 12, 31),
		date(2025, 1, 2),
		date(2025, 1, 3),
	}, days)
}

func TestCalendar_WithDays_ReplacesWholesale(t *testing.T) {
	cal := germanCalendar(t)
	next, err := cal.WithDays([]string{"2025-12-25"}, map[string]bool{"monday": true})
	require.NoError(t, err)

	assert.False(t, next.IsHoliday(date(2025, 1, 1)))
	assert.True(t, next.IsHoliday(date(2025, 12, 25)))
	assert.False(t, next.IsBusinessDay(date(2025, 1, 2))) // Thursday no longer flagged
	assert.Equal(t, cal.Version+1, next.Version)
}
