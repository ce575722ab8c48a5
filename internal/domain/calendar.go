package domain

import (
	"strings"
	"time"
)

// weekdayNames maps the accepted business-day keys to time.Weekday.
var weekdayNames = map[string]time.Weekday{
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
	"sunday":    time.Sunday,
}

const dateLayout = "2006-01-02"

// Calendar is a business-day/holiday predicate over calendar dates.
// All comparisons are by date (year, month, day), never by instant, so
// midnight timezone boundaries cannot split a day in two.
type Calendar struct {
	ID           string
	Tenant       string
	Key          string
	Name         string
	Holidays     map[string]struct{}
	BusinessDays map[time.Weekday]bool
	Version      int64
}

// NewCalendar validates the business-day key set and normalizes the
// holiday list. Unknown weekday keys fail construction.
func NewCalendar(id, tenant, key, name string, holidays []string, businessDays map[string]bool) (Calendar, error) {
	if id == "" {
		return Calendar{}, configErr("calendar", "id", "is required")
	}
	if tenant == "" {
		return Calendar{}, configErr("calendar", "tenant", "is required")
	}
	if key == "" {
		return Calendar{}, configErr("calendar", "key", "is required")
	}
	days := make(map[time.Weekday]bool, len(weekdayNames))
	for name, flag := range businessDays {
		wd, ok := weekdayNames[strings.ToLower(name)]
		if !ok {
			return Calendar{}, configErr("calendar", "businessDays", "contains unknown weekday "+name)
		}
		days[wd] = flag
	}
	// Working-day stepping never terminates on a week with no business
	// days, so such a calendar must not be constructible.
	hasWorking := false
	for _, flag := range days {
		if flag {
			hasWorking = true
			break
		}
	}
	if !hasWorking {
		return Calendar{}, configErr("calendar", "businessDays", "must flag at least one weekday true")
	}
	hs := make(map[string]struct{}, len(holidays))
	for _, h := range holidays {
		d, err := time.Parse(dateLayout, h)
		if err != nil {
			return Calendar{}, configErr("calendar", "holidays", "contains invalid date "+h)
		}
		hs[d.Format(dateLayout)] = struct{}{}
	}
	return Calendar{ID: id, Tenant: tenant, Key: key, Name: name, Holidays: hs, BusinessDays: days, Version: 1}, nil
}

// WithDays replaces the holiday set and business-day map wholesale and
// bumps the version. The sets are never merged.
func (c Calendar) WithDays(holidays []string, businessDays map[string]bool) (Calendar, error) {
	next, err := NewCalendar(c.ID, c.Tenant, c.Key, c.Name, holidays, businessDays)
	if err != nil {
		return Calendar{}, err
	}
	next.Version = c.Version + 1
	return next, nil
}

func (c Calendar) IsHoliday(date time.Time) bool {
	_, ok := c.Holidays[date.Format(dateLayout)]
	return ok
}

func (c Calendar) IsBusinessDay(date time.Time) bool {
	return c.BusinessDays[date.Weekday()]
}

// IsWorkingDay is true when the date is a business day and not a holiday.
func (c Calendar) IsWorkingDay(date time.Time) bool {
	return c.IsBusinessDay(date) && !c.IsHoliday(date)
}

// NextWorkingDay returns the first working day strictly after date.
func (c Calendar) NextWorkingDay(date time.Time) time.Time {
	d := date.AddDate(0, 0, 1)
	for !c.IsWorkingDay(d) {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// PreviousWorkingDay returns the first working day strictly before date.
func (c Calendar) PreviousWorkingDay(date time.Time) time.Time {
	d := date.AddDate(0, 0, -1)
	for !c.IsWorkingDay(d) {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// AddWorkingDays steps one calendar day at a time in the sign of n,
// counting only working days, until n working-day steps are consumed.
// n=0 returns the date unchanged.
func (c Calendar) AddWorkingDays(date time.Time, n int) time.Time {
	d := date
	step := 1
	if n < 0 {
		step = -1
		n = -n
	}
	for n > 0 {
		d = d.AddDate(0, 0, step)
		if c.IsWorkingDay(d) {
			n--
		}
	}
	return d
}

// WorkingDaysInRange enumerates the working days in [start, end] inclusive.
func (c Calendar) WorkingDaysInRange(start, end time.Time) []time.Time {
	var days []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if c.IsWorkingDay(d) {
			days = append(days, d)
		}
	}
	return days
}
