// Package civiltime computes recurring schedule times in a named civil
// timezone without consulting the platform timezone database. Offset
// changes are expressed as "Nth weekday of month" transition rules so
// results are reproducible on any host.
package civiltime

import (
	"fmt"
	"time"
)

// Schedule is a recurring civil-time schedule: a wall-clock time and an
// optional weekday. With Weekday unset the schedule fires daily.
type Schedule struct {
	Hour    int
	Minute  int
	Weekday *time.Weekday
}

// ParseSchedule reads schedules in the "HH MM" form used by job configs.
func ParseSchedule(s string) (Schedule, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(s, "%d %d", &hour, &minute); err != nil {
		return Schedule{}, fmt.Errorf("parse schedule %q: %w", s, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return Schedule{}, fmt.Errorf("schedule %q out of range", s)
	}
	return Schedule{Hour: hour, Minute: minute}, nil
}

// On returns a copy of the schedule pinned to a weekday.
func (s Schedule) On(d time.Weekday) Schedule {
	s.Weekday = &d
	return s
}

// TransitionRule locates a daylight-saving transition as the Nth
// occurrence of a weekday within a month, at a local wall-clock hour.
// Week -1 selects the last occurrence.
type TransitionRule struct {
	Month   time.Month
	Week    int
	Weekday time.Weekday
	Hour    int
}

// dayOfMonth resolves the rule to a calendar day for the given year.
func (r TransitionRule) dayOfMonth(year int) int {
	first := time.Date(year, r.Month, 1, 0, 0, 0, 0, time.UTC)
	if r.Week == -1 {
		last := first.AddDate(0, 1, -1)
		back := (int(last.Weekday()) - int(r.Weekday) + 7) % 7
		return last.Day() - back
	}
	forward := (int(r.Weekday) - int(first.Weekday()) + 7) % 7
	return 1 + forward + (r.Week-1)*7
}

// Rules describes a civil timezone with a single yearly daylight-saving
// window.
type Rules struct {
	Name           string
	StandardOffset time.Duration
	DaylightOffset time.Duration
	DaylightStart  TransitionRule
	DaylightEnd    TransitionRule
}

// Eastern returns the rules for Canadian Eastern Time: UTC-5 standard,
// UTC-4 daylight, springing forward the second Sunday of March at 02:00
// and falling back the first Sunday of November at 02:00.
func Eastern() Rules {
	return Rules{
		Name:           "Canada/Eastern",
		StandardOffset: -5 * time.Hour,
		DaylightOffset: -4 * time.Hour,
		DaylightStart:  TransitionRule{Month: time.March, Week: 2, Weekday: time.Sunday, Hour: 2},
		DaylightEnd:    TransitionRule{Month: time.November, Week: 1, Weekday: time.Sunday, Hour: 2},
	}
}

// ForZone looks up the rules for a supported Canadian civil timezone.
// All four zones share the same transition dates; only offsets differ.
func ForZone(name string) (Rules, error) {
	base := Eastern()
	switch name {
	case "", "Canada/Eastern", "America/Toronto":
		return base, nil
	case "Canada/Central", "America/Winnipeg":
		base.Name = "Canada/Central"
		base.StandardOffset = -6 * time.Hour
		base.DaylightOffset = -5 * time.Hour
		return base, nil
	case "Canada/Mountain", "America/Edmonton":
		base.Name = "Canada/Mountain"
		base.StandardOffset = -7 * time.Hour
		base.DaylightOffset = -6 * time.Hour
		return base, nil
	case "Canada/Pacific", "America/Vancouver":
		base.Name = "Canada/Pacific"
		base.StandardOffset = -8 * time.Hour
		base.DaylightOffset = -7 * time.Hour
		return base, nil
	}
	return Rules{}, fmt.Errorf("unsupported timezone %q", name)
}

// transitionInstants returns the UTC instants at which daylight time
// begins and ends for a year. The start transition happens while the
// standard offset is still in force, the end transition while the
// daylight offset is.
func (r Rules) transitionInstants(year int) (start, end time.Time) {
	startDay := r.DaylightStart.dayOfMonth(year)
	endDay := r.DaylightEnd.dayOfMonth(year)
	start = time.Date(year, r.DaylightStart.Month, startDay, r.DaylightStart.Hour, 0, 0, 0, time.UTC).
		Add(-r.StandardOffset)
	end = time.Date(year, r.DaylightEnd.Month, endDay, r.DaylightEnd.Hour, 0, 0, 0, time.UTC).
		Add(-r.DaylightOffset)
	return start, end
}

// OffsetAt returns the civil offset in force at a UTC instant.
func (r Rules) OffsetAt(utc time.Time) time.Duration {
	start, end := r.transitionInstants(utc.Year())
	if !utc.Before(start) && utc.Before(end) {
		return r.DaylightOffset
	}
	return r.StandardOffset
}

// offsetForCivil returns the offset in force on a civil calendar date at
// a civil wall-clock time. Inside the skipped or repeated hour around a
// transition the nominal civil time is taken as authoritative: times at
// or after the transition wall clock use the post-transition offset.
func (r Rules) offsetForCivil(civil time.Time) time.Duration {
	year := civil.Year()
	startDay := r.DaylightStart.dayOfMonth(year)
	endDay := r.DaylightEnd.dayOfMonth(year)
	start := time.Date(year, r.DaylightStart.Month, startDay, r.DaylightStart.Hour, 0, 0, 0, time.UTC)
	end := time.Date(year, r.DaylightEnd.Month, endDay, r.DaylightEnd.Hour, 0, 0, 0, time.UTC)
	if !civil.Before(start) && civil.Before(end) {
		return r.DaylightOffset
	}
	return r.StandardOffset
}

// ToCivil converts a UTC instant to the civil wall-clock time under the
// rules. The result carries time.UTC as its location; only the calendar
// fields are meaningful.
func (r Rules) ToCivil(utc time.Time) time.Time {
	return utc.UTC().Add(r.OffsetAt(utc))
}

// FromCivil converts a civil wall-clock time to the UTC instant it
// denotes, using the offset in force on that calendar date.
func (r Rules) FromCivil(civil time.Time) time.Time {
	return civil.Add(-r.offsetForCivil(civil))
}

// NextRun computes the next UTC instant at which the schedule fires,
// strictly after now. Candidate dates recompute their own offset, so a
// schedule straddling a daylight-saving boundary resolves with the
// offset of the resolved calendar date, not today's.
func NextRun(s Schedule, r Rules, now time.Time) time.Time {
	civilNow := r.ToCivil(now)
	candidate := time.Date(civilNow.Year(), civilNow.Month(), civilNow.Day(),
		s.Hour, s.Minute, 0, 0, time.UTC)

	if s.Weekday != nil {
		ahead := (int(*s.Weekday) - int(candidate.Weekday()) + 7) % 7
		if ahead == 0 && !candidate.After(civilNow) {
			ahead = 7
		}
		candidate = candidate.AddDate(0, 0, ahead)
	} else if !candidate.After(civilNow) {
		candidate = candidate.AddDate(0, 0, 1)
	}

	utc := r.FromCivil(candidate)
	// A fall-back overlap can land the resolved instant at or before
	// now; step forward by the schedule period until it is strictly
	// after.
	for !utc.After(now) {
		if s.Weekday != nil {
			candidate = candidate.AddDate(0, 0, 7)
		} else {
			candidate = candidate.AddDate(0, 0, 1)
		}
		utc = r.FromCivil(candidate)
	}
	return utc
}
