// Package schedule evaluates a person's recurring weekly availability in
// their local time zone against a projected activity window.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	minutesPerDay = 24 * 60

	// Default availability window applied when a day has no record at all.
	defaultStartMin = 9 * 60  // 09:00
	defaultEndMin   = 21 * 60 // 21:00
)

// TimeRange is an explicit availability range in minutes from midnight.
// End may exceed 24h, meaning the range runs past midnight into the next
// calendar day.
type TimeRange struct {
	StartMin int `json:"start"`
	EndMin   int `json:"end"`
}

// Overnight reports whether the range spills into the next calendar day.
func (r TimeRange) Overnight() bool {
	return r.EndMin > minutesPerDay
}

// DayRecord is one weekday's availability: disabled all day, available
// any time, or a set of explicit ranges.
type DayRecord struct {
	Disabled bool        `json:"disabled"`
	AnyTime  bool        `json:"any_time"`
	Ranges   []TimeRange `json:"ranges"`
}

// Week maps weekdays to their records. Days without a record fall back to
// the default window.
type Week map[time.Weekday]DayRecord

// ParseClock converts "HH:MM" to minutes from midnight. Hours at or past 24
// are accepted for overnight range ends.
func ParseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock value %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// Available reports whether the person is free for a window of the given
// duration starting at instant at, interpreted in loc.
//
// Evaluation order: the previous day's overnight ranges are checked first
// (a 22:00–04:00 range on Friday still covers 01:00 Saturday), then the
// current day's record. A day with no record and no ranges falls back to
// the 09:00–21:00 default; the default never overrides an explicit
// disabled record.
func (w Week) Available(at time.Time, window time.Duration, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	local := at.In(loc)
	day := local.Weekday()
	minute := local.Hour()*60 + local.Minute()

	// Previous-day overnight ranges cover the instant itself.
	prev := (day + 6) % 7
	if rec, ok := w[prev]; ok && !rec.Disabled {
		shifted := minute + minutesPerDay
		for _, r := range rec.Ranges {
			if r.Overnight() && shifted >= r.StartMin && shifted < r.EndMin {
				return true
			}
		}
	}

	wStart := minute
	wEnd := minute + int(window.Minutes())

	rec, ok := w[day]
	if !ok {
		return wStart >= defaultStartMin && wEnd <= defaultEndMin
	}
	if rec.Disabled {
		return false
	}
	if rec.AnyTime {
		return true
	}
	if len(rec.Ranges) == 0 {
		return wStart >= defaultStartMin && wEnd <= defaultEndMin
	}
	for _, r := range rec.Ranges {
		if wStart >= r.StartMin && wEnd <= r.EndMin {
			return true
		}
	}
	return false
}
