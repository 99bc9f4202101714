package schedule

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// wireDay is the cache-projection shape of one weekday record. Range bounds
// are "HH:MM" clock strings; end hours at or past 24 mean past midnight.
type wireDay struct {
	Disabled bool `json:"disabled"`
	AnyTime  bool `json:"any_time"`
	Ranges   []struct {
		Start string `json:"start"`
		End   string `json:"end"`
	} `json:"ranges"`
}

// ParseWeek decodes the JSON projection of a weekly schedule, keyed by
// numeric weekday ("0" = Sunday). Malformed day keys or clock values
// invalidate only the affected entry.
func ParseWeek(raw []byte) (Week, error) {
	var wire map[string]wireDay
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decoding schedule: %w", err)
	}
	week := make(Week, len(wire))
	for key, wd := range wire {
		dayNum, err := strconv.Atoi(key)
		if err != nil || dayNum < 0 || dayNum > 6 {
			continue
		}
		rec := DayRecord{Disabled: wd.Disabled, AnyTime: wd.AnyTime}
		for _, wr := range wd.Ranges {
			start, err := ParseClock(wr.Start)
			if err != nil {
				continue
			}
			end, err := ParseClock(wr.End)
			if err != nil || end <= start {
				continue
			}
			rec.Ranges = append(rec.Ranges, TimeRange{StartMin: start, EndMin: end})
		}
		week[time.Weekday(dayNum)] = rec
	}
	return week, nil
}
