// Package person defines the read-only projections of persons, their filter
// sets, and their interest sections, together with the decoding of those
// projections at the cache boundary. Snapshots are ephemeral per-request
// inputs; nothing here is cached by the matching core itself.
package person

import (
	"time"

	"github.com/activitymesh/matchengine/internal/matcher/schedule"
)

// Location is a precise coordinate pair.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// GridRef ties a person to their resolved grid cell.
type GridRef struct {
	ID    int64  `json:"id"`
	Token string `json:"token"`
}

// Reviews holds the five consumed rating averages plus the sample count.
// The core never computes or stores these values.
type Reviews struct {
	Safety       float64 `json:"safety"`
	Trust        float64 `json:"trust"`
	Timeliness   float64 `json:"timeliness"`
	Friendliness float64 `json:"friendliness"`
	Fun          float64 `json:"fun"`
	Count        int     `json:"count"`
}

// Dimension returns the average for a named review dimension.
func (r Reviews) Dimension(name string) float64 {
	switch name {
	case "safety":
		return r.Safety
	case "trust":
		return r.Trust
	case "timeliness":
		return r.Timeliness
	case "friendliness":
		return r.Friendliness
	case "fun":
		return r.Fun
	default:
		return 0
	}
}

// ReviewDimensions enumerates the five rating dimensions in canonical order.
var ReviewDimensions = []string{"safety", "trust", "timeliness", "friendliness", "fun"}

// Snapshot is the per-request read-only projection of one person.
type Snapshot struct {
	Token         string
	Gender        string
	Age           int
	Location      *Location
	Grid          *GridRef
	Timezone      string
	IsOnline      bool
	IsNew         bool
	Reviews       Reviews
	Networks      []string
	Verifications []string
	Modes         []string
	Availability  schedule.Week
}

// TimeLocation resolves the snapshot's time zone, defaulting to UTC.
func (s *Snapshot) TimeLocation() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// HasNetwork reports membership in the given federation network.
func (s *Snapshot) HasNetwork(token string) bool {
	for _, n := range s.Networks {
		if n == token {
			return true
		}
	}
	return false
}

// HasVerification reports whether the person holds the given verification.
func (s *Snapshot) HasVerification(kind string) bool {
	for _, v := range s.Verifications {
		if v == kind {
			return true
		}
	}
	return false
}
