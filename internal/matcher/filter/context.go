package filter

import (
	"time"

	"github.com/activitymesh/matchengine/internal/grid"
	"github.com/activitymesh/matchengine/internal/person"
	"github.com/activitymesh/matchengine/internal/projection"
)

// Params carries the optional activity/location context of one match
// request.
type Params struct {
	// Explicit search location override; takes precedence over the
	// activity place and the requester's stored location.
	Lat *float64
	Lon *float64

	// Activity place, if the request is anchored to one.
	ActivityLat *float64
	ActivityLon *float64
	// ActivityTimezone, when known, is used instead of each candidate's
	// own zone for availability evaluation.
	ActivityTimezone string

	// Concrete activity start and duration, if scheduled.
	Start    *time.Time
	Duration time.Duration

	RadiusKm float64
	Limit    int
}

// Tunables are the engine constants resolved from configuration.
type Tunables struct {
	DefaultMaxDistanceKm float64
	ClusterDivisor       float64
	MinAge               int
	MaxAge               int
	MaxAgeSentinel       int
	TravelSpeedKmh       float64
	ArrivalBuffer        time.Duration
	DefaultWindow        time.Duration
}

// Context is the per-request working state handed to every filter. It is
// built once by the orchestrator and never mutated by filters; all filter
// output goes through the Accumulator.
type Context struct {
	Requester *person.Snapshot
	Filters   person.FilterSet
	Sections  person.SectionSet

	// RequesterAvailable is the requester's own availability, evaluated
	// once up front.
	RequesterAvailable bool

	Params   Params
	Tunables Tunables
	Now      time.Time

	Catalog      *projection.Catalog
	Grid         *grid.Index
	Neighborhood []grid.Neighbor

	// Universe is the initial candidate token set; Working is the set a
	// stage operates on (survivors of earlier stages).
	Universe projection.Set
	Working  projection.Set

	StageOne *projection.StageOneData
	StageTwo *projection.StageTwoData
}

// SearchLocation resolves the effective search location: explicit param,
// then activity place, then the requester's stored location.
func (c *Context) SearchLocation() (lat, lon float64, ok bool) {
	if c.Params.Lat != nil && c.Params.Lon != nil {
		return *c.Params.Lat, *c.Params.Lon, true
	}
	if c.Params.ActivityLat != nil && c.Params.ActivityLon != nil {
		return *c.Params.ActivityLat, *c.Params.ActivityLon, true
	}
	if c.Requester.Location != nil {
		return c.Requester.Location.Lat, c.Requester.Location.Lon, true
	}
	return 0, 0, false
}

// Window resolves the activity window: the scheduled start and duration,
// or now plus the default window when the request has no activity context.
func (c *Context) Window() (start time.Time, duration time.Duration) {
	if c.Params.Start != nil {
		d := c.Params.Duration
		if d <= 0 {
			d = c.Tunables.DefaultWindow
		}
		return *c.Params.Start, d
	}
	return c.Now, c.Tunables.DefaultWindow
}

// Func is one named exclusion filter. Filters report errors for logging
// but a failing filter does not abort the request.
type Func struct {
	Name string
	Run  func(c *Context, acc *Accumulator) error
}
