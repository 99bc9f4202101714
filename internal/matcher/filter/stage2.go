package filter

import (
	"time"

	"github.com/activitymesh/matchengine/internal/grid"
	"github.com/activitymesh/matchengine/internal/person"
)

// Stage2Filters returns the contextual exclusion filters applied to
// Stage-1 survivors.
func Stage2Filters() []Func {
	return []Func{
		{Name: "distance", Run: Distance},
		{Name: "ages", Run: Ages},
		{Name: "reviews", Run: Reviews},
		{Name: "availability", Run: Availability},
	}
}

// Distance excludes per direction on the tighter of both sides' active
// max-distance preferences, and excludes both directions when a scheduled
// activity start is not plausibly reachable.
func Distance(c *Context, acc *Accumulator) error {
	lat, lon, haveLoc := c.SearchLocation()

	myMaxSend := maxDistance(c.Filters, true, c.Tunables.DefaultMaxDistanceKm)
	myMaxRecv := maxDistance(c.Filters, false, c.Tunables.DefaultMaxDistanceKm)

	for token := range c.Working {
		snap, ok := c.StageTwo.Snapshots[token]
		if !ok {
			continue
		}
		d, known := candidateDistanceKm(c, snap, lat, lon, haveLoc)
		if !known {
			continue
		}

		candFilters := c.StageTwo.Filters[token]
		candMaxSend := maxDistance(candFilters, true, c.Tunables.DefaultMaxDistanceKm)
		candMaxRecv := maxDistance(candFilters, false, c.Tunables.DefaultMaxDistanceKm)

		// Sending to them pairs my send preference with their receive
		// preference; receiving pairs the opposite way.
		if d > minF(myMaxSend, candMaxRecv) {
			acc.ExcludeSend(token)
		}
		if d > minF(myMaxRecv, candMaxSend) {
			acc.ExcludeReceive(token)
		}

		if c.Params.Start != nil {
			travel := time.Duration(d / c.Tunables.TravelSpeedKmh * float64(time.Hour))
			arrival := c.Now.Add(travel)
			if arrival.After(c.Params.Start.Add(-c.Tunables.ArrivalBuffer)) {
				acc.ExcludeBoth(token)
			}
		}
	}
	return nil
}

// candidateDistanceKm computes the great-circle distance to a candidate,
// falling back to the inter-grid-cell distance divided by the clustering
// divisor when precise coordinates are missing on either side.
func candidateDistanceKm(c *Context, snap *person.Snapshot, lat, lon float64, haveLoc bool) (float64, bool) {
	if haveLoc && snap.Location != nil {
		return grid.HaversineKm(lat, lon, snap.Location.Lat, snap.Location.Lon), true
	}
	if c.Requester.Grid != nil && snap.Grid != nil {
		if d, ok := c.Grid.CellDistanceKm(c.Requester.Grid.Token, snap.Grid.Token); ok {
			return d / c.Tunables.ClusterDivisor, true
		}
	}
	return 0, false
}

func maxDistance(fs person.FilterSet, send bool, def float64) float64 {
	if fs == nil {
		return def
	}
	entry, ok := fs.DirectionEntry(person.CategoryDistance, send)
	if !ok || entry.Value <= 0 {
		return def
	}
	return entry.Value
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// Ages excludes a direction when the counterpart's age falls outside the
// acting party's active range. Unset bounds default to the system-wide
// range; a max at or past the sentinel means no upper bound.
func Ages(c *Context, acc *Accumulator) error {
	for token := range c.Working {
		snap, ok := c.StageTwo.Snapshots[token]
		if !ok {
			continue
		}
		if outsideAgeRange(c, c.Filters, true, snap.Age) {
			acc.ExcludeSend(token)
		}
		if outsideAgeRange(c, c.Filters, false, snap.Age) {
			acc.ExcludeReceive(token)
		}

		candFilters := c.StageTwo.Filters[token]
		// Their send range governs my receive side and vice versa.
		if outsideAgeRange(c, candFilters, true, c.Requester.Age) {
			acc.ExcludeReceive(token)
		}
		if outsideAgeRange(c, candFilters, false, c.Requester.Age) {
			acc.ExcludeSend(token)
		}
	}
	return nil
}

func outsideAgeRange(c *Context, fs person.FilterSet, send bool, age int) bool {
	if fs == nil {
		return false
	}
	entry, ok := fs.DirectionEntry(person.CategoryAges, send)
	if !ok {
		return false
	}
	min := int(entry.Min)
	if min <= 0 {
		min = c.Tunables.MinAge
	}
	max := int(entry.Max)
	if max <= 0 {
		max = c.Tunables.MaxAge
	}
	if age < min {
		return true
	}
	if max >= c.Tunables.MaxAgeSentinel {
		return false // no upper bound
	}
	return age > max
}

// Reviews excludes a direction when a configured minimum threshold for any
// rating dimension is not met by the counterpart's average. Thresholds are
// only evaluated under an active master reviews filter, and new members
// escape thresholds unless the counterpart opted in to matching with new
// members.
func Reviews(c *Context, acc *Accumulator) error {
	_, masterActive := c.Filters.Entry(person.CategoryReviews)
	_, iTakeNew := c.Filters.Entry(person.CategoryNewMembers)

	for token := range c.Working {
		snap, ok := c.StageTwo.Snapshots[token]
		if !ok {
			continue
		}

		if masterActive && (!snap.IsNew || iTakeNew) {
			for _, dim := range person.ReviewDimensions {
				category := person.ReviewCategory(dim)
				avg := snap.Reviews.Dimension(dim)
				if entry, ok := c.Filters.DirectionEntry(category, true); ok && avg < entry.Value {
					acc.ExcludeSend(token)
				}
				if entry, ok := c.Filters.DirectionEntry(category, false); ok && avg < entry.Value {
					acc.ExcludeReceive(token)
				}
			}
		}

		// Counterpart thresholds on the requester, pre-resolved by the
		// sorted-set range reads. A new requester escapes them unless the
		// candidate opted in.
		if c.Requester.IsNew && !c.StageTwo.NewOptIn.Has(token) {
			continue
		}
		for _, dim := range person.ReviewDimensions {
			if c.StageTwo.SendBlocked[dim].Has(token) {
				acc.ExcludeSend(token)
			}
			if c.StageTwo.ReceiveBlocked[dim].Has(token) {
				acc.ExcludeReceive(token)
			}
		}
	}
	return nil
}

// Availability excludes the send direction only, when the candidate's own
// weekly schedule shows them unavailable for the activity window in their
// local time zone (or the activity place's zone, when known).
func Availability(c *Context, acc *Accumulator) error {
	start, duration := c.Window()

	var activityLoc *time.Location
	if c.Params.ActivityTimezone != "" {
		if loc, err := time.LoadLocation(c.Params.ActivityTimezone); err == nil {
			activityLoc = loc
		}
	}

	for token := range c.Working {
		snap, ok := c.StageTwo.Snapshots[token]
		if !ok {
			continue
		}
		loc := activityLoc
		if loc == nil {
			loc = snap.TimeLocation()
		}
		if !snap.Availability.Available(start, duration, loc) {
			acc.ExcludeSend(token)
		}
	}
	return nil
}
