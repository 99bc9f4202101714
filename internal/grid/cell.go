// Package grid implements the two-level latitude/longitude-bucketed
// partition index used to resolve a query point to its nearby grid cells.
// The index is built wholesale from the grid-cell table and is read-only
// after a single-flight load.
package grid

import "math"

const (
	// kmPerDegreeLat is the great-circle length of one degree of latitude.
	kmPerDegreeLat = 111.045

	earthRadiusKm = 6371.0

	// bucketStep is the key distance between adjacent ~0.1° buckets.
	bucketStep = 100
)

// Cell is one geospatial partition. Immutable once loaded.
type Cell struct {
	ID        int64
	Token     string
	LatBucket int
	LonBucket int
	CenterLat float64
	CenterLon float64
}

// Neighbor is a cell qualified by its distance from a query point.
type Neighbor struct {
	ID         int64   `json:"id"`
	Token      string  `json:"token"`
	CenterLat  float64 `json:"center_lat"`
	CenterLon  float64 `json:"center_lon"`
	DistanceKm float64 `json:"distance_km"`
}

// BucketKey buckets a coordinate at ~0.1° precision.
func BucketKey(coord float64) int {
	return int(math.Floor(coord*1000/bucketStep)) * bucketStep
}

// HaversineKm returns the great-circle distance between two points in km.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(a)))
}

// latSpan returns how many buckets to scan on each side in latitude for the
// given radius.
func latSpan(radiusKm float64) int {
	return int(math.Ceil(radiusKm / (kmPerDegreeLat / 10)))
}

// lonSpan returns how many buckets to scan on each side in longitude,
// correcting for longitude compression away from the equator.
func lonSpan(radiusKm, atLat float64) int {
	kmPerDegreeLon := math.Cos(atLat*math.Pi/180) * kmPerDegreeLat
	if kmPerDegreeLon < 1 {
		kmPerDegreeLon = 1
	}
	return int(math.Ceil(radiusKm / (kmPerDegreeLon / 10)))
}
