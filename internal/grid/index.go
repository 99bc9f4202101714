package grid

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	pkgerrors "github.com/activitymesh/matchengine/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// CellSource loads the full set of non-deleted grid cells.
type CellSource interface {
	LoadCells(ctx context.Context) ([]Cell, error)
}

// snapshot is the immutable index state swapped in atomically after a load.
type snapshot struct {
	byID    map[int64]*Cell
	byToken map[string]*Cell
	buckets map[int]map[int][]*Cell
}

// Index answers nearest-neighbor and radius queries over grid cells.
// Initialize is idempotent: concurrent callers during an in-progress load
// wait for it rather than triggering a duplicate load.
type Index struct {
	source CellSource
	logger *slog.Logger
	group  singleflight.Group
	state  atomic.Pointer[snapshot]
}

// NewIndex creates an uninitialized Index over the given source.
func NewIndex(source CellSource) *Index {
	return &Index{
		source: source,
		logger: slog.Default().With("component", "grid-index"),
	}
}

// Initialized reports whether a load has completed successfully.
func (ix *Index) Initialized() bool {
	return ix.state.Load() != nil
}

// CellCount returns the number of cells held, or 0 if uninitialized.
func (ix *Index) CellCount() int {
	if s := ix.state.Load(); s != nil {
		return len(s.byID)
	}
	return 0
}

// Initialize loads all cells once. Repeat calls after a successful load are
// no-ops; a failed load leaves the index uninitialized and must be retried.
func (ix *Index) Initialize(ctx context.Context) error {
	if ix.Initialized() {
		return nil
	}
	return ix.load(ctx)
}

// Reload rebuilds the index wholesale, replacing any previous state.
func (ix *Index) Reload(ctx context.Context) error {
	return ix.load(ctx)
}

func (ix *Index) load(ctx context.Context) error {
	_, err, _ := ix.group.Do("load", func() (any, error) {
		cells, err := ix.source.LoadCells(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading grid cells: %w", err)
		}
		s := &snapshot{
			byID:    make(map[int64]*Cell, len(cells)),
			byToken: make(map[string]*Cell, len(cells)),
			buckets: make(map[int]map[int][]*Cell),
		}
		for i := range cells {
			c := &cells[i]
			s.byID[c.ID] = c
			s.byToken[c.Token] = c
			row, ok := s.buckets[c.LatBucket]
			if !ok {
				row = make(map[int][]*Cell)
				s.buckets[c.LatBucket] = row
			}
			row[c.LonBucket] = append(row[c.LonBucket], c)
		}
		ix.state.Store(s)
		ix.logger.Info("partition index loaded", "cells", len(cells))
		return nil, nil
	})
	return err
}

// CellByID looks up a cell by its id.
func (ix *Index) CellByID(id int64) (*Cell, bool) {
	s := ix.state.Load()
	if s == nil {
		return nil, false
	}
	c, ok := s.byID[id]
	return c, ok
}

// CellByToken looks up a cell by its token.
func (ix *Index) CellByToken(token string) (*Cell, bool) {
	s := ix.state.Load()
	if s == nil {
		return nil, false
	}
	c, ok := s.byToken[token]
	return c, ok
}

// FindNearby returns cells within radiusKm of the query point, sorted
// ascending by distance. limit <= 0 means unlimited.
//
// The scan is approximate but bounded: a radius crossing a bucket boundary
// by less than the 0.1° margin can miss a cell in the outer sliver.
func (ix *Index) FindNearby(lat, lon, radiusKm float64, limit int) ([]Neighbor, error) {
	s := ix.state.Load()
	if s == nil {
		return nil, pkgerrors.ErrIndexUninitialized
	}
	latKey := BucketKey(lat)
	lonKey := BucketKey(lon)
	latN := latSpan(radiusKm)
	lonN := lonSpan(radiusKm, lat)

	var found []Neighbor
	for dLat := -latN; dLat <= latN; dLat++ {
		row, ok := s.buckets[latKey+dLat*bucketStep]
		if !ok {
			continue
		}
		for dLon := -lonN; dLon <= lonN; dLon++ {
			for _, c := range row[lonKey+dLon*bucketStep] {
				d := HaversineKm(lat, lon, c.CenterLat, c.CenterLon)
				if d <= radiusKm {
					found = append(found, Neighbor{
						ID:         c.ID,
						Token:      c.Token,
						CenterLat:  c.CenterLat,
						CenterLon:  c.CenterLon,
						DistanceKm: d,
					})
				}
			}
		}
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].DistanceKm != found[j].DistanceKm {
			return found[i].DistanceKm < found[j].DistanceKm
		}
		return found[i].ID < found[j].ID
	})
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	return found, nil
}

// FindNearest returns the closest cell within radiusKm, if any.
func (ix *Index) FindNearest(lat, lon, radiusKm float64) (Neighbor, bool, error) {
	found, err := ix.FindNearby(lat, lon, radiusKm, 1)
	if err != nil {
		return Neighbor{}, false, err
	}
	if len(found) == 0 {
		return Neighbor{}, false, nil
	}
	return found[0], true, nil
}

// CellDistanceKm returns the great-circle distance between two cells'
// centers, looked up by token.
func (ix *Index) CellDistanceKm(tokenA, tokenB string) (float64, bool) {
	a, okA := ix.CellByToken(tokenA)
	b, okB := ix.CellByToken(tokenB)
	if !okA || !okB {
		return 0, false
	}
	return HaversineKm(a.CenterLat, a.CenterLon, b.CenterLat, b.CenterLon), true
}
