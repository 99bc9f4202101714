// Package benchmark contains Go benchmarks for the partition index and the
// interest overlap scorer, measuring throughput and allocation behaviour.
package benchmark

import (
	"context"
	"fmt"
	"testing"

	"github.com/activitymesh/matchengine/internal/grid"
)

type staticSource struct {
	cells []grid.Cell
}

func (s staticSource) LoadCells(ctx context.Context) ([]grid.Cell, error) {
	return s.cells, nil
}

// gridFrom builds an initialized index with n cells laid out on a regular
// lattice around downtown Chicago.
func gridFrom(b *testing.B, n int) *grid.Index {
	b.Helper()
	cells := make([]grid.Cell, 0, n)
	side := 1
	for side*side < n {
		side++
	}
	for i := 0; i < n; i++ {
		lat := 41.5 + 0.05*float64(i/side)
		lon := -88.0 + 0.05*float64(i%side)
		cells = append(cells, grid.Cell{
			ID:        int64(i + 1),
			Token:     fmt.Sprintf("cell-%d", i),
			LatBucket: grid.BucketKey(lat),
			LonBucket: grid.BucketKey(lon),
			CenterLat: lat,
			CenterLon: lon,
		})
	}
	ix := grid.NewIndex(staticSource{cells: cells})
	if err := ix.Initialize(context.Background()); err != nil {
		b.Fatal(err)
	}
	return ix
}

// BenchmarkIndexReload measures a full snapshot rebuild at various cell
// counts.
func BenchmarkIndexReload(b *testing.B) {
	sizes := []int{100, 1000, 10000}
	for _, n := range sizes {
		b.Run(fmt.Sprintf("cells_%d", n), func(b *testing.B) {
			ix := gridFrom(b, n)
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := ix.Reload(context.Background()); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkFindNearby measures bucket-window neighbor queries over 10 000
// cells.
func BenchmarkFindNearby(b *testing.B) {
	ix := gridFrom(b, 10000)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		neighbors, err := ix.FindNearby(41.88, -87.63, 25, 50)
		if err != nil {
			b.Fatal(err)
		}
		_ = neighbors
	}
}

// BenchmarkFindNearbyParallel measures concurrent read throughput against a
// single index snapshot.
func BenchmarkFindNearbyParallel(b *testing.B) {
	ix := gridFrom(b, 10000)
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			neighbors, err := ix.FindNearby(41.88, -87.63, 25, 50)
			if err != nil {
				b.Fatal(err)
			}
			_ = neighbors
		}
	})
}

// BenchmarkFindNearest measures the single-winner lookup used to resolve a
// requester's grid location.
func BenchmarkFindNearest(b *testing.B) {
	ix := gridFrom(b, 10000)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, err := ix.FindNearest(41.88, -87.63, 25)
		if err != nil {
			b.Fatal(err)
		}
	}
}
