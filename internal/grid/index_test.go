package grid

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
)

type fakeSource struct {
	cells    []Cell
	err      error
	loads    atomic.Int32
	blockers chan struct{}
}

func (f *fakeSource) LoadCells(ctx context.Context) ([]Cell, error) {
	f.loads.Add(1)
	if f.blockers != nil {
		<-f.blockers
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.cells, nil
}

func cellAt(id int64, token string, lat, lon float64) Cell {
	return Cell{
		ID:        id,
		Token:     token,
		LatBucket: BucketKey(lat),
		LonBucket: BucketKey(lon),
		CenterLat: lat,
		CenterLon: lon,
	}
}

// Chicago-area cells used across tests.
func chicagoCells() []Cell {
	return []Cell{
		cellAt(1, "cell-loop", 41.881, -87.624),
		cellAt(2, "cell-evanston", 42.045, -87.688),
		cellAt(3, "cell-oakpark", 41.885, -87.784),
		cellAt(4, "cell-milwaukee", 43.038, -87.906),
	}
}

func TestBucketKey(t *testing.T) {
	tests := []struct {
		coord float64
		want  int
	}{
		{41.881, 41800},
		{-87.624, -87700},
		{0, 0},
		{0.05, 0},
		{0.1, 100},
		{-0.05, -100},
	}
	for _, tt := range tests {
		if got := BucketKey(tt.coord); got != tt.want {
			t.Errorf("BucketKey(%v) = %d, want %d", tt.coord, got, tt.want)
		}
	}
}

func TestHaversineKm(t *testing.T) {
	// Chicago Loop to Evanston is roughly 19 km.
	d := HaversineKm(41.881, -87.624, 42.045, -87.688)
	if d < 18 || d > 20 {
		t.Errorf("Loop-Evanston distance = %.2f km, want ~19", d)
	}
	if d0 := HaversineKm(41.881, -87.624, 41.881, -87.624); d0 != 0 {
		t.Errorf("zero distance = %v, want 0", d0)
	}
}

func TestFindNearbySortedAndFiltered(t *testing.T) {
	ix := NewIndex(&fakeSource{cells: chicagoCells()})
	if err := ix.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	found, err := ix.FindNearby(41.881, -87.624, 25, 0)
	if err != nil {
		t.Fatalf("FindNearby: %v", err)
	}
	// Milwaukee (~128 km) must be filtered out; Evanston and Oak Park kept.
	if len(found) != 3 {
		t.Fatalf("got %d neighbors, want 3", len(found))
	}
	if found[0].Token != "cell-loop" {
		t.Errorf("nearest = %s, want cell-loop", found[0].Token)
	}
	for i := 1; i < len(found); i++ {
		if found[i].DistanceKm < found[i-1].DistanceKm {
			t.Errorf("neighbors not sorted ascending at %d", i)
		}
	}
}

func TestFindNearbyLimit(t *testing.T) {
	ix := NewIndex(&fakeSource{cells: chicagoCells()})
	if err := ix.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	found, err := ix.FindNearby(41.881, -87.624, 25, 1)
	if err != nil {
		t.Fatalf("FindNearby: %v", err)
	}
	if len(found) != 1 || found[0].Token != "cell-loop" {
		t.Errorf("limit=1 got %v", found)
	}
}

func TestFindNearest(t *testing.T) {
	ix := NewIndex(&fakeSource{cells: chicagoCells()})
	if err := ix.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	n, ok, err := ix.FindNearest(42.0, -87.7, 20)
	if err != nil || !ok {
		t.Fatalf("FindNearest: ok=%v err=%v", ok, err)
	}
	if n.Token != "cell-evanston" {
		t.Errorf("nearest = %s, want cell-evanston", n.Token)
	}

	_, ok, err = ix.FindNearest(0, 0, 10)
	if err != nil {
		t.Fatalf("FindNearest empty: %v", err)
	}
	if ok {
		t.Error("expected no neighbor in empty region")
	}
}

func TestQueryBeforeInitialize(t *testing.T) {
	ix := NewIndex(&fakeSource{cells: chicagoCells()})
	if _, err := ix.FindNearby(41.881, -87.624, 25, 0); err == nil {
		t.Fatal("expected error querying uninitialized index")
	}
}

func TestInitializeFailureLeavesUninitialized(t *testing.T) {
	src := &fakeSource{err: errors.New("connection refused")}
	ix := NewIndex(src)
	if err := ix.Initialize(context.Background()); err == nil {
		t.Fatal("expected load error")
	}
	if ix.Initialized() {
		t.Error("index reports initialized after failed load")
	}

	// Retry after the source recovers.
	src.err = nil
	src.cells = chicagoCells()
	if err := ix.Initialize(context.Background()); err != nil {
		t.Fatalf("retry Initialize: %v", err)
	}
	if ix.CellCount() != 4 {
		t.Errorf("CellCount = %d, want 4", ix.CellCount())
	}
}

func TestInitializeSingleFlight(t *testing.T) {
	src := &fakeSource{cells: chicagoCells(), blockers: make(chan struct{})}
	ix := NewIndex(src)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = ix.Initialize(context.Background())
		}()
	}
	close(src.blockers)
	wg.Wait()

	if got := src.loads.Load(); got != 1 {
		t.Errorf("source loaded %d times, want 1", got)
	}
}

func TestInitializeIdempotent(t *testing.T) {
	src := &fakeSource{cells: chicagoCells()}
	ix := NewIndex(src)
	for i := 0; i < 3; i++ {
		if err := ix.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize #%d: %v", i, err)
		}
	}
	if got := src.loads.Load(); got != 1 {
		t.Errorf("source loaded %d times, want 1", got)
	}
}

func TestCellDistanceKm(t *testing.T) {
	ix := NewIndex(&fakeSource{cells: chicagoCells()})
	if err := ix.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	d, ok := ix.CellDistanceKm("cell-loop", "cell-evanston")
	if !ok {
		t.Fatal("expected known cells")
	}
	if math.Abs(d-19) > 1.5 {
		t.Errorf("cell distance = %.2f, want ~19", d)
	}
	if _, ok := ix.CellDistanceKm("cell-loop", "missing"); ok {
		t.Error("expected miss for unknown token")
	}
}

func TestLonSpanWidensAwayFromEquator(t *testing.T) {
	if lonSpan(10, 60) <= lonSpan(10, 0) {
		t.Error("longitude span should widen at high latitude")
	}
}
