package matcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/activitymesh/matchengine/internal/grid"
	"github.com/activitymesh/matchengine/internal/person"
	"github.com/activitymesh/matchengine/internal/projection"
	"github.com/activitymesh/matchengine/pkg/config"
	pkgerrors "github.com/activitymesh/matchengine/pkg/errors"
)

// fakeSource serves canned projections out of memory.
type fakeSource struct {
	requester       *person.Snapshot
	requesterFilter person.FilterSet
	requesterSects  person.SectionSet
	universe        projection.Set
	stageOne        *projection.StageOneData
	stageTwo        *projection.StageTwoData
	sections        map[string]person.SectionSet
	catalog         *projection.Catalog

	universeErr error
	stageOneErr error
	stageTwoErr error
}

func (f *fakeSource) Requester(ctx context.Context, token string) (*person.Snapshot, person.FilterSet, person.SectionSet, error) {
	if f.requester == nil {
		return nil, nil, person.SectionSet{}, pkgerrors.ErrPersonNotFound
	}
	return f.requester, f.requesterFilter, f.requesterSects, nil
}

func (f *fakeSource) Universe(ctx context.Context, gridTokens []string) (projection.Set, error) {
	if f.universeErr != nil {
		return nil, f.universeErr
	}
	out := make(projection.Set, len(f.universe))
	for t := range f.universe {
		out[t] = struct{}{}
	}
	return out, nil
}

func (f *fakeSource) StageOne(ctx context.Context, gridTokens []string, cat *projection.Catalog) (*projection.StageOneData, error) {
	if f.stageOneErr != nil {
		return nil, f.stageOneErr
	}
	return f.stageOne, nil
}

func (f *fakeSource) StageTwo(ctx context.Context, gridTokens []string, tokens []string, avg person.Reviews) (*projection.StageTwoData, error) {
	if f.stageTwoErr != nil {
		return nil, f.stageTwoErr
	}
	return f.stageTwo, nil
}

func (f *fakeSource) SectionSets(ctx context.Context, tokens []string) (map[string]person.SectionSet, error) {
	return f.sections, nil
}

func (f *fakeSource) LoadCatalog(ctx context.Context) (*projection.Catalog, error) {
	return f.catalog, nil
}

type staticCells []grid.Cell

func (s staticCells) LoadCells(ctx context.Context) ([]grid.Cell, error) {
	return s, nil
}

func chicagoIndex(t *testing.T) *grid.Index {
	t.Helper()
	ix := grid.NewIndex(staticCells{
		{ID: 1, Token: "cell-loop", LatBucket: grid.BucketKey(41.88), LonBucket: grid.BucketKey(-87.63), CenterLat: 41.88, CenterLon: -87.63},
		{ID: 2, Token: "cell-north", LatBucket: grid.BucketKey(42.05), LonBucket: grid.BucketKey(-87.68), CenterLat: 42.05, CenterLon: -87.68},
	})
	if err := ix.Initialize(context.Background()); err != nil {
		t.Fatalf("index init: %v", err)
	}
	return ix
}

func emptyStageOne() *projection.StageOneData {
	return &projection.StageOneData{
		Offline:    make(projection.Set),
		Dimensions: map[string]projection.OptionSets{},
		Sections:   map[string]projection.OptionSets{},
	}
}

func emptyStageTwo() *projection.StageTwoData {
	return &projection.StageTwoData{
		Snapshots:      map[string]*person.Snapshot{},
		Filters:        map[string]person.FilterSet{},
		NewOptIn:       make(projection.Set),
		SendBlocked:    map[string]projection.Set{},
		ReceiveBlocked: map[string]projection.Set{},
	}
}

func sportsCatalog() *projection.Catalog {
	return &projection.Catalog{
		Genders: []string{"man", "woman"},
		Modes:   []string{"solo", "group"},
		Sections: map[string]projection.SectionSpec{
			"sports": {
				Token:   "sports",
				Multi:   true,
				Scored:  true,
				Options: []string{"soccer", "tennis"},
			},
		},
	}
}

func testEngine(t *testing.T, src *fakeSource) *Engine {
	t.Helper()
	cfg := config.MatcherConfig{
		DefaultMaxDistanceKm: 32.19,
		MinAge:               18,
		MaxAge:               99,
		MaxAgeSentinel:       99,
		TravelSpeedKmh:       48,
		ScoreTiers:           []float64{100, 300, 600},
		DefaultLimit:         100,
		SectionParallel:      2,
	}
	gridCfg := config.GridConfig{ClusterDivisor: 3, DefaultRadiusKm: 50}
	e := NewEngine(src, chicagoIndex(t), cfg, gridCfg, nil)
	// Pin the clock to a weekday afternoon so default availability windows
	// always apply.
	e.now = func() time.Time {
		return time.Date(2026, 9, 2, 17, 0, 0, 0, time.UTC)
	}
	return e
}

func baseSource() *fakeSource {
	loc := person.Location{Lat: 41.881, Lon: -87.624}
	return &fakeSource{
		requester: &person.Snapshot{
			Token:    "req",
			Gender:   "woman",
			Age:      30,
			IsOnline: true,
			Location: &loc,
			Grid:     &person.GridRef{ID: 1, Token: "cell-loop"},
		},
		requesterFilter: person.FilterSet{},
		requesterSects:  person.SectionSet{Active: true, Sections: map[string]person.Section{}},
		universe:        projection.Set{},
		stageOne:        emptyStageOne(),
		stageTwo:        emptyStageTwo(),
		sections:        map[string]person.SectionSet{},
		catalog:         sportsCatalog(),
	}
}

func TestRunEndToEndSendsMatch(t *testing.T) {
	src := baseSource()
	candLoc := person.Location{Lat: 41.95, Lon: -87.65} // ~8 km, well under 20 miles
	src.universe = projection.Set{"cand": {}}
	src.stageTwo.Snapshots["cand"] = &person.Snapshot{
		Token: "cand", Age: 28, IsOnline: true, Location: &candLoc,
		Availability: nil,
	}
	src.requesterSects.Sections["sports"] = person.Section{
		Items: map[string]person.SectionItem{"soccer": {Token: "soccer", Importance: 9}},
	}
	src.sections["cand"] = person.SectionSet{
		Active: true,
		Sections: map[string]person.Section{
			"sports": {Items: map[string]person.SectionItem{"soccer": {Token: "soccer", Importance: 9}}},
		},
	}

	e := testEngine(t, src)
	out, err := e.Run(context.Background(), Request{RequesterToken: "req", Mode: ModeFull})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Counts.Send != 1 || out.Counts.Receive != 1 {
		t.Fatalf("counts = %+v, want 1/1", out.Counts)
	}
	if len(out.Matches.Send) != 1 || out.Matches.Send[0].Token != "cand" {
		t.Fatalf("matches.send = %+v, want cand", out.Matches.Send)
	}
	// Shared item with mutual importance 9: at least base 15 with a
	// multiplier of 4 or more.
	if got := out.Matches.Send[0].Total; got < 15*4 {
		t.Errorf("score = %v, want >= 60", got)
	}
}

func TestRunSendExclusionKeepsCandidateOutOfMatches(t *testing.T) {
	src := baseSource()
	farLoc := person.Location{Lat: 42.35, Lon: -87.85} // ~55 km, past the default range
	nearLoc := person.Location{Lat: 41.9, Lon: -87.63}
	src.universe = projection.Set{"far": {}, "near": {}}
	src.stageTwo.Snapshots["far"] = &person.Snapshot{Token: "far", Age: 30, IsOnline: true, Location: &farLoc}
	src.stageTwo.Snapshots["near"] = &person.Snapshot{Token: "near", Age: 30, IsOnline: true, Location: &nearLoc}

	e := testEngine(t, src)
	out, err := e.Run(context.Background(), Request{RequesterToken: "req", Mode: ModeFull, RadiusKm: 100})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, cs := range out.Matches.Send {
		if cs.Token == "far" {
			t.Error("send-excluded candidate surfaced in matches.send")
		}
	}
	if out.Counts.Send != 1 {
		t.Errorf("send count = %d, want 1", out.Counts.Send)
	}
}

func TestRunAllNetworksExcluded(t *testing.T) {
	src := baseSource()
	src.universe = projection.Set{"fed": {}}
	src.stageTwo.Snapshots["fed"] = &person.Snapshot{Token: "fed", Age: 30, IsOnline: true}
	networks := projection.OptionSets{
		Have:     map[string]projection.Set{"net1": {"fed": {}}, "net2": {"fed": {}}},
		ExclSend: map[string]projection.Set{},
		ExclRecv: map[string]projection.Set{},
	}
	src.stageOne.Dimensions[person.CategoryNetworks] = networks
	src.requesterFilter[person.CategoryNetworks] = person.FilterEntry{
		IsActive: true, IsSend: true, IsReceive: true,
		Items: map[string]person.FilterItem{
			"net1": {Token: "net1", IsNegative: true},
			"net2": {Token: "net2", IsNegative: true},
		},
	}

	e := testEngine(t, src)
	out, err := e.Run(context.Background(), Request{RequesterToken: "req", Mode: ModeExclusions})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out.Exclusions.Send) != 1 || out.Exclusions.Send[0] != "fed" {
		t.Errorf("exclusions.send = %v, want [fed]", out.Exclusions.Send)
	}
	if len(out.Exclusions.Receive) != 1 || out.Exclusions.Receive[0] != "fed" {
		t.Errorf("exclusions.receive = %v, want [fed]", out.Exclusions.Receive)
	}
}

func TestRunCountsModeSkipsScoring(t *testing.T) {
	src := baseSource()
	nearLoc := person.Location{Lat: 41.9, Lon: -87.63}
	src.universe = projection.Set{"a": {}}
	src.stageTwo.Snapshots["a"] = &person.Snapshot{Token: "a", Age: 25, IsOnline: true, Location: &nearLoc}

	e := testEngine(t, src)
	out, err := e.Run(context.Background(), Request{RequesterToken: "req", Mode: ModeCounts})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Matches != nil {
		t.Error("counts mode must not return match payloads")
	}
	if out.Counts == nil || out.Counts.Send != 1 || out.Counts.Receive != 1 {
		t.Errorf("counts = %+v, want 1/1", out.Counts)
	}
	if out.Counts.InterestTiers != nil {
		t.Error("counts mode must not compute interest tiers")
	}
}

func TestRunNoGridLocationFatal(t *testing.T) {
	src := baseSource()
	src.requester.Location = nil
	src.requester.Grid = nil

	e := testEngine(t, src)
	_, err := e.Run(context.Background(), Request{RequesterToken: "req"})
	if !errors.Is(err, pkgerrors.ErrNoGridLocation) {
		t.Errorf("err = %v, want ErrNoGridLocation", err)
	}
}

func TestRunStageFailureAborts(t *testing.T) {
	src := baseSource()
	src.universe = projection.Set{"a": {}}
	src.stageOneErr = pkgerrors.ErrCacheUnavailable

	e := testEngine(t, src)
	_, err := e.Run(context.Background(), Request{RequesterToken: "req"})
	if !errors.Is(err, pkgerrors.ErrStageFailed) {
		t.Errorf("err = %v, want ErrStageFailed", err)
	}
}

func TestRunRequesterNotFound(t *testing.T) {
	src := baseSource()
	src.requester = nil

	e := testEngine(t, src)
	_, err := e.Run(context.Background(), Request{RequesterToken: "ghost"})
	if !errors.Is(err, pkgerrors.ErrPersonNotFound) {
		t.Errorf("err = %v, want ErrPersonNotFound", err)
	}
}

func TestDispatcherRoundTrip(t *testing.T) {
	src := baseSource()
	e := testEngine(t, src)
	d := NewDispatcher(e, 2, 4)
	d.Start()
	defer d.Stop()

	out, err := d.Submit(context.Background(), Request{RequesterToken: "req", Mode: ModeCounts})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Counts == nil {
		t.Error("missing counts")
	}
}

func TestDispatcherStoppedRejects(t *testing.T) {
	src := baseSource()
	e := testEngine(t, src)
	d := NewDispatcher(e, 1, 0)
	d.Start()
	d.Stop()

	if _, err := d.Submit(context.Background(), Request{RequesterToken: "req"}); !errors.Is(err, ErrDispatcherStopped) {
		t.Errorf("err = %v, want ErrDispatcherStopped", err)
	}
}
