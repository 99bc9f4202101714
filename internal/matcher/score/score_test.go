package score

import (
	"context"
	"math"
	"reflect"
	"testing"

	"github.com/activitymesh/matchengine/internal/person"
	"github.com/activitymesh/matchengine/internal/projection"
)

func testCatalog() *projection.Catalog {
	return &projection.Catalog{
		Sections: map[string]projection.SectionSpec{
			"sports": {
				Token:     "sports",
				TableKey:  "sports",
				Multi:     true,
				Filtered:  true,
				Scored:    true,
				Options:   []string{"soccer", "tennis", "climbing", "running"},
				Secondary: []string{"beginner", "casual", "intermediate", "advanced", "expert"},
			},
			"music": {
				Token:    "music",
				TableKey: "music_genres",
				Multi:    true,
				Scored:   true,
				Options:  []string{"jazz", "rock", "techno"},
			},
			"languages": {
				Token:    "languages",
				TableKey: "languages",
				Multi:    true,
				Options:  []string{"en", "de"},
			},
		},
	}
}

func sideWithItems(section string, items map[string]person.SectionItem) Side {
	return Side{
		Sections: person.SectionSet{
			Active:   true,
			Sections: map[string]person.Section{section: {Items: items}},
		},
		Filters: person.FilterSet{},
	}
}

func withFilter(s Side, section string, tokens ...string) Side {
	items := make(map[string]person.FilterItem, len(tokens))
	for _, t := range tokens {
		items[t] = person.FilterItem{Token: t}
	}
	s.Filters[section] = person.FilterEntry{IsActive: true, IsSend: true, IsReceive: true, Items: items}
	return s
}

func TestBaseScoreTable(t *testing.T) {
	tests := []struct {
		name  string
		types MatchType
		want  int
	}{
		{"all four", MyItem | TheirItem | MyFilter | TheirFilter, 50},
		{"items plus my filter", MyItem | TheirItem | MyFilter, 30},
		{"items plus their filter", MyItem | TheirItem | TheirFilter, 30},
		{"items only", MyItem | TheirItem, 15},
		{"my filter hits their item", MyFilter | TheirItem, 20},
		{"their filter hits my item", TheirFilter | MyItem, 15},
		{"filters only", MyFilter | TheirFilter, 10},
		{"my item alone", MyItem, 0},
		{"my filter alone", MyFilter, 0},
		{"nothing", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := baseScore(tt.types); got != tt.want {
				t.Errorf("baseScore(%b) = %d, want %d", tt.types, got, tt.want)
			}
		})
	}
}

func TestQualified(t *testing.T) {
	if (ItemMatch{Types: MyFilter | TheirFilter}).Qualified() {
		t.Error("filter-only pairing must not qualify")
	}
	if (ItemMatch{Types: MyItem}).Qualified() {
		t.Error("one-sided item must not qualify")
	}
	if !(ItemMatch{Types: MyFilter | TheirItem}).Qualified() {
		t.Error("my filter against their item must qualify")
	}
	if !(ItemMatch{Types: TheirFilter | MyItem}).Qualified() {
		t.Error("their filter against my item must qualify")
	}
}

func TestFilterOnlyPairExcludedFromItems(t *testing.T) {
	s := New(testCatalog(), 1)
	requester := withFilter(Side{Filters: person.FilterSet{}}, "sports", "tennis")
	candidate := withFilter(Side{Filters: person.FilterSet{}}, "sports", "tennis")

	cs := s.Score(requester, "cand", candidate, true)
	if cs.Total != 0 || cs.MatchCount != 0 || len(cs.Items) != 0 {
		t.Errorf("filter-only overlap scored: total=%v count=%d items=%d",
			cs.Total, cs.MatchCount, len(cs.Items))
	}
}

func TestBothItemsBothFiltersExactBase(t *testing.T) {
	s := New(testCatalog(), 1)
	requester := withFilter(sideWithItems("sports", map[string]person.SectionItem{
		"soccer": {Token: "soccer"},
	}), "sports", "soccer")
	candidate := withFilter(sideWithItems("sports", map[string]person.SectionItem{
		"soccer": {Token: "soccer"},
	}), "sports", "soccer")

	cs := s.Score(requester, "cand", candidate, true)
	if cs.Total != 50 {
		t.Errorf("total = %v, want exactly 50 with no multipliers in play", cs.Total)
	}
	if cs.MatchCount != 1 {
		t.Errorf("match count = %d, want 1", cs.MatchCount)
	}
}

func TestImportanceMultiplier(t *testing.T) {
	tests := []struct {
		mine, theirs, want float64
	}{
		{10, 10, 7},
		{9, 9, 6},
		{9, 5, 6},  // avg 7 -> >=6 tier
		{6, 6, 5},
		{4, 4, 4},
		{1, 1, 3},
		{9, 0, 2},  // one-sided
		{10, 0, 2.2},
		{6, 0, 1.8},
		{0, 4, 1.6},
		{0, 2, 1.4},
		{0, 1, 1.2},
		{0, 0, 1},
	}
	for _, tt := range tests {
		if got := importanceMultiplier(tt.mine, tt.theirs); got != tt.want {
			t.Errorf("importanceMultiplier(%v, %v) = %v, want %v", tt.mine, tt.theirs, got, tt.want)
		}
	}
}

func TestBothSidesHighImportance(t *testing.T) {
	s := New(testCatalog(), 1)
	requester := sideWithItems("sports", map[string]person.SectionItem{
		"soccer": {Token: "soccer", Importance: 9},
	})
	candidate := sideWithItems("sports", map[string]person.SectionItem{
		"soccer": {Token: "soccer", Importance: 9},
	})

	cs := s.Score(requester, "cand", candidate, false)
	// avg 9 lands in the >=8 tier: 15 * 6.
	if cs.Total != 90 {
		t.Errorf("total = %v, want 90", cs.Total)
	}
	if cs.Total < 15*4 {
		t.Errorf("both-sides importance must at least quadruple the base, got %v", cs.Total)
	}
}

func TestFavoriteMultiplier(t *testing.T) {
	// Top favorite in a 10-item list: prize 1, size factor 1.
	if got := favoriteMultiplier(1, 10, 0, 0); got != 1.5 {
		t.Errorf("one-sided top favorite = %v, want 1.5", got)
	}
	// Both sides top favorite among 10: 1 + 0.75*2.
	if got := favoriteMultiplier(1, 10, 1, 10); got != 2.5 {
		t.Errorf("both top favorites = %v, want 2.5", got)
	}
	// Small category damps the bonus: favorite among 2 -> size factor 0.2.
	small := favoriteMultiplier(1, 2, 0, 0)
	large := favoriteMultiplier(1, 10, 0, 0)
	if small >= large {
		t.Errorf("favorite in small category (%v) must boost less than in large (%v)", small, large)
	}
	if got := favoriteMultiplier(0, 5, 0, 5); got != 1 {
		t.Errorf("unranked items = %v, want 1", got)
	}
}

func TestSecondaryMultiplier(t *testing.T) {
	spec := testCatalog().Sections["sports"]

	same := secondaryMultiplier(spec, "intermediate", "intermediate", nil, nil)
	if same != 1.5 {
		t.Errorf("identical secondary = %v, want 1.5", same)
	}
	near := secondaryMultiplier(spec, "intermediate", "advanced", nil, nil)
	far := secondaryMultiplier(spec, "beginner", "expert", nil, nil)
	if !(same > near && near > far) {
		t.Errorf("closeness must be monotonic: same=%v near=%v far=%v", same, near, far)
	}
	if far != 1 {
		t.Errorf("maximally distant secondaries = %v, want neutral 1", far)
	}

	// Explicit filter inclusion tiers the multiplier up per side.
	incl := secondaryMultiplier(spec, "intermediate", "advanced", []string{"advanced"}, nil)
	if math.Abs(incl-(near+0.25)) > 1e-9 {
		t.Errorf("my filter including theirs = %v, want %v", incl, near+0.25)
	}
	both := secondaryMultiplier(spec, "intermediate", "advanced", []string{"advanced"}, []string{"intermediate"})
	if math.Abs(both-(near+0.5)) > 1e-9 {
		t.Errorf("mutual inclusion = %v, want %v", both, near+0.5)
	}

	if got := secondaryMultiplier(spec, "", "advanced", nil, nil); got != 1 {
		t.Errorf("missing side = %v, want 1", got)
	}
	if got := secondaryMultiplier(spec, "unknown", "advanced", nil, nil); got != 1 {
		t.Errorf("unknown option = %v, want 1", got)
	}
}

func TestUnscoredSectionIgnored(t *testing.T) {
	s := New(testCatalog(), 1)
	requester := sideWithItems("languages", map[string]person.SectionItem{"en": {Token: "en"}})
	candidate := sideWithItems("languages", map[string]person.SectionItem{"en": {Token: "en"}})

	cs := s.Score(requester, "cand", candidate, false)
	if cs.Total != 0 {
		t.Errorf("unscored section contributed %v", cs.Total)
	}
}

func TestDeletedItemsDoNotScore(t *testing.T) {
	s := New(testCatalog(), 1)
	requester := sideWithItems("sports", map[string]person.SectionItem{
		"soccer": {Token: "soccer", Deleted: true},
	})
	candidate := sideWithItems("sports", map[string]person.SectionItem{
		"soccer": {Token: "soccer"},
	})

	cs := s.Score(requester, "cand", candidate, false)
	if cs.Total != 0 {
		t.Errorf("deleted selection scored %v", cs.Total)
	}
}

func TestRankOrdering(t *testing.T) {
	results := []CandidateScore{
		{Token: "b", Total: 90, MatchCount: 2},
		{Token: "c", Total: 90, MatchCount: 5},
		{Token: "a", Total: 120, MatchCount: 1},
		{Token: "d", Total: 90, MatchCount: 5},
	}
	Rank(results)
	want := []string{"a", "c", "d", "b"}
	got := make([]string, len(results))
	for i, r := range results {
		got[i] = r.Token
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("rank order = %v, want %v", got, want)
	}
}

func TestScoreAllDeterministic(t *testing.T) {
	s := New(testCatalog(), 4)
	requester := sideWithItems("sports", map[string]person.SectionItem{
		"soccer":   {Token: "soccer", Importance: 8},
		"tennis":   {Token: "tennis"},
		"climbing": {Token: "climbing", FavoritePosition: 1},
	})
	candidates := map[string]Side{
		"cand-1": sideWithItems("sports", map[string]person.SectionItem{
			"soccer": {Token: "soccer", Importance: 8},
		}),
		"cand-2": sideWithItems("sports", map[string]person.SectionItem{
			"tennis":   {Token: "tennis"},
			"climbing": {Token: "climbing"},
		}),
		"cand-3": sideWithItems("music", map[string]person.SectionItem{
			"jazz": {Token: "jazz"},
		}),
	}

	first, err := s.ScoreAll(context.Background(), requester, candidates, false)
	if err != nil {
		t.Fatalf("ScoreAll: %v", err)
	}
	second, err := s.ScoreAll(context.Background(), requester, candidates, false)
	if err != nil {
		t.Fatalf("ScoreAll: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("repeated scoring diverged:\n%+v\n%+v", first, second)
	}
	if len(first) != 3 {
		t.Fatalf("got %d results, want 3", len(first))
	}
	// cand-1 shares one item with mutual importance 8 (15*6=90); cand-2
	// shares two plain items (15 each, climbing favorite is mine only and
	// candidate totals are small).
	if first[0].Token != "cand-1" {
		t.Errorf("top candidate = %s, want cand-1", first[0].Token)
	}
	if last := first[len(first)-1]; last.Token != "cand-3" || last.Total != 0 {
		t.Errorf("no-overlap candidate = %+v, want cand-3 with 0", last)
	}
}
