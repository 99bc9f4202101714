// Package score implements the weighted interest-overlap scorer: it merges
// both sides' personal selections and filter preferences per interest
// section and produces a per-item weighted score and a per-candidate
// total. Scoring is deterministic and never mutates its inputs.
package score

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/activitymesh/matchengine/internal/person"
	"github.com/activitymesh/matchengine/internal/projection"
	"golang.org/x/sync/errgroup"
)

// MatchType is the bitset of contribution sources for one merged item.
type MatchType uint8

const (
	MyItem MatchType = 1 << iota
	TheirItem
	MyFilter
	TheirFilter
)

// ItemMatch is the transient per-(requester, candidate, item) record.
type ItemMatch struct {
	Section          string    `json:"section"`
	TableKey         string    `json:"table_key,omitempty"`
	Token            string    `json:"token"`
	Types            MatchType `json:"types"`
	FavoriteMine     int       `json:"favorite_mine,omitempty"`
	FavoriteTheirs   int       `json:"favorite_theirs,omitempty"`
	SecondaryMine    string    `json:"secondary_mine,omitempty"`
	SecondaryTheirs  string    `json:"secondary_theirs,omitempty"`
	ImportanceMine   float64   `json:"importance_mine,omitempty"`
	ImportanceTheirs float64   `json:"importance_theirs,omitempty"`
	TotalsMine       int       `json:"totals_mine"`
	TotalsTheirs     int       `json:"totals_theirs"`
	Score            float64   `json:"score"`
}

// Qualified reports whether the item counts as a match at all: at least
// one cross-pairing must involve a personal item on some side. A
// filter-only/filter-only pairing never qualifies; it only relaxes
// categorical exclusion upstream.
func (m ItemMatch) Qualified() bool {
	hasItems := m.Types&MyItem != 0 && m.Types&TheirItem != 0
	myFilterTheirItem := m.Types&MyFilter != 0 && m.Types&TheirItem != 0
	theirFilterMyItem := m.Types&TheirFilter != 0 && m.Types&MyItem != 0
	return hasItems || myFilterTheirItem || theirFilterMyItem
}

// CandidateScore is one candidate's scoring result.
type CandidateScore struct {
	Token      string               `json:"token"`
	Total      float64              `json:"total"`
	MatchCount int                  `json:"match_count"`
	PerSection map[string]float64   `json:"per_section,omitempty"`
	Items      []ItemMatch          `json:"items,omitempty"`
}

// Side bundles one person's sections and filters for scoring.
type Side struct {
	Sections person.SectionSet
	Filters  person.FilterSet
}

// Scorer scores candidates against a requester across all scored catalog
// sections.
type Scorer struct {
	catalog  *projection.Catalog
	parallel int
}

// New creates a Scorer. parallel bounds concurrent candidate evaluation.
func New(catalog *projection.Catalog, parallel int) *Scorer {
	if parallel <= 0 {
		parallel = 1
	}
	return &Scorer{catalog: catalog, parallel: parallel}
}

// ScoreAll scores every candidate concurrently. Per-candidate computations
// are independent and merge idempotently, so order of completion does not
// matter; results come back ranked.
func (s *Scorer) ScoreAll(ctx context.Context, requester Side, candidates map[string]Side, keepItems bool) ([]CandidateScore, error) {
	tokens := make([]string, 0, len(candidates))
	for t := range candidates {
		tokens = append(tokens, t)
	}
	results := make([]CandidateScore, len(tokens))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel)
	var mu sync.Mutex
	for i, token := range tokens {
		i, token := i, token
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			cs := s.Score(requester, token, candidates[token], keepItems)
			mu.Lock()
			results[i] = cs
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	Rank(results)
	return results, nil
}

// Score evaluates one candidate across all scored sections.
func (s *Scorer) Score(requester Side, token string, candidate Side, keepItems bool) CandidateScore {
	cs := CandidateScore{Token: token, PerSection: make(map[string]float64)}
	for _, spec := range s.catalog.ScoredSections() {
		items := s.scoreSection(spec, requester, candidate)
		var sectionTotal float64
		for _, im := range items {
			sectionTotal += im.Score
			cs.MatchCount++
			if keepItems {
				cs.Items = append(cs.Items, im)
			}
		}
		if sectionTotal > 0 {
			cs.PerSection[spec.Token] = sectionTotal
		}
		cs.Total += sectionTotal
	}
	if keepItems {
		sort.Slice(cs.Items, func(i, j int) bool {
			if cs.Items[i].Score != cs.Items[j].Score {
				return cs.Items[i].Score > cs.Items[j].Score
			}
			return cs.Items[i].Token < cs.Items[j].Token
		})
	}
	return cs
}

// scoreSection merges both sides' items and filter preferences for one
// section, keyed by item token, and scores each qualified merged item.
func (s *Scorer) scoreSection(spec projection.SectionSpec, requester, candidate Side) []ItemMatch {
	myItems := requester.Sections.Section(spec.Token).ActiveItems()
	theirItems := candidate.Sections.Section(spec.Token).ActiveItems()
	myFilter, _ := requester.Filters.Entry(spec.Token)
	theirFilter, _ := candidate.Filters.Entry(spec.Token)

	merged := make(map[string]*ItemMatch)
	at := func(token string) *ItemMatch {
		im, ok := merged[token]
		if !ok {
			im = &ItemMatch{Section: spec.Token, TableKey: spec.TableKey, Token: token}
			merged[token] = im
		}
		return im
	}

	for token, it := range myItems {
		im := at(token)
		im.Types |= MyItem
		im.FavoriteMine = it.FavoritePosition
		im.ImportanceMine = it.Importance
		im.SecondaryMine = it.Secondary
		im.TotalsMine = len(myItems)
	}
	for token, it := range theirItems {
		im := at(token)
		im.Types |= TheirItem
		im.FavoriteTheirs = it.FavoritePosition
		im.ImportanceTheirs = it.Importance
		im.SecondaryTheirs = it.Secondary
		im.TotalsTheirs = len(theirItems)
	}
	myFilterSecondary := filterSecondaries(myFilter)
	for _, it := range filterSelections(myFilter) {
		at(it.Token).Types |= MyFilter
	}
	theirFilterSecondary := filterSecondaries(theirFilter)
	for _, it := range filterSelections(theirFilter) {
		at(it.Token).Types |= TheirFilter
	}

	var out []ItemMatch
	for _, im := range merged {
		if !im.Qualified() {
			continue
		}
		base := baseScore(im.Types)
		if base == 0 {
			continue
		}
		mult := importanceMultiplier(im.ImportanceMine, im.ImportanceTheirs) *
			favoriteMultiplier(im.FavoriteMine, im.TotalsMine, im.FavoriteTheirs, im.TotalsTheirs) *
			secondaryMultiplier(spec, im.SecondaryMine, im.SecondaryTheirs,
				myFilterSecondary[im.Token], theirFilterSecondary[im.Token])
		im.Score = round2(float64(base) * mult)
		out = append(out, *im)
	}
	return out
}

func filterSelections(entry *person.FilterEntry) []person.FilterItem {
	if entry == nil {
		return nil
	}
	var out []person.FilterItem
	for _, it := range entry.ActiveItems() {
		if !it.IsNegative {
			out = append(out, it)
		}
	}
	return out
}

func filterSecondaries(entry *person.FilterEntry) map[string][]string {
	if entry == nil {
		return nil
	}
	out := make(map[string][]string)
	for _, it := range entry.ActiveItems() {
		if !it.IsNegative && len(it.Secondary) > 0 {
			out[it.Token] = it.Secondary
		}
	}
	return out
}

// baseScore is the match-type combination table, strongest first.
func baseScore(t MatchType) int {
	bothItems := t&MyItem != 0 && t&TheirItem != 0
	myF := t&MyFilter != 0
	theirF := t&TheirFilter != 0
	switch {
	case bothItems && myF && theirF:
		return 50
	case bothItems && (myF || theirF):
		return 30
	case bothItems:
		return 15
	case myF && t&TheirItem != 0:
		return 20
	case theirF && t&MyItem != 0:
		return 15
	case myF && theirF:
		return 10
	default:
		return 0
	}
}

// importanceMultiplier maps the average of both sides' configured
// importance (0–10) to a ×3..×7 step function; a single-sided value maps
// to the smaller ×1..×2.2 range. Zero means unset.
func importanceMultiplier(mine, theirs float64) float64 {
	switch {
	case mine > 0 && theirs > 0:
		avg := (mine + theirs) / 2
		switch {
		case avg >= 10:
			return 7
		case avg >= 8:
			return 6
		case avg >= 6:
			return 5
		case avg >= 4:
			return 4
		default:
			return 3
		}
	case mine > 0 || theirs > 0:
		v := math.Max(mine, theirs)
		switch {
		case v >= 10:
			return 2.2
		case v >= 8:
			return 2
		case v >= 6:
			return 1.8
		case v >= 4:
			return 1.6
		case v >= 2:
			return 1.4
		default:
			return 1.2
		}
	default:
		return 1
	}
}

// favoriteMultiplier converts each side's 1-based favorite rank and total
// category size into a normalized boost. Both sides favoriting boosts more
// than one, and the boost is damped when a side's category is small (a
// favorite among 2 items means less than a favorite among 20).
func favoriteMultiplier(posMine, totalMine, posTheirs, totalTheirs int) float64 {
	pm := favoritePrize(posMine, totalMine)
	pt := favoritePrize(posTheirs, totalTheirs)
	switch {
	case pm > 0 && pt > 0:
		return 1 + 0.75*(pm+pt)
	case pm > 0:
		return 1 + 0.5*pm
	case pt > 0:
		return 1 + 0.5*pt
	default:
		return 1
	}
}

func favoritePrize(pos, total int) float64 {
	if pos <= 0 || total <= 0 || pos > total {
		return 0
	}
	prize := float64(total-pos+1) / float64(total)
	sizeFactor := math.Min(1, float64(total)/10)
	return prize * sizeFactor
}

// secondaryMultiplier grows as the index distance between both sides'
// secondary-attribute selections shrinks, tiered up when either side's
// secondary filter explicitly includes the other side's value.
func secondaryMultiplier(spec projection.SectionSpec, mine, theirs string, myIncludes, theirIncludes []string) float64 {
	if mine == "" || theirs == "" || len(spec.Secondary) == 0 {
		return 1
	}
	i := spec.SecondaryIndex(mine)
	j := spec.SecondaryIndex(theirs)
	if i < 0 || j < 0 {
		return 1
	}
	span := len(spec.Secondary) - 1
	closeness := 1.0
	if span > 0 {
		closeness = 1 - math.Abs(float64(i-j))/float64(span)
	}
	mult := 1 + 0.5*closeness
	if contains(myIncludes, theirs) {
		mult += 0.25
	}
	if contains(theirIncludes, mine) {
		mult += 0.25
	}
	return mult
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Rank sorts candidates descending by total score, tie-broken by raw match
// count descending, then token for determinism.
func Rank(results []CandidateScore) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Total != results[j].Total {
			return results[i].Total > results[j].Total
		}
		if results[i].MatchCount != results[j].MatchCount {
			return results[i].MatchCount > results[j].MatchCount
		}
		return results[i].Token < results[j].Token
	})
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
