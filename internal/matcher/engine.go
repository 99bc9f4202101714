// Package matcher orchestrates one matching request: resolve the
// requester, compute the geospatial neighborhood, run the Stage-1
// categorical and Stage-2 contextual exclusion filters, optionally score
// the survivors, and assemble the response for the caller's mode.
package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/activitymesh/matchengine/internal/grid"
	"github.com/activitymesh/matchengine/internal/matcher/filter"
	"github.com/activitymesh/matchengine/internal/matcher/score"
	"github.com/activitymesh/matchengine/internal/person"
	"github.com/activitymesh/matchengine/internal/projection"
	"github.com/activitymesh/matchengine/pkg/config"
	pkgerrors "github.com/activitymesh/matchengine/pkg/errors"
	"github.com/activitymesh/matchengine/pkg/metrics"
	"github.com/activitymesh/matchengine/pkg/tracing"
)

// Mode selects the response shape.
type Mode string

const (
	// ModeFull returns ranked matches with per-item score payloads.
	ModeFull Mode = "full"
	// ModeCounts returns eligible counts only; no scoring runs.
	ModeCounts Mode = "counts"
	// ModeExclusions returns the raw exclusion sets for collaborators that
	// only need eligibility.
	ModeExclusions Mode = "exclusions"
)

// Request is one matching request.
type Request struct {
	RequesterToken string `json:"requester"`
	Mode           Mode   `json:"mode,omitempty"`

	// Optional explicit search location override.
	Lat *float64 `json:"lat,omitempty"`
	Lon *float64 `json:"lon,omitempty"`

	// Optional activity context.
	ActivityLat      *float64   `json:"activity_lat,omitempty"`
	ActivityLon      *float64   `json:"activity_lon,omitempty"`
	ActivityTimezone string     `json:"activity_timezone,omitempty"`
	Start            *time.Time `json:"start,omitempty"`
	DurationMinutes  int        `json:"duration_minutes,omitempty"`

	RadiusKm float64 `json:"radius_km,omitempty"`
	Limit    int     `json:"limit,omitempty"`
}

// TierCount is the number of eligible send candidates at or above a score
// threshold.
type TierCount struct {
	MinScore float64 `json:"min_score"`
	Count    int     `json:"count"`
}

// Counts summarizes eligibility per direction.
type Counts struct {
	Send          int         `json:"send"`
	Receive       int         `json:"receive"`
	InterestTiers []TierCount `json:"interest_tiers,omitempty"`
}

// Matches holds the ranked eligible candidates per direction.
type Matches struct {
	Send    []score.CandidateScore `json:"send"`
	Receive []score.CandidateScore `json:"receive"`
}

// Exclusions holds the accumulated exclusion sets, sorted for determinism.
type Exclusions struct {
	Send    []string `json:"send"`
	Receive []string `json:"receive"`
}

// Outcome is the assembled result of one request.
type Outcome struct {
	Requester  string      `json:"requester"`
	Mode       Mode        `json:"mode"`
	Counts     *Counts     `json:"counts,omitempty"`
	Matches    *Matches    `json:"matches,omitempty"`
	Exclusions *Exclusions `json:"exclusions,omitempty"`
	Scanned    int         `json:"scanned"`
	ElapsedMs  int64       `json:"elapsed_ms"`
}

// Source abstracts the cache projection reads the engine performs. Each
// method is one pipelined round trip.
type Source interface {
	Requester(ctx context.Context, token string) (*person.Snapshot, person.FilterSet, person.SectionSet, error)
	Universe(ctx context.Context, gridTokens []string) (projection.Set, error)
	StageOne(ctx context.Context, gridTokens []string, cat *projection.Catalog) (*projection.StageOneData, error)
	StageTwo(ctx context.Context, gridTokens []string, tokens []string, requesterAvg person.Reviews) (*projection.StageTwoData, error)
	SectionSets(ctx context.Context, tokens []string) (map[string]person.SectionSet, error)
	LoadCatalog(ctx context.Context) (*projection.Catalog, error)
}

// Engine runs matching requests. It holds no per-request state; one Engine
// serves all workers concurrently.
type Engine struct {
	source  Source
	grid    *grid.Index
	cfg     config.MatcherConfig
	gridCfg config.GridConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	catalog atomic.Pointer[projection.Catalog]

	// now is the evaluation clock; swappable in tests.
	now func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(source Source, index *grid.Index, cfg config.MatcherConfig, gridCfg config.GridConfig, m *metrics.Metrics) *Engine {
	return &Engine{
		source:  source,
		grid:    index,
		cfg:     cfg,
		gridCfg: gridCfg,
		metrics: m,
		logger:  slog.Default().With("component", "match-engine"),
		now:     time.Now,
	}
}

// RefreshCatalog reloads the option-catalog projection. Called at startup
// and whenever the projections are rebuilt.
func (e *Engine) RefreshCatalog(ctx context.Context) error {
	cat, err := e.source.LoadCatalog(ctx)
	if err != nil {
		return fmt.Errorf("refreshing catalog: %w", err)
	}
	e.catalog.Store(cat)
	return nil
}

func (e *Engine) catalogOrLoad(ctx context.Context) (*projection.Catalog, error) {
	if cat := e.catalog.Load(); cat != nil {
		return cat, nil
	}
	if err := e.RefreshCatalog(ctx); err != nil {
		return nil, err
	}
	return e.catalog.Load(), nil
}

// Run executes one matching request end to end. Stage fetch failures are
// hard failures: a partial exclusion computation could wrongly include
// ineligible candidates, so nothing partial is ever returned.
func (e *Engine) Run(ctx context.Context, req Request) (*Outcome, error) {
	start := time.Now()
	mode := req.Mode
	if mode == "" {
		mode = ModeFull
	}
	ctx, span := tracing.StartSpan(ctx, "match.run", req.RequesterToken)
	defer func() {
		span.End()
		span.Log()
	}()
	span.SetAttr("mode", string(mode))

	out, err := e.run(ctx, req, mode, start)
	outcome := "success"
	if err != nil {
		outcome = "error"
		e.logger.Error("match request failed",
			"requester", req.RequesterToken,
			"mode", string(mode),
			"error", err,
		)
	}
	if e.metrics != nil {
		e.metrics.MatchRequestsTotal.WithLabelValues(string(mode), outcome).Inc()
		e.metrics.MatchLatency.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())
	}
	return out, err
}

func (e *Engine) run(ctx context.Context, req Request, mode Mode, start time.Time) (*Outcome, error) {
	cat, err := e.catalogOrLoad(ctx)
	if err != nil {
		return nil, err
	}

	requester, filters, sections, err := e.stageRequester(ctx, req.RequesterToken)
	if err != nil {
		return nil, err
	}

	fctx, err := e.buildContext(ctx, requester, filters, sections, cat, req)
	if err != nil {
		return nil, err
	}

	scanned := len(fctx.Universe)
	if e.metrics != nil {
		e.metrics.CandidatesScanned.Observe(float64(scanned))
	}

	acc := filter.NewAccumulator()
	e.runStage(ctx, "stage1", filter.Stage1Filters(), fctx, acc)

	survivors := survivorsOf(fctx.Universe, acc)
	if err := e.fetchStageTwo(ctx, fctx, survivors); err != nil {
		return nil, err
	}
	fctx.Working = survivors
	e.runStage(ctx, "stage2", filter.Stage2Filters(), fctx, acc)

	out := &Outcome{Requester: requester.Token, Mode: mode, Scanned: scanned}
	switch mode {
	case ModeExclusions:
		out.Exclusions = &Exclusions{
			Send:    sortedTokens(acc.SendSet()),
			Receive: sortedTokens(acc.ReceiveSet()),
		}
	case ModeCounts:
		sendable, receivable := eligible(fctx.Universe, acc)
		out.Counts = &Counts{Send: len(sendable), Receive: len(receivable)}
	default:
		sendable, receivable := eligible(fctx.Universe, acc)
		matches, tiers, err := e.scoreEligible(ctx, fctx, req, sendable, receivable)
		if err != nil {
			return nil, err
		}
		out.Matches = matches
		out.Counts = &Counts{
			Send:          len(sendable),
			Receive:       len(receivable),
			InterestTiers: tiers,
		}
	}
	out.ElapsedMs = time.Since(start).Milliseconds()
	return out, nil
}

func (e *Engine) stageRequester(ctx context.Context, token string) (*person.Snapshot, person.FilterSet, person.SectionSet, error) {
	stageStart := time.Now()
	requester, filters, sections, err := e.source.Requester(ctx, token)
	e.observeStage("requester", stageStart)
	if err != nil {
		return nil, nil, person.SectionSet{}, err
	}
	return requester, filters, sections, nil
}

// buildContext resolves the neighborhood and initial candidate universe
// and assembles the per-request filter context.
func (e *Engine) buildContext(ctx context.Context, requester *person.Snapshot, filters person.FilterSet, sections person.SectionSet, cat *projection.Catalog, req Request) (*filter.Context, error) {
	params := filter.Params{
		Lat:              req.Lat,
		Lon:              req.Lon,
		ActivityLat:      req.ActivityLat,
		ActivityLon:      req.ActivityLon,
		ActivityTimezone: req.ActivityTimezone,
		Start:            req.Start,
		Duration:         time.Duration(req.DurationMinutes) * time.Minute,
		RadiusKm:         req.RadiusKm,
		Limit:            req.Limit,
	}
	if params.RadiusKm <= 0 {
		params.RadiusKm = e.gridCfg.DefaultRadiusKm
	}
	if params.Limit <= 0 {
		params.Limit = e.cfg.DefaultLimit
	}

	fctx := &filter.Context{
		Requester: requester,
		Filters:   filters,
		Sections:  sections,
		Params:    params,
		Tunables: filter.Tunables{
			DefaultMaxDistanceKm: e.cfg.DefaultMaxDistanceKm,
			ClusterDivisor:       e.gridCfg.ClusterDivisor,
			MinAge:               e.cfg.MinAge,
			MaxAge:               e.cfg.MaxAge,
			MaxAgeSentinel:       e.cfg.MaxAgeSentinel,
			TravelSpeedKmh:       e.cfg.TravelSpeedKmh,
			ArrivalBuffer:        e.cfg.ArrivalBuffer,
			DefaultWindow:        e.cfg.DefaultWindow,
		},
		Now:     e.now(),
		Catalog: cat,
		Grid:    e.grid,
	}

	lat, lon, haveLoc := fctx.SearchLocation()
	if !haveLoc {
		// Fall back to the requester's grid cell center.
		if requester.Grid == nil {
			return nil, pkgerrors.ErrNoGridLocation
		}
		cell, ok := e.grid.CellByToken(requester.Grid.Token)
		if !ok {
			if !e.grid.Initialized() {
				return nil, pkgerrors.ErrIndexUninitialized
			}
			return nil, pkgerrors.ErrNoGridLocation
		}
		lat, lon = cell.CenterLat, cell.CenterLon
	}

	neighbors, err := e.grid.FindNearby(lat, lon, params.RadiusKm, 0)
	if err != nil {
		return nil, err
	}
	if len(neighbors) == 0 {
		return nil, pkgerrors.ErrNoGridLocation
	}
	fctx.Neighborhood = neighbors

	stageStart := time.Now()
	universe, err := e.source.Universe(ctx, neighborTokens(neighbors))
	e.observeStage("universe", stageStart)
	if err != nil {
		return nil, fmt.Errorf("%w: universe: %v", pkgerrors.ErrStageFailed, err)
	}
	delete(universe, requester.Token)
	if e.cfg.MaxCandidates > 0 && len(universe) > e.cfg.MaxCandidates {
		universe = truncateSet(universe, e.cfg.MaxCandidates)
	}
	fctx.Universe = universe
	fctx.Working = universe

	winStart, winDur := fctx.Window()
	fctx.RequesterAvailable = requester.Availability.Available(winStart, winDur, requester.TimeLocation())

	stageStart = time.Now()
	fctx.StageOne, err = e.source.StageOne(ctx, neighborTokens(neighbors), cat)
	e.observeStage("stage1_fetch", stageStart)
	if err != nil {
		return nil, fmt.Errorf("%w: stage1 projections: %v", pkgerrors.ErrStageFailed, err)
	}
	return fctx, nil
}

func (e *Engine) fetchStageTwo(ctx context.Context, fctx *filter.Context, survivors projection.Set) error {
	stageStart := time.Now()
	data, err := e.source.StageTwo(ctx, neighborTokens(fctx.Neighborhood), sortedTokens(survivors), fctx.Requester.Reviews)
	e.observeStage("stage2_fetch", stageStart)
	if err != nil {
		return fmt.Errorf("%w: stage2 projections: %v", pkgerrors.ErrStageFailed, err)
	}
	fctx.StageTwo = data
	return nil
}

// runStage runs the stage's filters sequentially. A failing filter is
// logged and skipped; only stage fetches are hard failures.
func (e *Engine) runStage(ctx context.Context, stage string, filters []filter.Func, fctx *filter.Context, acc *filter.Accumulator) {
	_, span := tracing.StartChildSpan(ctx, "match."+stage)
	defer span.End()
	stageStart := time.Now()

	for _, f := range filters {
		sendBefore, recvBefore := acc.Counts()
		if err := f.Run(fctx, acc); err != nil {
			e.logger.Warn("filter failed",
				"stage", stage,
				"filter", f.Name,
				"error", err,
			)
			continue
		}
		if e.metrics != nil {
			sendAfter, recvAfter := acc.Counts()
			e.metrics.CandidatesExcluded.WithLabelValues(f.Name, "send").Add(float64(sendAfter - sendBefore))
			e.metrics.CandidatesExcluded.WithLabelValues(f.Name, "receive").Add(float64(recvAfter - recvBefore))
		}
	}
	send, recv := acc.Counts()
	span.SetAttr("excluded_send", send)
	span.SetAttr("excluded_receive", recv)
	e.observeStage(stage, stageStart)
}

// scoreEligible scores the union of both eligible sets and splits the
// ranked results per direction.
func (e *Engine) scoreEligible(ctx context.Context, fctx *filter.Context, req Request, sendable, receivable projection.Set) (*Matches, []TierCount, error) {
	union := make(projection.Set, len(sendable)+len(receivable))
	for t := range sendable {
		union[t] = struct{}{}
	}
	for t := range receivable {
		union[t] = struct{}{}
	}
	matches := &Matches{Send: []score.CandidateScore{}, Receive: []score.CandidateScore{}}
	if len(union) == 0 {
		return matches, nil, nil
	}

	stageStart := time.Now()
	sectionSets, err := e.source.SectionSets(ctx, sortedTokens(union))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: candidate sections: %v", pkgerrors.ErrStageFailed, err)
	}

	candidates := make(map[string]score.Side, len(union))
	for t := range union {
		candidates[t] = score.Side{
			Sections: sectionSets[t],
			Filters:  fctx.StageTwo.Filters[t],
		}
	}
	scorer := score.New(fctx.Catalog, e.cfg.SectionParallel)
	ranked, err := scorer.ScoreAll(ctx, score.Side{Sections: fctx.Sections, Filters: fctx.Filters}, candidates, true)
	e.observeStage("scoring", stageStart)
	if err != nil {
		return nil, nil, err
	}

	limit := fctx.Params.Limit
	var tiers []TierCount
	if len(e.cfg.ScoreTiers) > 0 {
		tiers = make([]TierCount, len(e.cfg.ScoreTiers))
		for i, min := range e.cfg.ScoreTiers {
			tiers[i].MinScore = min
		}
	}
	for _, cs := range ranked {
		if sendable.Has(cs.Token) {
			if len(matches.Send) < limit {
				matches.Send = append(matches.Send, cs)
			}
			for i, tier := range tiers {
				if cs.Total >= tier.MinScore {
					tiers[i].Count++
				}
			}
		}
		if receivable.Has(cs.Token) && len(matches.Receive) < limit {
			matches.Receive = append(matches.Receive, cs)
		}
	}
	return matches, tiers, nil
}

func (e *Engine) observeStage(stage string, start time.Time) {
	if e.metrics != nil {
		e.metrics.StageLatency.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

// survivorsOf returns the candidates not yet excluded in both directions;
// only they proceed to the next stage.
func survivorsOf(universe projection.Set, acc *filter.Accumulator) projection.Set {
	out := make(projection.Set, len(universe))
	for t := range universe {
		if !acc.FullyExcluded(t) {
			out[t] = struct{}{}
		}
	}
	return out
}

// eligible splits the universe into the per-direction eligible sets.
func eligible(universe projection.Set, acc *filter.Accumulator) (sendable, receivable projection.Set) {
	sendable = make(projection.Set)
	receivable = make(projection.Set)
	for t := range universe {
		if !acc.SendExcluded(t) {
			sendable[t] = struct{}{}
		}
		if !acc.ReceiveExcluded(t) {
			receivable[t] = struct{}{}
		}
	}
	return sendable, receivable
}

func neighborTokens(neighbors []grid.Neighbor) []string {
	tokens := make([]string, len(neighbors))
	for i, n := range neighbors {
		tokens[i] = n.Token
	}
	return tokens
}

func sortedTokens(set map[string]struct{}) []string {
	tokens := make([]string, 0, len(set))
	for t := range set {
		tokens = append(tokens, t)
	}
	sort.Strings(tokens)
	return tokens
}

func truncateSet(set projection.Set, max int) projection.Set {
	tokens := sortedTokens(set)[:max]
	out := make(projection.Set, max)
	for _, t := range tokens {
		out[t] = struct{}{}
	}
	return out
}
