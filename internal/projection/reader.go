package projection

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/activitymesh/matchengine/internal/person"
	pkgerrors "github.com/activitymesh/matchengine/pkg/errors"
	"github.com/activitymesh/matchengine/pkg/metrics"
	pkgredis "github.com/activitymesh/matchengine/pkg/redis"
	"github.com/activitymesh/matchengine/pkg/resilience"
	"github.com/redis/go-redis/v9"
)

// Set is a token set.
type Set map[string]struct{}

// Has reports membership.
func (s Set) Has(token string) bool {
	_, ok := s[token]
	return ok
}

func toSet(tokens []string) Set {
	s := make(Set, len(tokens))
	for _, t := range tokens {
		s[t] = struct{}{}
	}
	return s
}

// mergeInto unions src into dst.
func mergeInto(dst Set, src []string) {
	for _, t := range src {
		dst[t] = struct{}{}
	}
}

// OptionSets holds, per option token of one dimension or section, the cell
// members who hold the option and those who exclude it per direction.
type OptionSets struct {
	Have     map[string]Set
	ExclSend map[string]Set
	ExclRecv map[string]Set
}

func newOptionSets(options []string) OptionSets {
	os := OptionSets{
		Have:     make(map[string]Set, len(options)),
		ExclSend: make(map[string]Set, len(options)),
		ExclRecv: make(map[string]Set, len(options)),
	}
	for _, o := range options {
		os.Have[o] = make(Set)
		os.ExclSend[o] = make(Set)
		os.ExclRecv[o] = make(Set)
	}
	return os
}

// AnyExclSend returns everyone who configured a send-direction exclusion on
// any option of the dimension.
func (os OptionSets) AnyExclSend() Set {
	out := make(Set)
	for _, s := range os.ExclSend {
		for t := range s {
			out[t] = struct{}{}
		}
	}
	return out
}

// AnyExclRecv returns everyone who configured a receive-direction exclusion
// on any option of the dimension.
func (os OptionSets) AnyExclRecv() Set {
	out := make(Set)
	for _, s := range os.ExclRecv {
		for t := range s {
			out[t] = struct{}{}
		}
	}
	return out
}

// OptionsOf inverts Have into a per-candidate option list for the given
// working set.
func (os OptionSets) OptionsOf(working Set) map[string][]string {
	out := make(map[string][]string)
	for opt, members := range os.Have {
		for t := range members {
			if working.Has(t) {
				out[t] = append(out[t], opt)
			}
		}
	}
	return out
}

// StageOneData is everything the Stage-1 categorical filters consume,
// fetched in one pipelined round trip.
type StageOneData struct {
	Offline    Set
	Dimensions map[string]OptionSets // genders, modes, verifications, networks
	Sections   map[string]OptionSets // stage-1 preference sections
}

// StageTwoData is everything the Stage-2 contextual filters consume.
type StageTwoData struct {
	Snapshots map[string]*person.Snapshot
	Filters   map[string]person.FilterSet
	NewOptIn  Set
	// SendBlocked and ReceiveBlocked hold, per review dimension, candidates
	// whose configured minimum exceeds the requester's average in the
	// relevant direction.
	SendBlocked    map[string]Set
	ReceiveBlocked map[string]Set
}

// Reader reads cache projections. All multi-key reads are pipelined.
type Reader struct {
	client  *pkgredis.Client
	breaker *resilience.CircuitBreaker
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewReader creates a Reader whose pipeline executions run through the
// given circuit breaker.
func NewReader(client *pkgredis.Client, breaker *resilience.CircuitBreaker, m *metrics.Metrics) *Reader {
	return &Reader{
		client:  client,
		breaker: breaker,
		metrics: m,
		logger:  slog.Default().With("component", "projection-reader"),
	}
}

// Ping probes the cache connection.
func (r *Reader) Ping(ctx context.Context) error {
	return r.client.Ping(ctx)
}

// exec runs a queued pipeline through the breaker as one round trip.
func (r *Reader) exec(ctx context.Context, pipe redis.Pipeliner) error {
	err := r.breaker.Execute(func() error {
		_, execErr := pipe.Exec(ctx)
		return execErr
	})
	if r.metrics != nil {
		r.metrics.PipelineRoundTrips.Inc()
		if err != nil {
			r.metrics.PipelineFailures.Inc()
		}
		r.metrics.CircuitBreakerState.WithLabelValues(r.breaker.Name()).Set(float64(r.breaker.GetState()))
	}
	if err != nil {
		return fmt.Errorf("%w: %v", pkgerrors.ErrCacheUnavailable, err)
	}
	return nil
}

// Requester fetches the requester's snapshot, filter set, and section set
// in one round trip.
func (r *Reader) Requester(ctx context.Context, token string) (*person.Snapshot, person.FilterSet, person.SectionSet, error) {
	pipe := r.client.Pipeline()
	pCmd := pipe.HGetAll(ctx, PersonKey(token))
	fCmd := pipe.HGetAll(ctx, FiltersKey(token))
	sCmd := pipe.HGetAll(ctx, SectionsKey(token))
	if err := r.exec(ctx, pipe); err != nil {
		return nil, nil, person.SectionSet{}, err
	}
	snap, ok := person.DecodeSnapshot(token, pCmd.Val())
	if !ok {
		return nil, nil, person.SectionSet{}, pkgerrors.ErrPersonNotFound
	}
	return snap, person.DecodeFilterSet(fCmd.Val()), person.DecodeSectionSet(sCmd.Val()), nil
}

// Universe unions the location membership sets of the given grid cells in
// one round trip.
func (r *Reader) Universe(ctx context.Context, gridTokens []string) (Set, error) {
	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringSliceCmd, 0, len(gridTokens))
	for _, g := range gridTokens {
		cmds = append(cmds, pipe.SMembers(ctx, GridSetKey(g, DimMembers)))
	}
	if err := r.exec(ctx, pipe); err != nil {
		return nil, err
	}
	universe := make(Set)
	for _, cmd := range cmds {
		mergeInto(universe, cmd.Val())
	}
	return universe, nil
}

// StageOne fetches every membership and exclusion set Stage-1 needs across
// the neighborhood, in one round trip. Dimension and section option spaces
// come from the catalog.
func (r *Reader) StageOne(ctx context.Context, gridTokens []string, cat *Catalog) (*StageOneData, error) {
	data := &StageOneData{
		Offline:    make(Set),
		Dimensions: make(map[string]OptionSets, 4),
		Sections:   make(map[string]OptionSets),
	}
	dims := map[string][]string{
		person.CategoryGenders:       cat.Genders,
		person.CategoryModes:         cat.Modes,
		person.CategoryVerifications: cat.Verifications,
		person.CategoryNetworks:      cat.Networks,
	}
	for dim, options := range dims {
		data.Dimensions[dim] = newOptionSets(options)
	}
	filtered := cat.FilteredSections()
	for _, spec := range filtered {
		data.Sections[spec.Token] = newOptionSets(spec.Options)
	}

	pipe := r.client.Pipeline()
	type target struct {
		cmd *redis.StringSliceCmd
		set Set
	}
	var targets []target
	queue := func(key string, set Set) {
		targets = append(targets, target{cmd: pipe.SMembers(ctx, key), set: set})
	}
	for _, g := range gridTokens {
		queue(GridSetKey(g, DimOffline), data.Offline)
		for dim, options := range dims {
			os := data.Dimensions[dim]
			for _, opt := range options {
				queue(GridOptionKey(g, dim, opt), os.Have[opt])
				queue(GridOptionExclKey(g, dim, opt, DirSend), os.ExclSend[opt])
				queue(GridOptionExclKey(g, dim, opt, DirReceive), os.ExclRecv[opt])
			}
		}
		for _, spec := range filtered {
			os := data.Sections[spec.Token]
			for _, opt := range spec.Options {
				queue(GridSectionOptionKey(g, spec.Token, opt), os.Have[opt])
				queue(GridSectionExclKey(g, spec.Token, opt, DirSend), os.ExclSend[opt])
				queue(GridSectionExclKey(g, spec.Token, opt, DirReceive), os.ExclRecv[opt])
			}
		}
	}
	if err := r.exec(ctx, pipe); err != nil {
		return nil, err
	}
	for _, t := range targets {
		mergeInto(t.set, t.cmd.Val())
	}
	return data, nil
}

// StageTwo bulk-fetches the survivors' snapshots and filter sets, the
// new-member opt-in sets, and the counterpart review-threshold ranges, in
// one round trip. requesterAvg supplies the requester's averages per
// review dimension for the threshold range queries.
func (r *Reader) StageTwo(ctx context.Context, gridTokens []string, tokens []string, requesterAvg person.Reviews) (*StageTwoData, error) {
	data := &StageTwoData{
		Snapshots:      make(map[string]*person.Snapshot, len(tokens)),
		Filters:        make(map[string]person.FilterSet, len(tokens)),
		NewOptIn:       make(Set),
		SendBlocked:    make(map[string]Set, len(person.ReviewDimensions)),
		ReceiveBlocked: make(map[string]Set, len(person.ReviewDimensions)),
	}
	for _, dim := range person.ReviewDimensions {
		data.SendBlocked[dim] = make(Set)
		data.ReceiveBlocked[dim] = make(Set)
	}

	pipe := r.client.Pipeline()
	snapCmds := make(map[string]*redis.MapStringStringCmd, len(tokens))
	filtCmds := make(map[string]*redis.MapStringStringCmd, len(tokens))
	for _, t := range tokens {
		snapCmds[t] = pipe.HGetAll(ctx, PersonKey(t))
		filtCmds[t] = pipe.HGetAll(ctx, FiltersKey(t))
	}
	type zTarget struct {
		cmd *redis.ZSliceCmd
		set Set
	}
	var zTargets []zTarget
	optCmds := make([]*redis.StringSliceCmd, 0, len(gridTokens))
	for _, g := range gridTokens {
		optCmds = append(optCmds, pipe.SMembers(ctx, GridSetKey(g, DimNewOptIn)))
		for _, dim := range person.ReviewDimensions {
			// Candidates whose required minimum exceeds the requester's
			// average exclude the corresponding direction.
			myAvg := requesterAvg.Dimension(dim)
			min := fmt.Sprintf("(%g", myAvg)
			zTargets = append(zTargets, zTarget{
				cmd: pipe.ZRangeByScoreWithScores(ctx, GridReviewThresholdKey(g, dim, DirSend), &redis.ZRangeBy{Min: min, Max: "+inf"}),
				set: data.ReceiveBlocked[dim],
			})
			zTargets = append(zTargets, zTarget{
				cmd: pipe.ZRangeByScoreWithScores(ctx, GridReviewThresholdKey(g, dim, DirReceive), &redis.ZRangeBy{Min: min, Max: "+inf"}),
				set: data.SendBlocked[dim],
			})
		}
	}
	if err := r.exec(ctx, pipe); err != nil {
		return nil, err
	}

	for _, t := range tokens {
		if snap, ok := person.DecodeSnapshot(t, snapCmds[t].Val()); ok {
			data.Snapshots[t] = snap
		}
		data.Filters[t] = person.DecodeFilterSet(filtCmds[t].Val())
	}
	for _, cmd := range optCmds {
		mergeInto(data.NewOptIn, cmd.Val())
	}
	for _, zt := range zTargets {
		for _, z := range zt.cmd.Val() {
			if member, ok := z.Member.(string); ok {
				zt.set[member] = struct{}{}
			}
		}
	}
	return data, nil
}

// SectionSets bulk-fetches the survivors' interest sections in one round
// trip.
func (r *Reader) SectionSets(ctx context.Context, tokens []string) (map[string]person.SectionSet, error) {
	pipe := r.client.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(tokens))
	for _, t := range tokens {
		cmds[t] = pipe.HGetAll(ctx, SectionsKey(t))
	}
	if err := r.exec(ctx, pipe); err != nil {
		return nil, err
	}
	out := make(map[string]person.SectionSet, len(tokens))
	for _, t := range tokens {
		out[t] = person.DecodeSectionSet(cmds[t].Val())
	}
	return out, nil
}
