package filter

import (
	"github.com/activitymesh/matchengine/internal/person"
	"github.com/activitymesh/matchengine/internal/projection"
)

// Stage1Filters returns the categorical exclusion filters in evaluation
// order. Each only adds to the accumulator, so ordering affects logging
// and metrics, not correctness.
func Stage1Filters() []Func {
	return []Func{
		{Name: "presence", Run: Presence},
		{Name: "genders", Run: Genders},
		{Name: "modes", Run: Modes},
		{Name: "verifications", Run: Verifications},
		{Name: "networks", Run: Networks},
		{Name: "sections", Run: PreferenceSections},
	}
}

// Presence gates on online status. An offline or unavailable requester
// cannot receive, so every candidate is excluded from receive outright;
// offline candidates can neither receive nor send.
func Presence(c *Context, acc *Accumulator) error {
	requesterGone := !c.Requester.IsOnline || !c.RequesterAvailable
	for token := range c.Working {
		if requesterGone {
			acc.ExcludeReceive(token)
		}
		if c.StageOne.Offline.Has(token) {
			acc.ExcludeBoth(token)
		}
	}
	return nil
}

// Genders applies the single-select bidirectional exclusion over the fixed
// gender enum.
func Genders(c *Context, acc *Accumulator) error {
	os, ok := c.StageOne.Dimensions[person.CategoryGenders]
	if !ok {
		return nil
	}
	var mine []string
	if c.Requester.Gender != "" {
		mine = []string{c.Requester.Gender}
	}
	excludeByOptions(c, acc, person.CategoryGenders, mine, os)
	return nil
}

// Modes applies the multi-select rule over the participation-mode enum.
func Modes(c *Context, acc *Accumulator) error {
	os, ok := c.StageOne.Dimensions[person.CategoryModes]
	if !ok {
		return nil
	}
	excludeByOptions(c, acc, person.CategoryModes, c.Requester.Modes, os)
	return nil
}

// Verifications enforces verification requirements. For this dimension the
// directional option sets carry requirements, not negations: a member of
// the send-direction set for type v refuses to send to counterparts
// lacking v.
func Verifications(c *Context, acc *Accumulator) error {
	os, ok := c.StageOne.Dimensions[person.CategoryVerifications]
	if !ok {
		return nil
	}
	sendEntry, _ := c.Filters.DirectionEntry(person.CategoryVerifications, true)
	recvEntry, _ := c.Filters.DirectionEntry(person.CategoryVerifications, false)

	for token := range c.Working {
		// My requirements against the candidate's held verifications.
		if missesRequired(sendEntry, os, token) {
			acc.ExcludeSend(token)
		}
		if missesRequired(recvEntry, os, token) {
			acc.ExcludeReceive(token)
		}
		// The candidate's requirements against mine.
		for kind, req := range os.ExclRecv {
			if req.Has(token) && !c.Requester.HasVerification(kind) {
				acc.ExcludeSend(token)
			}
		}
		for kind, req := range os.ExclSend {
			if req.Has(token) && !c.Requester.HasVerification(kind) {
				acc.ExcludeReceive(token)
			}
		}
	}
	return nil
}

func missesRequired(entry *person.FilterEntry, os projection.OptionSets, token string) bool {
	if entry == nil {
		return false
	}
	for _, kind := range entry.SelectedTokens() {
		have, ok := os.Have[kind]
		if !ok || !have.Has(token) {
			return true
		}
	}
	return false
}

// Networks applies federation-origin exclusion. Unlike every other
// dimension, exclusion requires ALL of the counterpart's memberships to be
// excluded, not just one.
func Networks(c *Context, acc *Accumulator) error {
	os, ok := c.StageOne.Dimensions[person.CategoryNetworks]
	if !ok {
		return nil
	}
	sendEntry, _ := c.Filters.DirectionEntry(person.CategoryNetworks, true)
	recvEntry, _ := c.Filters.DirectionEntry(person.CategoryNetworks, false)

	memberships := os.OptionsOf(c.Working)

	for token := range c.Working {
		nets := memberships[token]
		if len(nets) > 0 {
			if allNegated(sendEntry, nets) {
				acc.ExcludeSend(token)
			}
			if allNegated(recvEntry, nets) {
				acc.ExcludeReceive(token)
			}
		}
		// Candidate-side: they exclude me only if every one of my
		// memberships is excluded by them.
		if len(c.Requester.Networks) > 0 {
			if inAllExclSets(os.ExclRecv, c.Requester.Networks, token) {
				acc.ExcludeSend(token)
			}
			if inAllExclSets(os.ExclSend, c.Requester.Networks, token) {
				acc.ExcludeReceive(token)
			}
		}
	}
	return nil
}

func allNegated(entry *person.FilterEntry, nets []string) bool {
	if entry == nil {
		return false
	}
	for _, n := range nets {
		if !entry.Negates(n) {
			return false
		}
	}
	return true
}

func inAllExclSets(excl map[string]projection.Set, nets []string, token string) bool {
	for _, n := range nets {
		set, ok := excl[n]
		if !ok || !set.Has(token) {
			return false
		}
	}
	return true
}

// PreferenceSections applies the per-section bidirectional option
// exclusion for every catalog section that participates in Stage-1
// (life-stage, relationship-status, language, politics, religion,
// drinking, smoking, ...). The requester's own options come from their
// personal section selections; negations come from their filter set.
func PreferenceSections(c *Context, acc *Accumulator) error {
	for sectionToken, os := range c.StageOne.Sections {
		var mine []string
		for token := range c.Sections.Section(sectionToken).ActiveItems() {
			mine = append(mine, token)
		}
		excludeByOptions(c, acc, sectionToken, mine, os)
	}
	return nil
}

// excludeByOptions applies the shared bidirectional option-pair rule for
// one category: a direction is excluded unless at least one (mine, theirs)
// option pair exists where neither side has excluded the other's option in
// that direction. Single-select categories are the singleton case of the
// same rule.
//
// Edge cases: a requester with no selection is excluded from anyone who
// has configured an exclusion preference in the facing direction; a
// candidate with no selection is excluded when the requester has
// configured any negation for the direction.
func excludeByOptions(c *Context, acc *Accumulator, category string, mine []string, os projection.OptionSets) {
	sendEntry, _ := c.Filters.DirectionEntry(category, true)
	recvEntry, _ := c.Filters.DirectionEntry(category, false)

	theirOptions := os.OptionsOf(c.Working)

	var anyExclRecv, anyExclSend projection.Set
	if len(mine) == 0 {
		anyExclRecv = os.AnyExclRecv()
		anyExclSend = os.AnyExclSend()
	}

	for token := range c.Working {
		theirs := theirOptions[token]

		if len(mine) == 0 {
			if anyExclRecv.Has(token) {
				acc.ExcludeSend(token)
			}
			if anyExclSend.Has(token) {
				acc.ExcludeReceive(token)
			}
			continue
		}
		if len(theirs) == 0 {
			if hasAnyNegation(sendEntry) {
				acc.ExcludeSend(token)
			}
			if hasAnyNegation(recvEntry) {
				acc.ExcludeReceive(token)
			}
			continue
		}
		if !pairExists(mine, theirs, sendEntry, os.ExclRecv, token) {
			acc.ExcludeSend(token)
		}
		if !pairExists(mine, theirs, recvEntry, os.ExclSend, token) {
			acc.ExcludeReceive(token)
		}
	}
}

func hasAnyNegation(entry *person.FilterEntry) bool {
	return entry != nil && len(entry.NegativeTokens()) > 0
}

// pairExists reports whether some (mine, theirs) pair survives both sides'
// exclusions: the requester's entry must not negate the candidate's
// option, and the candidate must not have excluded the requester's option
// in the facing direction.
func pairExists(mine, theirs []string, myEntry *person.FilterEntry, theirExcl map[string]projection.Set, token string) bool {
	for _, m := range mine {
		excl, hasExcl := theirExcl[m]
		theyNegateMine := hasExcl && excl.Has(token)
		if theyNegateMine {
			continue
		}
		for _, t := range theirs {
			if !myEntry.Negates(t) {
				return true
			}
		}
	}
	return false
}
