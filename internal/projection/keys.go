// Package projection is the thin access layer translating semantic lookups
// (person record, filter set, section set, grid membership sets) into
// batched cache commands. All reads within one filter stage are pipelined
// into a single round trip; the hot path never issues per-candidate
// queries.
package projection

import "fmt"

// Cache key contracts. The projections are materialized by external
// collaborators; the core only reads them.

func PersonKey(token string) string {
	return "person:" + token
}

func FiltersKey(token string) string {
	return "person_filters:" + token
}

func SectionsKey(token string) string {
	return "person_sections:" + token
}

// GridSetKey addresses a per-grid-cell membership set for a dimension,
// e.g. grid:{cell}:members or grid:{cell}:offline.
func GridSetKey(gridToken, dimension string) string {
	return fmt.Sprintf("grid:%s:%s", gridToken, dimension)
}

// GridOptionKey addresses the set of cell members holding an option of an
// enum dimension (genders, modes, verifications, networks).
func GridOptionKey(gridToken, dimension, option string) string {
	return fmt.Sprintf("grid:%s:%s:%s", gridToken, dimension, option)
}

// GridOptionExclKey addresses the set of cell members who exclude the
// given option in one direction. direction is "send" or "receive".
func GridOptionExclKey(gridToken, dimension, option, direction string) string {
	return fmt.Sprintf("grid:%s:%s:excl_%s:%s", gridToken, dimension, direction, option)
}

// GridSectionOptionKey addresses the set of cell members who selected an
// option of a preference section.
func GridSectionOptionKey(gridToken, section, option string) string {
	return fmt.Sprintf("grid:%s:section:%s:%s", gridToken, section, option)
}

// GridSectionExclKey addresses the set of cell members whose section filter
// negates the given option in one direction.
func GridSectionExclKey(gridToken, section, option, direction string) string {
	return fmt.Sprintf("grid:%s:section:%s:excl_%s:%s", gridToken, section, direction, option)
}

// GridReviewKey addresses the sorted set mapping cell members to their
// average rating in one review dimension.
func GridReviewKey(gridToken, dimension string) string {
	return fmt.Sprintf("grid:%s:reviews:%s", gridToken, dimension)
}

// GridReviewThresholdKey addresses the sorted set mapping cell members to
// the minimum counterpart rating they require in one direction.
func GridReviewThresholdKey(gridToken, dimension, direction string) string {
	return fmt.Sprintf("grid:%s:reviews_min:%s:%s", gridToken, direction, dimension)
}

const (
	// Dimension names for GridSetKey.
	DimMembers  = "members"
	DimOffline  = "offline"
	DimNewOptIn = "new_optin"

	DirSend    = "send"
	DirReceive = "receive"
)
