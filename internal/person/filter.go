package person

// Filter category tokens. Preference-section categories are database-driven
// option catalogs; the rest are fixed enums or scalar ranges.
const (
	CategoryDistance      = "distance"
	CategoryAges          = "ages"
	CategoryReviews       = "reviews"
	CategoryNewMembers    = "new_members"
	CategoryGenders       = "genders"
	CategoryModes         = "modes"
	CategoryNetworks      = "networks"
	CategoryVerifications = "verifications"
)

// ReviewCategory returns the filter category token for a review dimension,
// e.g. "reviews_safety".
func ReviewCategory(dimension string) string {
	return "reviews_" + dimension
}

// FilterItem is one option inside a multi-valued filter entry. Items with
// Deleted set are logically absent.
type FilterItem struct {
	Token      string   `json:"token"`
	IsNegative bool     `json:"is_negative"`
	Deleted    bool     `json:"deleted"`
	Secondary  []string `json:"secondary,omitempty"`
}

// FilterEntry is the shared base shape of every preference category. A
// category with IsActive false imposes no exclusion in either direction.
type FilterEntry struct {
	IsActive  bool                  `json:"is_active"`
	IsSend    bool                  `json:"is_send"`
	IsReceive bool                  `json:"is_receive"`
	Value     float64               `json:"filter_value,omitempty"`
	Min       float64               `json:"filter_value_min,omitempty"`
	Max       float64               `json:"filter_value_max,omitempty"`
	Items     map[string]FilterItem `json:"items,omitempty"`
}

// ActiveItems returns the non-deleted items of the entry.
func (e *FilterEntry) ActiveItems() []FilterItem {
	if e == nil {
		return nil
	}
	items := make([]FilterItem, 0, len(e.Items))
	for _, it := range e.Items {
		if !it.Deleted {
			items = append(items, it)
		}
	}
	return items
}

// SelectedTokens returns non-deleted, non-negative item tokens: the options
// the person positively selected.
func (e *FilterEntry) SelectedTokens() []string {
	var tokens []string
	for _, it := range e.ActiveItems() {
		if !it.IsNegative {
			tokens = append(tokens, it.Token)
		}
	}
	return tokens
}

// NegativeTokens returns non-deleted tokens the person excluded.
func (e *FilterEntry) NegativeTokens() []string {
	var tokens []string
	for _, it := range e.ActiveItems() {
		if it.IsNegative {
			tokens = append(tokens, it.Token)
		}
	}
	return tokens
}

// Negates reports whether the entry carries a non-deleted negative item for
// the given option token.
func (e *FilterEntry) Negates(token string) bool {
	if e == nil {
		return false
	}
	for _, it := range e.Items {
		if !it.Deleted && it.IsNegative && it.Token == token {
			return true
		}
	}
	return false
}

// FilterSet maps category tokens to their entries for one person.
type FilterSet map[string]FilterEntry

// Entry returns the entry for a category only when it is active; an
// inactive or missing category imposes no exclusion.
func (fs FilterSet) Entry(category string) (*FilterEntry, bool) {
	e, ok := fs[category]
	if !ok || !e.IsActive {
		return nil, false
	}
	return &e, true
}

// DirectionEntry returns the active entry for a category only when it
// applies to the given direction.
func (fs FilterSet) DirectionEntry(category string, send bool) (*FilterEntry, bool) {
	e, ok := fs.Entry(category)
	if !ok {
		return nil, false
	}
	if send && !e.IsSend {
		return nil, false
	}
	if !send && !e.IsReceive {
		return nil, false
	}
	return e, true
}
