package person

// SectionItem is one personal selection inside an interest section.
type SectionItem struct {
	Token string `json:"token"`
	// FavoritePosition is the 1-based favorite rank within the section;
	// 0 means unranked.
	FavoritePosition int `json:"favorite_position,omitempty"`
	// Importance is a configured 0–10 weight; 0 means unset.
	Importance float64 `json:"importance,omitempty"`
	// Secondary is an attached secondary-attribute value token (e.g. a
	// skill level) from the section's ordered option list.
	Secondary string `json:"secondary,omitempty"`
	Deleted   bool   `json:"deleted,omitempty"`
}

// Section holds one interest section's personal selections keyed by item
// token.
type Section struct {
	Items map[string]SectionItem
}

// ActiveItems returns non-deleted selections.
func (s Section) ActiveItems() map[string]SectionItem {
	out := make(map[string]SectionItem, len(s.Items))
	for token, it := range s.Items {
		if !it.Deleted {
			out[token] = it
		}
	}
	return out
}

// SectionSet maps interest-section tokens to sections for one person.
type SectionSet struct {
	Active   bool
	Sections map[string]Section
}

// Section returns the named section, or an empty one.
func (ss SectionSet) Section(token string) Section {
	if s, ok := ss.Sections[token]; ok {
		return s
	}
	return Section{}
}
