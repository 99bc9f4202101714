package person

import (
	"strconv"

	"github.com/activitymesh/matchengine/internal/matcher/schedule"
	"github.com/goccy/go-json"
)

// Validation happens here, at the cache-deserialization boundary: a
// malformed JSON field is treated as absent data for that field only,
// never as a request failure.

// DecodeSnapshot builds a Snapshot from a person:{token} hash. An empty
// hash yields ok=false.
func DecodeSnapshot(token string, fields map[string]string) (*Snapshot, bool) {
	if len(fields) == 0 {
		return nil, false
	}
	s := &Snapshot{
		Token:    token,
		Gender:   fields["gender"],
		Timezone: fields["timezone"],
		IsOnline: parseBool(fields["is_online"]),
		IsNew:    parseBool(fields["is_new"]),
	}
	if v, err := strconv.Atoi(fields["age"]); err == nil {
		s.Age = v
	}
	if raw := fields["location"]; raw != "" {
		var loc Location
		if err := json.Unmarshal([]byte(raw), &loc); err == nil {
			s.Location = &loc
		}
	}
	if raw := fields["grid"]; raw != "" {
		var g GridRef
		if err := json.Unmarshal([]byte(raw), &g); err == nil && g.Token != "" {
			s.Grid = &g
		}
	}
	if raw := fields["reviews"]; raw != "" {
		var r Reviews
		if err := json.Unmarshal([]byte(raw), &r); err == nil {
			s.Reviews = r
		}
	}
	s.Networks = decodeStringList(fields["networks"])
	s.Verifications = decodeStringList(fields["verifications"])
	s.Modes = decodeStringList(fields["modes"])
	if raw := fields["availability"]; raw != "" {
		if week, err := schedule.ParseWeek([]byte(raw)); err == nil {
			s.Availability = week
		}
	}
	return s, true
}

// DecodeFilterSet builds a FilterSet from a person_filters:{token} hash,
// one JSON-encoded entry per category field.
func DecodeFilterSet(fields map[string]string) FilterSet {
	fs := make(FilterSet, len(fields))
	for category, raw := range fields {
		var entry FilterEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		fs[category] = entry
	}
	return fs
}

// DecodeSectionSet builds a SectionSet from a person_sections:{token} hash.
// The "active" field is a flag; every other field is a JSON item map keyed
// by item token.
func DecodeSectionSet(fields map[string]string) SectionSet {
	ss := SectionSet{Sections: make(map[string]Section)}
	for field, raw := range fields {
		if field == "active" {
			ss.Active = parseBool(raw)
			continue
		}
		var items map[string]SectionItem
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			continue
		}
		for token, it := range items {
			if it.Token == "" {
				it.Token = token
				items[token] = it
			}
		}
		ss.Sections[field] = Section{Items: items}
	}
	return ss
}

func decodeStringList(raw string) []string {
	if raw == "" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil
	}
	return list
}

func parseBool(s string) bool {
	switch s {
	case "1", "true", "t":
		return true
	default:
		return false
	}
}
