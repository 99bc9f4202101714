package projection

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
)

// SectionSpec describes one content section: its option catalog, whether
// it is single- or multi-select, whether it participates in Stage-1
// categorical filtering, whether it is scored for interest overlap, and
// the ordered secondary-attribute options (e.g. skill levels).
type SectionSpec struct {
	Token     string   `json:"token"`
	TableKey  string   `json:"table_key"`
	Multi     bool     `json:"multi"`
	Filtered  bool     `json:"filtered"`
	Scored    bool     `json:"scored"`
	Options   []string `json:"options"`
	Secondary []string `json:"secondary,omitempty"`
}

// SecondaryIndex returns the position of a secondary option in the ordered
// list, or -1.
func (s SectionSpec) SecondaryIndex(option string) int {
	for i, o := range s.Secondary {
		if o == option {
			return i
		}
	}
	return -1
}

// Catalog is the periodically-rebuilt projection of the option catalogs:
// the enum dimensions plus every section's spec. Loaded alongside the
// partition index and read-only per request.
type Catalog struct {
	Genders       []string
	Modes         []string
	Verifications []string
	Networks      []string
	Sections      map[string]SectionSpec
}

// FilteredSections returns the specs participating in Stage-1; iteration
// order is unspecified.
func (c *Catalog) FilteredSections() []SectionSpec {
	var out []SectionSpec
	for _, s := range c.Sections {
		if s.Filtered {
			out = append(out, s)
		}
	}
	return out
}

// ScoredSections returns the specs participating in interest scoring.
func (c *Catalog) ScoredSections() []SectionSpec {
	var out []SectionSpec
	for _, s := range c.Sections {
		if s.Scored {
			out = append(out, s)
		}
	}
	return out
}

// LoadCatalog reads the catalog projection in one pipelined round trip.
func (r *Reader) LoadCatalog(ctx context.Context) (*Catalog, error) {
	pipe := r.client.Pipeline()
	dims := pipe.HGetAll(ctx, "catalog:dimensions")
	secs := pipe.HGetAll(ctx, "catalog:sections")
	if err := r.exec(ctx, pipe); err != nil {
		return nil, fmt.Errorf("loading catalog: %w", err)
	}

	cat := &Catalog{Sections: make(map[string]SectionSpec)}
	dimFields := dims.Val()
	cat.Genders = decodeList(dimFields["genders"])
	cat.Modes = decodeList(dimFields["modes"])
	cat.Verifications = decodeList(dimFields["verifications"])
	cat.Networks = decodeList(dimFields["networks"])

	for token, raw := range secs.Val() {
		var spec SectionSpec
		if err := json.Unmarshal([]byte(raw), &spec); err != nil {
			r.logger.Warn("malformed section spec", "section", token, "error", err)
			continue
		}
		if spec.Token == "" {
			spec.Token = token
		}
		cat.Sections[token] = spec
	}
	r.logger.Info("catalog loaded",
		"sections", len(cat.Sections),
		"genders", len(cat.Genders),
		"networks", len(cat.Networks),
	)
	return cat, nil
}

func decodeList(raw string) []string {
	if raw == "" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil
	}
	return list
}
