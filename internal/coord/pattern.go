package coord

import (
	"fmt"
	"strings"
)

// Pattern is a coordinate match expression used for realm subscriptions.
// Zero-valued fields match anything; set fields must all match (AND).
type Pattern struct {
	RealmKind  string   `toml:"realm_kind" json:"realm_kind,omitempty"`
	RealmLabel string   `toml:"realm_label" json:"realm_label,omitempty"`
	Horizon    Horizon  `toml:"horizon" json:"horizon,omitempty"`
	Adjacent   string   `toml:"adjacent" json:"adjacent,omitempty"` // required adjacency member
	MinDensity *float64 `toml:"min_density" json:"min_density,omitempty"`
	MaxDensity *float64 `toml:"max_density" json:"max_density,omitempty"`
}

// Matches reports whether the coordinate satisfies every constraint set on
// the pattern.
func (p Pattern) Matches(c Coordinate) bool {
	if p.RealmKind != "" && p.RealmKind != c.Realm.Kind {
		return false
	}
	if p.RealmLabel != "" && p.RealmLabel != c.Realm.Label {
		return false
	}
	if p.Horizon != "" && p.Horizon != c.Horizon {
		return false
	}
	if p.Adjacent != "" {
		found := false
		for _, a := range c.Adjacency {
			if a == p.Adjacent {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if p.MinDensity != nil && c.Density < *p.MinDensity {
		return false
	}
	if p.MaxDensity != nil && c.Density > *p.MaxDensity {
		return false
	}
	return true
}

// Validate rejects patterns with impossible or malformed constraints.
func (p Pattern) Validate() error {
	if p.Horizon != "" && !p.Horizon.IsValid() {
		return fmt.Errorf("unknown horizon %q", p.Horizon)
	}
	if p.MinDensity != nil && (*p.MinDensity < 0 || *p.MinDensity > 1) {
		return fmt.Errorf("min_density %v out of range [0,1]", *p.MinDensity)
	}
	if p.MaxDensity != nil && (*p.MaxDensity < 0 || *p.MaxDensity > 1) {
		return fmt.Errorf("max_density %v out of range [0,1]", *p.MaxDensity)
	}
	if p.MinDensity != nil && p.MaxDensity != nil && *p.MinDensity > *p.MaxDensity {
		return fmt.Errorf("min_density %v exceeds max_density %v", *p.MinDensity, *p.MaxDensity)
	}
	return nil
}

// ParsePattern parses the compact "key=value,key=value" form used on the
// command line, e.g. "realm_kind=faction,realm_label=factionA".
func ParsePattern(s string) (Pattern, error) {
	var p Pattern
	if strings.TrimSpace(s) == "" {
		return p, nil
	}
	for _, part := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return p, fmt.Errorf("malformed pattern segment %q", part)
		}
		switch strings.TrimSpace(key) {
		case "realm_kind":
			p.RealmKind = strings.TrimSpace(value)
		case "realm_label":
			p.RealmLabel = strings.TrimSpace(value)
		case "horizon":
			p.Horizon = Horizon(strings.TrimSpace(value))
		case "adjacent":
			p.Adjacent = strings.TrimSpace(value)
		default:
			return p, fmt.Errorf("unknown pattern key %q", key)
		}
	}
	return p, p.Validate()
}
