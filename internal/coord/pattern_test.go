package coord

import "testing"

func TestPattern_Matches(t *testing.T) {
	c := sample()
	half := 0.5
	full := 1.0

	tests := []struct {
		name string
		p    Pattern
		want bool
	}{
		{"empty matches all", Pattern{}, true},
		{"realm kind", Pattern{RealmKind: "faction"}, true},
		{"realm kind miss", Pattern{RealmKind: "guild"}, false},
		{"realm label", Pattern{RealmLabel: "factionA"}, true},
		{"realm label miss", Pattern{RealmLabel: "factionB"}, false},
		{"horizon", Pattern{Horizon: HorizonEmergence}, true},
		{"horizon miss", Pattern{Horizon: HorizonDecay}, false},
		{"adjacent member", Pattern{Adjacent: "ent-b"}, true},
		{"adjacent miss", Pattern{Adjacent: "ent-z"}, false},
		{"density window", Pattern{MinDensity: &half, MaxDensity: &full}, true},
		{"density below min", Pattern{MinDensity: &full}, false},
		{"combined", Pattern{RealmKind: "faction", Horizon: HorizonEmergence, Adjacent: "ent-a"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.Matches(c); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParsePattern(t *testing.T) {
	p, err := ParsePattern("realm_kind=faction, realm_label=factionA")
	if err != nil {
		t.Fatalf("ParsePattern error: %v", err)
	}
	if p.RealmKind != "faction" || p.RealmLabel != "factionA" {
		t.Errorf("parsed pattern = %+v", p)
	}

	if _, err := ParsePattern("horizon=twilight"); err == nil {
		t.Error("expected error for unknown horizon")
	}
	if _, err := ParsePattern("nonsense"); err == nil {
		t.Error("expected error for malformed segment")
	}
	if _, err := ParsePattern("color=red"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestPattern_Validate(t *testing.T) {
	bad := 1.5
	lo, hi := 0.8, 0.2
	if err := (Pattern{MinDensity: &bad}).Validate(); err == nil {
		t.Error("expected error for out-of-range min_density")
	}
	if err := (Pattern{MinDensity: &lo, MaxDensity: &hi}).Validate(); err == nil {
		t.Error("expected error for inverted density window")
	}
}
