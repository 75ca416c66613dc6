package realm

import "testing"

func TestPrecedenceTotalOrder(t *testing.T) {
	order := []Realm{Client, Actor, ActorClass, SkillModule}
	for i, hi := range order {
		for _, lo := range order[i+1:] {
			if !hi.Dominates(lo) {
				t.Errorf("%s should dominate %s", hi, lo)
			}
			if lo.Dominates(hi) {
				t.Errorf("%s should not dominate %s", lo, hi)
			}
		}
		if hi.Dominates(hi) {
			t.Errorf("%s should not dominate itself", hi)
		}
	}
}

func TestParseRoundTrip(t *testing.T) {
	for _, r := range All {
		got, err := Parse(r.String())
		if err != nil {
			t.Fatalf("Parse(%s): %v", r, err)
		}
		if got != r {
			t.Errorf("Parse(%s) = %s", r, got)
		}
	}
	if _, err := Parse("SYNTH"); err == nil {
		t.Error("expected error for unknown realm name")
	}
}

func TestSet(t *testing.T) {
	s := NewSet(Client, SkillModule)
	if !s.Has(Client) || !s.Has(SkillModule) {
		t.Fatal("set missing members")
	}
	if s.Has(Actor) {
		t.Fatal("set has unexpected member")
	}
	if got := s.String(); got != "SKILL_MODULE,CLIENT" {
		t.Errorf("String() = %q", got)
	}
	if got := len(AllSet().Realms()); got != 4 {
		t.Errorf("AllSet has %d realms, want 4", got)
	}
	if s.Without(Client).Has(Client) {
		t.Error("Without did not remove member")
	}
}

func TestSemanticKey(t *testing.T) {
	cases := []struct {
		name, kind, want string
	}{
		{"Vacation Policy (HR)", "policy", "vacation_policy_hr/policy"},
		{"  Vacation   Policy ", "Policy", "vacation_policy/policy"},
		{"database-optimization", "", "database_optimization/fact"},
		{"Query Plans", "procedure", "query_plans/procedure"},
	}
	for _, c := range cases {
		if got := SemanticKey(c.name, c.kind); got != c.want {
			t.Errorf("SemanticKey(%q,%q) = %q, want %q", c.name, c.kind, got, c.want)
		}
	}

	// Cosmetic variants of the same entity must collide.
	if SemanticKey("Vacation Policy", "policy") != SemanticKey("vacation-policy", "policy") {
		t.Error("cosmetic variants should produce the same key")
	}
}
