package memclient

import (
	"testing"
	"time"

	"github.com/veyra/mnemo/internal/realm"
)

func TestFactPointIDIdempotent(t *testing.T) {
	f1 := Fact{EntityName: "Vacation Policy", Kind: "policy", Content: "v1", ObservedAt: time.Now()}
	f2 := Fact{EntityName: "vacation-policy", Kind: "policy", Content: "v2 updated later"}

	// Same actor and semantic key must map to the same point regardless of
	// content or timestamps.
	if FactPointID("actor-1", f1) != FactPointID("actor-1", f2) {
		t.Error("same semantic key should produce the same point id")
	}
	if FactPointID("actor-1", f1) == FactPointID("actor-2", f1) {
		t.Error("different actors must not share point ids")
	}

	other := Fact{EntityName: "Vacation Policy", Kind: "fact"}
	if FactPointID("actor-1", f1) == FactPointID("actor-1", other) {
		t.Error("different fact kinds must not collide")
	}
}

func TestCollectionPerRealm(t *testing.T) {
	seen := map[string]realm.Realm{}
	for _, r := range realm.All {
		name := collectionFor(r)
		if prev, dup := seen[name]; dup {
			t.Fatalf("realms %s and %s share collection %q", prev, r, name)
		}
		seen[name] = r
	}
}

func TestEntrySemanticKeyUsesNormalizedIdentity(t *testing.T) {
	a := Entry{Realm: realm.Client, EntityName: "Vacation Policy", Kind: "policy"}
	b := Entry{Realm: realm.SkillModule, EntityName: "vacation policy", Kind: "policy"}
	if a.SemanticKey() != b.SemanticKey() {
		t.Error("entries describing the same fact must share a semantic key across realms")
	}
}
