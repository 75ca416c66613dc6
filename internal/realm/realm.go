// Package realm defines the four fixed memory authority levels and the
// precedence ordering between them. Everything that ranks, merges, or writes
// memory goes through this type rather than comparing strings.
package realm

import (
	"fmt"
	"strings"
)

// Realm is one of four fixed authority levels memory can be sourced from.
type Realm int

const (
	// SkillModule is the lowest authority level: knowledge packaged with a
	// subscribed skill module.
	SkillModule Realm = iota
	// ActorClass holds knowledge shared by every actor of the same class.
	ActorClass
	// Actor holds knowledge accumulated by one specific actor. The
	// consolidation pipeline only ever writes here.
	Actor
	// Client is the highest authority level: client-wide policy and facts.
	// A Client entry always wins a semantic-key conflict.
	Client
)

// All lists every realm in ascending authority order.
var All = []Realm{SkillModule, ActorClass, Actor, Client}

// String returns the wire name of the realm.
func (r Realm) String() string {
	switch r {
	case Client:
		return "CLIENT"
	case Actor:
		return "ACTOR"
	case ActorClass:
		return "ACTOR_CLASS"
	case SkillModule:
		return "SKILL_MODULE"
	default:
		return fmt.Sprintf("Realm(%d)", int(r))
	}
}

// Valid reports whether r is one of the four defined realms.
func (r Realm) Valid() bool {
	return r >= SkillModule && r <= Client
}

// Dominates reports whether r strictly outranks other. The ordering is total:
// CLIENT > ACTOR > ACTOR_CLASS > SKILL_MODULE.
func (r Realm) Dominates(other Realm) bool {
	return r > other
}

// Parse converts a wire name back into a Realm.
func Parse(s string) (Realm, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CLIENT":
		return Client, nil
	case "ACTOR":
		return Actor, nil
	case "ACTOR_CLASS":
		return ActorClass, nil
	case "SKILL_MODULE":
		return SkillModule, nil
	}
	return 0, fmt.Errorf("unknown realm %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (r Realm) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid realm %d", int(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Realm) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Set is a bitmask of included realms.
type Set uint8

// NewSet builds a Set from the given realms.
func NewSet(realms ...Realm) Set {
	var s Set
	for _, r := range realms {
		s |= 1 << uint(r)
	}
	return s
}

// AllSet includes every realm.
func AllSet() Set { return NewSet(All...) }

// Has reports whether the set includes r.
func (s Set) Has(r Realm) bool { return s&(1<<uint(r)) != 0 }

// With returns a copy of the set including r.
func (s Set) With(r Realm) Set { return s | 1<<uint(r) }

// Without returns a copy of the set excluding r.
func (s Set) Without(r Realm) Set { return s &^ (1 << uint(r)) }

// Realms returns the included realms in ascending authority order.
func (s Set) Realms() []Realm {
	out := make([]Realm, 0, len(All))
	for _, r := range All {
		if s.Has(r) {
			out = append(out, r)
		}
	}
	return out
}

// String renders the set as a sorted, comma-joined list of realm names.
func (s Set) String() string {
	names := make([]string, 0, len(All))
	for _, r := range s.Realms() {
		names = append(names, r.String())
	}
	return strings.Join(names, ",")
}
