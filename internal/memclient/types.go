// Package memclient is the engine's boundary to the long-term memory store.
// It exposes a small search/upsert surface; persistence internals (vector
// index, relationship graph) stay behind it.
package memclient

import (
	"context"
	"errors"
	"time"

	"github.com/veyra/mnemo/internal/realm"
)

// ErrUnavailable indicates the memory store could not serve the request at
// all. Callers degrade rather than fail the turn.
var ErrUnavailable = errors.New("memory store unavailable")

// Entry is a single fact returned by a realm search.
type Entry struct {
	ID         string            `json:"id"`
	Realm      realm.Realm       `json:"realm"`
	EntityID   string            `json:"entity_id"`
	EntityName string            `json:"entity_name"`
	Kind       string            `json:"kind"` // "policy", "procedure", "guide", "pattern", "fact"
	Content    string            `json:"content"`
	Score      float32           `json:"score"`
	Depth      int               `json:"depth"` // hops from the anchor; 0 = direct hit
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// SemanticKey returns the realm-independent identity of the fact this entry
// describes, used for cross-realm conflict resolution.
func (e Entry) SemanticKey() string {
	return realm.SemanticKey(e.EntityName, e.Kind)
}

// IsPolicy reports whether the entry is a hard policy override.
func (e Entry) IsPolicy() bool { return e.Kind == "policy" }

// Fact is a durable unit written back by the consolidation pipeline.
// Upserts are keyed on (entity id, semantic key), so resubmitting the same
// fact updates rather than duplicates it.
type Fact struct {
	EntityName string    `json:"entity_name"`
	Kind       string    `json:"kind"`
	Content    string    `json:"content"`
	SourceID   string    `json:"source_id"` // originating session
	Confidence float64   `json:"confidence"`
	ObservedAt time.Time `json:"observed_at"`
}

// SemanticKey returns the idempotence key for this fact.
func (f Fact) SemanticKey() string {
	return realm.SemanticKey(f.EntityName, f.Kind)
}

// Client is the request/response interface to the long-term memory store.
type Client interface {
	// Search returns entries for one (realm, entity-id) scope, nearest to the
	// anchor query first, expanded through the relationship graph up to
	// maxDepth hops (1-3).
	Search(ctx context.Context, r realm.Realm, entityID, anchorQuery string, maxResults, maxDepth int) ([]Entry, error)

	// Upsert writes facts into the ACTOR realm for the given actor id.
	// The operation is idempotent per fact semantic key.
	Upsert(ctx context.Context, actorID string, facts []Fact) error
}
