package memclient

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veyra/mnemo/internal/embedding"
	"github.com/veyra/mnemo/internal/realm"
)

// depthDecay discounts the relevance of facts reached by traversal: each hop
// multiplies the parent hit's score by this factor.
const depthDecay = 0.8

// Service implements Client over a Qdrant vector index and a Neo4j
// relationship graph.
type Service struct {
	vectors  *vectorStore
	graph    *relationGraph
	embedder embedding.Provider
	logger   *zap.Logger
}

// Config bundles the connection settings for both backing stores.
type Config struct {
	Qdrant QdrantConfig `json:"qdrant"`
	Graph  GraphConfig  `json:"graph"`
}

// NewService dials both stores and ensures the per-realm collections exist.
func NewService(ctx context.Context, cfg Config, embedder embedding.Provider, logger *zap.Logger) (*Service, error) {
	vectors, err := newVectorStore(cfg.Qdrant)
	if err != nil {
		return nil, err
	}
	graph, err := newRelationGraph(cfg.Graph, logger)
	if err != nil {
		vectors.close()
		return nil, err
	}
	if err := graph.ping(ctx); err != nil {
		vectors.close()
		graph.close(ctx)
		return nil, fmt.Errorf("neo4j ping: %w", err)
	}

	dim := uint64(embedder.Dimension())
	if dim == 0 {
		dim = 1024
	}
	if err := vectors.ensureCollections(ctx, dim); err != nil {
		vectors.close()
		graph.close(ctx)
		return nil, err
	}

	logger.Info("memory store connected",
		zap.String("qdrant", fmt.Sprintf("%s:%d", cfg.Qdrant.Host, cfg.Qdrant.Port)),
		zap.String("neo4j", cfg.Graph.URI))
	return &Service{vectors: vectors, graph: graph, embedder: embedder, logger: logger}, nil
}

// Search embeds the anchor query, finds the nearest facts in the realm's
// collection scoped to the entity id, then expands through the relationship
// graph up to maxDepth hops.
func (s *Service) Search(ctx context.Context, r realm.Realm, entityID, anchorQuery string, maxResults, maxDepth int) ([]Entry, error) {
	if maxResults <= 0 {
		maxResults = 20
	}

	vecs, err := s.embedder.Embed(ctx, []string{anchorQuery})
	if err != nil {
		return nil, fmt.Errorf("embed anchor query: %w", err)
	}
	if len(vecs) == 0 {
		return nil, nil
	}

	hits, err := s.vectors.search(ctx, collectionFor(r), entityID, vecs[0], uint64(maxResults))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	entries := make([]Entry, 0, len(hits))
	seedIDs := make([]string, 0, len(hits))
	var minScore float32 = 1
	for _, h := range hits {
		entries = append(entries, Entry{
			ID:         h.ID,
			Realm:      r,
			EntityID:   entityID,
			EntityName: h.Payload["entity_name"],
			Kind:       h.Payload["kind"],
			Content:    h.Payload["content"],
			Score:      h.Score,
			Depth:      0,
		})
		seedIDs = append(seedIDs, h.ID)
		if h.Score < minScore {
			minScore = h.Score
		}
	}

	if maxDepth >= 1 && len(seedIDs) > 0 {
		related, gerr := s.graph.expand(ctx, entityID, seedIDs, maxDepth)
		if gerr != nil {
			// Graph expansion is an enrichment; direct hits still serve.
			s.logger.Warn("graph expansion failed", zap.String("entity", entityID), zap.Error(gerr))
		}
		for _, f := range related {
			score := minScore
			for i := 0; i < f.Depth; i++ {
				score *= depthDecay
			}
			entries = append(entries, Entry{
				ID:         f.ID,
				Realm:      r,
				EntityID:   entityID,
				EntityName: f.EntityName,
				Kind:       f.Kind,
				Content:    f.Content,
				Score:      score,
				Depth:      f.Depth,
			})
		}
	}

	if len(entries) > maxResults {
		entries = entries[:maxResults]
	}
	return entries, nil
}

// Upsert writes facts into the ACTOR realm. Point ids derive from
// (actor id, semantic key), so resubmission overwrites the same point.
func (s *Service) Upsert(ctx context.Context, actorID string, facts []Fact) error {
	if len(facts) == 0 {
		return nil
	}

	texts := make([]string, len(facts))
	for i, f := range facts {
		texts[i] = f.Content
	}
	vecs, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed facts: %w", err)
	}
	if len(vecs) != len(facts) {
		return fmt.Errorf("embedding count mismatch: got %d, want %d", len(vecs), len(facts))
	}

	gfacts := make([]graphFact, len(facts))
	for i, f := range facts {
		id := FactPointID(actorID, f)
		observed := f.ObservedAt
		if observed.IsZero() {
			observed = time.Now().UTC()
		}
		payload := map[string]string{
			"entity_id":   actorID,
			"entity_name": f.EntityName,
			"kind":        f.Kind,
			"content":     f.Content,
			"source_id":   f.SourceID,
			"observed_at": observed.Format(time.RFC3339),
		}
		if err := s.vectors.upsert(ctx, collectionFor(realm.Actor), id, vecs[i], payload); err != nil {
			return fmt.Errorf("%w: upsert fact %s: %v", ErrUnavailable, id, err)
		}
		gfacts[i] = graphFact{ID: id, EntityName: f.EntityName, Kind: f.Kind, Content: f.Content}
	}

	if err := s.graph.record(ctx, actorID, gfacts); err != nil {
		// The vector index already has the facts; missing edges only reduce
		// traversal reach.
		s.logger.Warn("fact relationship recording failed", zap.String("actor", actorID), zap.Error(err))
	}

	s.logger.Info("facts upserted",
		zap.String("actor", actorID),
		zap.Int("count", len(facts)))
	return nil
}

// Close tears down both store connections.
func (s *Service) Close(ctx context.Context) error {
	verr := s.vectors.close()
	gerr := s.graph.close(ctx)
	if verr != nil {
		return verr
	}
	return gerr
}

// FactPointID returns the deterministic point id for a fact: UUIDv5 of the
// actor id and the fact's semantic key.
func FactPointID(actorID string, f Fact) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(actorID+"/"+f.SemanticKey())).String()
}
