package memclient

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// relationGraph handles Neo4j operations for fact relationships. Vector
// search finds the direct hits; the graph expands them to related facts
// within a bounded hop distance.
type relationGraph struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// GraphConfig holds connection settings for the Neo4j instance.
type GraphConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

func newRelationGraph(cfg GraphConfig, logger *zap.Logger) (*relationGraph, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &relationGraph{driver: driver, logger: logger}, nil
}

func (g *relationGraph) ping(ctx context.Context) error {
	return g.driver.VerifyConnectivity(ctx)
}

func (g *relationGraph) close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// relatedFact is a fact reached by traversing from a direct search hit.
type relatedFact struct {
	ID         string
	EntityName string
	Kind       string
	Content    string
	Depth      int
}

// expand walks RELATES_TO edges outward from the seed fact ids, up to
// maxDepth hops, staying inside one entity scope. Results exclude the seeds.
func (g *relationGraph) expand(ctx context.Context, entityID string, seedIDs []string, maxDepth int) ([]relatedFact, error) {
	if len(seedIDs) == 0 || maxDepth < 1 {
		return nil, nil
	}
	if maxDepth > 3 {
		maxDepth = 3
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	// Variable-length bounds cannot be parameterized; maxDepth is clamped
	// to 1..3 above.
	query := fmt.Sprintf(`
		MATCH (seed:Fact {entity_id: $entityId}) WHERE seed.id IN $seedIds
		MATCH path = (seed)-[:RELATES_TO*1..%d]-(f:Fact {entity_id: $entityId})
		WHERE NOT f.id IN $seedIds
		RETURN DISTINCT f.id AS id, f.entity_name AS name, f.kind AS kind,
		       f.content AS content, min(length(path)) AS depth`, maxDepth)

	result, err := session.Run(ctx, query, map[string]interface{}{
		"entityId": entityID,
		"seedIds":  seedIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("expand facts: %w", err)
	}

	var facts []relatedFact
	for result.Next(ctx) {
		rec := result.Record()
		f := relatedFact{}
		if v, ok := rec.Get("id"); ok && v != nil {
			f.ID = v.(string)
		}
		if v, ok := rec.Get("name"); ok && v != nil {
			f.EntityName = v.(string)
		}
		if v, ok := rec.Get("kind"); ok && v != nil {
			f.Kind = v.(string)
		}
		if v, ok := rec.Get("content"); ok && v != nil {
			f.Content = v.(string)
		}
		if v, ok := rec.Get("depth"); ok && v != nil {
			f.Depth = int(v.(int64))
		}
		facts = append(facts, f)
	}

	g.logger.Debug("graph expansion complete",
		zap.String("entity", entityID),
		zap.Int("seeds", len(seedIDs)),
		zap.Int("related", len(facts)),
		zap.Int("max_depth", maxDepth))

	return facts, result.Err()
}

// record upserts fact nodes and links facts from the same batch so later
// traversals can reach them from any sibling.
func (g *relationGraph) record(ctx context.Context, entityID string, facts []graphFact) error {
	if len(facts) == 0 {
		return nil
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	rows := make([]map[string]interface{}, len(facts))
	for i, f := range facts {
		rows[i] = map[string]interface{}{
			"id":      f.ID,
			"name":    f.EntityName,
			"kind":    f.Kind,
			"content": f.Content,
		}
	}

	_, err := session.Run(ctx, `
		UNWIND $facts AS fact
		MERGE (f:Fact {id: fact.id})
		SET f.entity_id = $entityId, f.entity_name = fact.name,
		    f.kind = fact.kind, f.content = fact.content,
		    f.updated_at = datetime()
		WITH collect(f) AS nodes
		UNWIND nodes AS a
		UNWIND nodes AS b
		WITH a, b WHERE a.id < b.id
		MERGE (a)-[:RELATES_TO]->(b)`,
		map[string]interface{}{"entityId": entityID, "facts": rows})
	if err != nil {
		return fmt.Errorf("record facts: %w", err)
	}
	return nil
}

// graphFact is the node shape stored in Neo4j.
type graphFact struct {
	ID         string
	EntityName string
	Kind       string
	Content    string
}
