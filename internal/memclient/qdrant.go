package memclient

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/veyra/mnemo/internal/realm"
)

// QdrantConfig holds connection settings for a Qdrant instance.
type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// collectionFor maps each realm to its own vector collection.
func collectionFor(r realm.Realm) string {
	switch r {
	case realm.Client:
		return "mem_client"
	case realm.Actor:
		return "mem_actor"
	case realm.ActorClass:
		return "mem_actor_class"
	default:
		return "mem_skill_module"
	}
}

// vectorStore wraps gRPC connections to Qdrant's collections and points
// services, one collection per realm.
type vectorStore struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
}

func newVectorStore(cfg QdrantConfig) (*vectorStore, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	return &vectorStore{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
	}, nil
}

// ensureCollections creates the per-realm collections if missing.
func (v *vectorStore) ensureCollections(ctx context.Context, dimension uint64) error {
	for _, r := range realm.All {
		name := collectionFor(r)
		_, err := v.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: name})
		if err == nil {
			continue
		}
		_, err = v.collections.Create(ctx, &pb.CreateCollection{
			CollectionName: name,
			VectorsConfig: &pb.VectorsConfig{
				Config: &pb.VectorsConfig_Params{
					Params: &pb.VectorParams{
						Size:     dimension,
						Distance: pb.Distance_Cosine,
					},
				},
			},
		})
		if err != nil {
			return fmt.Errorf("create collection %s: %w", name, err)
		}
	}
	return nil
}

// upsert inserts or replaces a single point. Callers pass a deterministic id
// for idempotent writes.
func (v *vectorStore) upsert(ctx context.Context, collection, id string, vector []float32, payload map[string]string) error {
	payloadMap := make(map[string]*pb.Value, len(payload))
	for k, val := range payload {
		payloadMap[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: val}}
	}
	_, err := v.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: collection,
		Points: []*pb.PointStruct{
			{
				Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}},
				Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vector}}},
				Payload: payloadMap,
			},
		},
	})
	return err
}

// search runs a nearest-neighbor query scoped to one entity id.
func (v *vectorStore) search(ctx context.Context, collection, entityID string, vector []float32, topK uint64) ([]*vectorHit, error) {
	resp, err := v.points.Search(ctx, &pb.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          topK,
		Filter: &pb.Filter{
			Must: []*pb.Condition{
				{
					ConditionOneOf: &pb.Condition_Field{
						Field: &pb.FieldCondition{
							Key:   "entity_id",
							Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: entityID}},
						},
					},
				},
			},
		},
		WithPayload: &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}

	hits := make([]*vectorHit, 0, len(resp.Result))
	for _, r := range resp.Result {
		payload := make(map[string]string, len(r.Payload))
		for k, val := range r.Payload {
			if sv, ok := val.Kind.(*pb.Value_StringValue); ok {
				payload[k] = sv.StringValue
			}
		}
		hits = append(hits, &vectorHit{
			ID:      r.Id.GetUuid(),
			Score:   r.Score,
			Payload: payload,
		})
	}
	return hits, nil
}

// vectorHit is a single similarity search result.
type vectorHit struct {
	ID      string
	Score   float32
	Payload map[string]string
}

func (v *vectorStore) close() error {
	return v.conn.Close()
}
