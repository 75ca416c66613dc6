// Package search implements the hierarchical memory searcher: parallel
// per-realm fan-out against the memory client, precedence-based merging, and
// a short-TTL result cache.
package search

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/veyra/mnemo/internal/memclient"
	"github.com/veyra/mnemo/internal/realm"
)

// ErrMemoryUnavailable indicates every included realm failed. Callers must
// degrade to a history-only response rather than fail the turn.
var ErrMemoryUnavailable = errors.New("memory unavailable: all realms failed")

const (
	defaultRealmTimeout = 2 * time.Second
	defaultCacheTTL     = 5 * time.Minute
	defaultMaxResults   = 25
)

// Identity names the acting entity in every realm: exactly one client,
// actor, and actor-class id plus zero or more subscribed skill modules.
type Identity struct {
	ClientID     string   `json:"client_id"`
	ActorID      string   `json:"actor_id"`
	ActorClassID string   `json:"actor_class_id"`
	SkillModules []string `json:"skill_modules,omitempty"`
}

// Request describes one resolution call.
type Request struct {
	Query      string
	Identity   Identity
	Realms     realm.Set
	MaxResults int
	MaxDepth   int // 1-3 relationship hops
}

// Result is a merged, precedence-ordered resolution outcome.
type Result struct {
	Entries           []memclient.Entry `json:"entries"`
	RealmCounts       map[string]int    `json:"realm_counts"`
	Unavailable       []realm.Realm     `json:"unavailable_realms,omitempty"`
	Degraded          bool              `json:"degraded"`
	RelationshipsUsed int               `json:"relationships_traversed"`
	QueryTime         time.Duration     `json:"query_time"`
	FromCache         bool              `json:"from_cache"`
}

// Policies returns the CLIENT-realm policy entries, which act as hard
// overrides on response framing regardless of relevance score.
func (r *Result) Policies() []memclient.Entry {
	var out []memclient.Entry
	for _, e := range r.Entries {
		if e.Realm == realm.Client && e.IsPolicy() {
			out = append(out, e)
		}
	}
	return out
}

// Option configures a Searcher.
type Option func(*Searcher)

// WithRealmTimeout overrides the per-realm search timeout.
func WithRealmTimeout(d time.Duration) Option {
	return func(s *Searcher) { s.realmTimeout = d }
}

// WithCacheTTL overrides the merged-result cache TTL.
func WithCacheTTL(d time.Duration) Option {
	return func(s *Searcher) { s.cacheTTL = d }
}

// WithMaxResults overrides the default result cap applied when a request
// does not set one.
func WithMaxResults(n int) Option {
	return func(s *Searcher) {
		if n > 0 {
			s.maxResults = n
		}
	}
}

// Searcher fans queries out across realms and merges the results.
type Searcher struct {
	client       memclient.Client
	cache        *gocache.Cache
	realmTimeout time.Duration
	cacheTTL     time.Duration
	maxResults   int
	logger       *zap.Logger
}

// New creates a Searcher backed by the given memory client.
func New(client memclient.Client, logger *zap.Logger, opts ...Option) *Searcher {
	s := &Searcher{
		client:       client,
		realmTimeout: defaultRealmTimeout,
		cacheTTL:     defaultCacheTTL,
		maxResults:   defaultMaxResults,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cache = gocache.New(s.cacheTTL, 2*s.cacheTTL)
	return s
}

// cachedResult pairs a merged result with the actor id it was resolved for,
// so ACTOR-realm writes can invalidate it early.
type cachedResult struct {
	actorID string
	result  Result
}

// Resolve returns the merged, precedence-ordered entries for the request.
// Individual realm failures degrade to a partial result; only total failure
// returns ErrMemoryUnavailable.
func (s *Searcher) Resolve(ctx context.Context, req Request) (*Result, error) {
	if req.MaxResults <= 0 {
		req.MaxResults = s.maxResults
	}
	if req.MaxDepth < 1 {
		req.MaxDepth = 1
	}
	if req.MaxDepth > 3 {
		req.MaxDepth = 3
	}

	key := cacheKey(req)
	if v, ok := s.cache.Get(key); ok {
		cached := v.(cachedResult)
		out := cached.result
		out.FromCache = true
		s.logger.Debug("memory cache hit", zap.String("actor", req.Identity.ActorID))
		return &out, nil
	}

	start := time.Now()
	scopes := req.scopes()
	type realmOutcome struct {
		realm   realm.Realm
		entries []memclient.Entry
		err     error
	}

	outcomes := make([]realmOutcome, len(scopes))
	var wg sync.WaitGroup
	for i, sc := range scopes {
		wg.Add(1)
		go func(i int, sc scope) {
			defer wg.Done()
			rctx, cancel := context.WithTimeout(ctx, s.realmTimeout)
			defer cancel()
			entries, err := s.client.Search(rctx, sc.realm, sc.entityID, req.Query, req.MaxResults, req.MaxDepth)
			outcomes[i] = realmOutcome{realm: sc.realm, entries: entries, err: err}
		}(i, sc)
	}
	wg.Wait()

	var all []memclient.Entry
	counts := make(map[string]int)
	failed := make(map[realm.Realm]bool)
	succeeded := make(map[realm.Realm]bool)
	for _, o := range outcomes {
		if o.err != nil {
			s.logger.Warn("realm search failed",
				zap.String("realm", o.realm.String()),
				zap.Error(o.err))
			if !succeeded[o.realm] {
				failed[o.realm] = true
			}
			continue
		}
		succeeded[o.realm] = true
		delete(failed, o.realm)
		counts[o.realm.String()] += len(o.entries)
		all = append(all, o.entries...)
	}

	if len(succeeded) == 0 && len(scopes) > 0 {
		return nil, ErrMemoryUnavailable
	}

	merged := Merge(all, req.MaxResults)
	traversed := 0
	for _, e := range merged {
		traversed += e.Depth
	}

	result := Result{
		Entries:           merged,
		RealmCounts:       counts,
		Degraded:          len(failed) > 0,
		RelationshipsUsed: traversed,
		QueryTime:         time.Since(start),
	}
	for _, r := range realm.All {
		if failed[r] {
			result.Unavailable = append(result.Unavailable, r)
		}
	}

	s.cache.Set(key, cachedResult{actorID: req.Identity.ActorID, result: result}, s.cacheTTL)

	s.logger.Info("memory resolved",
		zap.String("actor", req.Identity.ActorID),
		zap.Int("entries", len(merged)),
		zap.Int("unavailable_realms", len(result.Unavailable)),
		zap.Duration("took", result.QueryTime))
	return &result, nil
}

// InvalidateActor drops every cached result resolved for the given actor id.
// The consolidation pipeline calls this after writing to the ACTOR realm.
func (s *Searcher) InvalidateActor(actorID string) {
	for key, item := range s.cache.Items() {
		if cached, ok := item.Object.(cachedResult); ok && cached.actorID == actorID {
			s.cache.Delete(key)
		}
	}
}

// scope is one concrete (realm, entity-id) search target.
type scope struct {
	realm    realm.Realm
	entityID string
}

// scopes expands the request into concrete search targets: one per singular
// realm, one per subscribed skill module.
func (req Request) scopes() []scope {
	var out []scope
	if req.Realms.Has(realm.Client) && req.Identity.ClientID != "" {
		out = append(out, scope{realm.Client, req.Identity.ClientID})
	}
	if req.Realms.Has(realm.Actor) && req.Identity.ActorID != "" {
		out = append(out, scope{realm.Actor, req.Identity.ActorID})
	}
	if req.Realms.Has(realm.ActorClass) && req.Identity.ActorClassID != "" {
		out = append(out, scope{realm.ActorClass, req.Identity.ActorClassID})
	}
	if req.Realms.Has(realm.SkillModule) {
		for _, id := range req.Identity.SkillModules {
			out = append(out, scope{realm.SkillModule, id})
		}
	}
	return out
}

// Merge groups entries by semantic key, keeps only the highest-authority
// entry per group, sorts survivors by relevance score, and truncates.
func Merge(entries []memclient.Entry, maxResults int) []memclient.Entry {
	byKey := make(map[string]memclient.Entry, len(entries))
	for _, e := range entries {
		key := e.SemanticKey()
		kept, exists := byKey[key]
		if !exists || e.Realm.Dominates(kept.Realm) {
			byKey[key] = e
			continue
		}
		// Same realm: keep the higher-scoring entry.
		if e.Realm == kept.Realm && e.Score > kept.Score {
			byKey[key] = e
		}
	}

	merged := make([]memclient.Entry, 0, len(byKey))
	for _, e := range byKey {
		merged = append(merged, e)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		if merged[i].Realm != merged[j].Realm {
			return merged[i].Realm.Dominates(merged[j].Realm)
		}
		return merged[i].SemanticKey() < merged[j].SemanticKey()
	})

	if maxResults > 0 && len(merged) > maxResults {
		merged = merged[:maxResults]
	}
	return merged
}
