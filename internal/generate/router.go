package generate

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Router manages multiple generation providers and routes requests.
// Bindings are keyed by conversation mode so tutor and agent sessions
// can run against different backends.
type Router struct {
	providers map[string]Provider
	bindings  map[string]string   // mode -> providerID
	fallbacks map[string][]string // mode -> fallback provider chain
	defaults  string              // default provider ID
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates a new provider router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		bindings:  make(map[string]string),
		fallbacks: make(map[string][]string),
		logger:    logger,
	}
}

// NewProvider builds a provider from its config.
func NewProvider(cfg Config, logger *zap.Logger) (Provider, error) {
	switch cfg.Type {
	case "anthropic":
		return NewAnthropicProvider(cfg, logger), nil
	case "openai", "":
		return NewOpenAIProvider(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

// Register adds a provider to the router.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// SetDefault sets the default provider.
func (r *Router) SetDefault(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = providerID
}

// Bind associates a conversation mode with a specific provider.
func (r *Router) Bind(mode, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[mode] = providerID
}

// SetFallbacks configures fallback providers for a mode.
func (r *Router) SetFallbacks(mode string, providerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[mode] = providerIDs
}

// Route sends a generation request through the appropriate provider,
// trying fallbacks in order when the primary fails.
func (r *Router) Route(ctx context.Context, mode string, req *Request) (*Response, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	primary := r.getProvider(mode)
	if primary == nil {
		return nil, fmt.Errorf("no provider available for mode %s", mode)
	}

	resp, err := primary.Generate(ctx, req)
	if err == nil {
		return resp, nil
	}
	r.logger.Warn("primary provider failed, trying fallbacks",
		zap.String("mode", mode), zap.Error(err))

	for _, fbID := range r.fallbacks[mode] {
		fb, ok := r.providers[fbID]
		if !ok {
			continue
		}
		resp, err = fb.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		r.logger.Warn("fallback provider failed", zap.String("provider", fbID), zap.Error(err))
	}

	return nil, fmt.Errorf("all providers failed for mode %s: %w", mode, err)
}

// RouteStream sends a streaming generation request.
func (r *Router) RouteStream(ctx context.Context, mode string, req *Request) (<-chan *Chunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	primary := r.getProvider(mode)
	if primary == nil {
		return nil, fmt.Errorf("no provider available for mode %s", mode)
	}
	return primary.GenerateStream(ctx, req)
}

func (r *Router) getProvider(mode string) Provider {
	if pid, ok := r.bindings[mode]; ok {
		if p, ok := r.providers[pid]; ok {
			return p
		}
	}
	if p, ok := r.providers[r.defaults]; ok {
		return p
	}
	return nil
}

// GetProvider returns a provider by ID.
func (r *Router) GetProvider(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// Health pings every registered provider and reports per-provider
// status: "ok" or the failure message.
func (r *Router) Health(ctx context.Context) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.providers))
	for id, p := range r.providers {
		if err := p.HealthCheck(ctx); err != nil {
			out[id] = err.Error()
			continue
		}
		out[id] = "ok"
	}
	return out
}

// ListProviders returns all registered providers.
func (r *Router) ListProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	return result
}
