package skill

import (
	"sort"
	"sync"
)

// Registry holds the module catalog and actor subscriptions.
// All operations are thread-safe.
type Registry struct {
	mu            sync.RWMutex
	modules       map[string]*Module
	subscriptions map[string][]string // actorID -> moduleIDs
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{
		modules:       make(map[string]*Module),
		subscriptions: make(map[string][]string),
	}
}

// Add registers a module in the catalog.
func (r *Registry) Add(m *Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[m.ID] = m
}

// Get returns a module by ID, or nil if not found.
func (r *Registry) Get(id string) *Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.modules[id]
}

// All returns every module in the catalog, sorted by ID.
func (r *Registry) All() []*Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Module, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Subscribe adds a module subscription for an actor. Unknown modules and
// duplicate subscriptions are ignored.
func (r *Registry) Subscribe(actorID, moduleID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[moduleID]; !ok {
		return false
	}
	for _, id := range r.subscriptions[actorID] {
		if id == moduleID {
			return true
		}
	}
	r.subscriptions[actorID] = append(r.subscriptions[actorID], moduleID)
	return true
}

// Unsubscribe removes a module subscription from an actor.
func (r *Registry) Unsubscribe(actorID, moduleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.subscriptions[actorID]
	for i, id := range ids {
		if id == moduleID {
			r.subscriptions[actorID] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

// Subscriptions returns the module ids an actor is subscribed to, in
// subscription order.
func (r *Registry) Subscriptions(actorID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.subscriptions[actorID]...)
}
