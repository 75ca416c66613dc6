package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/veyra/mnemo/internal/engine"
	"github.com/veyra/mnemo/internal/session"
	"github.com/veyra/mnemo/internal/skill"
)

// ProviderHealth reports per-provider generation backend status.
// generate.Router satisfies it.
type ProviderHealth interface {
	Health(ctx context.Context) map[string]string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	engine    *engine.Engine
	modules   *skill.Registry
	providers ProviderHealth
	logger    *zap.Logger
}

// NewHandler creates a new API handler. providers may be nil when no
// generation backends are registered.
func NewHandler(eng *engine.Engine, modules *skill.Registry, providers ProviderHealth, logger *zap.Logger) *Handler {
	return &Handler{engine: eng, modules: modules, providers: providers, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Post("/chat", h.chat)
		r.Get("/sessions/{id}", h.getSession)
		r.Delete("/sessions/{id}", h.deleteSession)
		r.Post("/sessions/{id}/mode", h.switchMode)

		// Skill-module catalog and subscriptions
		r.Get("/modules", h.listModules)
		r.Get("/actors/{actorID}/modules", h.listSubscriptions)
		r.Put("/actors/{actorID}/modules/{moduleID}", h.subscribe)
		r.Delete("/actors/{actorID}/modules/{moduleID}", h.unsubscribe)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "ok"}
	if h.providers != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		body["providers"] = h.providers.Health(ctx)
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) chat(w http.ResponseWriter, r *http.Request) {
	var req engine.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}
	if req.Identity.ActorID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "identity.actor_id is required"})
		return
	}

	resp, err := h.engine.SubmitTurn(r.Context(), req)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}

	if resp.Stream != nil {
		h.writeSSE(w, r, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeSSE relays stream events to the client as server-sent events.
// Delivery stops when the client disconnects; the engine persists the
// partial turn on its own.
func (h *Handler) writeSSE(w http.ResponseWriter, r *http.Request, resp *engine.TurnResponse) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-resp.Stream.Events:
			if !ok {
				return
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := h.engine.GetSession(r.Context(), id)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.DeleteSession(r.Context(), id); err != nil {
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type modeSwitchRequest struct {
	Mode session.Mode `json:"mode"`
}

func (h *Handler) switchMode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req modeSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	previous, current, err := h.engine.SwitchMode(r.Context(), id, req.Mode)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id":    id,
		"previous_mode": string(previous),
		"current_mode":  string(current),
	})
}

func (h *Handler) listModules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.modules.All())
}

func (h *Handler) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"actor_id": actorID,
		"modules":  h.modules.Subscriptions(actorID),
	})
}

func (h *Handler) subscribe(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")
	moduleID := chi.URLParam(r, "moduleID")
	if !h.modules.Subscribe(actorID, moduleID) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "module not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "subscribed"})
}

func (h *Handler) unsubscribe(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")
	moduleID := chi.URLParam(r, "moduleID")
	h.modules.Unsubscribe(actorID, moduleID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed"})
}

// statusFor maps engine and session sentinels to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, engine.ErrInvalidMode):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrGenerationFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
