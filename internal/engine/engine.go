// Package engine orchestrates one conversation turn end to end: load or
// create the session, resolve memory with realm precedence, run the mode
// processor, generate or stream the response, persist the turn, and fire
// consolidation at window boundaries.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veyra/mnemo/internal/consolidate"
	"github.com/veyra/mnemo/internal/generate"
	"github.com/veyra/mnemo/internal/mode"
	"github.com/veyra/mnemo/internal/search"
	"github.com/veyra/mnemo/internal/session"
	"github.com/veyra/mnemo/internal/stream"
)

// ErrGenerationFailed means the generation collaborator itself was
// unavailable; this is the only condition under which a turn yields no
// answer at all.
var ErrGenerationFailed = errors.New("generation failed")

// ErrInvalidMode is returned for an unknown mode name.
var ErrInvalidMode = errors.New("invalid mode")

// defaultConsolidationWindow is the message count between automatic
// consolidation submissions.
const defaultConsolidationWindow = 20

// memoryRefLimit caps how many resolved entries are recorded per turn.
const memoryRefLimit = 10

// Resolver resolves memory with realm precedence. search.Searcher
// satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, req search.Request) (*search.Result, error)
}

// Generator routes generation requests. generate.Router satisfies it.
type Generator interface {
	Route(ctx context.Context, m string, req *generate.Request) (*generate.Response, error)
	RouteStream(ctx context.Context, m string, req *generate.Request) (<-chan *generate.Chunk, error)
}

// Consolidator accepts fire-and-forget consolidation jobs.
// consolidate.Pool satisfies it.
type Consolidator interface {
	Submit(ctx context.Context, job *consolidate.Job) error
}

// Engine is the conversation orchestrator.
type Engine struct {
	sessions     *session.Store
	resolver     Resolver
	generator    Generator
	pipeline     *stream.Pipeline
	consolidator Consolidator
	logger       *zap.Logger
	window       int
}

// Option configures an Engine.
type Option func(*Engine)

// WithConsolidationWindow overrides the message-count window.
func WithConsolidationWindow(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.window = n
		}
	}
}

// New creates an Engine.
func New(sessions *session.Store, resolver Resolver, generator Generator,
	pipeline *stream.Pipeline, consolidator Consolidator, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		sessions:     sessions,
		resolver:     resolver,
		generator:    generator,
		pipeline:     pipeline,
		consolidator: consolidator,
		logger:       logger,
		window:       defaultConsolidationWindow,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// TurnRequest is one inbound user message.
type TurnRequest struct {
	SessionID string          `json:"session_id,omitempty"`
	Identity  search.Identity `json:"identity"`
	Message   string          `json:"message"`
	Mode      session.Mode    `json:"mode,omitempty"` // initial mode on session creation
	Stream    bool            `json:"stream,omitempty"`
}

// TurnResponse carries either a complete response or a live stream.
type TurnResponse struct {
	SessionID string         `json:"session_id"`
	Response  string         `json:"response,omitempty"`
	Meta      *mode.TurnMeta `json:"meta,omitempty"`
	Memory    MemorySummary  `json:"memory"`

	// Stream is non-nil when the caller asked for streaming delivery.
	Stream *stream.Stream `json:"-"`
}

// MemorySummary is the caller-visible account of memory resolution.
type MemorySummary struct {
	Degraded          bool           `json:"degraded"`
	Unavailable       []string       `json:"unavailable_realms,omitempty"`
	RealmCounts       map[string]int `json:"realm_counts,omitempty"`
	EntriesUsed       int            `json:"entries_used"`
	RelationshipsUsed int            `json:"relationships_traversed"`
	QueryTime         time.Duration  `json:"query_time"`
	FromCache         bool           `json:"from_cache"`
}

func summarize(res *search.Result) MemorySummary {
	sum := MemorySummary{
		Degraded:          res.Degraded,
		RealmCounts:       res.RealmCounts,
		EntriesUsed:       len(res.Entries),
		RelationshipsUsed: res.RelationshipsUsed,
		QueryTime:         res.QueryTime,
		FromCache:         res.FromCache,
	}
	for _, r := range res.Unavailable {
		sum.Unavailable = append(sum.Unavailable, r.String())
	}
	return sum
}

// SubmitTurn processes one user message. Memory degradation never fails
// the turn; only a generation-collaborator failure does.
func (e *Engine) SubmitTurn(ctx context.Context, req TurnRequest) (*TurnResponse, error) {
	sess, err := e.loadOrCreate(ctx, req)
	if err != nil {
		return nil, err
	}

	proc, err := mode.ForMode(sess.Mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, sess.Mode)
	}

	res := e.resolve(ctx, proc, sess, req.Message)
	prompt := proc.BuildPrompt(sess, req.Message, res)

	if req.Stream {
		return e.streamTurn(ctx, sess, proc, req.Message, res, prompt)
	}

	resp, err := e.generator.Route(ctx, string(sess.Mode), prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	events, meta := proc.Finalize(sess, req.Message, res, resp.Content)
	if err := e.persistTurn(ctx, sess.ID, req.Message, resp.Content, false, events, res); err != nil {
		return nil, err
	}

	return &TurnResponse{
		SessionID: sess.ID,
		Response:  resp.Content,
		Meta:      meta,
		Memory:    summarize(res),
	}, nil
}

// resolve runs memory resolution, absorbing total memory failure into a
// fully-degraded empty result so the turn proceeds on history alone.
func (e *Engine) resolve(ctx context.Context, proc mode.Processor, sess *session.Session, message string) *search.Result {
	searchReq := proc.PlanSearch(sess, message)
	res, err := e.resolver.Resolve(ctx, searchReq)
	if err != nil {
		e.logger.Warn("memory resolution failed, degrading to history-only",
			zap.String("session", sess.ID), zap.Error(err))
		return &search.Result{
			Degraded:    true,
			Unavailable: searchReq.Realms.Realms(),
		}
	}
	return res
}

// streamTurn starts streamed delivery. The turn is persisted after the
// stream settles, partial or not, so history stays consistent even when
// the consumer disconnects. If streaming cannot start at all, it falls
// back to one complete non-streamed response.
func (e *Engine) streamTurn(ctx context.Context, sess *session.Session, proc mode.Processor,
	message string, res *search.Result, prompt *generate.Request) (*TurnResponse, error) {

	_, meta := proc.Finalize(sess, message, res, "")

	src, err := e.generator.RouteStream(ctx, string(sess.Mode), prompt)
	if err != nil {
		e.logger.Warn("stream start failed, falling back to non-streamed response",
			zap.String("session", sess.ID), zap.Error(err))
		resp, gerr := e.generator.Route(ctx, string(sess.Mode), prompt)
		if gerr != nil {
			return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, gerr)
		}
		events, meta := proc.Finalize(sess, message, res, resp.Content)
		if perr := e.persistTurn(ctx, sess.ID, message, resp.Content, false, events, res); perr != nil {
			return nil, perr
		}
		return &TurnResponse{SessionID: sess.ID, Response: resp.Content, Meta: meta, Memory: summarize(res)}, nil
	}

	metadata := struct {
		SessionID string         `json:"session_id"`
		Mode      session.Mode   `json:"mode"`
		Meta      *mode.TurnMeta `json:"meta,omitempty"`
		Memory    MemorySummary  `json:"memory"`
		Timestamp time.Time      `json:"timestamp"`
	}{sess.ID, sess.Mode, meta, summarize(res), time.Now().UTC()}

	s := e.pipeline.Run(ctx, metadata, meta, src)

	// Persist once the stream settles. The consumer's disconnect cancels
	// delivery, not persistence, so use a fresh context here.
	go func() {
		out := s.Outcome()
		partial := !out.Completed
		events, _ := proc.Finalize(sess, message, res, out.Text)
		pctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.persistTurn(pctx, sess.ID, message, out.Text, partial, events, res); err != nil {
			e.logger.Error("persist streamed turn failed",
				zap.String("session", sess.ID), zap.Bool("partial", partial), zap.Error(err))
		}
	}()

	return &TurnResponse{
		SessionID: sess.ID,
		Meta:      meta,
		Memory:    summarize(res),
		Stream:    s,
	}, nil
}

func (e *Engine) loadOrCreate(ctx context.Context, req TurnRequest) (*session.Session, error) {
	if req.SessionID != "" {
		sess, err := e.sessions.Load(ctx, req.SessionID)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, session.ErrNotFound) {
			return nil, err
		}
	}

	m := req.Mode
	if m == "" {
		m = session.ModeAgent
	}
	if !session.ValidMode(m) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, m)
	}
	sess := &session.Session{
		ID:       req.SessionID,
		Identity: req.Identity,
		Mode:     m,
	}
	if m == session.ModeTutor {
		sess.Learning = &session.LearningProgress{Level: session.DefaultUnderstanding}
	}
	created, err := e.sessions.Create(ctx, sess)
	if err != nil {
		if errors.Is(err, session.ErrExists) {
			return e.sessions.Load(ctx, sess.ID)
		}
		return nil, err
	}
	e.logger.Info("session created",
		zap.String("session", created.ID),
		zap.String("mode", string(created.Mode)),
		zap.String("actor", created.Identity.ActorID))
	return created, nil
}

// persistTurn appends the user and assistant turns, applies state-machine
// events, records memory provenance, and fires consolidation when the
// message window closes. All of it happens inside one Mutate.
func (e *Engine) persistTurn(ctx context.Context, sessionID, message, response string,
	partial bool, events []mode.Event, res *search.Result) error {

	var windowClosed bool
	var snapshot *session.Session

	_, err := e.sessions.Mutate(ctx, sessionID, func(sess *session.Session) error {
		now := time.Now().UTC()
		sess.AppendTurn(session.Turn{
			ID: uuid.New().String(), Role: "user", Content: message, Timestamp: now,
		})
		sess.AppendTurn(session.Turn{
			ID: uuid.New().String(), Role: "assistant", Content: response,
			Partial: partial, Timestamp: now,
		})

		st := mode.StateOf(sess)
		for _, ev := range events {
			st, _ = mode.Transition(st, ev)
		}
		st.ApplyTo(sess)

		for i, entry := range res.Entries {
			if i == memoryRefLimit {
				break
			}
			sess.Memory = append(sess.Memory, session.MemoryRef{
				ID: entry.ID, Realm: entry.Realm, EntityName: entry.EntityName,
			})
		}
		if len(sess.Memory) > memoryRefLimit {
			sess.Memory = sess.Memory[len(sess.Memory)-memoryRefLimit:]
		}

		if sess.MessageCount%e.window == 0 {
			windowClosed = true
			snapshot = sess
		}
		return nil
	})
	if err != nil {
		return err
	}

	if windowClosed && e.consolidator != nil {
		e.submitConsolidation(ctx, snapshot, consolidate.TriggerWindow)
	}
	return nil
}

// submitConsolidation fires a consolidation job; failures are logged,
// never surfaced to the turn.
func (e *Engine) submitConsolidation(ctx context.Context, sess *session.Session, trigger consolidate.Trigger) {
	job := &consolidate.Job{
		SessionID: sess.ID,
		ActorID:   sess.Identity.ActorID,
		Trigger:   trigger,
		Turns:     sess.RecentHistory(e.window),
		Outcomes:  sess.Outcomes,
	}
	if err := e.consolidator.Submit(ctx, job); err != nil {
		e.logger.Error("consolidation submit failed",
			zap.String("session", sess.ID),
			zap.String("trigger", string(trigger)),
			zap.Error(err))
	}
}

// HandleExpiry consolidates what remained of a session when its TTL
// lapsed. The store's expiry listener invokes it with the session's
// last snapshot.
func (e *Engine) HandleExpiry(ctx context.Context, sess *session.Session) {
	if e.consolidator == nil {
		return
	}
	e.submitConsolidation(ctx, sess, consolidate.TriggerExpiry)
}

// SwitchMode atomically transitions a session's mode, clearing exactly
// the departing mode's sub-state.
func (e *Engine) SwitchMode(ctx context.Context, sessionID string, newMode session.Mode) (session.Mode, session.Mode, error) {
	if !session.ValidMode(newMode) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidMode, newMode)
	}
	var previous session.Mode
	_, err := e.sessions.Mutate(ctx, sessionID, func(sess *session.Session) error {
		previous = sess.Mode
		st, effects := mode.Transition(mode.StateOf(sess), mode.Event{Kind: mode.EventSwitch, To: newMode})
		st.ApplyTo(sess)
		if len(effects) > 0 {
			e.logger.Info("mode switched",
				zap.String("session", sess.ID),
				zap.String("from", string(previous)),
				zap.String("to", string(newMode)))
		}
		return nil
	})
	if err != nil {
		return "", "", err
	}
	return previous, newMode, nil
}

// GetSession returns the current session state.
func (e *Engine) GetSession(ctx context.Context, sessionID string) (*session.Session, error) {
	return e.sessions.Load(ctx, sessionID)
}

// DeleteSession removes a session, consolidating its remaining history
// and outcomes first so nothing durable is lost.
func (e *Engine) DeleteSession(ctx context.Context, sessionID string) error {
	sess, err := e.sessions.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	if e.consolidator != nil {
		e.submitConsolidation(ctx, sess, consolidate.TriggerDeletion)
	}
	return e.sessions.Delete(ctx, sessionID)
}
