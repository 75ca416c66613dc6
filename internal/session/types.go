// Package session implements the context store: one authoritative, expiring
// record per conversation, mutated only under a per-session lock.
package session

import (
	"time"

	"github.com/veyra/mnemo/internal/realm"
	"github.com/veyra/mnemo/internal/search"
)

// Mode is the behavioral state governing how resolved memory is used.
type Mode string

const (
	// ModeTutor proactively guides learning and tracks progress.
	ModeTutor Mode = "tutor"
	// ModeAgent passively assists and follows CLIENT policy.
	ModeAgent Mode = "agent"
)

// ValidMode reports whether m is a known mode.
func ValidMode(m Mode) bool { return m == ModeTutor || m == ModeAgent }

// Understanding level bounds for tutor mode.
const (
	MinUnderstanding     = 1
	MaxUnderstanding     = 5
	DefaultUnderstanding = 3
)

// Turn is one message in the conversation history.
type Turn struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Partial   bool      `json:"partial,omitempty"` // stream was cancelled mid-delivery
	Timestamp time.Time `json:"timestamp"`
}

// MemoryRef records which resolved entries shaped a turn, with realm
// provenance, without duplicating their content into the session.
type MemoryRef struct {
	ID         string      `json:"id"`
	Realm      realm.Realm `json:"realm"`
	EntityName string      `json:"entity_name"`
}

// LearningProgress is the tutor-mode sub-state.
type LearningProgress struct {
	Topic string `json:"topic,omitempty"`
	Level int    `json:"level"`
	// Path holds learning objectives in order, most recent last, capped.
	Path []string `json:"path,omitempty"`
}

// ClampLevel keeps the understanding level inside its fixed range.
func ClampLevel(level int) int {
	if level < MinUnderstanding {
		return MinUnderstanding
	}
	if level > MaxUnderstanding {
		return MaxUnderstanding
	}
	return level
}

// TaskOutcome is the agent-mode sub-state: one completed task-shaped request
// buffered for consolidation into the ACTOR realm.
type TaskOutcome struct {
	Intent      string    `json:"intent"`
	Summary     string    `json:"summary"`
	CompletedAt time.Time `json:"completed_at"`
}

// Session is the durable state of one ongoing conversation. Exactly one
// authoritative copy exists; all writes go through Store.Mutate.
type Session struct {
	ID       string            `json:"id"`
	Identity search.Identity   `json:"identity"`
	Mode     Mode              `json:"mode"`
	History  []Turn            `json:"history,omitempty"`
	Memory   []MemoryRef       `json:"memory,omitempty"`
	Learning *LearningProgress `json:"learning,omitempty"`
	Outcomes []TaskOutcome     `json:"outcomes,omitempty"`

	MessageCount int               `json:"message_count"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// AppendTurn adds a turn to the history and bumps the message counter.
func (s *Session) AppendTurn(t Turn) {
	s.History = append(s.History, t)
	s.MessageCount++
}

// RecentHistory returns up to n most recent turns, oldest first.
func (s *Session) RecentHistory(n int) []Turn {
	if n <= 0 || len(s.History) <= n {
		return s.History
	}
	return s.History[len(s.History)-n:]
}
