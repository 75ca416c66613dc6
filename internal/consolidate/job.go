// Package consolidate folds finished conversation slices back into the
// ACTOR realm as durable facts, asynchronously and with tracked retry
// state so no outcome is silently dropped.
package consolidate

import (
	"time"

	"github.com/veyra/mnemo/internal/session"
)

// Status tracks a job through its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	// StatusFailedPermanent means the retry ceiling was exhausted. The
	// job stays persisted for manual replay; it is never deleted by the
	// pipeline itself.
	StatusFailedPermanent Status = "failed_permanent"
)

// Trigger records why a job was submitted.
type Trigger string

const (
	// TriggerWindow fires at the end of a bounded message-count window.
	TriggerWindow Trigger = "message_window"
	// TriggerDeletion fires on explicit session deletion.
	TriggerDeletion Trigger = "session_deleted"
	// TriggerExpiry fires on a session TTL expiry notification.
	TriggerExpiry Trigger = "session_expired"
)

// Job is one consolidation unit: a slice of recent conversation plus the
// buffered task outcomes, bound for the ACTOR realm.
type Job struct {
	ID        string                `json:"id"`
	SessionID string                `json:"session_id"`
	ActorID   string                `json:"actor_id"`
	Trigger   Trigger               `json:"trigger"`
	Turns     []session.Turn        `json:"turns,omitempty"`
	Outcomes  []session.TaskOutcome `json:"outcomes,omitempty"`

	Status    Status    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
