package mode

import (
	"fmt"
	"strings"

	"github.com/veyra/mnemo/internal/generate"
	"github.com/veyra/mnemo/internal/memclient"
	"github.com/veyra/mnemo/internal/search"
	"github.com/veyra/mnemo/internal/session"
)

// historyWindow is how many recent turns are replayed into the prompt.
const historyWindow = 10

// Processor shapes one turn for a behavioral mode: which memory to
// resolve, how to frame the generation request, and what the finished
// turn means for session state.
type Processor interface {
	Mode() session.Mode
	// PlanSearch builds the memory resolution request for a user message.
	PlanSearch(sess *session.Session, message string) search.Request
	// BuildPrompt turns the message, history, and resolved memory into a
	// generation request.
	BuildPrompt(sess *session.Session, message string, res *search.Result) *generate.Request
	// Finalize inspects the finished turn and returns the state-machine
	// events to apply plus caller-visible turn metadata.
	Finalize(sess *session.Session, message string, res *search.Result, response string) ([]Event, *TurnMeta)
}

// TurnMeta is the mode-specific metadata attached to a turn response.
type TurnMeta struct {
	Mode               session.Mode `json:"mode"`
	LearningObjective  string       `json:"learning_objective,omitempty"`
	UnderstandingLevel int          `json:"understanding_level,omitempty"`
	FollowUpQuestions  []string     `json:"follow_up_questions,omitempty"`
	SuggestedTopics    []string     `json:"suggested_topics,omitempty"`
	Intent             *Intent      `json:"intent,omitempty"`
	PoliciesApplied    []string     `json:"policies_applied,omitempty"`
}

// ForMode returns the processor for a session mode.
func ForMode(m session.Mode) (Processor, error) {
	switch m {
	case session.ModeTutor:
		return &TutorProcessor{}, nil
	case session.ModeAgent:
		return &AgentProcessor{}, nil
	}
	return nil, fmt.Errorf("no processor for mode %q", m)
}

// memoryContext flattens resolved entries into prompt text, highest
// authority first (the entries already arrive merged and ordered).
func memoryContext(entries []memclient.Entry, limit int) string {
	if len(entries) == 0 {
		return "No specific knowledge available."
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", e.Realm, e.EntityName, e.Content)
	}
	return b.String()
}

// historyMessages replays recent turns as chat messages.
func historyMessages(sess *session.Session) []generate.Message {
	turns := sess.RecentHistory(historyWindow)
	msgs := make([]generate.Message, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, generate.Message{Role: t.Role, Content: t.Content})
	}
	return msgs
}
