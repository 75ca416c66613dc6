package mode

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/veyra/mnemo/internal/generate"
	"github.com/veyra/mnemo/internal/memclient"
	"github.com/veyra/mnemo/internal/realm"
	"github.com/veyra/mnemo/internal/search"
	"github.com/veyra/mnemo/internal/session"
)

// AgentProcessor is the passive helper: it answers only what was asked,
// follows procedures found in memory, and treats CLIENT policy as a hard
// override on response framing.
type AgentProcessor struct{}

func (AgentProcessor) Mode() session.Mode { return session.ModeAgent }

// Intent is a keyword-level reading of what the user wants.
type Intent struct {
	TaskType string   `json:"task_type"` // procedure, troubleshooting, information, creation, search, general
	Action   string   `json:"action,omitempty"`
	Entities []string `json:"entities,omitempty"`
}

var quotedRe = regexp.MustCompile(`"([^"]+)"`)

var taskTypeKeywords = []struct {
	taskType string
	words    []string
}{
	{"procedure", []string{"how to", "how do i", "steps to"}},
	{"troubleshooting", []string{"fix", "error", "problem", "issue"}},
	{"information", []string{"what is", "explain", "definition"}},
	{"creation", []string{"create", "make", "build", "generate"}},
	{"search", []string{"find", "search", "locate", "where"}},
}

var actionVerbs = []string{"create", "update", "delete", "find", "fix", "explain", "show", "list"}

// AnalyzeIntent classifies a message by keyword matching.
func AnalyzeIntent(message string) Intent {
	lower := strings.ToLower(message)
	intent := Intent{TaskType: "general"}

	for _, tt := range taskTypeKeywords {
		for _, w := range tt.words {
			if strings.Contains(lower, w) {
				intent.TaskType = tt.taskType
				break
			}
		}
		if intent.TaskType != "general" {
			break
		}
	}

	for _, verb := range actionVerbs {
		if strings.Contains(lower, verb) {
			intent.Action = verb
			break
		}
	}

	for _, m := range quotedRe.FindAllStringSubmatch(message, -1) {
		intent.Entities = append(intent.Entities, m[1])
	}
	return intent
}

// PlanSearch biases resolution toward procedures and policy. SKILL_MODULE
// holds the procedures and CLIENT holds the policy, so both are always
// included; the task type sharpens the anchor query.
func (AgentProcessor) PlanSearch(sess *session.Session, message string) search.Request {
	query := message
	switch AnalyzeIntent(message).TaskType {
	case "procedure":
		query = "procedure SOP steps: " + message
	case "troubleshooting":
		query = "troubleshooting fix solution: " + message
	}
	return search.Request{
		Query:    query,
		Identity: sess.Identity,
		Realms:   realm.AllSet(),
	}
}

func (p AgentProcessor) BuildPrompt(sess *session.Session, message string, res *search.Result) *generate.Request {
	intent := AnalyzeIntent(message)
	procedures := extractProcedures(res)
	policies := res.Policies()

	var b strings.Builder
	b.WriteString("You are a precise assistant. Answer only what was asked, ")
	b.WriteString("directly and without speculation.\n\n")

	switch {
	case intent.TaskType == "procedure" && len(procedures) > 0:
		b.WriteString("Follow these procedures exactly:\n")
		b.WriteString(procedureContext(procedures))
	case intent.TaskType == "troubleshooting":
		b.WriteString("Available solutions:\n")
		b.WriteString(procedureContext(procedures))
	default:
		b.WriteString("Relevant information:\n")
		b.WriteString(memoryContext(res.Entries, 5))
	}

	if len(policies) > 0 {
		// CLIENT policy overrides everything else regardless of score.
		b.WriteString("\nThe following client policies are mandatory and override any ")
		b.WriteString("conflicting guidance above:\n")
		b.WriteString(policyContext(policies))
	}

	msgs := []generate.Message{{Role: "system", Content: b.String()}}
	msgs = append(msgs, historyMessages(sess)...)
	msgs = append(msgs, generate.Message{Role: "user", Content: message})
	return &generate.Request{Messages: msgs}
}

func (p AgentProcessor) Finalize(sess *session.Session, message string, res *search.Result, response string) ([]Event, *TurnMeta) {
	intent := AnalyzeIntent(message)
	policies := res.Policies()

	meta := &TurnMeta{
		Mode:   session.ModeAgent,
		Intent: &intent,
	}
	for _, p := range policies {
		meta.PoliciesApplied = append(meta.PoliciesApplied, p.EntityName)
	}

	var events []Event
	if taskShaped(intent.TaskType) {
		events = append(events, Event{
			Kind: EventTaskCompleted,
			Outcome: session.TaskOutcome{
				Intent:      intent.TaskType,
				Summary:     taskSummary(intent, message),
				CompletedAt: time.Now().UTC(),
			},
		})
	}
	return events, meta
}

// taskShaped reports whether a request produces an outcome worth
// consolidating into the ACTOR realm. Plain lookups do not.
func taskShaped(taskType string) bool {
	switch taskType {
	case "procedure", "troubleshooting", "creation", "search":
		return true
	}
	return false
}

func taskSummary(intent Intent, message string) string {
	action := intent.Action
	if action == "" {
		action = "responded"
	}
	summary := fmt.Sprintf("%s: %s", action, message)
	if len(summary) > 200 {
		summary = summary[:200]
	}
	return summary
}

// extractProcedures keeps entries whose fact kind marks them as
// step-by-step content.
func extractProcedures(res *search.Result) []memclient.Entry {
	var out []memclient.Entry
	for _, e := range res.Entries {
		kind := strings.ToLower(e.Kind)
		if strings.Contains(kind, "procedure") || strings.Contains(kind, "sop") ||
			strings.Contains(kind, "guide") || strings.Contains(kind, "steps") {
			out = append(out, e)
		}
	}
	return out
}

func procedureContext(procedures []memclient.Entry) string {
	if len(procedures) == 0 {
		return "No specific procedures found.\n"
	}
	if len(procedures) > 3 {
		procedures = procedures[:3]
	}
	var b strings.Builder
	for _, p := range procedures {
		fmt.Fprintf(&b, "\nProcedure: %s\n%s\n", p.EntityName, p.Content)
	}
	return b.String()
}

func policyContext(policies []memclient.Entry) string {
	var b strings.Builder
	for _, p := range policies {
		fmt.Fprintf(&b, "\nPolicy: %s\n  %s\n", p.EntityName, p.Content)
	}
	return b.String()
}
