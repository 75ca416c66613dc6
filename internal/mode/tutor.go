package mode

import (
	"fmt"
	"strings"

	"github.com/veyra/mnemo/internal/generate"
	"github.com/veyra/mnemo/internal/realm"
	"github.com/veyra/mnemo/internal/search"
	"github.com/veyra/mnemo/internal/session"
)

// TutorProcessor proactively guides learning: it keeps a topic and an
// understanding level on the session and sizes responses to that level.
type TutorProcessor struct{}

func (TutorProcessor) Mode() session.Mode { return session.ModeTutor }

var levelGuidance = map[int]string{
	1: "Explain in very simple terms with basic examples",
	2: "Explain clearly with simple examples",
	3: "Provide balanced explanation with examples",
	4: "Include more detail and connections",
	5: "Provide advanced explanation with nuances",
}

// PlanSearch biases resolution toward educational content. All realms
// stay included so CLIENT precedence is preserved; the bias is carried
// in the anchor query.
func (TutorProcessor) PlanSearch(sess *session.Session, message string) search.Request {
	query := message
	if sess.Learning != nil && sess.Learning.Topic != "" {
		query = fmt.Sprintf("%s tutorial guide: %s", sess.Learning.Topic, message)
	}
	return search.Request{
		Query:    query,
		Identity: sess.Identity,
		Realms:   realm.AllSet(),
	}
}

func (p TutorProcessor) BuildPrompt(sess *session.Session, message string, res *search.Result) *generate.Request {
	level := session.DefaultUnderstanding
	topic := ""
	if sess.Learning != nil {
		level = session.ClampLevel(sess.Learning.Level)
		topic = sess.Learning.Topic
	}

	var system string
	if topic == "" {
		// No topic yet: the first obligation is to elicit one, not to
		// answer substantively.
		system = "You are a helpful tutor. The user has not chosen a learning topic yet. " +
			"Do not answer their message substantively. Instead, ask what they would " +
			"like to learn and offer two or three concrete suggestions based on the " +
			"available knowledge below.\n\nAvailable knowledge:\n" +
			memoryContext(res.Entries, 5)
	} else {
		objective := deriveObjective(message, topic, res)
		system = fmt.Sprintf(`You are a helpful tutor. The learning objective is: %s

User understanding level: %d/5
Guidance: %s

Available knowledge from memory:
%s

Provide a response that addresses the question at the appropriate level, builds on the user's current understanding, uses examples from the knowledge above when relevant, and encourages further exploration.`,
			objective, level, levelGuidance[level], memoryContext(res.Entries, 5))
	}

	msgs := []generate.Message{{Role: "system", Content: system}}
	msgs = append(msgs, historyMessages(sess)...)
	msgs = append(msgs, generate.Message{Role: "user", Content: message})
	return &generate.Request{Messages: msgs}
}

func (p TutorProcessor) Finalize(sess *session.Session, message string, res *search.Result, response string) ([]Event, *TurnMeta) {
	var events []Event

	topic := ""
	level := session.DefaultUnderstanding
	if sess.Learning != nil {
		topic = sess.Learning.Topic
		level = session.ClampLevel(sess.Learning.Level)
	}

	if topic == "" {
		if detected, ok := detectTopic(message); ok {
			topic = detected
			events = append(events, Event{
				Kind:      EventTopicSet,
				Topic:     detected,
				Objective: deriveObjective(message, detected, res),
			})
		}
	} else if ev, ok := SignalEvent(Assess(message)); ok {
		events = append(events, ev)
	}

	meta := &TurnMeta{
		Mode:               session.ModeTutor,
		UnderstandingLevel: level,
	}
	if topic != "" {
		meta.LearningObjective = deriveObjective(message, topic, res)
		meta.FollowUpQuestions = followUpQuestions(meta.LearningObjective, level, res)
		meta.SuggestedTopics = suggestedTopics(topic, res, level)
	}
	return events, meta
}

// objectivePrefixes map question openers to objective templates.
var objectivePrefixes = []struct {
	prefix   string
	template string
}{
	{"how do i ", "Learn to %s"},
	{"how to ", "Learn to %s"},
	{"what is ", "Understand %s"},
	{"why ", "Understand reasoning behind %s"},
	{"when should ", "Learn when to apply %s"},
}

func deriveObjective(message, topic string, res *search.Result) string {
	lower := strings.ToLower(strings.TrimSpace(message))
	for _, op := range objectivePrefixes {
		if strings.HasPrefix(lower, op.prefix) {
			rest := strings.Trim(strings.TrimSpace(message)[len(op.prefix):], "?!. ")
			if rest != "" {
				return fmt.Sprintf(op.template, rest)
			}
		}
	}
	if topic != "" {
		return "Deepen understanding of " + topic
	}
	if res != nil && len(res.Entries) > 0 {
		names := make([]string, 0, 3)
		for _, e := range res.Entries {
			names = append(names, e.EntityName)
			if len(names) == 3 {
				break
			}
		}
		return "Learn about " + strings.Join(names, ", ")
	}
	return "Explore the topic"
}

// topicPrefixes are openers that state a learning goal. A greeting like
// "hi" matches none of them, so the session stays topic-less and the
// tutor keeps eliciting.
var topicPrefixes = []string{
	"i want to learn about ",
	"i want to learn ",
	"teach me about ",
	"teach me ",
	"learn about ",
	"how do i ",
	"how to ",
	"what is ",
	"explain ",
}

func detectTopic(message string) (string, bool) {
	lower := strings.ToLower(strings.TrimSpace(message))
	for _, p := range topicPrefixes {
		if strings.HasPrefix(lower, p) {
			topic := strings.Trim(lower[len(p):], "?!. ")
			if topic != "" {
				return topic, true
			}
		}
	}
	return "", false
}

func followUpQuestions(objective string, level int, res *search.Result) []string {
	var questions []string
	switch {
	case level <= 2:
		questions = []string{
			fmt.Sprintf("Would you like a simpler explanation of %s?", objective),
			"What part would you like me to clarify?",
			"Shall we go through an example together?",
		}
	case level == 3:
		questions = []string{
			fmt.Sprintf("How do you think this applies to your work: %s?", objective),
			"What aspects interest you most?",
			"Would you like to explore a related concept?",
		}
	default:
		questions = []string{
			fmt.Sprintf("What are your thoughts on alternative approaches to %s?", objective),
			"How does this connect with your existing knowledge?",
			"What advanced aspects would you like to explore?",
		}
	}
	if res != nil && len(res.Entries) > 0 {
		questions = append(questions, fmt.Sprintf("Would you like to dive deeper into %s?", res.Entries[0].EntityName))
	}
	if len(questions) > 3 {
		questions = questions[:3]
	}
	return questions
}

// suggestedTopics pulls related topics out of entry metadata, adding a
// natural progression once the user is past the midpoint level.
func suggestedTopics(current string, res *search.Result, level int) []string {
	var raw []string
	if res != nil {
		for i, e := range res.Entries {
			if i == 10 {
				break
			}
			if related, ok := e.Metadata["related_topics"]; ok {
				for _, t := range strings.Split(related, ",") {
					if t = strings.TrimSpace(t); t != "" {
						raw = append(raw, t)
					}
				}
			}
		}
	}
	if current != "" && level >= 3 {
		raw = append(raw, "Advanced "+current)
	}

	seen := make(map[string]bool)
	var out []string
	for _, t := range raw {
		if t == current || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
		if len(out) == 5 {
			break
		}
	}
	return out
}
