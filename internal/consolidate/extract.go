package consolidate

import (
	"strings"
	"time"

	"github.com/veyra/mnemo/internal/memclient"
)

// preferencePrefixes mark user statements worth keeping beyond the
// session. The remainder of the statement becomes the fact's entity
// name, so restating the same preference maps to the same semantic key.
var preferencePrefixes = []struct {
	prefix string
	kind   string
}{
	{"i prefer ", "preference"},
	{"i like ", "preference"},
	{"i always ", "preference"},
	{"i never ", "preference"},
	{"i use ", "preference"},
	{"my name is ", "identity"},
	{"call me ", "identity"},
	{"i work ", "identity"},
}

const maxEntityWords = 6

// ExtractFacts derives durable facts from a job's conversation slice and
// task outcomes. It is deterministic: the same input always produces the
// same facts, which combined with semantically-keyed upserts makes
// resubmission idempotent.
func ExtractFacts(job *Job) []memclient.Fact {
	var facts []memclient.Fact

	for _, turn := range job.Turns {
		if turn.Role != "user" || turn.Partial {
			continue
		}
		for _, sentence := range splitSentences(turn.Content) {
			lower := strings.ToLower(strings.TrimSpace(sentence))
			for _, pp := range preferencePrefixes {
				if !strings.HasPrefix(lower, pp.prefix) {
					continue
				}
				rest := strings.Trim(lower[len(pp.prefix):], " .!?")
				if rest == "" {
					continue
				}
				facts = append(facts, memclient.Fact{
					EntityName: entityName(pp.prefix + rest),
					Kind:       pp.kind,
					Content:    strings.TrimSpace(sentence),
					SourceID:   job.SessionID,
					Confidence: 0.7,
					ObservedAt: turn.Timestamp,
				})
				break
			}
		}
	}

	for _, out := range job.Outcomes {
		observed := out.CompletedAt
		if observed.IsZero() {
			observed = time.Now().UTC()
		}
		facts = append(facts, memclient.Fact{
			EntityName: entityName(out.Intent + " " + out.Summary),
			Kind:       "pattern",
			Content:    out.Summary,
			SourceID:   job.SessionID,
			Confidence: 0.6,
			ObservedAt: observed,
		})
	}
	return facts
}

func splitSentences(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
}

// entityName keeps the first few words so near-identical restatements
// collapse onto one fact.
func entityName(s string) string {
	words := strings.Fields(strings.ToLower(s))
	if len(words) > maxEntityWords {
		words = words[:maxEntityWords]
	}
	return strings.Join(words, " ")
}
