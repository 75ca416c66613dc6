package mode

import "strings"

// Signal is the best-effort comprehension reading taken from a user
// message, used by tutor mode to adjust the understanding level.
type Signal int

const (
	SignalNeutral Signal = iota
	SignalComprehension
	SignalConfusion
)

var confusionIndicators = []string{
	"i don't understand",
	"confused",
	"what does that mean",
	"can you explain",
	"i'm lost",
	"too complex",
	"simpler",
}

var comprehensionIndicators = []string{
	"i see",
	"that makes sense",
	"i understand",
	"got it",
	"what about",
	"how does this relate to",
	"advanced",
}

// Assess reads a comprehension signal from a user message. Plain keyword
// matching: confusion phrases win over comprehension phrases, and a long
// question with no other signal counts as comprehension since it implies
// the user can build on what they have.
func Assess(message string) Signal {
	lower := strings.ToLower(message)
	for _, ind := range confusionIndicators {
		if strings.Contains(lower, ind) {
			return SignalConfusion
		}
	}
	for _, ind := range comprehensionIndicators {
		if strings.Contains(lower, ind) {
			return SignalComprehension
		}
	}
	if strings.Contains(message, "?") && len(strings.Fields(message)) >= 10 {
		return SignalComprehension
	}
	return SignalNeutral
}

// SignalEvent converts a signal to its state-machine event, or ok=false
// for a neutral signal.
func SignalEvent(sig Signal) (Event, bool) {
	switch sig {
	case SignalComprehension:
		return Event{Kind: EventComprehension}, true
	case SignalConfusion:
		return Event{Kind: EventConfusion}, true
	}
	return Event{}, false
}
