// Package mode implements the conversation state machine and the two
// behavioral processors, tutor and agent, that prepare and finalize turns.
package mode

import (
	"github.com/veyra/mnemo/internal/session"
)

// MaxLearningPath bounds the tutor-mode objective trail.
const MaxLearningPath = 10

// EventKind identifies what happened to a conversation.
type EventKind int

const (
	// EventSwitch is an explicit user or API request to change mode.
	EventSwitch EventKind = iota
	// EventComprehension is a generation-collaborator signal that the
	// user's reply indicates understanding.
	EventComprehension
	// EventConfusion is the opposite signal.
	EventConfusion
	// EventTopicSet starts or replaces the tutor-mode learning topic.
	EventTopicSet
	// EventTaskCompleted records an agent-mode task outcome.
	EventTaskCompleted
)

// Event is one input to the state machine.
type Event struct {
	Kind      EventKind
	To        session.Mode // EventSwitch
	Topic     string       // EventTopicSet
	Objective string       // EventTopicSet: path entry for the new topic
	Outcome   session.TaskOutcome
}

// Effect describes an observable consequence of a transition.
type Effect int

const (
	EffectModeChanged Effect = iota
	EffectLearningCleared
	EffectOutcomesCleared
	EffectLevelRaised
	EffectLevelLowered
	EffectTopicStarted
	EffectOutcomeRecorded
)

// State is the mode-specific portion of a session. Transition never
// mutates its input; learning and outcome slices are copied on write.
type State struct {
	Mode     session.Mode
	Learning *session.LearningProgress
	Outcomes []session.TaskOutcome
}

// StateOf extracts the machine state from a session.
func StateOf(s *session.Session) State {
	return State{Mode: s.Mode, Learning: s.Learning, Outcomes: s.Outcomes}
}

// ApplyTo writes the machine state back onto a session.
func (st State) ApplyTo(s *session.Session) {
	s.Mode = st.Mode
	s.Learning = st.Learning
	s.Outcomes = st.Outcomes
}

func cloneLearning(lp *session.LearningProgress) *session.LearningProgress {
	if lp == nil {
		return nil
	}
	c := *lp
	c.Path = append([]string(nil), lp.Path...)
	return &c
}

// Transition is the pure step function of the state machine. It returns
// the new state and the effects a caller can observe or log. Unknown or
// inapplicable events leave the state unchanged with no effects.
func Transition(st State, ev Event) (State, []Effect) {
	switch ev.Kind {
	case EventSwitch:
		if !session.ValidMode(ev.To) || ev.To == st.Mode {
			return st, nil
		}
		next := State{Mode: ev.To}
		effects := []Effect{EffectModeChanged}
		// Leaving a mode clears exactly that mode's sub-state.
		switch st.Mode {
		case session.ModeTutor:
			if st.Learning != nil {
				effects = append(effects, EffectLearningCleared)
			}
			next.Outcomes = st.Outcomes
		case session.ModeAgent:
			if len(st.Outcomes) > 0 {
				effects = append(effects, EffectOutcomesCleared)
			}
			next.Learning = cloneLearning(st.Learning)
		}
		if ev.To == session.ModeTutor && next.Learning == nil {
			next.Learning = &session.LearningProgress{Level: session.DefaultUnderstanding}
		}
		return next, effects

	case EventComprehension, EventConfusion:
		if st.Mode != session.ModeTutor || st.Learning == nil {
			return st, nil
		}
		delta := 1
		effect := EffectLevelRaised
		if ev.Kind == EventConfusion {
			delta = -1
			effect = EffectLevelLowered
		}
		level := session.ClampLevel(st.Learning.Level + delta)
		if level == st.Learning.Level {
			return st, nil
		}
		next := st
		next.Learning = cloneLearning(st.Learning)
		next.Learning.Level = level
		return next, []Effect{effect}

	case EventTopicSet:
		if st.Mode != session.ModeTutor || ev.Topic == "" {
			return st, nil
		}
		next := st
		next.Learning = cloneLearning(st.Learning)
		if next.Learning == nil {
			next.Learning = &session.LearningProgress{Level: session.DefaultUnderstanding}
		}
		next.Learning.Topic = ev.Topic
		objective := ev.Objective
		if objective == "" {
			objective = ev.Topic
		}
		next.Learning.Path = appendPath(next.Learning.Path, objective)
		return next, []Effect{EffectTopicStarted}

	case EventTaskCompleted:
		if st.Mode != session.ModeAgent {
			return st, nil
		}
		next := st
		next.Outcomes = append(append([]session.TaskOutcome(nil), st.Outcomes...), ev.Outcome)
		return next, []Effect{EffectOutcomeRecorded}
	}
	return st, nil
}

// appendPath adds an objective once and keeps the most recent entries.
func appendPath(path []string, objective string) []string {
	for _, p := range path {
		if p == objective {
			return path
		}
	}
	path = append(path, objective)
	if len(path) > MaxLearningPath {
		path = path[len(path)-MaxLearningPath:]
	}
	return path
}
