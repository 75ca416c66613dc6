// Package stream turns a generation chunk sequence into an ordered event
// stream for one consumer: metadata first, a status event when generation
// begins, then chunks, always terminated by a completion marker even on
// error or stall. The completion marker carries the turn meta so late
// consumers see follow-ups without parsing the opening metadata.
package stream

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/veyra/mnemo/internal/generate"
)

// ErrGenerationStalled is returned when the generator produced nothing
// for longer than the stall timeout mid-stream.
var ErrGenerationStalled = errors.New("generation stalled")

// ErrCancelled is returned when the consumer disconnected before the
// stream completed. The accumulated text is still valid partial output.
var ErrCancelled = errors.New("stream cancelled by consumer")

// DefaultStallTimeout bounds how long the pipeline waits between chunks.
const DefaultStallTimeout = 30 * time.Second

// EventType identifies a stream event.
type EventType string

const (
	EventMetadata EventType = "metadata"
	EventStatus   EventType = "status"
	EventChunk    EventType = "chunk"
	EventError    EventType = "error"
	EventComplete EventType = "complete"
)

// Stages reported on status events.
const (
	StageGenerating = "generating"
	StageDone       = "done"
)

// Event is one element of the delivery sequence.
type Event struct {
	Type     EventType   `json:"type"`
	Stage    string      `json:"stage,omitempty"`
	Chunk    string      `json:"chunk,omitempty"`
	Index    int         `json:"index,omitempty"`
	Error    string      `json:"error,omitempty"`
	Metadata interface{} `json:"metadata,omitempty"`
	Meta     interface{} `json:"meta,omitempty"`
}

// Outcome is what remains of a stream once its events channel closes.
type Outcome struct {
	// Text is the concatenation of all delivered chunks. On cancellation
	// or stall it holds the partial output produced so far.
	Text string
	// Completed is true only when the generator finished normally.
	Completed bool
	// Err is nil, ErrCancelled, or ErrGenerationStalled.
	Err error
}

// Stream is a single-producer event sequence for one turn.
type Stream struct {
	Events  <-chan Event
	done    chan struct{}
	outcome Outcome
}

// Outcome blocks until the stream has finished and returns its result.
func (s *Stream) Outcome() Outcome {
	<-s.done
	return s.outcome
}

// Pipeline produces streams from generation chunk channels.
type Pipeline struct {
	stallTimeout time.Duration
	logger       *zap.Logger
}

// NewPipeline creates a stream pipeline.
func NewPipeline(logger *zap.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{stallTimeout: DefaultStallTimeout, logger: logger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithStallTimeout overrides the inter-chunk stall timeout.
func WithStallTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.stallTimeout = d }
}

// Run starts delivering src as an event stream. The metadata value is
// emitted first, then a generating status; chunks follow in generation
// order; a completion marker carrying meta always terminates the sequence
// unless the consumer itself has gone away (ctx cancelled), in which case
// delivery stops immediately but the partial text is still captured in
// the outcome.
func (p *Pipeline) Run(ctx context.Context, metadata, meta interface{}, src <-chan *generate.Chunk) *Stream {
	events := make(chan Event, 16)
	s := &Stream{Events: events, done: make(chan struct{})}

	go func() {
		defer close(s.done)
		defer close(events)

		if !p.send(ctx, events, Event{Type: EventMetadata, Metadata: metadata}) {
			s.outcome.Err = ErrCancelled
			return
		}
		if !p.send(ctx, events, Event{Type: EventStatus, Stage: StageGenerating}) {
			s.outcome.Err = ErrCancelled
			return
		}

		var text string
		index := 0
		stall := time.NewTimer(p.stallTimeout)
		defer stall.Stop()

		for {
			select {
			case <-ctx.Done():
				s.outcome = Outcome{Text: text, Err: ErrCancelled}
				return

			case <-stall.C:
				p.logger.Warn("generation stalled mid-stream",
					zap.Duration("timeout", p.stallTimeout),
					zap.Int("chunks_delivered", index))
				p.send(ctx, events, Event{Type: EventError, Error: ErrGenerationStalled.Error()})
				p.send(ctx, events, Event{Type: EventComplete, Index: index, Meta: meta})
				s.outcome = Outcome{Text: text, Err: ErrGenerationStalled}
				return

			case chunk, ok := <-src:
				if !ok || chunk.Done {
					if ok && chunk.Content != "" {
						text += chunk.Content
						p.send(ctx, events, Event{Type: EventChunk, Chunk: chunk.Content, Index: index})
						index++
					}
					p.send(ctx, events, Event{Type: EventStatus, Stage: StageDone})
					p.send(ctx, events, Event{Type: EventComplete, Index: index, Meta: meta})
					s.outcome = Outcome{Text: text, Completed: true}
					return
				}
				if chunk.Content == "" {
					continue
				}
				text += chunk.Content
				if !p.send(ctx, events, Event{Type: EventChunk, Chunk: chunk.Content, Index: index}) {
					s.outcome = Outcome{Text: text, Err: ErrCancelled}
					return
				}
				index++
				if !stall.Stop() {
					select {
					case <-stall.C:
					default:
					}
				}
				stall.Reset(p.stallTimeout)
			}
		}
	}()
	return s
}

// send delivers an event unless the consumer has disconnected.
func (p *Pipeline) send(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
