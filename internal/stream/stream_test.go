package stream

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/veyra/mnemo/internal/generate"
)

func chunkSource(parts ...string) chan *generate.Chunk {
	ch := make(chan *generate.Chunk, len(parts)+1)
	for _, p := range parts {
		ch <- &generate.Chunk{Content: p}
	}
	ch <- &generate.Chunk{Done: true}
	close(ch)
	return ch
}

func collect(s *Stream) []Event {
	var out []Event
	for ev := range s.Events {
		out = append(out, ev)
	}
	return out
}

func TestStreamOrderAndTermination(t *testing.T) {
	p := NewPipeline(zap.NewNop())
	s := p.Run(context.Background(), map[string]string{"mode": "agent"}, nil, chunkSource("hel", "lo"))

	events := collect(s)
	if len(events) != 6 {
		t.Fatalf("got %d events, want 6 (metadata, status, 2 chunks, status, complete)", len(events))
	}
	if events[0].Type != EventMetadata {
		t.Errorf("first event = %s, want metadata", events[0].Type)
	}
	if events[1].Type != EventStatus || events[1].Stage != StageGenerating {
		t.Errorf("second event = %+v, want generating status", events[1])
	}
	if events[2].Chunk != "hel" || events[2].Index != 0 {
		t.Errorf("chunk 0 = %+v", events[2])
	}
	if events[3].Chunk != "lo" || events[3].Index != 1 {
		t.Errorf("chunk 1 = %+v", events[3])
	}
	if events[4].Type != EventStatus || events[4].Stage != StageDone {
		t.Errorf("penultimate event = %+v, want done status", events[4])
	}
	if events[5].Type != EventComplete {
		t.Errorf("last event = %s, want complete", events[5].Type)
	}

	out := s.Outcome()
	if !out.Completed || out.Err != nil {
		t.Errorf("outcome = %+v, want completed", out)
	}
	if out.Text != "hello" {
		t.Errorf("text = %q, want concatenation of chunks", out.Text)
	}
}

func TestStreamConcatenationEqualsFullText(t *testing.T) {
	p := NewPipeline(zap.NewNop())
	full := "the quick brown fox jumps over the lazy dog"
	s := p.Run(context.Background(), nil, nil, chunkSource("the quick ", "brown fox ", "jumps over ", "the lazy dog"))

	var streamed string
	for ev := range s.Events {
		streamed += ev.Chunk
	}
	if streamed != full {
		t.Errorf("streamed = %q, want %q", streamed, full)
	}
	if s.Outcome().Text != full {
		t.Errorf("outcome text = %q, want %q", s.Outcome().Text, full)
	}
}

func TestStreamStallEmitsErrorThenComplete(t *testing.T) {
	p := NewPipeline(zap.NewNop(), WithStallTimeout(20*time.Millisecond))

	src := make(chan *generate.Chunk, 1)
	src <- &generate.Chunk{Content: "partial "}
	// Never send another chunk and never close: the generator stalls.

	s := p.Run(context.Background(), nil, nil, src)
	events := collect(s)

	last := events[len(events)-1]
	if last.Type != EventComplete {
		t.Errorf("stream must terminate with a completion marker, got %s", last.Type)
	}
	if events[len(events)-2].Type != EventError {
		t.Errorf("missing error event before completion, got %v", events)
	}

	out := s.Outcome()
	if out.Err != ErrGenerationStalled {
		t.Errorf("outcome err = %v, want ErrGenerationStalled", out.Err)
	}
	if out.Text != "partial " {
		t.Errorf("text = %q, want partial output preserved", out.Text)
	}
	if out.Completed {
		t.Error("stalled stream must not report completed")
	}
}

func TestStreamConsumerDisconnectPreservesPartial(t *testing.T) {
	p := NewPipeline(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	src := make(chan *generate.Chunk)
	s := p.Run(ctx, nil, nil, src)

	// Consume metadata, the generating status, and the first chunk,
	// then walk away.
	<-s.Events
	<-s.Events
	src <- &generate.Chunk{Content: "first "}
	<-s.Events
	cancel()

	// The producer may still be blocked writing the second chunk.
	select {
	case src <- &generate.Chunk{Content: "second"}:
	default:
	}

	out := s.Outcome()
	if out.Err != ErrCancelled {
		t.Errorf("outcome err = %v, want ErrCancelled", out.Err)
	}
	if out.Text == "" {
		t.Error("cancelled stream must preserve partial text for history")
	}
	if out.Completed {
		t.Error("cancelled stream must not report completed")
	}
}

func TestStreamClosedSourceStillCompletes(t *testing.T) {
	p := NewPipeline(zap.NewNop())
	src := make(chan *generate.Chunk)
	close(src)

	s := p.Run(context.Background(), nil, nil, src)
	events := collect(s)
	if events[len(events)-1].Type != EventComplete {
		t.Errorf("events = %v, want completion marker", events)
	}
	if out := s.Outcome(); !out.Completed || out.Text != "" {
		t.Errorf("outcome = %+v", out)
	}
}

func TestStreamFinalChunkWithContentAndDone(t *testing.T) {
	p := NewPipeline(zap.NewNop())
	src := make(chan *generate.Chunk, 2)
	src <- &generate.Chunk{Content: "everything "}
	src <- &generate.Chunk{Content: "at once", Done: true}
	close(src)

	s := p.Run(context.Background(), nil, nil, src)
	collect(s)
	if out := s.Outcome(); out.Text != "everything at once" {
		t.Errorf("text = %q", out.Text)
	}
}

func TestStreamCompletionCarriesMeta(t *testing.T) {
	p := NewPipeline(zap.NewNop())
	meta := map[string][]string{"follow_ups": {"What about indexes?"}}
	s := p.Run(context.Background(), nil, meta, chunkSource("answer"))

	events := collect(s)
	last := events[len(events)-1]
	if last.Type != EventComplete {
		t.Fatalf("last event = %s, want complete", last.Type)
	}
	got, ok := last.Meta.(map[string][]string)
	if !ok || len(got["follow_ups"]) != 1 {
		t.Errorf("completion meta = %+v, want follow-ups attached", last.Meta)
	}
	for _, ev := range events[:len(events)-1] {
		if ev.Meta != nil {
			t.Errorf("meta leaked onto %s event", ev.Type)
		}
	}
}

func TestStreamStallCompletionStillCarriesMeta(t *testing.T) {
	p := NewPipeline(zap.NewNop(), WithStallTimeout(20*time.Millisecond))
	src := make(chan *generate.Chunk, 1)
	src <- &generate.Chunk{Content: "partial"}

	s := p.Run(context.Background(), nil, "task summary", src)
	events := collect(s)
	last := events[len(events)-1]
	if last.Type != EventComplete || last.Meta != "task summary" {
		t.Errorf("completion = %+v, want meta on the terminal marker", last)
	}
}
