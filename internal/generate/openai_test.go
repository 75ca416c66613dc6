package generate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestOpenAIGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "gpt-test" {
			t.Errorf("model = %q, want gpt-test", req.Model)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":    "cmpl-1",
			"model": "gpt-test",
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "pong"}, "finish_reason": "stop"},
			},
			"usage": map[string]int{"prompt_tokens": 3, "completion_tokens": 1, "total_tokens": 4},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider(Config{ID: "oai", Endpoint: srv.URL, APIKey: "test-key", Model: "gpt-test"}, zap.NewNop())
	resp, err := p.Generate(context.Background(), &Request{
		Messages: []Message{{Role: "user", Content: "ping"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Content != "pong" {
		t.Errorf("content = %q, want pong", resp.Content)
	}
	if resp.Usage.TotalTokens != 4 {
		t.Errorf("total tokens = %d, want 4", resp.Usage.TotalTokens)
	}
}

func TestOpenAIGenerateStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"hel"}}]}` + "\n\n"))
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}]}` + "\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(Config{ID: "oai", Endpoint: srv.URL, Model: "gpt-test"}, zap.NewNop())
	ch, err := p.GenerateStream(context.Background(), &Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}

	var content string
	var done bool
	for chunk := range ch {
		content += chunk.Content
		if chunk.Done {
			done = true
		}
	}
	if content != "hello" {
		t.Errorf("content = %q, want hello", content)
	}
	if !done {
		t.Error("stream never signalled done")
	}
}

func TestOpenAIGenerateAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(Config{ID: "oai", Endpoint: srv.URL}, zap.NewNop())
	if _, err := p.Generate(context.Background(), &Request{}); err == nil {
		t.Fatal("expected error on 429 response")
	}
}

func TestAnthropicGenerateStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("path = %q, want /messages", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "anthro-key" {
			t.Errorf("api key header = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"hi "}}` + "\n\n"))
		w.Write([]byte(`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"there"}}` + "\n\n"))
		w.Write([]byte(`data: {"type":"message_stop"}` + "\n\n"))
	}))
	defer srv.Close()

	p := NewAnthropicProvider(Config{ID: "claude", Endpoint: srv.URL, APIKey: "anthro-key", Model: "claude-test"}, zap.NewNop())
	ch, err := p.GenerateStream(context.Background(), &Request{
		Messages: []Message{{Role: "system", Content: "be brief"}, {Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}

	var content string
	for chunk := range ch {
		content += chunk.Content
	}
	if content != "hi there" {
		t.Errorf("content = %q, want %q", content, "hi there")
	}
}

func TestAnthropicSystemMessageLifted(t *testing.T) {
	p := NewAnthropicProvider(Config{Model: "claude-test"}, zap.NewNop())
	ar := p.convertRequest(&Request{
		Messages: []Message{
			{Role: "system", Content: "you are a tutor"},
			{Role: "user", Content: "teach me"},
		},
	})
	if ar.System != "you are a tutor" {
		t.Errorf("system = %q", ar.System)
	}
	if len(ar.Messages) != 1 || ar.Messages[0].Role != "user" {
		t.Errorf("messages = %+v, want single user message", ar.Messages)
	}
	if ar.MaxTokens != 4096 {
		t.Errorf("max tokens = %d, want default 4096", ar.MaxTokens)
	}
}
