package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/veyra/mnemo/internal/engine"
	"github.com/veyra/mnemo/internal/generate"
	"github.com/veyra/mnemo/internal/search"
	"github.com/veyra/mnemo/internal/session"
	"github.com/veyra/mnemo/internal/skill"
	"github.com/veyra/mnemo/internal/stream"
)

type stubResolver struct{}

func (stubResolver) Resolve(_ context.Context, _ search.Request) (*search.Result, error) {
	return &search.Result{}, nil
}

type stubGenerator struct {
	fail   bool
	chunks []string
}

func (g *stubGenerator) Route(_ context.Context, _ string, req *generate.Request) (*generate.Response, error) {
	if g.fail {
		return nil, errors.New("provider down")
	}
	return &generate.Response{
		Content:      "echo: " + req.Messages[len(req.Messages)-1].Content,
		FinishReason: "stop",
	}, nil
}

func (g *stubGenerator) RouteStream(_ context.Context, _ string, _ *generate.Request) (<-chan *generate.Chunk, error) {
	if g.fail {
		return nil, errors.New("provider down")
	}
	ch := make(chan *generate.Chunk, len(g.chunks)+1)
	for _, c := range g.chunks {
		ch <- &generate.Chunk{Content: c}
	}
	ch <- &generate.Chunk{Done: true}
	close(ch)
	return ch, nil
}

func newTestServer(t *testing.T, gen *stubGenerator) *httptest.Server {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := session.NewStoreWithClient(rdb, zap.NewNop())
	pipeline := stream.NewPipeline(zap.NewNop(), stream.WithStallTimeout(time.Second))
	eng := engine.New(store, stubResolver{}, gen, pipeline, nil, zap.NewNop())

	modules := skill.NewRegistry()
	modules.Add(&skill.Module{ID: "sql-basics", Name: "SQL Basics"})

	srv := httptest.NewServer(NewHandler(eng, modules, stubHealth{"primary": "ok"}, zap.NewNop()).Router())
	t.Cleanup(srv.Close)
	return srv
}

type stubHealth map[string]string

func (s stubHealth) Health(_ context.Context) map[string]string { return s }

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func chatBody(message string) map[string]interface{} {
	return map[string]interface{}{
		"message": message,
		"identity": map[string]interface{}{
			"client_id":      "C1",
			"actor_id":       "A1",
			"actor_class_id": "CL1",
			"skill_modules":  []string{"SK1"},
		},
	}
}

func TestHealthCheck(t *testing.T) {
	srv := newTestServer(t, &stubGenerator{})

	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Status    string            `json:"status"`
		Providers map[string]string `json:"providers"`
	}
	decodeBody(t, resp, &body)
	if body.Status != "ok" {
		t.Errorf("status = %q", body.Status)
	}
	if body.Providers["primary"] != "ok" {
		t.Errorf("providers = %v, want per-provider status reported", body.Providers)
	}
}

func TestChatRoundTrip(t *testing.T) {
	srv := newTestServer(t, &stubGenerator{})

	resp := postJSON(t, srv.URL+"/api/chat", chatBody("hello there"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body engine.TurnResponse
	decodeBody(t, resp, &body)
	if body.SessionID == "" {
		t.Fatal("no session id in response")
	}
	if !strings.Contains(body.Response, "hello there") {
		t.Errorf("response = %q", body.Response)
	}

	// Session is retrievable afterwards.
	getResp, err := http.Get(srv.URL + "/api/sessions/" + body.SessionID)
	if err != nil {
		t.Fatalf("GET session: %v", err)
	}
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", getResp.StatusCode)
	}
	var sess session.Session
	decodeBody(t, getResp, &sess)
	if len(sess.History) != 2 {
		t.Errorf("history = %d turns, want 2", len(sess.History))
	}
}

func TestChatValidation(t *testing.T) {
	srv := newTestServer(t, &stubGenerator{})

	cases := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing message", map[string]interface{}{"identity": map[string]string{"actor_id": "A1"}}},
		{"missing actor", map[string]interface{}{"message": "hi"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/api/chat", tc.body)
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestChatMalformedJSON(t *testing.T) {
	srv := newTestServer(t, &stubGenerator{})

	resp, err := http.Post(srv.URL+"/api/chat", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestChatGenerationFailure(t *testing.T) {
	srv := newTestServer(t, &stubGenerator{fail: true})

	resp := postJSON(t, srv.URL+"/api/chat", chatBody("hello"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestChatInvalidInitialMode(t *testing.T) {
	srv := newTestServer(t, &stubGenerator{})

	body := chatBody("hello")
	body["mode"] = "oracle"
	resp := postJSON(t, srv.URL+"/api/chat", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestChatStreamSSE(t *testing.T) {
	srv := newTestServer(t, &stubGenerator{chunks: []string{"str", "eamed"}})

	body := chatBody("hello")
	body["stream"] = true
	resp := postJSON(t, srv.URL+"/api/chat", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var events []stream.Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev stream.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("unmarshal event %q: %v", line, err)
		}
		events = append(events, ev)
	}

	if len(events) < 4 {
		t.Fatalf("events = %d, want at least metadata, status, chunks, complete", len(events))
	}
	if events[0].Type != stream.EventMetadata {
		t.Errorf("first event = %s, want metadata", events[0].Type)
	}
	if events[1].Type != stream.EventStatus || events[1].Stage != stream.StageGenerating {
		t.Errorf("second event = %+v, want generating status", events[1])
	}
	last := events[len(events)-1]
	if last.Type != stream.EventComplete {
		t.Errorf("last event = %s, want complete", last.Type)
	}
	meta, ok := last.Meta.(map[string]interface{})
	if !ok || meta["mode"] != "agent" {
		t.Errorf("completion meta = %+v, want the turn meta attached", last.Meta)
	}
	var text string
	for _, ev := range events {
		if ev.Type == stream.EventChunk {
			text += ev.Chunk
		}
	}
	if text != "streamed" {
		t.Errorf("concatenated chunks = %q", text)
	}
}

func TestSwitchMode(t *testing.T) {
	srv := newTestServer(t, &stubGenerator{})

	var created engine.TurnResponse
	decodeBody(t, postJSON(t, srv.URL+"/api/chat", chatBody("hello")), &created)

	resp := postJSON(t, fmt.Sprintf("%s/api/sessions/%s/mode", srv.URL, created.SessionID),
		map[string]string{"mode": "tutor"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["previous_mode"] != "agent" || body["current_mode"] != "tutor" {
		t.Errorf("switch = %s -> %s", body["previous_mode"], body["current_mode"])
	}
}

func TestSwitchModeInvalid(t *testing.T) {
	srv := newTestServer(t, &stubGenerator{})

	var created engine.TurnResponse
	decodeBody(t, postJSON(t, srv.URL+"/api/chat", chatBody("hello")), &created)

	resp := postJSON(t, fmt.Sprintf("%s/api/sessions/%s/mode", srv.URL, created.SessionID),
		map[string]string{"mode": "oracle"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSessionNotFound(t *testing.T) {
	srv := newTestServer(t, &stubGenerator{})

	resp, err := http.Get(srv.URL + "/api/sessions/missing")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestDeleteSession(t *testing.T) {
	srv := newTestServer(t, &stubGenerator{})

	var created engine.TurnResponse
	decodeBody(t, postJSON(t, srv.URL+"/api/chat", chatBody("hello")), &created)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/sessions/"+created.SessionID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	getResp, err := http.Get(srv.URL + "/api/sessions/" + created.SessionID)
	if err != nil {
		t.Fatalf("GET after delete: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusNotFound {
		t.Errorf("status after delete = %d, want 404", getResp.StatusCode)
	}
}

func TestModuleSubscriptions(t *testing.T) {
	srv := newTestServer(t, &stubGenerator{})

	resp, err := http.Get(srv.URL + "/api/modules")
	if err != nil {
		t.Fatalf("GET modules: %v", err)
	}
	var modules []skill.Module
	decodeBody(t, resp, &modules)
	if len(modules) != 1 || modules[0].ID != "sql-basics" {
		t.Fatalf("modules = %+v", modules)
	}

	put := func(moduleID string) *http.Response {
		req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/actors/A1/modules/"+moduleID, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("PUT subscription: %v", err)
		}
		return resp
	}

	if resp := put("sql-basics"); resp.StatusCode != http.StatusOK {
		t.Fatalf("subscribe status = %d, want 200", resp.StatusCode)
	}
	if resp := put("missing"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown module status = %d, want 404", resp.StatusCode)
	}

	var subs struct {
		ActorID string   `json:"actor_id"`
		Modules []string `json:"modules"`
	}
	listResp, err := http.Get(srv.URL + "/api/actors/A1/modules")
	if err != nil {
		t.Fatalf("GET subscriptions: %v", err)
	}
	decodeBody(t, listResp, &subs)
	if len(subs.Modules) != 1 || subs.Modules[0] != "sql-basics" {
		t.Errorf("subscriptions = %v", subs.Modules)
	}
}

func TestChatContinuesExistingSession(t *testing.T) {
	srv := newTestServer(t, &stubGenerator{})

	var first engine.TurnResponse
	decodeBody(t, postJSON(t, srv.URL+"/api/chat", chatBody("first")), &first)

	body := chatBody("second")
	body["session_id"] = first.SessionID
	var second engine.TurnResponse
	decodeBody(t, postJSON(t, srv.URL+"/api/chat", body), &second)

	if second.SessionID != first.SessionID {
		t.Fatalf("session = %q, want continuation of %q", second.SessionID, first.SessionID)
	}

	var sess session.Session
	getResp, _ := http.Get(srv.URL + "/api/sessions/" + first.SessionID)
	decodeBody(t, getResp, &sess)
	if len(sess.History) != 4 {
		t.Errorf("history = %d turns, want 4", len(sess.History))
	}
}
