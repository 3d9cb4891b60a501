package openai

import (
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"claude-bridge/internal/logbus"
	"claude-bridge/internal/metrics"
	"claude-bridge/internal/modelmap"
	openaiProvider "claude-bridge/internal/providers/openai"
)

func newTestHandler(backend *httptest.Server) *Handler {
	models := modelmap.New(
		map[string]string{"gpt-4o": "gpt-4o"},
		[]string{"gpt-4o", "o3-mini"},
		"gpt-4o",
	)
	up := openaiProvider.Upstream{BaseURL: backend.URL, APIKey: "sk-test"}
	return NewHandler(up, models, metrics.New(), logbus.New(nil, 10), log.New(io.Discard, "", 0))
}

func TestChatCompletionsAlwaysStreams(t *testing.T) {
	frames := []string{
		`data: {"type":"response.created","response":{"id":"resp_1"}}`,
		`data: {"type":"response.output_text.delta","item_id":"msg_1","delta":"Hi"}`,
		`data: {"type":"response.completed","response":{"id":"resp_1","status":"completed","output":[],"usage":{"input_tokens":5,"output_tokens":1,"total_tokens":6}}}`,
	}
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			_, _ = io.WriteString(w, f+"\n\n")
		}
	}))
	defer backend.Close()

	h := newTestHandler(backend)
	// Client did not ask for a stream; the surface streams regardless.
	req := httptest.NewRequest("POST", "/openai/v1/chat/completions", strings.NewReader(
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	h.chatCompletions(rec, req)

	if gotPath != "/v1/responses" {
		t.Errorf("backend path = %q, want /v1/responses", gotPath)
	}
	out := rec.Body.String()
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q", ct)
	}
	for _, want := range []string{`"object":"chat.completion.chunk"`, `"content":"Hi"`, `"finish_reason":"stop"`} {
		if !strings.Contains(out, want) {
			t.Errorf("stream missing %s:\n%s", want, out)
		}
	}
	if !strings.Contains(out, "data: [DONE]") {
		t.Error("missing [DONE] sentinel")
	}
}

func TestChatCompletionsToolCallsStreamed(t *testing.T) {
	frames := []string{
		`data: {"type":"response.output_item.added","item":{"type":"function_call","id":"fc_1","call_id":"call_42","name":"lookup"}}`,
		`data: {"type":"response.function_call_arguments.delta","item_id":"fc_1","delta":"{\"q\":\"x\"}"}`,
		`data: {"type":"response.completed","response":{"id":"resp_1","status":"completed","output":[{"type":"function_call","id":"fc_1","call_id":"call_42","name":"lookup"}],"usage":{"input_tokens":3,"output_tokens":2,"total_tokens":5}}}`,
	}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			_, _ = io.WriteString(w, f+"\n\n")
		}
	}))
	defer backend.Close()

	h := newTestHandler(backend)
	req := httptest.NewRequest("POST", "/openai/v1/chat/completions", strings.NewReader(
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	h.chatCompletions(rec, req)

	out := rec.Body.String()
	for _, want := range []string{`"call_42"`, `"lookup"`, `\"q\":\"x\"`, `"finish_reason":"tool_calls"`} {
		if !strings.Contains(out, want) {
			t.Errorf("stream missing %s:\n%s", want, out)
		}
	}
}

func TestChatCompletionsSynthesizesFromJSON(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"resp_1","status":"completed","output":[{"type":"message","role":"assistant","content":[{"type":"output_text","text":"whole answer"}]}],"usage":{"input_tokens":2,"output_tokens":2,"total_tokens":4}}`))
	}))
	defer backend.Close()

	h := newTestHandler(backend)
	req := httptest.NewRequest("POST", "/openai/v1/chat/completions", strings.NewReader(
		`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	h.chatCompletions(rec, req)

	out := rec.Body.String()
	for _, want := range []string{`"content":"whole answer"`, `"finish_reason":"stop"`, "data: [DONE]"} {
		if !strings.Contains(out, want) {
			t.Errorf("synthesized stream missing %s:\n%s", want, out)
		}
	}
}

func TestChatCompletionsValidation(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("backend should not be reached")
	}))
	defer backend.Close()
	h := newTestHandler(backend)

	cases := []string{
		`{"messages":[{"role":"user","content":"hi"}]}`,
		`{"model":"gpt-4o","messages":[]}`,
		`{"model":"gpt-4o","messages":[{"role":"tool","content":"out"}]}`,
	}
	for _, body := range cases {
		req := httptest.NewRequest("POST", "/openai/v1/chat/completions", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.chatCompletions(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d", body, rec.Code)
		}
	}
}

func TestChatCompletionsBackendError(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	h := newTestHandler(backend)
	req := httptest.NewRequest("POST", "/openai/v1/chat/completions", strings.NewReader(
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	h.chatCompletions(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestListModels(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	h := newTestHandler(backend)
	rec := httptest.NewRecorder()
	h.listModels(rec, httptest.NewRequest("GET", "/openai/v1/models", nil))

	body := rec.Body.String()
	for _, want := range []string{`"object":"list"`, `"o3-mini"`, `"gpt-4o"`} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %s:\n%s", want, body)
		}
	}
}
