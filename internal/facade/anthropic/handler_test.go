package anthropic

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
	"claude-bridge/internal/tokencount"
)

func newTestHandler(backend *httptest.Server) *Handler {
	models := modelmap.New(
		map[string]string{"claude-sonnet-4": "gpt-4o", "claude-reason": "o3-mini"},
		[]string{"gpt-4o", "gpt-4o-mini", "o3-mini"},
		"gpt-4o",
	)
	up := openaiProvider.Upstream{BaseURL: backend.URL, APIKey: "sk-test"}
	return NewHandler(up, models, tokencount.New(), metrics.New(), logbus.New(nil, 10), log.New(io.Discard, "", 0))
}

func TestCreateMessageNonStream(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("backend path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cc-1","choices":[{"message":{"role":"assistant","content":"hello there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":9,"completion_tokens":2,"total_tokens":11}}`))
	}))
	defer backend.Close()

	h := newTestHandler(backend)
	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(
		`{"model":"claude-sonnet-4","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	h.createMessage(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	for _, want := range []string{`"type":"message"`, `"role":"assistant"`, `"hello there"`, `"stop_reason":"end_turn"`, `"input_tokens":9`, `"output_tokens":2`} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %s:\n%s", want, body)
		}
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id header")
	}
}

func TestCreateMessageStreamBridgesSSE(t *testing.T) {
	frames := []string{
		`data: {"id":"cc-1","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"},"finish_reason":null}]}`,
		`data: {"id":"cc-1","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":null}]}`,
		`data: {"id":"cc-1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
	}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			_, _ = io.WriteString(w, f+"\n\n")
		}
	}))
	defer backend.Close()

	h := newTestHandler(backend)
	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(
		`{"model":"claude-sonnet-4","max_tokens":100,"stream":true,"messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	h.createMessage(rec, req)

	out := rec.Body.String()
	for _, want := range []string{"event: message_start", "event: content_block_start", `"text":"Hel"`, `"text":"lo"`, `"stop_reason":"end_turn"`, "event: message_stop"} {
		if !strings.Contains(out, want) {
			t.Errorf("stream missing %s:\n%s", want, out)
		}
	}
	if strings.Contains(out, "[DONE]") {
		t.Error("backend terminator leaked to client")
	}
}

func TestCreateMessageStreamSynthesizedFromJSON(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cc-1","choices":[{"message":{"role":"assistant","content":"whole"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`))
	}))
	defer backend.Close()

	h := newTestHandler(backend)
	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(
		`{"model":"claude-sonnet-4","max_tokens":100,"stream":true,"messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	h.createMessage(rec, req)

	out := rec.Body.String()
	for _, want := range []string{"event: message_start", `"text":"whole"`, "event: message_stop"} {
		if !strings.Contains(out, want) {
			t.Errorf("synthesized stream missing %s:\n%s", want, out)
		}
	}
}

func TestCreateMessageRoutesReasoningToResponses(t *testing.T) {
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"resp_1","status":"completed","output":[{"type":"message","role":"assistant","content":[{"type":"output_text","text":"ok"}]}],"usage":{"input_tokens":2,"output_tokens":1,"total_tokens":3}}`))
	}))
	defer backend.Close()

	h := newTestHandler(backend)
	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(
		`{"model":"claude-reason","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	h.createMessage(rec, req)

	if gotPath != "/v1/responses" {
		t.Errorf("backend path = %q, want /v1/responses", gotPath)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestCreateMessageValidation(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("backend should not be reached")
	}))
	defer backend.Close()
	h := newTestHandler(backend)

	cases := []string{
		`{"max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`,
		`{"model":"claude-sonnet-4","messages":[{"role":"user","content":"hi"}]}`,
		`not json`,
	}
	for _, body := range cases {
		req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.createMessage(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d", body, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "invalid_request_error") {
			t.Errorf("body %q: error envelope = %s", body, rec.Body.String())
		}
	}
}

func TestCreateMessageMapsBackendErrors(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer backend.Close()

	h := newTestHandler(backend)
	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(
		`{"model":"claude-sonnet-4","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	h.createMessage(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "rate_limit_error") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestCountTokens(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("backend should not be reached")
	}))
	defer backend.Close()

	h := newTestHandler(backend)
	req := httptest.NewRequest("POST", "/v1/messages/count_tokens", strings.NewReader(
		`{"model":"claude-sonnet-4","messages":[{"role":"user","content":"count these words please"}]}`))
	rec := httptest.NewRecorder()
	h.countTokens(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"input_tokens":`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestListModels(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	h := newTestHandler(backend)
	rec := httptest.NewRecorder()
	h.listModels(rec, httptest.NewRequest("GET", "/v1/models", nil))

	body := rec.Body.String()
	for _, want := range []string{`"claude-reason"`, `"claude-sonnet-4"`, `"has_more":false`} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %s:\n%s", want, body)
		}
	}
}
