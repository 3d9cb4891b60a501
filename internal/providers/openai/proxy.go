// Package openai is the backend client. Both backend protocols are served
// from the same endpoint family: chat completions and responses.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrBackendTransport marks a connection failure or non-success status from
// the backend.
var ErrBackendTransport = errors.New("backend transport failure")

type Upstream struct {
	BaseURL string
	APIKey  string
	Headers map[string]string

	// Hard cap applied to any max-tokens style field in outgoing payloads.
	// Zero disables the clamp.
	MaxTokensCap int
}

func (up Upstream) DoChatCompletions(ctx context.Context, body []byte) (*http.Response, error) {
	return up.do(ctx, buildURL(up.BaseURL, "/v1/chat/completions"), body)
}

func (up Upstream) DoResponses(ctx context.Context, body []byte) (*http.Response, error) {
	return up.do(ctx, buildURL(up.BaseURL, "/v1/responses"), body)
}

func (up Upstream) DoModels(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, buildURL(up.BaseURL, "/v1/models"), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendTransport, err)
	}
	up.setHeaders(req)
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendTransport, err)
	}
	return resp, nil
}

func (up Upstream) do(ctx context.Context, url string, body []byte) (*http.Response, error) {
	body = ClampMaxTokens(body, up.MaxTokensCap)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	up.setHeaders(req)
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendTransport, err)
	}
	return resp, nil
}

func (up Upstream) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(up.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(up.APIKey))
	}
	for k, v := range up.Headers {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		req.Header.Set(k, v)
	}
}

// CheckStatus drains and wraps a non-success response. The caller owns the
// body either way.
func CheckStatus(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return fmt.Errorf("%w: status %d: %s", ErrBackendTransport, resp.StatusCode, strings.TrimSpace(string(snippet)))
}

// ClampMaxTokens caps whichever max-tokens style field the raw payload
// carries, leaving the rest of the body untouched.
func ClampMaxTokens(body []byte, capTokens int) []byte {
	if capTokens <= 0 || len(body) == 0 {
		return body
	}
	for _, field := range []string{"max_tokens", "max_completion_tokens", "max_output_tokens"} {
		v := gjson.GetBytes(body, field)
		if v.Exists() && int(v.Int()) > capTokens {
			if nb, err := sjson.SetBytes(body, field, capTokens); err == nil {
				body = nb
			}
		}
	}
	return body
}

func buildURL(base, path string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if strings.HasSuffix(base, "/v1") {
		return base + strings.TrimPrefix(path, "/v1")
	}
	return base + path
}
