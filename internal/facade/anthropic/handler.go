// Package anthropic serves the Anthropic Messages surface and bridges it to
// the chat-completions or responses backend protocol.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"claude-bridge/internal/canonical"
	"claude-bridge/internal/convert"
	"claude-bridge/internal/logbus"
	"claude-bridge/internal/metrics"
	"claude-bridge/internal/modelmap"
	anthropicproto "claude-bridge/internal/proto/anthropic"
	openaiProvider "claude-bridge/internal/providers/openai"
	"claude-bridge/internal/streamconv"
	"claude-bridge/internal/tokencount"
)

const maxBodyBytes = 20 << 20

type Handler struct {
	up      openaiProvider.Upstream
	models  *modelmap.Map
	counter *tokencount.Counter
	m       *metrics.Metrics
	bus     *logbus.Bus
	logger  *log.Logger
}

func NewHandler(up openaiProvider.Upstream, models *modelmap.Map, counter *tokencount.Counter, m *metrics.Metrics, bus *logbus.Bus, logger *log.Logger) *Handler {
	return &Handler{up: up, models: models, counter: counter, m: m, bus: bus, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/messages", h.createMessage)
	r.Post("/messages/count_tokens", h.countTokens)
	r.Get("/models", h.listModels)
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

func (h *Handler) createMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := strings.TrimSpace(r.Header.Get("x-request-id"))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-Id", requestID)

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}

	var req anthropicproto.MessageCreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid json")
		return
	}
	if strings.TrimSpace(req.Model) == "" || req.MaxTokens <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "model and max_tokens are required")
		return
	}
	origModel := req.Model

	creq, err := req.Canonical()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	deployment := h.models.Resolve(creq.Model)
	protocol := convert.SelectProtocol(creq, deployment)

	var backendBody []byte
	switch protocol {
	case convert.ProtocolResponses:
		oreq, err := convert.ToResponsesRequest(creq, deployment)
		if err != nil {
			writeError(w, translateStatusOf(err), "invalid_request_error", err.Error())
			return
		}
		backendBody, err = json.Marshal(oreq)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "api_error", "failed to build backend request")
			return
		}
	default:
		oreq, err := convert.ToChatRequest(creq, deployment)
		if err != nil {
			writeError(w, translateStatusOf(err), "invalid_request_error", err.Error())
			return
		}
		backendBody, err = json.Marshal(oreq)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "api_error", "failed to build backend request")
			return
		}
	}

	clientKey, _ := ctx.Value(canonical.ContextKeyClientKey).(string)
	srcIP := clientIP(r)
	userAgent := strings.TrimSpace(r.UserAgent())
	start := time.Now()

	publish := func(status int, errMsg, stopReason string, u streamconv.Usage) {
		if h.bus == nil {
			return
		}
		h.bus.Publish(logbus.Event{
			RequestID:         requestID,
			Facade:            string(canonical.FacadeAnthropic),
			Protocol:          protocol,
			RequestModel:      origModel,
			Deployment:        deployment,
			ClientKey:         clientKey,
			SrcIP:             srcIP,
			UserAgent:         userAgent,
			Stream:            req.Stream,
			Status:            status,
			LatencyMs:         time.Since(start).Milliseconds(),
			InputTokens:       u.InputTokens,
			OutputTokens:      u.OutputTokens,
			CachedInputTokens: u.CachedInputTokens,
			StopReason:        stopReason,
			Error:             errMsg,
		})
	}

	uctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	var resp *http.Response
	if protocol == convert.ProtocolResponses {
		resp, err = h.up.DoResponses(uctx, backendBody)
	} else {
		resp, err = h.up.DoChatCompletions(uctx, backendBody)
	}
	if err != nil {
		publish(http.StatusBadGateway, "backend_failed", "", streamconv.Usage{})
		h.m.ObserveRequest(string(canonical.FacadeAnthropic), protocol, http.StatusBadGateway, time.Since(start))
		writeError(w, http.StatusBadGateway, "api_error", "backend request failed")
		return
	}
	defer resp.Body.Close()

	if err := openaiProvider.CheckStatus(resp); err != nil {
		status := mapBackendStatus(resp.StatusCode)
		publish(resp.StatusCode, "backend_error", "", streamconv.Usage{})
		h.m.ObserveRequest(string(canonical.FacadeAnthropic), protocol, resp.StatusCode, time.Since(start))
		writeError(w, status, mapBackendType(resp.StatusCode), "backend error")
		return
	}

	msgID := "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	if req.Stream {
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)

		bridge := streamconv.NewBridge(streamconv.NewAnthropicSink(w, msgID, origModel), h.logger)
		bridge.OnSkip(func() { h.m.ObserveEventSkip(protocol) })
		var streamErr error
		if isEventStream(resp) {
			var n streamconv.Normalizer
			if protocol == convert.ProtocolResponses {
				n = streamconv.NewResponsesNormalizer()
			} else {
				n = streamconv.NewChatNormalizer()
			}
			streamErr = streamconv.Run(uctx, resp.Body, n, bridge)
		} else {
			// Backend answered with a single JSON body; replay it as a stream.
			raw, readErr := io.ReadAll(resp.Body)
			if readErr != nil {
				streamErr = readErr
			} else {
				msg, convErr := convert.BackendResponseToMessage(raw, origModel)
				if convErr != nil {
					streamErr = convErr
				} else {
					streamErr = streamconv.Synthesize(bridge, msg)
				}
			}
		}
		final := bridge.Response(msgID, origModel)
		u := streamconv.Usage{
			InputTokens:       final.Usage.InputTokens,
			OutputTokens:      final.Usage.OutputTokens,
			CachedInputTokens: final.Usage.CacheReadInputTokens,
		}
		publish(resp.StatusCode, errString(streamErr), final.StopReason, u)
		h.m.ObserveRequest(string(canonical.FacadeAnthropic), protocol, resp.StatusCode, time.Since(start))
		h.m.ObserveTokens(string(canonical.FacadeAnthropic), protocol, u.InputTokens, u.OutputTokens)
		return
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		publish(http.StatusBadGateway, "backend_read_failed", "", streamconv.Usage{})
		writeError(w, http.StatusBadGateway, "api_error", "backend read failed")
		return
	}
	msg, err := convert.BackendResponseToMessage(raw, origModel)
	if err != nil {
		publish(http.StatusBadGateway, "backend_decode_failed", "", streamconv.Usage{})
		h.m.ObserveRequest(string(canonical.FacadeAnthropic), protocol, http.StatusBadGateway, time.Since(start))
		writeError(w, http.StatusBadGateway, "api_error", "invalid backend response")
		return
	}
	msg.ID = msgID
	out, _ := json.Marshal(msg)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)

	u := streamconv.Usage{
		InputTokens:       msg.Usage.InputTokens,
		OutputTokens:      msg.Usage.OutputTokens,
		CachedInputTokens: msg.Usage.CacheReadInputTokens,
	}
	publish(http.StatusOK, "", msg.StopReason, u)
	h.m.ObserveRequest(string(canonical.FacadeAnthropic), protocol, http.StatusOK, time.Since(start))
	h.m.ObserveTokens(string(canonical.FacadeAnthropic), protocol, u.InputTokens, u.OutputTokens)
}

func (h *Handler) countTokens(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}
	var req anthropicproto.MessageCreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid json")
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	creq, err := req.Canonical()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	deployment := h.models.Resolve(creq.Model)
	n, err := h.counter.Count(creq, deployment)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "token counting failed")
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]int{"input_tokens": n})
}

func (h *Handler) listModels(w http.ResponseWriter, _ *http.Request) {
	names := h.models.Models()
	data := make([]map[string]any, 0, len(names))
	for _, name := range names {
		data = append(data, map[string]any{
			"type":         "model",
			"id":           name,
			"display_name": name,
		})
	}
	out := map[string]any{
		"data":     data,
		"has_more": false,
	}
	if len(names) > 0 {
		out["first_id"] = names[0]
		out["last_id"] = names[len(names)-1]
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(out)
}

// translateStatusOf distinguishes caller mistakes from bridge faults.
func translateStatusOf(err error) int {
	switch {
	case errors.Is(err, convert.ErrUnsupportedMessageShape),
		errors.Is(err, convert.ErrUnsupportedContentPart),
		errors.Is(err, convert.ErrInvalidTool),
		errors.Is(err, convert.ErrUnresolvedToolCorrelation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func isEventStream(resp *http.Response) bool {
	ct := resp.Header.Get("Content-Type")
	return strings.HasPrefix(strings.TrimSpace(strings.ToLower(ct)), "text/event-stream")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func mapBackendStatus(backendStatus int) int {
	if backendStatus == http.StatusTooManyRequests {
		return http.StatusTooManyRequests
	}
	if backendStatus == http.StatusUnauthorized || backendStatus == http.StatusForbidden {
		return http.StatusUnauthorized
	}
	if backendStatus >= 400 && backendStatus < 500 {
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

func mapBackendType(backendStatus int) string {
	switch backendStatus {
	case http.StatusUnauthorized, http.StatusForbidden:
		return "authentication_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	default:
		if backendStatus >= 400 && backendStatus < 500 {
			return "invalid_request_error"
		}
		return "api_error"
	}
}

func clientIP(r *http.Request) string {
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff != "" {
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); xr != "" {
		return xr
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && strings.TrimSpace(host) != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}
