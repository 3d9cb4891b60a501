// Package openai serves the OpenAI-compatible chat-completions surface.
// Every request is bridged to the backend responses protocol and answered
// as a chunk stream, whatever the client asked for.
package openai

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
	openaiproto "claude-bridge/internal/proto/openai"
	openaiProvider "claude-bridge/internal/providers/openai"
	"claude-bridge/internal/streamconv"
)

const maxBodyBytes = 20 << 20

type Handler struct {
	up     openaiProvider.Upstream
	models *modelmap.Map
	m      *metrics.Metrics
	bus    *logbus.Bus
	logger *log.Logger
}

func NewHandler(up openaiProvider.Upstream, models *modelmap.Map, m *metrics.Metrics, bus *logbus.Bus, logger *log.Logger) *Handler {
	return &Handler{up: up, models: models, m: m, bus: bus, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/chat/completions", h.chatCompletions)
	r.Get("/models", h.listModels)
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

func (h *Handler) chatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := strings.TrimSpace(r.Header.Get("x-request-id"))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-Id", requestID)

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "", "failed to read request body")
		return
	}

	var req openaiproto.ChatCompletionsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "", "invalid json")
		return
	}
	if strings.TrimSpace(req.Model) == "" || len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "", "model and messages are required")
		return
	}
	origModel := req.Model

	creq, err := convert.ChatRequestToCanonical(req)
	if err != nil {
		writeError(w, inboundStatusOf(err), "invalid_request_error", "", err.Error())
		return
	}
	creq.Stream = true

	deployment := h.models.Resolve(creq.Model)
	oreq, err := convert.ToResponsesRequest(creq, deployment)
	if err != nil {
		writeError(w, inboundStatusOf(err), "invalid_request_error", "", err.Error())
		return
	}
	backendBody, err := json.Marshal(oreq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "", "failed to build backend request")
		return
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
			Facade:            string(canonical.FacadeOpenAI),
			Protocol:          convert.ProtocolResponses,
			RequestModel:      origModel,
			Deployment:        deployment,
			ClientKey:         clientKey,
			SrcIP:             srcIP,
			UserAgent:         userAgent,
			Stream:            true,
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

	resp, err := h.up.DoResponses(uctx, backendBody)
	if err != nil {
		publish(http.StatusBadGateway, "backend_failed", "", streamconv.Usage{})
		h.m.ObserveRequest(string(canonical.FacadeOpenAI), convert.ProtocolResponses, http.StatusBadGateway, time.Since(start))
		writeError(w, http.StatusBadGateway, "api_error", "", "backend request failed")
		return
	}
	defer resp.Body.Close()

	if err := openaiProvider.CheckStatus(resp); err != nil {
		publish(resp.StatusCode, "backend_error", "", streamconv.Usage{})
		h.m.ObserveRequest(string(canonical.FacadeOpenAI), convert.ProtocolResponses, resp.StatusCode, time.Since(start))
		writeError(w, mapBackendStatus(resp.StatusCode), "api_error", "", "backend error")
		return
	}

	chunkID := "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	bridge := streamconv.NewBridge(streamconv.NewChatChunkSink(w, chunkID, origModel), h.logger)
	bridge.OnSkip(func() { h.m.ObserveEventSkip(convert.ProtocolResponses) })
	var streamErr error
	if isEventStream(resp) {
		streamErr = streamconv.Run(uctx, resp.Body, streamconv.NewResponsesNormalizer(), bridge)
	} else {
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

	final := bridge.Response(chunkID, origModel)
	u := streamconv.Usage{
		InputTokens:       final.Usage.InputTokens,
		OutputTokens:      final.Usage.OutputTokens,
		CachedInputTokens: final.Usage.CacheReadInputTokens,
	}
	publish(resp.StatusCode, errString(streamErr), final.StopReason, u)
	h.m.ObserveRequest(string(canonical.FacadeOpenAI), convert.ProtocolResponses, resp.StatusCode, time.Since(start))
	h.m.ObserveTokens(string(canonical.FacadeOpenAI), convert.ProtocolResponses, u.InputTokens, u.OutputTokens)
}

func (h *Handler) listModels(w http.ResponseWriter, _ *http.Request) {
	names := h.models.Models()
	data := make([]map[string]any, 0, len(names))
	for _, name := range names {
		data = append(data, map[string]any{
			"id":       name,
			"object":   "model",
			"owned_by": "claude-bridge",
		})
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   data,
	})
}

func inboundStatusOf(err error) int {
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
