// Package admin exposes the operator surface: recent request logs and a
// live SSE tail, behind a bearer token.
package admin

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"claude-bridge/internal/crypto"
	"claude-bridge/internal/logbus"
)

type Handler struct {
	db     *sql.DB
	bus    *logbus.Bus
	cipher *crypto.AESGCM
	token  string
}

func NewHandler(db *sql.DB, bus *logbus.Bus, cipher *crypto.AESGCM, token string) *Handler {
	return &Handler{db: db, bus: bus, cipher: cipher, token: token}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.auth)
	r.Get("/logs", h.listLogs)
	r.Get("/logs/stream", h.logsStream)
	r.Post("/keys/seal", h.sealKey)
	return r
}

// sealKey encrypts a plaintext credential under the master key so operators
// can produce BACKEND_API_KEY_ENC values without local tooling.
func (h *Handler) sealKey(w http.ResponseWriter, r *http.Request) {
	if h.cipher == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]any{"error": "no master key configured"})
		return
	}
	var req struct {
		Plaintext string `json:"plaintext"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Plaintext) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "plaintext is required"})
		return
	}
	sealed, err := h.cipher.EncryptBase64(req.Plaintext)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sealed": sealed})
}

func (h *Handler) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token == "" {
			http.Error(w, "admin disabled", http.StatusNotFound)
			return
		}
		got := strings.TrimSpace(r.Header.Get("Authorization"))
		got = strings.TrimSpace(strings.TrimPrefix(got, "Bearer "))
		if got != h.token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) logsStream(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		http.Error(w, "log stream disabled", http.StatusNotImplemented)
		return
	}
	h.bus.ServeSSE(w, r)
}

// listLogs reads from MySQL when a DSN is configured; otherwise it serves
// the in-memory ring.
func (h *Handler) listLogs(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		events := []logbus.Event{}
		if h.bus != nil {
			events = h.bus.Recent()
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": events, "total": len(events)})
		return
	}

	limit := 100
	page := 1
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil && l > 0 {
			limit = l
		}
	}
	if v := r.URL.Query().Get("page"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			page = p
		}
	}
	offset := (page - 1) * limit

	var total int64
	_ = h.db.QueryRowContext(r.Context(), "SELECT COUNT(*) FROM request_logs").Scan(&total)

	rows, err := h.db.QueryContext(r.Context(),
		`SELECT request_id, facade, protocol, req_model, deployment, client_key, src_ip, user_agent, stream, status, latency_ms, input_tokens, output_tokens, cached_input_tokens, stop_reason, error_msg, ts
		 FROM request_logs ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	defer rows.Close()

	type logEntry struct {
		RequestID         string `json:"request_id"`
		Facade            string `json:"facade"`
		Protocol          string `json:"protocol"`
		RequestModel      string `json:"request_model"`
		Deployment        string `json:"deployment"`
		ClientKey         string `json:"client_key,omitempty"`
		SrcIP             string `json:"src_ip,omitempty"`
		UserAgent         string `json:"user_agent,omitempty"`
		Stream            bool   `json:"stream,omitempty"`
		Status            int    `json:"status"`
		LatencyMs         int64  `json:"latency_ms"`
		InputTokens       int    `json:"input_tokens,omitempty"`
		OutputTokens      int    `json:"output_tokens,omitempty"`
		CachedInputTokens int    `json:"cached_input_tokens,omitempty"`
		StopReason        string `json:"stop_reason,omitempty"`
		Error             string `json:"error,omitempty"`
		CreatedAt         string `json:"created_at"`
	}

	out := []logEntry{}
	for rows.Next() {
		var l logEntry
		var clientKey, srcIP, ua, stopReason, errMsg sql.NullString
		if err := rows.Scan(&l.RequestID, &l.Facade, &l.Protocol, &l.RequestModel, &l.Deployment,
			&clientKey, &srcIP, &ua, &l.Stream, &l.Status, &l.LatencyMs,
			&l.InputTokens, &l.OutputTokens, &l.CachedInputTokens, &stopReason, &errMsg, &l.CreatedAt); err != nil {
			continue
		}
		l.ClientKey = clientKey.String
		l.SrcIP = srcIP.String
		l.UserAgent = ua.String
		l.StopReason = stopReason.String
		l.Error = errMsg.String
		out = append(out, l)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  out,
		"total": total,
		"page":  page,
		"limit": limit,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
