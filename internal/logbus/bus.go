// Package logbus fans out per-request log events to an in-memory ring, live
// SSE subscribers, and an optional MySQL sink.
package logbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

type Event struct {
	TS                time.Time `json:"ts"`
	RequestID         string    `json:"request_id"`
	Facade            string    `json:"facade"`
	Protocol          string    `json:"protocol"`
	RequestModel      string    `json:"request_model"`
	Deployment        string    `json:"deployment"`
	ClientKey         string    `json:"client_key,omitempty"`
	SrcIP             string    `json:"src_ip,omitempty"`
	UserAgent         string    `json:"user_agent,omitempty"`
	Stream            bool      `json:"stream,omitempty"`
	Status            int       `json:"status"`
	LatencyMs         int64     `json:"latency_ms"`
	InputTokens       int       `json:"input_tokens,omitempty"`
	OutputTokens      int       `json:"output_tokens,omitempty"`
	CachedInputTokens int       `json:"cached_input_tokens,omitempty"`
	StopReason        string    `json:"stop_reason,omitempty"`
	Error             string    `json:"error,omitempty"`
}

type Bus struct {
	db *sql.DB

	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	ring    []Event
	ringCap int
}

func New(db *sql.DB, ringCap int) *Bus {
	if ringCap <= 0 {
		ringCap = 200
	}
	return &Bus{
		db:      db,
		subs:    make(map[chan Event]struct{}),
		ring:    make([]Event, 0, ringCap),
		ringCap: ringCap,
	}
}

func (b *Bus) Publish(ev Event) {
	if ev.TS.IsZero() {
		ev.TS = time.Now()
	}

	b.mu.Lock()
	if len(b.ring) < b.ringCap {
		b.ring = append(b.ring, ev)
	} else {
		copy(b.ring, b.ring[1:])
		b.ring[len(b.ring)-1] = ev
	}
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	b.mu.Unlock()

	// Async persistence
	if b.db != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, err := b.db.ExecContext(ctx,
				`INSERT INTO request_logs (request_id, facade, protocol, req_model, deployment, client_key, src_ip, user_agent, stream, status, latency_ms, input_tokens, output_tokens, cached_input_tokens, stop_reason, error_msg)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				ev.RequestID, ev.Facade, ev.Protocol, ev.RequestModel, ev.Deployment, ev.ClientKey, ev.SrcIP, ev.UserAgent, ev.Stream, ev.Status, ev.LatencyMs, ev.InputTokens, ev.OutputTokens, ev.CachedInputTokens, ev.StopReason, ev.Error)
			if err != nil {
				log.Printf("logbus: failed to persist event: %v", err)
			}
		}()
	}
}

// Recent returns a copy of the ring, oldest first.
func (b *Bus) Recent() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Event(nil), b.ring...)
}

func (b *Bus) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	snapshot := append([]Event(nil), b.ring...)
	b.mu.Unlock()

	for _, ev := range snapshot {
		writeSSE(w, ev)
	}
	flusher.Flush()

	defer func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
		close(ch)
	}()

	notify := r.Context().Done()
	for {
		select {
		case <-notify:
			return
		case ev := <-ch:
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev Event) {
	b, _ := json.Marshal(ev)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
}
