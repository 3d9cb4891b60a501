package logbus

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRingEviction(t *testing.T) {
	b := New(nil, 3)
	for i := 0; i < 5; i++ {
		b.Publish(Event{RequestID: string(rune('a' + i))})
	}
	recent := b.Recent()
	if len(recent) != 3 {
		t.Fatalf("ring length = %d", len(recent))
	}
	if recent[0].RequestID != "c" || recent[2].RequestID != "e" {
		t.Fatalf("ring contents = %#v", recent)
	}
}

func TestServeSSEReplaysRing(t *testing.T) {
	b := New(nil, 10)
	b.Publish(Event{RequestID: "req-1", Facade: "anthropic", Status: 200})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest("GET", "/admin/logs/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	b.ServeSSE(rec, req)

	out := rec.Body.String()
	if !strings.Contains(out, `"request_id":"req-1"`) {
		t.Fatalf("snapshot missing published event:\n%s", out)
	}
}
