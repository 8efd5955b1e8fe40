package server

import (
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

func TestHandleStatus(t *testing.T) {
	srv := &Server{
		clients: make(map[*websocket.Conn]*sync.Mutex),
		statusFn: func() map[string]any {
			return map[string]any{
				"state":   "streaming",
				"version": "fw-1.2.3",
				"metrics": map[string]any{"frames_delivered_total": 12},
			}
		},
	}

	req := httptest.NewRequest("GET", "/status", nil)
	rec := httptest.NewRecorder()
	srv.handleStatus(rec, req)

	if rec.Code != 200 {
		t.Fatalf("unexpected status: %d", rec.Code)
	}

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["state"] != "streaming" {
		t.Fatalf("unexpected state: %v", payload["state"])
	}
	if payload["ws_clients"].(float64) != 0 {
		t.Fatalf("unexpected ws_clients: %v", payload["ws_clients"])
	}
}

func TestHandleHealth(t *testing.T) {
	srv := &Server{clients: make(map[*websocket.Conn]*sync.Mutex)}

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.handleHealth(rec, req)

	if rec.Code != 200 || rec.Body.String() != "ok" {
		t.Fatalf("health = %d %q", rec.Code, rec.Body.String())
	}
}
