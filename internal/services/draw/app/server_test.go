package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewServerRequiresHTTPAddr(t *testing.T) {
	if _, err := NewServer(Config{}); err == nil {
		t.Fatal("expected error for empty HTTP address")
	}
}

func TestNewServerRequiresStoragePath(t *testing.T) {
	if _, err := NewServer(Config{HTTPAddr: "127.0.0.1:0"}); err == nil {
		t.Fatal("expected error for empty storage path")
	}
}

func TestNewServerRequiresIdentityConfiguration(t *testing.T) {
	_, err := NewServer(Config{
		HTTPAddr:    "127.0.0.1:0",
		StoragePath: filepath.Join(t.TempDir(), "draw.db"),
	})
	if err == nil {
		t.Fatal("expected error for missing identity configuration")
	}
}

func TestListenAndServeNilServer(t *testing.T) {
	var s *Server
	if err := s.ListenAndServe(context.Background()); err == nil {
		t.Fatal("expected error for nil server")
	}
}

func TestNewHandlerUpEndpoint(t *testing.T) {
	deps, _ := newTestDeps(t)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/up", nil)

	NewHandler(deps).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusOK)
	}
	if strings.TrimSpace(rr.Body.String()) != "OK" {
		t.Fatalf("body = %q, want OK", rr.Body.String())
	}
}

func TestNewHandlerWSEndpointRejectsNonGet(t *testing.T) {
	deps, _ := newTestDeps(t)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/ws", nil)

	NewHandler(deps).ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusMethodNotAllowed)
	}
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := NewServer(Config{
		HTTPAddr:           "127.0.0.1:0",
		StoragePath:        filepath.Join(t.TempDir(), "draw.db"),
		AuthBaseURL:        "http://127.0.0.1:0",
		AuthResourceSecret: "secret",
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer server.Close()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe(ctx)
	}()

	time.Sleep(25 * time.Millisecond)
	cancel()

	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop on cancel")
	}
}

func TestWebSocketCreateDrawReturnsPersistedDraw(t *testing.T) {
	srv, store := newTestServer(t, "creator-1")
	conn := dialWSAs(t, srv, "creator-1")

	created := createTestDraw(t, conn, 3)
	if created.UUID == "" {
		t.Fatal("expected generated uuid")
	}
	if created.CreatorID != "creator-1" {
		t.Fatalf("creator = %q, want %q", created.CreatorID, "creator-1")
	}
	if created.Status != "OPEN" {
		t.Fatalf("status = %q, want OPEN", created.Status)
	}

	persisted, err := store.GetDraw(context.Background(), created.UUID)
	if err != nil {
		t.Fatalf("get persisted draw: %v", err)
	}
	if persisted.Spots != 3 {
		t.Fatalf("persisted spots = %d, want 3", persisted.Spots)
	}
}

func TestWebSocketCreateDrawRejectsInvalidSpots(t *testing.T) {
	srv, _ := newTestServer(t, "creator-1")
	conn := dialWSAs(t, srv, "creator-1")

	writeTestFrame(t, conn, map[string]any{
		"type":       "createDraw",
		"request_id": "req-create-bad",
		"payload":    map[string]any{"spots": 0},
	})

	got := readTestFrame(t, conn)
	if got.Type != "drawError" {
		t.Fatalf("frame type = %q, want %q", got.Type, "drawError")
	}
	if !strings.Contains(string(got.Payload), "ERR_CREATE_DRAW") {
		t.Fatalf("error payload = %s, expected ERR_CREATE_DRAW", string(got.Payload))
	}
}

func TestWebSocketSendPublicKeyApprovesConnection(t *testing.T) {
	srv, store := newTestServer(t, "user-1")
	conn := dialWSAs(t, srv, "user-1")

	registerPublicKey(t, conn, "pk-user-1")

	key, err := store.GetPublicKey(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get public key: %v", err)
	}
	if key != "pk-user-1" {
		t.Fatalf("stored key = %q, want %q", key, "pk-user-1")
	}
}

func TestWebSocketSendPublicKeyRequiresKey(t *testing.T) {
	srv, _ := newTestServer(t, "user-1")
	conn := dialWSAs(t, srv, "user-1")

	writeTestFrame(t, conn, map[string]any{
		"type":       "sendPublicKey",
		"request_id": "req-key-bad",
		"payload":    map[string]any{"publicKey": "  "},
	})

	got := readTestFrame(t, conn)
	if got.Type != "drawError" {
		t.Fatalf("frame type = %q, want %q", got.Type, "drawError")
	}
	if !strings.Contains(string(got.Payload), "MISSING_INFORMATION") {
		t.Fatalf("error payload = %s, expected MISSING_INFORMATION", string(got.Payload))
	}
}
