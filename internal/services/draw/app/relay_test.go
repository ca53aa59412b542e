package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"golang.org/x/net/websocket"

	"github.com/fairdraw/fairdraw/internal/services/draw/domain"
)

func listenTestDraw(t *testing.T, conn *websocket.Conn, drawUUID string) {
	t.Helper()
	writeTestFrame(t, conn, map[string]any{
		"type":       "listenDraw",
		"request_id": "req-listen-1",
		"payload":    map[string]any{"drawUuid": drawUUID},
	})
	readFrameOfType(t, conn, "drawListened")
}

func postTestEvent(t *testing.T, conn *websocket.Conn, drawUUID string, eventType string, data any) {
	t.Helper()
	writeTestFrame(t, conn, map[string]any{
		"type":       "postToDraw",
		"request_id": "req-post-1",
		"payload": map[string]any{
			"type":     eventType,
			"drawUuid": drawUUID,
			"data":     data,
		},
	})
}

func TestPostToDrawRelaysToRoomWithStampedEvent(t *testing.T) {
	srv, _ := newTestServer(t, "user-a", "user-b")
	connA := dialWSAs(t, srv, "user-a")
	connB := dialWSAs(t, srv, "user-b")

	created := createTestDraw(t, connA, 2)
	listenTestDraw(t, connA, created.UUID)
	readFrameOfType(t, connA, "drawEvent")
	listenTestDraw(t, connB, created.UUID)
	readFrameOfType(t, connA, "drawEvent")
	readFrameOfType(t, connB, "drawEvent")

	postTestEvent(t, connA, created.UUID, "COMMIT_RECEIVED", map[string]any{"commitment": "c1"})

	senderEvent := decodeDrawEvent(t, readFrameOfType(t, connA, "drawEvent").Payload)
	receiverEvent := decodeDrawEvent(t, readFrameOfType(t, connB, "drawEvent").Payload)
	readFrameOfType(t, connA, "eventPosted")

	if senderEvent.EventID == "" {
		t.Fatal("expected stamped event id")
	}
	if senderEvent.EventID != receiverEvent.EventID {
		t.Fatalf("event ids differ across subscribers: %q != %q", senderEvent.EventID, receiverEvent.EventID)
	}
	if senderEvent.From == nil || senderEvent.From.ID != "user-a" {
		t.Fatalf("event from = %+v, want user-a", senderEvent.From)
	}
	if !strings.Contains(string(senderEvent.Data), "c1") {
		t.Fatalf("event data = %s, expected relayed payload", string(senderEvent.Data))
	}
}

func TestPostToDrawOverwritesClientAssertedSender(t *testing.T) {
	srv, _ := newTestServer(t, "user-a")
	conn := dialWSAs(t, srv, "user-a")

	created := createTestDraw(t, conn, 2)
	listenTestDraw(t, conn, created.UUID)
	readFrameOfType(t, conn, "drawEvent")

	writeTestFrame(t, conn, map[string]any{
		"type":       "postToDraw",
		"request_id": "req-post-spoof",
		"payload": map[string]any{
			"type":     "COMMIT_RECEIVED",
			"drawUuid": created.UUID,
			"eventId":  "forged",
			"from":     map[string]any{"id": "someone-else"},
			"data":     map[string]any{"commitment": "c1"},
		},
	})

	event := decodeDrawEvent(t, readFrameOfType(t, conn, "drawEvent").Payload)
	if event.From == nil || event.From.ID != "user-a" {
		t.Fatalf("event from = %+v, want verified user-a", event.From)
	}
	if event.EventID == "forged" {
		t.Fatal("client-asserted event id was kept")
	}
}

func TestPostToDrawReplayYieldsDistinctEventIDs(t *testing.T) {
	srv, _ := newTestServer(t, "user-a")
	conn := dialWSAs(t, srv, "user-a")

	created := createTestDraw(t, conn, 2)
	listenTestDraw(t, conn, created.UUID)
	readFrameOfType(t, conn, "drawEvent")

	postTestEvent(t, conn, created.UUID, "COMMIT_RECEIVED", map[string]any{"commitment": "same"})
	first := decodeDrawEvent(t, readFrameOfType(t, conn, "drawEvent").Payload)
	readFrameOfType(t, conn, "eventPosted")

	postTestEvent(t, conn, created.UUID, "COMMIT_RECEIVED", map[string]any{"commitment": "same"})
	second := decodeDrawEvent(t, readFrameOfType(t, conn, "drawEvent").Payload)
	readFrameOfType(t, conn, "eventPosted")

	if first.EventID == second.EventID {
		t.Fatalf("replayed event reused id %q", first.EventID)
	}
}

func TestPostToDrawMissingDrawReturnsNotFound(t *testing.T) {
	srv, _ := newTestServer(t, "user-a")
	conn := dialWSAs(t, srv, "user-a")

	postTestEvent(t, conn, "missing", "COMMIT_RECEIVED", map[string]any{})

	got := readTestFrame(t, conn)
	if got.Type != "drawError" {
		t.Fatalf("frame type = %q, want %q", got.Type, "drawError")
	}
	if !strings.Contains(string(got.Payload), "DRAW_NOT_FOUND") {
		t.Fatalf("error payload = %s, expected DRAW_NOT_FOUND", string(got.Payload))
	}
}

func TestPostToDrawStatusChangePersistsNewPhase(t *testing.T) {
	srv, store := newTestServer(t, "user-a")
	conn := dialWSAs(t, srv, "user-a")

	created := createTestDraw(t, conn, 2)

	postTestEvent(t, conn, created.UUID, "STATUS_CHANGED", map[string]any{"status": "LOCKED"})
	readFrameOfType(t, conn, "eventPosted")

	waitForDraw(t, store, created.UUID, func(d domain.Draw) bool {
		return d.Status == domain.StatusLocked
	})
}

func TestPostToDrawStatusChangeNoOpWhenUnchanged(t *testing.T) {
	deps, store := newTestDeps(t)
	g := newGateway(deps, nil)

	created, err := domain.NewDraw("", nil, 2, 0, "creator-1", testNow())
	if err != nil {
		t.Fatalf("new draw: %v", err)
	}
	if err := store.CreateDraw(context.Background(), created); err != nil {
		t.Fatalf("create draw: %v", err)
	}

	feed, cancel := store.Subscribe(context.Background())
	defer cancel()

	g.applyStatusChange(context.Background(), created.UUID, mustJSON(map[string]any{"status": "OPEN"}))

	select {
	case <-feed:
		t.Fatal("redundant status change wrote to the store")
	default:
	}
}

func TestPostToDrawAppendsCommitAndRevealPayloads(t *testing.T) {
	srv, store := newTestServer(t, "user-a")
	conn := dialWSAs(t, srv, "user-a")

	created := createTestDraw(t, conn, 2)

	postTestEvent(t, conn, created.UUID, "COMMIT_RECEIVED", map[string]any{"commitment": "c1"})
	readFrameOfType(t, conn, "eventPosted")
	postTestEvent(t, conn, created.UUID, "REVEAL_RECEIVED", map[string]any{"secret": "s1"})
	readFrameOfType(t, conn, "eventPosted")

	persisted := waitForDraw(t, store, created.UUID, func(d domain.Draw) bool {
		return len(d.Commits) == 1 && len(d.Reveals) == 1
	})
	if !strings.Contains(string(persisted.Commits[0]), "c1") {
		t.Fatalf("commit payload = %s, want relayed commitment", string(persisted.Commits[0]))
	}
	if !strings.Contains(string(persisted.Reveals[0]), "s1") {
		t.Fatalf("reveal payload = %s, want relayed secret", string(persisted.Reveals[0]))
	}
}

type rejectingCodec struct{}

func (rejectingCodec) Validate(domain.EventType, json.RawMessage) error {
	return errors.New("payload rejected")
}

func TestPostToDrawCodecRejectionBlocksRelay(t *testing.T) {
	deps, _ := newTestDeps(t)
	deps.Codec = rejectingCodec{}
	srv := newServerWithDeps(t, deps, "user-a")
	conn := dialWSAs(t, srv, "user-a")

	created := createTestDraw(t, conn, 2)

	postTestEvent(t, conn, created.UUID, "COMMIT_RECEIVED", map[string]any{"commitment": "c1"})

	got := readTestFrame(t, conn)
	if got.Type != "drawError" {
		t.Fatalf("frame type = %q, want %q", got.Type, "drawError")
	}
	if !strings.Contains(string(got.Payload), "INVALID_ARGUMENT") {
		t.Fatalf("error payload = %s, expected INVALID_ARGUMENT", string(got.Payload))
	}
}
