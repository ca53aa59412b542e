package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	apperrors "github.com/fairdraw/fairdraw/internal/platform/errors"
	"github.com/fairdraw/fairdraw/internal/services/draw/domain"
	"github.com/fairdraw/fairdraw/internal/services/draw/storage"
)

// RelayCodec is the capability boundary for opaque commit and reveal
// payloads. The relay calls Validate before rebroadcasting but never
// interprets the payload itself.
type RelayCodec interface {
	Validate(eventType domain.EventType, payload json.RawMessage) error
}

// PassthroughCodec accepts every payload.
type PassthroughCodec struct{}

func (PassthroughCodec) Validate(domain.EventType, json.RawMessage) error {
	return nil
}

type statusChangePayload struct {
	Status string `json:"status"`
}

type ackPayload struct {
	Status string            `json:"status"`
	Winner *domain.Candidate `json:"winner"`
}

// handlePostToDraw relays one event to the draw's room. The sender identity
// and the event id are always attached server-side; whatever the client put
// in `from` or `eventId` is discarded. Persistence side effects run after
// the broadcast and are best-effort: a failed write is logged, never rolled
// back into the already-delivered broadcast.
func (g *gateway) handlePostToDraw(ctx context.Context, session *wsSession, frame wsFrame) {
	var event domain.DrawEvent
	if err := json.Unmarshal(frame.Payload, &event); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeInvalidArgument, "invalid event payload")
		return
	}

	event.DrawUUID = strings.TrimSpace(event.DrawUUID)
	if event.DrawUUID == "" {
		_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeMissingInformation, "drawUuid is required")
		return
	}
	if strings.TrimSpace(string(event.Type)) == "" {
		_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeMissingInformation, "event type is required")
		return
	}

	current, err := g.draws.GetDraw(ctx, event.DrawUUID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeDrawNotFound, "draw not found")
			return
		}
		log.Printf("draw: post read failed uuid=%q user=%q err=%v", event.DrawUUID, session.userID, err)
		_ = writeWSError(session.peer, frame.RequestID, apperrors.CodePersistenceFailure, "draw unavailable")
		return
	}

	if event.Type == domain.EventCommitReceived || event.Type == domain.EventRevealReceived {
		if err := g.codec.Validate(event.Type, event.Data); err != nil {
			_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeInvalidArgument, "event payload rejected")
			return
		}
	}

	sender := g.resolveSender(ctx, current, session.userID)
	event.From = &sender
	event.EventID = g.stamper.Next()
	event.Timestamp = time.Now().UTC().UnixMilli()

	g.hub.room(event.DrawUUID).broadcast(wsFrame{
		Type:    frameDrawEvent,
		Payload: mustJSON(event),
	})

	_ = session.peer.writeFrame(wsFrame{
		Type:      frameEventPosted,
		RequestID: frame.RequestID,
		Payload:   mustJSON(eventPostedPayload{Posted: true}),
	})

	switch event.Type {
	case domain.EventStatusChanged:
		g.applyStatusChange(ctx, event.DrawUUID, event.Data)
	case domain.EventCommitReceived:
		g.appendPhasePayload(ctx, event.DrawUUID, event.Type, event.Data)
	case domain.EventRevealReceived:
		g.appendPhasePayload(ctx, event.DrawUUID, event.Type, event.Data)
	case domain.EventAck:
		g.applyAck(ctx, event.DrawUUID, session.userID, event.Data)
	}
}

// resolveSender builds the server-verified `from` value. A registered
// stakeholder is returned as stored, indexes and eligibility included;
// anyone else gets a bare identity with their provider profile when one can
// be resolved.
func (g *gateway) resolveSender(ctx context.Context, draw domain.Draw, userID string) domain.Stakeholder {
	if stakeholder, ok := draw.Stakeholder(userID); ok {
		return stakeholder
	}
	return domain.Stakeholder{
		ID:      userID,
		Profile: g.lookupProfile(ctx, userID),
	}
}

// applyStatusChange writes a new phase only when it differs from the
// persisted one. A redundant STATUS_CHANGED event is a no-op.
func (g *gateway) applyStatusChange(ctx context.Context, drawUUID string, data json.RawMessage) {
	status, err := decodeStatusPayload(data)
	if err != nil {
		log.Printf("draw: status change ignored uuid=%q err=%v", drawUUID, err)
		return
	}

	g.locks.acquire(drawUUID)
	defer g.locks.release(drawUUID)

	current, err := g.draws.GetDraw(ctx, drawUUID)
	if err != nil {
		log.Printf("draw: status change read failed uuid=%q err=%v", drawUUID, err)
		return
	}
	if current.Status == status {
		return
	}
	if err := g.draws.SetStatus(ctx, drawUUID, status); err != nil {
		log.Printf("draw: status change write failed uuid=%q status=%q err=%v", drawUUID, status, err)
		return
	}
	log.Printf("draw: status changed uuid=%q from=%q to=%q", drawUUID, current.Status, status)
}

func decodeStatusPayload(data json.RawMessage) (domain.DrawStatus, error) {
	var payload statusChangePayload
	if err := json.Unmarshal(data, &payload); err == nil && strings.TrimSpace(payload.Status) != "" {
		return domain.ParseStatus(payload.Status)
	}
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		return domain.ParseStatus(bare)
	}
	return "", errors.New("status payload is not a status")
}

// appendPhasePayload records an opaque commit or reveal payload on the draw
// document.
func (g *gateway) appendPhasePayload(ctx context.Context, drawUUID string, eventType domain.EventType, data json.RawMessage) {
	g.locks.acquire(drawUUID)
	defer g.locks.release(drawUUID)

	var err error
	switch eventType {
	case domain.EventCommitReceived:
		err = g.draws.AppendCommit(ctx, drawUUID, data)
	case domain.EventRevealReceived:
		err = g.draws.AppendReveal(ctx, drawUUID, data)
	}
	if err != nil {
		log.Printf("draw: %s persist failed uuid=%q err=%v", eventType, drawUUID, err)
	}
}

// applyAck forwards an ACK whose payload claims the draw finished to the
// consensus path. Any other ack shape has no side effects.
func (g *gateway) applyAck(ctx context.Context, drawUUID string, stakeholderID string, data json.RawMessage) {
	var payload ackPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Printf("draw: ack ignored uuid=%q stakeholder=%q err=%v", drawUUID, stakeholderID, err)
		return
	}
	if domain.DrawStatus(strings.TrimSpace(payload.Status)) != domain.StatusFinished || payload.Winner == nil {
		return
	}
	g.applyWinnerAck(ctx, drawUUID, stakeholderID, *payload.Winner)
}
