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

type joinDrawPayload struct {
	DrawUUID    string              `json:"drawUuid"`
	Stakeholder *domain.Stakeholder `json:"stakeholder,omitempty"`
}

// handleJoinDraw registers the caller as a stakeholder of one draw. The
// whole operation is serialized per draw so index assignment reads a count
// no concurrent join can invalidate. The claimed stakeholder identity must
// match the verified session identity; everything else in the claimed
// stakeholder is ignored and rebuilt server-side.
func (g *gateway) handleJoinDraw(ctx context.Context, session *wsSession, frame wsFrame) {
	var payload joinDrawPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeMissingInformation, "invalid join payload")
		return
	}

	drawUUID := strings.TrimSpace(payload.DrawUUID)
	if drawUUID == "" {
		_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeMissingInformation, "drawUuid is required")
		return
	}
	if payload.Stakeholder != nil {
		claimed := strings.TrimSpace(payload.Stakeholder.ID)
		if claimed != "" && claimed != session.userID {
			log.Printf("draw: join identity mismatch uuid=%q user=%q claimed=%q", drawUUID, session.userID, claimed)
			_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeStakeholderForbidden, "stakeholder identity mismatch")
			return
		}
	}

	g.locks.acquire(drawUUID)
	defer g.locks.release(drawUUID)

	draw, err := g.draws.GetDraw(ctx, drawUUID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeDrawNotFound, "draw not found")
			return
		}
		log.Printf("draw: join read failed uuid=%q user=%q err=%v", drawUUID, session.userID, err)
		_ = writeWSError(session.peer, frame.RequestID, apperrors.CodePersistenceFailure, "draw unavailable")
		return
	}

	room := g.hub.room(drawUUID)

	if draw.HasStakeholder(session.userID) {
		// Idempotent rejection: the retrying client still gets its joined
		// ack, the collection stays free of duplicates.
		_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeStakeholderAlreadyRegistered, "stakeholder already registered")
		g.ackJoined(session, frame.RequestID, room, draw)
		return
	}

	publicKey, err := g.keys.GetPublicKey(ctx, session.userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeStakeholderKeyNotFound, "stakeholder public key is not registered")
			return
		}
		log.Printf("draw: join key lookup failed uuid=%q user=%q err=%v", drawUUID, session.userID, err)
		_ = writeWSError(session.peer, frame.RequestID, apperrors.CodePersistenceFailure, "key store unavailable")
		return
	}

	stakeholder := domain.Stakeholder{
		ID:        session.userID,
		Indexes:   []int{len(draw.Stakeholders)},
		Eligible:  true,
		Profile:   g.lookupProfile(ctx, session.userID),
		PublicKey: publicKey,
	}

	if err := g.draws.AppendStakeholder(ctx, drawUUID, stakeholder); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeStakeholderAlreadyRegistered, "stakeholder already registered")
			g.ackJoined(session, frame.RequestID, room, draw)
			return
		}
		log.Printf("draw: join persist failed uuid=%q user=%q err=%v", drawUUID, session.userID, err)
		_ = writeWSError(session.peer, frame.RequestID, apperrors.CodePersistenceFailure, "join could not be persisted")
		return
	}

	draw.Stakeholders = append(draw.Stakeholders, stakeholder)
	log.Printf("draw: stakeholder joined uuid=%q user=%q index=%d", drawUUID, session.userID, stakeholder.Indexes[0])
	g.ackJoined(session, frame.RequestID, room, draw)

	room.broadcast(wsFrame{
		Type: frameDrawEvent,
		Payload: mustJSON(domain.DrawEvent{
			Timestamp: time.Now().UTC().UnixMilli(),
			Type:      domain.EventCandidateSubscribed,
			Data:      mustJSON(stakeholder),
			DrawUUID:  drawUUID,
			EventID:   g.stamper.Next(),
			From:      &stakeholder,
		}),
	})
}

// ackJoined subscribes the caller to the draw room and confirms the join.
func (g *gateway) ackJoined(session *wsSession, requestID string, room *drawRoom, draw domain.Draw) {
	room.join(session.peer)
	session.trackRoom(room)
	_ = session.peer.writeFrame(wsFrame{
		Type:      frameDrawJoined,
		RequestID: requestID,
		Payload:   mustJSON(drawEnvelope{Draw: draw}),
	})
}

// handleListenDraw subscribes the caller to a draw room without registering
// them as a stakeholder. Observers use this to watch events before deciding
// to join.
func (g *gateway) handleListenDraw(ctx context.Context, session *wsSession, frame wsFrame) {
	var payload drawRequestPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeMissingInformation, "invalid listen payload")
		return
	}
	drawUUID := strings.TrimSpace(payload.DrawUUID)
	if drawUUID == "" {
		_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeMissingInformation, "drawUuid is required")
		return
	}

	draw, err := g.draws.GetDraw(ctx, drawUUID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeDrawNotFound, "draw not found")
			return
		}
		log.Printf("draw: listen read failed uuid=%q user=%q err=%v", drawUUID, session.userID, err)
		_ = writeWSError(session.peer, frame.RequestID, apperrors.CodePersistenceFailure, "draw unavailable")
		return
	}

	room := g.hub.room(drawUUID)
	room.join(session.peer)
	session.trackRoom(room)

	listener := g.resolveSender(ctx, draw, session.userID)
	event := domain.DrawEvent{
		Timestamp: time.Now().UTC().UnixMilli(),
		Type:      domain.EventStakeholderSubscribed,
		Data:      mustJSON(listener),
		DrawUUID:  drawUUID,
		EventID:   g.stamper.Next(),
		From:      &listener,
	}

	_ = session.peer.writeFrame(wsFrame{
		Type:      frameDrawListened,
		RequestID: frame.RequestID,
		Payload:   mustJSON(event),
	})
	room.broadcast(wsFrame{
		Type:    frameDrawEvent,
		Payload: mustJSON(event),
	})
}

// handleGetDraw reads one draw with the stakeholder roster fully resolved:
// profiles from the identity provider where available, key material from the
// key store always. A stakeholder without registered key material fails the
// whole read.
func (g *gateway) handleGetDraw(ctx context.Context, session *wsSession, frame wsFrame) {
	var payload drawRequestPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeMissingInformation, "invalid get payload")
		return
	}
	drawUUID := strings.TrimSpace(payload.DrawUUID)
	if drawUUID == "" {
		_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeMissingInformation, "drawUuid is required")
		return
	}

	draw, err := g.draws.GetDraw(ctx, drawUUID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeDrawNotFound, "draw not found")
			return
		}
		log.Printf("draw: get read failed uuid=%q user=%q err=%v", drawUUID, session.userID, err)
		_ = writeWSError(session.peer, frame.RequestID, apperrors.CodePersistenceFailure, "draw unavailable")
		return
	}

	for i := range draw.Stakeholders {
		stakeholder := &draw.Stakeholders[i]

		if profile := g.lookupProfile(ctx, stakeholder.ID); profile != (domain.Profile{}) {
			stakeholder.Profile = profile
		}

		key, err := g.keys.GetPublicKey(ctx, stakeholder.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				_ = writeWSError(session.peer, frame.RequestID, apperrors.CodeStakeholderKeyNotFound, "stakeholder public key is not registered")
				return
			}
			log.Printf("draw: get key lookup failed uuid=%q stakeholder=%q err=%v", drawUUID, stakeholder.ID, err)
			_ = writeWSError(session.peer, frame.RequestID, apperrors.CodePersistenceFailure, "key store unavailable")
			return
		}
		stakeholder.PublicKey = key
	}

	_ = session.peer.writeFrame(wsFrame{
		Type:      frameGetDraw,
		RequestID: frame.RequestID,
		Payload:   mustJSON(drawEnvelope{Draw: draw}),
	})
}

// lookupProfile resolves a stakeholder profile best-effort. Profile data is
// presentation only; a lookup failure never fails the calling operation.
func (g *gateway) lookupProfile(ctx context.Context, stakeholderID string) domain.Profile {
	if g.identity == nil {
		return domain.Profile{}
	}
	profile, err := g.identity.Lookup(ctx, stakeholderID)
	if err != nil {
		log.Printf("draw: profile lookup failed stakeholder=%q err=%v", stakeholderID, err)
		return domain.Profile{}
	}
	return profile
}
