package server

import (
	"context"
	"log"

	"github.com/fairdraw/fairdraw/internal/services/draw/domain"
)

// applyWinnerAck records one stakeholder's winner claim and finalizes the
// draw once every spot has acknowledged the same candidate. The whole
// sequence runs under the draw's write lock against a fresh store read, and
// the winner write itself is conditional at the store, so the winner is set
// at most once even when duplicate acks race in from several connections.
func (g *gateway) applyWinnerAck(ctx context.Context, drawUUID string, stakeholderID string, claimed domain.Candidate) {
	g.locks.acquire(drawUUID)
	defer g.locks.release(drawUUID)

	draw, err := g.draws.GetDraw(ctx, drawUUID)
	if err != nil {
		log.Printf("draw: winner ack read failed uuid=%q stakeholder=%q err=%v", drawUUID, stakeholderID, err)
		return
	}

	if draw.Status != domain.StatusReveal {
		log.Printf("draw: winner ack ignored uuid=%q stakeholder=%q status=%q", drawUUID, stakeholderID, draw.Status)
		return
	}
	stakeholder, ok := draw.Stakeholder(stakeholderID)
	if !ok || !stakeholder.Eligible {
		log.Printf("draw: winner ack rejected uuid=%q stakeholder=%q eligible=%t registered=%t", drawUUID, stakeholderID, stakeholder.Eligible, ok)
		return
	}

	if draw.HasAckFrom(stakeholderID) {
		return
	}
	if err := g.draws.AppendWinnerAck(ctx, drawUUID, domain.WinnerAck{
		StakeholderID: stakeholderID,
		Winner:        claimed,
	}); err != nil {
		log.Printf("draw: winner ack persist failed uuid=%q stakeholder=%q err=%v", drawUUID, stakeholderID, err)
		return
	}

	draw, err = g.draws.GetDraw(ctx, drawUUID)
	if err != nil {
		log.Printf("draw: winner ack reread failed uuid=%q err=%v", drawUUID, err)
		return
	}
	if len(draw.WinnerAcks) != draw.Spots {
		return
	}

	winner, unanimous := draw.UnanimousWinner()
	if !unanimous {
		// Full quorum without agreement leaves the draw unresolved. There is
		// no tie-break or re-vote; the winner stays unset.
		log.Printf("draw: winner acks disagree uuid=%q acks=%d", drawUUID, len(draw.WinnerAcks))
		return
	}

	wrote, err := g.draws.SetWinnerIfAbsent(ctx, drawUUID, winner)
	if err != nil {
		log.Printf("draw: winner persist failed uuid=%q winner=%q err=%v", drawUUID, winner.ID, err)
		return
	}
	if wrote {
		log.Printf("draw: winner committed uuid=%q winner=%q", drawUUID, winner.ID)
	}
}
