package server

import (
	"context"
	"sync"
	"testing"

	"github.com/fairdraw/fairdraw/internal/services/draw/domain"
	"github.com/fairdraw/fairdraw/internal/services/draw/storage/sqlite"
)

func newConsensusFixture(t *testing.T, spots int, stakeholderIDs ...string) (*gateway, *sqlite.Store, domain.Draw) {
	t.Helper()
	deps, store := newTestDeps(t)
	g := newGateway(deps, nil)

	created, err := domain.NewDraw("", nil, spots, 0, "creator-1", testNow())
	if err != nil {
		t.Fatalf("new draw: %v", err)
	}
	ctx := context.Background()
	if err := store.CreateDraw(ctx, created); err != nil {
		t.Fatalf("create draw: %v", err)
	}
	for i, stakeholderID := range stakeholderIDs {
		if err := store.AppendStakeholder(ctx, created.UUID, domain.Stakeholder{
			ID:       stakeholderID,
			Indexes:  []int{i},
			Eligible: true,
		}); err != nil {
			t.Fatalf("append stakeholder %q: %v", stakeholderID, err)
		}
	}
	if err := store.SetStatus(ctx, created.UUID, domain.StatusReveal); err != nil {
		t.Fatalf("set status: %v", err)
	}
	return g, store, created
}

func candidate(id string) domain.Candidate {
	return domain.Candidate{ID: id, Indexes: []int{0}, Eligible: true}
}

func TestWinnerConsensusUnanimousAcksCommitWinner(t *testing.T) {
	g, store, created := newConsensusFixture(t, 2, "stake-a", "stake-b")
	ctx := context.Background()

	g.applyWinnerAck(ctx, created.UUID, "stake-a", candidate("stake-a"))

	draw, err := store.GetDraw(ctx, created.UUID)
	if err != nil {
		t.Fatalf("get draw: %v", err)
	}
	if draw.Winner != nil {
		t.Fatalf("winner set after one ack: %+v", draw.Winner)
	}

	g.applyWinnerAck(ctx, created.UUID, "stake-b", candidate("stake-a"))

	draw, err = store.GetDraw(ctx, created.UUID)
	if err != nil {
		t.Fatalf("get draw: %v", err)
	}
	if draw.Winner == nil || draw.Winner.ID != "stake-a" {
		t.Fatalf("winner = %+v, want stake-a", draw.Winner)
	}
	if draw.Status != domain.StatusFinished {
		t.Fatalf("status = %q, want %q", draw.Status, domain.StatusFinished)
	}
}

func TestWinnerConsensusLateDuplicateAckIsIgnored(t *testing.T) {
	g, store, created := newConsensusFixture(t, 2, "stake-a", "stake-b")
	ctx := context.Background()

	g.applyWinnerAck(ctx, created.UUID, "stake-a", candidate("stake-a"))
	g.applyWinnerAck(ctx, created.UUID, "stake-b", candidate("stake-a"))
	g.applyWinnerAck(ctx, created.UUID, "stake-a", candidate("stake-b"))

	draw, err := store.GetDraw(ctx, created.UUID)
	if err != nil {
		t.Fatalf("get draw: %v", err)
	}
	if len(draw.WinnerAcks) != 2 {
		t.Fatalf("winner acks = %d, want 2", len(draw.WinnerAcks))
	}
	if draw.Winner == nil || draw.Winner.ID != "stake-a" {
		t.Fatalf("winner = %+v, want unchanged stake-a", draw.Winner)
	}
}

func TestWinnerConsensusDisagreementLeavesDrawUnresolved(t *testing.T) {
	g, store, created := newConsensusFixture(t, 3, "stake-a", "stake-b", "stake-c")
	ctx := context.Background()

	g.applyWinnerAck(ctx, created.UUID, "stake-a", candidate("stake-a"))
	g.applyWinnerAck(ctx, created.UUID, "stake-b", candidate("stake-a"))
	g.applyWinnerAck(ctx, created.UUID, "stake-c", candidate("stake-b"))

	draw, err := store.GetDraw(ctx, created.UUID)
	if err != nil {
		t.Fatalf("get draw: %v", err)
	}
	if len(draw.WinnerAcks) != 3 {
		t.Fatalf("winner acks = %d, want 3", len(draw.WinnerAcks))
	}
	if draw.Winner != nil {
		t.Fatalf("winner = %+v, want unset on disagreement", draw.Winner)
	}
	if draw.Status != domain.StatusReveal {
		t.Fatalf("status = %q, want unchanged %q", draw.Status, domain.StatusReveal)
	}
}

func TestWinnerConsensusRequiresRevealPhase(t *testing.T) {
	g, store, created := newConsensusFixture(t, 1, "stake-a")
	ctx := context.Background()
	if err := store.SetStatus(ctx, created.UUID, domain.StatusLocked); err != nil {
		t.Fatalf("set status: %v", err)
	}

	g.applyWinnerAck(ctx, created.UUID, "stake-a", candidate("stake-a"))

	draw, err := store.GetDraw(ctx, created.UUID)
	if err != nil {
		t.Fatalf("get draw: %v", err)
	}
	if len(draw.WinnerAcks) != 0 || draw.Winner != nil {
		t.Fatalf("ack recorded outside reveal phase: acks=%d winner=%+v", len(draw.WinnerAcks), draw.Winner)
	}
}

func TestWinnerConsensusRejectsNonStakeholderAndIneligible(t *testing.T) {
	g, store, created := newConsensusFixture(t, 2, "stake-a", "stake-b")
	ctx := context.Background()

	g.applyWinnerAck(ctx, created.UUID, "outsider", candidate("stake-a"))

	draw, err := store.GetDraw(ctx, created.UUID)
	if err != nil {
		t.Fatalf("get draw: %v", err)
	}
	if len(draw.WinnerAcks) != 0 {
		t.Fatalf("winner acks = %d, want 0 after outsider ack", len(draw.WinnerAcks))
	}
}

func TestWinnerConsensusConcurrentDuplicateAcksWriteWinnerOnce(t *testing.T) {
	g, store, created := newConsensusFixture(t, 2, "stake-a", "stake-b")
	ctx := context.Background()

	g.applyWinnerAck(ctx, created.UUID, "stake-a", candidate("stake-a"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.applyWinnerAck(ctx, created.UUID, "stake-b", candidate("stake-a"))
		}()
	}
	wg.Wait()

	draw, err := store.GetDraw(ctx, created.UUID)
	if err != nil {
		t.Fatalf("get draw: %v", err)
	}
	if len(draw.WinnerAcks) != 2 {
		t.Fatalf("winner acks = %d, want 2", len(draw.WinnerAcks))
	}
	if draw.Winner == nil || draw.Winner.ID != "stake-a" {
		t.Fatalf("winner = %+v, want stake-a", draw.Winner)
	}
}

func TestWinnerConsensusViaPostedAckEvent(t *testing.T) {
	srv, store := newTestServer(t, "user-a", "user-b")
	connA := dialWSAs(t, srv, "user-a")
	connB := dialWSAs(t, srv, "user-b")

	created := createTestDraw(t, connA, 2)
	registerPublicKey(t, connA, "pk-a")
	registerPublicKey(t, connB, "pk-b")
	joined := joinTestDraw(t, connA, created.UUID)
	readFrameOfType(t, connA, "drawEvent")
	joinTestDraw(t, connB, created.UUID)
	readFrameOfType(t, connA, "drawEvent")
	readFrameOfType(t, connB, "drawEvent")

	winner := joined.Stakeholders[0]

	postTestEvent(t, connA, created.UUID, "STATUS_CHANGED", map[string]any{"status": "REVEAL"})
	readFrameOfType(t, connA, "eventPosted")
	waitForDraw(t, store, created.UUID, func(d domain.Draw) bool {
		return d.Status == domain.StatusReveal
	})

	ackData := map[string]any{"status": "FINISHED", "winner": winner}
	postTestEvent(t, connA, created.UUID, "ACK", ackData)
	readFrameOfType(t, connA, "eventPosted")
	postTestEvent(t, connB, created.UUID, "ACK", ackData)
	readFrameOfType(t, connB, "eventPosted")

	final := waitForDraw(t, store, created.UUID, func(d domain.Draw) bool {
		return d.Winner != nil
	})
	if final.Winner.ID != "user-a" {
		t.Fatalf("winner = %q, want user-a", final.Winner.ID)
	}
	if final.Status != domain.StatusFinished {
		t.Fatalf("status = %q, want %q", final.Status, domain.StatusFinished)
	}
}
