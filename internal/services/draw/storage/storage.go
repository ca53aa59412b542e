// Package storage defines persistence contracts for draw coordination state.
package storage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/fairdraw/fairdraw/internal/services/draw/domain"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists indicates a uniqueness-constrained record already exists.
	ErrAlreadyExists = errors.New("record already exists")
)

// DrawStore persists draw documents and exposes a change feed.
//
// Array mutations (stakeholders, commits, reveals, winner acks) are additive
// unions: the store appends within a transaction and enforces the document's
// uniqueness rules, so callers never send a full document back.
type DrawStore interface {
	// CreateDraw inserts a new draw document. ErrAlreadyExists when the uuid
	// is taken.
	CreateDraw(ctx context.Context, draw domain.Draw) error

	// GetDraw reads one draw document. ErrNotFound when absent.
	GetDraw(ctx context.Context, uuid string) (domain.Draw, error)

	// ListDraws reads all draw documents ordered by descending creation
	// timestamp.
	ListDraws(ctx context.Context) ([]domain.Draw, error)

	// AppendStakeholder unions a stakeholder into the draw's collection.
	// ErrAlreadyExists when the stakeholder id is already registered;
	// ErrNotFound when the draw is absent.
	AppendStakeholder(ctx context.Context, uuid string, stakeholder domain.Stakeholder) error

	// SetStatus overwrites the draw's status. Last writer wins.
	SetStatus(ctx context.Context, uuid string, status domain.DrawStatus) error

	// AppendCommit and AppendReveal append opaque relayed payloads.
	AppendCommit(ctx context.Context, uuid string, payload json.RawMessage) error
	AppendReveal(ctx context.Context, uuid string, payload json.RawMessage) error

	// AppendWinnerAck unions an acknowledgment, deduplicated by stakeholder
	// id. A duplicate is a silent no-op, not an error.
	AppendWinnerAck(ctx context.Context, uuid string, ack domain.WinnerAck) error

	// SetWinnerIfAbsent commits the winner and marks the draw finished only
	// when no winner is recorded yet. It reports whether this call wrote.
	SetWinnerIfAbsent(ctx context.Context, uuid string, winner domain.Candidate) (bool, error)

	// Subscribe registers a change-feed subscriber. The returned channel
	// receives a coalescing tick after every committed mutation until cancel
	// is called or ctx ends.
	Subscribe(ctx context.Context) (<-chan struct{}, func())
}

// KeyStore persists stakeholder public key material.
type KeyStore interface {
	// SavePublicKey stores or replaces the key registered for a stakeholder.
	SavePublicKey(ctx context.Context, stakeholderID string, publicKey string) error

	// GetPublicKey returns the registered key. ErrNotFound when absent.
	GetPublicKey(ctx context.Context, stakeholderID string) (string, error)
}
