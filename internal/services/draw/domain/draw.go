// Package domain defines the draw coordination value types.
//
// A draw is a lottery-style selection session: stakeholders register for a
// fixed number of spots, exchange opaque commit/reveal payloads, and then
// independently acknowledge the winner they computed. The types here carry no
// behavior beyond construction and validation; coordination lives in the
// gateway and the stores.
package domain

import (
	"encoding/json"
	"strings"
	"time"

	apperrors "github.com/fairdraw/fairdraw/internal/platform/errors"
	"github.com/fairdraw/fairdraw/internal/platform/id"
)

// DrawStatus is the coarse phase of a draw.
type DrawStatus string

const (
	// StatusOpen accepts new stakeholders.
	StatusOpen DrawStatus = "OPEN"
	// StatusLocked is the commit phase; membership is frozen.
	StatusLocked DrawStatus = "LOCKED"
	// StatusReveal is the reveal phase; winner acks are accepted.
	StatusReveal DrawStatus = "REVEAL"
	// StatusFinished is terminal; the winner, if any, is committed.
	StatusFinished DrawStatus = "FINISHED"
)

// ParseStatus validates a client-supplied status string.
func ParseStatus(value string) (DrawStatus, error) {
	switch DrawStatus(strings.TrimSpace(value)) {
	case StatusOpen:
		return StatusOpen, nil
	case StatusLocked:
		return StatusLocked, nil
	case StatusReveal:
		return StatusReveal, nil
	case StatusFinished:
		return StatusFinished, nil
	}
	return "", apperrors.WithMetadata(apperrors.CodeDrawInvalidStatus, "unknown draw status", map[string]string{
		"status": value,
	})
}

// Profile is identity-provider data for a stakeholder. It is always resolved
// server-side and never taken from a client payload.
type Profile struct {
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// Stakeholder is a participant registered to one draw. The id is the identity
// provider subject; indexes are the positions assigned at join time and act
// as the unit of eligibility.
type Stakeholder struct {
	ID        string  `json:"id"`
	Indexes   []int   `json:"indexes"`
	Eligible  bool    `json:"eligible"`
	Profile   Profile `json:"profile,omitempty"`
	PublicKey string  `json:"publicKey,omitempty"`
}

// Candidate is a stakeholder in the winner position.
type Candidate = Stakeholder

// WinnerAck records one stakeholder's claim about the computed winner.
type WinnerAck struct {
	StakeholderID string    `json:"stakeholderId"`
	Winner        Candidate `json:"winner"`
}

// Draw is the persisted document for one selection session. Field names are
// stable across document versions; changing them breaks stored data.
type Draw struct {
	UUID              string            `json:"uuid"`
	Data              json.RawMessage   `json:"data,omitempty"`
	Spots             int               `json:"spots"`
	MinSpots          int               `json:"minSpots,omitempty"`
	CreatorID         string            `json:"creatorId"`
	Status            DrawStatus        `json:"status"`
	Winner            *Candidate        `json:"winner,omitempty"`
	Stakeholders      []Stakeholder     `json:"stakeholders"`
	Commits           []json.RawMessage `json:"commits"`
	Reveals           []json.RawMessage `json:"reveals"`
	WinnerAcks        []WinnerAck       `json:"winnerAcks"`
	CreationTimestamp int64             `json:"creationTimestamp"`
}

// NewDraw builds a draw in the OPEN phase. A missing uuid is generated.
func NewDraw(uuid string, data json.RawMessage, spots int, minSpots int, creatorID string, now time.Time) (Draw, error) {
	uuid = strings.TrimSpace(uuid)
	creatorID = strings.TrimSpace(creatorID)
	if creatorID == "" {
		return Draw{}, apperrors.New(apperrors.CodeMissingInformation, "creator id is required")
	}
	if spots < 1 {
		return Draw{}, apperrors.New(apperrors.CodeDrawInvalidSpots, "spots must be at least 1")
	}
	if minSpots < 0 || minSpots > spots {
		return Draw{}, apperrors.New(apperrors.CodeDrawInvalidSpots, "min spots must be between 0 and spots")
	}
	if uuid == "" {
		generated, err := id.NewID()
		if err != nil {
			return Draw{}, apperrors.Wrap(apperrors.CodeDrawCreateFailed, "generate draw uuid", err)
		}
		uuid = generated
	}
	return Draw{
		UUID:              uuid,
		Data:              data,
		Spots:             spots,
		MinSpots:          minSpots,
		CreatorID:         creatorID,
		Status:            StatusOpen,
		Stakeholders:      []Stakeholder{},
		Commits:           []json.RawMessage{},
		Reveals:           []json.RawMessage{},
		WinnerAcks:        []WinnerAck{},
		CreationTimestamp: now.UTC().UnixMilli(),
	}, nil
}

// Stakeholder returns the registered stakeholder with the given id.
func (d Draw) Stakeholder(stakeholderID string) (Stakeholder, bool) {
	for _, stakeholder := range d.Stakeholders {
		if stakeholder.ID == stakeholderID {
			return stakeholder, true
		}
	}
	return Stakeholder{}, false
}

// HasStakeholder reports whether a stakeholder id is already registered.
func (d Draw) HasStakeholder(stakeholderID string) bool {
	_, ok := d.Stakeholder(stakeholderID)
	return ok
}

// HasAckFrom reports whether a stakeholder already acknowledged a winner.
func (d Draw) HasAckFrom(stakeholderID string) bool {
	for _, ack := range d.WinnerAcks {
		if ack.StakeholderID == stakeholderID {
			return true
		}
	}
	return false
}

// UnanimousWinner returns the single claimed winner when every recorded ack
// names the same candidate id. It reports false when acks disagree or none
// are recorded.
func (d Draw) UnanimousWinner() (Candidate, bool) {
	if len(d.WinnerAcks) == 0 {
		return Candidate{}, false
	}
	first := d.WinnerAcks[0].Winner
	for _, ack := range d.WinnerAcks[1:] {
		if ack.Winner.ID != first.ID {
			return Candidate{}, false
		}
	}
	return first, true
}
