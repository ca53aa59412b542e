package domain

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"
)

// EventType classifies the events relayed through a draw room.
type EventType string

const (
	// EventCandidateSubscribed announces a stakeholder that joined the draw.
	EventCandidateSubscribed EventType = "CANDIDATE_SUBSCRIBED"
	// EventStakeholderSubscribed announces a listener that joined the room.
	EventStakeholderSubscribed EventType = "STAKEHOLDER_SUBSCRIBED"
	// EventStatusChanged carries a phase transition.
	EventStatusChanged EventType = "STATUS_CHANGED"
	// EventAck carries a stakeholder's winner acknowledgment.
	EventAck EventType = "ACK"
	// EventCommitReceived and EventRevealReceived carry opaque commit/reveal
	// payloads. The relay never inspects them.
	EventCommitReceived EventType = "COMMIT_RECEIVED"
	EventRevealReceived EventType = "REVEAL_RECEIVED"
)

// DrawEvent is an ephemeral room broadcast. The server attaches From and
// EventID; neither is trusted from the client.
type DrawEvent struct {
	Timestamp int64           `json:"timestamp"`
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	DrawUUID  string          `json:"drawUuid"`
	EventID   string          `json:"eventId,omitempty"`
	From      *Stakeholder    `json:"from,omitempty"`
}

// EventStamper mints event ids derived from emission-time milliseconds,
// base-36 encoded. Two events stamped within the same millisecond still get
// distinct ids: the stamper bumps the counter past the last id it issued.
type EventStamper struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewEventStamper returns a stamper using the wall clock.
func NewEventStamper() *EventStamper {
	return &EventStamper{now: time.Now}
}

// NewEventStamperAt returns a stamper with an injected clock.
func NewEventStamperAt(now func() time.Time) *EventStamper {
	if now == nil {
		now = time.Now
	}
	return &EventStamper{now: now}
}

// Next returns a fresh, strictly increasing event id.
func (s *EventStamper) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidate := s.now().UnixMilli()
	if candidate <= s.last {
		candidate = s.last + 1
	}
	s.last = candidate
	return strconv.FormatInt(candidate, 36)
}
