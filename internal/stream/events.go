// Package stream defines the guide generation events and their SSE framing.
package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ballot-guide/backend/internal/ballot"
)

type EventType string

const (
	EventMeta        EventType = "meta"
	EventProfile     EventType = "profile"
	EventRace        EventType = "race"
	EventProposition EventType = "proposition"
	EventComplete    EventType = "complete"
	EventError       EventType = "error"
)

// Terminal reports whether no event may follow this one.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError
}

// Event is one generation event. The same shape is sent as a WebSocket
// message.
type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

func NewEvent(t EventType, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode %s event: %w", t, err)
	}
	return Event{Type: t, Data: data}, nil
}

func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s event: %w", e.Type, err)
	}
	return nil
}

type MetaPayload struct {
	Party                 ballot.Party  `json:"party"`
	SessionID             string        `json:"sessionId,omitempty"`
	Ballot                ballot.Ballot `json:"ballot"`
	CountyBallotAvailable bool          `json:"countyBallotAvailable"`
}

type ProfilePayload struct {
	Summary string `json:"summary"`
}

type RacePayload struct {
	Race ballot.Race `json:"race"`
}

type PropositionPayload struct {
	Proposition ballot.Proposition `json:"proposition"`
}

type CompletePayload struct {
	DataUpdatedAt         time.Time `json:"dataUpdatedAt"`
	BalanceScore          int       `json:"balanceScore"`
	RacesGenerated        int       `json:"racesGenerated"`
	RacesSkipped          int       `json:"racesSkipped"`
	PropositionsGenerated int       `json:"propositionsGenerated"`
	PropositionsSkipped   int       `json:"propositionsSkipped"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}
