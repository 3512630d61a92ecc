package models

import "time"

// BallotDocument is one stored ballot, keyed by party and scope.
type BallotDocument struct {
	Party       string
	Scope       string
	Body        []byte
	Fingerprint string
	UpdatedAt   time.Time
}

// OverrideFeedback is the anonymous record of a voter replacing a generated
// pick. No session or address data is stored with it.
type OverrideFeedback struct {
	ID        int64
	Party     string
	RaceKey   string
	From      string
	To        string
	Reason    string
	Lang      string
	CreatedAt time.Time
}

// AnalyticsEvent is an accepted event from the allow-list.
type AnalyticsEvent struct {
	ID        string
	Name      string
	Props     map[string]any
	CreatedAt time.Time
}

// GenerationRun records the outcome of one orchestrator run.
type GenerationRun struct {
	ID             string
	SessionID      string
	Party          string
	Status         string
	RacesTotal     int
	RacesGenerated int
	PropsTotal     int
	PropsGenerated int
	BalanceScore   int
	Error          string
	LatencyMS      int
	CreatedAt      time.Time
}
