// Package session holds one voter's guide state: the profile, the generated
// ballot per party and the voter's overrides. State is a plain serializable
// value; Controller owns it and is the only thing that mutates it.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ballot-guide/backend/internal/ballot"
	"github.com/ballot-guide/backend/internal/override"
	"github.com/ballot-guide/backend/internal/recommend"
)

const (
	DefaultNamespace  = "ballotguide"
	DefaultStaleAfter = 24 * time.Hour

	stateVersion = 1
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusGenerating Status = "generating"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
)

// PartyState is everything known about one party's guide.
type PartyState struct {
	Ballot                *ballot.Ballot `json:"ballot,omitempty"`
	Fingerprint           string         `json:"fingerprint,omitempty"`
	Status                Status         `json:"status"`
	Error                 string         `json:"error,omitempty"`
	CountyBallotAvailable bool           `json:"countyBallotAvailable"`
	BalanceScore          int            `json:"balanceScore,omitempty"`
}

type State struct {
	Version       int                          `json:"version"`
	SessionID     string                       `json:"sessionId,omitempty"`
	Profile       *recommend.Profile           `json:"profile,omitempty"`
	Districts     *ballot.Districts            `json:"districts,omitempty"`
	ReadingLevel  int                          `json:"readingLevel,omitempty"`
	Lang          string                       `json:"lang,omitempty"`
	Parties       map[ballot.Party]*PartyState `json:"parties"`
	Overrides     override.Entries             `json:"overrides"`
	LastRefreshed time.Time                    `json:"lastRefreshed,omitempty"`
}

func NewState() *State {
	return &State{
		Version:   stateVersion,
		Parties:   make(map[ballot.Party]*PartyState),
		Overrides: make(override.Entries),
	}
}

// StatePath is the file a namespace is saved to inside dir.
func StatePath(dir, namespace string) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return filepath.Join(dir, namespace+"_state.json")
}

// Load reads saved state. A missing file yields a fresh State, not an error.
func Load(dir, namespace string) (*State, error) {
	data, err := os.ReadFile(StatePath(dir, namespace))
	if errors.Is(err, os.ErrNotExist) {
		return NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session state: %w", err)
	}

	st := NewState()
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("failed to decode session state: %w", err)
	}
	if st.Version > stateVersion {
		return nil, fmt.Errorf("session state version %d is newer than supported version %d", st.Version, stateVersion)
	}
	st.Version = stateVersion
	if st.Parties == nil {
		st.Parties = make(map[ballot.Party]*PartyState)
	}
	if st.Overrides == nil {
		st.Overrides = make(override.Entries)
	}
	return st, nil
}

// save writes through a temp file so a crash never leaves a truncated file.
func save(st *State, dir, namespace string) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session state: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write session state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write session state: %w", err)
	}
	if err := os.Rename(tmp.Name(), StatePath(dir, namespace)); err != nil {
		return fmt.Errorf("failed to replace session state: %w", err)
	}
	return nil
}
