// Package override records a voter's manual picks. An override never touches
// the generated recommendation; it only changes the effective choice.
package override

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ballot-guide/backend/internal/ballot"
)

var (
	ErrInvalidCandidate = errors.New("candidate is not an active contestant in this race")
	ErrUnknownRace      = errors.New("race is not on this ballot")
	ErrNoOverride       = errors.New("no override for this race")
)

type Override struct {
	OriginalCandidate string    `json:"originalCandidate,omitempty"`
	ChosenCandidate   string    `json:"chosenCandidate"`
	Reason            string    `json:"reason,omitempty"`
	ReasonSubmitted   bool      `json:"reasonSubmitted"`
	Timestamp         time.Time `json:"timestamp"`
}

// Entries holds overrides by party and then race key. Parties with no
// overrides have no bucket.
type Entries map[ballot.Party]map[string]Override

// Feedback is the anonymous context forwarded when a voter explains an
// override.
type Feedback struct {
	Party  ballot.Party `json:"party"`
	Race   string       `json:"race"`
	From   string       `json:"from"`
	To     string       `json:"to"`
	Reason string       `json:"reason,omitempty"`
	Lang   string       `json:"lang,omitempty"`
}

func (f Feedback) Validate() error {
	if _, err := ballot.ParseParty(string(f.Party)); err != nil {
		return err
	}
	if strings.TrimSpace(f.Race) == "" || strings.TrimSpace(f.To) == "" {
		return errors.New("race and to are required")
	}
	if len(f.Reason) > 2000 {
		return errors.New("reason too long")
	}
	return nil
}

// FeedbackSink accepts feedback without blocking and without reporting
// failure: delivery is best-effort by contract.
type FeedbackSink interface {
	SendFeedback(f Feedback)
}

// Ledger operates on an Entries map in place. It is not safe for concurrent
// use; the owning session serializes access.
type Ledger struct {
	entries Entries
	sink    FeedbackSink
	now     func() time.Time
}

// NewLedger wraps entries, which must not be nil. sink may be nil.
func NewLedger(entries Entries, sink FeedbackSink) *Ledger {
	return &Ledger{entries: entries, sink: sink, now: time.Now}
}

func findRace(b *ballot.Ballot, raceKey string) (*ballot.Race, error) {
	if b == nil {
		return nil, ErrUnknownRace
	}
	i := b.RaceIndex(raceKey)
	if i < 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRace, raceKey)
	}
	return &b.Races[i], nil
}

// SetOverride records candidate as the voter's pick for raceKey. Nothing is
// written unless the candidate is active in that race.
func (l *Ledger) SetOverride(party ballot.Party, b *ballot.Ballot, raceKey, candidate string) (Override, error) {
	race, err := findRace(b, raceKey)
	if err != nil {
		return Override{}, err
	}
	if _, ok := race.ActiveCandidate(candidate); !ok {
		return Override{}, fmt.Errorf("%w: %q", ErrInvalidCandidate, candidate)
	}

	o := Override{ChosenCandidate: candidate, Timestamp: l.now()}
	if race.Recommendation != nil {
		o.OriginalCandidate = race.Recommendation.CandidateName
	}

	bucket := l.entries[party]
	if bucket == nil {
		bucket = make(map[string]Override)
		l.entries[party] = bucket
	}
	bucket[raceKey] = o
	return o, nil
}

// ClearOverride removes the override for raceKey and drops the party bucket
// once it is empty. It reports whether anything was removed.
func (l *Ledger) ClearOverride(party ballot.Party, raceKey string) bool {
	bucket, ok := l.entries[party]
	if !ok {
		return false
	}
	if _, ok := bucket[raceKey]; !ok {
		return false
	}
	delete(bucket, raceKey)
	if len(bucket) == 0 {
		delete(l.entries, party)
	}
	return true
}

func (l *Ledger) Get(party ballot.Party, raceKey string) (Override, bool) {
	o, ok := l.entries[party][raceKey]
	return o, ok
}

// SubmitFeedback stores reason on the override and hands the override context
// to the sink. The local update happens whether or not the sink delivers.
func (l *Ledger) SubmitFeedback(ctx context.Context, party ballot.Party, raceKey, reason, lang string) error {
	o, ok := l.Get(party, raceKey)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoOverride, raceKey)
	}
	o.Reason = strings.TrimSpace(reason)
	o.ReasonSubmitted = true
	l.entries[party][raceKey] = o

	if l.sink != nil && ctx.Err() == nil {
		l.sink.SendFeedback(Feedback{
			Party:  party,
			Race:   raceKey,
			From:   o.OriginalCandidate,
			To:     o.ChosenCandidate,
			Reason: o.Reason,
			Lang:   lang,
		})
	}
	return nil
}

// EffectiveChoice is the override's pick when one exists, otherwise the
// generated pick. ok is false when neither exists.
func (l *Ledger) EffectiveChoice(party ballot.Party, b *ballot.Ballot, raceKey string) (string, bool) {
	if o, ok := l.Get(party, raceKey); ok {
		return o.ChosenCandidate, true
	}
	race, err := findRace(b, raceKey)
	if err != nil || race.Recommendation == nil {
		return "", false
	}
	return race.Recommendation.CandidateName, true
}

// Choices maps race keys to overridden picks for one party.
func (l *Ledger) Choices(party ballot.Party) map[string]string {
	out := make(map[string]string, len(l.entries[party]))
	for k, o := range l.entries[party] {
		out[k] = o.ChosenCandidate
	}
	return out
}
