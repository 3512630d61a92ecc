// Package recommend defines the contract for generating per-race and
// per-proposition recommendations from a voter profile.
package recommend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ballot-guide/backend/internal/ballot"
)

// ErrUnavailable means a call never got a usable answer from the generator
// (transport failure, 5xx, refused credentials, open breaker), as opposed to
// a bad answer for one item. Implementations wrap it.
var ErrUnavailable = errors.New("recommendation generator unavailable")

// Tone selects the reading register of generated text, 1 (simplest) to 7.
type Tone int

const (
	ToneMin     Tone = 1
	ToneDefault Tone = 4
	ToneMax     Tone = 7
)

// Normalize maps zero to the default and clamps everything else.
func (t Tone) Normalize() Tone {
	switch {
	case t == 0:
		return ToneDefault
	case t < ToneMin:
		return ToneMin
	case t > ToneMax:
		return ToneMax
	}
	return t
}

// Profile is the voter's interview answers.
type Profile struct {
	TopIssues          []string `json:"topIssues"`
	PoliticalSpectrum  string   `json:"politicalSpectrum"`
	CandidateQualities []string `json:"candidateQualities,omitempty"`
	PolicyViews        []string `json:"policyViews,omitempty"`
	FreeForm           string   `json:"freeform,omitempty"`
	// Summary is the derived narrative, filled in once generated.
	Summary string `json:"summary,omitempty"`
}

func (p Profile) Validate() error {
	if len(p.TopIssues) == 0 && strings.TrimSpace(p.PoliticalSpectrum) == "" && strings.TrimSpace(p.FreeForm) == "" {
		return errors.New("profile needs at least issues, a spectrum placement or free-form context")
	}
	return nil
}

// Options are per-run knobs.
type Options struct {
	Tone  Tone
	Model string
	Lang  string
}

type Generator interface {
	SummarizeProfile(ctx context.Context, p Profile, opts Options) (string, error)
	RecommendRace(ctx context.Context, party ballot.Party, race ballot.Race, p Profile, opts Options) (*ballot.RaceRecommendation, error)
	RecommendProposition(ctx context.Context, party ballot.Party, prop ballot.Proposition, p Profile, opts Options) (*ballot.PropositionRecommendation, error)
}

// CheckRace rejects a race recommendation that names someone who is not an
// active contestant or carries an unknown confidence.
func CheckRace(race ballot.Race, rec *ballot.RaceRecommendation) error {
	if rec == nil {
		return errors.New("empty recommendation")
	}
	if !race.IsContested() {
		return fmt.Errorf("race %q is uncontested", race.Key())
	}
	if _, ok := race.ActiveCandidate(rec.CandidateName); !ok {
		return fmt.Errorf("race %q has no active candidate %q", race.Key(), rec.CandidateName)
	}
	if !rec.Confidence.Valid() {
		return fmt.Errorf("race %q: unknown confidence %q", race.Key(), rec.Confidence)
	}
	return nil
}

func CheckProposition(prop ballot.Proposition, rec *ballot.PropositionRecommendation) error {
	if rec == nil {
		return errors.New("empty recommendation")
	}
	if !rec.Stance.Valid() {
		return fmt.Errorf("proposition %d: unknown stance %q", prop.Number, rec.Stance)
	}
	if rec.Confidence != "" && !rec.Confidence.Valid() {
		return fmt.Errorf("proposition %d: unknown confidence %q", prop.Number, rec.Confidence)
	}
	return nil
}
