// Package recommendtest provides a scriptable recommend.Generator.
package recommendtest

import (
	"context"
	"strconv"
	"sync"

	"github.com/ballot-guide/backend/internal/ballot"
	"github.com/ballot-guide/backend/internal/recommend"
)

// Stub picks the first active candidate and "Lean Yes" unless a hook is set.
// It records how often each item was requested.
type Stub struct {
	Summary    string
	RaceFn     func(ctx context.Context, race ballot.Race) (*ballot.RaceRecommendation, error)
	PropFn     func(ctx context.Context, prop ballot.Proposition) (*ballot.PropositionRecommendation, error)
	ProfileErr error

	mu    sync.Mutex
	calls map[string]int
}

func (s *Stub) record(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[key]++
}

// Calls returns how many times key (a race key or "prop:<n>") was requested.
func (s *Stub) Calls(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

func (s *Stub) SummarizeProfile(ctx context.Context, p recommend.Profile, opts recommend.Options) (string, error) {
	if s.ProfileErr != nil {
		return "", s.ProfileErr
	}
	if s.Summary != "" {
		return s.Summary, nil
	}
	return "A voter who cares about " + firstOr(p.TopIssues, "many issues") + ".", nil
}

func (s *Stub) RecommendRace(ctx context.Context, party ballot.Party, race ballot.Race, p recommend.Profile, opts recommend.Options) (*ballot.RaceRecommendation, error) {
	s.record(race.Key())
	if s.RaceFn != nil {
		return s.RaceFn(ctx, race)
	}
	active := race.ActiveCandidates()
	return &ballot.RaceRecommendation{
		CandidateName: active[0].Name,
		Confidence:    ballot.ConfidenceGoodMatch,
		Reasoning:     "Closest to the voter's priorities.",
	}, nil
}

func (s *Stub) RecommendProposition(ctx context.Context, party ballot.Party, prop ballot.Proposition, p recommend.Profile, opts recommend.Options) (*ballot.PropositionRecommendation, error) {
	s.record(PropKey(prop.Number))
	if s.PropFn != nil {
		return s.PropFn(ctx, prop)
	}
	return &ballot.PropositionRecommendation{
		Stance:     ballot.StanceLeanYes,
		Confidence: ballot.ConfidenceGoodMatch,
		Reasoning:  "Fits the voter's stated priorities.",
	}, nil
}

func PropKey(n int) string {
	return "prop:" + strconv.Itoa(n)
}

func firstOr(xs []string, def string) string {
	if len(xs) == 0 {
		return def
	}
	return xs[0]
}
