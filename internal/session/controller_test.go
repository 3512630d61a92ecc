package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ballot-guide/backend/internal/ballot"
	"github.com/ballot-guide/backend/internal/override"
	"github.com/ballot-guide/backend/internal/recommend"
	"github.com/ballot-guide/backend/internal/stream"
)

type sinkRecorder struct {
	mu  sync.Mutex
	got []override.Feedback
}

func (s *sinkRecorder) SendFeedback(f override.Feedback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, f)
}

func event(t *testing.T, typ stream.EventType, payload any) stream.Event {
	t.Helper()
	ev, err := stream.NewEvent(typ, payload)
	require.NoError(t, err)
	return ev
}

func skeleton() ballot.Ballot {
	return ballot.Ballot{
		Party: ballot.PartyDemocrat,
		Races: []ballot.Race{
			{Office: "U.S. Senator", Candidates: []ballot.Candidate{{Name: "A"}, {Name: "B"}}},
			{Office: "Governor", Candidates: []ballot.Candidate{{Name: "C"}, {Name: "D"}}},
			{Office: "Comptroller", Candidates: []ballot.Candidate{{Name: "E"}}},
		},
		Propositions: []ballot.Proposition{{Number: 1, Title: "Water"}},
	}
}

func senatorPick(name string) ballot.Race {
	r := skeleton().Races[0]
	r.Recommendation = &ballot.RaceRecommendation{CandidateName: name, Confidence: ballot.ConfidenceGoodMatch}
	return r
}

func generated(t *testing.T, c *Controller) {
	t.Helper()
	p := ballot.PartyDemocrat
	require.NoError(t, c.Apply(p, event(t, stream.EventMeta, stream.MetaPayload{Party: p, SessionID: "sess", Ballot: skeleton()})))
	require.NoError(t, c.Apply(p, event(t, stream.EventRace, stream.RacePayload{Race: senatorPick("A")})))
}

func TestApply_EventsInAnyOrder(t *testing.T) {
	c := NewController(nil, nil)
	p := ballot.PartyDemocrat

	require.NoError(t, c.Apply(p, event(t, stream.EventMeta, stream.MetaPayload{Party: p, SessionID: "s-1", Ballot: skeleton(), CountyBallotAvailable: true})))
	assert.Equal(t, "s-1", c.SessionID())

	gov := skeleton().Races[1]
	gov.Recommendation = &ballot.RaceRecommendation{CandidateName: "D", Confidence: ballot.ConfidenceStrongMatch}
	require.NoError(t, c.Apply(p, event(t, stream.EventProposition, stream.PropositionPayload{
		Proposition: ballot.Proposition{Number: 1, Title: "Water", Recommendation: &ballot.PropositionRecommendation{Stance: ballot.StanceLeanNo}},
	})))
	require.NoError(t, c.Apply(p, event(t, stream.EventRace, stream.RacePayload{Race: gov})))
	require.NoError(t, c.Apply(p, event(t, stream.EventRace, stream.RacePayload{Race: senatorPick("B")})))

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, c.Apply(p, event(t, stream.EventComplete, stream.CompletePayload{DataUpdatedAt: now, BalanceScore: 91})))

	b, ok := c.Ballot(p)
	require.True(t, ok)
	require.Len(t, b.Races, 3, "merged by key, not appended")
	assert.Equal(t, "B", b.Races[0].Recommendation.CandidateName)
	assert.Equal(t, "D", b.Races[1].Recommendation.CandidateName)
	assert.Nil(t, b.Races[2].Recommendation)
	assert.Equal(t, ballot.StanceLeanNo, b.Propositions[0].Recommendation.Stance)
	require.NotNil(t, b.DataUpdatedAt)
	assert.True(t, now.Equal(*b.DataUpdatedAt))

	status, _ := c.Status(p)
	assert.Equal(t, StatusComplete, status)
	assert.Equal(t, 91, c.Snapshot().Parties[p].BalanceScore)
}

func TestFinish_WithoutCompleteMarksDone(t *testing.T) {
	c := NewController(nil, nil)
	p := ballot.PartyRepublican
	c.Begin(p)
	require.NoError(t, c.Apply(p, event(t, stream.EventMeta, stream.MetaPayload{Party: p, Ballot: skeleton()})))
	c.Finish(p)

	status, msg := c.Status(p)
	assert.Equal(t, StatusComplete, status)
	assert.Empty(t, msg)
}

func TestApply_ErrorEvent(t *testing.T) {
	c := NewController(nil, nil)
	p := ballot.PartyRepublican
	require.NoError(t, c.Apply(p, event(t, stream.EventError, stream.ErrorPayload{Error: "try again"})))
	c.Finish(p)

	status, msg := c.Status(p)
	assert.Equal(t, StatusError, status)
	assert.Equal(t, "try again", msg)

	other, _ := c.Status(ballot.PartyDemocrat)
	assert.Equal(t, StatusIdle, other, "the other party is unaffected")
}

func TestOverride_UndoRestoresGeneratedPick(t *testing.T) {
	c := NewController(nil, nil)
	generated(t, c)
	p := ballot.PartyDemocrat

	_, err := c.SetOverride(p, "U.S. Senator", "B")
	require.NoError(t, err)
	choice, ok := c.EffectiveChoice(p, "U.S. Senator")
	require.True(t, ok)
	assert.Equal(t, "B", choice)

	assert.True(t, c.ClearOverride(p, "U.S. Senator"))

	choice, ok = c.EffectiveChoice(p, "U.S. Senator")
	require.True(t, ok)
	assert.Equal(t, "A", choice)
	_, exists := c.Override(p, "U.S. Senator")
	assert.False(t, exists)
	assert.NotContains(t, c.Snapshot().Overrides, p, "empty party bucket removed")
}

func TestOverride_InvalidCandidateRejected(t *testing.T) {
	c := NewController(nil, nil)
	generated(t, c)

	_, err := c.SetOverride(ballot.PartyDemocrat, "U.S. Senator", "Z")
	assert.ErrorIs(t, err, override.ErrInvalidCandidate)
	assert.Empty(t, c.Snapshot().Overrides)
}

func TestSubmitFeedback_UsesSessionLanguage(t *testing.T) {
	sink := &sinkRecorder{}
	c := NewController(nil, sink)
	c.SetProfile(recommend.Profile{TopIssues: []string{"water"}}, nil, 3, "es")
	generated(t, c)
	p := ballot.PartyDemocrat

	_, err := c.SetOverride(p, "U.S. Senator", "B")
	require.NoError(t, err)
	require.NoError(t, c.SubmitFeedback(context.Background(), p, "U.S. Senator", " met them "))

	o, _ := c.Override(p, "U.S. Senator")
	assert.True(t, o.ReasonSubmitted)
	require.Len(t, sink.got, 1)
	assert.Equal(t, "A", sink.got[0].From)
	assert.Equal(t, "B", sink.got[0].To)
	assert.Equal(t, "es", sink.got[0].Lang)
}

func TestCheatSheet_ReflectsOverrides(t *testing.T) {
	c := NewController(nil, nil)
	generated(t, c)
	p := ballot.PartyDemocrat
	_, err := c.SetOverride(p, "Governor", "C")
	require.NoError(t, err)

	lines := c.CheatSheet(p)
	require.Len(t, lines, 4)
	assert.Equal(t, ballot.LineRecommended, lines[0].Status)
	assert.Equal(t, "A", lines[0].Choice)
	assert.Equal(t, ballot.LineOverridden, lines[1].Status)
	assert.Equal(t, "C", lines[1].Choice)
	assert.Equal(t, ballot.LineUncontested, lines[2].Status)

	assert.Nil(t, c.CheatSheet(ballot.PartyRepublican))
}

func TestApplyRefresh_KeepsPicksAndPrunesWithdrawnOverride(t *testing.T) {
	c := NewController(nil, nil)
	generated(t, c)
	p := ballot.PartyDemocrat
	_, err := c.SetOverride(p, "Governor", "C")
	require.NoError(t, err)

	upstream := skeleton()
	upstream.Races[0].Candidates[1].Summary = "Updated bio"
	upstream.Races[1].Candidates = append(upstream.Races[1].Candidates, ballot.Candidate{Name: "F"})
	upstream.Races[1].Candidates[0].Withdrawn = true

	changed := c.ApplyRefresh(p, upstream, `"fp-2"`)
	assert.Equal(t, 2, changed)
	assert.Equal(t, `"fp-2"`, c.Fingerprint(p))

	b, _ := c.Ballot(p)
	assert.Equal(t, "A", b.Races[0].Recommendation.CandidateName, "recommendation survives refresh")
	assert.Equal(t, "Updated bio", b.Races[0].Candidates[1].Summary)

	_, still := c.Override(p, "Governor")
	assert.False(t, still, "override for a withdrawn candidate is dropped")
}

func TestIsStale(t *testing.T) {
	c := NewController(nil, nil)
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	assert.False(t, c.IsStale(base.Add(72*time.Hour)), "nothing generated yet")

	generated(t, c)
	c.Finish(ballot.PartyDemocrat)

	assert.False(t, c.IsStale(base.Add(23*time.Hour)))
	assert.True(t, c.IsStale(base.Add(25*time.Hour)))

	c.SetStaleAfter(48 * time.Hour)
	assert.False(t, c.IsStale(base.Add(25*time.Hour)))
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	c := NewController(nil, nil)
	c.SetProfile(recommend.Profile{TopIssues: []string{"schools"}}, &ballot.Districts{Congressional: "21"}, 5, "en")
	generated(t, c)
	_, err := c.SetOverride(ballot.PartyDemocrat, "U.S. Senator", "B")
	require.NoError(t, err)
	c.Finish(ballot.PartyDemocrat)

	require.NoError(t, c.Save(dir, ""))
	_, err = os.Stat(StatePath(dir, DefaultNamespace))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "ballotguide_state.json"), StatePath(dir, ""))

	st, err := Load(dir, "")
	require.NoError(t, err)
	restored := NewController(st, nil)

	assert.Equal(t, "sess", restored.SessionID())
	choice, ok := restored.EffectiveChoice(ballot.PartyDemocrat, "U.S. Senator")
	require.True(t, ok)
	assert.Equal(t, "B", choice)
	prof, d, level, lang := restored.Profile()
	assert.Equal(t, []string{"schools"}, prof.TopIssues)
	assert.Equal(t, "21", d.Congressional)
	assert.Equal(t, 5, level)
	assert.Equal(t, "en", lang)

	require.True(t, restored.ClearOverride(ballot.PartyDemocrat, "U.S. Senator"))
	choice, _ = restored.EffectiveChoice(ballot.PartyDemocrat, "U.S. Senator")
	assert.Equal(t, "A", choice)
}

func TestLoad_MissingFileIsFresh(t *testing.T) {
	st, err := Load(t.TempDir(), "other")
	require.NoError(t, err)
	assert.Empty(t, st.Parties)
	assert.NotNil(t, st.Overrides)
}

func TestLoad_RejectsNewerVersion(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(StatePath(dir, "x"), []byte(`{"version": 99}`), 0o644))
	_, err := Load(dir, "x")
	assert.Error(t, err)
}
