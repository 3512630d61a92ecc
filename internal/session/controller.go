package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ballot-guide/backend/internal/ballot"
	"github.com/ballot-guide/backend/internal/override"
	"github.com/ballot-guide/backend/internal/recommend"
	"github.com/ballot-guide/backend/internal/stream"
	"github.com/ballot-guide/backend/pkg/logger"
)

// Controller serializes every mutation of one State. It is safe to feed it
// events from two party streams at once.
type Controller struct {
	mu         sync.Mutex
	state      *State
	ledger     *override.Ledger
	staleAfter time.Duration
	now        func() time.Time
}

// NewController takes ownership of st (a fresh State when nil). sink receives
// override feedback and may be nil.
func NewController(st *State, sink override.FeedbackSink) *Controller {
	if st == nil {
		st = NewState()
	}
	if st.Overrides == nil {
		st.Overrides = make(override.Entries)
	}
	if st.Parties == nil {
		st.Parties = make(map[ballot.Party]*PartyState)
	}
	return &Controller{
		state:      st,
		ledger:     override.NewLedger(st.Overrides, sink),
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
	}
}

func (c *Controller) SetStaleAfter(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.staleAfter = d
}

func (c *Controller) party(p ballot.Party) *PartyState {
	ps, ok := c.state.Parties[p]
	if !ok {
		ps = &PartyState{Status: StatusIdle}
		c.state.Parties[p] = ps
	}
	return ps
}

func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.SessionID
}

func (c *Controller) SetSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.SessionID = id
}

// SetProfile stores the interview answers used for the next generation.
func (c *Controller) SetProfile(prof recommend.Profile, d *ballot.Districts, readingLevel int, lang string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Profile = &prof
	c.state.Districts = d
	c.state.ReadingLevel = readingLevel
	c.state.Lang = lang
}

func (c *Controller) Profile() (recommend.Profile, *ballot.Districts, int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var prof recommend.Profile
	if c.state.Profile != nil {
		prof = *c.state.Profile
	}
	return prof, c.state.Districts, c.state.ReadingLevel, c.state.Lang
}

// Begin marks a generation as started for party.
func (c *Controller) Begin(p ballot.Party) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ps := c.party(p)
	ps.Status = StatusGenerating
	ps.Error = ""
}

func (c *Controller) Status(p ballot.Party) (Status, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ps, ok := c.state.Parties[p]
	if !ok {
		return StatusIdle, ""
	}
	return ps.Status, ps.Error
}

// Apply folds one stream event into the party's state. Race and proposition
// events may arrive in any order; they are merged by key.
func (c *Controller) Apply(p ballot.Party, ev stream.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ps := c.party(p)

	switch ev.Type {
	case stream.EventMeta:
		var meta stream.MetaPayload
		if err := ev.Decode(&meta); err != nil {
			return err
		}
		b := meta.Ballot
		ps.Ballot = &b
		ps.Status = StatusGenerating
		ps.Error = ""
		ps.CountyBallotAvailable = meta.CountyBallotAvailable
		if meta.SessionID != "" {
			c.state.SessionID = meta.SessionID
		}
		c.pruneOverrides(p)

	case stream.EventProfile:
		var prof stream.ProfilePayload
		if err := ev.Decode(&prof); err != nil {
			return err
		}
		if c.state.Profile != nil {
			c.state.Profile.Summary = prof.Summary
		}

	case stream.EventRace:
		var rp stream.RacePayload
		if err := ev.Decode(&rp); err != nil {
			return err
		}
		b := c.ensureBallot(p, ps)
		if i := b.RaceIndex(rp.Race.Key()); i >= 0 {
			b.Races[i] = rp.Race
		} else {
			b.Races = append(b.Races, rp.Race)
		}

	case stream.EventProposition:
		var pp stream.PropositionPayload
		if err := ev.Decode(&pp); err != nil {
			return err
		}
		b := c.ensureBallot(p, ps)
		if i := b.PropositionIndex(pp.Proposition.Number); i >= 0 {
			b.Propositions[i] = pp.Proposition
		} else {
			b.Propositions = append(b.Propositions, pp.Proposition)
		}

	case stream.EventComplete:
		var done stream.CompletePayload
		if err := ev.Decode(&done); err != nil {
			return err
		}
		b := c.ensureBallot(p, ps)
		t := done.DataUpdatedAt
		b.DataUpdatedAt = &t
		ps.BalanceScore = done.BalanceScore
		ps.Status = StatusComplete
		c.state.LastRefreshed = c.now()

	case stream.EventError:
		var e stream.ErrorPayload
		if err := ev.Decode(&e); err != nil {
			return err
		}
		ps.Status = StatusError
		ps.Error = e.Error

	default:
		logger.Debug("Ignoring unknown stream event", zap.String("type", string(ev.Type)))
	}
	return nil
}

// Finish is called when a party's stream ends. A stream that ended without an
// error event counts as complete, even if some races never got a pick.
func (c *Controller) Finish(p ballot.Party) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ps := c.party(p)
	if ps.Status == StatusGenerating {
		ps.Status = StatusComplete
		if ps.Ballot != nil && c.state.LastRefreshed.IsZero() {
			c.state.LastRefreshed = c.now()
		}
	}
}

// Fail records a failure that happened outside the event stream.
func (c *Controller) Fail(p ballot.Party, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ps := c.party(p)
	ps.Status = StatusError
	ps.Error = msg
}

// SetBallot replaces a party's ballot wholesale, as the blocking endpoint does.
func (c *Controller) SetBallot(p ballot.Party, b ballot.Ballot, countyAvailable bool, balanceScore int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ps := c.party(p)
	b = b.Clone()
	ps.Ballot = &b
	ps.CountyBallotAvailable = countyAvailable
	ps.BalanceScore = balanceScore
	ps.Status = StatusComplete
	ps.Error = ""
	c.state.LastRefreshed = c.now()
	c.pruneOverrides(p)
}

func (c *Controller) ensureBallot(p ballot.Party, ps *PartyState) *ballot.Ballot {
	if ps.Ballot == nil {
		ps.Ballot = &ballot.Ballot{Party: p, Races: []ballot.Race{}}
	}
	return ps.Ballot
}

// Ballot returns a copy of the party's current ballot.
func (c *Controller) Ballot(p ballot.Party) (ballot.Ballot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ps, ok := c.state.Parties[p]
	if !ok || ps.Ballot == nil {
		return ballot.Ballot{}, false
	}
	return ps.Ballot.Clone(), true
}

func (c *Controller) Fingerprint(p ballot.Party) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ps, ok := c.state.Parties[p]; ok {
		return ps.Fingerprint
	}
	return ""
}

func (c *Controller) ballotPtr(p ballot.Party) *ballot.Ballot {
	if ps, ok := c.state.Parties[p]; ok {
		return ps.Ballot
	}
	return nil
}

func (c *Controller) SetOverride(p ballot.Party, raceKey, candidate string) (override.Override, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.SetOverride(p, c.ballotPtr(p), raceKey, candidate)
}

func (c *Controller) ClearOverride(p ballot.Party, raceKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.ClearOverride(p, raceKey)
}

func (c *Controller) Override(p ballot.Party, raceKey string) (override.Override, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.Get(p, raceKey)
}

func (c *Controller) SubmitFeedback(ctx context.Context, p ballot.Party, raceKey, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.SubmitFeedback(ctx, p, raceKey, reason, c.state.Lang)
}

func (c *Controller) EffectiveChoice(p ballot.Party, raceKey string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.EffectiveChoice(p, c.ballotPtr(p), raceKey)
}

// CheatSheet lists the voter's effective choices for printing.
func (c *Controller) CheatSheet(p ballot.Party) []ballot.CheatSheetLine {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.ballotPtr(p)
	if b == nil {
		return nil
	}
	return ballot.CheatSheet(*b, c.ledger.Choices(p))
}

// IsStale reports whether saved ballots are older than the stale threshold.
// A session without ballots is never stale.
func (c *Controller) IsStale(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	hasBallot := false
	for _, ps := range c.state.Parties {
		if ps.Ballot != nil {
			hasBallot = true
			break
		}
	}
	if !hasBallot {
		return false
	}
	return now.Sub(c.state.LastRefreshed) > c.staleAfter
}

// ApplyRefresh folds upstream factual corrections into the party's ballot and
// remembers the upstream fingerprint. It returns the number of races whose
// candidate data changed.
func (c *Controller) ApplyRefresh(p ballot.Party, upstream ballot.Ballot, fingerprint string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	ps := c.party(p)
	ps.Fingerprint = fingerprint
	c.state.LastRefreshed = c.now()
	if ps.Ballot == nil {
		return 0
	}
	refreshed, changed := ballot.Refresh(*ps.Ballot, upstream)
	ps.Ballot = &refreshed
	c.pruneOverrides(p)
	return changed
}

// MarkRefreshed records a refresh that found nothing new.
func (c *Controller) MarkRefreshed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.LastRefreshed = c.now()
}

// pruneOverrides drops overrides that no longer point at an active candidate
// of a race on the party's ballot.
func (c *Controller) pruneOverrides(p ballot.Party) {
	b := c.ballotPtr(p)
	bucket := c.state.Overrides[p]
	if b == nil || len(bucket) == 0 {
		return
	}
	for key, o := range bucket {
		i := b.RaceIndex(key)
		if i >= 0 {
			if _, ok := b.Races[i].ActiveCandidate(o.ChosenCandidate); ok {
				continue
			}
		}
		logger.Info("Dropping stale override",
			zap.String("party", string(p)),
			zap.String("race_key", key),
		)
		c.ledger.ClearOverride(p, key)
	}
}

// Snapshot returns a deep copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := *c.state
	out.Parties = make(map[ballot.Party]*PartyState, len(c.state.Parties))
	for p, ps := range c.state.Parties {
		cp := *ps
		if ps.Ballot != nil {
			b := ps.Ballot.Clone()
			cp.Ballot = &b
		}
		out.Parties[p] = &cp
	}
	out.Overrides = make(override.Entries, len(c.state.Overrides))
	for p, bucket := range c.state.Overrides {
		nb := make(map[string]override.Override, len(bucket))
		for k, o := range bucket {
			nb[k] = o
		}
		out.Overrides[p] = nb
	}
	if c.state.Profile != nil {
		prof := *c.state.Profile
		out.Profile = &prof
	}
	return out
}

// Save persists the state under dir.
func (c *Controller) Save(dir, namespace string) error {
	snap := c.Snapshot()
	if err := save(&snap, dir, namespace); err != nil {
		return fmt.Errorf("session %s: %w", snap.SessionID, err)
	}
	return nil
}
