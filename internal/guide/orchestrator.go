// Package guide drives generation of a personalized ballot for one party and
// reports progress as stream events.
package guide

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ballot-guide/backend/internal/ballot"
	"github.com/ballot-guide/backend/internal/ballotstore"
	"github.com/ballot-guide/backend/internal/districts"
	"github.com/ballot-guide/backend/internal/evaluation"
	"github.com/ballot-guide/backend/internal/metrics"
	"github.com/ballot-guide/backend/internal/recommend"
	"github.com/ballot-guide/backend/internal/storage/models"
	"github.com/ballot-guide/backend/internal/stream"
	"github.com/ballot-guide/backend/pkg/circuitbreaker"
	"github.com/ballot-guide/backend/pkg/logger"
)

var (
	ErrGenerationInFlight = errors.New("a guide is already being generated for this session and party")
	ErrNoBallotData       = errors.New("no ballot data for this party yet")
)

type Request struct {
	Party         ballot.Party       `json:"party"`
	Profile       recommend.Profile  `json:"profile"`
	Districts     *ballot.Districts  `json:"districts,omitempty"`
	Address       *districts.Address `json:"address,omitempty"`
	CountyFIPS    string             `json:"countyFips,omitempty"`
	ReadingLevel  int                `json:"readingLevel,omitempty"`
	ModelOverride string             `json:"modelOverride,omitempty"`
	Lang          string             `json:"lang,omitempty"`
	SessionID     string             `json:"sessionId,omitempty"`
}

func (r Request) Validate() error {
	if _, err := ballot.ParseParty(string(r.Party)); err != nil {
		return err
	}
	if err := r.Profile.Validate(); err != nil {
		return err
	}
	if r.ReadingLevel < 0 || r.ReadingLevel > int(recommend.ToneMax) {
		return fmt.Errorf("readingLevel must be between 1 and %d", recommend.ToneMax)
	}
	return nil
}

type Result struct {
	SessionID             string        `json:"sessionId"`
	Ballot                ballot.Ballot `json:"ballot"`
	Fingerprint           string        `json:"-"`
	BalanceScore          int           `json:"balanceScore"`
	CountyBallotAvailable bool          `json:"countyBallotAvailable"`
	Profile               string        `json:"profileSummary,omitempty"`
}

// Emitter receives events in order from a single goroutine.
type Emitter func(stream.Event)

type BallotStore interface {
	Resolve(ctx context.Context, party ballot.Party, countyFIPS, ifNoneMatch string) (ballotstore.Resolved, error)
	Put(ctx context.Context, party ballot.Party, scope string, b ballot.Ballot) (string, error)
}

type RunRecorder interface {
	InsertGenerationRun(ctx context.Context, run *models.GenerationRun) error
}

type Config struct {
	RaceConcurrency int
}

type Orchestrator struct {
	store       BallotStore
	gen         recommend.Generator
	resolver    districts.Resolver
	runs        RunRecorder
	scorer      *evaluation.BalanceScorer
	concurrency int
	now         func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewOrchestrator wires the pipeline. resolver and runs may be nil.
func NewOrchestrator(store BallotStore, gen recommend.Generator, resolver districts.Resolver, runs RunRecorder, cfg Config) *Orchestrator {
	if cfg.RaceConcurrency < 1 {
		cfg.RaceConcurrency = 1
	}
	return &Orchestrator{
		store:       store,
		gen:         gen,
		resolver:    resolver,
		runs:        runs,
		scorer:      evaluation.NewBalanceScorer(),
		concurrency: cfg.RaceConcurrency,
		now:         time.Now,
		inflight:    make(map[string]struct{}),
	}
}

func (o *Orchestrator) acquire(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[key]; busy {
		return false
	}
	o.inflight[key] = struct{}{}
	return true
}

func (o *Orchestrator) release(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, key)
}

// InFlight reports whether a run holds (sessionID, party).
func (o *Orchestrator) InFlight(sessionID string, party ballot.Party) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, busy := o.inflight[sessionID+"/"+string(party)]
	return busy
}

type itemKind int

const (
	raceItem itemKind = iota
	propItem
)

type job struct {
	kind  itemKind
	index int
}

type itemResult struct {
	job
	race *ballot.RaceRecommendation
	prop *ballot.PropositionRecommendation
	err  error
}

// run is the state owned by the goroutine executing Run.
type run struct {
	req       Request
	opts      recommend.Options
	emit      Emitter
	ballot    ballot.Ballot
	record    models.GenerationRun
	started   time.Time
	stopEmits bool
}

func (r *run) send(t stream.EventType, payload any) {
	if r.stopEmits {
		return
	}
	ev, err := stream.NewEvent(t, payload)
	if err != nil {
		logger.Error("Failed to encode event", zap.String("type", string(t)), zap.Error(err))
		return
	}
	r.emit(ev)
}

// Run generates a guide for one party. Events reach emit in protocol order:
// meta, then profile/race/proposition, then exactly one of complete or error.
// A returned error has already been reported as an error event, except
// ErrGenerationInFlight and validation errors, which are rejected before
// anything is emitted.
func (o *Orchestrator) Run(ctx context.Context, req Request, emit Emitter) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if emit == nil {
		emit = func(stream.Event) {}
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	key := req.SessionID + "/" + string(req.Party)
	if !o.acquire(key) {
		return nil, ErrGenerationInFlight
	}
	defer o.release(key)

	r := &run{
		req:     req,
		opts:    recommend.Options{Tone: recommend.Tone(req.ReadingLevel).Normalize(), Model: req.ModelOverride, Lang: req.Lang},
		emit:    emit,
		started: o.now(),
		record: models.GenerationRun{
			ID:        uuid.NewString(),
			SessionID: req.SessionID,
			Party:     string(req.Party),
		},
	}

	result, err := o.execute(ctx, r)
	o.finish(r, err)
	return result, err
}

func (o *Orchestrator) execute(ctx context.Context, r *run) (*Result, error) {
	party := r.req.Party

	d := r.req.Districts
	if d == nil && r.req.Address != nil {
		d = districts.Lookup(ctx, o.resolver, *r.req.Address)
	}
	county := r.req.CountyFIPS
	if county == "" && d != nil {
		county = d.CountyFIPS
	}

	resolved, err := o.store.Resolve(ctx, party, county, "")
	if err != nil {
		return nil, o.fail(r, fmt.Errorf("failed to load ballot: %w", err))
	}
	if !resolved.Found {
		return nil, o.fail(r, ErrNoBallotData)
	}

	b := ballot.FilterByDistricts(resolved.Ballot, d)
	b.Party = party
	b.DataUpdatedAt = nil
	for i := range b.Races {
		b.Races[i].Recommendation = nil
	}
	for i := range b.Propositions {
		b.Propositions[i].Recommendation = nil
	}
	r.ballot = b

	r.send(stream.EventMeta, stream.MetaPayload{
		Party:                 party,
		SessionID:             r.req.SessionID,
		Ballot:                b,
		CountyBallotAvailable: resolved.CountyAvailable,
	})

	profile := r.req.Profile
	summary, err := o.gen.SummarizeProfile(ctx, profile, r.opts)
	if err != nil {
		logger.Warn("Profile summary failed, continuing without it",
			zap.String("session_id", r.req.SessionID),
			zap.Error(err),
		)
	} else {
		profile.Summary = summary
		r.send(stream.EventProfile, stream.ProfilePayload{Summary: summary})
	}

	if err := o.generateItems(ctx, r, profile); err != nil {
		return nil, o.fail(r, err)
	}

	r.ballot.StripUncontested()
	report := o.scorer.Score(r.ballot)
	r.record.BalanceScore = report.Score

	now := o.now().UTC()
	r.ballot.DataUpdatedAt = &now

	fp, err := o.store.Put(ctx, party, ballotstore.GuideScope(r.req.SessionID), r.ballot)
	if err != nil {
		return nil, o.fail(r, fmt.Errorf("failed to save guide: %w", err))
	}

	r.send(stream.EventComplete, stream.CompletePayload{
		DataUpdatedAt:         now,
		BalanceScore:          report.Score,
		RacesGenerated:        r.record.RacesGenerated,
		RacesSkipped:          r.record.RacesTotal - r.record.RacesGenerated,
		PropositionsGenerated: r.record.PropsGenerated,
		PropositionsSkipped:   r.record.PropsTotal - r.record.PropsGenerated,
	})

	metrics.BalanceScore.Observe(float64(report.Score))

	return &Result{
		SessionID:             r.req.SessionID,
		Ballot:                r.ballot,
		Fingerprint:           fp,
		BalanceScore:          report.Score,
		CountyBallotAvailable: resolved.CountyAvailable,
		Profile:               summary,
	}, nil
}

// generateItems asks the generator for every contested race and every
// proposition, with bounded parallelism. Only this goroutine touches
// r.ballot; workers hand results back over a channel.
func (o *Orchestrator) generateItems(ctx context.Context, r *run, profile recommend.Profile) error {
	var jobs []job
	for i, race := range r.ballot.Races {
		if race.IsContested() {
			jobs = append(jobs, job{kind: raceItem, index: i})
		}
	}
	r.record.RacesTotal = len(jobs)
	for i := range r.ballot.Propositions {
		jobs = append(jobs, job{kind: propItem, index: i})
	}
	r.record.PropsTotal = len(r.ballot.Propositions)

	if len(jobs) == 0 {
		return nil
	}

	// Workers get their own copies so the owner can keep mutating r.ballot.
	snapshot := r.ballot.Clone()
	races, props := snapshot.Races, snapshot.Propositions
	party := r.req.Party

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	results := make(chan itemResult)

	var runErr error
	go func() {
		for _, j := range jobs {
			j := j
			g.Go(func() error {
				if gctx.Err() != nil {
					return nil
				}
				res := itemResult{job: j}
				switch j.kind {
				case raceItem:
					res.race, res.err = o.gen.RecommendRace(gctx, party, races[j.index], profile, r.opts)
					if res.err == nil {
						res.err = recommend.CheckRace(races[j.index], res.race)
					}
				case propItem:
					res.prop, res.err = o.gen.RecommendProposition(gctx, party, props[j.index], profile, r.opts)
					if res.err == nil {
						res.err = recommend.CheckProposition(props[j.index], res.prop)
					}
				}
				results <- res
				// An open breaker means the provider is down; stop the rest.
				if circuitbreaker.IsRejection(res.err) {
					return res.err
				}
				return nil
			})
		}
		runErr = g.Wait()
		close(results)
	}()

	var attempted, unreachable int
	var tripped error
	for res := range results {
		attempted++
		if res.err != nil {
			if errors.Is(res.err, recommend.ErrUnavailable) || circuitbreaker.IsRejection(res.err) {
				unreachable++
			}
			if tripped == nil && circuitbreaker.IsRejection(res.err) {
				tripped = res.err
			}
			o.logItemFailure(r, res)
			continue
		}
		if tripped != nil {
			continue
		}
		switch res.kind {
		case raceItem:
			metrics.ItemsGenerated.WithLabelValues("race", "ok").Inc()
			r.ballot.Races[res.index].Recommendation = res.race
			r.record.RacesGenerated++
			r.send(stream.EventRace, stream.RacePayload{Race: r.ballot.Races[res.index]})
		case propItem:
			metrics.ItemsGenerated.WithLabelValues("proposition", "ok").Inc()
			r.ballot.Propositions[res.index].Recommendation = res.prop
			r.record.PropsGenerated++
			r.send(stream.EventProposition, stream.PropositionPayload{Proposition: r.ballot.Propositions[res.index]})
		}
	}
	if tripped == nil && circuitbreaker.IsRejection(runErr) {
		tripped = runErr
	}

	// Single items that fail, for any reason, are skipped. The party only
	// fails when the provider is down for the whole run.
	switch {
	case tripped != nil:
		return fmt.Errorf("%w: generation aborted: %w", recommend.ErrUnavailable, tripped)
	case ctx.Err() != nil:
		return fmt.Errorf("generation cancelled: %w", ctx.Err())
	case attempted > 0 && unreachable == attempted:
		return fmt.Errorf("%w: every item failed to reach the generator", recommend.ErrUnavailable)
	}
	return nil
}

func (o *Orchestrator) logItemFailure(r *run, res itemResult) {
	kind, label := "race", ""
	if res.kind == raceItem {
		label = r.ballot.Races[res.index].Key()
	} else {
		kind = "proposition"
		label = fmt.Sprintf("Proposition %d", r.ballot.Propositions[res.index].Number)
	}
	metrics.ItemsGenerated.WithLabelValues(kind, "failed").Inc()
	logger.Warn("Recommendation skipped",
		zap.String("session_id", r.req.SessionID),
		zap.String("party", string(r.req.Party)),
		zap.String("item", label),
		zap.Error(res.err),
	)
}

// fail emits the single terminal error event and stops further emission.
func (o *Orchestrator) fail(r *run, err error) error {
	r.send(stream.EventError, stream.ErrorPayload{Error: userMessage(err)})
	r.stopEmits = true
	return err
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, recommend.ErrUnavailable):
		return "The recommendation service is unavailable right now. Please try again."
	case errors.Is(err, ErrNoBallotData):
		return "Ballot data for this party is not available yet."
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "Guide generation took too long. Please try again."
	}
	msg := err.Error()
	if i := strings.Index(msg, ":"); i > 0 {
		msg = msg[:i]
	}
	return msg
}

func (o *Orchestrator) finish(r *run, err error) {
	elapsed := o.now().Sub(r.started)
	status := "complete"
	if err != nil {
		status = "error"
		r.record.Error = err.Error()
	}
	r.record.Status = status
	r.record.LatencyMS = int(elapsed.Milliseconds())
	r.record.CreatedAt = r.started

	metrics.GuideRuns.WithLabelValues(string(r.req.Party), status).Inc()
	metrics.GuideDuration.WithLabelValues(string(r.req.Party)).Observe(elapsed.Seconds())

	logger.Info("Guide generation finished",
		zap.String("session_id", r.req.SessionID),
		zap.String("party", string(r.req.Party)),
		zap.String("status", status),
		zap.Int("races_generated", r.record.RacesGenerated),
		zap.Int("races_total", r.record.RacesTotal),
		zap.Int("balance_score", r.record.BalanceScore),
		zap.Duration("elapsed", elapsed),
	)

	if o.runs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.runs.InsertGenerationRun(ctx, &r.record); err != nil {
		logger.Warn("Failed to record generation run", zap.Error(err))
	}
}
