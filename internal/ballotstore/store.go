// Package ballotstore keeps ballot documents keyed by party and scope, each
// versioned by a content fingerprint for conditional fetches.
package ballotstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ballot-guide/backend/internal/ballot"
	"github.com/ballot-guide/backend/internal/metrics"
	"github.com/ballot-guide/backend/internal/storage/models"
	"github.com/ballot-guide/backend/pkg/fingerprint"
	"github.com/ballot-guide/backend/pkg/logger"
)

const ScopeStatewide = "statewide"

// GuideScope is the scope of a voter's personalized ballot.
func GuideScope(sessionID string) string {
	return "guide:" + sessionID
}

// Documents is the durable side of the store.
type Documents interface {
	GetBallot(ctx context.Context, party, scope string) (*models.BallotDocument, error)
	GetFingerprint(ctx context.Context, party, scope string) (string, bool, error)
	PutBallot(ctx context.Context, doc *models.BallotDocument) error
}

// FingerprintCache answers "not modified" without touching Documents.
// Entries are expected to expire on their own.
type FingerprintCache interface {
	GetFingerprint(ctx context.Context, party, scope string) (string, bool, error)
	SetFingerprint(ctx context.Context, party, scope, fingerprint string) error
	DeleteFingerprint(ctx context.Context, party, scope string) error
}

type Store struct {
	docs  Documents
	cache FingerprintCache
	now   func() time.Time
}

// New builds a store. cache may be nil.
func New(docs Documents, cache FingerprintCache) *Store {
	return &Store{docs: docs, cache: cache, now: time.Now}
}

// Lookup is the result of a conditional get. A missing document is reported
// with Found=false and no error.
type Lookup struct {
	Ballot      ballot.Ballot
	Fingerprint string
	Found       bool
	NotModified bool
}

// Get loads the ballot for (party, scope). When ifNoneMatch names the current
// fingerprint the body is not loaded and NotModified is set.
func (s *Store) Get(ctx context.Context, party ballot.Party, scope, ifNoneMatch string) (Lookup, error) {
	if ifNoneMatch != "" {
		current, ok, err := s.currentFingerprint(ctx, party, scope)
		if err != nil {
			return Lookup{}, err
		}
		if ok && fingerprint.Matches(ifNoneMatch, current) {
			return Lookup{Fingerprint: current, Found: true, NotModified: true}, nil
		}
	}

	doc, err := s.docs.GetBallot(ctx, string(party), scope)
	if err != nil {
		return Lookup{}, err
	}
	if doc == nil {
		return Lookup{}, nil
	}

	var b ballot.Ballot
	if err := json.Unmarshal(doc.Body, &b); err != nil {
		return Lookup{}, fmt.Errorf("failed to decode ballot %s/%s: %w", party, scope, err)
	}
	return Lookup{Ballot: b, Fingerprint: doc.Fingerprint, Found: true}, nil
}

// Fingerprint returns the current version of (party, scope) without loading
// the document.
func (s *Store) Fingerprint(ctx context.Context, party ballot.Party, scope string) (string, bool, error) {
	return s.currentFingerprint(ctx, party, scope)
}

func (s *Store) currentFingerprint(ctx context.Context, party ballot.Party, scope string) (string, bool, error) {
	if s.cache != nil {
		fp, ok, err := s.cache.GetFingerprint(ctx, string(party), scope)
		if err != nil {
			logger.Warn("Fingerprint cache read failed", zap.Error(err))
		} else if ok {
			metrics.CacheHits.WithLabelValues("fingerprint").Inc()
			return fp, true, nil
		}
		metrics.CacheMisses.WithLabelValues("fingerprint").Inc()
	}

	fp, ok, err := s.docs.GetFingerprint(ctx, string(party), scope)
	if err != nil {
		return "", false, err
	}
	if ok && s.cache != nil {
		if err := s.cache.SetFingerprint(ctx, string(party), scope, fp); err != nil {
			logger.Warn("Fingerprint cache write failed", zap.Error(err))
		}
	}
	return fp, ok, nil
}

// Put replaces the whole document and returns its new fingerprint.
func (s *Store) Put(ctx context.Context, party ballot.Party, scope string, b ballot.Ballot) (string, error) {
	body, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("failed to encode ballot: %w", err)
	}
	fp := fingerprint.Of(body)

	err = s.docs.PutBallot(ctx, &models.BallotDocument{
		Party:       string(party),
		Scope:       scope,
		Body:        body,
		Fingerprint: fp,
		UpdatedAt:   s.now(),
	})
	if err != nil {
		return "", err
	}

	if s.cache != nil {
		s.refreshCache(ctx, party, scope, fp)
	}
	return fp, nil
}

// refreshCache points the cached fingerprint at the new document. If that
// fails the entry is dropped so reads fall through to Documents instead of
// matching the old version.
func (s *Store) refreshCache(ctx context.Context, party ballot.Party, scope, fp string) {
	err := s.cache.SetFingerprint(ctx, string(party), scope, fp)
	if err == nil {
		return
	}
	logger.Warn("Fingerprint cache write failed, dropping entry",
		zap.String("party", string(party)),
		zap.String("scope", scope),
		zap.Error(err),
	)
	if err := s.cache.DeleteFingerprint(ctx, string(party), scope); err != nil {
		logger.Error("Stale fingerprint left in cache until it expires",
			zap.String("party", string(party)),
			zap.String("scope", scope),
			zap.Error(err),
		)
	}
}

// Resolved is a statewide ballot merged with the voter's county ballot.
type Resolved struct {
	Ballot          ballot.Ballot
	Fingerprint     string
	CountyAvailable bool
	Found           bool
	NotModified     bool
}

// Resolve loads the statewide ballot and, when countyFIPS is set, merges the
// county ballot into it. A missing or undecodable county document is treated
// as "no county data". The combined fingerprint changes whenever either
// source changes.
func (s *Store) Resolve(ctx context.Context, party ballot.Party, countyFIPS, ifNoneMatch string) (Resolved, error) {
	if ifNoneMatch != "" {
		fp, found, err := s.resolvedFingerprint(ctx, party, countyFIPS)
		if err != nil {
			return Resolved{}, err
		}
		if found && fingerprint.Matches(ifNoneMatch, fp) {
			return Resolved{Fingerprint: fp, Found: true, NotModified: true}, nil
		}
	}

	statewide, err := s.Get(ctx, party, ScopeStatewide, "")
	if err != nil {
		return Resolved{}, err
	}

	var county *ballot.Ballot
	var countyFP string
	if countyFIPS != "" {
		c, err := s.Get(ctx, party, countyFIPS, "")
		switch {
		case err != nil:
			logger.Warn("County ballot unreadable, serving statewide only",
				zap.String("party", string(party)),
				zap.String("county", countyFIPS),
				zap.Error(err),
			)
			// Keep the broken version in the tag so a fixed upload invalidates it.
			countyFP, _, _ = s.docs.GetFingerprint(ctx, string(party), countyFIPS)
		case c.Found:
			county = &c.Ballot
			countyFP = c.Fingerprint
		}
	}

	if !statewide.Found && county == nil {
		return Resolved{Ballot: ballot.Ballot{Party: party, Races: []ballot.Race{}}}, nil
	}

	base := statewide.Ballot
	if base.Party == "" {
		base.Party = party
	}
	merged, countyAvailable := ballot.Merge(base, county)
	return Resolved{
		Ballot:          merged,
		Fingerprint:     combine(statewide.Fingerprint, countyFP),
		CountyAvailable: countyAvailable,
		Found:           true,
	}, nil
}

func (s *Store) resolvedFingerprint(ctx context.Context, party ballot.Party, countyFIPS string) (string, bool, error) {
	sfp, sok, err := s.currentFingerprint(ctx, party, ScopeStatewide)
	if err != nil {
		return "", false, err
	}
	var cfp string
	if countyFIPS != "" {
		fp, ok, err := s.currentFingerprint(ctx, party, countyFIPS)
		if err != nil {
			return "", false, err
		}
		if ok {
			cfp = fp
		}
	}
	if !sok && cfp == "" {
		return "", false, nil
	}
	return combine(sfp, cfp), true, nil
}

func combine(statewideFP, countyFP string) string {
	if countyFP == "" {
		return statewideFP
	}
	return fingerprint.Of([]byte(statewideFP + "|" + countyFP))
}
