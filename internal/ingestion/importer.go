// Package ingestion loads statewide and county ballot documents into the
// ballot store, cleaning scraped text on the way in.
package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/ballot-guide/backend/internal/ballot"
	"github.com/ballot-guide/backend/internal/ballotstore"
	"github.com/ballot-guide/backend/pkg/logger"
)

var whitespace = regexp.MustCompile(`\s+`)

type Store interface {
	Put(ctx context.Context, party ballot.Party, scope string, b ballot.Ballot) (string, error)
}

type Importer struct {
	store Store
}

func NewImporter(store Store) *Importer {
	return &Importer{store: store}
}

type Result struct {
	Party        ballot.Party `json:"party"`
	Scope        string       `json:"scope"`
	Fingerprint  string       `json:"fingerprint"`
	Races        int          `json:"races"`
	Propositions int          `json:"propositions"`
	Duplicates   int          `json:"duplicates"`
	Stripped     int          `json:"stripped"`
}

// ValidScope rejects empty scopes and the per-session guide namespace.
func ValidScope(scope string) error {
	if strings.TrimSpace(scope) == "" {
		return fmt.Errorf("scope is required")
	}
	if strings.HasPrefix(scope, ballotstore.GuideScope("")) {
		return fmt.Errorf("scope %q is reserved for generated guides", scope)
	}
	return nil
}

// Import decodes a ballot document from r, normalizes it and replaces the
// stored document for (party, scope).
func (im *Importer) Import(ctx context.Context, party ballot.Party, scope string, r io.Reader) (*Result, error) {
	var b ballot.Ballot
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return nil, fmt.Errorf("failed to decode ballot document: %w", err)
	}
	return im.ImportBallot(ctx, party, scope, b)
}

func (im *Importer) ImportBallot(ctx context.Context, party ballot.Party, scope string, b ballot.Ballot) (*Result, error) {
	if err := ValidScope(scope); err != nil {
		return nil, err
	}

	b.Party = party
	dups := normalize(&b)
	stripped := b.StripUncontested()
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ballot document: %w", err)
	}

	fp, err := im.store.Put(ctx, party, scope, b)
	if err != nil {
		return nil, fmt.Errorf("failed to store ballot: %w", err)
	}

	logger.Info("Ballot imported",
		zap.String("party", string(party)),
		zap.String("scope", scope),
		zap.Int("races", len(b.Races)),
		zap.Int("propositions", len(b.Propositions)),
		zap.Int("duplicates", dups),
	)

	return &Result{
		Party:        party,
		Scope:        scope,
		Fingerprint:  fp,
		Races:        len(b.Races),
		Propositions: len(b.Propositions),
		Duplicates:   dups,
		Stripped:     stripped,
	}, nil
}

// normalize cleans text fields and drops repeated races and propositions,
// keeping the first occurrence. It returns how many were dropped.
func normalize(b *ballot.Ballot) int {
	dropped := 0

	seen := make(map[string]struct{}, len(b.Races))
	races := b.Races[:0]
	for _, r := range b.Races {
		r.Office = cleanText(r.Office)
		r.District = cleanText(r.District)
		if _, dup := seen[r.Key()]; dup {
			dropped++
			continue
		}
		seen[r.Key()] = struct{}{}
		for i := range r.Candidates {
			cleanCandidate(&r.Candidates[i])
		}
		races = append(races, r)
	}
	b.Races = races
	if b.Races == nil {
		b.Races = []ballot.Race{}
	}

	seenProps := make(map[int]struct{}, len(b.Propositions))
	props := b.Propositions[:0]
	for _, p := range b.Propositions {
		if _, dup := seenProps[p.Number]; dup {
			dropped++
			continue
		}
		seenProps[p.Number] = struct{}{}
		p.Title = cleanText(p.Title)
		p.Description = cleanText(p.Description)
		p.IfPasses = cleanText(p.IfPasses)
		p.IfFails = cleanText(p.IfFails)
		p.Background = cleanText(p.Background)
		p.FiscalImpact = cleanText(p.FiscalImpact)
		props = append(props, p)
	}
	b.Propositions = props

	return dropped
}

func cleanCandidate(c *ballot.Candidate) {
	c.Name = cleanText(c.Name)
	c.Summary = cleanText(c.Summary)
	c.Pros = cleanList(c.Pros)
	c.Cons = cleanList(c.Cons)
	c.KeyPositions = cleanList(c.KeyPositions)
}

func cleanList(items []string) []string {
	if items == nil {
		return nil
	}
	out := items[:0]
	for _, s := range items {
		if s = cleanText(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// cleanText strips markup left over from scraping and collapses whitespace.
func cleanText(s string) string {
	if strings.ContainsAny(s, "<&") {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
		if err == nil {
			doc.Find("script, style, nav, footer, header, aside").Remove()
			s = doc.Text()
		}
	}
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}
