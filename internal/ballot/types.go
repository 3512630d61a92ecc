package ballot

import (
	"fmt"
	"strings"
	"time"
)

type Party string

const (
	PartyRepublican Party = "republican"
	PartyDemocrat   Party = "democrat"
)

// Parties lists the primary tracks generated side by side.
var Parties = []Party{PartyRepublican, PartyDemocrat}

func ParseParty(s string) (Party, error) {
	switch Party(strings.ToLower(strings.TrimSpace(s))) {
	case PartyRepublican:
		return PartyRepublican, nil
	case PartyDemocrat:
		return PartyDemocrat, nil
	}
	return "", fmt.Errorf("unknown party %q", s)
}

// Confidence is ordered: SymbolicRace < BestAvailable < GoodMatch < StrongMatch.
type Confidence string

const (
	ConfidenceSymbolicRace  Confidence = "Symbolic Race"
	ConfidenceBestAvailable Confidence = "Best Available"
	ConfidenceGoodMatch     Confidence = "Good Match"
	ConfidenceStrongMatch   Confidence = "Strong Match"
)

func (c Confidence) Rank() int {
	switch c {
	case ConfidenceSymbolicRace:
		return 1
	case ConfidenceBestAvailable:
		return 2
	case ConfidenceGoodMatch:
		return 3
	case ConfidenceStrongMatch:
		return 4
	}
	return 0
}

func (c Confidence) Valid() bool { return c.Rank() > 0 }

func (c Confidence) Less(other Confidence) bool { return c.Rank() < other.Rank() }

type Stance string

const (
	StanceLeanYes  Stance = "Lean Yes"
	StanceLeanNo   Stance = "Lean No"
	StanceYourCall Stance = "Your Call"
)

func (s Stance) Valid() bool {
	switch s {
	case StanceLeanYes, StanceLeanNo, StanceYourCall:
		return true
	}
	return false
}

type Kind string

const (
	KindRace        Kind = "race"
	KindProposition Kind = "proposition"
)

// Recommendation is implemented by RaceRecommendation and
// PropositionRecommendation only.
type Recommendation interface {
	Kind() Kind
	recommendation()
}

type RaceRecommendation struct {
	CandidateName  string     `json:"candidateName"`
	Confidence     Confidence `json:"confidence"`
	Reasoning      string     `json:"reasoning"`
	MatchFactors   []string   `json:"matchFactors,omitempty"`
	StrategicNotes string     `json:"strategicNotes,omitempty"`
	Caveats        string     `json:"caveats,omitempty"`
}

func (*RaceRecommendation) Kind() Kind      { return KindRace }
func (*RaceRecommendation) recommendation() {}

type PropositionRecommendation struct {
	Stance     Stance     `json:"stance"`
	Confidence Confidence `json:"confidence"`
	Reasoning  string     `json:"reasoning"`
	Caveats    string     `json:"caveats,omitempty"`
}

func (*PropositionRecommendation) Kind() Kind      { return KindProposition }
func (*PropositionRecommendation) recommendation() {}

type Source struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

type Candidate struct {
	Name         string   `json:"name"`
	IsIncumbent  bool     `json:"isIncumbent,omitempty"`
	Withdrawn    bool     `json:"withdrawn,omitempty"`
	Summary      string   `json:"summary,omitempty"`
	Pros         []string `json:"pros,omitempty"`
	Cons         []string `json:"cons,omitempty"`
	KeyPositions []string `json:"keyPositions,omitempty"`
	Sources      []Source `json:"sources,omitempty"`
}

type Race struct {
	Office         string              `json:"office"`
	District       string              `json:"district,omitempty"`
	Candidates     []Candidate         `json:"candidates"`
	IsKeyRace      bool                `json:"isKeyRace,omitempty"`
	Recommendation *RaceRecommendation `json:"recommendation,omitempty"`
}

// KeySeparator joins office and district in override and merge keys.
const KeySeparator = " — "

// RaceKey builds the identity of a race. Two races with the same office in
// different districts never share a key.
func RaceKey(office, district string) string {
	if district == "" {
		return office
	}
	return office + KeySeparator + district
}

func (r Race) Key() string { return RaceKey(r.Office, r.District) }

func (r Race) ActiveCandidates() []Candidate {
	active := make([]Candidate, 0, len(r.Candidates))
	for _, c := range r.Candidates {
		if !c.Withdrawn {
			active = append(active, c)
		}
	}
	return active
}

// IsContested reports whether the voter has a real choice to make.
func (r Race) IsContested() bool {
	n := 0
	for _, c := range r.Candidates {
		if !c.Withdrawn {
			n++
		}
	}
	return n >= 2
}

// ActiveCandidate finds a non-withdrawn candidate by exact name.
func (r Race) ActiveCandidate(name string) (Candidate, bool) {
	for _, c := range r.Candidates {
		if c.Name == name && !c.Withdrawn {
			return c, true
		}
	}
	return Candidate{}, false
}

type Proposition struct {
	Number         int                        `json:"number"`
	Title          string                     `json:"title"`
	Description    string                     `json:"description,omitempty"`
	IfPasses       string                     `json:"ifPasses,omitempty"`
	IfFails        string                     `json:"ifFails,omitempty"`
	Background     string                     `json:"background,omitempty"`
	FiscalImpact   string                     `json:"fiscalImpact,omitempty"`
	Supporters     []string                   `json:"supporters,omitempty"`
	Opponents      []string                   `json:"opponents,omitempty"`
	Recommendation *PropositionRecommendation `json:"recommendation,omitempty"`
}

type Ballot struct {
	Party         Party         `json:"party"`
	ElectionName  string        `json:"electionName,omitempty"`
	Races         []Race        `json:"races"`
	Propositions  []Proposition `json:"propositions,omitempty"`
	DataUpdatedAt *time.Time    `json:"dataUpdatedAt,omitempty"`
}

func (b *Ballot) RaceIndex(key string) int {
	for i := range b.Races {
		if b.Races[i].Key() == key {
			return i
		}
	}
	return -1
}

func (b *Ballot) PropositionIndex(number int) int {
	for i := range b.Propositions {
		if b.Propositions[i].Number == number {
			return i
		}
	}
	return -1
}

// ContestedCount returns how many races can carry a recommendation.
func (b *Ballot) ContestedCount() int {
	n := 0
	for _, r := range b.Races {
		if r.IsContested() {
			n++
		}
	}
	return n
}

// Clone returns a deep copy so concurrent runs never share slices.
func (b Ballot) Clone() Ballot {
	out := b
	if b.DataUpdatedAt != nil {
		t := *b.DataUpdatedAt
		out.DataUpdatedAt = &t
	}
	if b.Races != nil {
		out.Races = make([]Race, len(b.Races))
		for i, r := range b.Races {
			out.Races[i] = r.clone()
		}
	}
	if b.Propositions != nil {
		out.Propositions = make([]Proposition, len(b.Propositions))
		for i, p := range b.Propositions {
			out.Propositions[i] = p.clone()
		}
	}
	return out
}

func (r Race) clone() Race {
	out := r
	if r.Candidates != nil {
		out.Candidates = make([]Candidate, len(r.Candidates))
		for i, c := range r.Candidates {
			out.Candidates[i] = c.clone()
		}
	}
	if r.Recommendation != nil {
		rec := *r.Recommendation
		rec.MatchFactors = cloneStrings(rec.MatchFactors)
		out.Recommendation = &rec
	}
	return out
}

func (c Candidate) clone() Candidate {
	out := c
	out.Pros = cloneStrings(c.Pros)
	out.Cons = cloneStrings(c.Cons)
	out.KeyPositions = cloneStrings(c.KeyPositions)
	if c.Sources != nil {
		out.Sources = append([]Source(nil), c.Sources...)
	}
	return out
}

func (p Proposition) clone() Proposition {
	out := p
	out.Supporters = cloneStrings(p.Supporters)
	out.Opponents = cloneStrings(p.Opponents)
	if p.Recommendation != nil {
		rec := *p.Recommendation
		out.Recommendation = &rec
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

// Validate checks the structural invariants of a stored ballot document.
func (b *Ballot) Validate() error {
	seenRaces := make(map[string]struct{}, len(b.Races))
	for _, r := range b.Races {
		if strings.TrimSpace(r.Office) == "" {
			return fmt.Errorf("race with empty office")
		}
		key := r.Key()
		if _, dup := seenRaces[key]; dup {
			return fmt.Errorf("duplicate race %q", key)
		}
		seenRaces[key] = struct{}{}
		if r.Recommendation != nil && !r.IsContested() {
			return fmt.Errorf("uncontested race %q carries a recommendation", key)
		}
	}
	seenProps := make(map[int]struct{}, len(b.Propositions))
	for _, p := range b.Propositions {
		if _, dup := seenProps[p.Number]; dup {
			return fmt.Errorf("duplicate proposition %d", p.Number)
		}
		seenProps[p.Number] = struct{}{}
	}
	return nil
}

// StripUncontested removes recommendations from races that no longer offer
// a choice, and from races whose pick is no longer an active candidate.
func (b *Ballot) StripUncontested() int {
	stripped := 0
	for i := range b.Races {
		r := &b.Races[i]
		if r.Recommendation == nil {
			continue
		}
		_, active := r.ActiveCandidate(r.Recommendation.CandidateName)
		if !r.IsContested() || !active {
			r.Recommendation = nil
			stripped++
		}
	}
	return stripped
}
