package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/ballot-guide/backend/internal/ballot"
	"github.com/ballot-guide/backend/internal/recommend"
	"github.com/ballot-guide/backend/pkg/logger"
	"github.com/ballot-guide/backend/pkg/retry"
)

// Generator implements recommend.Generator on top of Client.
type Generator struct {
	client *Client
}

func NewGenerator(client *Client) *Generator {
	return &Generator{client: client}
}

var _ recommend.Generator = (*Generator)(nil)

const systemPrompt = `You are a nonpartisan voting assistant for a primary election. You match a voter's stated priorities to the candidates and propositions on their ballot.

Rules:
- Use ONLY the candidate and proposition facts provided.
- Never invent endorsements, votes or quotes.
- Treat every candidate with the same level of scrutiny.
- Recommend only from the candidates listed as active.
- Respond with a single JSON object and nothing else.`

var toneInstructions = map[recommend.Tone]string{
	1: "Write for a young reader: very short sentences and everyday words.",
	2: "Write simply, with short sentences and no jargon.",
	3: "Write plainly for a general audience.",
	4: "Write in a clear, neutral news register.",
	5: "Write in a detailed register and name specific policy tradeoffs.",
	6: "Write for a policy-literate reader; precise terminology is fine.",
	7: "Write in an expert register with full nuance and technical detail.",
}

func toneInstruction(t recommend.Tone) string {
	return toneInstructions[t.Normalize()]
}

func langInstruction(lang string) string {
	if lang == "" || strings.HasPrefix(strings.ToLower(lang), "en") {
		return ""
	}
	return fmt.Sprintf("\nWrite all free text in the language with code %q. Keep JSON keys and enum values in English.", lang)
}

func describeProfile(p recommend.Profile) string {
	var b strings.Builder
	if p.Summary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", p.Summary)
	}
	if len(p.TopIssues) > 0 {
		fmt.Fprintf(&b, "Top issues (most important first): %s\n", strings.Join(p.TopIssues, "; "))
	}
	if p.PoliticalSpectrum != "" {
		fmt.Fprintf(&b, "Political self-placement: %s\n", p.PoliticalSpectrum)
	}
	if len(p.CandidateQualities) > 0 {
		fmt.Fprintf(&b, "Valued candidate qualities: %s\n", strings.Join(p.CandidateQualities, "; "))
	}
	if len(p.PolicyViews) > 0 {
		fmt.Fprintf(&b, "Policy views: %s\n", strings.Join(p.PolicyViews, "; "))
	}
	if p.FreeForm != "" {
		fmt.Fprintf(&b, "In their own words: %s\n", p.FreeForm)
	}
	return b.String()
}

func (g *Generator) SummarizeProfile(ctx context.Context, p recommend.Profile, opts recommend.Options) (string, error) {
	userPrompt := fmt.Sprintf(`Write one paragraph (3-4 sentences) describing this voter's priorities in the second person. Do not mention a party.

%s
%s%s

Return JSON: {"summary": "..."}`, describeProfile(p), toneInstruction(opts.Tone), langInstruction(opts.Lang))

	resp, err := g.client.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		MaxTokens:    300,
		Model:        opts.Model,
		JSON:         true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to summarize profile: %w", err)
	}

	var out struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(trimFences(resp.Content)), &out); err != nil {
		return "", retry.Permanent(fmt.Errorf("malformed profile summary: %w", err))
	}
	summary := stripMarkup(out.Summary)
	if summary == "" {
		return "", retry.Permanent(fmt.Errorf("empty profile summary"))
	}
	return summary, nil
}

func describeRace(race ballot.Race) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Race: %s\n", race.Key())
	for _, c := range race.ActiveCandidates() {
		fmt.Fprintf(&b, "\nCandidate: %s", c.Name)
		if c.IsIncumbent {
			b.WriteString(" (incumbent)")
		}
		b.WriteString("\n")
		if c.Summary != "" {
			fmt.Fprintf(&b, "Summary: %s\n", c.Summary)
		}
		if len(c.KeyPositions) > 0 {
			fmt.Fprintf(&b, "Positions: %s\n", strings.Join(c.KeyPositions, "; "))
		}
		if len(c.Pros) > 0 {
			fmt.Fprintf(&b, "Strengths: %s\n", strings.Join(c.Pros, "; "))
		}
		if len(c.Cons) > 0 {
			fmt.Fprintf(&b, "Concerns: %s\n", strings.Join(c.Cons, "; "))
		}
	}
	return b.String()
}

type raceResponse struct {
	CandidateName  string   `json:"candidateName"`
	Confidence     string   `json:"confidence"`
	Reasoning      string   `json:"reasoning"`
	MatchFactors   []string `json:"matchFactors"`
	StrategicNotes string   `json:"strategicNotes"`
	Caveats        string   `json:"caveats"`
}

func (g *Generator) RecommendRace(ctx context.Context, party ballot.Party, race ballot.Race, p recommend.Profile, opts recommend.Options) (*ballot.RaceRecommendation, error) {
	userPrompt := fmt.Sprintf(`Voter (%s primary):
%s
%s

Pick the active candidate who best fits this voter.
Confidence must be one of: "Strong Match", "Good Match", "Best Available", "Symbolic Race".
%s%s

Return JSON: {"candidateName": "...", "confidence": "...", "reasoning": "2-3 sentences", "matchFactors": ["..."], "strategicNotes": "", "caveats": ""}`,
		party, describeProfile(p), describeRace(race), toneInstruction(opts.Tone), langInstruction(opts.Lang))

	resp, err := g.client.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Model:        opts.Model,
		JSON:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to recommend %q: %w", race.Key(), err)
	}

	rec, err := parseRace(resp.Content)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("race %q: %w", race.Key(), err))
	}
	if err := recommend.CheckRace(race, rec); err != nil {
		return nil, retry.Permanent(err)
	}

	logger.Debug("Race recommended",
		zap.String("party", string(party)),
		zap.String("race_key", race.Key()),
		zap.String("confidence", string(rec.Confidence)),
	)
	return rec, nil
}

func parseRace(content string) (*ballot.RaceRecommendation, error) {
	var raw raceResponse
	if err := json.Unmarshal([]byte(trimFences(content)), &raw); err != nil {
		return nil, fmt.Errorf("malformed recommendation: %w", err)
	}
	rec := &ballot.RaceRecommendation{
		CandidateName:  strings.TrimSpace(raw.CandidateName),
		Confidence:     ballot.Confidence(strings.TrimSpace(raw.Confidence)),
		Reasoning:      stripMarkup(raw.Reasoning),
		StrategicNotes: stripMarkup(raw.StrategicNotes),
		Caveats:        stripMarkup(raw.Caveats),
	}
	for _, f := range raw.MatchFactors {
		if f = stripMarkup(f); f != "" {
			rec.MatchFactors = append(rec.MatchFactors, f)
		}
	}
	return rec, nil
}

func describeProposition(prop ballot.Proposition) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Proposition %d: %s\n", prop.Number, prop.Title)
	fields := []struct{ label, value string }{
		{"Description", prop.Description},
		{"If it passes", prop.IfPasses},
		{"If it fails", prop.IfFails},
		{"Background", prop.Background},
		{"Fiscal impact", prop.FiscalImpact},
	}
	for _, f := range fields {
		if f.value != "" {
			fmt.Fprintf(&b, "%s: %s\n", f.label, f.value)
		}
	}
	if len(prop.Supporters) > 0 {
		fmt.Fprintf(&b, "Supporters: %s\n", strings.Join(prop.Supporters, "; "))
	}
	if len(prop.Opponents) > 0 {
		fmt.Fprintf(&b, "Opponents: %s\n", strings.Join(prop.Opponents, "; "))
	}
	return b.String()
}

type propositionResponse struct {
	Stance     string `json:"stance"`
	Confidence string `json:"confidence"`
	Reasoning  string `json:"reasoning"`
	Caveats    string `json:"caveats"`
}

func (g *Generator) RecommendProposition(ctx context.Context, party ballot.Party, prop ballot.Proposition, p recommend.Profile, opts recommend.Options) (*ballot.PropositionRecommendation, error) {
	userPrompt := fmt.Sprintf(`Voter (%s primary):
%s
%s

Stance must be one of: "Lean Yes", "Lean No", "Your Call". Use "Your Call" when the voter's answers do not point either way.
Confidence must be one of: "Strong Match", "Good Match", "Best Available", "Symbolic Race".
%s%s

Return JSON: {"stance": "...", "confidence": "...", "reasoning": "2-3 sentences", "caveats": ""}`,
		party, describeProfile(p), describeProposition(prop), toneInstruction(opts.Tone), langInstruction(opts.Lang))

	resp, err := g.client.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		MaxTokens:    500,
		Model:        opts.Model,
		JSON:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to recommend proposition %d: %w", prop.Number, err)
	}

	var raw propositionResponse
	if err := json.Unmarshal([]byte(trimFences(resp.Content)), &raw); err != nil {
		return nil, retry.Permanent(fmt.Errorf("proposition %d: malformed recommendation: %w", prop.Number, err))
	}
	rec := &ballot.PropositionRecommendation{
		Stance:     ballot.Stance(strings.TrimSpace(raw.Stance)),
		Confidence: ballot.Confidence(strings.TrimSpace(raw.Confidence)),
		Reasoning:  stripMarkup(raw.Reasoning),
		Caveats:    stripMarkup(raw.Caveats),
	}
	if err := recommend.CheckProposition(prop, rec); err != nil {
		return nil, retry.Permanent(err)
	}
	return rec, nil
}

// stripMarkup drops any HTML the model emitted so stored text is plain.
func stripMarkup(s string) string {
	s = strings.TrimSpace(s)
	if !strings.ContainsAny(s, "<&") {
		return s
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	doc.Find("script, style").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}
