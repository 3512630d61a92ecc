package ballot

import "strconv"

type LineStatus string

const (
	LineRecommended LineStatus = "recommended"
	LineOverridden  LineStatus = "overridden"
	LineNotAnalyzed LineStatus = "not-analyzed"
	LineUncontested LineStatus = "uncontested"
)

// CheatSheetLine is one row of the printable summary.
type CheatSheetLine struct {
	Kind      Kind       `json:"kind"`
	Label     string     `json:"label"`
	Choice    string     `json:"choice,omitempty"`
	Status    LineStatus `json:"status"`
	IsKeyRace bool       `json:"isKeyRace,omitempty"`
}

// CheatSheet lists the voter's choices. overrides maps race keys to the
// candidate the voter picked instead of the generated recommendation.
func CheatSheet(b Ballot, overrides map[string]string) []CheatSheetLine {
	lines := make([]CheatSheetLine, 0, len(b.Races)+len(b.Propositions))

	for _, r := range b.Races {
		line := CheatSheetLine{Kind: KindRace, Label: r.Key(), IsKeyRace: r.IsKeyRace}
		switch chosen, ok := overrides[r.Key()]; {
		case ok:
			line.Choice = chosen
			line.Status = LineOverridden
		case !r.IsContested():
			line.Status = LineUncontested
			if active := r.ActiveCandidates(); len(active) == 1 {
				line.Choice = active[0].Name
			}
		case r.Recommendation != nil:
			line.Choice = r.Recommendation.CandidateName
			line.Status = LineRecommended
		default:
			line.Status = LineNotAnalyzed
		}
		lines = append(lines, line)
	}

	for _, p := range b.Propositions {
		line := CheatSheetLine{Kind: KindProposition, Label: propositionLabel(p)}
		if p.Recommendation != nil {
			line.Choice = string(p.Recommendation.Stance)
			line.Status = LineRecommended
		} else {
			line.Status = LineNotAnalyzed
		}
		lines = append(lines, line)
	}
	return lines
}

func propositionLabel(p Proposition) string {
	if p.Title == "" {
		return "Proposition " + strconv.Itoa(p.Number)
	}
	return "Proposition " + strconv.Itoa(p.Number) + ": " + p.Title
}
