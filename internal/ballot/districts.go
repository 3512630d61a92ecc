package ballot

import (
	"strings"
	"unicode"
)

// Districts identifies where a voter lives. Any field may be empty when the
// lookup could not determine it.
type Districts struct {
	Congressional string `json:"congressional,omitempty"`
	StateSenate   string `json:"stateSenate,omitempty"`
	StateHouse    string `json:"stateHouse,omitempty"`
	CountyFIPS    string `json:"countyFips,omitempty"`
}

type districtKind int

const (
	districtOther districtKind = iota
	districtCongressional
	districtStateSenate
	districtStateHouse
)

func classifyOffice(office string) districtKind {
	o := strings.ToLower(office)
	switch {
	case strings.Contains(o, "u.s. rep"), strings.Contains(o, "us rep"),
		strings.Contains(o, "congress"):
		return districtCongressional
	case strings.Contains(o, "state senat"):
		return districtStateSenate
	case strings.Contains(o, "state rep"):
		return districtStateHouse
	}
	return districtOther
}

// districtNumber reduces "District 12", "TX-12" and "12" to "12".
func districtNumber(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimLeft(b.String(), "0")
}

// Applies reports whether a race appears on this voter's ballot. Races
// without a district are statewide or countywide and always apply. Districted
// races whose office category is unknown are kept rather than risk hiding a
// real contest.
func (d *Districts) Applies(r Race) bool {
	if d == nil || r.District == "" {
		return true
	}

	var voter string
	switch classifyOffice(r.Office) {
	case districtCongressional:
		voter = d.Congressional
	case districtStateSenate:
		voter = d.StateSenate
	case districtStateHouse:
		voter = d.StateHouse
	default:
		return true
	}
	if voter == "" {
		return true
	}
	return districtNumber(voter) == districtNumber(r.District)
}

// FilterByDistricts returns a copy of b holding only the races that apply to
// the voter. A nil Districts means "show all races".
func FilterByDistricts(b Ballot, d *Districts) Ballot {
	out := b.Clone()
	if d == nil {
		return out
	}
	kept := out.Races[:0]
	for _, r := range out.Races {
		if d.Applies(r) {
			kept = append(kept, r)
		}
	}
	out.Races = kept
	return out
}
