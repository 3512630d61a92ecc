package ballot

// Merge combines a statewide ballot with an optional county ballot.
//
// Statewide races come first in their original order; county races are
// appended only when their office+district key is not already present.
// Statewide data is authoritative for any race both sources define, so a
// stale county snapshot can never shadow a corrected statewide race.
// Propositions are unioned by number with the same first-writer rule.
//
// The second return value is false when county is nil, which callers surface
// as "local races not yet available". Merging the same county ballot again
// is a no-op.
func Merge(statewide Ballot, county *Ballot) (Ballot, bool) {
	merged := Ballot{
		Party:        statewide.Party,
		ElectionName: statewide.ElectionName,
		Races:        make([]Race, 0, len(statewide.Races)),
	}
	if statewide.DataUpdatedAt != nil {
		t := *statewide.DataUpdatedAt
		merged.DataUpdatedAt = &t
	}

	raceKeys := make(map[string]struct{}, len(statewide.Races))
	propNumbers := make(map[int]struct{}, len(statewide.Propositions))

	addRaces := func(races []Race) {
		for _, r := range races {
			key := r.Key()
			if _, exists := raceKeys[key]; exists {
				continue
			}
			raceKeys[key] = struct{}{}
			merged.Races = append(merged.Races, r.clone())
		}
	}
	addProps := func(props []Proposition) {
		for _, p := range props {
			if _, exists := propNumbers[p.Number]; exists {
				continue
			}
			propNumbers[p.Number] = struct{}{}
			merged.Propositions = append(merged.Propositions, p.clone())
		}
	}

	addRaces(statewide.Races)
	addProps(statewide.Propositions)

	countyAvailable := county != nil
	if countyAvailable {
		addRaces(county.Races)
		addProps(county.Propositions)
	}

	merged.StripUncontested()
	return merged, countyAvailable
}
