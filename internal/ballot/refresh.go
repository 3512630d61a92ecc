package ballot

// Refresh folds upstream factual corrections into a personalized ballot.
//
// Candidate facts (summary, pros, cons, positions, sources, withdrawal) come
// from upstream; recommendations, the key-race flag and race order stay as the
// voter received them. Races or propositions that vanished upstream are kept
// untouched. A recommendation that no longer makes sense after the update (the
// race became uncontested or the pick withdrew) is dropped. The returned count
// is the number of races whose candidate data changed.
func Refresh(personal, upstream Ballot) (Ballot, int) {
	out := personal.Clone()

	upRaces := make(map[string]Race, len(upstream.Races))
	for _, r := range upstream.Races {
		if _, dup := upRaces[r.Key()]; !dup {
			upRaces[r.Key()] = r
		}
	}

	changed := 0
	for i := range out.Races {
		r := &out.Races[i]
		up, ok := upRaces[r.Key()]
		if !ok {
			continue
		}
		if refreshCandidates(r, up) {
			changed++
		}
	}

	upProps := make(map[int]Proposition, len(upstream.Propositions))
	for _, p := range upstream.Propositions {
		upProps[p.Number] = p
	}
	for i := range out.Propositions {
		p := &out.Propositions[i]
		up, ok := upProps[p.Number]
		if !ok {
			continue
		}
		rec := p.Recommendation
		*p = up.clone()
		p.Recommendation = rec
	}

	out.StripUncontested()
	return out, changed
}

func refreshCandidates(r *Race, up Race) bool {
	current := make(map[string]int, len(r.Candidates))
	for i, c := range r.Candidates {
		current[c.Name] = i
	}

	changed := false
	for _, uc := range up.Candidates {
		idx, ok := current[uc.Name]
		if !ok {
			r.Candidates = append(r.Candidates, uc.clone())
			changed = true
			continue
		}
		if !candidateEqual(r.Candidates[idx], uc) {
			r.Candidates[idx] = uc.clone()
			changed = true
		}
	}
	return changed
}

func candidateEqual(a, b Candidate) bool {
	if a.Name != b.Name || a.IsIncumbent != b.IsIncumbent || a.Withdrawn != b.Withdrawn || a.Summary != b.Summary {
		return false
	}
	if !stringsEqual(a.Pros, b.Pros) || !stringsEqual(a.Cons, b.Cons) || !stringsEqual(a.KeyPositions, b.KeyPositions) {
		return false
	}
	if len(a.Sources) != len(b.Sources) {
		return false
	}
	for i := range a.Sources {
		if a.Sources[i] != b.Sources[i] {
			return false
		}
	}
	return true
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
