package recipe

// Merge returns a new recipe holding the steps of r and other. The steps of
// other are relabelled above r's highest label so nothing collides, and the
// start lists are concatenated. Neither input is modified.
func (r *Recipe) Merge(other *Recipe) *Recipe {
	if r == nil || len(r.Steps) == 0 && len(r.Start) == 0 {
		return other.Clone()
	}
	merged := r.Clone()
	if other == nil {
		return merged
	}

	offset := 0
	for id := range merged.Steps {
		if id > offset {
			offset = id
		}
	}
	relabel := make(map[int]int, len(other.Steps))
	for i, id := range other.StepIDs() {
		relabel[id] = offset + i + 1
	}
	mapID := func(id int) int {
		if n, ok := relabel[id]; ok {
			return n
		}
		// dangling reference; Validate reports it
		return id
	}

	for id, s := range other.Steps {
		c := s.clone()
		c.Output = s.Output.remap(mapID)
		merged.Steps[relabel[id]] = c
	}
	for _, sp := range other.Start {
		merged.Start = append(merged.Start, StartPoint{Step: mapID(sp.Step), Payload: deepCopy(sp.Payload)})
	}
	return merged
}
