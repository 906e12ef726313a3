package mimas

// Small-molecule beamlines (i19, i15) process every sweep of the group
// together with xia2 small-molecule pipelines. Space groups are passed
// through unaliased.
func smallMoleculeRules() []rule {
	return []rule{
		{
			name:  "i19-pilatus-start",
			match: all(isI19, isPilatus, isStart),
			emit: func(s *Scenario) []Task {
				return recipes(s.DCID, "per-image-analysis-rotation")
			},
		},
		{
			name:  "i19-eiger-start",
			match: all(isI19, isEiger, isStart),
			emit: func(s *Scenario) []Task {
				return recipes(s.DCID, "per-image-analysis-rotation-swmr-i19")
			},
		},
		{
			name:  "i19-pilatus-end",
			match: all(isI19, isPilatus, isEnd),
			emit: func(s *Scenario) []Task {
				return recipes(s.DCID, "archive-cbfs", "processing-rlv", "strategy-screen19")
			},
		},
		{
			name:  "i19-eiger-end",
			match: all(isI19, isEiger, isEnd),
			emit: func(s *Scenario) []Task {
				return recipes(s.DCID, "archive-nexus", "processing-rlv-eiger", "generate-diffraction-preview", "strategy-screen19-eiger")
			},
		},
		{
			name:  "i19-end",
			match: all(isI19, isEnd),
			emit:  i19End,
		},
		{
			name:  "i15-end",
			match: all(isI15, isEnd),
			emit:  i15End,
		},
	}
}

func plainSymbol(s *Scenario) string {
	if s.SpaceGroup == nil {
		return ""
	}
	return s.SpaceGroup.String()
}

func i19End(s *Scenario) []Task {
	tasks := recipes(s.DCID, "generate-crystal-thumbnails")
	dials := "autoprocessing-multi-xia2-smallmolecule"
	aimless := "autoprocessing-multi-xia2-smallmolecule-dials-aiml"
	if s.DetectorClass != DetectorPilatus {
		dials = "autoprocessing-multi-xia2-smallmolecule-nexus"
		aimless = "autoprocessing-multi-xia2-smallmolecule-d-a-nexus"
	}
	for _, params := range symmetrySets(plainSymbol(s), s) {
		tasks = append(tasks,
			JobInvocation{
				DCID:        s.DCID,
				Autostart:   true,
				Recipe:      dials,
				Source:      "automatic",
				DisplayName: "xia2 dials",
				Parameters:  concat(params, absorptionParams(s)),
				Sweeps:      sweepsCopy(s),
			},
			JobInvocation{
				DCID:        s.DCID,
				Autostart:   true,
				Recipe:      aimless,
				Source:      "automatic",
				DisplayName: "xia2 dials-aimless",
				Parameters:  concat(params),
				Sweeps:      sweepsCopy(s),
			},
		)
	}
	return tasks
}

func i15End(s *Scenario) []Task {
	tasks := recipes(s.DCID, "generate-crystal-thumbnails", "processing-rlv", "strategy-screen19", "per-image-analysis-rotation")
	for _, params := range symmetrySets(plainSymbol(s), s) {
		tasks = append(tasks,
			RecipeInvocation{DCID: s.DCID, Recipe: "generate-crystal-thumbnails"},
			JobInvocation{
				DCID:       s.DCID,
				Autostart:  true,
				Recipe:     "autoprocessing-multi-xia2-smallmolecule",
				Source:     "automatic",
				Parameters: concat(params, absorptionParams(s)),
				Sweeps:     sweepsCopy(s),
			},
			JobInvocation{
				DCID:       s.DCID,
				Autostart:  true,
				Recipe:     "autoprocessing-multi-xia2-smallmolecule-dials-aiml",
				Source:     "automatic",
				Parameters: concat(params),
				Sweeps:     sweepsCopy(s),
			},
		)
	}
	return tasks
}
