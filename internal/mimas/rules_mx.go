package mimas

// buildRules assembles the rule table in evaluation order: MX, VMXi, then
// the small-molecule beamlines.
func (e *Engine) buildRules() []rule {
	var rules []rule
	rules = append(rules, e.mxRules()...)
	rules = append(rules, vmxiRules()...)
	rules = append(rules, smallMoleculeRules()...)
	return rules
}

// copperRingParams mask the copper sample-holder rings on VMXm.
var copperRingParams = []Parameter{
	param("ice_rings.unit_cell", "3.615,3.615,3.615,90,90,90"),
	param("ice_rings.space_group", "fm-3m"),
	param("ice_rings.width", "0.01"),
	param("ice_rings.filter", "true"),
}

func (e *Engine) mxRules() []rule {
	mx := all(e.isMX, not(isVMXi))
	return []rule{
		{
			name:  "pilatus-gridscan-start",
			match: all(mx, isPilatus, isGridscan, isStart),
			emit: func(s *Scenario) []Task {
				return recipes(s.DCID, "archive-cbfs", "per-image-analysis-gridscan")
			},
		},
		{
			name:  "pilatus-start",
			match: all(mx, isPilatus, not(isGridscan), isStart),
			emit: func(s *Scenario) []Task {
				return recipes(s.DCID, "archive-cbfs", "per-image-analysis-rotation")
			},
		},
		{
			name:  "eiger-start",
			match: all(mx, isEiger, isStart),
			emit: func(s *Scenario) []Task {
				suffix := ""
				if s.Beamline == "i02-1" {
					suffix = "-vmxm"
				}
				if s.GridScan() {
					return recipes(s.DCID, "per-image-analysis-gridscan-swmr"+suffix)
				}
				return recipes(s.DCID, "per-image-analysis-rotation-swmr"+suffix)
			},
		},
		{
			name:  "eiger-end",
			match: all(mx, isEiger, isEnd),
			emit: func(s *Scenario) []Task {
				tasks := recipes(s.DCID, "generate-crystal-thumbnails", "archive-nexus")
				if s.RunStatus != "DataCollection Stopped" {
					tasks = append(tasks, RecipeInvocation{DCID: s.DCID, Recipe: "generate-diffraction-preview"})
				}
				return tasks
			},
		},
		{
			name:  "pilatus-end",
			match: all(mx, isPilatus, isEnd),
			emit: func(s *Scenario) []Task {
				return recipes(s.DCID, "generate-crystal-thumbnails")
			},
		},
		{
			name:  "eiger-screening-end",
			match: all(mx, isEiger, isScreen, isEnd),
			emit: func(s *Scenario) []Task {
				return recipes(s.DCID, "strategy-align-crystal", "strategy-mosflm", "strategy-edna-eiger")
			},
		},
		{
			name:  "pilatus-screening-end",
			match: all(mx, isPilatus, isScreen, isEnd),
			emit: func(s *Scenario) []Task {
				return recipes(s.DCID, "strategy-mosflm", "strategy-edna")
			},
		},
		{
			name:  "rotation-end",
			match: all(mx, isRotate, isEnd),
			emit:  e.rotationEnd,
		},
	}
}

// rotationEnd schedules reciprocal lattice viewing, fast_dp and the three
// full processing pipelines, plus multi-sweep jobs when the sweep group
// spans several data collections.
func (e *Engine) rotationEnd(s *Scenario) []Task {
	suffix := ""
	if s.DetectorClass == DetectorEiger {
		suffix = "-eiger"
	}
	tasks := recipes(s.DCID, "processing-rlv"+suffix)

	symbol := ""
	fastDP := JobInvocation{
		DCID:      s.DCID,
		Autostart: true,
		Recipe:    "autoprocessing-fast-dp" + suffix,
		Source:    "automatic",
	}
	if s.SpaceGroup != nil {
		symbol = e.processingSymbol(*s.SpaceGroup)
		fastDP.Parameters = []Parameter{param("spacegroup", symbol)}
	}
	tasks = append(tasks, fastDP)

	var beamlineExtras []Parameter
	if s.Beamline == "i02-1" {
		beamlineExtras = concat(copperRingParams, []Parameter{
			param("remove_blanks", "true"),
			param("failover", "true"),
		})
	}

	if s.DetectorClass == DetectorEiger {
		suffix = "-eiger-cluster"
	}
	related := s.HasRelatedCollections()
	for _, params := range symmetrySets(symbol, s) {
		tasks = append(tasks,
			JobInvocation{
				DCID:       s.DCID,
				Autostart:  s.PreferredProcessing == "xia2/DIALS",
				Recipe:     "autoprocessing-xia2-dials" + suffix,
				Source:     "automatic",
				Parameters: concat(ccHalfParams, params, beamlineExtras, absorptionParams(s)),
			},
			JobInvocation{
				DCID:       s.DCID,
				Autostart:  s.PreferredProcessing == "xia2/XDS",
				Recipe:     "autoprocessing-xia2-3dii" + suffix,
				Source:     "automatic",
				Parameters: concat(ccHalfParams, params),
			},
			JobInvocation{
				DCID:       s.DCID,
				Autostart:  s.PreferredProcessing == "autoPROC",
				Recipe:     "autoprocessing-autoPROC" + suffix,
				Source:     "automatic",
				Parameters: concat(params),
			},
		)
		if !related {
			continue
		}
		tasks = append(tasks,
			JobInvocation{
				DCID:       s.DCID,
				Recipe:     "autoprocessing-multi-xia2-dials" + suffix,
				Source:     "automatic",
				Parameters: concat(ccHalfParams, params, absorptionParams(s)),
				Sweeps:     sweepsCopy(s),
			},
			JobInvocation{
				DCID:       s.DCID,
				Recipe:     "autoprocessing-multi-xia2-3dii" + suffix,
				Source:     "automatic",
				Parameters: concat(ccHalfParams, params),
				Sweeps:     sweepsCopy(s),
			},
		)
	}
	return tasks
}
