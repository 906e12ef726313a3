package mimas

// VMXi (i02-2) writes nexus files only and does all work at END.
func vmxiRules() []rule {
	return []rule{
		{
			name:  "vmxi-start",
			match: all(isVMXi, isStart),
			emit:  func(*Scenario) []Task { return nil },
		},
		{
			name:  "vmxi-end",
			match: all(isVMXi, isEnd),
			emit: func(s *Scenario) []Task {
				return recipes(s.DCID, "generate-crystal-thumbnails", "generate-diffraction-preview", "archive-nexus")
			},
		},
		{
			name:  "vmxi-gridscan-end",
			match: all(isVMXi, isEnd, isGridscan),
			emit: func(s *Scenario) []Task {
				return recipes(s.DCID, "vmxi-spot-counts-per-image")
			},
		},
		{
			name:  "vmxi-rotation-end",
			match: all(isVMXi, isEnd, isRotate),
			emit:  vmxiRotationEnd,
		},
	}
}

func vmxiRotationEnd(s *Scenario) []Task {
	return []Task{
		RecipeInvocation{DCID: s.DCID, Recipe: "vmxi-per-image-analysis"},
		JobInvocation{
			DCID:        s.DCID,
			Autostart:   true,
			Recipe:      "autoprocessing-fast-dp-eiger",
			Source:      "automatic",
			DisplayName: "fast_dp",
		},
		JobInvocation{
			DCID:        s.DCID,
			Autostart:   s.PreferredProcessing == "xia2/DIALS",
			Recipe:      "autoprocessing-xia2-dials-eiger",
			Source:      "automatic",
			DisplayName: "xia2 dials",
			Parameters: concat(ccHalfParams, []Parameter{
				param("remove_blanks", "true"),
				param("failover", "true"),
			}, absorptionParams(s)),
		},
		JobInvocation{
			DCID:        s.DCID,
			Autostart:   s.PreferredProcessing == "xia2/XDS",
			Recipe:      "autoprocessing-xia2-3dii-eiger",
			Source:      "automatic",
			DisplayName: "xia2 3dii",
			Parameters:  concat(ccHalfParams),
		},
		JobInvocation{
			DCID:        s.DCID,
			Autostart:   s.PreferredProcessing == "autoPROC",
			Recipe:      "autoprocessing-autoPROC-eiger",
			Source:      "automatic",
			DisplayName: "autoPROC",
		},
	}
}
