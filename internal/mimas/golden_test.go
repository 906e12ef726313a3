package mimas

import (
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// Task order is part of the contract; golden files pin it.
func TestDecideGolden(t *testing.T) {
	e := newTestEngine(t)
	p43212 := MustSpaceGroup("P 43 21 2")

	tests := []struct {
		name     string
		scenario Scenario
	}{
		{
			name: "gridscan_start_i03",
			scenario: Scenario{
				DCID: 6017516, Event: EventStart, DetectorClass: DetectorEiger,
				DCClass: DCClassGridscan, Beamline: "i03", IsGridScan: true,
			},
		},
		{
			name: "rotation_end_i24_pilatus_p43212",
			scenario: Scenario{
				DCID: 6061343, Event: EventEnd, DetectorClass: DetectorPilatus,
				DCClass: DCClassRotation, Beamline: "i24", SpaceGroup: &p43212,
				RunStatus: "DataCollection Successful", PreferredProcessing: "xia2/DIALS",
				Sweeps: []Sweep{{DCID: 6061343, Start: 1, End: 3600}},
			},
		},
		{
			name: "rotation_end_vmxi_selenium",
			scenario: Scenario{
				DCID: 6000001, Event: EventEnd, DetectorClass: DetectorEiger,
				DCClass: DCClassRotation, Beamline: "i02-2", AnomalousScatterer: selenium(),
				PreferredProcessing: "xia2/DIALS",
				Sweeps:              []Sweep{{DCID: 6000001, Start: 1, End: 600}},
			},
		},
	}

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b strings.Builder
			for _, task := range e.Decide(tt.scenario) {
				b.WriteString(CommandLine(task))
				b.WriteByte('\n')
			}
			g.Assert(t, tt.name, []byte(b.String()))
		})
	}
}
