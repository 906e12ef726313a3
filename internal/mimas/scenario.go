package mimas

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ScenarioFromParameters builds a scenario from the recipe-step parameters
// of a mimas request. Unknown keys are ignored. An invalid DCID or event
// rejects the request. An unknown dc_class degrades to UNDEFINED, and an
// unusable unit cell, space group or anomalous scatterer is dropped with a
// warning rather than guessed.
func ScenarioFromParameters(p map[string]any) (Scenario, error) {
	dcid, ok := asInt(p["dcid"])
	if !ok || dcid <= 0 {
		return Scenario{}, invalid("DCID", "request rejected (DCID = %v)", p["dcid"])
	}
	s := Scenario{DCID: dcid}

	switch ev := upper.String(asString(p["event"])); ev {
	case "START":
		s.Event = EventStart
	case "END":
		s.Event = EventEnd
	default:
		return Scenario{}, invalid("event", "request rejected (Event = %v)", p["event"])
	}

	s.DCClass = parseDCClass(p["dc_class"], dcid)
	if gs, ok := p["is_grid_scan"].(bool); ok {
		s.IsGridScan = gs
	}

	detector := asString(p["detector_class"])
	if detector == "" {
		detector = asString(p["detectorclass"])
	}
	switch strings.ToLower(detector) {
	case "eiger":
		s.DetectorClass = DetectorEiger
	case "pilatus":
		s.DetectorClass = DetectorPilatus
	}

	s.Beamline = asString(p["beamline"])
	s.Visit = asString(p["visit"])
	s.RunStatus = asString(p["run_status"])
	s.PreferredProcessing = asString(p["preferred_processing"])

	if raw, ok := p["sweep_list"].([]any); ok {
		for _, entry := range raw {
			sw, err := parseSweep(entry)
			if err != nil {
				return Scenario{}, err
			}
			s.Sweeps = append(s.Sweeps, sw)
		}
	}

	if raw, present := p["unit_cell"]; present && raw != nil {
		cell, err := parseUnitCell(raw)
		if err != nil {
			log.Warn("dropping invalid unit cell", "dcid", dcid, "unit_cell", raw, "error", err)
		} else {
			s.UnitCell = &cell
		}
	}

	if sym := asString(p["space_group"]); sym != "" {
		g, err := ParseSpaceGroup(sym)
		if err != nil {
			log.Warn("dropping invalid space group", "dcid", dcid, "space_group", sym, "error", err)
		} else {
			s.SpaceGroup = &g
		}
	}

	if info, ok := p["diffraction_plan_info"].(map[string]any); ok {
		if sym := asString(info["anomalousScatterer"]); sym != "" {
			el, err := ParseElement(sym)
			if err != nil {
				log.Warn("dropping invalid anomalous scatterer", "dcid", dcid, "anomalous_scatterer", sym, "error", err)
			} else {
				s.AnomalousScatterer = &el
			}
		}
	}

	if err := Validate(&s); err != nil {
		return Scenario{}, err
	}
	return s, nil
}

func parseDCClass(v any, dcid int) DCClass {
	// legacy requests carry a map of flags
	if flags, ok := v.(map[string]any); ok {
		for _, c := range []struct {
			key   string
			class DCClass
		}{{"grid", DCClassGridscan}, {"screen", DCClassScreening}, {"rotation", DCClassRotation}} {
			if b, _ := flags[c.key].(bool); b {
				return c.class
			}
		}
		return DCClassUndefined
	}
	switch name := upper.String(asString(v)); name {
	case "GRIDSCAN":
		return DCClassGridscan
	case "ROTATION":
		return DCClassRotation
	case "SCREENING":
		return DCClassScreening
	case "UNDEFINED":
		return DCClassUndefined
	default:
		log.Warn("unknown data collection class", "dcid", dcid, "dc_class", v)
		return DCClassUndefined
	}
}

func parseSweep(entry any) (Sweep, error) {
	vals, ok := entry.([]any)
	if !ok || len(vals) != 3 {
		return Sweep{}, invalid("sweep", "%v is not a (DCID, start, end) triple", entry)
	}
	var n [3]int
	for i, v := range vals {
		x, ok := asInt(v)
		if !ok {
			return Sweep{}, invalid("sweep", "%v is not an integer", v)
		}
		n[i] = x
	}
	return NewSweep(n[0], n[1], n[2])
}

func parseUnitCell(raw any) (UnitCell, error) {
	vals, ok := raw.([]any)
	if !ok || len(vals) != 6 {
		return UnitCell{}, invalid("unit_cell", "%v does not have six components", raw)
	}
	var f [6]float64
	for i, v := range vals {
		x, ok := asFloat(v)
		if !ok {
			return UnitCell{}, invalid("unit_cell", "%v is not a number", v)
		}
		f[i] = x
	}
	return NewUnitCell(f[0], f[1], f[2], f[3], f[4], f[5])
}

func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		if x != math.Trunc(x) {
			return 0, false
		}
		return int(x), true
	case json.Number:
		n, err := strconv.Atoi(x.String())
		return n, err == nil
	case string:
		for _, r := range x {
			if r < '0' || r > '9' {
				return 0, false
			}
		}
		n, err := strconv.Atoi(x)
		return n, err == nil
	default:
		return 0, false
	}
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
