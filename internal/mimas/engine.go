package mimas

// ============================================================================
// Decision engine
// Purpose: map a validated Scenario onto an ordered list of Tasks.
//
// Rules are kept in a fixed-order table. Each rule has a match predicate
// over the scenario (beamline, detector class, dc class, event) and an
// emit function. Decide walks the table and concatenates the output of
// every matching rule, so the result is stable for identical input.
// ============================================================================

import (
	"fmt"
	"log/slog"
	"sort"
)

var log = slog.Default()

// DefaultMXBeamlines are the beamlines served by the MX rule set.
var DefaultMXBeamlines = []string{"i02-1", "i02-2", "i03", "i04", "i04-1", "i23", "i24"}

// DefaultSpaceGroupAliases are beamline hotfixes carried over from
// production (I04-1 2019-05-08, I04-1 2019-05-10, I03 2019-05-10). They
// rewrite the space group passed to MX rotation processing jobs.
var DefaultSpaceGroupAliases = map[string]string{
	"P1211": "P21",
	"C1211": "C2",
	"C121":  "C2",
}

// Config tunes the engine. Zero values fall back to the defaults above.
type Config struct {
	MXBeamlines       []string          `yaml:"mx_beamlines"`
	SpaceGroupAliases map[string]string `yaml:"space_group_aliases"`
}

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	aliases := make(map[string]string, len(DefaultSpaceGroupAliases))
	for k, v := range DefaultSpaceGroupAliases {
		aliases[k] = v
	}
	return Config{
		MXBeamlines:       append([]string(nil), DefaultMXBeamlines...),
		SpaceGroupAliases: aliases,
	}
}

// Engine evaluates scenarios. It holds no mutable state after NewEngine
// returns and is safe for concurrent use.
type Engine struct {
	mx      map[string]bool
	aliases map[string]string
	rules   []rule
}

// NewEngine builds an engine from cfg. Alias keys must be compact symbols;
// alias targets are free text passed through to the processing job.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.MXBeamlines == nil {
		cfg.MXBeamlines = DefaultMXBeamlines
	}
	if cfg.SpaceGroupAliases == nil {
		cfg.SpaceGroupAliases = DefaultSpaceGroupAliases
	}
	e := &Engine{
		mx:      make(map[string]bool, len(cfg.MXBeamlines)),
		aliases: make(map[string]string, len(cfg.SpaceGroupAliases)),
	}
	for _, bl := range cfg.MXBeamlines {
		e.mx[bl] = true
	}
	for from, to := range cfg.SpaceGroupAliases {
		if from == "" || to == "" {
			return nil, fmt.Errorf("mimas: empty space group alias %q -> %q", from, to)
		}
		e.aliases[symbolKey(from)] = to
	}
	e.rules = e.buildRules()
	return e, nil
}

// Rules returns the rule names in evaluation order.
func (e *Engine) Rules() []string {
	names := make([]string, len(e.rules))
	for i, r := range e.rules {
		names[i] = r.name
	}
	return names
}

// Aliases returns a sorted copy of the alias table, for display.
func (e *Engine) Aliases() [][2]string {
	out := make([][2]string, 0, len(e.aliases))
	for k, v := range e.aliases {
		out = append(out, [2]string{k, v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// Decide returns the tasks for a scenario. The scenario must already have
// passed Validate; Decide itself never fails.
func (e *Engine) Decide(s Scenario) []Task {
	var tasks []Task
	for _, r := range e.rules {
		if !r.match(&s) {
			continue
		}
		out := r.emit(&s)
		log.Debug("mimas rule matched", "rule", r.name, "dcid", s.DCID, "tasks", len(out))
		tasks = append(tasks, out...)
	}
	return tasks
}

// processingSymbol renders a space group for MX processing jobs, applying
// the configured aliases.
func (e *Engine) processingSymbol(g SpaceGroup) string {
	sym := g.String()
	if alias, ok := e.aliases[symbolKey(sym)]; ok {
		return alias
	}
	return sym
}

// ----------------------------------------------------------------------------
// rule table primitives
// ----------------------------------------------------------------------------

type predicate func(*Scenario) bool

type rule struct {
	name  string
	match predicate
	emit  func(*Scenario) []Task
}

func all(ps ...predicate) predicate {
	return func(s *Scenario) bool {
		for _, p := range ps {
			if !p(s) {
				return false
			}
		}
		return true
	}
}

func not(p predicate) predicate {
	return func(s *Scenario) bool { return !p(s) }
}

func onBeamline(names ...string) predicate {
	return func(s *Scenario) bool {
		for _, n := range names {
			if s.Beamline == n {
				return true
			}
		}
		return false
	}
}

func onEvent(ev Event) predicate {
	return func(s *Scenario) bool { return s.Event == ev }
}

func withDetector(d DetectorClass) predicate {
	return func(s *Scenario) bool { return s.DetectorClass == d }
}

func withClass(c DCClass) predicate {
	return func(s *Scenario) bool { return s.DCClass == c }
}

func isGridscan(s *Scenario) bool { return s.GridScan() }

var (
	isStart   = onEvent(EventStart)
	isEnd     = onEvent(EventEnd)
	isPilatus = withDetector(DetectorPilatus)
	isEiger   = withDetector(DetectorEiger)
	isRotate  = withClass(DCClassRotation)
	isScreen  = withClass(DCClassScreening)
	isVMXi    = onBeamline("i02-2")
	isI19     = onBeamline("i19-1", "i19-2")
	isI15     = onBeamline("i15")
)

func (e *Engine) isMX(s *Scenario) bool { return e.mx[s.Beamline] }

// ----------------------------------------------------------------------------
// shared task builders
// ----------------------------------------------------------------------------

func recipes(dcid int, names ...string) []Task {
	out := make([]Task, len(names))
	for i, n := range names {
		out[i] = RecipeInvocation{DCID: dcid, Recipe: n}
	}
	return out
}

func param(key, value string) Parameter { return Parameter{Key: key, Value: value} }

// concat joins parameter groups into a fresh slice.
func concat(groups ...[]Parameter) []Parameter {
	var out []Parameter
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// absorptionParams selects the xia2 absorption correction level.
func absorptionParams(s *Scenario) []Parameter {
	level := "medium"
	if s.AnomalousScatterer != nil {
		level = "high"
	}
	return []Parameter{param("absorption_level", level)}
}

var ccHalfParams = []Parameter{param("resolution.cc_half_significance_level", "0.1")}

// symmetrySets returns the parameter sets each processing pipeline runs
// with: always once without symmetry and, when a space group is known,
// once more with it (and the unit cell if present).
func symmetrySets(symbol string, s *Scenario) [][]Parameter {
	sets := [][]Parameter{nil}
	if s.SpaceGroup == nil {
		return sets
	}
	sym := []Parameter{param("spacegroup", symbol)}
	if s.UnitCell != nil {
		sym = append(sym, param("unit_cell", s.UnitCell.String()))
	}
	return append(sets, sym)
}

func sweepsCopy(s *Scenario) []Sweep {
	if len(s.Sweeps) == 0 {
		return nil
	}
	return append([]Sweep(nil), s.Sweeps...)
}
