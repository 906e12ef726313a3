package wrapper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/mxflow/internal/recipe"
)

const (
	OutletISPyB   = "ispyb"
	OutletSummary = "summary"

	defaultTimeout = 2 * time.Hour
)

var fastDPFiles = Classifier{
	Extensions: map[string]FileType{
		".cbf":   Ignored,
		".INP":   Ignored,
		".xml":   Ignored,
		".state": Ignored,
		".log":   Log,
		".html":  Log,
		".txt":   Log,
		".error": Log,
		".LP":    Log,
		".HKL":   Result,
		".sca":   Result,
		".mtz":   Result,
	},
	Names: map[string]FileType{
		"iotbx-merging-stats.json": Graph,
		"fast_dp-report.json":      Result,
	},
	First:   []string{"fast_dp-report.html", "fast_dp.log"},
	Primary: []string{"fast_dp.mtz", "fast_dp-report.html"},
}

// xtriage warnings that say nothing useful about the data.
var uninformativeXtriage = map[string]bool{
	"The merging statistics indicate that the data may be assigned to the wrong space group.":   true,
	"The resolution of the data may be useful to higher resolution than the given resolution.": true,
}

var severities = map[int]string{0: "INFO", 1: "WARNING", 2: "ERROR"}

// FastDP runs fast_dp followed by xia2.report.
type FastDP struct {
	observer Observer
	// Binary names, overridable in tests.
	FastDPBin string
	ReportBin string
}

func NewFastDP(o Observer) *FastDP {
	if o == nil {
		o = nopObserver{}
	}
	return &FastDP{observer: o, FastDPBin: "fast_dp", ReportBin: "xia2.report"}
}

func (f *FastDP) Name() string { return "fast_dp" }

// fastDPResult is the part of fast_dp.json forwarded downstream.
type fastDPResult struct {
	SpaceGroup        string         `json:"spacegroup"`
	UnitCell          []float64      `json:"unit_cell"`
	RefinedBeam       []float64      `json:"refined_beam"`
	ScalingStatistics map[string]any `json:"scaling_statistics"`
}

type xtriageMessage struct {
	Text    string `json:"text"`
	Summary string `json:"summary"`
	Level   int    `json:"level"`
}

// jobParameters returns the step's job_parameters block when present,
// otherwise the step parameters themselves.
func jobParameters(rw *recipe.Wrapper) map[string]any {
	params := rw.Parameters()
	if jp, ok := params["job_parameters"].(map[string]any); ok {
		return jp
	}
	return params
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key]; ok && v != nil {
		return recipe.Format(v)
	}
	return ""
}

// CommandLine builds the fast_dp argument vector.
func (f *FastDP) CommandLine(params map[string]any) ([]string, error) {
	group, _ := params["fast_dp"].(map[string]any)
	filename := stringParam(group, "filename")
	if filename == "" {
		return nil, errors.New("wrapper: fast_dp.filename not set")
	}
	args := []string{f.FastDPBin, "--atom=S", "-j", "0", "-J", "18", "-l", "durin-plugin.so", filename}
	if ip, ok := params["ispyb_parameters"].(map[string]any); ok {
		if v := stringParam(ip, "d_min"); v != "" {
			args = append(args, "--resolution-high="+v)
		}
		if v := stringParam(ip, "spacegroup"); v != "" {
			args = append(args, "--spacegroup="+v)
		}
		if v := stringParam(ip, "unit_cell"); v != "" {
			args = append(args, "--cell="+v)
		}
	}
	return args, nil
}

func timeoutParam(params map[string]any) time.Duration {
	switch v := params["timeout"].(type) {
	case float64:
		return time.Duration(v * float64(time.Second))
	case int:
		return time.Duration(v) * time.Second
	case json.Number:
		if n, err := v.Float64(); err == nil {
			return time.Duration(n * float64(time.Second))
		}
	}
	return defaultTimeout
}

// Run executes the full fast_dp job for the current step.
func (f *FastDP) Run(ctx context.Context, rw *recipe.Wrapper) (Outcome, error) {
	start := time.Now()
	outcome, err := f.run(ctx, rw)
	f.observer.WrapperFinished(f.Name(), outcome, time.Since(start))
	return outcome, err
}

func (f *FastDP) run(ctx context.Context, rw *recipe.Wrapper) (Outcome, error) {
	params := jobParameters(rw)
	args, err := f.CommandLine(params)
	if err != nil {
		return Failure, err
	}
	dirs, err := ResolveDirs(params, rw.Environment)
	if err != nil {
		return Failure, err
	}
	if err := dirs.Prepare(dirs.Working); err != nil {
		return Failure, err
	}

	env := map[string]string{}
	if q := stringParam(params, "forkxds_queue"); q != "" {
		env["FORKXDS_QUEUE"] = q
	}
	if p := stringParam(params, "forkxds_project"); p != "" {
		env["FORKXDS_PROJECT"] = p
	}
	timeout := timeoutParam(params)

	log.Info("running fast_dp", "args", args, "dir", dirs.Working)
	run := Execute(ctx, Command{Args: args, Dir: dirs.Working, Env: env, Timeout: timeout})
	outcome := run.Outcome
	switch outcome {
	case Timeout:
		log.Warn("fast_dp timed out", "timeout", timeout)
		log.Debug("fast_dp output", "stdout", run.Stdout, "stderr", run.Stderr)
	case Failure:
		log.Info("fast_dp failed", "exit_code", run.ExitCode, "err", run.Err)
		log.Debug("fast_dp output", "stdout", run.Stdout, "stderr", run.Stderr)
	default:
		log.Info("fast_dp successful", "elapsed", run.Elapsed)
	}

	// fast_dp exits 0 even when it leaves an error file behind
	if outcome == Success && fileExists(filepath.Join(dirs.Working, "fast_dp.error")) {
		log.Warn("fast_dp exited with error, but with returncode 0")
		outcome = Failure
	}

	if outcome == Success {
		report := Execute(ctx, Command{
			Args: []string{
				f.ReportBin,
				"log_include=" + filepath.Join(dirs.Working, "fast_dp.log"),
				"prefix=fast_dp",
				"title=fast_dp",
				"fast_dp_unmerged.mtz",
			},
			Dir:     dirs.Working,
			Env:     env,
			Timeout: timeout,
		})
		if report.Outcome != Success {
			log.Info("xia2.report failed", "outcome", report.Outcome, "exit_code", report.ExitCode)
			outcome = report.Outcome
		}
	}

	if err := dirs.Prepare(dirs.Results); err != nil {
		return Failure, err
	}
	attachments, copied, err := CopyResults(dirs.Working, dirs.Results, fastDPFiles)
	if err != nil {
		return Failure, err
	}
	if err := f.copyFinal(params, dirs, copied); err != nil {
		return Failure, err
	}
	if err := Announce(rw, attachments, copied); err != nil {
		return outcome, err
	}

	if outcome == Success {
		result, err := readJSON[fastDPResult](filepath.Join(dirs.Working, "fast_dp.json"))
		switch {
		case errors.Is(err, os.ErrNotExist):
			log.Warn("expected JSON output file missing")
			outcome = MissingOutput
		case err != nil:
			return Failure, err
		default:
			var xtriage []xtriageMessage
			if params["store_xtriage_results"] == true {
				xtriage = readXtriage(filepath.Join(dirs.Working, "fast_dp-report.json"))
			}
			commands, err := ispybCommands(result, xtriage)
			if err != nil {
				return Failure, err
			}
			if err := rw.SendTo(OutletISPyB, map[string]any{"ispyb_command_list": commands}); err != nil {
				return outcome, err
			}
			log.Info("sent commands to ISPyB", "count", len(commands))
			if err := rw.SendTo(OutletSummary, summary(result)); err != nil {
				return outcome, err
			}
		}
	}

	if end := stringParam(params, "dc_end_time"); end != "" && end != "None" {
		if t, err := parseTime(end); err == nil {
			log.Info("fast_dp completed", "dcid", params["dcid"], "latency", time.Since(t))
		}
	}
	return outcome, nil
}

// copyFinal copies files matching pipeline-final patterns to the final
// directory.
func (f *FastDP) copyFinal(params map[string]any, dirs Dirs, copied []string) error {
	final, ok := params["pipeline-final"].(map[string]any)
	if !ok {
		return nil
	}
	path := stringParam(final, "path")
	if path == "" {
		return nil
	}
	if err := dirs.Prepare(path); err != nil {
		return err
	}
	patterns, _ := final["patterns"].([]any)
	for _, src := range copied {
		name := filepath.Base(src)
		for _, p := range patterns {
			if ok, _ := filepath.Match(recipe.Format(p), name); ok {
				if err := copyFile(src, filepath.Join(path, name)); err != nil {
					return err
				}
				break
			}
		}
	}
	return nil
}

// ispybCommands turns a fast_dp result into a command list: the autoproc
// record, its scaling statistics, and the integration linked to both.
func ispybCommands(r fastDPResult, xtriage []xtriageMessage) ([]map[string]any, error) {
	if len(r.UnitCell) != 6 {
		return nil, fmt.Errorf("wrapper: fast_dp unit cell has %d values", len(r.UnitCell))
	}
	if len(r.RefinedBeam) != 2 {
		return nil, fmt.Errorf("wrapper: fast_dp refined beam has %d values", len(r.RefinedBeam))
	}
	cell := r.UnitCell

	scaling := map[string]any{}
	for k, v := range r.ScalingStatistics {
		scaling[k] = v
	}
	scaling["ispyb_command"] = "insert_scaling"
	scaling["autoproc_id"] = "$ispyb_autoproc_id"
	scaling["store_result"] = "ispyb_autoprocscaling_id"

	commands := []map[string]any{
		{
			"ispyb_command":     "write_autoproc",
			"store_result":      "ispyb_autoproc_id",
			"spacegroup":        r.SpaceGroup,
			"refinedcell_a":     cell[0],
			"refinedcell_b":     cell[1],
			"refinedcell_c":     cell[2],
			"refinedcell_alpha": cell[3],
			"refinedcell_beta":  cell[4],
			"refinedcell_gamma": cell[5],
		},
		scaling,
		{
			"ispyb_command":  "upsert_integration",
			"scaling_id":     "$ispyb_autoprocscaling_id",
			"cell_a":         cell[0],
			"cell_b":         cell[1],
			"cell_c":         cell[2],
			"cell_alpha":     cell[3],
			"cell_beta":      cell[4],
			"cell_gamma":     cell[5],
			"refined_x_beam": r.RefinedBeam[0],
			"refined_y_beam": r.RefinedBeam[1],
		},
	}
	for _, m := range xtriage {
		if uninformativeXtriage[m.Text] {
			continue
		}
		commands = append(commands, map[string]any{
			"ispyb_command": "add_program_message",
			"program_id":    "$ispyb_autoprocprogram_id",
			"message":       m.Text,
			"description":   m.Summary,
			"severity":      severities[m.Level],
		})
	}
	return commands, nil
}

func summary(r fastDPResult) map[string]any {
	return map[string]any{
		"program":    "fast_dp",
		"spacegroup": r.SpaceGroup,
		"unit_cell":  r.UnitCell,
		"statistics": r.ScalingStatistics,
	}
}

func readXtriage(path string) []xtriageMessage {
	report, err := readJSON[struct {
		Xtriage []xtriageMessage `json:"xtriage"`
	}](path)
	if err != nil {
		log.Debug("no xtriage results", "path", path, "err", err)
		return nil
	}
	return report.Xtriage
}

func readJSON[T any](path string) (T, error) {
	var v T
	data, err := os.ReadFile(path)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("wrapper: decode %s: %w", path, err)
	}
	return v, nil
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("wrapper: unparseable time %q", s)
}
