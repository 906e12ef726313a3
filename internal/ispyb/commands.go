package ispyb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Call is one command invocation.
type Call struct {
	Command string
	Params  Params
	// Emit sends a payload on a named recipe outlet. Nil drops it.
	Emit func(outlet string, payload any) error
}

type commandFunc func(ctx context.Context, e *Executor, c Call) (int64, error)

var commands = map[string]commandFunc{
	"create_ispyb_job":                    createJob,
	"update_processing_status":            updateProcessingStatus,
	"register_processing":                 registerProcessing,
	"update_program_name":                 updateProgramName,
	"add_program_attachment":              addProgramAttachment,
	"add_program_message":                 addProgramMessage,
	"add_datacollection_attachment":       addDataCollectionAttachment,
	"store_per_image_analysis_results":    storePerImageAnalysis,
	"insert_data_collection":              insertColumns("data_collection"),
	"insert_screening":                    insertColumns("screening"),
	"insert_screening_input":              insertColumns("screening_input"),
	"insert_screening_output":             insertColumns("screening_output"),
	"insert_screening_output_lattice":     insertColumns("screening_output_lattice"),
	"insert_screening_strategy":           insertColumns("screening_strategy"),
	"insert_screening_strategy_wedge":     insertColumns("screening_strategy_wedge"),
	"insert_screening_strategy_sub_wedge": insertColumns("screening_strategy_sub_wedge"),
	"write_autoproc":                      insertColumns("auto_proc"),
	"insert_scaling":                      insertScaling,
	"upsert_integration":                  upsertIntegration,
}

// Commands lists the command names Execute understands.
func Commands() []string {
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Known reports whether name is an executable command.
func Known(name string) bool {
	_, ok := commands[name]
	return ok
}

// Executor runs commands against a store.
type Executor struct {
	store   Store
	tries   int
	backoff time.Duration
}

// NewExecutor returns an executor that retries transient store failures
// up to three times.
func NewExecutor(store Store) *Executor {
	return &Executor{store: store, tries: 3, backoff: 100 * time.Millisecond}
}

// Store returns the backing store.
func (e *Executor) Store() Store { return e.store }

// Execute runs one command and returns the identifier it produced.
func (e *Executor) Execute(ctx context.Context, c Call) (int64, error) {
	fn, ok := commands[c.Command]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCommand, c.Command)
	}
	id, err := fn(ctx, e, c)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", c.Command, err)
	}
	log.Debug("ispyb command executed", "command", c.Command, "result", id)
	return id, nil
}

func (e *Executor) retry(ctx context.Context, op func() error) error {
	var err error
	for try := 1; try <= e.tries; try++ {
		if err = op(); err == nil || !errors.Is(err, ErrRetryable) {
			return err
		}
		log.Warn("ispyb store call failed", "try", try, "error", err)
		if try == e.tries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(try) * e.backoff):
		}
	}
	return err
}

func (e *Executor) insert(ctx context.Context, table string, row Row) (int64, error) {
	var id int64
	err := e.retry(ctx, func() error {
		var err error
		id, err = e.store.Insert(ctx, table, row)
		return err
	})
	return id, err
}

func (e *Executor) update(ctx context.Context, table string, id int64, row Row) error {
	return e.retry(ctx, func() error { return e.store.Update(ctx, table, id, row) })
}

func (c Call) emit(outlet string, payload any) error {
	if c.Emit == nil {
		return nil
	}
	return c.Emit(outlet, payload)
}

// ============================================================================
// Processing jobs
// ============================================================================

type sweep struct {
	dcid, start, end int64
}

func parseSweeps(list []any) ([]sweep, error) {
	out := make([]sweep, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, invalid("sweep %d is not an object", i)
		}
		var s sweep
		var err error
		if s.dcid, err = toInt(m["DCID"]); err != nil {
			return nil, invalid("sweep %d DCID: %v", i, err)
		}
		if s.start, err = toInt(m["start"]); err != nil {
			return nil, invalid("sweep %d start: %v", i, err)
		}
		if s.end, err = toInt(m["end"]); err != nil {
			return nil, invalid("sweep %d end: %v", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// pairs reads a list of {key, value} objects.
func pairs(list []any) [][2]string {
	out := make([][2]string, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, [2]string{text(m["key"]), text(m["value"])})
	}
	return out
}

func createJob(ctx context.Context, e *Executor, c Call) (int64, error) {
	p := c.Params
	dcid, _ := p.Int("DCID")
	sweeps, err := parseSweeps(p.List("sweeps"))
	if err != nil {
		return 0, err
	}
	if dcid == 0 && len(sweeps) == 0 {
		return 0, invalid("neither DCID nor sweeps are specified")
	}
	if len(sweeps) == 0 {
		dc, err := e.store.Get(ctx, "data_collection", dcid)
		if errors.Is(err, ErrNotFound) {
			return 0, invalid("DCID %d not found", dcid)
		}
		if err != nil {
			return 0, err
		}
		start, _ := dc["start_image_number"].(int64)
		number, _ := dc["number_of_images"].(int64)
		if start == 0 || number == 0 {
			return 0, invalid("cannot infer the sweep of DCID %d", dcid)
		}
		sweeps = []sweep{{dcid: dcid, start: start, end: start + number - 1}}
		log.Info("using whole data collection as sweep", "dcid", dcid, "start", start, "end", start+number-1)
	}
	if dcid == 0 {
		dcid = sweeps[0].dcid
	}

	automatic := int64(0)
	if p.String("source") == "automatic" {
		automatic = 1
	}
	jobID, err := e.insert(ctx, "processing_job", Row{
		"data_collection_id": dcid,
		"display_name":       p.Get("displayname"),
		"comments":           p.Get("comment"),
		"recipe":             p.Get("recipe"),
		"automatic":          automatic,
	})
	if err != nil {
		return 0, err
	}
	for _, kv := range pairs(p.List("parameters")) {
		if _, err := e.insert(ctx, "processing_job_parameter", Row{
			"processing_job_id": jobID,
			"parameter_key":     kv[0],
			"parameter_value":   kv[1],
		}); err != nil {
			return 0, err
		}
	}
	for _, s := range sweeps {
		if _, err := e.insert(ctx, "processing_job_image_sweep", Row{
			"processing_job_id":  jobID,
			"data_collection_id": s.dcid,
			"start_image":        s.start,
			"end_image":          s.end,
		}); err != nil {
			return 0, err
		}
	}
	log.Info("processing job created", "job", jobID, "dcid", dcid, "recipe", p.String("recipe"))

	trigger := map[string]any{}
	for _, kv := range pairs(p.List("triggervariables")) {
		trigger[kv[0]] = kv[1]
	}
	trigger["ispyb_process"] = jobID
	outlet := "held"
	if p.Bool("autostart") {
		outlet = "trigger"
	}
	if err := c.emit(outlet, map[string]any{"parameters": trigger}); err != nil {
		return 0, err
	}
	return jobID, nil
}

// ============================================================================
// Programs
// ============================================================================

func requireID(p Params, name string) (int64, error) {
	id, ok := p.Int(name)
	if !ok || id <= 0 {
		return 0, invalid("%s %q is not a valid id", name, p.String(name))
	}
	return id, nil
}

func updateProcessingStatus(ctx context.Context, e *Executor, c Call) (int64, error) {
	p := c.Params
	id, err := requireID(p, "program_id")
	if err != nil {
		return 0, err
	}
	row := Row{}
	switch p.String("status") {
	case "success":
		row["status"] = 1
	case "failure":
		row["status"] = 0
	}
	for field, column := range map[string]string{
		"message":     "message",
		"start_time":  "start_time",
		"update_time": "update_time",
	} {
		if v := p.Get(field); v != nil {
			row[column] = v
		}
	}
	if err := e.update(ctx, "program", id, row); err != nil {
		return 0, err
	}
	log.Info("program status updated", "program", id, "message", p.String("message"))
	return id, nil
}

func registerProcessing(ctx context.Context, e *Executor, c Call) (int64, error) {
	p := c.Params
	environment := p.String("environment")
	if m := p.Map("environment"); m != nil {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + "=" + text(m[k])
		}
		environment = strings.Join(parts, ", ")
	}
	if len(environment) > 255 {
		environment = environment[:255]
	}
	row := Row{
		"name":        p.Get("program"),
		"command":     p.Get("cmdline"),
		"environment": environment,
	}
	if rpid := p.String("rpid"); rpid != "" {
		id, err := toInt(rpid)
		if err != nil || id <= 0 {
			return 0, invalid("invalid processing id %q", rpid)
		}
		row["processing_job_id"] = id
	}
	return e.insert(ctx, "program", row)
}

func updateProgramName(ctx context.Context, e *Executor, c Call) (int64, error) {
	id, err := requireID(c.Params, "program_id")
	if err != nil {
		return 0, err
	}
	return id, e.update(ctx, "program", id, Row{"name": c.Params.Get("program")})
}

// attachmentPath joins file_path and file_name without substituting
// variables; paths may legitimately contain '$'.
func attachmentPath(p Params) (string, error) {
	name, _ := p.Raw("file_name")
	dir, _ := p.Raw("file_path")
	if name == nil || dir == nil {
		return "", invalid("file_name and file_path are required")
	}
	full := filepath.Join(text(dir), text(name))
	if st, err := os.Stat(full); err != nil || !st.Mode().IsRegular() {
		return "", invalid("file %s does not exist", full)
	}
	return full, nil
}

func fileType(p Params, allowed ...string) string {
	t := strings.ToLower(p.String("file_type"))
	for _, a := range allowed {
		if t == a {
			return t
		}
	}
	log.Warn("unknown attachment type, using log", "file_type", t)
	return "log"
}

func addProgramAttachment(ctx context.Context, e *Executor, c Call) (int64, error) {
	p := c.Params
	id, err := requireID(p, "program_id")
	if err != nil {
		return 0, err
	}
	full, err := attachmentPath(p)
	if err != nil {
		return 0, err
	}
	rank, _ := p.Raw("importance_rank")
	return e.insert(ctx, "program_attachment", Row{
		"program_id":      id,
		"file_name":       filepath.Base(full),
		"file_path":       filepath.Dir(full),
		"file_type":       fileType(p, "log", "result", "graph"),
		"importance_rank": rank,
	})
}

func addProgramMessage(ctx context.Context, e *Executor, c Call) (int64, error) {
	p := c.Params
	id, err := requireID(p, "program_id")
	if err != nil {
		return 0, err
	}
	return e.insert(ctx, "program_message", Row{
		"program_id":  id,
		"severity":    p.Get("severity"),
		"message":     p.Get("message"),
		"description": p.Get("description"),
	})
}

func addDataCollectionAttachment(ctx context.Context, e *Executor, c Call) (int64, error) {
	p := c.Params
	dcid, err := requireID(p, "dcid")
	if err != nil {
		return 0, err
	}
	full, err := attachmentPath(p)
	if err != nil {
		return 0, err
	}
	return e.insert(ctx, "data_collection_file_attachment", Row{
		"data_collection_id": dcid,
		"file_full_path":     full,
		"file_type":          fileType(p, "snapshot", "log", "xy", "recip", "pia"),
	})
}

func storePerImageAnalysis(ctx context.Context, e *Executor, c Call) (int64, error) {
	p := c.Params
	dcid, err := requireID(p, "dcid")
	if err != nil {
		return 0, err
	}
	image := p.Get("file-pattern-index")
	if image == nil {
		image = p.Get("file-number")
	}
	if image == nil {
		return 0, invalid("image number not specified")
	}
	row := Row{
		"data_collection_id":      dcid,
		"image_number":            image,
		"dozor_score":             p.Get("dozor_score"),
		"total_integrated_signal": p.Get("total_intensity"),
		"good_bragg_candidates":   p.Get("n_spots_no_ice"),
		"method1_res":             p.Get("estimated_d_min"),
		"method2_res":             p.Get("estimated_d_min"),
	}
	if spots := p.Get("n_spots_total"); spots != nil {
		row["spot_total"] = spots
		row["in_res_total"] = spots
	} else if row["dozor_score"] == nil {
		return 0, invalid("neither dozor score nor spot count given")
	}
	return e.insert(ctx, "image_quality_indicators", row)
}

// ============================================================================
// Column-mapped inserts
// ============================================================================

// columnsFrom copies every field named like a column of t.
func columnsFrom(p Params, t *table) Row {
	row := Row{}
	for _, col := range t.columns {
		if v, ok := p.rawFold(col.name); ok && v != nil {
			row[col.name] = p.expand(v)
		}
	}
	return row
}

func insertColumns(tableName string) commandFunc {
	return func(ctx context.Context, e *Executor, c Call) (int64, error) {
		t, err := lookupTable(tableName)
		if err != nil {
			return 0, err
		}
		row := columnsFrom(c.Params, t)
		id, err := e.insert(ctx, tableName, row)
		if err != nil {
			return 0, err
		}
		log.Info("record written", "table", tableName, "id", id)
		return id, nil
	}
}

var shells = []string{"outerShell", "innerShell", "overall"}

func insertScaling(ctx context.Context, e *Executor, c Call) (int64, error) {
	p := c.Params
	autoProcID, err := requireID(p, "autoproc_id")
	if err != nil {
		return 0, err
	}
	stats, _ := lookupTable("auto_proc_scaling_statistics")
	rows := make([]Row, 0, len(shells))
	for _, shell := range shells {
		m := p.Map(shell)
		if m == nil {
			return 0, invalid("missing %s statistics", shell)
		}
		row := columnsFrom(NewParams(nil, m), stats)
		row["scaling_statistics_type"] = shell
		rows = append(rows, row)
	}
	scalingID, err := e.insert(ctx, "auto_proc_scaling", Row{"auto_proc_id": autoProcID})
	if err != nil {
		return 0, err
	}
	for _, row := range rows {
		row["auto_proc_scaling_id"] = scalingID
		if _, err := e.insert(ctx, "auto_proc_scaling_statistics", row); err != nil {
			return 0, err
		}
	}
	log.Info("scaling statistics written", "scaling", scalingID, "autoproc", autoProcID)
	return scalingID, nil
}

func upsertIntegration(ctx context.Context, e *Executor, c Call) (int64, error) {
	t, _ := lookupTable("auto_proc_integration")
	row := columnsFrom(c.Params, t)
	if id, ok := c.Params.Int("integration_id"); ok && id > 0 {
		return id, e.update(ctx, "auto_proc_integration", id, row)
	}
	return e.insert(ctx, "auto_proc_integration", row)
}
