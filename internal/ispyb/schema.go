package ispyb

import (
	"fmt"
	"sort"
	"strings"
)

type kind int

const (
	kindInt kind = iota
	kindFloat
	kindText
)

type column struct {
	name string
	kind kind
}

type table struct {
	name    string
	columns []column
}

func (t *table) column(name string) (column, bool) {
	if name == "id" {
		return idColumn, true
	}
	for _, c := range t.columns {
		if c.name == name {
			return c, true
		}
	}
	return column{}, false
}

func cols(k kind, names ...string) []column {
	out := make([]column, len(names))
	for i, n := range names {
		out[i] = column{name: n, kind: k}
	}
	return out
}

func join(groups ...[]column) []column {
	var out []column
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// Every table has an integer primary key "id" assigned by the store.
var tables = map[string]*table{}

func define(name string, columns ...[]column) {
	tables[name] = &table{name: name, columns: join(columns...)}
}

func init() {
	define("data_collection",
		cols(kindInt, "data_collection_group_id", "start_image_number", "number_of_images"),
		cols(kindFloat, "wavelength", "exposure_time"),
		cols(kindText, "beamline", "image_directory", "file_template", "comments", "run_status"))
	define("data_collection_file_attachment",
		cols(kindInt, "data_collection_id"),
		cols(kindText, "file_full_path", "file_type"))
	define("processing_job",
		cols(kindInt, "data_collection_id", "automatic"),
		cols(kindText, "display_name", "comments", "recipe"))
	define("processing_job_parameter",
		cols(kindInt, "processing_job_id"),
		cols(kindText, "parameter_key", "parameter_value"))
	define("processing_job_image_sweep",
		cols(kindInt, "processing_job_id", "data_collection_id", "start_image", "end_image"))
	define("program",
		cols(kindInt, "processing_job_id", "status"),
		cols(kindText, "name", "command", "environment", "message", "start_time", "update_time"))
	define("program_attachment",
		cols(kindInt, "program_id", "importance_rank"),
		cols(kindText, "file_name", "file_path", "file_type"))
	define("program_message",
		cols(kindInt, "program_id"),
		cols(kindText, "severity", "message", "description"))
	define("image_quality_indicators",
		cols(kindInt, "data_collection_id", "image_number", "spot_total", "in_res_total", "good_bragg_candidates"),
		cols(kindFloat, "method1_res", "method2_res", "total_integrated_signal", "dozor_score"))
	define("screening",
		cols(kindInt, "dcid", "dcgid"),
		cols(kindText, "programversion", "shortcomments", "comments"))
	define("screening_input",
		cols(kindInt, "screening_id"),
		cols(kindFloat, "beamx", "beamy", "rmserrlim", "minfractionindexed", "maxfractionrejected", "minsignal2noise"))
	define("screening_output",
		cols(kindInt, "screening_id", "indexingsuccess", "strategysuccess", "alignmentsuccess", "numspotsfound"),
		cols(kindFloat, "mosaicity", "resolutionobtained"),
		cols(kindText, "statusdescription", "program"))
	define("screening_output_lattice",
		cols(kindInt, "screening_output_id"),
		cols(kindFloat, "unitcell_a", "unitcell_b", "unitcell_c", "unitcell_alpha", "unitcell_beta", "unitcell_gamma"),
		cols(kindText, "spacegroup"))
	define("screening_strategy",
		cols(kindInt, "screening_output_id", "anomalous"),
		cols(kindFloat, "phistart", "phiend", "rotation", "exposuretime", "resolution", "completeness", "multiplicity", "rankingresolution", "transmission"),
		cols(kindText, "program"))
	define("screening_strategy_wedge",
		cols(kindInt, "screening_strategy_id", "wedgenumber", "numberofimages"),
		cols(kindFloat, "resolution", "completeness", "multiplicity", "dosetotal", "phi", "kappa", "chi", "wavelength"),
		cols(kindText, "comments"))
	define("screening_strategy_sub_wedge",
		cols(kindInt, "screening_strategy_wedge_id", "subwedgenumber", "numberofimages"),
		cols(kindFloat, "axisstart", "axisend", "exposuretime", "transmission", "oscillationrange", "completeness", "multiplicity", "resolution", "dosetotal"),
		cols(kindText, "rotationaxis", "comments"))
	define("auto_proc",
		cols(kindInt, "program_id"),
		cols(kindFloat, "refinedcell_a", "refinedcell_b", "refinedcell_c", "refinedcell_alpha", "refinedcell_beta", "refinedcell_gamma"),
		cols(kindText, "spacegroup"))
	define("auto_proc_scaling",
		cols(kindInt, "auto_proc_id"))
	define("auto_proc_scaling_statistics",
		cols(kindInt, "auto_proc_scaling_id", "n_tot_obs", "n_tot_unique_obs"),
		cols(kindFloat, "res_lim_low", "res_lim_high", "r_merge", "r_meas_all_iplusi_minus", "r_pim_all_iplusi_minus",
			"mean_i_sig_i", "completeness", "multiplicity", "anom_completeness", "anom_multiplicity", "cc_half", "cc_anom"),
		cols(kindText, "scaling_statistics_type", "comments"))
	define("auto_proc_integration",
		cols(kindInt, "program_id", "scaling_id", "data_collection_id", "start_image_number", "end_image_number"),
		cols(kindFloat, "refined_detector_distance", "refined_x_beam", "refined_y_beam",
			"cell_a", "cell_b", "cell_c", "cell_alpha", "cell_beta", "cell_gamma"),
		cols(kindText, "space_group"))
}

// TableNames lists the known tables in a stable order.
func TableNames() []string {
	names := make([]string, 0, len(tables))
	for n := range tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func lookupTable(name string) (*table, error) {
	t, ok := tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	return t, nil
}

// Row is one record, keyed by column name. Values are int64, float64,
// string or nil after normalisation.
type Row map[string]any

// ID returns the row's primary key, 0 when absent.
func (r Row) ID() int64 {
	n, _ := r["id"].(int64)
	return n
}

// normalize checks columns and converts values to their column kind.
// Columns come back sorted so generated statements are deterministic.
func (t *table) normalize(row Row) ([]string, []any, error) {
	names := make([]string, 0, len(row))
	for n := range row {
		names = append(names, n)
	}
	sort.Strings(names)
	values := make([]any, len(names))
	for i, n := range names {
		c, ok := t.column(n)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, t.name, n)
		}
		v, err := c.convert(row[n])
		if err != nil {
			return nil, nil, invalid("%s.%s: %v", t.name, n, err)
		}
		values[i] = v
	}
	return names, values, nil
}

func (c column) convert(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" && c.kind != kindText {
		return nil, nil
	}
	switch c.kind {
	case kindInt:
		return toInt(v)
	case kindFloat:
		return toFloat(v)
	default:
		return text(v), nil
	}
}

// scanned converts a value read back from a driver.
func (c column) scanned(v any) any {
	if v == nil {
		return nil
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	out, err := c.convert(v)
	if err != nil {
		return v
	}
	return out
}

// ============================================================================
// Statement building
// ============================================================================

// dialect holds what differs between the SQL backends.
type dialect struct {
	primaryKey  string
	types       map[kind]string
	placeholder func(n int) string
	returning   bool
}

func quoteIdent(s string) string { return `"` + s + `"` }

func (d dialect) createTable(t *table) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n\t%s", quoteIdent(t.name), d.primaryKey)
	for _, c := range t.columns {
		fmt.Fprintf(&b, ",\n\t%s %s", quoteIdent(c.name), d.types[c.kind])
	}
	b.WriteString("\n)")
	return b.String()
}

func (d dialect) insert(t *table, names []string) string {
	quoted := make([]string, len(names))
	marks := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quoteIdent(n)
		marks[i] = d.placeholder(i + 1)
	}
	var q string
	if len(names) == 0 {
		q = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", quoteIdent(t.name))
	} else {
		q = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			quoteIdent(t.name), strings.Join(quoted, ", "), strings.Join(marks, ", "))
	}
	if d.returning {
		q += ` RETURNING "id"`
	}
	return q
}

func (d dialect) update(t *table, names []string) string {
	sets := make([]string, len(names))
	for i, n := range names {
		sets[i] = quoteIdent(n) + " = " + d.placeholder(i+1)
	}
	return fmt.Sprintf(`UPDATE %s SET %s WHERE "id" = %s`,
		quoteIdent(t.name), strings.Join(sets, ", "), d.placeholder(len(names)+1))
}

func (d dialect) selectWhere(t *table, names []string) string {
	all := make([]string, 0, len(t.columns)+1)
	all = append(all, `"id"`)
	for _, c := range t.columns {
		all = append(all, quoteIdent(c.name))
	}
	q := fmt.Sprintf("SELECT %s FROM %s", strings.Join(all, ", "), quoteIdent(t.name))
	if len(names) > 0 {
		conds := make([]string, len(names))
		for i, n := range names {
			conds[i] = quoteIdent(n) + " = " + d.placeholder(i+1)
		}
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	return q + ` ORDER BY "id"`
}

// row builds a Row from values scanned in selectWhere's column order.
func (t *table) row(values []any) Row {
	r := Row{"id": idColumn.scanned(values[0])}
	for i, c := range t.columns {
		r[c.name] = c.scanned(values[i+1])
	}
	return r
}

var idColumn = column{name: "id", kind: kindInt}
