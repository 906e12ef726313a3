package ispyb

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "ispyb.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSubstitute(t *testing.T) {
	env := map[string]any{
		"ispyb_id":   17,
		"ispyb_id_2": "99",
		"path":       "/dls/i03",
	}
	tests := []struct {
		in, want string
	}{
		{"$ispyb_id", "17"},
		{"$ispyb_id_2", "99"},
		{"${ispyb_id}_2", "17_2"},
		{"$path/processed", "/dls/i03/processed"},
		{"$unknown", "$unknown"},
		{"no references", "no references"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Substitute(tt.in, env), tt.in)
	}
}

func TestParamsLayering(t *testing.T) {
	p := NewParams(
		map[string]any{"sid": json.Number("5")},
		map[string]any{"screening_id": "$sid", "numberOfImages": 3600.0},
		map[string]any{"screening_id": 1, "program": "udc"},
		nil,
	)
	id, ok := p.Int("screening_id")
	assert.True(t, ok)
	assert.Equal(t, int64(5), id)
	assert.Equal(t, "udc", p.String("program"))
	v, ok := p.rawFold("numberofimages")
	assert.True(t, ok)
	assert.Equal(t, 3600.0, v)
	assert.False(t, p.Bool("autostart"))
	_, ok = p.Int("missing")
	assert.False(t, ok)
}

func TestSQLiteStore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, "program", Row{"name": "fast_dp", "status": "1", "processing_job_id": 4.0})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	require.NoError(t, s.Update(ctx, "program", id, Row{"message": "processing successful"}))
	row, err := s.Get(ctx, "program", id)
	require.NoError(t, err)
	assert.Equal(t, id, row.ID())
	assert.Equal(t, "fast_dp", row["name"])
	assert.Equal(t, int64(1), row["status"])
	assert.Equal(t, int64(4), row["processing_job_id"])
	assert.Equal(t, "processing successful", row["message"])
	assert.Nil(t, row["command"])

	rows, err := s.Select(ctx, "program", Row{"name": "fast_dp"})
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	_, err = s.Get(ctx, "program", 42)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Update(ctx, "program", 42, Row{"name": "x"}), ErrNotFound)

	_, err = s.Insert(ctx, "no_such_table", Row{})
	assert.ErrorIs(t, err, ErrUnknownTable)
	_, err = s.Insert(ctx, "program", Row{"name; DROP TABLE program": "x"})
	assert.ErrorIs(t, err, ErrUnknownColumn)
	_, err = s.Insert(ctx, "program", Row{"id": 7})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = s.Insert(ctx, "program", Row{"status": "eleven"})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestCreateJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	e := NewExecutor(s)

	dcid, err := s.Insert(ctx, "data_collection", Row{"start_image_number": 1, "number_of_images": 3600})
	require.NoError(t, err)

	var emitted []string
	var trigger map[string]any
	msg := map[string]any{
		"DCID":       float64(dcid),
		"recipe":     "autoprocessing-fast-dp",
		"source":     "automatic",
		"autostart":  true,
		"parameters": []any{map[string]any{"key": "spacegroup", "value": "P43212"}},
		"sweeps":     []any{},
		"triggervariables": []any{
			map[string]any{"key": "beamline", "value": "i24"},
		},
	}
	jobID, err := e.Execute(ctx, Call{
		Command: "create_ispyb_job",
		Params:  NewParams(nil, msg),
		Emit: func(outlet string, payload any) error {
			emitted = append(emitted, outlet)
			trigger = payload.(map[string]any)["parameters"].(map[string]any)
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"trigger"}, emitted)
	assert.Equal(t, jobID, trigger["ispyb_process"])
	assert.Equal(t, "i24", trigger["beamline"])

	job, err := s.Get(ctx, "processing_job", jobID)
	require.NoError(t, err)
	assert.Equal(t, dcid, job["data_collection_id"])
	assert.Equal(t, int64(1), job["automatic"])

	sweeps, err := s.Select(ctx, "processing_job_image_sweep", Row{"processing_job_id": jobID})
	require.NoError(t, err)
	require.Len(t, sweeps, 1)
	assert.Equal(t, int64(3600), sweeps[0]["end_image"])

	params, err := s.Select(ctx, "processing_job_parameter", Row{"processing_job_id": jobID})
	require.NoError(t, err)
	require.Len(t, params, 1)
	assert.Equal(t, "P43212", params[0]["parameter_value"])

	// not autostarted
	msg["autostart"] = false
	emitted = nil
	_, err = e.Execute(ctx, Call{Command: "create_ispyb_job", Params: NewParams(nil, msg), Emit: func(outlet string, _ any) error {
		emitted = append(emitted, outlet)
		return nil
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"held"}, emitted)

	_, err = e.Execute(ctx, Call{Command: "create_ispyb_job", Params: NewParams(nil, map[string]any{"DCID": 999})})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = e.Execute(ctx, Call{Command: "create_ispyb_job", Params: NewParams(nil, map[string]any{})})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestProgramCommands(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	e := NewExecutor(s)

	pid, err := e.Execute(ctx, Call{Command: "register_processing", Params: NewParams(nil, map[string]any{
		"program":     "fast_dp",
		"cmdline":     "fast_dp -j 0 image_00001.cbf",
		"environment": map[string]any{"b": 2, "a": "x"},
		"rpid":        "12",
	})})
	require.NoError(t, err)
	prog, err := s.Get(ctx, "program", pid)
	require.NoError(t, err)
	assert.Equal(t, "a=x, b=2", prog["environment"])

	_, err = e.Execute(ctx, Call{Command: "register_processing", Params: NewParams(nil, map[string]any{"rpid": "abc"})})
	assert.ErrorIs(t, err, ErrInvalid)

	env := map[string]any{"ispyb_autoprocprogram_id": pid}
	_, err = e.Execute(ctx, Call{Command: "update_processing_status", Params: NewParams(env, map[string]any{
		"program_id": "$ispyb_autoprocprogram_id",
		"status":     "success",
		"message":    "processing successful",
	})})
	require.NoError(t, err)
	prog, _ = s.Get(ctx, "program", pid)
	assert.Equal(t, int64(1), prog["status"])
	assert.Equal(t, "processing successful", prog["message"])

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fast_dp.log"), []byte("ok"), 0o644))
	aid, err := e.Execute(ctx, Call{Command: "add_program_attachment", Params: NewParams(env, map[string]any{
		"program_id": pid,
		"file_path":  dir,
		"file_name":  "fast_dp.log",
		"file_type":  "LOG",
	})})
	require.NoError(t, err)
	att, _ := s.Get(ctx, "program_attachment", aid)
	assert.Equal(t, "log", att["file_type"])

	_, err = e.Execute(ctx, Call{Command: "add_program_attachment", Params: NewParams(env, map[string]any{
		"program_id": pid,
		"file_path":  dir,
		"file_name":  "missing.log",
	})})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = e.Execute(ctx, Call{Command: "add_program_message", Params: NewParams(nil, map[string]any{"program_id": 0})})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = e.Execute(ctx, Call{Command: "frobnicate"})
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestPerImageAnalysisAndScaling(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	e := NewExecutor(s)

	id, err := e.Execute(ctx, Call{Command: "store_per_image_analysis_results", Params: NewParams(nil, map[string]any{
		"dcid":            42.0,
		"file-number":     7.0,
		"n_spots_total":   130.0,
		"estimated_d_min": 2.1,
	})})
	require.NoError(t, err)
	row, _ := s.Get(ctx, "image_quality_indicators", id)
	assert.Equal(t, int64(130), row["in_res_total"])
	assert.Equal(t, 2.1, row["method2_res"])

	_, err = e.Execute(ctx, Call{Command: "store_per_image_analysis_results", Params: NewParams(nil, map[string]any{
		"dcid": 42.0, "file-number": 8.0,
	})})
	assert.ErrorIs(t, err, ErrInvalid)

	shell := func(low, high float64) map[string]any {
		return map[string]any{"res_lim_low": low, "res_lim_high": high, "cc_half": 0.99, "not_a_column": 1}
	}
	sid, err := e.Execute(ctx, Call{Command: "insert_scaling", Params: NewParams(nil, map[string]any{
		"autoproc_id": 3,
		"outerShell":  shell(1.9, 1.8),
		"innerShell":  shell(50, 5.2),
		"overall":     shell(50, 1.8),
	})})
	require.NoError(t, err)
	stats, err := s.Select(ctx, "auto_proc_scaling_statistics", Row{"auto_proc_scaling_id": sid})
	require.NoError(t, err)
	require.Len(t, stats, 3)
	assert.Equal(t, "outerShell", stats[0]["scaling_statistics_type"])

	_, err = e.Execute(ctx, Call{Command: "insert_scaling", Params: NewParams(nil, map[string]any{"autoproc_id": 3})})
	assert.ErrorIs(t, err, ErrInvalid)

	iid, err := e.Execute(ctx, Call{Command: "upsert_integration", Params: NewParams(nil, map[string]any{"cell_a": 78.1, "space_group": "P 43 21 2"})})
	require.NoError(t, err)
	again, err := e.Execute(ctx, Call{Command: "upsert_integration", Params: NewParams(nil, map[string]any{"integration_id": iid, "cell_a": 78.2})})
	require.NoError(t, err)
	assert.Equal(t, iid, again)
	integ, _ := s.Get(ctx, "auto_proc_integration", iid)
	assert.Equal(t, 78.2, integ["cell_a"])
	assert.Equal(t, "P 43 21 2", integ["space_group"])
}

func TestCommandListCarriesStoredIDs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	e := NewExecutor(s)

	message := map[string]any{
		KeyCommandList: []any{
			map[string]any{"ispyb_command": "insert_screening", "dcid": 42, "programversion": "udc", "store_result": "ispyb_screening_id"},
			map[string]any{"ispyb_command": "insert_screening_output", "screening_id": "$ispyb_screening_id", "strategysuccess": 1, "store_result": "ispyb_screening_output_id"},
			map[string]any{"ispyb_command": "insert_screening_strategy", "screening_output_id": "$ispyb_screening_output_id", "program": "udc-strategy: OSC"},
		},
	}
	env := map[string]any{}
	var last int64
	steps := 0
	for {
		l, err := ParseList(message, nil)
		require.NoError(t, err)
		steps++
		assert.Equal(t, steps, l.Step)
		id, err := e.Execute(ctx, Call{Command: l.HeadCommand(), Params: NewParams(env, l.Head(), message)})
		require.NoError(t, err)
		if key := l.StoreResult(); key != "" {
			env[key] = id
		}
		last = id
		if l.Last() {
			break
		}
		// round-trip through JSON like a checkpoint on the bus
		raw, err := json.Marshal(l.Next(message))
		require.NoError(t, err)
		message = DecodeMessage(raw)
	}
	assert.Equal(t, 3, steps)

	strategy, err := s.Get(ctx, "screening_strategy", last)
	require.NoError(t, err)
	output, err := s.Get(ctx, "screening_output", strategy["screening_output_id"].(int64))
	require.NoError(t, err)
	assert.Equal(t, env["ispyb_screening_id"], output["screening_id"])
}

func TestParseListErrors(t *testing.T) {
	_, err := ParseList(map[string]any{}, map[string]any{})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = ParseList(map[string]any{KeyCommandList: "nope"}, nil)
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = ParseList(map[string]any{KeyCommandList: []any{1}}, nil)
	assert.ErrorIs(t, err, ErrInvalid)

	l, err := ParseList(nil, map[string]any{KeyCommandList: []any{map[string]any{"ispyb_command": "x"}}})
	require.NoError(t, err)
	assert.Equal(t, 1, l.Step)
	assert.True(t, l.Last())
}

func TestPostgresDialect(t *testing.T) {
	tbl := tables["program_message"]
	assert.Equal(t,
		`INSERT INTO "program_message" ("message", "program_id") VALUES ($1, $2) RETURNING "id"`,
		postgresDialect.insert(tbl, []string{"message", "program_id"}))
	assert.Equal(t,
		`UPDATE "program_message" SET "severity" = $1 WHERE "id" = $2`,
		postgresDialect.update(tbl, []string{"severity"}))
	assert.Equal(t,
		`INSERT INTO "program_message" ("message") VALUES (?)`,
		sqliteDialect.insert(tbl, []string{"message"}))

	err := pgError("insert", &pgconn.PgError{Code: pgerrcode.SerializationFailure})
	assert.ErrorIs(t, err, ErrRetryable)
	err = pgError("insert", &pgconn.PgError{Code: pgerrcode.UndefinedTable})
	assert.ErrorIs(t, err, ErrUnknownTable)
	err = pgError("insert", &pgconn.PgError{Code: pgerrcode.UniqueViolation})
	assert.NotErrorIs(t, err, ErrRetryable)
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("MXFLOW_TEST_POSTGRES")
	if url == "" {
		t.Skip("MXFLOW_TEST_POSTGRES not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, "postgres", url)
	require.NoError(t, err)
	defer s.Close()

	id, err := s.Insert(ctx, "program_message", Row{"severity": "WARNING", "message": "low completeness"})
	require.NoError(t, err)
	row, err := s.Get(ctx, "program_message", id)
	require.NoError(t, err)
	assert.Equal(t, "low completeness", row["message"])
}

type flakyStore struct {
	*SQLite
	failures int
}

func (f *flakyStore) Insert(ctx context.Context, table string, row Row) (int64, error) {
	if f.failures > 0 {
		f.failures--
		return 0, ErrRetryable
	}
	return f.SQLite.Insert(ctx, table, row)
}

func TestExecutorRetriesTransientFailures(t *testing.T) {
	store := &flakyStore{SQLite: openTestStore(t), failures: 2}
	e := NewExecutor(store)
	e.backoff = 0

	_, err := e.Execute(context.Background(), Call{Command: "add_program_message", Params: NewParams(nil, map[string]any{"program_id": 1})})
	require.NoError(t, err)

	store.failures = 3
	_, err = e.Execute(context.Background(), Call{Command: "add_program_message", Params: NewParams(nil, map[string]any{"program_id": 1})})
	assert.ErrorIs(t, err, ErrRetryable)

	_, err = Open(context.Background(), "oracle", "")
	assert.ErrorIs(t, err, ErrUnknownDriver)
}
