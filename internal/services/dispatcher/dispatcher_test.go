package dispatcher

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/mxflow/internal/ispyb"
	"github.com/ChuLiYu/mxflow/internal/recipe"
	"github.com/ChuLiYu/mxflow/internal/runtime"
	st "github.com/ChuLiYu/mxflow/internal/services/servicetest"
)

func recipeStore(t *testing.T, recipes map[string]string) *recipe.Store {
	t.Helper()
	dir := t.TempDir()
	for name, body := range recipes {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), []byte(body), 0o644))
	}
	return recipe.NewStore(dir)
}

func TestCustomRecipe(t *testing.T) {
	b := st.Broker(t)
	out := st.Collect(t, b, "q")
	st.Start(t, b, New(Config{}))

	st.SendPlain(t, b, Channel, map[string]any{
		"custom_recipe": map[string]any{
			"1":     map[string]any{"service": "X", "queue": "q"},
			"start": []any{[]any{1, map[string]any{"p": 1}}},
		},
	})

	require.Eventually(t, func() bool { return out.Count() == 1 }, st.WaitFor, st.Tick)
	env := out.Envelopes(t)[0]
	assert.Equal(t, 1, env.Pointer)
	assert.Empty(t, env.Path)
	assert.JSONEq(t, `{"p": 1}`, string(env.Payload))

	guid, ok := env.Environment["ID"].(string)
	require.True(t, ok)
	id, err := uuid.Parse(guid)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
}

func TestNamedRecipesMergeAndSubstitute(t *testing.T) {
	b := st.Broker(t)
	pia := st.Collect(t, b, "per_image_analysis")
	archive := st.Collect(t, b, "archive")

	store := recipeStore(t, map[string]string{
		"per-image-analysis": `{"1": {"service": "PIA", "queue": "per_image_analysis",
			"parameters": {"dcid": "{ispyb_dcid}", "note": "{later}"}}, "start": [[1, {}]]}`,
		"archive": `{"1": {"service": "Archiver", "queue": "archive",
			"parameters": {"dcid": "{ispyb_dcid}"}}, "start": [[1, {"guid": "{guid}"}]]}`,
	})
	st.Start(t, b, New(Config{Recipes: store, Deferred: []string{"later"}}))

	st.SendPlain(t, b, Channel, map[string]any{
		"recipes":    []any{"per-image-analysis", "archive"},
		"parameters": map[string]any{"ispyb_dcid": 6017516, "guid": "fixed-guid"},
	})

	require.Eventually(t, func() bool { return pia.Count() == 1 && archive.Count() == 1 }, st.WaitFor, st.Tick)

	first := pia.Envelopes(t)[0]
	assert.Len(t, first.Recipe.Steps, 2)
	step := first.Recipe.Steps[first.Pointer]
	assert.Equal(t, json.Number("6017516"), step.Parameters["dcid"])
	assert.Equal(t, "{later}", step.Parameters["note"])
	assert.Equal(t, "fixed-guid", first.Environment["ID"])

	second := archive.Envelopes(t)[0]
	assert.Equal(t, 2, second.Pointer)
	assert.JSONEq(t, `{"guid": "fixed-guid"}`, string(second.Payload))
}

func TestRejects(t *testing.T) {
	store := recipeStore(t, map[string]string{
		"needs-var": `{"1": {"queue": "q", "parameters": {"x": "{missing}"}}, "start": [[1, {}]]}`,
	})
	cases := map[string]map[string]any{
		"unknown recipe":     {"recipes": []any{"does-not-exist"}},
		"no recipes":         {"parameters": map[string]any{"a": 1}},
		"parameters list":    {"recipes": []any{"needs-var"}, "parameters": []any{1, 2}},
		"undefined variable": {"recipes": []any{"needs-var"}},
		"malformed custom":   {"custom_recipe": map[string]any{"start": []any{}}},
		"dangling output": {"custom_recipe": map[string]any{
			"1":     map[string]any{"queue": "q", "output": 7},
			"start": []any{[]any{1, map[string]any{}}},
		}},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			b := st.Broker(t)
			dlq := st.Collect(t, b, "dlq."+Channel)
			q := st.Collect(t, b, "q")
			st.Start(t, b, New(Config{Recipes: store}))

			st.SendPlain(t, b, Channel, body)
			require.Eventually(t, func() bool { return dlq.Count() == 1 }, st.WaitFor, st.Tick)
			assert.Zero(t, q.Count())
		})
	}
}

func openStore(t *testing.T) *ispyb.SQLite {
	t.Helper()
	s, err := ispyb.OpenSQLite(filepath.Join(t.TempDir(), "ispyb.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestReadinessAndEnrichment(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	waiting, err := store.Insert(ctx, "data_collection", ispyb.Row{"beamline": "i03"})
	require.NoError(t, err)
	done, err := store.Insert(ctx, "data_collection", ispyb.Row{
		"beamline":        "i04",
		"image_directory": "/dls/i04/data",
		"run_status":      "DataCollection Successful",
	})
	require.NoError(t, err)

	b := st.Broker(t)
	q := st.Collect(t, b, "q")
	errq := st.Collect(t, b, "not-ready")
	st.Start(t, b, New(Config{Metadata: StoreMetadata{Store: store}}))

	custom := map[string]any{
		"1":     map[string]any{"queue": "q", "parameters": map[string]any{"bl": "{ispyb_beamline}"}},
		"start": []any{[]any{1, map[string]any{}}},
	}
	st.SendPlain(t, b, Channel, map[string]any{
		"custom_recipe": custom,
		"parameters": map[string]any{
			"ispyb_dcid": waiting, "ispyb_wait_for_runstatus": true,
			"dispatcher_timeout": 0, "dispatcher_error_queue": "not-ready",
		},
	})
	st.SendPlain(t, b, Channel, map[string]any{
		"custom_recipe": custom,
		"parameters":    map[string]any{"ispyb_dcid": done, "ispyb_wait_for_runstatus": true},
	})

	require.Eventually(t, func() bool { return q.Count() == 1 && errq.Count() == 1 }, st.WaitFor, st.Tick)

	env := q.Envelopes(t)[0]
	assert.Equal(t, "i04", env.Recipe.Steps[1].Parameters["bl"])

	rejected := errq.Payloads(t)[0]
	params := rejected["parameters"].(map[string]any)
	assert.Contains(t, params, "dispatcher_expiration")
	assert.EqualValues(t, waiting, params["ispyb_dcid"])
}

func TestNotReadyCheckpoints(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	d := New(Config{Now: func() time.Time { return now }})
	msg := &runtime.Message{Log: log}

	body := map[string]any{"recipes": []any{"x"}}
	out := d.notReady(body, map[string]any{"dispatcher_timeout": json.Number("30")}, msg, log)
	cp, ok := out.(runtime.Checkpoint)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, cp.Delay)
	params := cp.Payload.(map[string]any)["parameters"].(map[string]any)
	assert.InDelta(t, 1_700_000_030, params["dispatcher_expiration"], 0.001)

	// past the expiry and without an error queue the request is dead-lettered
	out = d.notReady(body, map[string]any{"dispatcher_expiration": json.Number("1699999999")}, msg, log)
	nack, ok := out.(runtime.Nack)
	require.True(t, ok)
	assert.False(t, nack.Requeue)
}

func TestLogbook(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)

	path, ok := LogbookPath(dir, "ab12-cd/../34", now)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "2024-03", "ab", "12-cd34"), path)
	_, ok = LogbookPath(dir, "a!", now)
	assert.False(t, ok)

	b := st.Broker(t)
	q := st.Collect(t, b, "q")
	st.Start(t, b, New(Config{Logbook: dir, Now: func() time.Time { return now }}))
	st.SendPlain(t, b, Channel, map[string]any{
		"custom_recipe": map[string]any{"1": map[string]any{"queue": "q"}, "start": []any{[]any{1, 0}}},
		"parameters":    map[string]any{"guid": "0123abcd"},
	})
	require.Eventually(t, func() bool { return q.Count() == 1 }, st.WaitFor, st.Tick)

	data, err := os.ReadFile(filepath.Join(dir, "2024-03", "01", "23abcd"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Incoming message body:")
	assert.Contains(t, string(data), "Recipe object:")
}
