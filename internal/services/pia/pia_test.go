package pia

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	st "github.com/ChuLiYu/mxflow/internal/services/servicetest"
)

type fakeFinder struct {
	mu    sync.Mutex
	calls map[string]map[string]any
}

func (f *fakeFinder) FindSpots(_ context.Context, file string, params map[string]any) (map[string]any, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]map[string]any)
	}
	f.calls[file] = params
	f.mu.Unlock()
	if filepath.Base(file) == "broken.cbf" {
		return nil, errors.New("unreadable image")
	}
	return map[string]any{"n_spots_total": len(file), "estimated_d_min": 2.1}, nil
}

func (f *fakeFinder) params(file string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[file]
}

func piaRecipe(t *testing.T) string {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"1": map[string]any{
			"service": "DLS Per-Image-Analysis", "queue": Channel,
			"parameters": map[string]any{"d_max": 40, "d_min": 3},
			"output":     map[string]any{"result": 2},
		},
		"2":     map[string]any{"queue": "pia.result"},
		"start": []any{[]any{1, map[string]any{}}},
	})
	require.NoError(t, err)
	return string(raw)
}

func TestAnalysesImages(t *testing.T) {
	b := st.Broker(t)
	out := st.Collect(t, b, "pia.result")
	finder := &fakeFinder{}
	st.Start(t, b, New(Config{Finder: finder, Workers: 3}))

	src := piaRecipe(t)
	for i := 1; i <= 10; i++ {
		st.SendStep(t, b, src, 1, nil, map[string]any{
			"file":               "/dls/i03/data/image_" + string(rune('a'+i)) + ".cbf",
			"file-number":        i,
			"file-pattern-index": i + 100,
			"other":              "dropped",
		})
	}
	st.SendStep(t, b, src, 1, nil, map[string]any{
		"file": "/dls/i03/data/override.cbf", "file-number": 11,
		"parameters": map[string]any{"d_min": 1.5},
	})

	require.Eventually(t, func() bool { return out.Count() == 11 && b.Stats().InFlight == 0 }, st.WaitFor, st.Tick)

	numbers := map[float64]bool{}
	for _, p := range out.Payloads(t) {
		numbers[p["file-number"].(float64)] = true
		assert.Contains(t, p, "n_spots_total")
		assert.Contains(t, p, "file")
		assert.NotContains(t, p, "other")
		if p["file-number"] != float64(11) {
			assert.Equal(t, p["file-number"].(float64)+100, p["file-pattern-index"])
		}
	}
	assert.Len(t, numbers, 11)

	params := finder.params("/dls/i03/data/override.cbf")
	assert.Equal(t, json.Number("1.5"), params["d_min"])
	assert.Equal(t, json.Number("40"), params["d_max"])
	assert.NotContains(t, params, "file")
}

func TestFailedAnalysisEndsInDeadLetters(t *testing.T) {
	b := st.Broker(t)
	out := st.Collect(t, b, "pia.result")
	dlq := st.Collect(t, b, "dlq."+Channel)
	st.Start(t, b, New(Config{Finder: &fakeFinder{}, Workers: 1}))

	st.SendStep(t, b, piaRecipe(t), 1, nil, map[string]any{"file": "/data/broken.cbf"})
	require.Eventually(t, func() bool { return dlq.Count() == 1 }, st.WaitFor, st.Tick)
	assert.Zero(t, out.Count())
}

func TestMissingFileIsRejected(t *testing.T) {
	b := st.Broker(t)
	dlq := st.Collect(t, b, "dlq."+Channel)
	st.Start(t, b, New(Config{Finder: &fakeFinder{}}))

	st.SendStep(t, b, piaRecipe(t), 1, nil, map[string]any{"file-number": 1})
	require.Eventually(t, func() bool { return dlq.Count() == 1 }, st.WaitFor, st.Tick)
}

func TestCommandFinder(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args")
	script := filepath.Join(dir, "find_spots")
	require.NoError(t, os.WriteFile(script, []byte(`#!/bin/sh
echo "$@" > `+argsFile+`
echo '{"n_spots_total": 42, "estimated_d_min": 1.9}'
`), 0o755))

	res, err := Command{Args: []string{script, "--json"}}.FindSpots(context.Background(), "/data/x.cbf",
		map[string]any{"d_min": json.Number("3"), "d_max": 40})
	require.NoError(t, err)
	assert.Equal(t, json.Number("42"), res["n_spots_total"])

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, "--json /data/x.cbf d_max=40 d_min=3\n", string(args))

	bad := filepath.Join(dir, "bad")
	require.NoError(t, os.WriteFile(bad, []byte("#!/bin/sh\necho not json\n"), 0o755))
	_, err = Command{Args: []string{bad}}.FindSpots(context.Background(), "/data/x.cbf", nil)
	assert.ErrorIs(t, err, ErrBadOutput)

	failing := filepath.Join(dir, "failing")
	require.NoError(t, os.WriteFile(failing, []byte("#!/bin/sh\necho boom >&2\nexit 3\n"), 0o755))
	_, err = Command{Args: []string{failing}}.FindSpots(context.Background(), "/data/x.cbf", nil)
	assert.ErrorIs(t, err, ErrSpotFinder)
	assert.Contains(t, err.Error(), "boom")
}
