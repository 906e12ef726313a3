package xraycentering

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/mxflow/internal/bus"
	st "github.com/ChuLiYu/mxflow/internal/services/servicetest"
)

func gridinfo(stepsX, stepsY int) map[string]any {
	return map[string]any{
		"steps_x": stepsX, "steps_y": stepsY,
		"dx_mm": 0.02, "dy_mm": 0.02,
		"pixelsPerMicronX": 0.5, "pixelsPerMicronY": 0.5,
		"snapshot_offsetXPixel": 100, "snapshot_offsetYPixel": 200,
		"snaked": false, "orientation": "horizontal",
	}
}

func centeringRecipe(t *testing.T, params map[string]any) string {
	t.Helper()
	r := map[string]any{
		"1": map[string]any{
			"service": "X-Ray Centering", "queue": Channel, "parameters": params,
			"output": map[string]any{"success": 2, "abort": 3},
		},
		"2":     map[string]any{"queue": "xrc.success"},
		"3":     map[string]any{"queue": "xrc.abort"},
		"start": []any{[]any{1, map[string]any{}}},
	}
	raw, err := json.Marshal(r)
	require.NoError(t, err)
	return string(raw)
}

type harness struct {
	b       *bus.Broker
	svc     *Service
	success *st.Sink
	abort   *st.Sink
	dlq     *st.Sink
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{b: st.Broker(t), svc: New(cfg)}
	h.success = st.Collect(t, h.b, "xrc.success")
	h.abort = st.Collect(t, h.b, "xrc.abort")
	h.dlq = st.Collect(t, h.b, "dlq."+Channel)
	st.Start(t, h.b, h.svc)
	return h
}

func (h *harness) send(t *testing.T, src string, file, spots int) {
	st.SendStep(t, h.b, src, 1, nil, map[string]any{"file-number": file, "n_spots_total": spots})
}

func (h *harness) settled() bool { return h.b.Stats().InFlight == 0 }

// blockAround returns counts for a 20x11 scan whose only strong cells form
// a 3x3 block centred on image 57.
func blockAround() []int {
	data := make([]int, 220)
	for i := range data {
		data[i] = 3
	}
	for _, row := range []int{1, 2, 3} {
		for _, col := range []int{15, 16, 17} {
			data[row*20+col] = 60
		}
	}
	data[56] = 100
	return data
}

func TestScanCompletes(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "run1", "result.json")
	logFile := filepath.Join(dir, "run1", "xrc.log")
	src := centeringRecipe(t, map[string]any{
		"dcid": 42, "output": output, "log": logFile, "results_symlink": "xrc",
		"gridinfo": gridinfo(20, 11),
	})

	h := newHarness(t, Config{})
	for i, spots := range blockAround() {
		h.send(t, src, i+1, spots)
	}

	require.Eventually(t, func() bool { return h.success.Count() == 1 && h.settled() }, st.WaitFor, st.Tick)
	assert.Zero(t, h.svc.Active())
	assert.Zero(t, h.abort.Count())

	res := h.success.Payloads(t)[0]
	assert.Equal(t, "ok", res["status"])
	assert.EqualValues(t, 57, res["best_image"])
	assert.EqualValues(t, 9, res["n_voxels"])
	assert.InDelta(t, 16.5, res["centre_x_box"], 1e-9)
	assert.InDelta(t, 2.5, res["centre_y_box"], 1e-9)
	assert.InDelta(t, 760, res["centre_x"], 1e-6)
	assert.InDelta(t, 300, res["centre_y"], 1e-6)

	raw, err := os.ReadFile(output)
	require.NoError(t, err)
	var written map[string]any
	require.NoError(t, json.Unmarshal(raw, &written))
	assert.Equal(t, res["best_image"], written["best_image"])

	text, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(text), "There are 100 reflections in image #57.")

	target, err := os.Readlink(filepath.Join(dir, "xrc"))
	require.NoError(t, err)
	assert.Equal(t, "run1", target)
}

func TestDuplicateResultsCountOnce(t *testing.T) {
	src := centeringRecipe(t, map[string]any{"dcid": 7, "gridinfo": gridinfo(2, 2)})
	h := newHarness(t, Config{})

	h.send(t, src, 1, 5)
	h.send(t, src, 1, 5)
	h.send(t, src, 2, 0)
	h.send(t, src, 3, 9)
	require.Eventually(t, func() bool { return h.b.Stats().InFlight == 4 }, st.WaitFor, st.Tick)
	assert.Zero(t, h.success.Count())
	assert.Equal(t, 1, h.svc.Active())

	h.send(t, src, 4, 1)
	require.Eventually(t, func() bool { return h.success.Count() == 1 && h.settled() }, st.WaitFor, st.Tick)
	assert.EqualValues(t, 3, h.success.Payloads(t)[0]["best_image"])
	assert.Zero(t, h.svc.Active())
}

func TestNoSignalFails(t *testing.T) {
	src := centeringRecipe(t, map[string]any{"dcid": 8, "gridinfo": gridinfo(2, 1)})
	h := newHarness(t, Config{})
	h.send(t, src, 1, 0)
	h.send(t, src, 2, 0)

	require.Eventually(t, func() bool { return h.success.Count() == 1 }, st.WaitFor, st.Tick)
	res := h.success.Payloads(t)[0]
	assert.Equal(t, "fail", res["status"])
	assert.Equal(t, "No good images found", res["message"])
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type activeScans struct {
	mu   sync.Mutex
	last int
}

func (a *activeScans) ActiveScans(n int) {
	a.mu.Lock()
	a.last = n
	a.mu.Unlock()
}

func (a *activeScans) get() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

func TestStaleScanIsAborted(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	obs := &activeScans{}
	src := centeringRecipe(t, map[string]any{"dcid": 9, "gridinfo": gridinfo(2, 2)})
	h := newHarness(t, Config{GCInterval: 10 * time.Millisecond, Observer: obs, Now: c.Now})

	h.send(t, src, 1, 5)
	h.send(t, src, 2, 5)
	h.send(t, src, 3, 5)
	require.Eventually(t, func() bool { return h.svc.Active() == 1 && h.b.Stats().InFlight == 3 }, st.WaitFor, st.Tick)
	assert.Equal(t, 1, obs.get())

	// not yet expired
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.svc.Active())

	c.Advance(DefaultExpiry + time.Second)
	require.Eventually(t, func() bool { return h.abort.Count() == 1 && h.settled() }, st.WaitFor, st.Tick)
	assert.Zero(t, h.svc.Active())
	assert.Zero(t, h.success.Count())
	assert.Zero(t, h.dlq.Count())
	assert.Zero(t, obs.get())
}

func TestSingleImageScanWithoutGridInfo(t *testing.T) {
	h := newHarness(t, Config{})
	src := centeringRecipe(t, map[string]any{"dcid": 10, "comment": "Diffraction grid scan of 1 by 1 images"})
	h.send(t, src, 1, 5)

	require.Eventually(t, func() bool { return h.b.Stats().Acked >= 1 && h.settled() }, st.WaitFor, st.Tick)
	assert.Zero(t, h.dlq.Count())
	assert.Zero(t, h.svc.Active())
}

func TestInvalidMessagesAreRejected(t *testing.T) {
	h := newHarness(t, Config{})
	noGrid := centeringRecipe(t, map[string]any{"dcid": 11})
	noDCID := centeringRecipe(t, map[string]any{"gridinfo": gridinfo(2, 2)})
	badGrid := centeringRecipe(t, map[string]any{"dcid": 12, "gridinfo": map[string]any{"steps_x": 2}})
	good := centeringRecipe(t, map[string]any{"dcid": 13, "gridinfo": gridinfo(2, 2)})

	h.send(t, noGrid, 1, 5)
	h.send(t, noDCID, 1, 5)
	h.send(t, badGrid, 1, 5)
	h.send(t, good, 5, 5)
	st.SendStep(t, h.b, good, 1, nil, map[string]any{"file-number": 1})

	require.Eventually(t, func() bool { return h.dlq.Count() == 5 }, st.WaitFor, st.Tick)
	assert.Zero(t, h.svc.Active())
}

func TestReadGridInfo(t *testing.T) {
	g, err := readGridInfo(map[string]any{"gridinfo": map[string]any{
		"steps_x": json.Number("14"), "steps_y": "11", "dx_mm": 0.025, "dy_mm": 0.025,
		"pixelsPerMicronX": 0.8, "pixelsPerMicronY": 0.8,
		"snapshot_offsetXPixel": 396.2, "snapshot_offsetYPixel": 241.2,
		"snaked": true, "orientation": "Vertical",
	}})
	require.NoError(t, err)
	assert.Equal(t, 154, g.Images())
	assert.True(t, g.Snaked)
	assert.EqualValues(t, "vertical", g.Orientation)

	_, err = readGridInfo(map[string]any{})
	assert.ErrorIs(t, err, ErrNoGridInfo)
	_, err = readGridInfo(map[string]any{"gridinfo": map[string]any{"steps_x": 1.5}})
	assert.ErrorIs(t, err, ErrBadGridInfo)
}
