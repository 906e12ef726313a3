package main

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/mxflow/internal/bus"
	"github.com/ChuLiYu/mxflow/internal/services/dispatcher"
)

func testOptions() options {
	return options{
		dcid:     1234,
		stepsX:   8,
		stepsY:   5,
		peakX:    5,
		peakY:    2,
		width:    1,
		maxSpots: 200,
		workers:  2,
		timeout:  20 * time.Second,
	}
}

func TestSyntheticFinder(t *testing.T) {
	f := &syntheticFinder{opts: testOptions()}

	// image 22 is column 5, row 2
	got, err := f.FindSpots(context.Background(), imageName(22), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n_spots_total": 200}, got)

	assert.Equal(t, 121, f.spots(21))
	assert.Equal(t, 0, f.spots(1))

	_, err = f.FindSpots(context.Background(), "/dls/sim/data/other.h5", nil)
	assert.Error(t, err)
}

func TestSimulatedScanFindsCrystal(t *testing.T) {
	res, err := simulate(context.Background(), testOptions(), io.Discard)
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, "ok", res.Status)
	require.NotNil(t, res.BestImage)
	assert.Equal(t, 22, *res.BestImage)
	assert.Equal(t, 200, *res.ReflectionsInBestImage)
	assert.Equal(t, &[2]int{5, 2}, res.MaxVoxel)
	// the crystal and its four edge neighbours pass the half-max threshold
	assert.Equal(t, 5, res.NVoxels)
	assert.InDelta(t, 5.5, *res.CentreXBox, 1e-9)
	assert.InDelta(t, 2.5, *res.CentreYBox, 1e-9)
}

func TestSimulationResumesFromJournal(t *testing.T) {
	o := testOptions()
	o.journal = t.TempDir()

	// a request accepted before the process died
	b, err := bus.NewBroker(bus.Config{
		JournalPath:  filepath.Join(o.journal, "bus.journal"),
		SnapshotPath: filepath.Join(o.journal, "bus.snapshot"),
	})
	require.NoError(t, err)
	require.NoError(t, b.Start())
	body, err := bus.Marshal(request(o))
	require.NoError(t, err)
	require.NoError(t, b.Send(context.Background(), dispatcher.Channel, body, bus.SendOptions{}))
	b.Stop()

	var out strings.Builder
	res, err := simulate(context.Background(), o, &out)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 22, *res.BestImage)
	assert.Contains(t, out.String(), "Found 1 messages from a previous run")
	assert.NotContains(t, out.String(), "Submitted")
}

func TestSimulateRejectsEmptyGrid(t *testing.T) {
	o := testOptions()
	o.stepsY = 0
	_, err := simulate(context.Background(), o, io.Discard)
	assert.Error(t, err)
}
