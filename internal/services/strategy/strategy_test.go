package strategy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	st "github.com/ChuLiYu/mxflow/internal/services/servicetest"
)

const oscRecipe = `
- chi: 0
  comment: OSC
  exposure_time: 0.02
  dose: 1.2
  kappa: 0
  number_of_images: 3600
  omega_increment: 0.1
  omega_overlap: 0
  omega_start: 0
  phi_increment: 0.1
  phi_overlap: 0
  phi_start: 0
  scan_axis: omega
  transmission: 0.5
  two_theta: 0
  wavelength: 0.9762
`

const ligandRecipe = `
- chi: 0
  comment: Ligand low
  exposure_time: 0.02
  dose: 1.0
  kappa: 0
  number_of_images: 1800
  omega_increment: 0.2
  omega_overlap: 0
  omega_start: 10
  phi_increment: 0.2
  phi_overlap: 0
  phi_start: 30
  scan_axis: phi
  transmission: 0.8
  two_theta: 0
  wavelength: 0.9762
- chi: 0
  comment: broken
  exposure_time: 0
`

func recipeDir(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "i03", "etc")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "OSC.yaml"), []byte(oscRecipe), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Ligand binding.yaml"), []byte(ligandRecipe), 0o644))
	return filepath.Join(root, "{beamline}", "etc")
}

func strategyRecipe(t *testing.T) string {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"1": map[string]any{
			"service": "Strategy", "queue": Channel,
			"parameters": map[string]any{"ispyb_parameters": map[string]any{"beamline": "i03", "resolution": "$res"}},
			"output":     map[string]any{"ispyb": 2},
		},
		"2":     map[string]any{"queue": "strategy.ispyb"},
		"start": []any{[]any{1, map[string]any{}}},
	})
	require.NoError(t, err)
	return string(raw)
}

func command(t *testing.T, list []any, name string, n int) map[string]any {
	t.Helper()
	seen := 0
	for _, c := range list {
		m := c.(map[string]any)
		if m["ispyb_command"] == name {
			seen++
			if seen == n {
				return m
			}
		}
	}
	t.Fatalf("no command %s #%d", name, n)
	return nil
}

func TestGeneratesCommandListPerRecipe(t *testing.T) {
	b := st.Broker(t)
	out := st.Collect(t, b, "strategy.ispyb")
	st.Start(t, b, New(Config{RecipeDir: recipeDir(t)}))

	st.SendStep(t, b, strategyRecipe(t), 1, map[string]any{"ispyb_screening_id": 5, "res": 1.8},
		map[string]any{"parameters": map[string]any{"wavelength": []any{0.9762}}})
	require.Eventually(t, func() bool { return out.Count() == 2 }, st.WaitFor, st.Tick)

	byProgram := map[string][]any{}
	for _, p := range out.Payloads(t) {
		list := p["ispyb_command_list"].([]any)
		byProgram[command(t, list, "insert_screening_strategy", 1)["program"].(string)] = list
	}
	osc := byProgram["udc-strategy: OSC"]
	ligand := byProgram["udc-strategy: Ligand"]
	assert.Len(t, osc, 4)
	assert.Len(t, ligand, 4, "steps after an invalid one are dropped")

	assert.Equal(t, "$ispyb_screening_id", command(t, osc, "insert_screening_output", 1)["screening_id"])

	// resolution 1.3 scales by 1.67: transmission takes all of it
	wedge := command(t, osc, "insert_screening_strategy_wedge", 1)
	assert.InDelta(t, 1.3, wedge["resolution"], 1e-9)
	assert.InDelta(t, 1.2*1.67, wedge["dosetotal"], 1e-9)
	sub := command(t, osc, "insert_screening_strategy_sub_wedge", 1)
	assert.InDelta(t, 0.835, sub["transmission"], 1e-9)
	assert.InDelta(t, 0.02, sub["exposuretime"], 1e-9)
	assert.InDelta(t, 360.0, sub["axisend"], 1e-9)
	assert.Equal(t, "$ispyb_screening_strategy_wedge_id_1", sub["screening_strategy_wedge_id"])

	// transmission clamps at 1 and exposure time takes the rest
	sub = command(t, ligand, "insert_screening_strategy_sub_wedge", 1)
	assert.Equal(t, "phi", sub["rotationaxis"])
	assert.InDelta(t, 30.0, sub["axisstart"], 1e-9)
	assert.InDelta(t, 390.0, sub["axisend"], 1e-9)
	assert.InDelta(t, 1.0, sub["transmission"], 1e-9)
	assert.InDelta(t, 0.02*1.336, sub["exposuretime"], 1e-9)
}

func TestMissingParametersAreRejected(t *testing.T) {
	b := st.Broker(t)
	dlq := st.Collect(t, b, "dlq."+Channel)
	st.Start(t, b, New(Config{RecipeDir: recipeDir(t)}))

	st.SendStep(t, b, strategyRecipe(t), 1, nil, map[string]any{})
	require.Eventually(t, func() bool { return dlq.Count() == 1 }, st.WaitFor, st.Tick)
}

func TestMissingRecipeIsRejected(t *testing.T) {
	b := st.Broker(t)
	dlq := st.Collect(t, b, "dlq."+Channel)
	out := st.Collect(t, b, "strategy.ispyb")
	st.Start(t, b, New(Config{RecipeDir: t.TempDir()}))

	st.SendStep(t, b, strategyRecipe(t), 1, map[string]any{"res": 2.0},
		map[string]any{"parameters": map[string]any{"wavelength": 0.9}})
	require.Eventually(t, func() bool { return dlq.Count() == 1 }, st.WaitFor, st.Tick)
	assert.Zero(t, out.Count())
}

func TestScale(t *testing.T) {
	s := New(Config{})
	step := Step{Dose: 1, Transmission: 0.1, ExposureTime: 0.5, Wavelength: 1.0}

	// half the reference wavelength quarters the scale
	sweep, err := s.Scale(step, 2.0, 1.0)
	require.NoError(t, err)
	scale := 0.25 * 1.1
	assert.InDelta(t, scale, sweep.Dose, 1e-9)
	assert.InDelta(t, 0.5*scale, sweep.ExposureTime, 1e-9)
	assert.InDelta(t, 0.1, sweep.Transmission, 1e-9)

	// exposure time floors at its lower limit and transmission takes over
	step.ExposureTime = 0.002
	sweep, err = s.Scale(step, 2.0, 1.0)
	require.NoError(t, err)
	assert.InDelta(t, 0.001, sweep.ExposureTime, 1e-9)
	assert.InDelta(t, 0.1*0.002*scale/0.001, sweep.Transmission, 1e-9)

	_, _, err = scaleParameter(0, 2, nil)
	assert.ErrorIs(t, err, ErrZeroScale)
}

func TestLoadRecipe(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "r.yaml")
	require.NoError(t, os.WriteFile(path, []byte(ligandRecipe), 0o644))
	list, err := LoadRecipe(path)
	assert.ErrorIs(t, err, ErrInvalidStep)
	require.Len(t, list, 1)
	assert.Equal(t, 1800, list[0].NumberOfImages)

	require.NoError(t, os.WriteFile(path, []byte("- chi: [unclosed"), 0o644))
	_, err = LoadRecipe(path)
	assert.Error(t, err)
}
