package mimassvc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/mxflow/internal/mimas"
	st "github.com/ChuLiYu/mxflow/internal/services/servicetest"
)

func mimasRecipe(params string) string {
	return `{
  "1": {"service": "Mimas", "queue": "mimas", "parameters": ` + params + `,
        "output": {"default": 2, "ispyb": 3}},
  "2": {"service": "Dispatcher", "queue": "processing_recipe"},
  "3": {"service": "ISPyB connector", "queue": "ispyb"},
  "start": [[1, {}]]
}`
}

func start(t *testing.T) (dispatch, ispyb, dlq *st.Sink, send func(params string)) {
	t.Helper()
	b := st.Broker(t)
	dispatch = st.Collect(t, b, "processing_recipe")
	ispyb = st.Collect(t, b, "ispyb")
	dlq = st.Collect(t, b, "dlq."+Channel)
	engine, err := mimas.NewEngine(mimas.DefaultConfig())
	require.NoError(t, err)
	st.Start(t, b, New(engine))
	return dispatch, ispyb, dlq, func(params string) {
		st.SendStep(t, b, mimasRecipe(params), 1, nil, map[string]any{})
	}
}

func TestGridscanStartDispatchesSpotFinding(t *testing.T) {
	dispatch, ispyb, _, send := start(t)
	send(`{"dcid": "6017516", "event": "start", "detectorclass": "eiger",
	       "dc_class": "gridscan", "beamline": "i03", "is_grid_scan": true}`)

	require.Eventually(t, func() bool { return dispatch.Count() == 1 }, st.WaitFor, st.Tick)
	got := dispatch.Payloads(t)[0]
	assert.Equal(t, []any{"per-image-analysis-gridscan-swmr"}, got["recipes"])
	assert.Equal(t, map[string]any{"ispyb_dcid": float64(6017516)}, got["parameters"])
	assert.Zero(t, ispyb.Count())
}

func TestRotationEndRegistersJobs(t *testing.T) {
	dispatch, ispyb, _, send := start(t)
	send(`{"dcid": "6061343", "event": "end", "beamline": "i24",
	       "run_status": "DataCollection Successful", "dc_class": "rotation",
	       "detectorclass": "PILATUS", "space_group": "P 43 21 2",
	       "sweep_list": [[6061343, 1, 3600]], "preferred_processing": "xia2/DIALS",
	       "diffraction_plan_info": {"anomalousScatterer": "se"}}`)

	require.Eventually(t, func() bool { return dispatch.Count() == 2 && ispyb.Count() == 7 }, st.WaitFor, st.Tick)

	recipes := map[any]bool{}
	for _, p := range dispatch.Payloads(t) {
		recipes[p["recipes"].([]any)[0]] = true
	}
	assert.Equal(t, map[any]bool{"generate-crystal-thumbnails": true, "processing-rlv": true}, recipes)

	triggered := 0
	for _, p := range ispyb.Payloads(t) {
		assert.Equal(t, "create_ispyb_job", p["ispyb_command"])
		assert.Equal(t, float64(6061343), p["DCID"])
		assert.Equal(t, "automatic", p["source"])
		if p["autostart"] == true {
			triggered++
		}
	}
	assert.Equal(t, 3, triggered)
}

func TestInvalidRequestsAreRejected(t *testing.T) {
	dispatch, ispyb, dlq, send := start(t)
	send(`{"dcid": "abc", "event": "start"}`)
	send(`{"dcid": "42", "event": "middle"}`)

	require.Eventually(t, func() bool { return dlq.Count() == 2 }, st.WaitFor, st.Tick)
	assert.Zero(t, dispatch.Count())
	assert.Zero(t, ispyb.Count())
}
