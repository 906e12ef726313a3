package dispatcher

import (
	"context"
	"errors"

	"github.com/ChuLiYu/mxflow/internal/ispyb"
)

// StoreMetadata answers readiness and enrichment from the metadata store.
type StoreMetadata struct {
	Store ispyb.Store
}

// enrichment maps data_collection columns to the parameters they fill.
var enrichment = [][2]string{
	{"beamline", "ispyb_beamline"},
	{"image_directory", "ispyb_image_directory"},
	{"file_template", "ispyb_image_template"},
	{"wavelength", "ispyb_wavelength"},
	{"number_of_images", "ispyb_image_count"},
	{"start_image_number", "ispyb_image_first"},
	{"run_status", "ispyb_run_status"},
}

func dcid(params map[string]any) int64 {
	f, ok := toFloat(params["ispyb_dcid"])
	if !ok || f <= 0 {
		return 0
	}
	return int64(f)
}

// Ready holds back requests asking for ispyb_wait_for_runstatus until the
// data collection has a run status.
func (m StoreMetadata) Ready(ctx context.Context, params map[string]any) (bool, error) {
	if wait, _ := params["ispyb_wait_for_runstatus"].(bool); !wait {
		return true, nil
	}
	id := dcid(params)
	if id == 0 {
		return true, nil
	}
	row, err := m.Store.Get(ctx, "data_collection", id)
	if errors.Is(err, ispyb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return row["run_status"] != nil, nil
}

// Enrich copies data collection fields into params without overwriting
// values the request already carries.
func (m StoreMetadata) Enrich(ctx context.Context, params map[string]any) error {
	id := dcid(params)
	if id == 0 {
		return nil
	}
	row, err := m.Store.Get(ctx, "data_collection", id)
	if errors.Is(err, ispyb.ErrNotFound) {
		log.Debug("no data collection to enrich from", "dcid", id)
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range enrichment {
		if _, set := params[e[1]]; set {
			continue
		}
		if v := row[e[0]]; v != nil {
			params[e[1]] = v
		}
	}
	return nil
}
