package centering

import (
	"fmt"
	"strconv"
	"strings"
)

// Status values of a Result.
const (
	StatusOK   = "ok"
	StatusFail = "fail"
)

// Params are the inputs of one centering computation besides the counts.
type Params struct {
	Grid
	// BoxSizePx is the size of one grid box in snapshot pixels (x, y).
	BoxSizePx [2]float64
	// SnapshotOffset is the pixel position of the grid's top left corner.
	SnapshotOffset [2]float64
}

// Result is the centering outcome. Only the centre and status fields are
// consumed by beamline control; the rest documents how it was reached.
type Result struct {
	Steps          [2]int     `json:"steps"`
	BoxSizePx      [2]float64 `json:"box_size_px"`
	SnapshotOffset [2]float64 `json:"snapshot_offset"`

	CentreX    *float64 `json:"centre_x"`
	CentreY    *float64 `json:"centre_y"`
	CentreXBox *float64 `json:"centre_x_box"`
	CentreYBox *float64 `json:"centre_y_box"`
	Status     string   `json:"status"`
	Message    string   `json:"message"`

	BestImage              *int    `json:"best_image"`
	ReflectionsInBestImage *int    `json:"reflections_in_best_image"`
	BestRegion             []Cell  `json:"best_region"`
	MaxVoxel               *[2]int `json:"max_voxel"`
	NVoxels                int     `json:"n_voxels"`
	TotalCount             int     `json:"total_count"`
}

// Compute runs the full centering pipeline over counts given in image
// order. The second return value is a human-readable account of the run.
func Compute(data []int, p Params) (*Result, string, error) {
	res := &Result{
		Steps:          [2]int{p.StepsX, p.StepsY},
		BoxSizePx:      p.BoxSizePx,
		SnapshotOffset: p.SnapshotOffset,
		Status:         StatusFail,
		Message:        StatusFail,
	}
	var out strings.Builder
	fmt.Fprintf(&out, "steps_x/y: %d, %d\n", p.StepsX, p.StepsY)
	fmt.Fprintf(&out, "box_size_px: %s, %s\n", ftoa(p.BoxSizePx[0]), ftoa(p.BoxSizePx[1]))
	fmt.Fprintf(&out, "snapshot_offset: %s, %s\n", ftoa(p.SnapshotOffset[0]), ftoa(p.SnapshotOffset[1]))

	grid, err := Reshape(data, p.Grid)
	if err != nil {
		return nil, "", err
	}

	best, max := 0, data[0]
	for i, v := range data {
		if v > max {
			best, max = i, v
		}
	}
	if max == 0 {
		res.Message = "No good images found"
		out.WriteString(res.Message + "\n")
		return res, out.String(), nil
	}

	bestImage := best + 1
	res.BestImage = &bestImage
	res.ReflectionsInBestImage = &max
	pos := p.Position(best)
	res.MaxVoxel = &[2]int{pos.Col, pos.Row}
	fmt.Fprintf(&out, "There are %d reflections in image #%d.\n", max, bestImage)

	thresholded := Threshold(grid, max)
	out.WriteString("grid:\n")
	out.WriteString(FormatGrid(thresholded))

	region := Dominant(Components(thresholded), thresholded)
	res.BestRegion = region
	res.NVoxels = len(region)
	res.TotalCount = regionSum(region, thresholded)

	bx, by := Centroid(region)
	cx := p.SnapshotOffset[0] + bx*p.BoxSizePx[0]
	cy := p.SnapshotOffset[1] + by*p.BoxSizePx[1]
	res.CentreXBox, res.CentreYBox = &bx, &by
	res.CentreX, res.CentreY = &cx, &cy
	res.Status, res.Message = StatusOK, StatusOK
	fmt.Fprintf(&out, "centre_x,centre_y=%s,%s\n", ftoa(cx), ftoa(cy))
	return res, out.String(), nil
}

// FormatGrid renders a grid with zero cells shown as dots, one row per
// line.
func FormatGrid(grid [][]int) string {
	width := 1
	for _, row := range grid {
		for _, v := range row {
			if n := len(strconv.Itoa(v)); n > width {
				width = n
			}
		}
	}
	var b strings.Builder
	for _, row := range grid {
		b.WriteByte('[')
		for c, v := range row {
			if c > 0 {
				b.WriteByte(' ')
			}
			cell := "."
			if v != 0 {
				cell = strconv.Itoa(v)
			}
			b.WriteString(strings.Repeat(" ", width-len(cell)))
			b.WriteString(cell)
		}
		b.WriteString("]\n")
	}
	return b.String()
}

func ftoa(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }
