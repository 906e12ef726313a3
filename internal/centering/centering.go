// Package centering finds the X-ray centering position of a 2D grid scan
// from per-image spot counts.
//
// The scan is laid out on a physical grid (rows along y, columns along x),
// undoing snaked traversal. Cells below half the maximum count are dropped,
// the rest are grouped into 8-connected regions and the centroid of the
// dominant region is converted to snapshot pixel coordinates.
package centering

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Orientation is the fast scan axis of the grid.
type Orientation string

const (
	Horizontal Orientation = "horizontal"
	Vertical   Orientation = "vertical"
)

var (
	ErrBadGrid        = errors.New("centering: grid dimensions must be positive")
	ErrDataSize       = errors.New("centering: data length does not match grid")
	ErrOrientation    = errors.New("centering: unknown orientation")
	ErrNegativeCounts = errors.New("centering: spot counts must not be negative")
)

// ParseOrientation accepts "horizontal" or "vertical".
func ParseOrientation(s string) (Orientation, error) {
	switch o := Orientation(strings.ToLower(strings.TrimSpace(s))); o {
	case Horizontal, Vertical:
		return o, nil
	}
	return "", fmt.Errorf("%w: %q", ErrOrientation, s)
}

// Grid describes how images were collected.
type Grid struct {
	StepsX      int
	StepsY      int
	Snaked      bool
	Orientation Orientation
}

// Images is the number of images in the scan.
func (g Grid) Images() int { return g.StepsX * g.StepsY }

func (g Grid) validate() error {
	if g.StepsX < 1 || g.StepsY < 1 {
		return fmt.Errorf("%w: %dx%d", ErrBadGrid, g.StepsX, g.StepsY)
	}
	if g.Orientation != Horizontal && g.Orientation != Vertical {
		return fmt.Errorf("%w: %q", ErrOrientation, g.Orientation)
	}
	return nil
}

// Position maps a zero-based image index to its physical cell.
func (g Grid) Position(image int) Cell {
	if g.Orientation == Vertical {
		col, row := image/g.StepsY, image%g.StepsY
		if g.Snaked && col%2 == 1 {
			row = g.StepsY - 1 - row
		}
		return Cell{Row: row, Col: col}
	}
	row, col := image/g.StepsX, image%g.StepsX
	if g.Snaked && row%2 == 1 {
		col = g.StepsX - 1 - col
	}
	return Cell{Row: row, Col: col}
}

// Cell is a grid position. It encodes as [row, col].
type Cell struct {
	Row int
	Col int
}

// MarshalJSON implements json.Marshaler.
func (c Cell) MarshalJSON() ([]byte, error) {
	return []byte("[" + strconv.Itoa(c.Row) + "," + strconv.Itoa(c.Col) + "]"), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Cell) UnmarshalJSON(data []byte) error {
	var rc []int
	if err := json.Unmarshal(data, &rc); err != nil {
		return fmt.Errorf("centering: cell: %w", err)
	}
	if len(rc) != 2 {
		return fmt.Errorf("centering: cell needs [row, col], got %d values", len(rc))
	}
	c.Row, c.Col = rc[0], rc[1]
	return nil
}

// Reshape lays the per-image counts out on the physical grid, indexed
// [row][col].
func Reshape(data []int, g Grid) ([][]int, error) {
	if err := g.validate(); err != nil {
		return nil, err
	}
	if len(data) != g.Images() {
		return nil, fmt.Errorf("%w: %d values for %dx%d", ErrDataSize, len(data), g.StepsX, g.StepsY)
	}
	grid := make([][]int, g.StepsY)
	for r := range grid {
		grid[r] = make([]int, g.StepsX)
	}
	for i, v := range data {
		if v < 0 {
			return nil, fmt.Errorf("%w: image %d has %d", ErrNegativeCounts, i+1, v)
		}
		c := g.Position(i)
		grid[c.Row][c.Col] = v
	}
	return grid, nil
}

// Threshold zeroes every cell below half of max.
func Threshold(grid [][]int, max int) [][]int {
	out := make([][]int, len(grid))
	for r, row := range grid {
		out[r] = make([]int, len(row))
		for c, v := range row {
			if 2*v >= max {
				out[r][c] = v
			}
		}
	}
	return out
}

// Components groups non-zero cells into 8-connected regions by flood fill.
// Regions are ordered by their first cell in row-major order and cells
// within a region are sorted row-major.
func Components(grid [][]int) [][]Cell {
	seen := make([][]bool, len(grid))
	for r := range grid {
		seen[r] = make([]bool, len(grid[r]))
	}

	var regions [][]Cell
	for r := range grid {
		for c := range grid[r] {
			if grid[r][c] == 0 || seen[r][c] {
				continue
			}
			var region []Cell
			queue := []Cell{{r, c}}
			seen[r][c] = true
			for len(queue) > 0 {
				cur := queue[0]
				queue = queue[1:]
				region = append(region, cur)
				for dr := -1; dr <= 1; dr++ {
					for dc := -1; dc <= 1; dc++ {
						nr, nc := cur.Row+dr, cur.Col+dc
						if nr < 0 || nr >= len(grid) || nc < 0 || nc >= len(grid[nr]) {
							continue
						}
						if grid[nr][nc] == 0 || seen[nr][nc] {
							continue
						}
						seen[nr][nc] = true
						queue = append(queue, Cell{nr, nc})
					}
				}
			}
			sortCells(region)
			regions = append(regions, region)
		}
	}
	return regions
}

func sortCells(cells []Cell) {
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].Row != cells[j].Row {
			return cells[i].Row < cells[j].Row
		}
		return cells[i].Col < cells[j].Col
	})
}

// Dominant picks the region with most cells, breaking ties by the larger
// total count and then by order.
func Dominant(regions [][]Cell, grid [][]int) []Cell {
	var best []Cell
	bestSum := -1
	for _, region := range regions {
		sum := regionSum(region, grid)
		if len(region) > len(best) || (len(region) == len(best) && sum > bestSum) {
			best, bestSum = region, sum
		}
	}
	return best
}

func regionSum(region []Cell, grid [][]int) int {
	sum := 0
	for _, c := range region {
		sum += grid[c.Row][c.Col]
	}
	return sum
}

// Centroid is the unweighted centre of a region in box units, measured
// from the top left corner of the grid (cell centres sit at +0.5).
func Centroid(region []Cell) (x, y float64) {
	if len(region) == 0 {
		return 0, 0
	}
	for _, c := range region {
		x += float64(c.Col) + 0.5
		y += float64(c.Row) + 0.5
	}
	n := float64(len(region))
	return x / n, y / n
}

// BoxSizePx converts a grid step in millimetres to snapshot pixels.
func BoxSizePx(stepMM, pixelsPerMicron float64) float64 {
	if pixelsPerMicron == 0 {
		return 0
	}
	return 1000 * stepMM / pixelsPerMicron
}
