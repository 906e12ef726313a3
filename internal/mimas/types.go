package mimas

// ============================================================================
// Mimas value types
// Purpose: describe a data-collection lifecycle event (Scenario) and the
// downstream work it produces (Task). Every value is immutable after
// construction and validated by Validate before use.
// ============================================================================

import (
	"strconv"
	"strings"
)

// Event is the lifecycle event of a data collection.
type Event int

const (
	EventStart Event = iota + 1
	EventEnd
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "START"
	case EventEnd:
		return "END"
	default:
		return "Event(" + strconv.Itoa(int(e)) + ")"
	}
}

// DCClass is the experiment class of a data collection.
type DCClass int

const (
	DCClassUndefined DCClass = iota
	DCClassGridscan
	DCClassRotation
	DCClassScreening
)

func (c DCClass) String() string {
	switch c {
	case DCClassGridscan:
		return "GRIDSCAN"
	case DCClassRotation:
		return "ROTATION"
	case DCClassScreening:
		return "SCREENING"
	default:
		return "UNDEFINED"
	}
}

// DetectorClass groups detectors by the file format they write.
type DetectorClass int

const (
	DetectorUnknown DetectorClass = iota
	DetectorPilatus
	DetectorEiger
)

func (d DetectorClass) String() string {
	switch d {
	case DetectorPilatus:
		return "PILATUS"
	case DetectorEiger:
		return "EIGER"
	default:
		return "unknown"
	}
}

// Sweep is a contiguous image range of one data collection.
type Sweep struct {
	DCID  int `json:"DCID"`
	Start int `json:"start"`
	End   int `json:"end"`
}

// UnitCell holds three cell lengths (Å) and three angles (degrees).
type UnitCell struct {
	A, B, C            float64
	Alpha, Beta, Gamma float64
}

// String joins the six components with commas, e.g. "10.89,8.69,7.77,90.0,103.0,90.0".
func (u UnitCell) String() string {
	parts := []string{
		formatCellValue(u.A), formatCellValue(u.B), formatCellValue(u.C),
		formatCellValue(u.Alpha), formatCellValue(u.Beta), formatCellValue(u.Gamma),
	}
	return strings.Join(parts, ",")
}

// Values returns the cell as a six element array.
func (u UnitCell) Values() [6]float64 {
	return [6]float64{u.A, u.B, u.C, u.Alpha, u.Beta, u.Gamma}
}

// formatCellValue renders a float with the shortest exact representation
// and always keeps a decimal point, so 90 becomes "90.0".
func formatCellValue(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEn") {
		s += ".0"
	}
	return s
}

// Scenario is the validated description of one data-collection event.
type Scenario struct {
	DCID                int
	Event               Event
	Beamline            string
	Visit               string
	RunStatus           string
	DetectorClass       DetectorClass
	DCClass             DCClass
	IsGridScan          bool
	SpaceGroup          *SpaceGroup
	UnitCell            *UnitCell
	AnomalousScatterer  *Element
	PreferredProcessing string
	Sweeps              []Sweep
}

// GridScan reports whether the collection is a raster scan.
func (s *Scenario) GridScan() bool {
	return s.DCClass == DCClassGridscan || s.IsGridScan
}

// HasRelatedCollections reports whether the sweep group contains sweeps
// from data collections other than this one.
func (s *Scenario) HasRelatedCollections() bool {
	if s.DCClass != DCClassRotation {
		return false
	}
	for _, sw := range s.Sweeps {
		if sw.DCID != s.DCID {
			return true
		}
	}
	return false
}

// Parameter is a processing job parameter.
type Parameter struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// TriggerVariable is passed to the trigger service when a job starts.
type TriggerVariable struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Task is a unit of downstream work produced by Decide. It is either a
// RecipeInvocation or a JobInvocation.
type Task interface {
	TaskDCID() int
	isTask()
}

// RecipeInvocation starts a named recipe for a data collection.
type RecipeInvocation struct {
	DCID   int
	Recipe string
}

func (r RecipeInvocation) TaskDCID() int { return r.DCID }
func (RecipeInvocation) isTask()         {}

// JobInvocation registers a parameterised processing job in the metadata
// store, optionally triggering it straight away.
type JobInvocation struct {
	DCID             int
	Autostart        bool
	Recipe           string
	Source           string
	Comment          string
	DisplayName      string
	Parameters       []Parameter
	Sweeps           []Sweep
	TriggerVariables []TriggerVariable
}

func (j JobInvocation) TaskDCID() int { return j.DCID }
func (JobInvocation) isTask()         {}
