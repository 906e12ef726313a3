// Package strategy turns an upstream resolution estimate into data
// collection strategies. Each agamemnon recipe of the beamline is scaled
// to the measured wavelength and resolution and written to ISPyB as a
// screening output, strategy, wedges and sub-wedges.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/mxflow/internal/ispyb"
	"github.com/ChuLiYu/mxflow/internal/recipe"
	"github.com/ChuLiYu/mxflow/internal/runtime"
)

// Channel is where strategy requests arrive.
const Channel = "strategy"

// OutletISPyB receives one command list per recipe.
const OutletISPyB = "ispyb"

var log = slog.Default()

// DefaultRecipeDir locates a beamline's recipes; {beamline} is replaced.
const DefaultRecipeDir = "/dls_sw/{beamline}/etc/agamemnon-recipes"

var (
	ErrMissingParameter = errors.New("strategy: missing parameter")
	ErrInvalidStep      = errors.New("strategy: invalid recipe step")
	ErrZeroScale        = errors.New("strategy: scaled value cannot be zero")
)

// RecipeFile is an agamemnon recipe and the name strategies from it are
// filed under.
type RecipeFile struct {
	File  string
	Alias string
}

// DefaultRecipes are the recipes every beamline provides.
var DefaultRecipes = []RecipeFile{
	{File: "OSC.yaml", Alias: "OSC"},
	{File: "Ligand binding.yaml", Alias: "Ligand"},
}

// Limits is an inclusive range.
type Limits struct{ Min, Max float64 }

func (l Limits) apply(v float64) float64 { return math.Max(l.Min, math.Min(l.Max, v)) }

// Config configures the service.
type Config struct {
	RecipeDir          string
	Recipes            []RecipeFile
	TransmissionLimits Limits
	ExposureLimits     Limits
}

// Service is the strategy service.
type Service struct {
	cfg Config
}

// New returns the service with defaults for unset fields.
func New(cfg Config) *Service {
	if cfg.RecipeDir == "" {
		cfg.RecipeDir = DefaultRecipeDir
	}
	if len(cfg.Recipes) == 0 {
		cfg.Recipes = DefaultRecipes
	}
	if cfg.TransmissionLimits == (Limits{}) {
		cfg.TransmissionLimits = Limits{Min: 0.0001, Max: 1.0}
	}
	if cfg.ExposureLimits == (Limits{}) {
		cfg.ExposureLimits = Limits{Min: 0.001, Max: 1.0}
	}
	return &Service{cfg: cfg}
}

func (s *Service) Name() string { return "Strategy" }

func (s *Service) Initialize(ctx context.Context, rt *runtime.Runtime) error {
	rt.Logger().Info("Strategy service starting", "recipes", len(s.cfg.Recipes))
	return rt.Subscribe(Channel, runtime.SubscribeOptions{}, s.generate)
}

// ============================================================================
// Agamemnon recipes
// ============================================================================

// Step is one sweep of an agamemnon recipe.
type Step struct {
	Chi            float64 `yaml:"chi"`
	Comment        string  `yaml:"comment"`
	ExposureTime   float64 `yaml:"exposure_time"`
	Dose           float64 `yaml:"dose"`
	Kappa          float64 `yaml:"kappa"`
	NumberOfImages int     `yaml:"number_of_images"`
	OmegaIncrement float64 `yaml:"omega_increment"`
	OmegaOverlap   float64 `yaml:"omega_overlap"`
	OmegaStart     float64 `yaml:"omega_start"`
	PhiIncrement   float64 `yaml:"phi_increment"`
	PhiOverlap     float64 `yaml:"phi_overlap"`
	PhiStart       float64 `yaml:"phi_start"`
	ScanAxis       string  `yaml:"scan_axis"`
	Transmission   float64 `yaml:"transmission"`
	TwoTheta       float64 `yaml:"two_theta"`
	Wavelength     float64 `yaml:"wavelength"`
}

var stepFields = []string{
	"chi", "comment", "exposure_time", "dose", "kappa", "number_of_images",
	"omega_increment", "omega_overlap", "omega_start", "phi_increment",
	"phi_overlap", "phi_start", "scan_axis", "transmission", "two_theta", "wavelength",
}

// rotation returns the start and increment along the scan axis.
func (st Step) rotation() (start, increment float64, err error) {
	switch st.ScanAxis {
	case "omega":
		return st.OmegaStart, st.OmegaIncrement, nil
	case "phi":
		return st.PhiStart, st.PhiIncrement, nil
	}
	return 0, 0, fmt.Errorf("%w: unknown scan axis %q", ErrInvalidStep, st.ScanAxis)
}

func (st Step) validate() error {
	var errs []error
	positive := func(name string, v float64) {
		if !(v > 0) {
			errs = append(errs, fmt.Errorf("%s must be greater than 0, got %v", name, v))
		}
	}
	positive("exposure_time", st.ExposureTime)
	positive("dose", st.Dose)
	positive("number_of_images", float64(st.NumberOfImages))
	positive("omega_increment", st.OmegaIncrement)
	positive("transmission", st.Transmission)
	positive("wavelength", st.Wavelength)
	if _, _, err := st.rotation(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidStep, err)
	}
	return nil
}

// steps holds the decoded steps of a recipe. bad is the error of the first
// invalid step; steps from there on are dropped.
type steps struct {
	list []Step
	bad  error
}

// LoadRecipe reads an agamemnon recipe: a YAML list of steps.
func LoadRecipe(path string) ([]Step, error) {
	s, err := loadRecipe(path)
	if err != nil {
		return nil, err
	}
	return s.list, s.bad
}

func loadRecipe(path string) (steps, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return steps{}, err
	}
	var nodes []yaml.Node
	if err := yaml.Unmarshal(data, &nodes); err != nil {
		return steps{}, fmt.Errorf("strategy: %s: %w", path, err)
	}

	var out steps
	for i := range nodes {
		n := i + 1
		var fields map[string]any
		if err := nodes[i].Decode(&fields); err != nil {
			out.bad = fmt.Errorf("%w %d: %v", ErrInvalidStep, n, err)
			break
		}
		var missing []string
		for _, f := range stepFields {
			if _, ok := fields[f]; !ok {
				missing = append(missing, f)
			}
		}
		if len(missing) > 0 {
			out.bad = fmt.Errorf("%w %d: missing %s", ErrInvalidStep, n, strings.Join(missing, ", "))
			break
		}
		var st Step
		if err := nodes[i].Decode(&st); err != nil {
			out.bad = fmt.Errorf("%w %d: %v", ErrInvalidStep, n, err)
			break
		}
		if err := st.validate(); err != nil {
			out.bad = fmt.Errorf("step %d: %w", n, err)
			break
		}
		out.list = append(out.list, st)
	}
	return out, nil
}

// ============================================================================
// Scaling
// ============================================================================

// scaleParameter scales value and clamps it. The returned factor is the
// part of the scaling the clamp prevented, to be carried to the next
// parameter.
func scaleParameter(value, factor float64, limits *Limits) (float64, float64, error) {
	ref := value * factor
	scaled := ref
	if limits != nil {
		scaled = limits.apply(ref)
	}
	if scaled == 0 {
		return 0, 0, ErrZeroScale
	}
	return scaled, ref / scaled, nil
}

func resolutionScale(resolution float64) float64 {
	return resolution*resolution - 0.4*resolution + 0.5
}

func wavelengthScale(wavelength, reference float64) float64 {
	return math.Pow(reference/wavelength, 2)
}

// Sweep is a recipe step adapted to the sample.
type Sweep struct {
	Dose, Transmission, ExposureTime float64
}

// Scale adapts a step to wavelength and resolution. Dose follows the
// combined scale; transmission and exposure time absorb it in turn, the
// larger change going to transmission first.
func (s *Service) Scale(st Step, wavelength, resolution float64) (Sweep, error) {
	scale := wavelengthScale(wavelength, st.Wavelength) * resolutionScale(resolution)
	dose, _, err := scaleParameter(st.Dose, scale, nil)
	if err != nil {
		return Sweep{}, err
	}
	transmission, exposure := st.Transmission, st.ExposureTime
	tl, el := s.cfg.TransmissionLimits, s.cfg.ExposureLimits
	// the two limits interact, so a second pass settles what the first
	// clamped
	for range 2 {
		if scale > 1 {
			if transmission, scale, err = scaleParameter(transmission, scale, &tl); err != nil {
				return Sweep{}, err
			}
			if exposure, scale, err = scaleParameter(exposure, scale, &el); err != nil {
				return Sweep{}, err
			}
		} else {
			if exposure, scale, err = scaleParameter(exposure, scale, &el); err != nil {
				return Sweep{}, err
			}
			if transmission, scale, err = scaleParameter(transmission, scale, &tl); err != nil {
				return Sweep{}, err
			}
		}
		log.Debug(fmt.Sprintf("Exposure time scaled to %.3f s, transmission scaled to %.3f, scale factor now %.3f", exposure, transmission, scale))
	}
	return Sweep{Dose: dose, Transmission: transmission, ExposureTime: exposure}, nil
}

// ============================================================================
// Handler
// ============================================================================

// first unwraps single-element lists, which is how upstream pipelines
// report per-sweep values.
func first(v any) any {
	if l, ok := v.([]any); ok {
		if len(l) == 0 {
			return nil
		}
		return l[0]
	}
	return v
}

type request struct {
	beamline   string
	wavelength float64
	resolution float64
}

func parseRequest(rw *recipe.Wrapper, msg *runtime.Message) (request, error) {
	var payload struct {
		Parameters map[string]any `json:"parameters"`
	}
	_ = msg.Decode(&payload)
	stepParams, _ := rw.Parameters()["ispyb_parameters"].(map[string]any)
	p := ispyb.NewParams(rw.Environment, payload.Parameters, stepParams)

	value := func(name string) any {
		v := first(p.Get(name))
		if s, ok := v.(string); ok {
			return ispyb.Substitute(s, rw.Environment)
		}
		return v
	}

	var req request
	var errs []error
	req.beamline = recipe.Format(value("beamline"))
	if req.beamline == "" {
		errs = append(errs, fmt.Errorf("%w: beamline", ErrMissingParameter))
	}
	var ok bool
	if req.wavelength, ok = recipe.Float(value("wavelength")); !ok {
		errs = append(errs, fmt.Errorf("%w: wavelength", ErrMissingParameter))
	}
	if req.resolution, ok = recipe.Float(value("resolution")); !ok {
		errs = append(errs, fmt.Errorf("%w: resolution", ErrMissingParameter))
	}
	if err := errors.Join(errs...); err != nil {
		return request{}, err
	}
	if req.wavelength <= 0 {
		return request{}, fmt.Errorf("strategy: wavelength %v is not positive", req.wavelength)
	}
	return req, nil
}

func (s *Service) generate(ctx context.Context, rw *recipe.Wrapper, msg *runtime.Message) runtime.Outcome {
	msg.Log.Info("Received strategy request, generating strategy")
	req, err := parseRequest(rw, msg)
	if err != nil {
		msg.Log.Error("invalid strategy request", "error", err)
		return runtime.Reject(err.Error())
	}
	resolution := math.Max(req.resolution-0.5, 0.9)
	msg.Log.Info("generating strategies", "beamline", req.beamline, "wavelength", req.wavelength, "resolution", resolution)

	outlet := OutletISPyB
	if !rw.HasOutlet(outlet) {
		outlet = ""
	}
	dir := strings.ReplaceAll(s.cfg.RecipeDir, "{beamline}", req.beamline)
	for _, rf := range s.cfg.Recipes {
		path := filepath.Join(dir, rf.File)
		loaded, err := loadRecipe(path)
		if err != nil {
			msg.Log.Error("cannot read agamemnon recipe", "recipe", path, "error", err)
			return runtime.Reject(err.Error())
		}
		if loaded.bad != nil {
			msg.Log.Error("Invalid recipe step", "recipe", path, "error", loaded.bad)
		}

		commands, err := s.commands(rf, loaded.list, req.wavelength, resolution)
		if err != nil {
			msg.Log.Error("cannot scale agamemnon recipe", "recipe", path, "error", err)
			return runtime.Reject(err.Error())
		}
		if err := rw.SendTo(outlet, map[string]any{ispyb.KeyCommandList: commands}); err != nil {
			return runtime.Nack{Requeue: true, Reason: err.Error()}
		}
		msg.Log.Info(fmt.Sprintf("Sent %d commands to ISPyB", len(commands)), "recipe", rf.Alias)
	}
	msg.Log.Info("Strategy generation complete")
	return runtime.Ack{}
}

// commands builds the ISPyB command list for one recipe. Each record is
// linked to its parent through the identifier the parent stored.
func (s *Service) commands(rf RecipeFile, list []Step, wavelength, resolution float64) ([]any, error) {
	commands := []any{
		map[string]any{
			ispyb.KeyCommand:     "insert_screening_output",
			"program":            "udc-strategy",
			"strategysuccess":    1,
			"screening_id":       "$ispyb_screening_id",
			ispyb.KeyStoreResult: "ispyb_screening_output_id",
		},
		map[string]any{
			ispyb.KeyCommand:      "insert_screening_strategy",
			"program":             "udc-strategy: " + rf.Alias,
			"screening_output_id": "$ispyb_screening_output_id",
			ispyb.KeyStoreResult:  "ispyb_screening_strategy_id",
		},
	}
	for i, st := range list {
		n := i + 1
		sweep, err := s.Scale(st, wavelength, resolution)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", n, err)
		}
		start, increment, _ := st.rotation()
		wedge := fmt.Sprintf("ispyb_screening_strategy_wedge_id_%d", n)
		commands = append(commands,
			map[string]any{
				ispyb.KeyCommand:        "insert_screening_strategy_wedge",
				"wedgenumber":           n,
				"resolution":            resolution,
				"phi":                   st.PhiStart,
				"chi":                   st.Chi,
				"kappa":                 st.Kappa,
				"wavelength":            wavelength,
				"dosetotal":             sweep.Dose,
				"screening_strategy_id": "$ispyb_screening_strategy_id",
				ispyb.KeyStoreResult:    wedge,
			},
			map[string]any{
				ispyb.KeyCommand:              "insert_screening_strategy_sub_wedge",
				"subwedgenumber":              1,
				"rotationaxis":                st.ScanAxis,
				"axisstart":                   start,
				"axisend":                     start + increment*float64(st.NumberOfImages),
				"exposuretime":                sweep.ExposureTime,
				"transmission":                sweep.Transmission,
				"oscillationrange":            increment,
				"numberOfImages":              st.NumberOfImages,
				"resolution":                  resolution,
				"screening_strategy_wedge_id": "$" + wedge,
				ispyb.KeyStoreResult:          fmt.Sprintf("ispyb_screening_strategy_sub_wedge_id_%d", n),
			},
		)
	}
	return commands, nil
}
