// Package xraycentering gathers per-image analysis results of a grid scan
// and reports the X-ray centering position once every image is in.
//
// Messages of one scan are retained rather than acknowledged as they
// arrive. They are settled together with the result, or with an abort when
// the scan goes quiet for longer than the expiry.
package xraycentering

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/mxflow/internal/centering"
	"github.com/ChuLiYu/mxflow/internal/recipe"
	"github.com/ChuLiYu/mxflow/internal/runtime"
	"github.com/ChuLiYu/mxflow/internal/wrapper"
)

// Channel is the exclusive input channel.
const Channel = "reduce.xray_centering"

const (
	OutletSuccess = "success"
	OutletAbort   = "abort"
)

const (
	DefaultGCInterval = time.Minute
	DefaultExpiry     = 15 * time.Minute
	// DefaultPrefetch bounds the retained results across all open scans.
	DefaultPrefetch = 10000
)

// singleImageComment marks 1x1 scans that carry no grid information.
const singleImageComment = "Diffraction grid scan of 1 by 1 images"

var (
	ErrNoGridInfo  = errors.New("xraycentering: called without grid information")
	ErrBadPayload  = errors.New("xraycentering: called without valid payload")
	ErrBadGridInfo = errors.New("xraycentering: invalid grid information")
	ErrNoDCID      = errors.New("xraycentering: dcid missing")
)

// Observer is told how many scans are open after every change.
type Observer interface {
	ActiveScans(n int)
}

type nopObserver struct{}

func (nopObserver) ActiveScans(int) {}

// Config configures the service. Zero values select the defaults.
type Config struct {
	GCInterval time.Duration
	Expiry     time.Duration
	Prefetch   int
	Observer   Observer
	Now        func() time.Time
}

// GridInfo describes the scan as the beamline reported it.
type GridInfo struct {
	StepsX             int
	StepsY             int
	DxMM               float64
	DyMM               float64
	PixelsPerMicronX   float64
	PixelsPerMicronY   float64
	SnapshotOffsetXPix float64
	SnapshotOffsetYPix float64
	Snaked             bool
	Orientation        centering.Orientation
}

// Images is the number of results the scan produces.
func (g GridInfo) Images() int { return g.StepsX * g.StepsY }

// params holds the step parameters the service reads.
type params struct {
	DCID           int64
	Output         string
	Log            string
	ResultsSymlink string
}

// scan is the aggregation state of one data collection.
type scan struct {
	dcid     int64
	grid     GridInfo
	rw       *recipe.Wrapper
	data     []int
	received []bool
	seen     int
	msgs     []*runtime.Message
	last     time.Time
	params   params
}

// Service is the X-ray centering reducer.
type Service struct {
	cfg Config
	rt  *runtime.Runtime

	mu    sync.Mutex
	scans map[int64]*scan
}

// New returns the service.
func New(cfg Config) *Service {
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = DefaultGCInterval
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultExpiry
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = DefaultPrefetch
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{cfg: cfg, scans: make(map[int64]*scan)}
}

func (s *Service) Name() string { return "X-Ray Centering" }

func (s *Service) Initialize(ctx context.Context, rt *runtime.Runtime) error {
	s.rt = rt
	rt.Logger().Info("X-ray centering service starting up")
	if err := rt.RegisterIdle(s.cfg.GCInterval, func(context.Context) { s.collectGarbage() }); err != nil {
		return err
	}
	return rt.Subscribe(Channel, runtime.SubscribeOptions{Exclusive: true, Prefetch: s.cfg.Prefetch}, s.process)
}

// Active returns the number of scans waiting for results.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scans)
}

type piaResult struct {
	FileNumber  *int `json:"file-number"`
	NSpotsTotal *int `json:"n_spots_total"`
}

func (s *Service) process(ctx context.Context, rw *recipe.Wrapper, msg *runtime.Message) runtime.Outcome {
	p, err := readParams(rw.Parameters())
	if err != nil {
		msg.Log.Error("X-ray centering service called with invalid parameters", "error", err)
		return runtime.Reject(err.Error())
	}
	grid, err := readGridInfo(rw.Parameters())
	if errors.Is(err, ErrNoGridInfo) {
		if strings.Contains(rw.ParamString("comment", ""), singleImageComment) {
			msg.Log.Info("X-ray centering service received 1x1 grid scan without information")
			return runtime.Ack{}
		}
	}
	if err != nil {
		msg.Log.Error("X-ray centering service called with invalid grid information", "error", err)
		return runtime.Reject(err.Error())
	}

	var res piaResult
	if err := msg.Decode(&res); err != nil || res.FileNumber == nil || res.NSpotsTotal == nil ||
		*res.FileNumber < 1 || *res.FileNumber > grid.Images() || *res.NSpotsTotal < 0 {
		msg.Log.Error("X-ray centering service called without valid payload")
		return runtime.Reject(ErrBadPayload.Error())
	}

	done, err := s.add(p, grid, rw, msg, *res.FileNumber, *res.NSpotsTotal)
	if err != nil {
		msg.Log.Error("PIA result does not fit the open scan", "error", err)
		return runtime.Reject(err.Error())
	}
	if done == nil {
		return runtime.Retain{}
	}
	if err := s.complete(done); err != nil {
		msg.Log.Error("failed to settle X-ray centering scan", "error", err)
		for _, m := range done.msgs {
			if m != msg {
				if rerr := s.rt.Reject(m, true); rerr != nil {
					msg.Log.Warn("could not release retained message", "error", rerr)
				}
			}
		}
		return runtime.Nack{Requeue: true, Reason: err.Error()}
	}
	return runtime.Retain{}
}

// add records one result and returns the scan once it is complete. A
// complete scan is already removed from the map.
func (s *Service) add(p params, grid GridInfo, rw *recipe.Wrapper, msg *runtime.Message, fileNumber, spots int) (*scan, error) {
	s.mu.Lock()
	defer func() {
		n := len(s.scans)
		s.mu.Unlock()
		s.cfg.Observer.ActiveScans(n)
	}()

	sc, ok := s.scans[p.DCID]
	if !ok {
		sc = &scan{
			dcid:     p.DCID,
			grid:     grid,
			rw:       rw,
			params:   p,
			data:     make([]int, grid.Images()),
			received: make([]bool, grid.Images()),
		}
		s.scans[p.DCID] = sc
		msg.Log.Info("first record arrived for X-ray centering",
			"steps_x", grid.StepsX, "steps_y", grid.StepsY, "images", grid.Images())
	}
	if fileNumber > len(sc.data) {
		return nil, fmt.Errorf("%w: image %d of %d", ErrBadPayload, fileNumber, len(sc.data))
	}

	sc.last = s.cfg.Now()
	sc.msgs = append(sc.msgs, msg)
	if !sc.received[fileNumber-1] {
		sc.received[fileNumber-1] = true
		sc.seen++
	}
	sc.data[fileNumber-1] = spots
	msg.Log.Debug("received PIA result", "image", fileNumber, "seen", sc.seen, "expected", len(sc.data))

	if sc.seen < len(sc.data) {
		return nil, nil
	}
	msg.Log.Info("all records arrived for X-ray centering")
	delete(s.scans, p.DCID)
	return sc, nil
}

// complete computes the centering result, writes the requested files and
// settles every retained message together with the success message.
func (s *Service) complete(sc *scan) error {
	l := s.rt.Logger().With("dcid", sc.dcid)
	g := sc.grid
	result, text, err := centering.Compute(sc.data, centering.Params{
		Grid: centering.Grid{StepsX: g.StepsX, StepsY: g.StepsY, Snaked: g.Snaked, Orientation: g.Orientation},
		BoxSizePx: [2]float64{
			centering.BoxSizePx(g.DxMM, g.PixelsPerMicronX),
			centering.BoxSizePx(g.DyMM, g.PixelsPerMicronY),
		},
		SnapshotOffset: [2]float64{g.SnapshotOffsetXPix, g.SnapshotOffsetYPix},
	})
	if err != nil {
		return err
	}
	l.Debug(text)

	if sc.params.Output != "" {
		l.Info("writing X-ray centering results", "path", sc.params.Output)
		if err := writeResult(sc.params.Output, result); err != nil {
			return err
		}
		if sc.params.ResultsSymlink != "" {
			if err := wrapper.ParentSymlink(filepath.Dir(sc.params.Output), sc.params.ResultsSymlink); err != nil {
				l.Warn("could not create results symlink", "error", err)
			}
		}
	}
	if sc.params.Log != "" {
		if err := os.MkdirAll(filepath.Dir(sc.params.Log), 0o775); err != nil {
			return err
		}
		if err := os.WriteFile(sc.params.Log, []byte(text), 0o664); err != nil {
			return err
		}
	}

	return s.rt.Finish(sc.msgs, sc.rw, func(rw *recipe.Wrapper) error {
		return rw.SendTo(OutletSuccess, result)
	})
}

// collectGarbage drops scans that have been quiet for longer than the
// expiry. Their messages are acknowledged and an abort is sent on.
func (s *Service) collectGarbage() {
	now := s.cfg.Now()
	var expired []*scan
	s.mu.Lock()
	for id, sc := range s.scans {
		if now.Sub(sc.last) > s.cfg.Expiry {
			expired = append(expired, sc)
			delete(s.scans, id)
		}
	}
	n := len(s.scans)
	s.mu.Unlock()
	s.cfg.Observer.ActiveScans(n)

	for _, sc := range expired {
		l := s.rt.Logger().With("dcid", sc.dcid)
		l.Info("expiring X-ray centering session", "seen", sc.seen, "expected", len(sc.data))
		err := s.rt.Finish(sc.msgs, sc.rw, func(rw *recipe.Wrapper) error {
			return rw.SendTo(OutletAbort, map[string]any{})
		})
		if err != nil {
			l.Error("could not abort X-ray centering session", "error", err)
		}
	}
}

// writeResult stores the result as JSON with sorted keys.
func writeResult(path string, r *centering.Result) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	var sorted map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&sorted); err != nil {
		return err
	}
	out, err := json.Marshal(sorted)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o775); err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o664)
}

func readParams(m map[string]any) (params, error) {
	var p params
	id, ok := recipe.Int(m["dcid"])
	if !ok || id <= 0 {
		return p, fmt.Errorf("%w: %v", ErrNoDCID, m["dcid"])
	}
	p.DCID = id
	p.Output = recipe.Format(m["output"])
	p.Log = recipe.Format(m["log"])
	p.ResultsSymlink = recipe.Format(m["results_symlink"])
	return p, nil
}

// readGridInfo decodes the "gridinfo" parameter block.
func readGridInfo(m map[string]any) (GridInfo, error) {
	var g GridInfo
	raw, ok := m["gridinfo"].(map[string]any)
	if !ok || len(raw) == 0 {
		return g, ErrNoGridInfo
	}

	var errs []error
	integer := func(key string) int {
		n, ok := recipe.Int(raw[key])
		if !ok {
			errs = append(errs, fmt.Errorf("%s: %v", key, raw[key]))
		}
		return int(n)
	}
	number := func(key string) float64 {
		f, ok := recipe.Float(raw[key])
		if !ok {
			errs = append(errs, fmt.Errorf("%s: %v", key, raw[key]))
		}
		return f
	}

	g.StepsX = integer("steps_x")
	g.StepsY = integer("steps_y")
	g.DxMM = number("dx_mm")
	g.DyMM = number("dy_mm")
	g.PixelsPerMicronX = number("pixelsPerMicronX")
	g.PixelsPerMicronY = number("pixelsPerMicronY")
	g.SnapshotOffsetXPix = number("snapshot_offsetXPixel")
	g.SnapshotOffsetYPix = number("snapshot_offsetYPixel")
	snaked, ok := recipe.Bool(raw["snaked"])
	if !ok {
		errs = append(errs, fmt.Errorf("snaked: %v", raw["snaked"]))
	}
	g.Snaked = snaked
	o, err := centering.ParseOrientation(recipe.Format(raw["orientation"]))
	if err != nil {
		errs = append(errs, err)
	}
	g.Orientation = o

	if g.StepsX < 1 || g.StepsY < 1 {
		errs = append(errs, fmt.Errorf("grid %dx%d", g.StepsX, g.StepsY))
	}
	if g.PixelsPerMicronX == 0 || g.PixelsPerMicronY == 0 {
		errs = append(errs, errors.New("pixels per micron must not be zero"))
	}
	if len(errs) > 0 {
		return g, fmt.Errorf("%w: %w", ErrBadGridInfo, errors.Join(errs...))
	}
	return g, nil
}
