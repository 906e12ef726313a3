// mxflow-sim runs a simulated grid scan through the processing pipeline in
// one process: dispatcher, a fake detector, per-image analysis with
// synthetic spot counts, and X-ray centering. With --journal the bus
// survives a crash: interrupt a scan, start again with the same directory
// and the pending images are picked up where they were left.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/mxflow/internal/bus"
	"github.com/ChuLiYu/mxflow/internal/centering"
	"github.com/ChuLiYu/mxflow/internal/recipe"
	"github.com/ChuLiYu/mxflow/internal/runtime"
	"github.com/ChuLiYu/mxflow/internal/services/dispatcher"
	"github.com/ChuLiYu/mxflow/internal/services/pia"
	"github.com/ChuLiYu/mxflow/internal/services/xraycentering"
)

const (
	scanChannel   = "sim.detector"
	resultChannel = "sim.centering"
	abortChannel  = "sim.abort"
)

type options struct {
	dcid     int
	stepsX   int
	stepsY   int
	peakX    float64
	peakY    float64
	width    float64
	maxSpots int
	workers  int
	latency  time.Duration
	journal  string
	timeout  time.Duration
}

func main() {
	var o options
	cmd := &cobra.Command{
		Use:          "mxflow-sim",
		Short:        "Run a simulated grid scan through dispatch, per-image analysis and X-ray centering",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			res, err := simulate(ctx, o, cmd.OutOrStdout())
			if err == nil && res != nil {
				report(cmd.OutOrStdout(), res)
			}
			return err
		},
	}
	f := cmd.Flags()
	f.IntVar(&o.dcid, "dcid", 6017516, "data collection id of the scan")
	f.IntVar(&o.stepsX, "steps-x", 20, "grid columns")
	f.IntVar(&o.stepsY, "steps-y", 10, "grid rows")
	f.Float64Var(&o.peakX, "crystal-x", 12.5, "crystal position along x, in grid boxes")
	f.Float64Var(&o.peakY, "crystal-y", 4, "crystal position along y, in grid boxes")
	f.Float64Var(&o.width, "crystal-size", 1.5, "crystal size, in grid boxes")
	f.IntVar(&o.maxSpots, "max-spots", 400, "spots found on an image centred on the crystal")
	f.IntVar(&o.workers, "workers", 4, "concurrent spot finders")
	f.DurationVar(&o.latency, "latency", 20*time.Millisecond, "simulated analysis time per image")
	f.StringVar(&o.journal, "journal", "", "journal directory; empty keeps the bus in memory")
	f.DurationVar(&o.timeout, "timeout", time.Minute, "give up waiting for a result after this long")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// simulate runs one scan and returns its centering result. The result is
// nil when ctx ends first.
func simulate(ctx context.Context, o options, w io.Writer) (*centering.Result, error) {
	if o.stepsX <= 0 || o.stepsY <= 0 {
		return nil, errors.New("grid must have at least one row and one column")
	}

	cfg := bus.Config{}
	if o.journal != "" {
		if err := os.MkdirAll(o.journal, 0o755); err != nil {
			return nil, err
		}
		cfg.JournalPath = filepath.Join(o.journal, "bus.journal")
		cfg.SnapshotPath = filepath.Join(o.journal, "bus.snapshot")
	}
	broker, err := bus.NewBroker(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create broker: %w", err)
	}
	if err := broker.Start(); err != nil {
		return nil, fmt.Errorf("failed to start broker: %w", err)
	}
	defer broker.Stop()
	fmt.Fprintln(w, "✓ Bus started")

	stats := broker.Stats()
	recovered := 0
	for _, n := range stats.Pending {
		recovered += n
	}
	recovered += stats.InFlight
	if recovered > 0 {
		fmt.Fprintf(w, "\n⚠️  Found %d messages from a previous run, resuming that scan\n", recovered)
	}

	done := make(chan *centering.Result, 1)
	aborted := make(chan struct{}, 1)
	if err := watchResults(ctx, broker, done, aborted); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return runtime.Run(gctx, broker, []runtime.Service{
			dispatcher.New(dispatcher.Config{}),
			&detector{},
			pia.New(pia.Config{
				Finder:  &syntheticFinder{opts: o},
				Workers: o.workers,
				Timeout: 10 * time.Second,
			}),
			xraycentering.New(xraycentering.Config{}),
		})
	})

	if recovered == 0 {
		body, err := bus.Marshal(request(o))
		if err != nil {
			return nil, err
		}
		if err := broker.Send(ctx, dispatcher.Channel, body, bus.SendOptions{}); err != nil {
			return nil, fmt.Errorf("failed to submit scan: %w", err)
		}
		fmt.Fprintf(w, "✓ Submitted %dx%d grid scan for dcid %d\n", o.stepsX, o.stepsY, o.dcid)
	}

	var (
		res    *centering.Result
		runErr error
	)
	select {
	case res = <-done:
	case <-aborted:
		runErr = errors.New("X-ray centering aborted the scan")
	case <-time.After(o.timeout):
		runErr = fmt.Errorf("no centering result after %s", o.timeout)
	case <-ctx.Done():
		fmt.Fprintln(w, "\nReceived shutdown signal, stopping...")
		s := broker.Stats()
		fmt.Fprintf(w, "📊 Published=%d Acked=%d InFlight=%d\n", s.Published, s.Acked, s.InFlight)
	}
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return nil, err
	}
	return res, runErr
}

// request is the processing request a beamline would send at the start of
// a grid scan.
func request(o options) map[string]any {
	return map[string]any{
		"parameters": map[string]any{"ispyb_dcid": o.dcid},
		"custom_recipe": map[string]any{
			"1": map[string]any{
				"service": "Detector", "queue": scanChannel,
				"parameters": map[string]any{"steps_x": o.stepsX, "steps_y": o.stepsY},
				"output":     2,
			},
			"2": map[string]any{
				"service": "DLS Per-Image-Analysis", "queue": pia.Channel,
				"output": map[string]any{pia.OutletResult: 3},
			},
			"3": map[string]any{
				"service": "X-Ray Centering", "queue": xraycentering.Channel,
				"parameters": map[string]any{
					"dcid": "{ispyb_dcid}",
					"gridinfo": map[string]any{
						"steps_x": o.stepsX, "steps_y": o.stepsY,
						"dx_mm": 0.02, "dy_mm": 0.02,
						"pixelsPerMicronX": 0.438, "pixelsPerMicronY": 0.438,
						"snapshot_offsetXPixel": 400, "snapshot_offsetYPixel": 300,
						"snaked": false, "orientation": "horizontal",
					},
				},
				"output": map[string]any{
					xraycentering.OutletSuccess: 4,
					xraycentering.OutletAbort:   5,
				},
			},
			"4":     map[string]any{"queue": resultChannel},
			"5":     map[string]any{"queue": abortChannel},
			"start": []any{[]any{1, map[string]any{}}},
		},
	}
}

func watchResults(ctx context.Context, b *bus.Broker, done chan<- *centering.Result, aborted chan<- struct{}) error {
	_, err := b.Subscribe(ctx, resultChannel, bus.SubscribeOptions{}, func(_ context.Context, d *bus.Delivery) {
		_ = b.Ack(d)
		_, payload, _, err := recipe.Unwrap(d.Header, d.Body)
		if err != nil {
			slog.Error("unreadable centering result", "error", err)
			return
		}
		var res centering.Result
		if err := json.Unmarshal(payload, &res); err != nil {
			slog.Error("unreadable centering result", "error", err)
			return
		}
		select {
		case done <- &res:
		default:
		}
	})
	if err != nil {
		return err
	}
	_, err = b.Subscribe(ctx, abortChannel, bus.SubscribeOptions{}, func(_ context.Context, d *bus.Delivery) {
		_ = b.Ack(d)
		select {
		case aborted <- struct{}{}:
		default:
		}
	})
	return err
}

func report(w io.Writer, res *centering.Result) {
	fmt.Fprintf(w, "\n📊 X-ray centering result (%s)\n", res.Status)
	if res.Message != "" {
		fmt.Fprintf(w, "  %s\n", res.Message)
	}
	if res.CentreXBox != nil && res.CentreYBox != nil {
		fmt.Fprintf(w, "  Centre (boxes):  %.2f, %.2f\n", *res.CentreXBox, *res.CentreYBox)
	}
	if res.CentreX != nil && res.CentreY != nil {
		fmt.Fprintf(w, "  Centre (pixels): %.1f, %.1f\n", *res.CentreX, *res.CentreY)
	}
	if res.BestImage != nil && res.ReflectionsInBestImage != nil {
		fmt.Fprintf(w, "  Best image:      %d (%d spots)\n", *res.BestImage, *res.ReflectionsInBestImage)
	}
	fmt.Fprintf(w, "  Region:          %d boxes, %d spots\n", res.NVoxels, res.TotalCount)
}

// ============================================================================
// Simulated beamline
// ============================================================================

// detector stands in for the file watcher: for each scan it announces one
// message per image.
type detector struct{}

func (*detector) Name() string { return "Detector" }

func (d *detector) Initialize(_ context.Context, rt *runtime.Runtime) error {
	return rt.Subscribe(scanChannel, runtime.SubscribeOptions{}, d.scan)
}

func (d *detector) scan(_ context.Context, rw *recipe.Wrapper, msg *runtime.Message) runtime.Outcome {
	stepsX, okX := recipe.Int(rw.Parameters()["steps_x"])
	stepsY, okY := recipe.Int(rw.Parameters()["steps_y"])
	if !okX || !okY || stepsX <= 0 || stepsY <= 0 {
		return runtime.Reject("scan needs positive steps_x and steps_y")
	}
	images := int(stepsX * stepsY)
	for n := 1; n <= images; n++ {
		if err := rw.Send(map[string]any{"file": imageName(n), "file-number": n}); err != nil {
			return runtime.Nack{Requeue: true, Reason: err.Error()}
		}
	}
	msg.Log.Info("scan images announced", "images", images)
	return runtime.Ack{}
}

func imageName(n int) string {
	return fmt.Sprintf("/dls/sim/data/grid_%05d.cbf", n)
}

// syntheticFinder reports a Gaussian spot count around the crystal
// position instead of reading image files.
type syntheticFinder struct {
	opts options
}

func (f *syntheticFinder) FindSpots(ctx context.Context, file string, _ map[string]any) (map[string]any, error) {
	var n int
	if _, err := fmt.Sscanf(filepath.Base(file), "grid_%05d.cbf", &n); err != nil {
		return nil, fmt.Errorf("not a simulated image: %s", file)
	}
	select {
	case <-time.After(f.opts.latency):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return map[string]any{"n_spots_total": f.spots(n)}, nil
}

func (f *syntheticFinder) spots(n int) int {
	o := f.opts
	x := float64((n - 1) % o.stepsX)
	y := float64((n - 1) / o.stepsX)
	d2 := (x-o.peakX)*(x-o.peakX) + (y-o.peakY)*(y-o.peakY)
	return int(math.Round(float64(o.maxSpots) * math.Exp(-d2/(2*o.width*o.width))))
}
