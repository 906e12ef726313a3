// Package pia runs per-image analysis (spot finding) on single images.
//
// The bus handler only validates and queues; a worker pool runs the spot
// finder and a collector goroutine settles each message with its result.
// Messages wait retained while their image is analysed.
package pia

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/mxflow/internal/recipe"
	"github.com/ChuLiYu/mxflow/internal/runtime"
	"github.com/ChuLiYu/mxflow/internal/worker"
	"github.com/ChuLiYu/mxflow/internal/wrapper"
)

// Channel is the default input channel.
const Channel = "per_image_analysis"

// OutletResult receives the statistics of each image.
const OutletResult = "result"

const (
	DefaultWorkers = 4
	DefaultTimeout = 5 * time.Minute
)

var (
	ErrNoFile     = errors.New("pia: message carries no file")
	ErrBadOutput  = errors.New("pia: spot finder output is not a JSON object")
	ErrSpotFinder = errors.New("pia: spot finder failed")
)

// SpotFinder analyses one image and returns its statistics, such as
// n_spots_total and estimated_d_min.
type SpotFinder interface {
	FindSpots(ctx context.Context, file string, params map[string]any) (map[string]any, error)
}

// Command runs an external spot finder. The image path and then one
// key=value argument per parameter are appended to Args; the program must
// print a JSON object on stdout.
type Command struct {
	Args []string
}

func (c Command) FindSpots(ctx context.Context, file string, params map[string]any) (map[string]any, error) {
	args := append(append([]string(nil), c.Args...), file)
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k+"="+recipe.Format(params[k]))
	}

	run := wrapper.Execute(ctx, wrapper.Command{Args: args})
	if run.Outcome != wrapper.Success {
		return nil, fmt.Errorf("%w: %s (exit %d): %v: %s", ErrSpotFinder, run.Outcome, run.ExitCode, run.Err, strings.TrimSpace(run.Stderr))
	}
	var out map[string]any
	dec := json.NewDecoder(strings.NewReader(run.Stdout))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil || out == nil {
		return nil, fmt.Errorf("%w: %q", ErrBadOutput, truncate(run.Stdout, 200))
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Config configures the service.
type Config struct {
	Channel string
	Finder  SpotFinder
	Workers int
	// Timeout bounds one spot finder run.
	Timeout time.Duration
}

// Service is the per-image analysis service.
type Service struct {
	cfg  Config
	rt   *runtime.Runtime
	pool *worker.Pool

	stopOnce sync.Once
	done     chan struct{}
}

// New returns the service.
func New(cfg Config) *Service {
	if cfg.Channel == "" {
		cfg.Channel = Channel
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Service{cfg: cfg, done: make(chan struct{})}
}

func (s *Service) Name() string { return "DLS Per-Image-Analysis" }

// prefetch keeps every worker busy with one image queued behind it.
func (s *Service) prefetch() int { return 2 * s.cfg.Workers }

func (s *Service) Initialize(ctx context.Context, rt *runtime.Runtime) error {
	if s.cfg.Finder == nil {
		return errors.New("pia: no spot finder configured")
	}
	s.rt = rt
	s.pool = worker.NewPool(s.prefetch())
	if err := s.pool.Start(s.cfg.Workers); err != nil {
		return err
	}
	go s.collect()
	go func() {
		<-rt.Context().Done()
		s.stop()
	}()
	return rt.Subscribe(s.cfg.Channel, runtime.SubscribeOptions{Prefetch: s.prefetch()}, s.analyse)
}

// Shutdown stops the pool once queued images are analysed.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stop()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) stop() {
	s.stopOnce.Do(func() {
		if s.pool != nil {
			s.pool.Stop()
		}
	})
}

// job is what a task carries back to the collector.
type job struct {
	rw    *recipe.Wrapper
	msg   *runtime.Message
	file  string
	files map[string]any
	start time.Time
}

func (s *Service) analyse(ctx context.Context, rw *recipe.Wrapper, msg *runtime.Message) runtime.Outcome {
	var payload map[string]any
	dec := json.NewDecoder(bytes.NewReader(msg.Payload))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		payload = nil
	}

	// step parameters, overridden by parameters carried in the message
	params := make(map[string]any)
	for k, v := range rw.Parameters() {
		params[k] = v
	}
	if extra, ok := payload["parameters"].(map[string]any); ok {
		for k, v := range extra {
			params[k] = v
		}
	}
	file := recipe.Format(payload["file"])
	if file == "" {
		file = recipe.Format(params["file"])
	}
	if file == "" {
		msg.Log.Error("PIA called without a file")
		return runtime.Reject(ErrNoFile.Error())
	}
	delete(params, "file")

	files := make(map[string]any)
	for k, v := range payload {
		if strings.HasPrefix(k, "file") {
			files[k] = v
		}
	}

	msg.Log.Debug("starting PIA", "file", file)
	j := &job{rw: rw, msg: msg, file: file, files: files, start: time.Now()}
	err := s.pool.Submit(worker.Task{
		ID:      uuid.NewString(),
		Timeout: s.cfg.Timeout,
		Tag:     j,
		Run: func(ctx context.Context) (any, error) {
			return s.cfg.Finder.FindSpots(ctx, file, params)
		},
	})
	if err != nil {
		return runtime.Nack{Requeue: true, Reason: err.Error()}
	}
	return runtime.Retain{}
}

// collect settles messages as their analyses finish.
func (s *Service) collect() {
	defer close(s.done)
	for res := range s.pool.Results() {
		j := res.Tag.(*job)
		if res.Err != nil {
			j.msg.Log.Error("PIA failed", "file", j.file, "error", res.Err)
			if err := s.rt.Reject(j.msg, true); err != nil {
				j.msg.Log.Warn("could not nack message", "error", err)
			}
			continue
		}

		results := res.Value.(map[string]any)
		for k, v := range j.files {
			results[k] = v
		}
		err := s.rt.Finish([]*runtime.Message{j.msg}, j.rw, func(rw *recipe.Wrapper) error {
			return rw.SendTo(OutletResult, results)
		})
		if err != nil {
			j.msg.Log.Error("could not send PIA result", "file", j.file, "error", err)
			if rerr := s.rt.Reject(j.msg, true); rerr != nil {
				j.msg.Log.Warn("could not nack message", "error", rerr)
			}
			continue
		}
		j.msg.Log.Info("PIA completed", "file", j.file, "spots", results["n_spots_total"], "elapsed", time.Since(j.start))
	}
}
