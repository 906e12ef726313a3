// Package indexer indexes the spots found on single images. Lists with
// fewer than MinReflections are not worth indexing; those messages, and
// messages whose indexing fails, still produce an empty result so that
// downstream steps see one result per image.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ChuLiYu/mxflow/internal/recipe"
	"github.com/ChuLiYu/mxflow/internal/runtime"
	"github.com/ChuLiYu/mxflow/internal/wrapper"
)

// Channel is where indexing requests arrive.
const Channel = "index"

// OutletResult receives the indexing solution, or {} without one.
const OutletResult = "result"

// MinReflections is the smallest reflection list that is indexed.
const MinReflections = 10

const DefaultTimeout = 2 * time.Minute

var (
	ErrBadPayload = errors.New("indexer: payload needs experiments and reflections")
	ErrIndexing   = errors.New("indexer: indexing failed")
)

// Request is one reflection list with the experiments it belongs to.
type Request struct {
	Experiments json.RawMessage
	Reflections json.RawMessage
	// Count is the number of reflections in the list.
	Count int
}

// Solution lists the unit cell of each lattice found and the number of
// reflections indexed by it.
type Solution struct {
	UnitCells [][6]float64 `json:"unit_cells"`
	NIndexed  []int        `json:"n_indexed"`
}

// Indexer finds lattices in a reflection list.
type Indexer interface {
	Index(ctx context.Context, req Request) (*Solution, error)
}

// Command runs an external indexing program. The experiments and
// reflections are written to files in a scratch directory whose paths are
// appended to Args; the program prints a Solution as JSON.
type Command struct {
	Args []string
	// Dir holds the scratch directories. Empty uses the system default.
	Dir string
}

func (c Command) Index(ctx context.Context, req Request) (*Solution, error) {
	dir, err := os.MkdirTemp(c.Dir, "index-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	expts := filepath.Join(dir, "experiments.json")
	refls := filepath.Join(dir, "reflections.json")
	if err := os.WriteFile(expts, req.Experiments, 0o644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(refls, req.Reflections, 0o644); err != nil {
		return nil, err
	}

	args := append(append([]string(nil), c.Args...), expts, refls)
	run := wrapper.Execute(ctx, wrapper.Command{Args: args, Dir: dir})
	if run.Outcome != wrapper.Success {
		return nil, fmt.Errorf("%w: %s (exit %d): %s", ErrIndexing, run.Outcome, run.ExitCode, strings.TrimSpace(run.Stderr))
	}
	var s Solution
	if err := json.Unmarshal([]byte(run.Stdout), &s); err != nil {
		return nil, fmt.Errorf("%w: unreadable output: %v", ErrIndexing, err)
	}
	if len(s.UnitCells) != len(s.NIndexed) {
		return nil, fmt.Errorf("%w: %d unit cells but %d indexed counts", ErrIndexing, len(s.UnitCells), len(s.NIndexed))
	}
	return &s, nil
}

// Service is the indexing service.
type Service struct {
	indexer Indexer
	timeout time.Duration
}

// New returns the service. timeout bounds one indexing run; zero uses
// DefaultTimeout.
func New(indexer Indexer, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Service{indexer: indexer, timeout: timeout}
}

func (s *Service) Name() string { return "DLS Indexer" }

func (s *Service) Initialize(ctx context.Context, rt *runtime.Runtime) error {
	if s.indexer == nil {
		return errors.New("indexer: no indexer configured")
	}
	return rt.Subscribe(Channel, runtime.SubscribeOptions{}, s.index)
}

// parseRequest accepts reflections as a list of rows or as an object
// with an "n_reflections" count alongside the table.
func parseRequest(payload json.RawMessage) (Request, error) {
	var raw struct {
		Experiments json.RawMessage `json:"experiments"`
		Reflections json.RawMessage `json:"reflections"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if isNull(raw.Experiments) || isNull(raw.Reflections) {
		return Request{}, ErrBadPayload
	}
	req := Request{Experiments: raw.Experiments, Reflections: raw.Reflections}

	var rows []json.RawMessage
	if err := json.Unmarshal(raw.Reflections, &rows); err == nil {
		req.Count = len(rows)
		return req, nil
	}
	var table struct {
		N *int `json:"n_reflections"`
	}
	if err := json.Unmarshal(raw.Reflections, &table); err != nil || table.N == nil || *table.N < 0 {
		return Request{}, fmt.Errorf("%w: cannot count reflections", ErrBadPayload)
	}
	req.Count = *table.N
	return req, nil
}

func isNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}

func (s *Service) index(ctx context.Context, rw *recipe.Wrapper, msg *runtime.Message) runtime.Outcome {
	req, err := parseRequest(msg.Payload)
	if err != nil {
		msg.Log.Error("invalid indexing request", "error", err)
		return runtime.Reject(err.Error())
	}

	results := map[string]any{}
	if req.Count < MinReflections {
		msg.Log.Debug(fmt.Sprintf("Skipping indexing for reflection list with %d reflections", req.Count))
	} else {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		solution, err := s.indexer.Index(ctx, req)
		cancel()
		if err != nil {
			msg.Log.Debug("indexing failed", "reflections", req.Count, "error", err)
		} else {
			results["unit_cells"] = solution.UnitCells
			results["n_indexed"] = solution.NIndexed
			msg.Log.Info("indexed", "reflections", req.Count, "lattices", len(solution.UnitCells))
		}
	}

	outlet := OutletResult
	if !rw.HasOutlet(outlet) {
		outlet = ""
	}
	if err := rw.SendTo(outlet, results); err != nil {
		return runtime.Nack{Requeue: true, Reason: err.Error()}
	}
	return runtime.Ack{}
}
