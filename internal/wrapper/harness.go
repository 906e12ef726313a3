// ============================================================================
// Wrapper harness
// ============================================================================
//
// A wrapper runs one external program for a recipe step:
//
//   1. resolve working and results directories from the step parameters
//   2. create them, optionally with a parent symlink
//   3. run the program from an argument vector under a timeout
//   4. copy classified output files and announce each as an attachment
//   5. forward a summary downstream
//
// Outcomes are success, failure, timeout and missing-output. A timeout is
// reported, never retried here.
//
// ============================================================================

package wrapper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/ChuLiYu/mxflow/internal/recipe"
)

var log = slog.Default()

var (
	ErrNoWorkingDir   = errors.New("wrapper: working_directory not set")
	ErrNoResultsDir   = errors.New("wrapper: results_directory not set")
	ErrEmptyCommand   = errors.New("wrapper: empty command")
	ErrUnknownWrapper = errors.New("wrapper: unknown wrapper")
)

// Outcome classifies a program run.
type Outcome string

const (
	Success       Outcome = "success"
	Failure       Outcome = "failure"
	Timeout       Outcome = "timeout"
	MissingOutput Outcome = "missing-output"
)

// RuntimeBuckets are the histogram buckets for wrapper run times, in
// seconds.
var RuntimeBuckets = []float64{10, 20, 30, 60, 90, 120, 180, 300, 600, 3600, 14400}

// Observer is told about every finished wrapper run.
type Observer interface {
	WrapperFinished(name string, outcome Outcome, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) WrapperFinished(string, Outcome, time.Duration) {}

// ============================================================================
// Directories
// ============================================================================

// Dirs are the directories a wrapper works in.
type Dirs struct {
	Working string
	Results string
	// Symlink, when set, names a link created next to each directory that
	// points into it.
	Symlink string
}

// ResolveDirs reads working_directory, results_directory and
// create_symlink from params and fills {name} placeholders from env and
// params.
func ResolveDirs(params, env map[string]any) (Dirs, error) {
	vars := make(map[string]any, len(params)+len(env))
	for k, v := range params {
		vars[k] = v
	}
	for k, v := range env {
		vars[k] = v
	}
	sub := recipe.NewSubstituter(vars)
	get := func(key string) (string, error) {
		v, ok := params[key]
		if !ok || v == nil {
			return "", nil
		}
		return sub.String(recipe.Format(v))
	}

	var d Dirs
	var err error
	if d.Working, err = get("working_directory"); err != nil {
		return Dirs{}, err
	}
	if d.Results, err = get("results_directory"); err != nil {
		return Dirs{}, err
	}
	if d.Symlink, err = get("create_symlink"); err != nil {
		return Dirs{}, err
	}
	if d.Working == "" {
		return Dirs{}, ErrNoWorkingDir
	}
	if d.Results == "" {
		return Dirs{}, ErrNoResultsDir
	}
	return d, nil
}

// Prepare creates dir and, when d.Symlink is set, its parent symlink.
func (d Dirs) Prepare(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("wrapper: create %s: %w", dir, err)
	}
	if d.Symlink != "" {
		return ParentSymlink(dir, d.Symlink)
	}
	return nil
}

// ParentSymlink creates a relative link named name in the parent of dir
// pointing at dir. An existing link is replaced atomically so sibling runs
// of one job type always find the latest.
func ParentSymlink(dir, name string) error {
	dir = filepath.Clean(dir)
	parent := filepath.Dir(dir)
	link := filepath.Join(parent, name)
	if filepath.Clean(link) == dir {
		return nil
	}
	if st, err := os.Lstat(link); err == nil && st.Mode()&os.ModeSymlink == 0 {
		return fmt.Errorf("wrapper: %s exists and is not a symlink", link)
	}
	tmp := filepath.Join(parent, fmt.Sprintf(".%s.%d.tmp", name, os.Getpid()))
	_ = os.Remove(tmp)
	if err := os.Symlink(filepath.Base(dir), tmp); err != nil {
		return fmt.Errorf("wrapper: symlink %s: %w", link, err)
	}
	if err := os.Rename(tmp, link); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("wrapper: symlink %s: %w", link, err)
	}
	return nil
}

// ============================================================================
// Running programs
// ============================================================================

// Command is a program invocation. Args[0] is the executable; nothing is
// passed through a shell.
type Command struct {
	Args    []string
	Dir     string
	Env     map[string]string
	Timeout time.Duration
}

// Run is the result of one Command.
type Run struct {
	Outcome  Outcome
	ExitCode int
	Stdout   string
	Stderr   string
	Elapsed  time.Duration
	Err      error
}

// Execute runs c and classifies the result. It never returns an error;
// failures to start are reported as Failure with Err set.
func Execute(ctx context.Context, c Command) Run {
	if len(c.Args) == 0 {
		return Run{Outcome: Failure, ExitCode: -1, Err: ErrEmptyCommand}
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = os.Environ()
		keys := make([]string, 0, len(c.Env))
		for k := range c.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			cmd.Env = append(cmd.Env, k+"="+c.Env[k])
		}
	}
	// children holding the pipes open must not stall Wait past the kill
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	run := Run{
		Elapsed: time.Since(start),
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}
	var exitErr *exec.ExitError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		run.Outcome = Timeout
		run.ExitCode = -1
		run.Err = ctx.Err()
	case err == nil:
		run.Outcome = Success
	case errors.As(err, &exitErr):
		run.Outcome = Failure
		run.ExitCode = exitErr.ExitCode()
		run.Err = err
	default:
		run.Outcome = Failure
		run.ExitCode = -1
		run.Err = err
	}
	return run
}

// ============================================================================
// Recipe side
// ============================================================================

// Outlets used to announce files.
const (
	OutletIndividualFile = "result-individual-file"
	OutletAllFiles       = "result-all-files"
)

// Announce sends each attachment on its own and then the full file list.
func Announce(rw *recipe.Wrapper, attachments []Attachment, files []string) error {
	for _, a := range attachments {
		if err := rw.SendTo(OutletIndividualFile, a); err != nil {
			return err
		}
	}
	if len(files) > 0 {
		return rw.SendTo(OutletAllFiles, map[string]any{"filelist": files})
	}
	return nil
}

// Program is a wrapper for one external program.
type Program interface {
	Name() string
	Run(ctx context.Context, rw *recipe.Wrapper) (Outcome, error)
}

var programs = map[string]func(Observer) Program{
	"fast_dp": func(o Observer) Program { return NewFastDP(o) },
}

// Lookup returns the named wrapper.
func Lookup(name string, o Observer) (Program, error) {
	mk, ok := programs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWrapper, name)
	}
	if o == nil {
		o = nopObserver{}
	}
	return mk(o), nil
}

// Names lists the known wrappers.
func Names() []string {
	out := make([]string, 0, len(programs))
	for n := range programs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
