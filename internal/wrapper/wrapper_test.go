package wrapper

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/mxflow/internal/bus"
	"github.com/ChuLiYu/mxflow/internal/recipe"
)

type sent struct {
	channel string
	payload map[string]any
}

type captureSender struct {
	mu   sync.Mutex
	msgs []sent
}

func (c *captureSender) Send(channel string, body json.RawMessage, _ bus.SendOptions) error {
	var env recipe.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return err
	}
	var payload map[string]any
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, sent{channel: channel, payload: payload})
	return nil
}

func (c *captureSender) on(channel string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, m := range c.msgs {
		if m.channel == channel {
			out = append(out, m.payload)
		}
	}
	return out
}

type recordingObserver struct {
	outcomes []Outcome
}

func (r *recordingObserver) WrapperFinished(name string, o Outcome, _ time.Duration) {
	r.outcomes = append(r.outcomes, o)
}

func script(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

const fastDPJSON = `{
  "spacegroup": "P 41 21 2",
  "unit_cell": [78.1, 78.1, 37.2, 90, 90, 90],
  "refined_beam": [212.3, 219.8],
  "scaling_statistics": {
    "outerShell": {"res_lim_low": 1.9, "res_lim_high": 1.8, "completeness": 99.1},
    "innerShell": {"res_lim_low": 40.0, "res_lim_high": 5.0, "completeness": 98.0},
    "overall": {"res_lim_low": 40.0, "res_lim_high": 1.8, "completeness": 99.5}
  }
}`

func fastDPWrapper(t *testing.T, root string, timeout string) (*recipe.Wrapper, *captureSender) {
	t.Helper()
	doc := `{
  "1": {"service": "fast_dp", "queue": "wrap.fast_dp",
        "parameters": {
          "working_directory": "` + root + `/tmp/{ispyb_dcid}/fast_dp",
          "results_directory": "` + root + `/processed/{ispyb_dcid}/fast_dp",
          "create_symlink": "fast_dp-latest",
          "fast_dp": {"filename": "/dls/data/x_00001.cbf"},
          "ispyb_parameters": {"d_min": 1.8, "spacegroup": "P41212"},
          "timeout": ` + timeout + `},
        "output": {"ispyb": 2, "summary": 3, "result-individual-file": 2, "result-all-files": 3}},
  "2": {"service": "ISPyB connector", "queue": "ispyb"},
  "3": {"service": "summary", "queue": "summary"},
  "start": [[1, {}]]
}`
	r, err := recipe.Parse([]byte(doc))
	require.NoError(t, err)
	sender := &captureSender{}
	rw := recipe.NewWrapper(r, map[string]any{"ispyb_dcid": 1234}).Bind(sender)
	rw.Pointer = 1
	return rw, sender
}

func TestParentSymlink(t *testing.T) {
	root := t.TempDir()
	first := filepath.Join(root, "run-1")
	second := filepath.Join(root, "run-2")
	require.NoError(t, os.MkdirAll(first, 0o755))
	require.NoError(t, os.MkdirAll(second, 0o755))

	require.NoError(t, ParentSymlink(first, "latest"))
	target, err := os.Readlink(filepath.Join(root, "latest"))
	require.NoError(t, err)
	assert.Equal(t, "run-1", target)

	// an existing link moves to the newer run
	require.NoError(t, ParentSymlink(second, "latest"))
	target, err = os.Readlink(filepath.Join(root, "latest"))
	require.NoError(t, err)
	assert.Equal(t, "run-2", target)

	require.NoError(t, os.WriteFile(filepath.Join(root, "plain"), nil, 0o644))
	assert.Error(t, ParentSymlink(first, "plain"))
}

func TestResolveDirs(t *testing.T) {
	d, err := ResolveDirs(map[string]any{
		"working_directory": "/tmp/{ispyb_dcid}/work",
		"results_directory": "/data/{ispyb_dcid}/{program}",
		"program":           "xia2",
	}, map[string]any{"ispyb_dcid": 42})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/42/work", d.Working)
	assert.Equal(t, "/data/42/xia2", d.Results)
	assert.Empty(t, d.Symlink)

	_, err = ResolveDirs(map[string]any{"results_directory": "/x"}, nil)
	assert.ErrorIs(t, err, ErrNoWorkingDir)
	_, err = ResolveDirs(map[string]any{"working_directory": "/x"}, nil)
	assert.ErrorIs(t, err, ErrNoResultsDir)
}

func TestExecuteOutcomes(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	ok := Execute(ctx, Command{Args: []string{script(t, dir, "ok", `echo "$GREETING"`)}, Env: map[string]string{"GREETING": "hello"}})
	assert.Equal(t, Success, ok.Outcome)
	assert.Equal(t, "hello\n", ok.Stdout)

	bad := Execute(ctx, Command{Args: []string{script(t, dir, "bad", "echo oops >&2\nexit 3")}})
	assert.Equal(t, Failure, bad.Outcome)
	assert.Equal(t, 3, bad.ExitCode)
	assert.Equal(t, "oops\n", bad.Stderr)

	slow := Execute(ctx, Command{Args: []string{script(t, dir, "slow", "sleep 5")}, Timeout: 100 * time.Millisecond})
	assert.Equal(t, Timeout, slow.Outcome)
	assert.Less(t, slow.Elapsed, 4*time.Second)

	missing := Execute(ctx, Command{Args: []string{filepath.Join(dir, "does-not-exist")}})
	assert.Equal(t, Failure, missing.Outcome)
	assert.Error(t, missing.Err)

	empty := Execute(ctx, Command{})
	assert.ErrorIs(t, empty.Err, ErrEmptyCommand)

	// arguments reach the program verbatim, never through a shell
	echo := Execute(ctx, Command{Args: []string{script(t, dir, "args", `printf '%s|' "$@"`), "a b", "$HOME", ";ls"}})
	assert.Equal(t, "a b|$HOME|;ls|", echo.Stdout)
}

func TestCopyResultsClassifies(t *testing.T) {
	from := t.TempDir()
	to := t.TempDir()
	for _, name := range []string{"fast_dp.mtz", "fast_dp.log", "fast_dp-report.html", "XDS.INP", "notes.unknown", "iotbx-merging-stats.json"} {
		require.NoError(t, os.WriteFile(filepath.Join(from, name), []byte(name), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(from, "subdir.log"), 0o755))

	attachments, copied, err := CopyResults(from, to, fastDPFiles)
	require.NoError(t, err)

	names := make([]string, len(attachments))
	for i, a := range attachments {
		names[i] = a.FileName
		assert.Equal(t, to, a.FilePath)
	}
	assert.Equal(t, []string{"fast_dp-report.html", "fast_dp.log", "fast_dp.mtz", "iotbx-merging-stats.json"}, names)
	assert.Equal(t, Log, attachments[0].FileType)
	assert.Equal(t, 1, attachments[0].ImportanceRank)
	assert.Equal(t, 2, attachments[1].ImportanceRank)
	assert.Equal(t, Result, attachments[2].FileType)
	assert.Equal(t, 1, attachments[2].ImportanceRank)
	assert.Equal(t, Graph, attachments[3].FileType)

	// XDS.INP is copied but not attached; unknown files stay behind
	assert.Len(t, copied, 5)
	assert.FileExists(t, filepath.Join(to, "XDS.INP"))
	assert.NoFileExists(t, filepath.Join(to, "notes.unknown"))
}

func TestFastDPCommandLine(t *testing.T) {
	f := NewFastDP(nil)
	args, err := f.CommandLine(map[string]any{
		"fast_dp":          map[string]any{"filename": "/data/x_00001.cbf"},
		"ispyb_parameters": map[string]any{"d_min": 1.5, "unit_cell": "78,78,37,90,90,90"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"fast_dp", "--atom=S", "-j", "0", "-J", "18", "-l", "durin-plugin.so", "/data/x_00001.cbf",
		"--resolution-high=1.5", "--cell=78,78,37,90,90,90",
	}, args)

	_, err = f.CommandLine(map[string]any{})
	assert.Error(t, err)
}

func TestFastDPRun(t *testing.T) {
	root := t.TempDir()
	bin := t.TempDir()
	obs := &recordingObserver{}
	f := NewFastDP(obs)
	f.FastDPBin = script(t, bin, "fast_dp", `
printf '%s\n' "$@" > args.txt
echo log > fast_dp.log
echo mtz > fast_dp.mtz
echo mtz > fast_dp_unmerged.mtz
echo cbf > image.cbf
cat > fast_dp.json <<'EOF'
`+fastDPJSON+`
EOF
`)
	f.ReportBin = script(t, bin, "xia2.report", "echo report > fast_dp-report.html\n")

	rw, sender := fastDPWrapper(t, root, "10")
	outcome, err := f.Run(context.Background(), rw)
	require.NoError(t, err)
	assert.Equal(t, Success, outcome)
	assert.Equal(t, []Outcome{Success}, obs.outcomes)

	work := filepath.Join(root, "tmp", "1234", "fast_dp")
	results := filepath.Join(root, "processed", "1234", "fast_dp")
	link, err := os.Readlink(filepath.Join(root, "tmp", "1234", "fast_dp-latest"))
	require.NoError(t, err)
	assert.Equal(t, "fast_dp", link)
	assert.FileExists(t, filepath.Join(results, "fast_dp.mtz"))
	assert.FileExists(t, filepath.Join(results, "image.cbf"))

	args, err := os.ReadFile(filepath.Join(work, "args.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(args), "--resolution-high=1.8\n--spacegroup=P41212")

	// attachments and the file list go to steps 2 and 3
	var attached []string
	for _, p := range sender.on("ispyb") {
		if name, ok := p["file_name"].(string); ok {
			attached = append(attached, name)
		}
	}
	assert.Equal(t, []string{"fast_dp-report.html", "fast_dp.log", "args.txt", "fast_dp.mtz", "fast_dp_unmerged.mtz"}, attached)

	var commands []any
	for _, p := range sender.on("ispyb") {
		if list, ok := p["ispyb_command_list"].([]any); ok {
			commands = list
		}
	}
	require.Len(t, commands, 3)
	assert.Equal(t, "write_autoproc", commands[0].(map[string]any)["ispyb_command"])
	scaling := commands[1].(map[string]any)
	assert.Equal(t, "$ispyb_autoproc_id", scaling["autoproc_id"])
	assert.Contains(t, scaling, "outerShell")
	integration := commands[2].(map[string]any)
	assert.Equal(t, "$ispyb_autoprocscaling_id", integration["scaling_id"])
	assert.Equal(t, 212.3, integration["refined_x_beam"])

	summaries := sender.on("summary")
	require.NotEmpty(t, summaries)
	last := summaries[len(summaries)-1]
	assert.Equal(t, "P 41 21 2", last["spacegroup"])
}

func TestFastDPFailureModes(t *testing.T) {
	t.Run("error file", func(t *testing.T) {
		root, bin := t.TempDir(), t.TempDir()
		f := NewFastDP(nil)
		f.FastDPBin = script(t, bin, "fast_dp", "echo boom > fast_dp.error\n")
		f.ReportBin = script(t, bin, "xia2.report", "exit 0\n")
		rw, sender := fastDPWrapper(t, root, "10")
		outcome, err := f.Run(context.Background(), rw)
		require.NoError(t, err)
		assert.Equal(t, Failure, outcome)
		// the error log is still attached for inspection
		require.Len(t, sender.on("ispyb"), 1)
		assert.Equal(t, "fast_dp.error", sender.on("ispyb")[0]["file_name"])
	})

	t.Run("missing output", func(t *testing.T) {
		root, bin := t.TempDir(), t.TempDir()
		f := NewFastDP(nil)
		f.FastDPBin = script(t, bin, "fast_dp", "echo log > fast_dp.log\n")
		f.ReportBin = script(t, bin, "xia2.report", "exit 0\n")
		rw, sender := fastDPWrapper(t, root, "10")
		outcome, err := f.Run(context.Background(), rw)
		require.NoError(t, err)
		assert.Equal(t, MissingOutput, outcome)
		// only the file list, no results summary or command list
		require.Len(t, sender.on("summary"), 1)
		assert.Contains(t, sender.on("summary")[0], "filelist")
		require.Len(t, sender.on("ispyb"), 1)
		assert.Equal(t, "fast_dp.log", sender.on("ispyb")[0]["file_name"])
	})

	t.Run("timeout", func(t *testing.T) {
		root, bin := t.TempDir(), t.TempDir()
		obs := &recordingObserver{}
		f := NewFastDP(obs)
		f.FastDPBin = script(t, bin, "fast_dp", "sleep 5\n")
		f.ReportBin = script(t, bin, "xia2.report", "exit 0\n")
		rw, _ := fastDPWrapper(t, root, "0.2")
		outcome, err := f.Run(context.Background(), rw)
		require.NoError(t, err)
		assert.Equal(t, Timeout, outcome)
		assert.Equal(t, []Outcome{Timeout}, obs.outcomes)
	})

	t.Run("non-zero exit", func(t *testing.T) {
		root, bin := t.TempDir(), t.TempDir()
		f := NewFastDP(nil)
		f.FastDPBin = script(t, bin, "fast_dp", "exit 1\n")
		f.ReportBin = script(t, bin, "xia2.report", "exit 0\n")
		rw, _ := fastDPWrapper(t, root, "10")
		outcome, err := f.Run(context.Background(), rw)
		require.NoError(t, err)
		assert.Equal(t, Failure, outcome)
	})
}

func TestIspybCommandsXtriage(t *testing.T) {
	var r fastDPResult
	require.NoError(t, json.Unmarshal([]byte(fastDPJSON), &r))
	commands, err := ispybCommands(r, []xtriageMessage{
		{Text: "The merging statistics indicate that the data may be assigned to the wrong space group.", Level: 1},
		{Text: "Ice rings detected", Summary: "check 3.9A", Level: 1},
	})
	require.NoError(t, err)
	require.Len(t, commands, 4)
	assert.Equal(t, "add_program_message", commands[3]["ispyb_command"])
	assert.Equal(t, "WARNING", commands[3]["severity"])

	_, err = ispybCommands(fastDPResult{UnitCell: []float64{1, 2}}, nil)
	assert.Error(t, err)
}

func TestLookup(t *testing.T) {
	p, err := Lookup("fast_dp", nil)
	require.NoError(t, err)
	assert.Equal(t, "fast_dp", p.Name())
	_, err = Lookup("nope", nil)
	assert.ErrorIs(t, err, ErrUnknownWrapper)
	assert.Equal(t, []string{"fast_dp"}, Names())
}
