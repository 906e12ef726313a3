package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/mxflow/internal/bus"
	"github.com/ChuLiYu/mxflow/internal/mimas"
	"github.com/ChuLiYu/mxflow/internal/recipe"
	"github.com/ChuLiYu/mxflow/internal/server"
	"github.com/ChuLiYu/mxflow/internal/services/dispatcher"
	"github.com/ChuLiYu/mxflow/internal/wrapper"
)

const remoteTimeout = 10 * time.Second

func dialRemote(cfg *Config, addr string) (*server.Client, func(), error) {
	if addr == "" {
		addr = fmt.Sprintf("localhost:%d", cfg.GRPC.Port)
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return server.NewClient(conn), func() { conn.Close() }, nil
}

// parseKeyValues turns key=value pairs into a map. Values that parse as
// JSON keep their type; anything else is a string.
func parseKeyValues(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%q is not key=value", p)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			out[k] = decoded
		} else {
			out[k] = v
		}
	}
	return out, nil
}

// readJSON reads a JSON document from arg, or from in when arg is empty
// or "-".
func readJSON(arg string, in io.Reader) (json.RawMessage, error) {
	var data []byte
	if arg == "" || arg == "-" {
		var err error
		if data, err = io.ReadAll(in); err != nil {
			return nil, err
		}
	} else {
		data = []byte(arg)
	}
	if !json.Valid(data) {
		return nil, errors.New("message is not valid JSON")
	}
	return json.RawMessage(data), nil
}

// ============================================================================
// dispatch
// ============================================================================

func buildDispatchCommand() *cobra.Command {
	var (
		dcid   int
		params []string
		custom string
		remote string
	)

	cmd := &cobra.Command{
		Use:   "dispatch <recipe...>",
		Short: "Submit a processing request to the dispatcher",
		Example: `  mxflow dispatch per-image-analysis-gridscan-swmr --dcid 6017516
  mxflow dispatch --custom my-recipe.json --param beamline=i03`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			body, err := dispatchRequest(args, dcid, params, custom)
			if err != nil {
				return err
			}
			client, closeConn, err := dialRemote(cfg, remote)
			if err != nil {
				return err
			}
			defer closeConn()

			ctx, cancel := context.WithTimeout(cmd.Context(), remoteTimeout)
			defer cancel()
			if err := client.Send(ctx, server.Message{Channel: dispatcher.Channel, Payload: body}); err != nil {
				return fmt.Errorf("failed to submit request: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Submitted %s\n", strings.Join(append(args, customLabel(custom)...), ", "))
			return nil
		},
	}
	cmd.Flags().IntVar(&dcid, "dcid", 0, "data collection id (ispyb_dcid)")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "recipe parameter key=value (repeatable)")
	cmd.Flags().StringVar(&custom, "custom", "", "file holding a custom recipe")
	cmd.Flags().StringVar(&remote, "remote", "", "ingest address (default localhost:<grpc.port>)")
	return cmd
}

func customLabel(path string) []string {
	if path == "" {
		return nil
	}
	return []string{"custom recipe " + path}
}

func dispatchRequest(recipes []string, dcid int, pairs []string, custom string) (map[string]any, error) {
	params, err := parseKeyValues(pairs)
	if err != nil {
		return nil, err
	}
	if dcid > 0 {
		params["ispyb_dcid"] = dcid
	}
	body := map[string]any{"parameters": params}
	if len(recipes) > 0 {
		body["recipes"] = recipes
	}
	if custom != "" {
		data, err := os.ReadFile(custom)
		if err != nil {
			return nil, fmt.Errorf("failed to read custom recipe: %w", err)
		}
		if _, err := recipe.Parse(data); err != nil {
			return nil, fmt.Errorf("custom recipe: %w", err)
		}
		body["custom_recipe"] = json.RawMessage(data)
	}
	if len(recipes) == 0 && custom == "" {
		return nil, errors.New("name at least one recipe or pass --custom")
	}
	return body, nil
}

// ============================================================================
// mimas
// ============================================================================

func buildMimasCommand() *cobra.Command {
	var (
		event, beamline, dcClass, detector string
		spaceGroup, anomalous, runStatus   string
		preferred, visit                   string
		unitCell                           []float64
		sweeps                             []string
		asJSON                             bool
	)

	cmd := &cobra.Command{
		Use:   "mimas <dcid>",
		Short: "Print the tasks Mimas decides for a data collection event",
		Example: `  mxflow mimas 6017516 --event start --beamline i03 --dc-class gridscan --detector eiger
  mxflow mimas 6061343 --event end --beamline i24 --dc-class rotation --detector pilatus \
      --space-group "P 43 21 2" --sweep 6061343:1:3600`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			engine, err := mimas.NewEngine(cfg.Mimas)
			if err != nil {
				return err
			}

			params := map[string]any{
				"dcid":                 args[0],
				"event":                event,
				"beamline":             beamline,
				"dc_class":             dcClass,
				"detectorclass":        detector,
				"space_group":          spaceGroup,
				"run_status":           runStatus,
				"preferred_processing": preferred,
				"visit":                visit,
			}
			if len(unitCell) > 0 {
				cell := make([]any, len(unitCell))
				for i, v := range unitCell {
					cell[i] = v
				}
				params["unit_cell"] = cell
			}
			if anomalous != "" {
				params["diffraction_plan_info"] = map[string]any{"anomalousScatterer": anomalous}
			}
			if len(sweeps) > 0 {
				list, err := parseSweeps(sweeps)
				if err != nil {
					return err
				}
				params["sweep_list"] = list
			}

			scenario, err := mimas.ScenarioFromParameters(params)
			if err != nil {
				return err
			}
			return printTasks(cmd.OutOrStdout(), engine.Decide(scenario), asJSON)
		},
	}
	cmd.Flags().StringVar(&event, "event", "start", "start or end")
	cmd.Flags().StringVar(&beamline, "beamline", "", "beamline name")
	cmd.Flags().StringVar(&dcClass, "dc-class", "", "gridscan, rotation, screening or undefined")
	cmd.Flags().StringVar(&detector, "detector", "", "eiger or pilatus")
	cmd.Flags().StringVar(&spaceGroup, "space-group", "", "space group symbol")
	cmd.Flags().Float64SliceVar(&unitCell, "unit-cell", nil, "a,b,c,alpha,beta,gamma")
	cmd.Flags().StringArrayVar(&sweeps, "sweep", nil, "dcid:start:end (repeatable)")
	cmd.Flags().StringVar(&anomalous, "anomalous", "", "anomalous scatterer element")
	cmd.Flags().StringVar(&runStatus, "run-status", "", "run status reported by the beamline")
	cmd.Flags().StringVar(&preferred, "preferred", "", "preferred processing pipeline")
	cmd.Flags().StringVar(&visit, "visit", "", "visit name")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print bus messages instead of command lines")
	return cmd
}

func parseSweeps(specs []string) ([]any, error) {
	out := make([]any, 0, len(specs))
	for _, s := range specs {
		parts := strings.Split(s, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("sweep %q is not dcid:start:end", s)
		}
		sweep := make([]any, 3)
		for i, p := range parts {
			n, err := strconv.Atoi(p)
			if err != nil {
				return nil, fmt.Errorf("sweep %q: %w", s, err)
			}
			sweep[i] = n
		}
		out = append(out, sweep)
	}
	return out, nil
}

func printTasks(w io.Writer, tasks []mimas.Task, asJSON bool) error {
	if !asJSON {
		for _, t := range tasks {
			fmt.Fprintln(w, mimas.CommandLine(t))
		}
		return nil
	}
	enc := json.NewEncoder(w)
	for _, t := range tasks {
		var m map[string]any
		switch x := t.(type) {
		case mimas.RecipeInvocation:
			m = mimas.Message(x)
		case mimas.JobInvocation:
			m = mimas.JobCommand(x)
		}
		if err := enc.Encode(m); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// send
// ============================================================================

func buildSendCommand() *cobra.Command {
	var (
		delay    time.Duration
		isRecipe bool
		headers  []string
		remote   string
	)

	cmd := &cobra.Command{
		Use:   "send <channel> [json]",
		Short: "Publish a message on a channel of a running bus",
		Long:  "Publish a JSON message. The message is read from standard input when omitted or '-'.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			var arg string
			if len(args) == 2 {
				arg = args[1]
			}
			body, err := readJSON(arg, cmd.InOrStdin())
			if err != nil {
				return err
			}
			header := make(map[string]string, len(headers))
			for _, h := range headers {
				k, v, ok := strings.Cut(h, "=")
				if !ok || k == "" {
					return fmt.Errorf("header %q is not key=value", h)
				}
				header[k] = v
			}

			client, closeConn, err := dialRemote(cfg, remote)
			if err != nil {
				return err
			}
			defer closeConn()

			ctx, cancel := context.WithTimeout(cmd.Context(), remoteTimeout)
			defer cancel()
			msg := server.Message{Channel: args[0], Payload: body, Header: header, Delay: delay, Recipe: isRecipe}
			if err := client.Send(ctx, msg); err != nil {
				return fmt.Errorf("failed to send: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %d bytes to %s\n", len(body), args[0])
			return nil
		},
	}
	cmd.Flags().DurationVar(&delay, "delay", 0, "deliver after this delay")
	cmd.Flags().BoolVar(&isRecipe, "recipe", false, "the message is a recipe envelope")
	cmd.Flags().StringArrayVar(&headers, "header", nil, "message header key=value (repeatable)")
	cmd.Flags().StringVar(&remote, "remote", "", "ingest address (default localhost:<grpc.port>)")
	return cmd
}

// ============================================================================
// wrap
// ============================================================================

// remoteSender publishes wrapper output through the ingest service.
type remoteSender struct {
	ctx    context.Context
	client *server.Client
}

func (s remoteSender) Send(channel string, body json.RawMessage, opts bus.SendOptions) error {
	return s.client.Send(s.ctx, server.Message{Channel: channel, Payload: body, Header: opts.Header, Delay: opts.Delay})
}

// printSender writes wrapper output as JSON lines instead of sending it.
type printSender struct {
	enc *json.Encoder
}

func (s printSender) Send(channel string, body json.RawMessage, opts bus.SendOptions) error {
	return s.enc.Encode(map[string]any{"channel": channel, "header": opts.Header, "body": body})
}

func buildWrapCommand() *cobra.Command {
	var (
		envelope string
		remote   string
		dryRun   bool
	)

	cmd := &cobra.Command{
		Use:   "wrap <wrapper>",
		Short: "Run a wrapper for one recipe step",
		Long:  "Run a wrapped program for the recipe step held in a recipe envelope file.\n\nWrappers: " + strings.Join(wrapper.Names(), ", "),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			prog, err := wrapper.Lookup(args[0], nil)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(envelope)
			if err != nil {
				return fmt.Errorf("failed to read recipe envelope: %w", err)
			}
			rw, _, _, err := recipe.Unwrap(map[string]string{recipe.HeaderRecipe: "true"}, data)
			if err != nil {
				return err
			}

			if dryRun {
				rw = rw.Bind(printSender{enc: json.NewEncoder(cmd.OutOrStdout())})
			} else {
				client, closeConn, err := dialRemote(cfg, remote)
				if err != nil {
					return err
				}
				defer closeConn()
				rw = rw.Bind(remoteSender{ctx: cmd.Context(), client: client})
			}

			outcome, err := prog.Run(cmd.Context(), rw)
			if err != nil {
				return fmt.Errorf("%s: %w", prog.Name(), err)
			}
			if outcome != wrapper.Success {
				return fmt.Errorf("%s finished with %s", prog.Name(), outcome)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&envelope, "recipewrapper", "", "recipe envelope JSON file")
	cmd.Flags().StringVar(&remote, "remote", "", "ingest address (default localhost:<grpc.port>)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print output messages instead of sending them")
	cmd.MarkFlagRequired("recipewrapper")
	return cmd
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var remote string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration and bus status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			var stats map[string]any
			client, closeConn, err := dialRemote(cfg, remote)
			if err == nil {
				defer closeConn()
				ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
				defer cancel()
				stats, err = client.Stats(ctx)
			}
			showStatus(cmd.OutOrStdout(), cfg, stats, err)
			return nil
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "ingest address (default localhost:<grpc.port>)")
	return cmd
}

func showStatus(w io.Writer, cfg *Config, stats map[string]any, statsErr error) {
	fmt.Fprintln(w, "Configuration:")
	fmt.Fprintf(w, "  config file:      %s\n", configFile)
	journal := cfg.Bus.JournalDir
	if journal == "" {
		journal = "(memory only)"
	}
	fmt.Fprintf(w, "  bus journal:      %s\n", journal)
	fmt.Fprintf(w, "  max redeliveries: %d\n", cfg.Bus.MaxRedeliveries)
	fmt.Fprintf(w, "  recipes:          %s\n", cfg.Recipes.Base)
	fmt.Fprintf(w, "  ispyb:            %s %s\n", cfg.ISPyB.Driver, cfg.ISPyB.DSN)
	fmt.Fprintf(w, "  scheduler:        %s (namespace %s)\n", cfg.Watcher.Scheduler, cfg.Watcher.Namespace)
	fmt.Fprintf(w, "  grpc port:        %d\n", cfg.GRPC.Port)
	if cfg.API.Enabled {
		fmt.Fprintf(w, "  admin api:        http://localhost:%d\n", cfg.API.Port)
	}
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  metrics:          http://localhost:%d/metrics\n", cfg.Metrics.Port)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Bus:")
	if statsErr != nil {
		fmt.Fprintf(w, "  not reachable: %v\n", statsErr)
		return
	}
	for _, k := range []string{"uptime", "published", "delivered", "acked", "nacked", "dead_lettered", "in_flight"} {
		if v, ok := stats[k]; ok {
			fmt.Fprintf(w, "  %-14s %v\n", k+":", v)
		}
	}
	pending, _ := stats["pending"].(map[string]any)
	channels := make([]string, 0, len(pending))
	for ch := range pending {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	if len(channels) > 0 {
		fmt.Fprintln(w, "  pending:")
		for _, ch := range channels {
			fmt.Fprintf(w, "    %-30s %v\n", ch, pending[ch])
		}
	}
}
