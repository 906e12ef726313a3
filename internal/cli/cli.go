// ============================================================================
// mxflow CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra command tree and YAML configuration for the mxflow binary
//
// Command Structure:
//   mxflow                         # Root command
//   ├── run <service...>           # Start services on an in-process bus
//   ├── dispatch <recipe...>       # Submit a processing request
//   ├── mimas                      # Print the tasks Mimas decides
//   ├── send <channel> [json]      # Publish a raw message
//   ├── wrap <wrapper>             # Run a wrapper for one recipe step
//   ├── status                     # Show configuration and bus statistics
//   ├── --config, -c               # Config file (all commands)
//   └── --version
//
// Configuration:
//   One YAML file; every section is optional and every value has a default
//   (see applyDefaults). Sections: bus, recipes, mimas, dispatcher,
//   xray_centering, watcher, ispyb, pia, indexer, strategy, metrics, grpc,
//   api, logging.
//
// Remote commands (dispatch, send, status, wrap) talk to the gRPC ingest
// service of a running `mxflow run`, at --remote or localhost:<grpc.port>.
//
// ============================================================================

package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/mxflow/internal/mimas"
)

// Version is set at link time.
var Version = "0.1.0"

// DefaultConfigFile is read when --config is not given. A missing default
// file is not an error.
const DefaultConfigFile = "configs/mxflow.yaml"

// Config represents the complete configuration of a process.
type Config struct {
	Bus struct {
		JournalDir       string        `yaml:"journal_dir"`
		SnapshotInterval time.Duration `yaml:"snapshot_interval"`
		SyncOnAppend     bool          `yaml:"sync_on_append"`
		MaxRedeliveries  int           `yaml:"max_redeliveries"`
		Prefetch         int           `yaml:"prefetch"`
		AckTimeout       time.Duration `yaml:"ack_timeout"`
	} `yaml:"bus"`

	Recipes struct {
		Base     string   `yaml:"base"`
		Deferred []string `yaml:"deferred"`
		Watch    bool     `yaml:"watch"`
	} `yaml:"recipes"`

	Mimas mimas.Config `yaml:"mimas"`

	Dispatcher struct {
		Logbook          string        `yaml:"logbook"`
		ReadinessTimeout time.Duration `yaml:"readiness_timeout"`
		// Metadata enables readiness checks and enrichment from ISPyB.
		Metadata bool `yaml:"metadata"`
	} `yaml:"dispatcher"`

	XrayCentering struct {
		GCInterval time.Duration `yaml:"gc_interval"`
		Expiry     time.Duration `yaml:"expiry"`
	} `yaml:"xray_centering"`

	Watcher struct {
		Scheduler  string        `yaml:"scheduler"`
		Kubeconfig string        `yaml:"kubeconfig"`
		Namespace  string        `yaml:"namespace"`
		Timeout    time.Duration `yaml:"timeout"`
		Statistics bool          `yaml:"statistics"`
		Cluster    string        `yaml:"cluster"`
	} `yaml:"watcher"`

	ISPyB struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"ispyb"`

	PIA struct {
		Command []string      `yaml:"command"`
		Workers int           `yaml:"workers"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"pia"`

	Indexer struct {
		Command []string      `yaml:"command"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"indexer"`

	Strategy struct {
		RecipeDir string `yaml:"recipe_dir"`
	} `yaml:"strategy"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	GRPC struct {
		Port int `yaml:"port"`
	} `yaml:"grpc"`

	API struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"api"`

	Logging struct {
		Format string `yaml:"format"`
		Level  string `yaml:"level"`
	} `yaml:"logging"`
}

func (c *Config) applyDefaults() {
	if c.Bus.SnapshotInterval <= 0 {
		c.Bus.SnapshotInterval = 30 * time.Second
	}
	if c.Bus.MaxRedeliveries <= 0 {
		c.Bus.MaxRedeliveries = 5
	}
	if c.Bus.Prefetch <= 0 {
		c.Bus.Prefetch = 1
	}
	if c.Recipes.Base == "" {
		c.Recipes.Base = "recipes"
	}
	if c.Mimas.MXBeamlines == nil {
		c.Mimas.MXBeamlines = mimas.DefaultConfig().MXBeamlines
	}
	if c.Mimas.SpaceGroupAliases == nil {
		c.Mimas.SpaceGroupAliases = mimas.DefaultConfig().SpaceGroupAliases
	}
	if c.Dispatcher.ReadinessTimeout <= 0 {
		c.Dispatcher.ReadinessTimeout = 2 * time.Minute
	}
	if c.XrayCentering.GCInterval <= 0 {
		c.XrayCentering.GCInterval = time.Minute
	}
	if c.XrayCentering.Expiry <= 0 {
		c.XrayCentering.Expiry = 15 * time.Minute
	}
	if c.Watcher.Scheduler == "" {
		c.Watcher.Scheduler = "kubernetes"
	}
	if c.Watcher.Namespace == "" {
		c.Watcher.Namespace = "default"
	}
	if c.Watcher.Timeout <= 0 {
		c.Watcher.Timeout = time.Hour
	}
	if c.ISPyB.Driver == "" {
		c.ISPyB.Driver = "sqlite"
	}
	if c.ISPyB.DSN == "" {
		c.ISPyB.DSN = "ispyb.db"
	}
	if c.PIA.Workers <= 0 {
		c.PIA.Workers = 4
	}
	if c.PIA.Timeout <= 0 {
		c.PIA.Timeout = 5 * time.Minute
	}
	if c.Indexer.Timeout <= 0 {
		c.Indexer.Timeout = 2 * time.Minute
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.GRPC.Port == 0 {
		c.GRPC.Port = 50051
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

var (
	configFile string
	logLevel   string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mxflow",
		Short: "mxflow: message-driven processing for MX data collections",
		Long: `mxflow runs the services of a crystallography processing pipeline
on a durable in-process message bus:
- Mimas decides what to run for each data collection event
- the dispatcher starts recipes
- per-image analysis feeds X-ray centering
- the watcher follows cluster jobs
- the ISPyB connector records results`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", DefaultConfigFile, "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildDispatchCommand())
	rootCmd.AddCommand(buildMimasCommand())
	rootCmd.AddCommand(buildSendCommand())
	rootCmd.AddCommand(buildWrapCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// setup loads the configuration and installs the process logger.
func setup(cmd *cobra.Command) (*Config, error) {
	explicit := cmd.Flags().Changed("config")
	cfg, err := loadConfig(configFile)
	if err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = &Config{}
		cfg.applyDefaults()
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	logger, level, err := newLogger(cmd.ErrOrStderr(), cfg.Logging.Format, cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	// package loggers taken before SetDefault still filter at this level
	slog.SetLogLoggerLevel(level)
	return cfg, nil
}

func newLogger(w io.Writer, format, level string) (*slog.Logger, slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, 0, fmt.Errorf("logging.level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), lvl, nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), lvl, nil
	default:
		return nil, 0, fmt.Errorf("logging.format: unknown format %q", format)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.applyDefaults()

	return &cfg, nil
}
