package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/mxflow/internal/api"
	"github.com/ChuLiYu/mxflow/internal/bus"
	"github.com/ChuLiYu/mxflow/internal/ispyb"
	"github.com/ChuLiYu/mxflow/internal/metrics"
	"github.com/ChuLiYu/mxflow/internal/mimas"
	"github.com/ChuLiYu/mxflow/internal/recipe"
	"github.com/ChuLiYu/mxflow/internal/runtime"
	"github.com/ChuLiYu/mxflow/internal/scheduler"
	"github.com/ChuLiYu/mxflow/internal/server"
	"github.com/ChuLiYu/mxflow/internal/services/dispatcher"
	"github.com/ChuLiYu/mxflow/internal/services/indexer"
	"github.com/ChuLiYu/mxflow/internal/services/ispybsvc"
	"github.com/ChuLiYu/mxflow/internal/services/mimassvc"
	"github.com/ChuLiYu/mxflow/internal/services/pia"
	"github.com/ChuLiYu/mxflow/internal/services/strategy"
	"github.com/ChuLiYu/mxflow/internal/services/validation"
	"github.com/ChuLiYu/mxflow/internal/services/watcher"
	"github.com/ChuLiYu/mxflow/internal/services/xraycentering"
)

// statsInterval is how often queue gauges are refreshed.
const statsInterval = 5 * time.Second

var ErrUnknownService = errors.New("unknown service")

// deps are the shared resources services are built from. Each is created
// on first use and closed by close.
type deps struct {
	ctx       context.Context
	cfg       *Config
	collector *metrics.Collector

	store   ispyb.Store
	recipes *recipe.Store
	engine  *mimas.Engine
}

func (d *deps) ispybStore() (ispyb.Store, error) {
	if d.store != nil {
		return d.store, nil
	}
	s, err := ispyb.Open(d.ctx, d.cfg.ISPyB.Driver, d.cfg.ISPyB.DSN)
	if err != nil {
		return nil, err
	}
	d.store = s
	return s, nil
}

func (d *deps) mimasEngine() (*mimas.Engine, error) {
	if d.engine != nil {
		return d.engine, nil
	}
	e, err := mimas.NewEngine(d.cfg.Mimas)
	if err != nil {
		return nil, err
	}
	d.engine = e
	return e, nil
}

func (d *deps) recipeStore() (*recipe.Store, error) {
	if d.recipes != nil {
		return d.recipes, nil
	}
	s := recipe.NewStore(d.cfg.Recipes.Base)
	if d.cfg.Recipes.Watch {
		if err := s.Watch(d.ctx); err != nil {
			return nil, err
		}
	}
	d.recipes = s
	return s, nil
}

func (d *deps) close() {
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			slog.Warn("closing ispyb store", "error", err)
		}
	}
}

// services maps the names accepted by `run` to their constructors.
var services = map[string]func(d *deps) (runtime.Service, error){
	"dispatcher": func(d *deps) (runtime.Service, error) {
		store, err := d.recipeStore()
		if err != nil {
			return nil, err
		}
		cfg := dispatcher.Config{
			Recipes:          store,
			Deferred:         d.cfg.Recipes.Deferred,
			Logbook:          d.cfg.Dispatcher.Logbook,
			ReadinessTimeout: d.cfg.Dispatcher.ReadinessTimeout,
		}
		if d.cfg.Dispatcher.Metadata {
			s, err := d.ispybStore()
			if err != nil {
				return nil, err
			}
			cfg.Metadata = dispatcher.StoreMetadata{Store: s}
		}
		return dispatcher.New(cfg), nil
	},
	"mimas": func(d *deps) (runtime.Service, error) {
		e, err := d.mimasEngine()
		if err != nil {
			return nil, err
		}
		return mimassvc.New(e), nil
	},
	"xraycentering": func(d *deps) (runtime.Service, error) {
		return xraycentering.New(xraycentering.Config{
			GCInterval: d.cfg.XrayCentering.GCInterval,
			Expiry:     d.cfg.XrayCentering.Expiry,
			Observer:   d.collector,
		}), nil
	},
	"watcher": func(d *deps) (runtime.Service, error) {
		s, err := scheduler.Open(d.cfg.Watcher.Scheduler, d.cfg.Watcher.Kubeconfig, d.cfg.Watcher.Namespace)
		if err != nil {
			return nil, err
		}
		return watcher.New(watcher.Config{
			Scheduler:  s,
			Timeout:    d.cfg.Watcher.Timeout,
			Statistics: d.cfg.Watcher.Statistics,
			Cluster:    d.cfg.Watcher.Cluster,
			Observer:   d.collector,
		}), nil
	},
	"validation": func(d *deps) (runtime.Service, error) {
		return validation.New(nil), nil
	},
	"pia": func(d *deps) (runtime.Service, error) {
		if len(d.cfg.PIA.Command) == 0 {
			return nil, errors.New("pia.command is not configured")
		}
		return pia.New(pia.Config{
			Finder:  pia.Command{Args: d.cfg.PIA.Command},
			Workers: d.cfg.PIA.Workers,
			Timeout: d.cfg.PIA.Timeout,
		}), nil
	},
	"indexer": func(d *deps) (runtime.Service, error) {
		if len(d.cfg.Indexer.Command) == 0 {
			return nil, errors.New("indexer.command is not configured")
		}
		return indexer.New(indexer.Command{Args: d.cfg.Indexer.Command}, d.cfg.Indexer.Timeout), nil
	},
	"strategy": func(d *deps) (runtime.Service, error) {
		return strategy.New(strategy.Config{RecipeDir: d.cfg.Strategy.RecipeDir}), nil
	},
	"ispyb": func(d *deps) (runtime.Service, error) {
		s, err := d.ispybStore()
		if err != nil {
			return nil, err
		}
		return ispybsvc.New(ispybsvc.Config{Executor: ispyb.NewExecutor(s)}), nil
	},
}

// ServiceNames lists what `run` accepts.
func ServiceNames() []string {
	names := make([]string, 0, len(services))
	for n := range services {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func buildServices(d *deps, names []string) ([]runtime.Service, error) {
	seen := make(map[string]bool, len(names))
	var out []runtime.Service
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		mk, ok := services[name]
		if !ok {
			return nil, fmt.Errorf("%w %q (known: %s)", ErrUnknownService, name, strings.Join(ServiceNames(), ", "))
		}
		svc, err := mk(d)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", name, err)
		}
		out = append(out, svc)
	}
	return out, nil
}

func brokerConfig(cfg *Config, o bus.Observer) bus.Config {
	bc := bus.Config{
		SnapshotInterval: cfg.Bus.SnapshotInterval,
		SyncOnAppend:     cfg.Bus.SyncOnAppend,
		MaxRedeliveries:  cfg.Bus.MaxRedeliveries,
		AckTimeout:       cfg.Bus.AckTimeout,
		DefaultPrefetch:  cfg.Bus.Prefetch,
		Observer:         o,
	}
	if cfg.Bus.JournalDir != "" {
		bc.JournalPath = filepath.Join(cfg.Bus.JournalDir, "bus.journal")
		bc.SnapshotPath = filepath.Join(cfg.Bus.JournalDir, "bus.snapshot")
	}
	return bc
}

func buildRunCommand() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "run [service...]",
		Short: "Start services on an in-process bus",
		Long: "Start the named services (or --all) on a durable in-process bus, " +
			"with the gRPC ingest service and, if enabled, the admin API and metrics.\n\n" +
			"Services: " + strings.Join(ServiceNames(), ", "),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all {
				args = ServiceNames()
			}
			if len(args) == 0 {
				return errors.New("name at least one service, or use --all")
			}
			cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, cfg, args)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "run every service")
	return cmd
}

func runSystem(ctx context.Context, cfg *Config, names []string) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	d := &deps{ctx: ctx, cfg: cfg, collector: collector}
	defer d.close()

	svcs, err := buildServices(d, names)
	if err != nil {
		return err
	}

	broker, err := bus.NewBroker(brokerConfig(cfg, collector))
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}
	if err := broker.Start(); err != nil {
		return fmt.Errorf("failed to start broker: %w", err)
	}
	defer broker.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runtime.Run(gctx, broker, svcs, runtime.WithObserver(collector))
	})

	g.Go(func() error {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			collector.UpdateQueueStats(broker.Stats())
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", cfg.GRPC.Port, err)
	}
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(server.LoggingInterceptor))
	server.Register(grpcServer, server.New(broker, broker.Stats))
	slog.Info("gRPC ingest listening", "port", cfg.GRPC.Port)
	g.Go(func() error { return grpcServer.Serve(lis) })
	g.Go(func() error {
		<-gctx.Done()
		grpcServer.GracefulStop()
		return nil
	})

	if cfg.API.Enabled {
		apiCfg := api.Config{Transport: broker, Stats: broker.Stats, Gatherer: reg}
		if apiCfg.Engine, err = d.mimasEngine(); err != nil {
			return err
		}
		e := api.New(apiCfg)
		addr := fmt.Sprintf(":%d", cfg.API.Port)
		slog.Info("admin API listening", "addr", addr)
		g.Go(func() error {
			if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return e.Shutdown(sctx)
		})
	}

	if cfg.Metrics.Enabled {
		slog.Info("metrics listening", "port", cfg.Metrics.Port)
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Port, reg); err != nil {
				slog.Error("metrics server stopped", "error", err)
			}
		}()
	}

	slog.Info("mxflow started", "services", names)
	err = g.Wait()
	slog.Info("mxflow stopped")
	return err
}
