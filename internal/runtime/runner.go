package runtime

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/mxflow/internal/bus"
)

// Service is a long-running consumer. Initialize subscribes and registers
// idle callbacks; the runtime then drives it until shutdown.
type Service interface {
	Name() string
	Initialize(ctx context.Context, rt *Runtime) error
}

// Shutdowner is implemented by services holding resources beyond the bus.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Run starts every service on its own runtime and blocks until ctx ends or
// one of them fails to initialize. A clean shutdown returns nil.
func Run(ctx context.Context, transport bus.Transport, services []Service, opts ...Option) error {
	if len(services) == 0 {
		return errors.New("runtime: no services to run")
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range services {
		svc := svc
		g.Go(func() error {
			rt := New(gctx, svc.Name(), transport, opts...)
			defer rt.Close()

			if err := svc.Initialize(gctx, rt); err != nil {
				return fmt.Errorf("service %s: %w", svc.Name(), err)
			}
			rt.Logger().Info("service started")

			<-gctx.Done()

			if sd, ok := svc.(Shutdowner); ok {
				if err := sd.Shutdown(context.Background()); err != nil {
					rt.Logger().Warn("shutdown failed", "error", err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}
