package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"netatlas/internal/adapter"
	"netatlas/internal/config"
	"netatlas/internal/handler"
	"netatlas/internal/hub"
	"netatlas/internal/logger"
	"netatlas/internal/netenv"
	"netatlas/internal/service"
)

func newServeCommand(g *globals) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run discovery and serve the topology API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				g.cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, g)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides server.addr)")
	return cmd
}

func serve(ctx context.Context, g *globals) error {
	cfg, log := g.cfg, g.log
	env := detectEnvironment(cfg, log)

	a, err := newApp(cfg, log, true)
	if err != nil {
		return err
	}
	defer a.close()
	svc := a.svc

	if err := svc.Restore(ctx); err != nil {
		log.Warn("starting with an empty graph", "err", err)
	}

	registry := adapter.NewRegistry(svc.Events(), log)
	registry.SetProgressPublisher(svc.Bus())
	ps, err := probes(cfg, cfg.Discovery.Targets, log)
	if err != nil {
		return err
	}
	if err := register(registry, ps); err != nil {
		return err
	}

	sseHub := hub.New(log)
	h := handler.NewGraphHandler(svc, log)
	h.SetSourceRegistry(registry)
	h.SetBaseContext(ctx)

	mux := http.NewServeMux()
	h.Routes(mux, sseHub)
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler.Chain(mux, handler.Recover(log), handler.CORS, handler.Logger(log)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := registry.Start(ctx); err != nil {
		return fmt.Errorf("start sources: %w", err)
	}

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		return svc.Run(ctx)
	})
	p.Go(func(ctx context.Context) error {
		sseHub.Run(ctx)
		return nil
	})
	p.Go(func(ctx context.Context) error {
		svc.Bus().Forward(ctx, 256, func(ev service.Event) { sseHub.Broadcast(ev) })
		return nil
	})
	p.Go(func(ctx context.Context) error {
		return listen(ctx, server, log)
	})
	if g.cfgPath != "" {
		reloader := config.NewReloader(g.cfgPath, func(next *config.Config) {
			applyReload(svc, next, env, g.logLevel == "")
		}, log)
		p.Go(func(ctx context.Context) error {
			if err := reloader.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("config watch stopped", "err", err)
			}
			return nil
		})
	}

	err = p.Wait()
	if serr := registry.Stop(); serr != nil {
		log.Warn("source shutdown", "err", serr)
	}
	log.Info("stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// listen serves until ctx is done, then shuts the server down gracefully
func listen(ctx context.Context, server *http.Server, log *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// applyReload pushes the tunable parts of a reloaded config into the running
// service. Targets and sources are fixed for the life of the process.
func applyReload(svc *service.TopologyService, next *config.Config, env netenv.Environment, setLevel bool) {
	next.ApplyEnvironment(env)
	svc.SetPolicy(next.Render)
	svc.SetLayoutConfig(next.Layout.Config)
	svc.SetMergeConfig(next.MergeConfig())
	if setLevel {
		logger.Level.SetByName(next.Log.Level)
	}
}
