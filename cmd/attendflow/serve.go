package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/attendflow/internal/playbook"
	"github.com/rendis/attendflow/pkg/mcp"
)

// loop is a background component with the Start/Stop lifecycle.
type loop interface {
	Start(ctx context.Context) error
	Stop() error
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the playbook runner, intake scheduler and outbox dispatcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(ctx)
		},
	}
}

// serve runs every loop until ctx is cancelled or one of them fails.
func (a *app) serve(ctx context.Context) error {
	if err := a.scheduler.RecoverMissed(ctx); err != nil {
		a.logger.Warn("missed job recovery failed", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range []loop{a.runner, a.scheduler, a.dispatcher} {
		g.Go(func() error {
			if err := l.Start(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			return l.Stop()
		})
	}

	if a.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			a.logger.Info("metrics listening", "addr", a.cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	a.logger.Info("attendflow serving", "holder", a.holder, "db", a.cfg.DBPath)
	err := g.Wait()
	a.logger.Info("attendflow stopped")
	return err
}

func newMCPCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the operator MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runMCP(ctx, opts.cfg)
		},
	}
}

// runMCP wires escalations to connected operators. The notifier needs the
// MCP server, which needs the app, so the broadcaster reaches it late.
func runMCP(ctx context.Context, cfg Config) error {
	sessions := mcp.NewSessionRegistry()
	var notifier *mcp.MCPNotifier
	late := mcp.NotifierFunc(func(ctx context.Context, operatorID string, payload map[string]any) error {
		if notifier == nil {
			return nil
		}
		return notifier.Notify(ctx, operatorID, payload)
	})

	a, err := newApp(ctx, cfg, withEscalationSink(func(next playbook.EscalationSink) playbook.EscalationSink {
		return mcp.NewEscalationBroadcaster(next, late, sessions, newLogger(cfg))
	}))
	if err != nil {
		return err
	}
	defer a.Close()

	srv := mcp.NewServer(mcp.ServerDeps{
		Store:      a.store,
		Simulator:  a.engine,
		Intervener: a.ladder,
		Runner:     a.runner,
		Outbox:     a.outbox,
		Sessions:   sessions,
		Logger:     a.logger,
	})
	notifier = mcp.NewMCPNotifier(srv.MCPServer(), sessions)
	return srv.Serve(ctx)
}
