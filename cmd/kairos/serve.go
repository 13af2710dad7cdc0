package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/denizumutdereli/kairos/pkg/api"
	"github.com/denizumutdereli/kairos/pkg/concurrency"
	"github.com/denizumutdereli/kairos/pkg/core"
	"github.com/denizumutdereli/kairos/pkg/daemon"
	"github.com/denizumutdereli/kairos/pkg/lifecycle"
)

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and MCP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve()
		},
	}
	f := cmd.Flags()
	a.overrides.HTTPAddr = f.String("http-addr", "", "HTTP listen address")
	a.overrides.MCPEnabled = f.Bool("mcp", false, "Enable the MCP endpoint")
	a.overrides.AdminEnabled = f.Bool("admin", false, "Enable admin endpoints")
	a.overrides.AdminUser = f.String("admin-user", "", "Admin username")
	a.overrides.AdminPassword = f.String("admin-password", "", "Admin password")
	return cmd
}

// serve implements the server startup sequence after flags are resolved.
func (a *app) serve() error {
	core.PrintBanner()
	cfg := a.cfg

	slog.Info("starting", "data_path", cfg.Storage.DataPath, "http", cfg.Server.HTTPAddr,
		"llm", cfg.LLM.Enabled, "journal", cfg.Journal.Enabled, "mcp", cfg.MCP.Enabled)

	org, err := a.openOrganism()
	if err != nil {
		return err
	}
	st := org.Stats()
	slog.Info("organism loaded", "turns", st.Turns, "families", st.Families,
		"extractors", len(st.Extractors), "recovered", st.Recovered)

	tracker := lifecycle.NewTracker(cfg.Daemons.IdleAfter)
	tracker.SetCallbacks(
		func() { slog.Debug("conversation went quiet") },
		func() { slog.Debug("conversation resumed") },
	)
	worker := concurrency.NewWorker(org, concurrency.DefaultQueueSize, concurrency.WithTracker(tracker))

	daemons := daemon.NewDaemonManager(worker, tracker, cfg.Daemons)
	daemons.Start()

	httpServer := api.NewServer(cfg.Server.HTTPAddr, worker, cfg)
	httpServer.SetDaemonManager(daemons)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	slog.Info("Kairos is ready")
	core.WaitForShutdown(gctx, cancel)
	slog.Info("initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown error", "error", err)
	}
	serveErr := g.Wait()
	if serveErr != nil {
		slog.Error("HTTP server error", "error", serveErr)
	}
	// Daemons first: the final persist goes through the worker.
	daemons.Stop()
	worker.Stop()

	if err := org.Close(); err != nil {
		slog.Error("organism close failed", "error", err)
		return err
	}
	slog.Info("Kairos shutdown complete")
	return serveErr
}
