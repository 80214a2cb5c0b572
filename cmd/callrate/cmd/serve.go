package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/callrate/internal/api"
	"github.com/opensource-finance/callrate/internal/domain"
	"github.com/opensource-finance/callrate/internal/worker"
	"github.com/spf13/cobra"
)

var (
	serveWorker     bool
	serveTenants    []string
	serveQueueGroup string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the rating HTTP API",
	Long: `Run the HTTP API. In the pro tier, or with --worker, an async worker also
rates calls published on the event bus and announces the results.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveWorker, "worker", false, "run the async worker (always on in the pro tier)")
	serveCmd.Flags().StringSliceVar(&serveTenants, "tenants", nil, "tenants the worker serves (default all, or CALLRATE_TENANTS)")
	serveCmd.Flags().StringVar(&serveQueueGroup, "queue-group", "callrate-workers", "queue group shared by workers of several processes")
}

func runServe(cmd *cobra.Command, args []string) error {
	slog.Info("starting callrate",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"plans", len(cfg.Plans),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || serveWorker || os.Getenv("CALLRATE_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(a.bus, a.rater, a.snapshots)

		tenants := serveTenants
		if len(tenants) == 0 {
			tenants = splitList(os.Getenv("CALLRATE_TENANTS"))
		}

		if err := asyncWorker.Start(worker.Config{
			TenantIDs:  tenants,
			QueueGroup: serveQueueGroup,
		}); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		}
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Rater: a.rater,
		Repo:  a.repo,
		Cache: a.cache,
		Bus:   a.bus,
	}, Version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	slog.Info("callrate is ready", "addr", srv.Addr())
	printBanner(cmd.OutOrStdout(), cfg, Version)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		slog.Error("server failed", "error", err)
		return err
	}

	// Stop consuming before the server so in-flight ratings can persist
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("callrate shutdown complete")
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func printBanner(w io.Writer, cfg *domain.Config, version string) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  CALLRATE - telephone call rating engine")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Version:  %s\n", version)
	fmt.Fprintf(w, "  Tier:     %s\n", cfg.Tier)
	fmt.Fprintf(w, "  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Endpoints:")
	fmt.Fprintln(w, "    POST /rate              - Rate a call")
	fmt.Fprintln(w, "    POST /rate/batch        - Rate a batch of calls")
	fmt.Fprintln(w, "    GET  /ratings/{id}      - Get a rated call by ID")
	fmt.Fprintln(w, "    GET  /rules             - List review rules")
	fmt.Fprintln(w, "    POST /rules             - Create a review rule")
	fmt.Fprintln(w, "    POST /rules/reload      - Hot-reload rules from database")
	fmt.Fprintln(w, "    POST /reference         - Import tariff reference data")
	fmt.Fprintln(w, "    POST /reference/reload  - Drop cached reference snapshots")
	fmt.Fprintln(w, "    GET  /health            - Health check")
	fmt.Fprintln(w)
}
