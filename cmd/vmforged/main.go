// Command vmforged runs the sandbox orchestration daemon: the Registry,
// the Warm Pool, the Health Reconciler, and the Admin HTTP surface wired
// together. Grounded on the teacher's cmd/sandkasten/main.go
// flag-parsing-then-serve shape, generalized to cobra subcommands in the
// style of jkaninda-akili/cmd/akili/main.go (root command defaulting to
// serve, sibling subcommands for version/one-shot introspection).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/vmforge/vmforge/internal/admin"
	"github.com/vmforge/vmforge/internal/config"
	"github.com/vmforge/vmforge/internal/facade"
	"github.com/vmforge/vmforge/internal/health"
	"github.com/vmforge/vmforge/internal/hypervisor"
	"github.com/vmforge/vmforge/internal/metrics"
	"github.com/vmforge/vmforge/internal/pool"
	"github.com/vmforge/vmforge/internal/registry"
	"github.com/vmforge/vmforge/internal/sandbox"
)

var (
	version = "dev"
	commit  = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "vmforged",
	Short:         "vmforged runs the microVM sandbox orchestration daemon",
	RunE:          runServe,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the daemon (registry, warm pool, health reconciler, admin HTTP)",
	RunE:  runServe,
}

var poolStatsCmd = &cobra.Command{
	Use:   "pool-stats",
	Short: "Boot a pool against the configured template and print its stats after a 10-second warm-up window",
	RunE:  runPoolStats,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("vmforged %s (commit: %s)\n", version, commit)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd, poolStatsCmd} {
		cmd.Flags().StringVar(&configPath, "config", "", "path to vmforged.yaml")
	}
	rootCmd.AddCommand(serveCmd, poolStatsCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// parseLogLevel maps the config's log_level string onto a slog.Level,
// defaulting to Info on an empty or unrecognized value.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func buildTemplate(cfg *config.Config) sandbox.Config {
	return sandbox.Config{
		KernelPath:       cfg.Defaults.KernelPath,
		RootfsPath:       cfg.Defaults.RootfsPath,
		HypervisorBinary: cfg.Defaults.HypervisorBinary,
		WorkDirRoot:      cfg.WorkDirRoot,
		VCPUCount:        cfg.Defaults.VCPUCount,
		MemoryMiB:        cfg.Defaults.MemoryMiB,
		Timeout:          cfg.Timeout(),
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}))

	launcher := hypervisor.NewProcessLauncher(logger)
	template := buildTemplate(cfg)
	reg := registry.New(launcher, template, cfg.MaxSandboxes, logger)

	var p *pool.Pool
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Pool.Enabled {
		p = pool.New(launcher, pool.Config{
			MinSize:            cfg.Pool.MinSize,
			MaxConcurrentBoots: cfg.Pool.MaxConcurrentBoots,
			FillInterval:       cfg.FillInterval(),
			Template:           template,
		}, logger)
		p.Start(ctx)
	}

	f := facade.New(reg, p, logger)

	reconciler := health.New(reg, time.Duration(cfg.HealthInterval)*time.Second, logger)
	go reconciler.Run(ctx)

	promReg := prometheus.NewRegistry()
	metrics.New(promReg, reg, p)

	srv := admin.NewServer(f, promReg, logger)
	httpServer := &http.Server{Addr: cfg.Listen, Handler: srv.Handler()}

	go func() {
		logger.Info("admin HTTP surface listening", "addr", cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_ = httpServer.Shutdown(shutdownCtx)

	if p != nil {
		p.Shutdown(shutdownCtx)
	}
	reg.DestroyAll(shutdownCtx)

	logger.Info("vmforged stopped")
	return nil
}

func runPoolStats(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}))

	launcher := hypervisor.NewProcessLauncher(logger)
	template := buildTemplate(cfg)

	p := pool.New(launcher, pool.Config{
		MinSize:            cfg.Pool.MinSize,
		MaxConcurrentBoots: cfg.Pool.MaxConcurrentBoots,
		FillInterval:       cfg.FillInterval(),
		Template:           template,
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.Start(ctx)

	<-ctx.Done()
	p.Shutdown(context.Background())

	stats := p.Stats()
	fmt.Printf("created=%d destroyed=%d warm_hits=%d cold_misses=%d hit_rate=%.1f%%\n",
		stats.Created(), stats.Destroyed(), stats.WarmHits(), stats.ColdMisses(), stats.HitRate())
	return nil
}
