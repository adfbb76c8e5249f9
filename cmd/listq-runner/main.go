// Command listq-runner is the listq queue-processing daemon. It opens the
// site, starts one runner per processing queue plus the maintenance
// ticker, and drains cleanly on SIGINT/SIGTERM.
//
// Usage:
//
//	listq-runner [--config path/to/config.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/lindenmail/listq/internal/config"
	"github.com/lindenmail/listq/internal/site"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "listq-runner: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// A .env beside the binary is a development convenience; absence is
	// the normal production case.
	_ = godotenv.Load()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// ── 3. Assemble the site ─────────────────────────────────────────────────
	s, err := site.Open(cfg)
	if err != nil {
		return fmt.Errorf("open site: %w", err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			slog.Warn("site close error", "err", err)
		}
	}()

	slog.Info("listq starting",
		"host", cfg.Site.Host,
		"data_dir", cfg.Site.DataDir,
		"lists_file", cfg.Site.ListsFile,
		"poll_interval", cfg.Runner.PollInterval,
	)

	// ── 4. Optional Prometheus metrics listener ──────────────────────────────
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		go func() {
			slog.Info("metrics server listening", "addr", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, s.Reg.Handler()); err != nil {
				slog.Warn("metrics server error", "err", err)
			}
		}()
	}

	// ── 5. Run until SIGINT / SIGTERM ────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("listq ready")
	s.Run(ctx)

	slog.Info("listq stopped")
	return nil
}
