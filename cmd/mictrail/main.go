// Command mictrail captures audio and keeps a rolling, size-bounded trail of
// WAV segment files on disk, controllable over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/MrWong99/mictrail/internal/app"
	"github.com/MrWong99/mictrail/internal/config"
	"github.com/MrWong99/mictrail/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload buffering.enabled and server.log_level when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "mictrail: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "mictrail: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	out, closeLog := logOutput(cfg.Server)
	defer closeLog()
	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})))

	slog.Info("mictrail starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg,
		app.WithLogLevel(level),
		app.WithMetricsHandler(provider.MetricsHandler),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	var extra []func(context.Context) error
	if *watch {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Error("failed to start config watcher", "err", err)
			_ = application.Shutdown(context.Background())
			return 1
		}
		extra = append(extra, w.Run)
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx, extra...); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// logOutput returns stderr, or a rotating file when server.log_file is set.
func logOutput(s config.ServerConfig) (io.Writer, func()) {
	if s.LogFile == "" {
		return os.Stderr, func() {}
	}
	lj := &lumberjack.Logger{
		Filename:   s.LogFile,
		MaxSize:    s.LogMaxSizeMB,
		MaxBackups: s.LogMaxBackups,
		MaxAge:     s.LogMaxAgeDays,
		Compress:   true,
	}
	return lj, func() { _ = lj.Close() }
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        mictrail · startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Capture", fmt.Sprintf("%s %dHz", cfg.Capture.Source, cfg.Capture.SampleRate))
	printRow("Buffering", onOff(cfg.Buffering.Enabled))
	printRow("Directory", cfg.Buffering.Directory)
	printRow("Chunk", fmt.Sprintf("%ds", cfg.Buffering.ChunkDurationSeconds))
	printRow("Retention", fmt.Sprintf("%dmin", cfg.Buffering.MaxBufferedMinutes))
	printRow("Catalog", onOff(cfg.Catalog.PostgresDSN != ""))
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = "…" + value[len(value)-18:]
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

func onOff(v bool) string {
	if v {
		return "enabled"
	}
	return "(disabled)"
}
