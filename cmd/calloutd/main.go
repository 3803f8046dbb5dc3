package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-callout/internal/config"
	"github.com/loqalabs/loqa-callout/internal/runtime"
)

var version = "0.1.0-dev"

const (
	defaultConfigPath = "callout.yaml"
	configEnv         = "CALLOUT_CONFIG"
)

func main() {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", configPathFromEnv(), "Path to configuration file (env "+configEnv+")")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Usage = usage
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger = newLogger(cfg.Telemetry)

	rt := runtime.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

// configPathFromEnv returns $CALLOUT_CONFIG, falling back to callout.yaml in
// the working directory.
func configPathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(configEnv)); path != "" {
		return path
	}
	return defaultConfigPath
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: calloutd [-config path] [-version]\n\n")
	fmt.Fprintf(out, "Captures push-to-talk callouts, matches them against roads and vehicles\n")
	fmt.Fprintf(out, "and streams the results to websocket clients.\n\n")
	flag.PrintDefaults()
	fmt.Fprintf(out, "\nEnvironment:\n")
	fmt.Fprintf(out, "  %s\tconfiguration file when -config is not given\n", configEnv)
	fmt.Fprintf(out, "  OPENAI_API_KEY\ttranscription API key (also read from .env)\n")
	fmt.Fprintf(out, "  CALLOUT_*\toverride individual settings, e.g. CALLOUT_HTTP_PORT, CALLOUT_AUDIO_DEVICE\n")
}

func newLogger(cfg config.TelemetryConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(cfg.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
