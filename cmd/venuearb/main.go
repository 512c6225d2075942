// Command venuearb watches prices for the same symbols across several venues
// and reports or submits the cross-venue opportunities that survive
// validation.
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

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/alanyoungcy/venuearb/internal/app"
	"github.com/alanyoungcy/venuearb/internal/config"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code so deferred closers, the log file
// included, run before exit.
func run(args []string) int {
	fs := flag.NewFlagSet("venuearb", flag.ContinueOnError)
	configPath := fs.String("config", "config.toml", "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger := newLogger(os.Stdout, slog.LevelInfo)
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		return 1
	}

	out, closeOut := logOutput(cfg.LogOutput, cfg.LogMaxAgeDays)
	defer closeOut()
	logger = newLogger(out, parseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("venuearb starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
	)
	logger.Debug("effective configuration", slog.Any("config", config.RedactedConfig(cfg)))

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			return 1
		}
		logger.Info("application shut down gracefully")
	}

	logger.Info("venuearb stopped")
	return 0
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// logOutput resolves the configured log destination. Anything other than
// stdout or stderr is a rotated file.
func logOutput(output string, maxAgeDays int) (io.Writer, func()) {
	switch output {
	case "", "stdout":
		return os.Stdout, func() {}
	case "stderr":
		return os.Stderr, func() {}
	}
	lj := &lumberjack.Logger{
		Filename: output,
		MaxSize:  100,
		MaxAge:   maxAgeDays,
		Compress: true,
	}
	return lj, func() { _ = lj.Close() }
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
