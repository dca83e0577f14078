// Command fleetflow runs the vehicle event processor and its ops API.
//
// Usage:
//
//	fleetflow -config fleetflow.yaml
//
// Every option can be overridden from the environment, e.g.
// FLEETFLOW_BROKER_BACKEND=kafka or FLEETFLOW_RETRY_MAX_ATTEMPTS=8. Changes
// to log.level in the config file apply without a restart.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/fleetflow/pkg/fleetflow/config"
	"github.com/randalmurphal/fleetflow/pkg/fleetflow/opsapi"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML or JSON config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "fleetflow:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	settings, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := new(slog.LevelVar)
	level.Set(settings.Log.SlogLevel())
	logger := newLogger(os.Stdout, settings.Log.Format, level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, settings, logger)
	if err != nil {
		return err
	}
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.processor.Run(gctx)
	})
	g.Go(func() error {
		return opsapi.Serve(gctx, a.server, logger)
	})
	if configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, configPath, logger, func(s config.Settings) {
				level.Set(s.Log.SlogLevel())
				logger.Info("config reloaded", slog.String("log_level", s.Log.SlogLevel().String()))
			})
		})
	}
	return g.Wait()
}

func newLogger(w io.Writer, format string, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
