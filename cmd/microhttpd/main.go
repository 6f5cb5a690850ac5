// Command microhttpd serves a small demo application, using go-microhttp.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joeycumines/go-microhttp"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"golang.org/x/sync/errgroup"
)

var configFile = flag.String("config", "", "Path to configuration file")

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configFile, os.Stderr); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "microhttpd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configFile string, logOutput io.Writer) error {
	cfg, err := Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := newLogger(cfg.Logging, logOutput)
	if err != nil {
		return err
	}

	a := newApp(cfg.Workers.QueueSize)

	loop, err := microhttp.New(
		a,
		microhttp.WithOptions(cfg.Server.Options()),
		microhttp.WithLogger(logger),
		microhttp.WithMetrics(cfg.Server.Metrics),
		microhttp.WithAcceptRateLimit(cfg.RateLimit.Rates()),
	)
	if err != nil {
		return fmt.Errorf("failed to create event loop: %w", err)
	}
	if cfg.Server.Metrics {
		a.metrics = loop.Metrics
	}

	logger.Info().
		Str("addr", loop.Addr()).
		Int("workers", cfg.Workers.Count).
		Log("starting microhttpd")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(ctx) })
	for i := 0; i < cfg.Workers.Count; i++ {
		g.Go(func() error { return a.work(ctx) })
	}

	if err := g.Wait(); err != nil {
		logger.Err().Err(err).Log("microhttpd stopped")
		return err
	}
	logger.Info().Log("microhttpd stopped")
	return nil
}

func newLogger(c LoggingConfig, w io.Writer) (*logiface.Logger[logiface.Event], error) {
	level, err := c.ParseLevel()
	if err != nil {
		return nil, err
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(
			stumpy.WithWriter(w),
			stumpy.WithTimeField("ts"),
		),
		stumpy.L.WithLevel(level),
	).Logger(), nil
}
