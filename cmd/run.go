package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/am6737/tproxy/api"
	"github.com/am6737/tproxy/config"
	"github.com/am6737/tproxy/engine"
	"github.com/am6737/tproxy/hostsim"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func run(c *cli.Context) error {
	store := config.NewStore()
	if err := store.Initialize(config.FileSource{Path: c.String("config")}); err != nil {
		return err
	}
	cfg, err := store.Config()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	logger.WithField("config", cfg.String()).Info("Configuration loaded")

	e, err := engine.New(cfg, engine.WithLogger(logger))
	if err != nil {
		return err
	}
	defer e.Free()

	if err := e.Start(); err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		go metrics.Log(e.Metrics(), cfg.Metrics.Interval, logger.WithField("component", "metrics"))
	}

	sim, err := hostsim.New(logger, e, cfg.Simulator)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()
	go shutdown(ctx, logger, cancel)

	if err := sim.Start(ctx); err != nil {
		return err
	}
	return e.Stop(api.StopReasonUserInitiated)
}

// shutdown cancels the run context on SIGINT or SIGTERM.
func shutdown(ctx context.Context, logger *logrus.Logger, cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case rawSig := <-sigChan:
		logger.WithField("signal", rawSig.String()).Info("Caught signal, shutting down")
		cancel()
	case <-ctx.Done():
	}
}
