package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/homelab-tools/dockmaster/pkg/daemon"
	"github.com/homelab-tools/dockmaster/pkg/errors"
	"github.com/homelab-tools/dockmaster/pkg/hardware"
	"github.com/homelab-tools/dockmaster/pkg/logging"
	"github.com/homelab-tools/dockmaster/pkg/monitoring"
	"github.com/homelab-tools/dockmaster/pkg/orchestrator"
	"github.com/homelab-tools/dockmaster/pkg/store"
)

// Run wires the engine together and serves until a shutdown signal.
func Run(configFile string, logger logging.Logger) error {
	logger.Infof("Dockmaster starting, config: %s", configFile)

	config, err := LoadConfigFromFile(configFile)
	if err != nil {
		return err
	}
	if err := ValidateConfig(config); err != nil {
		return errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}

	// Hardware detection failure degrades to the conservative minimum
	// profile; it never aborts startup.
	detectProfile := func() (hardware.Profile, error) {
		profile, err := hardware.Detect(logger)
		if err != nil {
			return hardware.Profile{}, err
		}
		if config.Hardware.Profile != "" {
			return hardware.WithTier(profile, config.Hardware.Profile)
		}
		return profile, nil
	}
	profile, err := detectProfile()
	if err != nil {
		logger.Warnf("Hardware detection failed, falling back to minimal profile: %v", err)
		profile = hardware.MinimalProfile()
	}

	st, err := store.OpenFileStore(config.State.File, logger)
	if err != nil {
		return err
	}

	gatewayConfig := daemon.Config{
		RequestTimeout: config.Daemon.RequestTimeout,
		PullTimeout:    config.Daemon.PullTimeout,
		StopGrace:      config.Daemon.StopGrace,
	}
	dockerGateway, err := daemon.NewDockerGateway(gatewayConfig, logging.NewLogger("gateway: ", loggerFuncs(logger)))
	if err != nil {
		return err
	}
	gateway := daemon.NewRetrying(dockerGateway, config.Daemon.Retry, logging.NewLogger("gateway: ", loggerFuncs(logger)))

	orch, err := orchestrator.New(profile, gateway, st, logging.NewLogger("orchestrator: ", loggerFuncs(logger)))
	if err != nil {
		return err
	}

	reconcileCtx, cancelReconcile := context.WithTimeout(context.Background(), 2*time.Minute)
	orch.ReconcileStartup(reconcileCtx)
	cancelReconcile()

	monitor := monitoring.NewMonitor(
		monitoring.Options{
			Interval:         config.Health.Interval,
			CheckTimeout:     config.Health.CheckTimeout,
			FailureThreshold: config.Health.FailureThreshold,
			MaxConcurrent:    config.Health.MaxConcurrent,
			EventBuffer:      16,
		},
		orch.RunningTargets,
		orch.CheckRunning,
		orch.ObserveHealth,
		logging.NewLogger("monitor: ", loggerFuncs(logger)),
	)
	go orch.ConsumeEvents(monitor.Events())
	monitor.Start()
	defer monitor.Stop()

	handler := NewHandler(orch, detectProfile, logger)

	app := fiber.New(fiber.Config{
		AppName:               "dockmaster",
		DisableStartupMessage: true,
	})
	handler.Register(app)

	listenErr := make(chan error, 1)
	go func() {
		address := fmt.Sprintf(":%d", config.Server.Port)
		logger.Infof("HTTP API listening on %s", address)
		listenErr <- app.Listen(address)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case received := <-sig:
		logger.Infof("Received signal: %v, shutting down", received)
	case err := <-listenErr:
		if err != nil {
			return errors.NewInternalError("HTTP server failed", err)
		}
	}

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Errorf("HTTP shutdown did not finish cleanly: %v", err)
	}

	logger.Infof("Dockmaster stopped")
	return nil
}

func loggerFuncs(logger logging.Logger) logging.LogFuncs {
	return logging.LogFuncs{
		Debugf: logger.Debugf,
		Infof:  logger.Infof,
		Warnf:  logger.Warnf,
		Errorf: logger.Errorf,
	}
}
