package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tomyedwab/relayhub/relayhub/audit"
	"github.com/tomyedwab/relayhub/relayhub/config"
	"github.com/tomyedwab/relayhub/relayhub/manifest"
	"github.com/tomyedwab/relayhub/relayhub/processes"
	"github.com/tomyedwab/relayhub/relayhub/registry"
	"github.com/tomyedwab/relayhub/relayhub/relay"
)

// Journal entries older than this are dropped at startup.
const journalRetention = 30 * 24 * time.Hour

// run starts the unit and blocks until ctx is done or the relay fails. A signal during startup
// shuts down cleanly; every other startup failure is returned.
func run(ctx context.Context, cfg *config.Config, stdout io.Writer) error {
	logger := cfg.NewLogger(stdout)
	slog.SetDefault(logger)

	m, err := manifest.Load(cfg.ManifestPath)
	if err != nil {
		return err
	}
	backend, ok := m.Find(cfg.Backend)
	if !ok {
		return fmt.Errorf("%w: backend process %q is not declared in %s", manifest.ErrInvalid, cfg.Backend, cfg.ManifestPath)
	}
	// The relay can only reach a backend that is published with a port.
	if !backend.Listens() {
		return fmt.Errorf("%w: backend process %q sets neither port nor allocate_port", manifest.ErrInvalid, cfg.Backend)
	}

	portManager, err := processes.NewPortManager(cfg.PortRangeMin, cfg.PortRangeMax)
	if err != nil {
		return err
	}
	reg := registry.New()
	supCfg := processes.Config{
		Registry:               reg,
		PortManager:            portManager,
		Logger:                 logger,
		RestartCap:             cfg.RestartCap,
		RestartWindow:          cfg.RestartWindow,
		RestartBackoffInitial:  cfg.BackoffInitial,
		RestartBackoffMax:      cfg.BackoffMax,
		GracefulShutdownPeriod: cfg.GracePeriod,
		DependencyTimeout:      cfg.DependencyTimeout,
		Env:                    cfg.ChildEnv(),
		InternalSecret:         uuid.NewString(),
	}
	if cfg.LogFormat == config.LogFormatConsole {
		names := make([]string, 0, len(m.Processes))
		for _, d := range m.Processes {
			names = append(names, d.Name)
		}
		supCfg.Output = processes.NewConsoleSink(stdout, names)
	}
	var events relay.EventLog
	if cfg.StateDir != "" {
		journal, err := audit.Open(cfg.StateDir, logger)
		if err != nil {
			return err
		}
		defer journal.Close()
		if pruned, err := journal.Prune(journalRetention); err != nil {
			logger.Warn("Failed to prune lifecycle journal", "error", err)
		} else if pruned > 0 {
			logger.Info("Pruned lifecycle journal", "entries", pruned)
		}
		supCfg.Recorder = journal
		events = journal
	}

	sup, err := processes.NewSupervisor(supCfg)
	if err != nil {
		return err
	}
	defer sup.Shutdown(context.Background())

	if err := sup.Start(ctx, m.Processes); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("starting processes: %w", err)
	}
	if err := sup.WaitReady(ctx, cfg.Backend, cfg.DependencyTimeout); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("backend not ready for the relay: %w", err)
	}

	rl, err := relay.New(relay.Options{
		Registry:      reg,
		Backend:       cfg.Backend,
		BackendURL:    cfg.BackendURL,
		Path:          cfg.RelayPath,
		Timeout:       cfg.RelayTimeout,
		GracePeriod:   cfg.GracePeriod,
		JWTSecret:     cfg.JWTSecret,
		AllowedOrigin: cfg.AllowedOrigin,
		Processes:     sup,
		Events:        events,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(cfg.ListenPort)))
	if err != nil {
		return fmt.Errorf("binding relay port: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- rl.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received signal, initiating graceful shutdown...")
		err = nil
	case err = <-serveErr:
		if err != nil {
			logger.Error("Relay stopped unexpectedly", "error", err)
		}
	}

	// One grace period covers the whole unit. The relay drains within the first half, while
	// the backend is still up, and the children get the rest of the deadline.
	stopCtx, cancelStop := context.WithTimeout(context.Background(), cfg.GracePeriod)
	defer cancelStop()
	drainCtx, cancelDrain := context.WithTimeout(stopCtx, cfg.GracePeriod/2)
	defer cancelDrain()
	if shutdownErr := rl.Shutdown(drainCtx); shutdownErr != nil {
		logger.Warn("Relay did not drain cleanly", "error", shutdownErr)
	}
	sup.Shutdown(stopCtx)
	logger.Info("relayhub has completed its shutdown sequence")
	return err
}
