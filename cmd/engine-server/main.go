// Package main is the entry point for the match engine.
//
// The engine is the data plane of the attack/defense platform: it provisions
// isolated match networks and per-team vulnerable service containers, drives
// the 30-second scoring loop, validates captured flags and guarantees that
// no sandbox resource outlives its match.
//
// All configuration comes from the environment; see internal/config.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ghanishpatil/hackwars-engine/internal/api"
	"github.com/ghanishpatil/hackwars-engine/internal/backend"
	"github.com/ghanishpatil/hackwars-engine/internal/config"
	"github.com/ghanishpatil/hackwars-engine/internal/flag"
	"github.com/ghanishpatil/hackwars-engine/internal/match"
	"github.com/ghanishpatil/hackwars-engine/internal/provision"
	"github.com/ghanishpatil/hackwars-engine/internal/recovery"
	"github.com/ghanishpatil/hackwars-engine/internal/sandbox/docker"
)

// Version information (set via ldflags at build time)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if os.Getenv("ENGINE_ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		})
	}

	log.Info().
		Str("version", Version).
		Str("commit", GitCommit).
		Msg("match engine starting")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration invalid")
	}

	flags, err := flag.NewManager(cfg.FlagSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("flag secret rejected")
	}

	runtime, err := docker.New()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize docker runtime")
	}
	defer runtime.Close()

	healthCtx, cancelHealth := context.WithTimeout(context.Background(), 5*time.Second)
	if err := runtime.Healthy(healthCtx); err != nil {
		log.Fatal().Err(err).Msg("docker runtime unreachable")
	}
	cancelHealth()

	store := match.NewStore(cfg.MaxConcurrentMatches)
	backendClient := backend.New(cfg.BackendURL)
	provisioner := provision.New(store, runtime, backendClient, flags)
	lifecycle := match.NewLifecycle(store, runtime, match.NewNetProber(), flags, provisioner.Provision)
	reconciler := recovery.New(store, runtime, lifecycle, cfg.MaxContainerAge, cfg.MaxMatchDuration)

	// Reconcile before the port opens: nothing may submit against a match
	// whose containers are about to be reclaimed.
	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 2*time.Minute)
	reconciler.Reconcile(bootCtx)
	cancelBoot()

	safetyCron := reconciler.Schedule(cfg.SafetyCronInterval)
	defer safetyCron.Stop()

	limiter := api.NewSubmissionLimiter(cfg.FlagSubmitRateMax)
	stopPurge := make(chan struct{})
	limiter.StartPurging(stopPurge)
	defer close(stopPurge)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	h := api.NewHandler(store, lifecycle, provisioner, flags, limiter, cfg.EngineSecret, cfg.AllowedBackendIPs)
	h.RegisterRoutes(e)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	serverErr := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		log.Info().Int("port", cfg.Port).Msg("engine listening")
		serverErr <- e.Start(addr)
	}()

	select {
	case <-ctx.Done():
		// Stop intake first, then end every live match with bounded
		// effort. Anything left over is reconciled on next boot.
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server forced to shutdown")
		}
		shutdownCancel()

		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), time.Minute)
		lifecycle.StopAll(cleanupCtx, "engine shutdown")
		cleanupCancel()
	case err := <-serverErr:
		log.Fatal().Err(err).Msg("server startup failed")
	}
}
