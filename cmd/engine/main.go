package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skeptomenos/prism/internal/config"
	"github.com/skeptomenos/prism/internal/engine"
	"github.com/skeptomenos/prism/internal/reliability"
	"github.com/skeptomenos/prism/internal/scheduler"
	"github.com/skeptomenos/prism/internal/server"
	"github.com/skeptomenos/prism/internal/transport"
	"github.com/skeptomenos/prism/pkg/logger"
)

func main() {
	stdio := flag.Bool("stdio", false, "serve the command channel on stdin/stdout (desktop host mode)")
	serve := flag.Bool("serve", false, "serve the local HTTP bridge")
	pretty := flag.Bool("pretty", false, "pretty console logging")
	flag.Parse()

	// Default to stdio when no mode is chosen: the desktop host passes no
	// flags.
	if !*stdio && !*serve {
		*stdio = true
	}

	cfg, err := config.Load()
	if err != nil {
		// Logger is not up yet; config failures go straight to stderr.
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: *pretty})
	logger.SetGlobalLogger(log)

	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting Prism engine")

	eng, err := engine.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire engine")
	}
	defer eng.Close()

	dispatcher := transport.NewDispatcher(log)
	eng.RegisterCommands(dispatcher)

	// Background maintenance.
	backup, err := reliability.NewBackupService(context.Background(), reliability.Config{
		Bucket:   cfg.BackupBucket,
		Endpoint: cfg.BackupEndpoint,
		Region:   cfg.BackupRegion,
	}, cfg.DataDir, log)
	if err != nil {
		log.Warn().Err(err).Msg("Backup service unavailable")
	}

	sched := scheduler.New(log)
	if err := sched.RegisterJobs(eng.Cache, eng.Syncer, backup); err != nil {
		log.Fatal().Err(err).Msg("Failed to register maintenance jobs")
	}
	sched.Start()
	defer sched.Stop()

	var srv *server.Server
	if *serve {
		srv = server.New(server.Config{
			Port:       cfg.Port,
			Log:        log,
			Dispatcher: dispatcher,
			Bus:        eng.Bus,
			Met:        eng.Met,
			DevMode:    cfg.DevMode,
		})
		go func() {
			if err := srv.Start(); err != nil {
				log.Fatal().Err(err).Msg("HTTP bridge failed")
			}
		}()
	}

	if *stdio {
		// Blocks until the host closes stdin — the shutdown signal.
		stdioSrv := transport.NewStdioServer(dispatcher, os.Stdin, os.Stdout, log)
		if err := stdioSrv.Run(); err != nil {
			log.Error().Err(err).Msg("Command stream failed")
		}
	} else {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
	}

	log.Info().Msg("Shutting down")

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("HTTP bridge forced to shutdown")
		}
	}

	log.Info().Msg("Engine stopped")
}
