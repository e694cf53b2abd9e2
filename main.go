package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub001/api"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub001/config"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub001/discovery"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub001/network"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub001/session"
	"github.com/buccancs/fyp-multi-sensor-recording-system-sub001/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load configuration")
	}

	if level, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
		logger = logger.Level(level)
	} else {
		logger.Warn().Str("level", cfg.Log.Level).Msg("unknown log level, keeping info")
	}

	var store *storage.Store
	if cfg.Storage.Enabled {
		opened, dbPath, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			logger.Fatal().Err(err).Msg("open database")
		}
		store = opened
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error().Err(err).Msg("close database")
			}
		}()
		logger.Info().Str("path", dbPath).Msg("database open")
	}

	server, err := network.NewServer(network.Options{
		Addr:              cfg.Server.Addr(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Server.HeartbeatTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		Logger:            logger.With().Str("component", "network").Logger(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("bind device server")
	}

	manager := session.NewManager(server, session.Options{
		Logger:   logger.With().Str("component", "session").Logger(),
		Store:    store,
		FilesDir: cfg.Files.Dir,
	})

	server.Start(manager.Callbacks())
	defer func() {
		if err := server.Close(); err != nil {
			logger.Error().Err(err).Msg("close device server")
		}
	}()

	var broadcaster *discovery.Broadcaster
	if cfg.Discovery.Enabled {
		broadcaster, err = discovery.StartBroadcaster(discovery.Config{
			Service:    cfg.Discovery.Service,
			Instance:   cfg.Discovery.Instance,
			DevicePort: cfg.Server.Port,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("mdns advertisement unavailable")
		} else {
			defer broadcaster.Stop()
			logger.Info().Str("service", cfg.Discovery.Service).Msg("mdns advertisement running")
		}
	}

	var restServer *api.RESTServer
	if cfg.API.Enabled {
		restServer = api.NewRESTServer(manager, logger.With().Str("component", "api").Logger())
		go func() {
			if err := restServer.ListenAndServe(cfg.API.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("control api stopped")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().Msg("hub running, press ctrl+c to stop")
	<-ctx.Done()
	logger.Info().Msg("shutting down")

	if restServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := restServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown control api")
		}
		cancel()
	}
}
