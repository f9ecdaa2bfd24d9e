package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/fleet-engine/internal/api"
	"github.com/snarg/fleet-engine/internal/config"
	"github.com/snarg/fleet-engine/internal/database"
	"github.com/snarg/fleet-engine/internal/device"
	"github.com/snarg/fleet-engine/internal/events"
	"github.com/snarg/fleet-engine/internal/mqttmirror"
	"github.com/snarg/fleet-engine/internal/poller"
	"github.com/snarg/fleet-engine/internal/preview"
	"github.com/snarg/fleet-engine/internal/roster"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env", "", "path to .env file")
	flag.StringVar(&overrides.HTTPAddr, "addr", "", "http listen address")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level")
	flag.StringVar(&overrides.DatabaseURL, "db", "", "database url")
	flag.StringVar(&overrides.PreviewDir, "preview-dir", "", "preview cache directory")
	flag.Parse()

	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("fleet-engine starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	dbLog := log.With().Str("component", "database").Logger()
	db, err := database.Connect(ctx, cfg.DatabaseURL, database.PoolOptions{
		MaxConns: int32(cfg.DBMaxConns),
		MinConns: int32(cfg.DBMinConns),
	}, dbLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	if err := db.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to initialise schema")
	}

	// Device HTTP client
	client := device.NewClient(cfg.DeviceTimeout, cfg.DevicePoolSize, log)

	// Event store and bus
	store := events.NewStore(events.StoreOptions{
		RingSize:    cfg.EventRingSize,
		TTL:         cfg.EventTTL,
		DedupWindow: cfg.DedupWindow,
		Archive:     db,
		Log:         log,
	})
	store.Start()
	defer store.Stop()

	auth := events.NewAuthenticator(cfg.TokenSigningKey, cfg.TokenClockSkew)
	if !auth.Enabled() {
		log.Warn().Msg("TOKEN_SIGNING_KEY not set, websocket auth disabled")
	}
	if cfg.IngestToken == "" {
		log.Warn().Msg("INGEST_TOKEN not set, ingest and control routes are open")
	}
	hub := events.NewHub(store, auth, events.Limits{
		MaxConnsPerIP:    cfg.WSMaxConnsPerIP,
		MaxSubscriptions: cfg.WSMaxSubscriptions,
		QueueSize:        cfg.WSQueueSize,
	}, log)
	defer hub.Shutdown()

	// Optional MQTT event mirror
	var mirror poller.EventMirror
	var mirrorConn *mqttmirror.Mirror
	if cfg.MQTTBrokerURL != "" {
		mirrorConn, err = mqttmirror.Connect(mqttmirror.Options{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			TopicPrefix: cfg.MQTTTopicPrefix,
			Log:         log,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		defer mirrorConn.Close()
		mirror = mirrorConn
	}

	// Poller
	p := poller.New(poller.Options{
		Client:                client,
		Store:                 db,
		Roster:                db,
		Sink:                  &poller.StoreSink{Store: store, Hub: hub, Mirror: mirror},
		FastInterval:          cfg.FastInterval,
		MediumInterval:        cfg.MediumInterval,
		SlowInterval:          cfg.SlowInterval,
		Backoff: poller.Backoff{
			Base:       cfg.BackoffBase,
			Multiplier: cfg.BackoffMultiplier,
			Max:        cfg.BackoffMax,
			Threshold:  cfg.ErrorThreshold,
		},
		ReconcileInterval:     cfg.ReconcileInterval,
		SystemStatusRetention: cfg.SystemStatusRetention,
		Log:                   log,
	})

	// Optional roster file watcher; syncs before the poller starts so the
	// first reconcile sees the file's devices.
	if cfg.DevicesFile != "" {
		watcher := roster.NewWatcher(cfg.DevicesFile, db, func() {
			if err := p.Reconcile(context.Background()); err != nil {
				log.Error().Err(err).Msg("reconcile after roster change failed")
			}
		}, log)
		if err := watcher.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to start roster watcher")
		}
		defer watcher.Stop()
	}

	if err := p.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start poller")
	}
	defer p.Stop()

	// Preview service
	previews := preview.NewService(preview.Options{
		Client:      client,
		Dir:         cfg.PreviewDir,
		Refresh:     cfg.PreviewRefresh,
		MaxAge:      cfg.PreviewMaxAge,
		SweepEvery:  cfg.PreviewSweepInterval,
		BackoffMax:  cfg.PreviewBackoffMax,
		Format:      cfg.PreviewFormat,
		Resolution:  cfg.PreviewResolution,
		JPEGQuality: cfg.PreviewJPEGQuality,
		Log:         log,
	})
	if err := previews.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start preview service")
	}
	defer previews.Stop()

	// HTTP server
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(api.Deps{
		Config:    cfg,
		DB:        db,
		Store:     store,
		Hub:       hub,
		Poller:    p,
		Preview:   previews,
		Client:    client,
		Mirror:    mirror,
		Version:   version,
		StartTime: startTime,
		Log:       httpLog,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("fleet-engine stopped")
}
