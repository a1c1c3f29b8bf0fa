package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/storyline/internal/api"
	"github.com/flowpbx/storyline/internal/config"
	"github.com/flowpbx/storyline/internal/database"
	"github.com/flowpbx/storyline/internal/ivr"
	"github.com/flowpbx/storyline/internal/media"
	"github.com/flowpbx/storyline/internal/metrics"
	"github.com/flowpbx/storyline/internal/ncco"
	"github.com/flowpbx/storyline/internal/playback"
	"github.com/flowpbx/storyline/internal/prompts"
	"github.com/flowpbx/storyline/internal/session"
	"github.com/flowpbx/storyline/internal/vonage"
)

const (
	// fragmentSweepInterval is how often orphaned fragments are looked for.
	fragmentSweepInterval = 15 * time.Minute
	// sessionReapInterval is how often idle sessions are looked for.
	sessionReapInterval = 5 * time.Minute
)

func main() {
	// A missing .env file is normal; the environment and flags still apply.
	_ = godotenv.Load()

	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := runToken(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting storyline",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"public_url", cfg.PublicURL,
	)

	// Open the catalog and run migrations.
	db, err := openDatabase(cfg)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	catalog := database.NewCatalogRepository(db)

	adminSecret, err := cfg.AdminSecretBytes()
	if err != nil {
		slog.Error("failed to decode admin secret", "error", err)
		os.Exit(1)
	}
	if adminSecret == nil {
		slog.Warn("no admin secret configured, admin api is unauthenticated")
	}

	fragments, err := media.NewFragmentStore(cfg.FragmentDir, logger)
	if err != nil {
		slog.Error("failed to open fragment directory", "error", err)
		os.Exit(1)
	}
	library := media.NewLibrary(cfg.AudioDir)
	if _, err := prompts.Seed(cfg.AudioDir, []string{cfg.DefaultStoryAudio}, logger); err != nil {
		slog.Error("failed to seed recordings", "error", err)
		os.Exit(1)
	}
	builder := ncco.NewBuilder(cfg.PublicURL, cfg.Language)

	// Provider client for mid-call commands and outbound calls.
	var (
		streamer playback.Streamer = disabledProvider{}
		dialer   api.Dialer
	)
	if cfg.VonageEnabled() {
		client, err := newVonageClient(cfg, logger)
		if err != nil {
			slog.Error("failed to create vonage client", "error", err)
			os.Exit(1)
		}
		streamer = client
		dialer = client
	} else {
		slog.Warn("no vonage credentials configured, stories cannot be streamed")
	}

	store := session.NewStore(logger)
	sched := session.NewScheduler(store, logger)
	engine := playback.New(playback.Config{
		Guard:             cfg.Guard,
		LatencyCorrection: cfg.LatencyCorrection,
	}, streamer, fragments, library, sched, builder, logger)
	machine := ivr.NewMachine(ivr.Config{
		DefaultStoryAudio: cfg.DefaultStoryAudio,
		SilenceURL:        cfg.SilenceURL,
		StopSettleDelay:   cfg.StopSettleDelay,
	}, store, engine, catalog, builder, logger)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	media.StartCleanupTicker(appCtx, fragments, fragmentSweepInterval, cfg.FragmentMaxAge, store.InUse)
	store.StartReaper(appCtx, sessionReapInterval, cfg.SessionIdle, engine.Release)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(store, sched, fragments, catalog, time.Now(), logger),
	)

	handler := api.NewServer(api.Config{
		Calls:         machine,
		Catalog:       catalog,
		Library:       library,
		Dialer:        dialer,
		Builder:       builder,
		Fragments:     fragments,
		VirtualNumber: cfg.VonageNumber,
		AdminSecret:   adminSecret,
		TLSEnabled:    cfg.TLSEnabled(),
		Metrics:       promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}, logger)
	defer handler.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr, "tls", cfg.TLSEnabled())
		var err error
		if cfg.TLSEnabled() {
			err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down", "live_sessions", store.Len(), "playing", store.PlayingCount())

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("storyline stopped")
}

// openDatabase opens the postgres catalog when a DSN is configured and the
// embedded sqlite catalog in the data directory otherwise.
func openDatabase(cfg *config.Config) (*database.DB, error) {
	if cfg.DatabaseDSN != "" {
		return database.OpenPostgres(cfg.DatabaseDSN)
	}
	return database.Open(cfg.DataDir)
}

// newVonageClient reads the application key and creates the Voice API client.
func newVonageClient(cfg *config.Config, logger *slog.Logger) (*vonage.Client, error) {
	key, err := os.ReadFile(cfg.VonagePrivateKey)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	return vonage.NewClient(cfg.VonageAPIURL, cfg.VonageAppID, key, cfg.VonageNumber, logger)
}

// errProviderDisabled is returned by every mid-call command when no
// provider credentials are configured.
var errProviderDisabled = errors.New("vonage credentials not configured")

// disabledProvider stands in for the Voice API client so the menus still
// answer when streaming is impossible.
type disabledProvider struct{}

func (disabledProvider) StartStream(context.Context, string, string) error {
	return errProviderDisabled
}

func (disabledProvider) StopStream(context.Context, string) error {
	return errProviderDisabled
}

func (disabledProvider) Transfer(context.Context, string, ncco.NCCO) error {
	return errProviderDisabled
}

func (disabledProvider) Hangup(context.Context, string) error {
	return errProviderDisabled
}
