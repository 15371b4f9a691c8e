package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/aiquota/internal/billing"
	"github.com/rcourtman/aiquota/internal/catalog"
	"github.com/rcourtman/aiquota/internal/gate"
	"github.com/rcourtman/aiquota/internal/lifecycle"
	"github.com/rcourtman/aiquota/internal/realtime"
	"github.com/rcourtman/aiquota/internal/server"
	"github.com/rcourtman/aiquota/internal/usage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long:  `Serve the account, admin and webhook APIs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServer(ctx)
	},
}

func runServer(ctx context.Context) error {
	cfg, err := loadConfig("aiquota")
	if err != nil {
		return err
	}
	log.Info().Str("version", Version).Str("store", cfg.Store).Msg("Starting AI quota service")

	a, err := openApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}()

	hub := realtime.NewHub(a.store, a.cache)
	a.cache.OnChange(hub.CatalogChanged)

	if a.bus != nil {
		go func() {
			if err := a.bus.Run(ctx, a.cache); err != nil {
				log.Error().Err(err).Msg("Catalog bus stopped")
			}
		}()
	}

	if cfg.CatalogFile != "" {
		fw, err := catalog.NewFileWatcher(cfg.CatalogFile, a.manager)
		if err != nil {
			return err
		}
		go fw.Run(ctx)
	}

	gateService := gate.NewService(a.store, a.cache, gate.Config{
		CheckTimeout:   cfg.CheckTimeout,
		FairUseCeiling: cfg.FairUseCeiling,
	})
	recorder := usage.NewRecorder(a.store, a.cache, usage.Config{Timeout: cfg.RecordTimeout})
	go recorder.Run(ctx)

	lifecycleService := lifecycle.NewService(a.store, a.cache)
	sweeper := lifecycle.NewSweeper(lifecycleService, a.store, cfg.SweepInterval).
		WithPastDuePolicy(lifecycle.PastDuePolicy{
			ReminderAfter: cfg.PastDueReminderAfter,
			CancelAfter:   cfg.PastDueCancelAfter,
		})
	go sweeper.Run(ctx)

	billingClient := billing.NewClient(cfg.StripeAPIKey, cfg.BaseURL, a.cache, a.store)
	if !billingClient.Configured() {
		log.Warn().Msg("STRIPE_API_KEY not set; checkout and billing portal are disabled")
	}
	if cfg.StripeWebhookSecret == "" {
		log.Warn().Msg("STRIPE_WEBHOOK_SECRET not set; webhook deliveries will be rejected")
	}

	srv := server.New(&server.Deps{
		Config:    cfg,
		Accounts:  a.store,
		Usage:     a.store,
		Events:    a.store,
		Gate:      gateService,
		Recorder:  recorder,
		Lifecycle: lifecycleService,
		Catalog:   a.manager,
		Billing:   billingClient,
		Hub:       hub,
		Sweeper:   sweeper,
		Version:   Version,
	})
	if err := srv.Run(ctx, cfg.ListenAddr); err != nil {
		return err
	}

	if len(recorder.Pending()) > 0 {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.RecordTimeout)
		defer cancel()
		recorder.Flush(flushCtx)
	}
	if pending := len(recorder.Pending()); pending > 0 {
		log.Warn().Int("pending", pending).Msg("Shutting down with usage records still queued")
	}
	log.Info().Msg("Server stopped")
	return nil
}
