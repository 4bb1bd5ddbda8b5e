// Command minutequotad serves the minute reservation API, the Stripe and
// RevenueCat webhooks and the stale-reservation sweeper.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/minutequota/internal/config"
	"github.com/mihaimyh/minutequota/internal/sweeper"
	"github.com/mihaimyh/minutequota/pkg/api"
	"github.com/mihaimyh/minutequota/pkg/billing"
	billingprom "github.com/mihaimyh/minutequota/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/minutequota/pkg/billing/revenuecat"
	"github.com/mihaimyh/minutequota/pkg/billing/stripe"
	"github.com/mihaimyh/minutequota/pkg/minutequota"
	zerologadapter "github.com/mihaimyh/minutequota/pkg/minutequota/logger/zerolog"
	quotaprom "github.com/mihaimyh/minutequota/pkg/minutequota/metrics/prometheus"
)

const (
	serviceName = "minutequotad"
	namespace   = "minutequota"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "no .env file found, using process environment")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(os.Stdout, cfg.App)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("minutequotad stopped")
	}
}

func newLogger(out io.Writer, app config.AppConfig) zerolog.Logger {
	if app.LogFormat == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	return zerolog.New(out).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("env", app.Env).
		Logger().
		Level(parseLevel(app.LogLevel))
}

func parseLevel(value string) zerolog.Level {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return zerolog.InfoLevel
	}
	if lvl, err := zerolog.ParseLevel(value); err == nil {
		return lvl
	}
	return zerolog.InfoLevel
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	logger := zerologadapter.NewLogger(log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	quotaMetrics := quotaprom.NewMetrics(reg, namespace)
	billingMetrics := billingprom.NewMetrics(reg, namespace)

	backend, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := backend.close(); cerr != nil {
			log.Error().Err(cerr).Msg("closing storage")
		}
	}()
	log.Info().Str("backend", cfg.Storage.Backend).Msg("storage ready")

	mc := cfg.Engine.Manager()
	mc.Logger = logger
	mc.Metrics = quotaMetrics
	manager, err := minutequota.NewManager(backend.storage, mc)
	if err != nil {
		return fmt.Errorf("creating manager: %w", err)
	}

	var provider *stripe.Provider
	if cfg.Stripe.Enabled() {
		provider, err = stripe.NewProvider(stripe.Config{
			Config: billing.Config{
				Manager:     manager,
				PlanMapping: cfg.Stripe.PlanMapping(),
				Metrics:     billingMetrics,
				Logger:      logger,
			},
			StripeAPIKey:        cfg.Stripe.APIKey,
			StripeWebhookSecret: cfg.Stripe.WebhookSecret,
		})
		if err != nil {
			return fmt.Errorf("creating stripe provider: %w", err)
		}
	}

	var rcProvider *revenuecat.Provider
	if cfg.RevenueCat.Enabled() {
		rcProvider, err = revenuecat.NewProvider(revenuecat.Config{
			Config: billing.Config{
				Manager:     manager,
				PlanMapping: cfg.RevenueCat.PlanMapping(),
				Metrics:     billingMetrics,
				Logger:      logger,
			},
			WebhookSecret:  cfg.RevenueCat.WebhookSecret,
			APIKey:         cfg.RevenueCat.APIKey,
			CreditProducts: cfg.RevenueCat.CreditProducts,
		})
		if err != nil {
			return fmt.Errorf("creating revenuecat provider: %w", err)
		}
	}

	apiConfig := api.Config{
		Manager:   manager,
		GetUserID: api.FromHeader(cfg.App.UserHeader),
		Logger:    logger,
	}
	// sync goes to whichever provider can read subscriptions, Stripe first
	switch {
	case provider != nil:
		apiConfig.Syncer = provider
	case rcProvider != nil && cfg.RevenueCat.APIKey != "":
		apiConfig.Syncer = rcProvider
	}
	handler, err := api.NewHandler(apiConfig)
	if err != nil {
		return fmt.Errorf("creating api handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Mount("/v1", handler.Routes())
	if provider != nil {
		r.Method(http.MethodPost, "/webhooks/stripe", provider.WebhookHandler())
	}
	if rcProvider != nil {
		r.Method(http.MethodPost, "/webhooks/revenuecat", rcProvider.WebhookHandler())
	}
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Get("/healthz", healthHandler(backend))

	var sw *sweeper.Sweeper
	if cfg.Sweep.Enabled {
		sw, err = sweeper.New(manager, sweeper.Config{
			Schedule:   cfg.Sweep.Schedule,
			StaleAfter: cfg.Sweep.StaleAfter,
			Logger:     logger,
		})
		if err != nil {
			return fmt.Errorf("creating sweeper: %w", err)
		}
		sw.Start()
	}

	srv := &http.Server{
		Addr:              cfg.App.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.App.Addr).Bool("stripe", provider != nil).
			Bool("revenuecat", rcProvider != nil).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if sw != nil {
		if err := sw.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("sweeper did not finish")
		}
	}
	return nil
}

func healthHandler(backend *storageBackend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := backend.ping(ctx); err != nil {
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok")
	}
}
