package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowpbx/callroute/internal/api"
	"github.com/flowpbx/callroute/internal/api/middleware"
	"github.com/flowpbx/callroute/internal/config"
	"github.com/flowpbx/callroute/internal/crm"
	"github.com/flowpbx/callroute/internal/journal"
	"github.com/flowpbx/callroute/internal/mapping"
	"github.com/flowpbx/callroute/internal/metrics"
	"github.com/flowpbx/callroute/internal/routing"
	"github.com/flowpbx/callroute/internal/telephony"
	"golang.org/x/time/rate"
)

const journalCleanupInterval = time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if code := run(cfg, time.Now()); code != 0 {
		os.Exit(code)
	}
}

// run wires and serves callroute until a signal or server error. It returns
// the process exit code so deferred cleanup runs before main exits.
func run(cfg *config.Config, startTime time.Time) int {
	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("server_starting", "config", cfg.Redacted())

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	crmClient := crm.NewClient(crm.Config{
		BaseURL:     cfg.CRMBaseURL,
		AccessToken: cfg.CRMAccessToken,
		PageTimeout: cfg.PageTimeout,
		Limiter:     directoryLimiter(cfg.DirectoryRPS),
	})
	telephonyClient, err := telephony.NewClient(telephony.Config{
		BaseURL:     cfg.TelephonyBaseURL,
		APIID:       cfg.TelephonyAPIID,
		APIToken:    cfg.TelephonyAPIToken,
		PageTimeout: cfg.PageTimeout,
		Limiter:     directoryLimiter(cfg.DirectoryRPS),
	})
	if err != nil {
		slog.Error("telephony_client_invalid", "error", err)
		return 1
	}

	collector := metrics.NewCollector(nil, startTime)
	refreshObservers := []mapping.Observer{collector}
	callObservers := []routing.CallObserver{collector}

	// The journal is optional; without it the history endpoints are absent.
	var jrnl *journal.Journal
	if cfg.JournalDSN != "" {
		jrnl, err = journal.Open(cfg.JournalDSN, logger)
		if err != nil {
			slog.Error("journal_open_failed", "error", err)
			return 1
		}
		defer jrnl.Close()
		jrnl.StartRetention(appCtx, journalCleanupInterval, cfg.JournalRetention)
		refreshObservers = append(refreshObservers, jrnl)
		callObservers = append(callObservers, jrnl)
	}

	cache := mapping.New(crmClient, telephonyClient, mapping.Options{
		Policy:    cfg.Policy(),
		TTL:       cfg.MappingTTL,
		Observers: refreshObservers,
		Logger:    logger,
	})
	collector.TrackMapping(cache)

	// Both policies build once at startup so the first calls can route;
	// only the background policy keeps a timer.
	scheduler := mapping.NewScheduler(cache)
	scheduler.TriggerInitialBuild(appCtx)
	if cfg.Policy() == mapping.PolicyBackground {
		scheduler.SchedulePeriodicRefresh(appCtx, cfg.RefreshInterval)
	}

	var ipLimiter, callerLimiter *middleware.Limiter
	if cfg.RateLimit > 0 {
		rlCfg := middleware.DefaultRateLimitConfig()
		rlCfg.Rate = rate.Limit(cfg.RateLimit)
		rlCfg.Burst = cfg.RateBurst
		ipLimiter = middleware.NewLimiter(rlCfg)
	}
	if cfg.CallerRateLimit > 0 {
		rlCfg := middleware.DefaultCallerRateLimitConfig()
		rlCfg.Rate = rate.Limit(cfg.CallerRateLimit)
		rlCfg.Burst = cfg.CallerRateBurst
		callerLimiter = middleware.NewLimiter(rlCfg)
	}

	var adminSecret []byte
	if cfg.AdminAPIEnabled() {
		adminSecret, err = cfg.AdminJWTSecretBytes()
		if err != nil {
			slog.Error("admin_secret_invalid", "error", err)
			return 1
		}
	} else {
		slog.Warn("admin_api_disabled", "reason", "no admin jwt secret configured")
	}

	opts := api.Options{
		Logger:        logger,
		WebhookPath:   cfg.WebhookPath,
		WebhookToken:  cfg.WebhookToken,
		Shape:         cfg.Shape(),
		RateLimiter:   ipLimiter,
		CallerLimiter: callerLimiter,
		AdminSecret:   adminSecret,
		Metrics:       metrics.Handler(collector),
		CallObservers: callObservers,
	}
	if jrnl != nil {
		opts.Journal = jrnl
	}

	resolver := routing.NewResolver(cache, logger)
	handler := api.NewServer(crmClient, resolver, cache, opts)

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
		slog.Info("server_listening", "port", cfg.HTTPPort, "webhook_path", cfg.WebhookPath)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-quit:
		slog.Info("shutdown_signal_received", "signal", sig.String())
	case err := <-errCh:
		slog.Error("server_failed", "error", err)
		exitCode = 1
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("server_shutting_down")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server_shutdown_failed", "error", err)
		exitCode = 1
	}

	// Let in-flight call observers finish before the journal closes.
	handler.Drain()

	appCancel()
	scheduler.Wait()

	slog.Info("server_stopped", "exit_code", exitCode)
	return exitCode
}

// directoryLimiter paces directory page requests. Each fetcher gets its own
// limiter so the two directories do not share a budget.
func directoryLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(rps), 1)
}
