package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"syscall"
	"time"

	"os/signal"

	"github.com/swarmguard/layer0-scanner/internal/audit"
	"github.com/swarmguard/layer0-scanner/internal/config"
	"github.com/swarmguard/layer0-scanner/internal/dataset"
	"github.com/swarmguard/layer0-scanner/internal/httpapi"
	"github.com/swarmguard/layer0-scanner/internal/natsbus"
	"github.com/swarmguard/layer0-scanner/internal/obs"
	"github.com/swarmguard/layer0-scanner/internal/registry"
	"github.com/swarmguard/layer0-scanner/internal/reload"
	"github.com/swarmguard/layer0-scanner/internal/resilience"
	"github.com/swarmguard/layer0-scanner/internal/scanner"
	"github.com/swarmguard/layer0-scanner/internal/validate"
)

const scannerVersion = "layer0-scanner/0.1.0"

func main() {
	service := "layer0-scanner"
	logger := obs.InitLogging(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}

	shutdownTrace := obs.InitTracer(ctx, service)
	shutdownMetrics, promHandler := obs.InitMetrics(ctx, service)

	loader := dataset.NewLoader(cfg.DatasetHMACSecret, time.Duration(cfg.RegexTimeoutMS)*time.Millisecond)

	var initialRules []dataset.Rule
	datasetCount := 0
	for _, path := range cfg.DatasetPaths {
		rules, diag, err := loader.LoadFile(path)
		if err != nil {
			logger.Warn("initial dataset load failed, starting with empty rule set for this path", "path", path, "error", err)
			continue
		}
		datasetCount++
		initialRules = append(initialRules, rules...)
		logger.Info("dataset loaded", "path", path, "admitted", diag.AdmittedCount, "quarantined", diag.QuarantinedCount)
	}

	reg := registry.New(registry.Build(initialRules, datasetCount))
	logger.Info("initial rule set built", "version", reg.Current().Version(), "rules", len(initialRules))

	var bus *natsbus.Bus
	if url := os.Getenv("L0_NATS_URL"); url != "" {
		bus = natsbus.Connect(url, cfg.ReloadBroadcastSubject)
		defer bus.Close()
	}

	reloadOpts := []reload.Option{}
	if cfg.DatasetWatchEnabled {
		reloadOpts = append(reloadOpts, reload.WithFilesystemWatch(true))
	}
	if cfg.DatasetReloadCron != "" {
		reloadOpts = append(reloadOpts, reload.WithCronSchedule(cfg.DatasetReloadCron))
	}
	if bus != nil {
		reloadOpts = append(reloadOpts, reload.WithNATSBus(bus))
	}
	reloadCtl := reload.New(loader, reg, cfg.DatasetPaths, logger, reloadOpts...)
	if err := reloadCtl.Start(ctx); err != nil {
		logger.Error("reload controller start failed", "error", err)
		os.Exit(1)
	}
	defer reloadCtl.Stop()

	var prefilter *scanner.Prefilter
	if cfg.PrefilterEnabled {
		prefilter, err = scanner.NewPrefilter(cfg.PrefilterKeywords)
		if err != nil {
			logger.Error("prefilter compile failed", "error", err)
			os.Exit(1)
		}
	}

	auditLog := audit.NewLog()
	redactor := audit.NewRedactor(true)

	sc := scanner.New(scanner.Config{
		MaxInputBytes:           cfg.MaxInputBytes,
		ScanDeadline:            time.Duration(cfg.ScanDeadlineMS) * time.Millisecond,
		RegexTimeout:            time.Duration(cfg.RegexTimeoutMS) * time.Millisecond,
		StopOnFirstMatch:        cfg.StopOnFirstMatch,
		EnsembleThreshold:       cfg.EnsembleThreshold,
		EnsembleIncludeCombined: cfg.EnsembleIncludeCombined,
		PrefilterEnabled:        cfg.PrefilterEnabled,
		CodeDetectionEnabled:    cfg.CodeDetectionEnabled,
		CodeConfidenceThreshold: cfg.CodeConfidenceThreshold,
		FailOpen:                cfg.FailOpen,
		ScannerVersion:          scannerVersion,
	}, reg, prefilter, auditLog, redactor)

	reloadLimiter := resilience.NewRateLimiter(5, 0.1, time.Minute, 5)

	srv := httpapi.New(sc, reloadCtl, reg, validate.DefaultLimits(), scannerVersion,
		httpapi.WithPrometheusHandler(promHandler),
		httpapi.WithReloadJWTSecret(cfg.ReloadJWTSecret),
		httpapi.WithReloadRateLimiter(reloadLimiter),
		httpapi.WithLogger(logger),
	)

	addr := ":8080"
	if v := os.Getenv("L0_LISTEN_ADDR"); v != "" {
		addr = v
	}
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      srv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("layer0 scanner listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = httpSrv.Shutdown(shutdownCtx)
	obs.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	logger.Info("shutdown complete")
}
