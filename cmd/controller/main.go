package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/farelvpn/autoscript/pkg/api/handlers"
	"github.com/farelvpn/autoscript/pkg/config"
	"github.com/farelvpn/autoscript/pkg/enforcer"
	"github.com/farelvpn/autoscript/pkg/logger"
	"github.com/farelvpn/autoscript/pkg/metrics"
	"github.com/farelvpn/autoscript/pkg/notify"
	"github.com/farelvpn/autoscript/pkg/provision"
	"github.com/farelvpn/autoscript/pkg/stats"
	"github.com/farelvpn/autoscript/pkg/storage"
	"github.com/farelvpn/autoscript/pkg/system"
	"github.com/farelvpn/autoscript/pkg/xrayconf"
)

func main() {
	configPath := flag.String("config", "config/config.toml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting autoscript controller",
		zap.String("config_file", *configPath),
		zap.String("xray_config", cfg.Xray.ConfigPath),
		zap.String("domain", cfg.Xray.Domain),
		zap.Bool("enforcer_enabled", cfg.Enforcer.Enabled),
		zap.Bool("telegram_configured", cfg.Telegram.BotToken != ""),
	)

	store, err := storage.NewFileStore(cfg.Storage.DatabaseDir, cfg.Storage.LimitDir, cfg.Storage.UsageDir, log)
	if err != nil {
		log.Fatal("Failed to initialize account file store", zap.Error(err))
	}

	var audit storage.AuditLogger
	if cfg.Storage.Audit.Enabled {
		log.Info("Initializing SQLite audit store", zap.String("path", cfg.Storage.Audit.SQLitePath))
		sqliteAudit, err := storage.NewSQLiteAuditStore(cfg.Storage.Audit.SQLitePath, log)
		if err != nil {
			log.Fatal("Failed to initialize audit store", zap.Error(err))
		}
		defer sqliteAudit.Close()
		audit = sqliteAudit
	}

	document := xrayconf.NewDocumentStore(cfg.Xray.ConfigPath, log)
	reloader := system.NewSystemdReloader(cfg.Xray.Service, cfg.Xray.RestartTimeout, log)

	notifier := notify.NewDispatcher(cfg.Telegram.BotToken, cfg.Telegram.ChatID, log)
	notifier.Start()
	defer notifier.Stop()

	m := metrics.New(cfg.Metrics.Enabled)

	service := provision.NewService(store, document, reloader, notifier, audit, cfg.Xray.Domain, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var enf *enforcer.Enforcer
	if cfg.Enforcer.Enabled {
		statClient := stats.NewExecClient(cfg.Xray.Binary, cfg.Xray.APIServer, cfg.Xray.ExecTimeout, log)
		sampler := stats.NewSampler(store, statClient, log)
		enf = enforcer.New(store, document, sampler, service, reloader, m, cfg.Enforcer.Interval, log)
		enf.Start(ctx)
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.StartServer(fmt.Sprintf(":%d", cfg.Metrics.Port), m, log)
	}

	gin.SetMode(gin.ReleaseMode)
	apiServer := handlers.NewAPIServer(service, audit, m, log)
	router := handlers.NewRouter(apiServer, cfg.API.Tokens, log)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}
	go func() {
		log.Info("Starting API server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("API server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down autoscript controller")

	cancel()
	if enf != nil {
		enf.Wait()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error("Metrics server forced to shutdown", zap.Error(err))
		}
	}

	log.Info("Autoscript controller stopped")
}
