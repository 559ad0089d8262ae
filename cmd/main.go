package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/oarkflow/ip"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oarkflow/sentinel"
)

func main() {
	_ = godotenv.Load()
	ip.Init()

	logger := sentinel.NewLogger(os.Getenv("LOG_LEVEL"))

	addr := os.Getenv("ADDR")
	if addr == "" {
		addr = ":3000"
	}
	metricsAddr := os.Getenv("METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9100"
	}
	configPath := os.Getenv("CONFIG_PATH")

	cfg, err := sentinel.LoadConfig(configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	holder := sentinel.NewConfigHolder(cfg)

	var store sentinel.Store
	if dbPath := os.Getenv("DB_PATH"); dbPath != "" {
		sqlStore, err := sentinel.OpenSQLStore(dbPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", dbPath).Msg("failed to open database")
		}
		defer sqlStore.Close()
		store = sqlStore
	} else {
		store = sentinel.NewInMemoryStore()
	}

	engine := sentinel.NewEngine(store, holder, logger)
	if err := engine.Start(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("failed to start engine")
	}
	if configPath != "" {
		if err := engine.WatchConfig(configPath); err != nil {
			logger.Warn().Err(err).Str("path", configPath).Msg("config watcher unavailable")
		}
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error().Err(err).Str("addr", metricsAddr).Msg("metrics listener stopped")
		}
	}()

	app := sentinel.NewServer(engine, logger).App()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-shutdown
		logger.Info().Msg("shutting down gracefully")
		if err := app.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("error shutting down server")
		}
		engine.Stop()
	}()

	logger.Info().Str("addr", addr).Msg("sentinel starting")
	if err := app.Listen(addr); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}
