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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"levswap/native/leverage"
	"levswap/native/leverage/venuesim"
	"levswap/observability/logging"
	"levswap/observability/otel"
	"levswap/services/leverd/config"
	"levswap/services/leverd/server"
	"levswap/storage"
)

func main() {
	configPath := flag.String("config", "leverd.yaml", "path to daemon configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Setup("leverd", "", "").Error("load config", "err", err)
		os.Exit(1)
	}

	log := logging.Setup("leverd", cfg.Env, cfg.LogLevel)

	gov, err := leverage.LoadGovernance(cfg.GovernanceFile)
	if err != nil {
		log.Error("load governance", "err", err)
		os.Exit(1)
	}

	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		log.Error("open store", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "leverd",
			Environment: cfg.Env,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			log.Error("init telemetry", "err", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Warn("telemetry shutdown", "err", err)
			}
		}()
	}

	venue := venuesim.New(log)
	srv := server.New(store, gov, venue, leverage.SystemClock{}, log)
	if err := srv.Bootstrap(cfg); err != nil {
		log.Error("bootstrap", "err", err)
		os.Exit(1)
	}

	handler := otelhttp.NewHandler(srv.Router(), "leverd")
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Listen)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", "err", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", "err", err)
			os.Exit(1)
		}
	}
}
