package main

import (
	"context"
	"errors"
	"expvar"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qms/caller-service/internal/bootstrap"
	"qms/caller-service/internal/config"
	"qms/caller-service/internal/dispatcher"
	"qms/caller-service/internal/httpapi"
	"qms/caller-service/internal/surface"
	"qms/caller-service/internal/telemetry"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	_ = godotenv.Load(".env")
	bootLogger := bootstrap.NewLogger(os.Stderr, os.Getenv("LOG_LEVEL"), "caller-service")
	cfg, err := config.Load()
	if err != nil {
		bootLogger.Fatal("config", "err", err)
	}
	logger := bootstrap.NewLogger(os.Stderr, cfg.LogLevel, "caller-service")

	shutdownTelemetry := telemetry.Setup("caller-service", logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	state, closeState, err := bootstrap.OpenState(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Fatal("open shared state", "err", err)
	}
	defer closeState()

	// Local announcements are for a console machine wired to the waiting
	// room speakers. Display agents announce on their own otherwise.
	var announcer dispatcher.Announcer
	if cfg.LocalAudio {
		settings := surface.New(state, nil, nil, surface.Options{Logger: logger.With("component", "surface")})
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := settings.Start(ctx)
		cancel()
		if err != nil {
			logger.Fatal("read settings", "err", err)
		}
		defer settings.Close()
		scheduler := bootstrap.NewScheduler(cfg.Audio, settings.Settings, logger)
		defer scheduler.Stop()
		announcer = scheduler
	}

	d := dispatcher.New(state, announcer, dispatcher.Options{
		AtomicCounter: cfg.AtomicCounter,
		HistorySize:   cfg.HistorySize,
		Logger:        logger.With("component", "dispatcher"),
	})
	handler := httpapi.NewHandler(d)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute: cfg.RateLimitPerMinute,
		IPBurst:     cfg.RateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/", handler.Routes())

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(logger.With("component", "http"), limiter.Middleware(mux)), "caller-service"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("caller-service listening", "addr", server.Addr, "atomic_counter", cfg.AtomicCounter, "local_audio", cfg.LocalAudio)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
}
