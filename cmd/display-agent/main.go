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
	"qms/caller-service/internal/httpapi"
	"qms/caller-service/internal/hub"
	"qms/caller-service/internal/models"
	"qms/caller-service/internal/surface"
	"qms/caller-service/internal/telemetry"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	_ = godotenv.Load(".env")
	bootLogger := bootstrap.NewLogger(os.Stderr, os.Getenv("LOG_LEVEL"), "display-agent")
	cfg, err := config.Load()
	if err != nil {
		bootLogger.Fatal("config", "err", err)
	}
	logger := bootstrap.NewLogger(os.Stderr, cfg.LogLevel, "display-agent")

	shutdownTelemetry := telemetry.Setup("display-agent", logger)
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

	h := hub.New(logger.With("component", "hub"))

	// The renderer reads settings from the surface cache, which is built
	// after the scheduler it feeds.
	var screen *surface.Surface
	scheduler := bootstrap.NewScheduler(cfg.Audio, func() models.Settings {
		if screen == nil {
			return models.DefaultSettings()
		}
		return screen.Settings()
	}, logger)
	defer scheduler.Stop()

	screen = surface.New(state, hub.NewPresenter(h), scheduler, surface.Options{
		HighlightFor: cfg.Display.HighlightFor,
		BannerFor:    cfg.Display.BannerFor,
		MessageFor:   cfg.Display.MessageFor,
		Logger:       logger.With("component", "surface"),
	})
	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	err = screen.Start(ctx)
	cancel()
	if err != nil {
		logger.Fatal("start surface", "err", err)
	}
	defer screen.Close()

	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute: cfg.RateLimitPerMinute,
		IPBurst:     cfg.RateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	httpapi.NewDisplayHandler(screen, scheduler).Register(mux)
	mux.Handle("/realtime/", realtimeHandler(h, screen, logger.With("component", "realtime")))

	server := &http.Server{
		Addr:         ":" + cfg.DisplayPort,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(logger.With("component", "http"), limiter.Middleware(mux)), "display-agent"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("display-agent listening", "addr", server.Addr)
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

// realtimeHandler relays surface events to browser screens. Each session
// gets the current snapshot first, then live events for its subscription.
func realtimeHandler(h *hub.Hub, screen *surface.Surface, logger *log.Logger) http.Handler {
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
		if req := session.Request(); req != nil {
			client.Subscription.ClinicID = req.URL.Query().Get("clinic_id")
		}

		snapshot, err := hub.Encode(hub.EventSnapshot, hub.NewSnapshotView(screen.Snapshot()), time.Now().UTC())
		if err != nil {
			logger.Error("encode snapshot", "err", err)
			_ = session.Close(4000, "snapshot unavailable")
			return
		}
		client.Send <- snapshot

		h.Register(client)
		defer h.Unregister(client)
		logger.Debug("screen connected", "client", client.ID, "clinic", client.Subscription.ClinicID)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := hub.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				h.UpdateSubscription(client, hub.Subscription{})
			} else {
				h.UpdateSubscription(client, hub.Subscription{ClinicID: parsed.ClinicID})
			}
		}
	})
}
