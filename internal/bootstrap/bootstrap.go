// Package bootstrap wires configuration into the concrete backends shared by
// the binaries.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"qms/caller-service/internal/announce"
	"qms/caller-service/internal/audio"
	"qms/caller-service/internal/config"
	"qms/caller-service/internal/sharedstate"
	"qms/caller-service/internal/sharedstate/memory"
	"qms/caller-service/internal/sharedstate/postgres"
	"qms/caller-service/internal/sharedstate/sqlite"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewLogger builds the process logger. Unknown levels fall back to info.
func NewLogger(w io.Writer, level, service string) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	logger := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
		Prefix:          service,
	})
	lvl, err := log.ParseLevel(level)
	if err != nil {
		logger.Warn("unknown log level, using info", "level", level)
		lvl = log.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

// OpenState connects the configured shared state backend. The returned close
// func releases everything OpenState acquired.
func OpenState(ctx context.Context, cfg config.Config, logger *log.Logger) (sharedstate.Client, func(), error) {
	logger = logger.With("component", "sharedstate", "backend", cfg.StateBackend)

	switch cfg.StateBackend {
	case config.BackendMemory:
		st := memory.New(logger)
		return st, func() { _ = st.Close() }, nil
	case config.BackendSQLite:
		st, err := sqlite.NewFileStore(cfg.SQLitePath, sqlite.Options{
			PollInterval: cfg.PollInterval,
			BatchSize:    cfg.BatchSize,
			Retention:    cfg.Retention,
			Logger:       logger,
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("shared state opened", "path", cfg.SQLitePath)
		return st, func() { _ = st.Close() }, nil
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("db connect: %w", err)
		}
		st, err := postgres.NewStore(ctx, pool, postgres.Options{Logger: logger})
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("shared state opened")
		return st, func() {
			_ = st.Close()
			pool.Close()
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown state backend %q", cfg.StateBackend)
	}
}

// NewScheduler builds the local announcement pipeline. Without a usable
// sound device announcements still run through the scheduler silently.
func NewScheduler(cfg config.Audio, settings announce.SettingsFunc, logger *log.Logger) *announce.Scheduler {
	logger = logger.With("component", "announce")

	var (
		speaker announce.Speaker
		clips   announce.ClipPlayer
	)
	output, err := audio.NewOutput()
	if err != nil {
		logger.Warn("audio output unavailable, announcements will be silent", "err", err)
	} else {
		run := audio.ExecRunner(cfg.CommandTimeout)
		decoder := audio.NewFFmpeg(cfg.FFmpegBinary, run)
		speaker = audio.NewGTTS(audio.GTTSConfig{
			Binary:            cfg.GTTSBinary,
			Language:          cfg.Language,
			RequestsPerMinute: cfg.RequestsPerMinute,
			CacheEntries:      cfg.CacheEntries,
			Runner:            run,
		}, decoder, output)
		clips = audio.NewClipPlayer(decoder, output)
	}

	renderer := announce.NewAudioRenderer(speaker, clips, settings, announce.RendererOptions{Logger: logger})
	return announce.NewScheduler(renderer, announce.Options{ItemDelay: cfg.ItemDelay, Logger: logger})
}
