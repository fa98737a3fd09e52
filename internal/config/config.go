package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

type Config struct {
	Port        string `env:"CALLER_PORT" envDefault:"8080"`
	DisplayPort string `env:"DISPLAY_PORT" envDefault:"8090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	StateBackend string        `env:"STATE_BACKEND" envDefault:"sqlite"`
	SQLitePath   string        `env:"SQLITE_PATH" envDefault:"caller-state.db"`
	DatabaseURL  string        `env:"DB_DSN"`
	PollInterval time.Duration `env:"STATE_POLL_INTERVAL" envDefault:"250ms"`
	BatchSize    int           `env:"STATE_BATCH_SIZE" envDefault:"100"`
	Retention    time.Duration `env:"STATE_RETENTION" envDefault:"10m"`

	AtomicCounter bool `env:"CALLER_ATOMIC_COUNTER" envDefault:"false"`
	LocalAudio    bool `env:"CALLER_LOCAL_AUDIO" envDefault:"false"`
	HistorySize   int  `env:"CALLER_HISTORY_SIZE" envDefault:"10"`

	RateLimitPerMinute int `env:"RATE_LIMIT_PER_MINUTE" envDefault:"120"`
	RateLimitBurst     int `env:"RATE_LIMIT_BURST" envDefault:"40"`

	Audio   Audio   `envPrefix:"AUDIO_"`
	Display Display `envPrefix:"DISPLAY_"`
}

type Audio struct {
	FFmpegBinary      string        `env:"FFMPEG_BIN" envDefault:"ffmpeg"`
	GTTSBinary        string        `env:"GTTS_BIN" envDefault:"gtts-cli"`
	Language          string        `env:"TTS_LANGUAGE" envDefault:"ar"`
	RequestsPerMinute int           `env:"TTS_REQUESTS_PER_MINUTE" envDefault:"50"`
	CacheEntries      int           `env:"TTS_CACHE_ENTRIES" envDefault:"64"`
	CommandTimeout    time.Duration `env:"COMMAND_TIMEOUT" envDefault:"20s"`
	ItemDelay         time.Duration `env:"ITEM_DELAY" envDefault:"1s"`
}

type Display struct {
	HighlightFor time.Duration `env:"HIGHLIGHT_FOR" envDefault:"5s"`
	BannerFor    time.Duration `env:"BANNER_FOR" envDefault:"10s"`
	MessageFor   time.Duration `env:"MESSAGE_FOR" envDefault:"15s"`
}

// Load parses the process environment.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.StateBackend = strings.ToLower(strings.TrimSpace(cfg.StateBackend))
	switch cfg.StateBackend {
	case BackendMemory, BackendSQLite:
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DB_DSN is required for the %s backend", BackendPostgres)
		}
	default:
		return Config{}, fmt.Errorf("unknown STATE_BACKEND %q", cfg.StateBackend)
	}
	return cfg, nil
}
