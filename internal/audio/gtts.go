package audio

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type GTTSConfig struct {
	Binary            string
	Language          string
	RequestsPerMinute int
	CacheEntries      int
	Runner            Runner
}

// GTTS speaks text with gtts-cli. Synthesized PCM is cached so repeated
// announcements skip the network round trip.
type GTTS struct {
	binary   string
	language string
	run      Runner
	decoder  *FFmpeg
	sink     Sink
	limiter  *rate.Limiter

	mu         sync.Mutex
	cache      map[string][]byte
	order      []string
	maxEntries int
}

func NewGTTS(cfg GTTSConfig, decoder *FFmpeg, sink Sink) *GTTS {
	if cfg.Binary == "" {
		cfg.Binary = "gtts-cli"
	}
	if cfg.Language == "" {
		cfg.Language = "ar"
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 50
	}
	if cfg.CacheEntries <= 0 {
		cfg.CacheEntries = 64
	}
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner(30 * time.Second)
	}
	return &GTTS{
		binary:     cfg.Binary,
		language:   cfg.Language,
		run:        cfg.Runner,
		decoder:    decoder,
		sink:       sink,
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1),
		cache:      make(map[string][]byte),
		maxEntries: cfg.CacheEntries,
	}
}

func (g *GTTS) Speak(ctx context.Context, text string, speed float64) error {
	pcm, err := g.Synthesize(ctx, text, speed)
	if err != nil {
		return err
	}
	return g.sink.PlayPCM(ctx, pcm)
}

func (g *GTTS) Synthesize(ctx context.Context, text string, speed float64) ([]byte, error) {
	if text == "" {
		return nil, errors.New("text cannot be empty")
	}
	key := strconv.FormatFloat(speed, 'f', 2, 64) + "|" + text
	if pcm, ok := g.cached(key); ok {
		return pcm, nil
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait cancelled: %w", err)
	}
	mp3, err := g.run(ctx, g.binary, []string{text, "-l", g.language, "-o", "-"}, nil)
	if err != nil {
		return nil, fmt.Errorf("MP3 generation failed: %w", err)
	}
	pcm, err := g.decoder.DecodeBytes(ctx, mp3, speed)
	if err != nil {
		return nil, fmt.Errorf("MP3 to PCM conversion failed: %w", err)
	}
	g.store(key, pcm)
	return pcm, nil
}

func (g *GTTS) cached(key string) ([]byte, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pcm, ok := g.cache[key]
	return pcm, ok
}

func (g *GTTS) store(key string, pcm []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.cache[key]; ok {
		return
	}
	if len(g.order) >= g.maxEntries {
		oldest := g.order[0]
		g.order = g.order[1:]
		delete(g.cache, oldest)
	}
	g.cache[key] = pcm
	g.order = append(g.order, key)
}
