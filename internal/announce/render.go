package announce

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"qms/caller-service/internal/models"
	"qms/caller-service/internal/spoken"

	"github.com/charmbracelet/log"
)

// ErrPlayback marks a failed announcement segment. It is logged, never
// returned to callers.
var ErrPlayback = errors.New("playback error")

const (
	DefaultTrailingPause = 500 * time.Millisecond
	DefaultClipGap       = 300 * time.Millisecond
)

type Speaker interface {
	Speak(ctx context.Context, text string, speed float64) error
}

type ClipPlayer interface {
	PlayClip(ctx context.Context, path string, speed float64) error
}

// SettingsFunc returns the settings in force when an announcement starts.
type SettingsFunc func() models.Settings

type RendererOptions struct {
	TrailingPause time.Duration
	ClipGap       time.Duration
	Logger        *log.Logger
}

// AudioRenderer voices an announcement according to the audio type in the
// current settings. A nil Speaker or ClipPlayer makes that mode silent.
type AudioRenderer struct {
	speaker       Speaker
	clips         ClipPlayer
	settings      SettingsFunc
	trailingPause time.Duration
	clipGap       time.Duration
	logger        *log.Logger
}

func NewAudioRenderer(speaker Speaker, clips ClipPlayer, settings SettingsFunc, opts RendererOptions) *AudioRenderer {
	if opts.TrailingPause <= 0 {
		opts.TrailingPause = DefaultTrailingPause
	}
	if opts.ClipGap <= 0 {
		opts.ClipGap = DefaultClipGap
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if settings == nil {
		settings = models.DefaultSettings
	}
	return &AudioRenderer{
		speaker:       speaker,
		clips:         clips,
		settings:      settings,
		trailingPause: opts.TrailingPause,
		clipGap:       opts.ClipGap,
		logger:        opts.Logger,
	}
}

func (r *AudioRenderer) Render(ctx context.Context, a Announcement) {
	settings := r.settings().WithDefaults()
	if settings.AudioType == models.AudioMP3 {
		r.renderClips(ctx, a, settings)
		return
	}
	r.renderSpeech(ctx, a, settings)
}

func (r *AudioRenderer) renderSpeech(ctx context.Context, a Announcement, settings models.Settings) {
	phrase := spoken.CallPhrase(a.ClinicName, a.Number)
	if r.speaker == nil {
		r.segmentFailed(a, "speech", errors.New("no speech backend configured"))
	} else if err := r.speaker.Speak(ctx, phrase, settings.AudioSpeed); err != nil {
		if ctx.Err() != nil {
			return
		}
		r.segmentFailed(a, "speech", err)
	}
	sleep(ctx, r.trailingPause)
}

func (r *AudioRenderer) renderClips(ctx context.Context, a Announcement, settings models.Settings) {
	clips, dropped := spoken.AnnouncementClips(a.Number)
	if len(dropped) > 0 {
		r.logger.Warn("words without clips skipped", "number", a.Number, "words", dropped)
	}
	for _, clip := range clips {
		r.playClip(ctx, a, settings, clip)
		if !sleep(ctx, r.clipGap) {
			return
		}
	}
	r.playClip(ctx, a, settings, spoken.ClinicClip(a.ClinicName))
}

func (r *AudioRenderer) playClip(ctx context.Context, a Announcement, settings models.Settings, clip string) {
	if ctx.Err() != nil {
		return
	}
	if r.clips == nil {
		r.segmentFailed(a, clip, errors.New("no clip backend configured"))
		return
	}
	path := filepath.Join(settings.AudioPath, filepath.FromSlash(clip))
	if err := r.clips.PlayClip(ctx, path, settings.AudioSpeed); err != nil && ctx.Err() == nil {
		r.segmentFailed(a, clip, err)
	}
}

func (r *AudioRenderer) segmentFailed(a Announcement, segment string, err error) {
	r.logger.Warn("announcement segment failed",
		"clinic", a.ClinicName,
		"number", a.Number,
		"segment", segment,
		"err", fmt.Errorf("%w: %w", ErrPlayback, err),
	)
}

// sleep waits d, returning false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
