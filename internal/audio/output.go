// Package audio plays announcement audio on the local sound device. Clips
// and synthesized speech are decoded to 16-bit mono PCM with ffmpeg and
// written to an oto context.
package audio

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

const (
	SampleRate   = 44100
	ChannelCount = 1
)

// Sink plays a PCM buffer to completion or until ctx ends.
type Sink interface {
	PlayPCM(ctx context.Context, pcm []byte) error
}

// Output is the oto backed Sink. Only one buffer plays at a time.
type Output struct {
	ctx *oto.Context
	mu  sync.Mutex
}

func NewOutput() (*Output, error) {
	op := &oto.NewContextOptions{
		SampleRate:   SampleRate,
		ChannelCount: ChannelCount,
		Format:       oto.FormatSignedInt16LE,
	}
	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("failed to create oto context: %w", err)
	}
	<-ready
	return &Output{ctx: ctx}, nil
}

func (o *Output) PlayPCM(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	player := o.ctx.NewPlayer(bytes.NewReader(pcm))
	defer player.Close()
	player.Play()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for player.IsPlaying() {
		select {
		case <-ctx.Done():
			player.Pause()
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return player.Err()
}
