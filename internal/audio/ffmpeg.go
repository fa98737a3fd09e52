package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	minTempo = 0.5
	maxTempo = 2.0
)

// FFmpeg decodes compressed audio to the PCM layout Output expects.
type FFmpeg struct {
	binary string
	run    Runner
}

func NewFFmpeg(binary string, run Runner) *FFmpeg {
	if binary == "" {
		binary = "ffmpeg"
	}
	if run == nil {
		run = ExecRunner(15 * time.Second)
	}
	return &FFmpeg{binary: binary, run: run}
}

func (f *FFmpeg) DecodeFile(ctx context.Context, path string, speed float64) ([]byte, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("clip %s: %w", path, err)
	}
	return f.run(ctx, f.binary, decodeArgs(path, speed), nil)
}

func (f *FFmpeg) DecodeBytes(ctx context.Context, data []byte, speed float64) ([]byte, error) {
	return f.run(ctx, f.binary, decodeArgs("pipe:0", speed), bytes.NewReader(data))
}

func decodeArgs(input string, speed float64) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-i", input,
		"-f", "s16le",
		"-ar", strconv.Itoa(SampleRate),
		"-ac", strconv.Itoa(ChannelCount),
	}
	if speed > 0 && speed != 1.0 {
		args = append(args, "-filter:a", fmt.Sprintf("atempo=%.2f", clampTempo(speed)))
	}
	return append(args, "-")
}

// clampTempo keeps speed inside the range a single atempo filter accepts.
func clampTempo(speed float64) float64 {
	if speed < minTempo {
		return minTempo
	}
	if speed > maxTempo {
		return maxTempo
	}
	return speed
}

// ClipPlayer plays clip files through a Sink.
type ClipPlayer struct {
	decoder *FFmpeg
	sink    Sink
}

func NewClipPlayer(decoder *FFmpeg, sink Sink) *ClipPlayer {
	return &ClipPlayer{decoder: decoder, sink: sink}
}

func (p *ClipPlayer) PlayClip(ctx context.Context, path string, speed float64) error {
	pcm, err := p.decoder.DecodeFile(ctx, path, speed)
	if err != nil {
		return err
	}
	return p.sink.PlayPCM(ctx, pcm)
}
