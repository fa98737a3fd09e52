package audio

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	name  string
	args  []string
	stdin []byte
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []call
	out   map[string][]byte
}

func (f *fakeRunner) run(ctx context.Context, name string, args []string, stdin io.Reader) ([]byte, error) {
	var in []byte
	if stdin != nil {
		in, _ = io.ReadAll(stdin)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{name: name, args: args, stdin: in})
	return f.out[name], nil
}

type fakeSink struct {
	played [][]byte
}

func (f *fakeSink) PlayPCM(ctx context.Context, pcm []byte) error {
	f.played = append(f.played, pcm)
	return nil
}

func TestDecodeArgsTempo(t *testing.T) {
	tests := []struct {
		speed float64
		want  string
	}{
		{1.0, ""},
		{1.5, "atempo=1.50"},
		{3.0, "atempo=2.00"},
		{0.25, "atempo=0.50"},
	}
	for _, tt := range tests {
		args := decodeArgs("in.mp3", tt.speed)
		assert.Equal(t, "-", args[len(args)-1])
		assert.Contains(t, args, "s16le")
		if tt.want == "" {
			assert.NotContains(t, args, "-filter:a")
			continue
		}
		assert.Equal(t, tt.want, args[len(args)-2], "speed %v", tt.speed)
	}
}

func TestClipPlayerDecodesAndPlays(t *testing.T) {
	dir := t.TempDir()
	clip := filepath.Join(dir, "5.mp3")
	require.NoError(t, os.WriteFile(clip, []byte("mp3"), 0o644))

	runner := &fakeRunner{out: map[string][]byte{"ffmpeg": []byte("pcm")}}
	sink := &fakeSink{}
	player := NewClipPlayer(NewFFmpeg("", runner.run), sink)

	require.NoError(t, player.PlayClip(context.Background(), clip, 1))
	require.Len(t, runner.calls, 1)
	assert.Contains(t, runner.calls[0].args, clip)
	assert.Equal(t, [][]byte{[]byte("pcm")}, sink.played)
}

func TestClipPlayerMissingFile(t *testing.T) {
	runner := &fakeRunner{}
	player := NewClipPlayer(NewFFmpeg("", runner.run), &fakeSink{})

	err := player.PlayClip(context.Background(), filepath.Join(t.TempDir(), "missing.mp3"), 1)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Empty(t, runner.calls)
}

func TestGTTSSynthesizesOnceAndCaches(t *testing.T) {
	runner := &fakeRunner{out: map[string][]byte{
		"gtts-cli": []byte("mp3-bytes"),
		"ffmpeg":   []byte("pcm-bytes"),
	}}
	sink := &fakeSink{}
	speaker := NewGTTS(GTTSConfig{Runner: runner.run, RequestsPerMinute: 6000}, NewFFmpeg("", runner.run), sink)

	ctx := context.Background()
	require.NoError(t, speaker.Speak(ctx, "على العميل رقم واحد", 1.25))
	require.NoError(t, speaker.Speak(ctx, "على العميل رقم واحد", 1.25))

	require.Len(t, runner.calls, 2)
	assert.Equal(t, "gtts-cli", runner.calls[0].name)
	assert.Equal(t, []string{"على العميل رقم واحد", "-l", "ar", "-o", "-"}, runner.calls[0].args)
	assert.Equal(t, "ffmpeg", runner.calls[1].name)
	assert.Contains(t, runner.calls[1].args, "pipe:0")
	assert.Equal(t, []byte("mp3-bytes"), runner.calls[1].stdin)
	assert.Len(t, sink.played, 2)
}

func TestGTTSCacheEvictsOldest(t *testing.T) {
	runner := &fakeRunner{out: map[string][]byte{"gtts-cli": []byte("m"), "ffmpeg": []byte("p")}}
	speaker := NewGTTS(GTTSConfig{Runner: runner.run, RequestsPerMinute: 6000, CacheEntries: 1}, NewFFmpeg("", runner.run), &fakeSink{})

	ctx := context.Background()
	_, err := speaker.Synthesize(ctx, "a", 1)
	require.NoError(t, err)
	_, err = speaker.Synthesize(ctx, "b", 1)
	require.NoError(t, err)
	_, err = speaker.Synthesize(ctx, "a", 1)
	require.NoError(t, err)

	assert.Len(t, runner.calls, 6)
}

func TestGTTSRejectsEmptyText(t *testing.T) {
	speaker := NewGTTS(GTTSConfig{Runner: (&fakeRunner{}).run}, NewFFmpeg("", nil), &fakeSink{})
	_, err := speaker.Synthesize(context.Background(), "", 1)
	assert.Error(t, err)
}
