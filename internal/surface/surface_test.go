package surface

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"qms/caller-service/internal/dispatcher"
	"qms/caller-service/internal/models"
	"qms/caller-service/internal/sharedstate"
	"qms/caller-service/internal/sharedstate/memory"
	"qms/caller-service/internal/sharedstate/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder logs presenter and announcer calls into one ordered list.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) count(event string) int {
	n := 0
	for _, e := range r.list() {
		if e == event {
			n++
		}
	}
	return n
}

func (r *recorder) ClinicsChanged(c []models.Clinic) { r.add("clinics:%d", len(c)) }
func (r *recorder) SettingsChanged(s models.Settings) { r.add("settings:%s", s.AudioType) }
func (r *recorder) HighlightClinic(id string) { r.add("highlight:%s", id) }
func (r *recorder) ClearHighlight(id string) { r.add("unhighlight:%s", id) }
func (r *recorder) ShowCallBanner(c models.CurrentCall) { r.add("banner:%s:%d", c.ClinicID, c.Number) }
func (r *recorder) HideCallBanner() { r.add("hide-banner") }
func (r *recorder) ShowMessage(m models.CustomMessage) { r.add("message:%s", m.Message) }
func (r *recorder) HideMessage() { r.add("hide-message") }
func (r *recorder) Enqueue(name string, number int) { r.add("enqueue:%s:%d", name, number) }

func newSurface(t *testing.T, opts Options) (*Surface, *memory.Store, *recorder) {
	t.Helper()
	st := memory.New(nil)
	t.Cleanup(func() { _ = st.Close() })
	rec := &recorder{}
	s := New(st, rec, rec, opts)
	t.Cleanup(s.Close)
	return s, st, rec
}

func call(id string, number int) models.CurrentCall {
	return models.CurrentCall{ClinicID: id, ClinicName: "عيادة " + id, Number: number, Timestamp: time.Now().UTC()}
}

func TestStartReadsWithoutEffects(t *testing.T) {
	s, st, rec := newSurface(t, Options{})
	ctx := context.Background()
	require.NoError(t, st.Set(ctx, sharedstate.ClinicPath("c1"), models.Clinic{Name: "الأسنان"}))
	require.NoError(t, st.Set(ctx, sharedstate.PathDisplayCurrent, call("c1", 4)))
	require.NoError(t, st.Set(ctx, sharedstate.PathDisplayCustom, models.CustomMessage{Message: "hi"}))

	require.NoError(t, s.Start(ctx))

	assert.Equal(t, []string{"clinics:1", "settings:tts"}, rec.list())
	snap := s.Snapshot()
	require.Len(t, snap.Clinics, 1)
	assert.Equal(t, "c1", snap.Clinics[0].ID)
	require.NotNil(t, snap.Current)
	assert.Equal(t, 4, snap.Current.Number)
	require.NotNil(t, snap.Custom)
	assert.Equal(t, models.DefaultSettings(), snap.Settings)
}

func TestCurrentCallEffectsInOrderAndAutoClear(t *testing.T) {
	s, st, rec := newSurface(t, Options{
		HighlightFor: 40 * time.Millisecond,
		BannerFor:    80 * time.Millisecond,
	})
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	require.NoError(t, st.Set(ctx, sharedstate.PathDisplayCurrent, call("c1", 7)))

	require.Eventually(t, func() bool { return rec.count("hide-banner") == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{
		"clinics:0",
		"settings:tts",
		"highlight:c1",
		"banner:c1:7",
		"enqueue:عيادة c1:7",
		"unhighlight:c1",
		"hide-banner",
	}, rec.list())
	assert.Equal(t, 7, s.Snapshot().Current.Number)
}

func TestRetriggerRestartsBannerTimer(t *testing.T) {
	s, st, rec := newSurface(t, Options{BannerFor: 150 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	require.NoError(t, st.Set(ctx, sharedstate.PathDisplayCurrent, call("c1", 1)))
	require.Eventually(t, func() bool { return rec.count("banner:c1:1") == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, st.Set(ctx, sharedstate.PathDisplayCurrent, call("c1", 2)))
	require.Eventually(t, func() bool { return rec.count("banner:c1:2") == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, rec.count("hide-banner"))
	require.Eventually(t, func() bool { return rec.count("hide-banner") == 1 }, time.Second, 5*time.Millisecond)
}

func TestRemovedCallOnlyUpdatesCache(t *testing.T) {
	s, st, rec := newSurface(t, Options{})
	ctx := context.Background()
	require.NoError(t, st.Set(ctx, sharedstate.PathDisplayCurrent, call("c1", 3)))
	require.NoError(t, s.Start(ctx))

	require.NoError(t, st.Set(ctx, sharedstate.PathDisplayCurrent, nil))
	require.Eventually(t, func() bool { return s.Snapshot().Current == nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"clinics:0", "settings:tts"}, rec.list())
}

func TestCustomMessageShowsAndHides(t *testing.T) {
	s, st, rec := newSurface(t, Options{MessageFor: 40 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	require.NoError(t, st.Set(ctx, sharedstate.PathDisplayCustom, models.CustomMessage{Message: "الرجاء الانتظار"}))
	require.Eventually(t, func() bool { return rec.count("hide-message") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rec.count("message:الرجاء الانتظار"))
	assert.Zero(t, rec.count("enqueue:الرجاء الانتظار:0"))
}

func TestPushesReplaceCache(t *testing.T) {
	s, st, rec := newSurface(t, Options{})
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	require.NoError(t, st.Set(ctx, sharedstate.ClinicPath("b"), models.Clinic{Name: "b", CreatedAt: time.Unix(20, 0)}))
	require.NoError(t, st.Set(ctx, sharedstate.ClinicPath("a"), models.Clinic{Name: "a", CreatedAt: time.Unix(10, 0)}))
	require.NoError(t, st.Update(ctx, sharedstate.PathSettings, map[string]any{"audioType": models.AudioMP3, "audioSpeed": 1.5}))

	require.Eventually(t, func() bool {
		return len(s.Snapshot().Clinics) == 2 && s.Settings().AudioType == models.AudioMP3
	}, time.Second, 5*time.Millisecond)
	snap := s.Snapshot()
	assert.Equal(t, "a", snap.Clinics[0].ID)
	assert.Equal(t, 1.5, snap.Settings.AudioSpeed)
	assert.Equal(t, models.DefaultAudioPath, snap.Settings.AudioPath)
	assert.Contains(t, rec.list(), "settings:mp3")

	require.NoError(t, st.Set(ctx, sharedstate.PathClinics, nil))
	require.Eventually(t, func() bool { return len(s.Snapshot().Clinics) == 0 }, time.Second, 5*time.Millisecond)
}

func TestCloseCancelsTimers(t *testing.T) {
	s, st, rec := newSurface(t, Options{BannerFor: 50 * time.Millisecond, HighlightFor: 50 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	require.NoError(t, st.Set(ctx, sharedstate.PathDisplayCurrent, call("c1", 1)))
	require.Eventually(t, func() bool { return rec.count("banner:c1:1") == 1 }, time.Second, 5*time.Millisecond)
	s.Close()

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, rec.count("hide-banner"))
	assert.Zero(t, rec.count("unhighlight:c1"))
}

func (r *recorder) enqueued() []string {
	var out []string
	for _, e := range r.list() {
		if strings.HasPrefix(e, "enqueue:") {
			out = append(out, e)
		}
	}
	return out
}

func TestRapidAdvancesAnnounceEachNumberInOrder(t *testing.T) {
	backends := map[string]func(t *testing.T) sharedstate.Client{
		"memory": func(t *testing.T) sharedstate.Client {
			st := memory.New(nil)
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
		"sqlite": func(t *testing.T) sharedstate.Client {
			st, err := sqlite.NewMemoryStore(sqlite.Options{})
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			ctx := context.Background()
			d := dispatcher.New(st, nil, dispatcher.Options{})
			clinic, err := d.AddClinic(ctx, dispatcher.NewClinic{Name: "الأسنان", Password: "1234"})
			require.NoError(t, err)

			rec := &recorder{}
			s := New(st, rec, rec, Options{})
			t.Cleanup(s.Close)
			require.NoError(t, s.Start(ctx))

			for i := 0; i < 5; i++ {
				_, err := d.Advance(ctx, clinic.ID)
				require.NoError(t, err)
			}

			require.Eventually(t, func() bool { return len(rec.enqueued()) == 5 }, 3*time.Second, 10*time.Millisecond)
			want := make([]string, 0, 5)
			for n := 1; n <= 5; n++ {
				want = append(want, fmt.Sprintf("enqueue:الأسنان:%d", n))
			}
			assert.Equal(t, want, rec.enqueued())
		})
	}
}

// lateWriteState applies a write just before one path is read, after the
// paths before it were already read.
type lateWriteState struct {
	*memory.Store
	beforeRead string
	write      func()
	once       sync.Once
}

func (l *lateWriteState) Get(ctx context.Context, path string) (json.RawMessage, error) {
	if path == l.beforeRead {
		l.once.Do(l.write)
	}
	return l.Store.Get(ctx, path)
}

func TestStartKeepsWritesLandingDuringInitialRead(t *testing.T) {
	st := memory.New(nil)
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	require.NoError(t, st.Set(ctx, sharedstate.ClinicPath("c1"), models.Clinic{Name: "الأسنان"}))

	late := &lateWriteState{Store: st, beforeRead: sharedstate.PathDisplayCustom}
	late.write = func() {
		require.NoError(t, st.Set(ctx, sharedstate.ClinicPath("c2"), models.Clinic{Name: "العيون"}))
	}
	rec := &recorder{}
	s := New(late, rec, rec, Options{})
	t.Cleanup(s.Close)
	require.NoError(t, s.Start(ctx))

	require.Eventually(t, func() bool { return len(s.Snapshot().Clinics) == 2 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, rec.enqueued())
}

func TestDuplicateCallPushDoesNotReannounce(t *testing.T) {
	s, st, rec := newSurface(t, Options{})
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	c := call("c1", 3)
	require.NoError(t, st.Set(ctx, sharedstate.PathDisplayCurrent, c))
	require.NoError(t, st.Set(ctx, sharedstate.PathDisplayCurrent, c))
	c.Timestamp = c.Timestamp.Add(time.Second)
	require.NoError(t, st.Set(ctx, sharedstate.PathDisplayCurrent, c))

	require.Eventually(t, func() bool { return len(rec.enqueued()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, rec.enqueued(), 2)
}
