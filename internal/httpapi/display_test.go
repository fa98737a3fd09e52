package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"qms/caller-service/internal/announce"
	"qms/caller-service/internal/models"
	"qms/caller-service/internal/surface"
)

type fakeSnapshotter struct {
	snap surface.Snapshot
}

func (f fakeSnapshotter) Snapshot() surface.Snapshot { return f.snap }

type fakeAudio struct {
	enqueued []string
	stopped  int
	state    announce.State
}

func (f *fakeAudio) Enqueue(name string, number int) {
	f.enqueued = append(f.enqueued, name)
	f.state = announce.Playing
}

func (f *fakeAudio) Stop() {
	f.stopped++
	f.state = announce.Idle
}

func (f *fakeAudio) State() announce.State { return f.state }
func (f *fakeAudio) Pending() int { return 0 }

func newDisplayMux(snap surface.Snapshot, audio *fakeAudio) *http.ServeMux {
	mux := http.NewServeMux()
	NewDisplayHandler(fakeSnapshotter{snap: snap}, audio).Register(mux)
	return mux
}

func TestDisplayStateOmitsPasswords(t *testing.T) {
	snap := surface.Snapshot{
		Clinics:  []models.Clinic{{ID: "c1", Name: "الأسنان", Password: "secret", CurrentNumber: 3}},
		Settings: models.DefaultSettings(),
		Current:  &models.CurrentCall{ClinicID: "c1", Number: 3},
	}
	mux := newDisplayMux(snap, &fakeAudio{})

	resp := httptest.NewRecorder()
	mux.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/state", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	if strings.Contains(resp.Body.String(), "secret") {
		t.Fatalf("password leaked: %s", resp.Body.String())
	}
	var view displayStateView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(view.Clinics) != 1 || view.Current == nil || view.Audio.State != "idle" {
		t.Fatalf("unexpected state: %+v", view)
	}
}

func TestAudioTestAndStop(t *testing.T) {
	audio := &fakeAudio{}
	mux := newDisplayMux(surface.Snapshot{}, audio)

	resp := httptest.NewRecorder()
	mux.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/audio/test", nil))
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", resp.Code)
	}
	if len(audio.enqueued) != 1 || audio.enqueued[0] != TestClinicName {
		t.Fatalf("unexpected enqueues: %v", audio.enqueued)
	}

	resp = httptest.NewRecorder()
	mux.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/audio/stop", nil))
	if resp.Code != http.StatusOK || audio.stopped != 1 {
		t.Fatalf("stop not applied: status %d, stopped %d", resp.Code, audio.stopped)
	}

	resp = httptest.NewRecorder()
	mux.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/audio/stop", nil))
	if resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405, got %d", resp.Code)
	}
}
