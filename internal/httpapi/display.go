package httpapi

import (
	"net/http"

	"qms/caller-service/internal/announce"
	"qms/caller-service/internal/models"
	"qms/caller-service/internal/surface"
)

const (
	TestClinicName = "عيادة الاختبار"
	testNumber     = 1
)

type Snapshotter interface {
	Snapshot() surface.Snapshot
}

type AudioControl interface {
	Enqueue(clinicName string, number int)
	Stop()
	State() announce.State
	Pending() int
}

// DisplayHandler serves the display agent's local API.
type DisplayHandler struct {
	surface Snapshotter
	audio   AudioControl
}

type audioView struct {
	State   string `json:"state"`
	Pending int    `json:"pending"`
}

type displayStateView struct {
	Clinics  []ClinicView          `json:"clinics"`
	Settings models.Settings       `json:"settings"`
	Current  *models.CurrentCall   `json:"current"`
	Custom   *models.CustomMessage `json:"custom"`
	Audio    audioView             `json:"audio"`
}

func NewDisplayHandler(s Snapshotter, audio AudioControl) *DisplayHandler {
	return &DisplayHandler{surface: s, audio: audio}
}

// Register adds the display routes to mux.
func (h *DisplayHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", handleHealth)
	mux.HandleFunc("/api/state", h.handleState)
	mux.HandleFunc("/api/audio/test", h.handleAudioTest)
	mux.HandleFunc("/api/audio/stop", h.handleAudioStop)
}

func (h *DisplayHandler) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	snap := h.surface.Snapshot()
	writeJSON(w, http.StatusOK, displayStateView{
		Clinics:  clinicViews(snap.Clinics),
		Settings: snap.Settings,
		Current:  snap.Current,
		Custom:   snap.Custom,
		Audio:    h.audioState(),
	})
}

func (h *DisplayHandler) handleAudioTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	h.audio.Enqueue(TestClinicName, testNumber)
	writeJSON(w, http.StatusAccepted, h.audioState())
}

func (h *DisplayHandler) handleAudioStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	h.audio.Stop()
	writeJSON(w, http.StatusOK, h.audioState())
}

func (h *DisplayHandler) audioState() audioView {
	return audioView{State: h.audio.State().String(), Pending: h.audio.Pending()}
}
