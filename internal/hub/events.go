package hub

import (
	"encoding/json"
	"time"

	"qms/caller-service/internal/models"
	"qms/caller-service/internal/surface"
)

const (
	EventSnapshot        = "snapshot"
	EventClinics         = "clinics"
	EventSettings        = "settings"
	EventHighlight       = "highlight"
	EventHighlightClear  = "highlight_clear"
	EventCallBanner      = "call_banner"
	EventCallBannerClear = "call_banner_clear"
	EventMessage         = "message"
	EventMessageClear    = "message_clear"
)

type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type clinicRef struct {
	ClinicID string `json:"clinicId"`
}

// ClinicView is what screens learn about a clinic. Passwords stay out.
type ClinicView struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	CurrentNumber int    `json:"currentNumber"`
}

func ClinicViews(clinics []models.Clinic) []ClinicView {
	out := make([]ClinicView, 0, len(clinics))
	for _, c := range clinics {
		out = append(out, ClinicView{ID: c.ID, Name: c.Name, CurrentNumber: c.CurrentNumber})
	}
	return out
}

// Encode wraps payload in an envelope.
func Encode(eventType string, payload any, at time.Time) ([]byte, error) {
	raw := json.RawMessage("null")
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Envelope{Type: eventType, Payload: raw, CreatedAt: at})
}

// Presenter broadcasts surface effects as envelopes.
type Presenter struct {
	hub *Hub
	now func() time.Time
}

func NewPresenter(h *Hub) *Presenter {
	return &Presenter{hub: h, now: func() time.Time { return time.Now().UTC() }}
}

// publish sends one envelope. clinicID scopes it to screens following that
// clinic; empty goes to every screen.
func (p *Presenter) publish(eventType string, payload any, clinicID string) {
	msg, err := Encode(eventType, payload, p.now())
	if err != nil {
		p.hub.logger.Error("encode event", "type", eventType, "err", err)
		return
	}
	p.hub.Broadcast(msg, clinicID)
}

func (p *Presenter) ClinicsChanged(clinics []models.Clinic) {
	p.publish(EventClinics, ClinicViews(clinics), "")
}

func (p *Presenter) SettingsChanged(settings models.Settings) {
	p.publish(EventSettings, settings, "")
}

func (p *Presenter) HighlightClinic(clinicID string) {
	p.publish(EventHighlight, clinicRef{ClinicID: clinicID}, clinicID)
}

func (p *Presenter) ClearHighlight(clinicID string) {
	p.publish(EventHighlightClear, clinicRef{ClinicID: clinicID}, clinicID)
}

func (p *Presenter) ShowCallBanner(call models.CurrentCall) {
	p.publish(EventCallBanner, call, call.ClinicID)
}

func (p *Presenter) HideCallBanner() {
	p.publish(EventCallBannerClear, nil, "")
}

func (p *Presenter) ShowMessage(msg models.CustomMessage) {
	p.publish(EventMessage, msg, "")
}

func (p *Presenter) HideMessage() {
	p.publish(EventMessageClear, nil, "")
}

// SnapshotView is sent to a screen when it connects.
type SnapshotView struct {
	Clinics  []ClinicView          `json:"clinics"`
	Settings models.Settings       `json:"settings"`
	Current  *models.CurrentCall   `json:"current"`
	Custom   *models.CustomMessage `json:"custom"`
}

func NewSnapshotView(snap surface.Snapshot) SnapshotView {
	return SnapshotView{
		Clinics:  ClinicViews(snap.Clinics),
		Settings: snap.Settings,
		Current:  snap.Current,
		Custom:   snap.Custom,
	}
}
