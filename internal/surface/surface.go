// Package surface keeps one screen's view of the shared state current and
// turns call and message pushes into timed presentation effects.
package surface

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"qms/caller-service/internal/models"
	"qms/caller-service/internal/sharedstate"

	"github.com/charmbracelet/log"
)

const (
	DefaultHighlightFor = 5 * time.Second
	DefaultBannerFor    = 10 * time.Second
	DefaultMessageFor   = 15 * time.Second
)

// Presenter renders the screen. Methods may be called from several
// goroutines.
type Presenter interface {
	ClinicsChanged(clinics []models.Clinic)
	SettingsChanged(settings models.Settings)
	HighlightClinic(clinicID string)
	ClearHighlight(clinicID string)
	ShowCallBanner(call models.CurrentCall)
	HideCallBanner()
	ShowMessage(msg models.CustomMessage)
	HideMessage()
}

type Announcer interface {
	Enqueue(clinicName string, number int)
}

type Options struct {
	HighlightFor time.Duration
	BannerFor    time.Duration
	MessageFor   time.Duration
	Logger       *log.Logger
}

// Snapshot is a copy of the cached state.
type Snapshot struct {
	Clinics  []models.Clinic       `json:"clinics"`
	Settings models.Settings       `json:"settings"`
	Current  *models.CurrentCall   `json:"current"`
	Custom   *models.CustomMessage `json:"custom"`
}

type Surface struct {
	state     sharedstate.Client
	presenter Presenter
	announcer Announcer
	opts      Options
	logger    *log.Logger

	mu         sync.Mutex
	clinics    []models.Clinic
	settings   *models.Settings
	current    *models.CurrentCall
	custom     *models.CustomMessage
	highlights map[string]*effect
	banner     effect
	message    effect
	handles    []sharedstate.Handle
	pushed     map[string]bool
	ready      bool
	closed     bool
}

// effect is a timed presentation state. gen invalidates timers that fire
// after the effect was retriggered.
type effect struct {
	timer *time.Timer
	gen   uint64
}

// New builds a surface. presenter and announcer may be nil.
func New(state sharedstate.Client, presenter Presenter, announcer Announcer, opts Options) *Surface {
	if opts.HighlightFor <= 0 {
		opts.HighlightFor = DefaultHighlightFor
	}
	if opts.BannerFor <= 0 {
		opts.BannerFor = DefaultBannerFor
	}
	if opts.MessageFor <= 0 {
		opts.MessageFor = DefaultMessageFor
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if presenter == nil {
		presenter = NopPresenter{}
	}
	return &Surface{
		state:      state,
		presenter:  presenter,
		announcer:  announcer,
		opts:       opts,
		logger:     opts.Logger,
		highlights: make(map[string]*effect),
		pushed:     make(map[string]bool),
	}
}

// Start subscribes to the four display paths, then reads them. A path that
// already received a push keeps the pushed value, since the push is at least
// as new as the read. Nothing received before Start returns triggers an
// effect.
func (s *Surface) Start(ctx context.Context) error {
	subs := []error{
		subscribe(s, sharedstate.PathClinics, s.onClinics),
		subscribe(s, sharedstate.PathSettings, s.onSettings),
		subscribe(s, sharedstate.PathDisplayCurrent, s.onCurrent),
		subscribe(s, sharedstate.PathDisplayCustom, s.onCustom),
	}
	if err := errors.Join(subs...); err != nil {
		s.Close()
		return err
	}

	initial, err := s.readAll(ctx)
	if err != nil {
		s.Close()
		return err
	}
	s.seed(initial)
	return nil
}

type initialView struct {
	clinics  *map[string]models.Clinic
	settings *models.Settings
	current  *models.CurrentCall
	custom   *models.CustomMessage
}

func (s *Surface) readAll(ctx context.Context) (initialView, error) {
	var (
		v   initialView
		err error
	)
	if v.clinics, err = read[map[string]models.Clinic](ctx, s.state, sharedstate.PathClinics); err != nil {
		return v, err
	}
	if v.settings, err = read[models.Settings](ctx, s.state, sharedstate.PathSettings); err != nil {
		return v, err
	}
	if v.current, err = read[models.CurrentCall](ctx, s.state, sharedstate.PathDisplayCurrent); err != nil {
		return v, err
	}
	v.custom, err = read[models.CustomMessage](ctx, s.state, sharedstate.PathDisplayCustom)
	return v, err
}

// seed fills the paths no push has reached yet and presents the initial
// view. Presenting under the lock keeps a later push from being overtaken.
func (s *Surface) seed(v initialView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pushed[sharedstate.PathClinics] {
		s.clinics = flatten(v.clinics)
	}
	if !s.pushed[sharedstate.PathSettings] {
		s.settings = v.settings
	}
	if !s.pushed[sharedstate.PathDisplayCurrent] {
		s.current = v.current
	}
	if !s.pushed[sharedstate.PathDisplayCustom] {
		s.custom = v.custom
	}
	s.ready = true
	s.presenter.ClinicsChanged(s.clinics)
	s.presenter.SettingsChanged(s.settingsLocked())
	s.logger.Info("surface started", "clinics", len(s.clinics))
}

func read[T any](ctx context.Context, state sharedstate.Client, path string) (*T, error) {
	raw, err := state.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("initial read %s: %w", path, err)
	}
	v, err := sharedstate.Decode[T](raw)
	if err != nil {
		return nil, fmt.Errorf("initial read %s: %w", path, err)
	}
	return v, nil
}

func subscribe[T any](s *Surface, path string, apply func(*T)) error {
	h, err := s.state.Subscribe(path, func(raw json.RawMessage) {
		v, err := sharedstate.Decode[T](raw)
		if err != nil {
			s.logger.Warn("ignoring undecodable push", "path", path, "err", err)
			return
		}
		apply(v)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", path, err)
	}
	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()
	return nil
}

func flatten(byID *map[string]models.Clinic) []models.Clinic {
	if byID == nil {
		return []models.Clinic{}
	}
	return models.SortedClinics(*byID)
}

func (s *Surface) onClinics(byID *map[string]models.Clinic) {
	clinics := flatten(byID)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.clinics = clinics
	s.pushed[sharedstate.PathClinics] = true
	ready := s.ready
	s.mu.Unlock()
	if ready {
		s.presenter.ClinicsChanged(clinics)
	}
}

func (s *Surface) onSettings(settings *models.Settings) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.settings = settings
	s.pushed[sharedstate.PathSettings] = true
	ready := s.ready
	effective := s.settingsLocked()
	s.mu.Unlock()
	if ready {
		s.presenter.SettingsChanged(effective)
	}
}

// onCurrent highlights the clinic, shows the banner, then enqueues the
// announcement. A removed slot, or a push of the call already cached, only
// updates the cache.
func (s *Surface) onCurrent(call *models.CurrentCall) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	prev := s.current
	s.current = call
	s.pushed[sharedstate.PathDisplayCurrent] = true
	if !s.ready || call == nil || sameCall(prev, call) {
		s.mu.Unlock()
		return
	}
	h, ok := s.highlights[call.ClinicID]
	if !ok {
		h = &effect{}
		s.highlights[call.ClinicID] = h
	}
	clinicID := call.ClinicID
	s.arm(h, s.opts.HighlightFor, func() { s.presenter.ClearHighlight(clinicID) })
	s.arm(&s.banner, s.opts.BannerFor, s.presenter.HideCallBanner)
	s.mu.Unlock()

	s.presenter.HighlightClinic(call.ClinicID)
	s.presenter.ShowCallBanner(*call)
	if s.announcer != nil {
		s.announcer.Enqueue(call.ClinicName, call.Number)
	}
	s.logger.Debug("call received", "clinic", call.ClinicID, "number", call.Number)
}

func (s *Surface) onCustom(msg *models.CustomMessage) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	prev := s.custom
	s.custom = msg
	s.pushed[sharedstate.PathDisplayCustom] = true
	if !s.ready || msg == nil || sameMessage(prev, msg) {
		s.mu.Unlock()
		return
	}
	s.arm(&s.message, s.opts.MessageFor, s.presenter.HideMessage)
	s.mu.Unlock()
	s.presenter.ShowMessage(*msg)
}

func sameCall(a, b *models.CurrentCall) bool {
	return a != nil && b != nil && a.ClinicID == b.ClinicID && a.Number == b.Number && a.Timestamp.Equal(b.Timestamp)
}

func sameMessage(a, b *models.CustomMessage) bool {
	return a != nil && b != nil && a.Message == b.Message && a.Timestamp.Equal(b.Timestamp)
}

// arm restarts an effect's timer. Caller holds s.mu.
func (s *Surface) arm(e *effect, d time.Duration, clear func()) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen
	e.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		stale := s.closed || e.gen != gen
		if !stale {
			e.timer = nil
		}
		s.mu.Unlock()
		if !stale {
			clear()
		}
	})
}

func (s *Surface) settingsLocked() models.Settings {
	if s.settings == nil {
		return models.DefaultSettings()
	}
	return s.settings.WithDefaults()
}

// Settings returns the cached settings with defaults applied.
func (s *Surface) Settings() models.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settingsLocked()
}

func (s *Surface) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Clinics:  append([]models.Clinic(nil), s.clinics...),
		Settings: s.settingsLocked(),
	}
	if snap.Clinics == nil {
		snap.Clinics = []models.Clinic{}
	}
	if s.current != nil {
		c := *s.current
		snap.Current = &c
	}
	if s.custom != nil {
		m := *s.custom
		snap.Custom = &m
	}
	return snap
}

// Close drops every subscription and pending timer. The state client is
// left open.
func (s *Surface) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	handles := s.handles
	s.handles = nil
	for _, e := range s.highlights {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	for _, e := range []*effect{&s.banner, &s.message} {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	s.mu.Unlock()

	for _, h := range handles {
		s.state.Unsubscribe(h)
	}
}

// NopPresenter discards every presentation call.
type NopPresenter struct{}

func (NopPresenter) ClinicsChanged([]models.Clinic) {}
func (NopPresenter) SettingsChanged(models.Settings) {}
func (NopPresenter) HighlightClinic(string) {}
func (NopPresenter) ClearHighlight(string) {}
func (NopPresenter) ShowCallBanner(models.CurrentCall) {}
func (NopPresenter) HideCallBanner() {}
func (NopPresenter) ShowMessage(models.CustomMessage) {}
func (NopPresenter) HideMessage() {}
