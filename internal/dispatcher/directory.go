package dispatcher

import (
	"context"
	"strings"

	"qms/caller-service/internal/models"
	"qms/caller-service/internal/sharedstate"

	"github.com/google/uuid"
)

type NewClinic struct {
	Name        string
	Password    string
	StartNumber int
}

// DisplayState is the content of both display slots.
type DisplayState struct {
	Current *models.CurrentCall   `json:"current"`
	Custom  *models.CustomMessage `json:"custom"`
}

// Clinics lists every clinic ordered by creation time.
func (d *Dispatcher) Clinics(ctx context.Context) ([]models.Clinic, error) {
	raw, err := d.state.Get(ctx, sharedstate.PathClinics)
	if err != nil {
		return nil, storeErr("read clinics", err)
	}
	byID, err := sharedstate.Decode[map[string]models.Clinic](raw)
	if err != nil {
		return nil, storeErr("read clinics", err)
	}
	if byID == nil {
		return []models.Clinic{}, nil
	}
	return models.SortedClinics(*byID), nil
}

func (d *Dispatcher) Clinic(ctx context.Context, clinicID string) (models.Clinic, error) {
	return d.loadClinic(ctx, clinicID)
}

// Queue returns the queue record mirroring a clinic.
func (d *Dispatcher) Queue(ctx context.Context, clinicID string) (models.QueueRecord, error) {
	clinic, err := d.loadClinic(ctx, clinicID)
	if err != nil {
		return models.QueueRecord{}, err
	}
	raw, err := d.state.Get(ctx, sharedstate.QueuePath(clinic.ID))
	if err != nil {
		return models.QueueRecord{}, storeErr("read queue", err)
	}
	record, err := sharedstate.Decode[models.QueueRecord](raw)
	if err != nil {
		return models.QueueRecord{}, storeErr("read queue", err)
	}
	if record == nil {
		return models.QueueRecord{}, nil
	}
	return *record, nil
}

func (d *Dispatcher) Display(ctx context.Context) (DisplayState, error) {
	var state DisplayState
	raw, err := d.state.Get(ctx, sharedstate.PathDisplayCurrent)
	if err != nil {
		return DisplayState{}, storeErr("read display", err)
	}
	if state.Current, err = sharedstate.Decode[models.CurrentCall](raw); err != nil {
		return DisplayState{}, storeErr("read display", err)
	}
	raw, err = d.state.Get(ctx, sharedstate.PathDisplayCustom)
	if err != nil {
		return DisplayState{}, storeErr("read display", err)
	}
	if state.Custom, err = sharedstate.Decode[models.CustomMessage](raw); err != nil {
		return DisplayState{}, storeErr("read display", err)
	}
	return state, nil
}

// AddClinic creates a clinic and its queue record.
func (d *Dispatcher) AddClinic(ctx context.Context, input NewClinic) (models.Clinic, error) {
	input.Name = strings.TrimSpace(input.Name)
	input.Password = strings.TrimSpace(input.Password)
	if input.Name == "" || input.Password == "" {
		return models.Clinic{}, validationErr("name and password are required")
	}
	if input.StartNumber < 0 {
		return models.Clinic{}, validationErr("start number must not be negative")
	}

	now := d.now()
	clinic := models.Clinic{
		ID:            "clinic_" + uuid.NewString(),
		Name:          input.Name,
		Password:      input.Password,
		CurrentNumber: input.StartNumber,
		CreatedAt:     now,
	}
	if err := d.state.Set(ctx, sharedstate.ClinicPath(clinic.ID), clinic); err != nil {
		return models.Clinic{}, d.storeFailed("add_clinic", clinic.ID, storeErr("clinic", err))
	}
	if err := d.state.Set(ctx, sharedstate.QueuePath(clinic.ID), models.QueueRecord{
		CurrentNumber: input.StartNumber,
		LastUpdated:   &now,
	}); err != nil {
		return models.Clinic{}, d.storeFailed("add_clinic", clinic.ID, storeErr("queue", err))
	}
	d.history.Add(Entry{Action: "add_clinic", ClinicID: clinic.ID, ClinicName: clinic.Name, Number: clinic.CurrentNumber, At: now})
	d.logger.Info("clinic added", "clinic", clinic.ID, "name", clinic.Name)
	return clinic, nil
}

// DeleteClinic removes a clinic together with its queue record.
func (d *Dispatcher) DeleteClinic(ctx context.Context, clinicID string) error {
	clinic, err := d.loadClinic(ctx, clinicID)
	if err != nil {
		return err
	}
	if err := d.state.Set(ctx, sharedstate.ClinicPath(clinic.ID), nil); err != nil {
		return d.storeFailed("delete_clinic", clinic.ID, storeErr("clinic", err))
	}
	if err := d.state.Set(ctx, sharedstate.QueuePath(clinic.ID), nil); err != nil {
		return d.storeFailed("delete_clinic", clinic.ID, storeErr("queue", err))
	}
	d.history.Add(Entry{Action: "delete_clinic", ClinicID: clinic.ID, ClinicName: clinic.Name, At: d.now()})
	d.logger.Info("clinic deleted", "clinic", clinic.ID)
	return nil
}

// Login checks a clinic's shared password.
func (d *Dispatcher) Login(ctx context.Context, clinicID, password string) (models.Clinic, error) {
	clinic, err := d.loadClinic(ctx, clinicID)
	if err != nil {
		return models.Clinic{}, err
	}
	if clinic.Password != password {
		return models.Clinic{}, ErrInvalidPassword
	}
	return clinic, nil
}

// Settings returns the stored settings, or the defaults when none exist.
func (d *Dispatcher) Settings(ctx context.Context) (models.Settings, error) {
	raw, err := d.state.Get(ctx, sharedstate.PathSettings)
	if err != nil {
		return models.Settings{}, storeErr("read settings", err)
	}
	settings, err := sharedstate.Decode[models.Settings](raw)
	if err != nil {
		return models.Settings{}, storeErr("read settings", err)
	}
	if settings == nil {
		return models.DefaultSettings(), nil
	}
	return settings.WithDefaults(), nil
}

func (d *Dispatcher) SaveSettings(ctx context.Context, settings models.Settings) (models.Settings, error) {
	settings.CenterName = strings.TrimSpace(settings.CenterName)
	settings.AudioType = strings.TrimSpace(settings.AudioType)
	settings.AudioPath = strings.TrimSpace(settings.AudioPath)
	settings.MediaPath = strings.TrimSpace(settings.MediaPath)
	settings.NewsTicker = strings.TrimSpace(settings.NewsTicker)

	if settings.AudioType != models.AudioTTS && settings.AudioType != models.AudioMP3 {
		return models.Settings{}, validationErr("audio type must be %s or %s", models.AudioTTS, models.AudioMP3)
	}
	if settings.AudioSpeed < 0.5 || settings.AudioSpeed > 2.0 {
		return models.Settings{}, validationErr("audio speed must be between 0.5 and 2.0")
	}
	if settings.AudioPath == "" {
		settings.AudioPath = models.DefaultAudioPath
	}
	now := d.now()
	settings.LastUpdated = &now
	if err := d.state.Set(ctx, sharedstate.PathSettings, settings); err != nil {
		return models.Settings{}, d.storeFailed("save_settings", "", storeErr("settings", err))
	}
	d.history.Add(Entry{Action: "save_settings", At: now})
	return settings, nil
}
