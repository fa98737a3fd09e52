package models

import (
	"sort"
	"time"
)

// Clinic is the persisted record under clinics/{id}. ID is the path key and
// is not part of the stored value.
type Clinic struct {
	ID            string     `json:"-"`
	Name          string     `json:"name"`
	Password      string     `json:"password"`
	CurrentNumber int        `json:"currentNumber"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastUpdated   *time.Time `json:"lastUpdated,omitempty"`
}

// QueueRecord mirrors a clinic's call state under queue/{id}.
type QueueRecord struct {
	CurrentNumber int        `json:"currentNumber"`
	LastCalled    *time.Time `json:"lastCalled"`
	LastUpdated   *time.Time `json:"lastUpdated,omitempty"`
}

// CurrentCall is the display/current slot.
type CurrentCall struct {
	ClinicID   string    `json:"clinicId"`
	ClinicName string    `json:"clinicName"`
	Number     int       `json:"number"`
	Timestamp  time.Time `json:"timestamp"`
}

// CustomMessage is the display/custom slot.
type CustomMessage struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type Settings struct {
	CenterName  string     `json:"centerName"`
	AudioSpeed  float64    `json:"audioSpeed"`
	AudioType   string     `json:"audioType"`
	AudioPath   string     `json:"audioPath"`
	MediaPath   string     `json:"mediaPath"`
	NewsTicker  string     `json:"newsTicker"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`
}

const (
	AudioTTS = "tts"
	AudioMP3 = "mp3"
)

const (
	DefaultAudioSpeed = 1.0
	DefaultAudioPath  = "./resources/audio/"
)

// DefaultSettings is used by every surface while no settings record exists.
func DefaultSettings() Settings {
	return Settings{
		AudioSpeed: DefaultAudioSpeed,
		AudioType:  AudioTTS,
		AudioPath:  DefaultAudioPath,
	}
}

// WithDefaults fills zero-valued audio fields.
func (s Settings) WithDefaults() Settings {
	if s.AudioSpeed <= 0 {
		s.AudioSpeed = DefaultAudioSpeed
	}
	if s.AudioType == "" {
		s.AudioType = AudioTTS
	}
	if s.AudioPath == "" {
		s.AudioPath = DefaultAudioPath
	}
	return s
}

// SortedClinics flattens the clinics subtree into a list ordered by creation
// time, then id.
func SortedClinics(byID map[string]Clinic) []Clinic {
	out := make([]Clinic, 0, len(byID))
	for id, clinic := range byID {
		clinic.ID = id
		out = append(out, clinic)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
