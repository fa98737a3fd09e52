package dispatcher

import (
	"sync"
	"time"
)

const DefaultHistorySize = 10

// Entry is one successful operation in the action log.
type Entry struct {
	Action     string    `json:"action"`
	ClinicID   string    `json:"clinicId,omitempty"`
	ClinicName string    `json:"clinicName,omitempty"`
	Number     int       `json:"number"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"at"`
}

// History keeps the most recent entries, newest first.
type History struct {
	mu      sync.Mutex
	size    int
	entries []Entry
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{size: size}
}

func (h *History) Add(e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append([]Entry{e}, h.entries...)
	if len(h.entries) > h.size {
		h.entries = h.entries[:h.size]
	}
}

func (h *History) Entries() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Entry(nil), h.entries...)
}
