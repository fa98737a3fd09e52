// Package hub fans display events out to connected browser screens.
package hub

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

// Subscription is what a display screen asked to follow. A screen mounted
// next to one clinic's door sets ClinicID and only hears that clinic's
// calls; the hall screen leaves it empty and follows every clinic. Events
// that belong to no clinic (settings, messages) reach every screen.
type Subscription struct {
	ClinicID string
}

// Wants reports whether an event about clinicID is for this screen. An empty
// clinicID marks an event for the whole center.
func (s Subscription) Wants(clinicID string) bool {
	return s.ClinicID == "" || clinicID == "" || s.ClinicID == clinicID
}

// Client is one connected screen. Send is closed on Unregister.
type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *log.Logger
}

type SubscribeMessage struct {
	Action   string `json:"action"`
	ClinicID string `json:"clinic_id"`
}

func New(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{clients: make(map[string]*Client), logger: logger}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues payload for every screen that wants clinicID. A screen
// whose buffer is full misses the message.
func (h *Hub) Broadcast(payload []byte, clinicID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !client.Subscription.Wants(clinicID) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			h.logger.Warn("screen too slow, dropping event", "client", client.ID, "clinic", clinicID)
		}
	}
}

// ParseSubscribe reads a screen's {"action":"subscribe","clinic_id":...}
// frame. Anything else is ignored by the caller.
func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	msg.ClinicID = strings.TrimSpace(msg.ClinicID)
	return msg, true
}
