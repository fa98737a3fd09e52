package hub

import (
	"encoding/json"
	"testing"
	"time"

	"qms/caller-service/internal/models"
	"qms/caller-service/internal/surface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(h *Hub, id, clinicID string, buffer int) *Client {
	c := &Client{ID: id, Send: make(chan []byte, buffer), Subscription: Subscription{ClinicID: clinicID}}
	h.Register(c)
	return c
}

func drain(c *Client) []string {
	var out []string
	for {
		select {
		case msg := <-c.Send:
			out = append(out, string(msg))
		default:
			return out
		}
	}
}

func TestBroadcastFiltersByClinic(t *testing.T) {
	h := New(nil)
	all := newClient(h, "all", "", 4)
	dental := newClient(h, "dental", "c1", 4)
	eyes := newClient(h, "eyes", "c2", 4)

	h.Broadcast([]byte("call-c1"), "c1")
	h.Broadcast([]byte("global"), "")

	assert.Equal(t, []string{"call-c1", "global"}, drain(all))
	assert.Equal(t, []string{"call-c1", "global"}, drain(dental))
	assert.Equal(t, []string{"global"}, drain(eyes))
}

func TestSubscriptionWants(t *testing.T) {
	tests := []struct {
		following string
		event     string
		want      bool
	}{
		{"", "c1", true},
		{"", "", true},
		{"c1", "c1", true},
		{"c1", "", true},
		{"c1", "c2", false},
	}
	for _, tt := range tests {
		got := Subscription{ClinicID: tt.following}.Wants(tt.event)
		assert.Equal(t, tt.want, got, "following %q, event %q", tt.following, tt.event)
	}
}

func TestBroadcastDropsWhenBufferFull(t *testing.T) {
	h := New(nil)
	c := newClient(h, "slow", "", 1)

	h.Broadcast([]byte("one"), "")
	h.Broadcast([]byte("two"), "")

	assert.Equal(t, []string{"one"}, drain(c))
}

func TestUnregisterClosesOnce(t *testing.T) {
	h := New(nil)
	c := newClient(h, "x", "", 1)
	require.Equal(t, 1, h.Len())

	h.Unregister(c)
	h.Unregister(c)
	_, open := <-c.Send
	assert.False(t, open)
	assert.Zero(t, h.Len())
}

func TestParseSubscribe(t *testing.T) {
	cases := []struct {
		name string
		in   string
		ok   bool
		want SubscribeMessage
	}{
		{"subscribe", `{"action":"subscribe","clinic_id":" c1 "}`, true, SubscribeMessage{Action: "subscribe", ClinicID: "c1"}},
		{"unsubscribe", `{"action":"unsubscribe"}`, true, SubscribeMessage{Action: "unsubscribe"}},
		{"unknown action", `{"action":"ping"}`, false, SubscribeMessage{}},
		{"not json", `hello`, false, SubscribeMessage{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseSubscribe([]byte(tc.in))
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestPresenterEnvelopes(t *testing.T) {
	h := New(nil)
	c := newClient(h, "screen", "c1", 8)
	other := newClient(h, "other", "c2", 8)
	p := NewPresenter(h)
	at := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return at }

	p.ClinicsChanged([]models.Clinic{{ID: "c1", Name: "الأسنان", Password: "secret", CurrentNumber: 3}})
	p.ShowCallBanner(models.CurrentCall{ClinicID: "c1", ClinicName: "الأسنان", Number: 4, Timestamp: at})
	p.HideMessage()

	msgs := drain(c)
	require.Len(t, msgs, 3)

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(msgs[0]), &env))
	assert.Equal(t, EventClinics, env.Type)
	assert.Equal(t, at, env.CreatedAt)
	assert.JSONEq(t, `[{"id":"c1","name":"الأسنان","currentNumber":3}]`, string(env.Payload))
	assert.NotContains(t, msgs[0], "secret")

	require.NoError(t, json.Unmarshal([]byte(msgs[1]), &env))
	assert.Equal(t, EventCallBanner, env.Type)
	require.NoError(t, json.Unmarshal([]byte(msgs[2]), &env))
	assert.Equal(t, EventMessageClear, env.Type)
	assert.Equal(t, "null", string(env.Payload))

	otherMsgs := drain(other)
	assert.Len(t, otherMsgs, 2)
}

func TestSnapshotViewDropsPasswords(t *testing.T) {
	view := NewSnapshotView(surface.Snapshot{
		Clinics: []models.Clinic{{ID: "c1", Name: "الأسنان", Password: "secret"}},
	})
	b, err := json.Marshal(view)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "secret")
	assert.Equal(t, "c1", view.Clinics[0].ID)
}
