package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"qms/caller-service/internal/dispatcher"
	"qms/caller-service/internal/models"
	"qms/caller-service/internal/sharedstate/memory"
)

type recordingAnnouncer struct {
	calls []string
}

func (a *recordingAnnouncer) Enqueue(name string, number int) {
	a.calls = append(a.calls, name)
}

func newTestHandler(t *testing.T) (http.Handler, *recordingAnnouncer) {
	t.Helper()
	st := memory.New(nil)
	t.Cleanup(func() { _ = st.Close() })
	ann := &recordingAnnouncer{}
	d := dispatcher.New(st, ann, dispatcher.Options{})
	return NewHandler(d).Routes(), ann
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("X-Request-ID", "req-1")
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

func createClinic(t *testing.T, h http.Handler, name string) ClinicView {
	t.Helper()
	resp := do(t, h, http.MethodPost, "/api/clinics", `{"name":"`+name+`","password":"pw"}`)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var clinic ClinicView
	if err := json.NewDecoder(resp.Body).Decode(&clinic); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return clinic
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var out errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return out
}

func TestCreateAndListClinicsHidesPassword(t *testing.T) {
	h, _ := newTestHandler(t)
	clinic := createClinic(t, h, "الأسنان")
	if clinic.ID == "" || clinic.Name != "الأسنان" {
		t.Fatalf("unexpected clinic: %+v", clinic)
	}

	resp := do(t, h, http.MethodGet, "/api/clinics", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	if strings.Contains(resp.Body.String(), "password") {
		t.Fatalf("password leaked: %s", resp.Body.String())
	}
	var clinics []ClinicView
	if err := json.NewDecoder(resp.Body).Decode(&clinics); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(clinics) != 1 || clinics[0].ID != clinic.ID {
		t.Fatalf("unexpected clinics: %+v", clinics)
	}
}

func TestAdvanceAction(t *testing.T) {
	h, ann := newTestHandler(t)
	clinic := createClinic(t, h, "الأسنان")

	for i := 1; i <= 2; i++ {
		resp := do(t, h, http.MethodPost, "/api/clinics/"+clinic.ID+"/actions/advance", "")
		if resp.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", resp.Code)
		}
		var call models.CurrentCall
		if err := json.NewDecoder(resp.Body).Decode(&call); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if call.Number != i || call.ClinicID != clinic.ID {
			t.Fatalf("unexpected call: %+v", call)
		}
	}
	if len(ann.calls) != 2 {
		t.Fatalf("expected 2 announcements, got %d", len(ann.calls))
	}

	resp := do(t, h, http.MethodGet, "/api/clinics/"+clinic.ID+"/queue", "")
	var record models.QueueRecord
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if record.CurrentNumber != 2 || record.LastCalled == nil {
		t.Fatalf("unexpected queue record: %+v", record)
	}
}

func TestSetCustomAcceptsStringAndNumber(t *testing.T) {
	h, _ := newTestHandler(t)
	clinic := createClinic(t, h, "العيون")

	for _, body := range []string{`{"number":12}`, `{"number":" 12 "}`} {
		resp := do(t, h, http.MethodPost, "/api/clinics/"+clinic.ID+"/actions/set-custom", body)
		if resp.Code != http.StatusOK {
			t.Fatalf("%s: expected status 200, got %d", body, resp.Code)
		}
	}
}

func TestActionErrorMapping(t *testing.T) {
	h, _ := newTestHandler(t)
	clinic := createClinic(t, h, "الباطنة")
	base := "/api/clinics/" + clinic.ID

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"set custom not a number", http.MethodPost, base + "/actions/set-custom", `{"number":"abc"}`, http.StatusBadRequest, "invalid_request"},
		{"set custom negative", http.MethodPost, base + "/actions/set-custom", `{"number":-1}`, http.StatusBadRequest, "invalid_request"},
		{"set custom missing", http.MethodPost, base + "/actions/set-custom", `{}`, http.StatusBadRequest, "invalid_request"},
		{"unknown field", http.MethodPost, base + "/actions/set-custom", `{"num":1}`, http.StatusBadRequest, "invalid_json"},
		{"recede at zero", http.MethodPost, base + "/actions/recede", "", http.StatusConflict, "invalid_operation"},
		{"repeat before any call", http.MethodPost, base + "/actions/repeat", "", http.StatusConflict, "invalid_operation"},
		{"unknown clinic", http.MethodPost, "/api/clinics/clinic_nope/actions/advance", "", http.StatusNotFound, "clinic_not_found"},
		{"wrong password", http.MethodPost, base + "/login", `{"password":"nope"}`, http.StatusUnauthorized, "invalid_password"},
		{"empty message", http.MethodPost, "/api/display/message", `{"message":"  "}`, http.StatusBadRequest, "invalid_request"},
		{"bad settings", http.MethodPut, "/api/settings", `{"audioType":"wav","audioSpeed":1}`, http.StatusBadRequest, "invalid_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := do(t, h, tc.method, tc.path, tc.body)
			if resp.Code != tc.status {
				t.Fatalf("expected status %d, got %d: %s", tc.status, resp.Code, resp.Body.String())
			}
			out := decodeError(t, resp)
			if out.Error.Code != tc.code || out.RequestID != "req-1" {
				t.Fatalf("unexpected error body: %+v", out)
			}
		})
	}
}

func TestResetAndDisplay(t *testing.T) {
	h, ann := newTestHandler(t)
	clinic := createClinic(t, h, "الأطفال")
	base := "/api/clinics/" + clinic.ID

	do(t, h, http.MethodPost, base+"/actions/advance", "")
	if resp := do(t, h, http.MethodPost, "/api/display/message", `{"message":"hello"}`); resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	if resp := do(t, h, http.MethodPost, base+"/actions/reset", ""); resp.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", resp.Code)
	}

	resp := do(t, h, http.MethodGet, "/api/display", "")
	var state dispatcher.DisplayState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if state.Current != nil {
		t.Fatalf("expected current slot removed, got %+v", state.Current)
	}
	if state.Custom == nil || state.Custom.Message != "hello" {
		t.Fatalf("unexpected custom slot: %+v", state.Custom)
	}
	if len(ann.calls) != 1 {
		t.Fatalf("reset must not announce, got %d announcements", len(ann.calls))
	}

	if resp := do(t, h, http.MethodPost, "/api/display/clear", ""); resp.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", resp.Code)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	h, _ := newTestHandler(t)

	resp := do(t, h, http.MethodGet, "/api/settings", "")
	var settings models.Settings
	if err := json.NewDecoder(resp.Body).Decode(&settings); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if settings.AudioType != models.AudioTTS {
		t.Fatalf("expected default settings, got %+v", settings)
	}

	resp = do(t, h, http.MethodPut, "/api/settings", `{"centerName":"مركز","audioType":"mp3","audioSpeed":1.5}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	resp = do(t, h, http.MethodGet, "/api/settings", "")
	if err := json.NewDecoder(resp.Body).Decode(&settings); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if settings.AudioType != models.AudioMP3 || settings.AudioSpeed != 1.5 || settings.LastUpdated == nil {
		t.Fatalf("unexpected settings: %+v", settings)
	}
}

func TestDeleteClinicAndHistory(t *testing.T) {
	h, _ := newTestHandler(t)
	clinic := createClinic(t, h, "الجلدية")

	if resp := do(t, h, http.MethodDelete, "/api/clinics/"+clinic.ID, ""); resp.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", resp.Code)
	}
	if resp := do(t, h, http.MethodGet, "/api/clinics/"+clinic.ID, ""); resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}

	resp := do(t, h, http.MethodGet, "/api/history", "")
	var entries []dispatcher.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(entries) != 2 || entries[0].Action != "delete_clinic" {
		t.Fatalf("unexpected history: %+v", entries)
	}
}

func TestRoutingMisses(t *testing.T) {
	h, _ := newTestHandler(t)

	if resp := do(t, h, http.MethodGet, "/api/clinics/x/actions/advance", ""); resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405, got %d", resp.Code)
	}
	if resp := do(t, h, http.MethodPost, "/api/clinics/x/actions/jump", ""); resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
	if resp := do(t, h, http.MethodGet, "/api/clinics/x/y/z/w", ""); resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
}

func TestTicketsEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)
	clinic := createClinic(t, h, "الأسنان")
	do(t, h, http.MethodPost, "/api/clinics/"+clinic.ID+"/actions/advance", "")

	resp := do(t, h, http.MethodGet, "/api/clinics/"+clinic.ID+"/tickets?start=1&end=4", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var batch dispatcher.TicketBatch
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(batch.Tickets) != 4 || batch.Queue.CurrentNumber != 1 {
		t.Fatalf("unexpected batch: %+v", batch)
	}
	if batch.Tickets[3].Waiting != 2 || batch.Tickets[3].EstimatedMinutes != 10 {
		t.Fatalf("unexpected estimate for ticket 4: %+v", batch.Tickets[3])
	}

	tests := []struct {
		query  string
		status int
		code   string
	}{
		{"start=0&end=3", http.StatusBadRequest, "invalid_request"},
		{"start=5&end=2", http.StatusBadRequest, "invalid_request"},
		{"start=1&end=101", http.StatusBadRequest, "invalid_request"},
		{"start=abc&end=3", http.StatusBadRequest, "invalid_request"},
		{"end=3", http.StatusBadRequest, "invalid_request"},
	}
	for _, tt := range tests {
		resp := do(t, h, http.MethodGet, "/api/clinics/"+clinic.ID+"/tickets?"+tt.query, "")
		if resp.Code != tt.status {
			t.Fatalf("%s: expected status %d, got %d", tt.query, tt.status, resp.Code)
		}
		if got := decodeError(t, resp); got.Error.Code != tt.code {
			t.Fatalf("%s: expected code %s, got %s", tt.query, tt.code, got.Error.Code)
		}
	}

	resp = do(t, h, http.MethodGet, "/api/clinics/missing/tickets?start=1&end=2", "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
}
