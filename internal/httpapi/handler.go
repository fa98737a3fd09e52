package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"qms/caller-service/internal/dispatcher"
	"qms/caller-service/internal/models"
)

// Operations is the dispatcher surface the console API exposes.
type Operations interface {
	Clinics(ctx context.Context) ([]models.Clinic, error)
	Clinic(ctx context.Context, clinicID string) (models.Clinic, error)
	Queue(ctx context.Context, clinicID string) (models.QueueRecord, error)
	AddClinic(ctx context.Context, input dispatcher.NewClinic) (models.Clinic, error)
	DeleteClinic(ctx context.Context, clinicID string) error
	Login(ctx context.Context, clinicID, password string) (models.Clinic, error)
	Advance(ctx context.Context, clinicID string) (models.CurrentCall, error)
	Recede(ctx context.Context, clinicID string) (models.CurrentCall, error)
	Repeat(ctx context.Context, clinicID string) (models.CurrentCall, error)
	SetCustom(ctx context.Context, clinicID string, number int) (models.CurrentCall, error)
	Reset(ctx context.Context, clinicID string) error
	Tickets(ctx context.Context, clinicID string, start, end int) (dispatcher.TicketBatch, error)
	Display(ctx context.Context) (dispatcher.DisplayState, error)
	DisplayCustomMessage(ctx context.Context, message string) (models.CustomMessage, error)
	ClearDisplay(ctx context.Context) error
	Settings(ctx context.Context) (models.Settings, error)
	SaveSettings(ctx context.Context, settings models.Settings) (models.Settings, error)
	History() []dispatcher.Entry
}

type Handler struct {
	ops Operations
}

type createClinicRequest struct {
	Name        string `json:"name"`
	Password    string `json:"password"`
	StartNumber int    `json:"start_number"`
}

type loginRequest struct {
	Password string `json:"password"`
}

type setCustomRequest struct {
	Number json.RawMessage `json:"number"`
}

type messageRequest struct {
	Message string `json:"message"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ClinicView is a clinic as returned by the API. The password never leaves
// the store.
type ClinicView struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	CurrentNumber int        `json:"currentNumber"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastUpdated   *time.Time `json:"lastUpdated,omitempty"`
}

func NewClinicView(c models.Clinic) ClinicView {
	return ClinicView{
		ID:            c.ID,
		Name:          c.Name,
		CurrentNumber: c.CurrentNumber,
		CreatedAt:     c.CreatedAt,
		LastUpdated:   c.LastUpdated,
	}
}

func clinicViews(clinics []models.Clinic) []ClinicView {
	out := make([]ClinicView, 0, len(clinics))
	for _, c := range clinics {
		out = append(out, NewClinicView(c))
	}
	return out
}

func NewHandler(ops Operations) *Handler {
	return &Handler{ops: ops}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealth)
	mux.HandleFunc("/api/clinics", h.handleClinics)
	mux.HandleFunc("/api/clinics/", h.handleClinic)
	mux.HandleFunc("/api/display", h.handleDisplay)
	mux.HandleFunc("/api/display/message", h.handleDisplayMessage)
	mux.HandleFunc("/api/display/clear", h.handleDisplayClear)
	mux.HandleFunc("/api/settings", h.handleSettings)
	mux.HandleFunc("/api/history", h.handleHistory)
	return mux
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleClinics(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		clinics, err := h.ops.Clinics(r.Context())
		if err != nil {
			writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, clinicViews(clinics))
	case http.MethodPost:
		var req createClinicRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		clinic, err := h.ops.AddClinic(r.Context(), dispatcher.NewClinic{
			Name:        req.Name,
			Password:    req.Password,
			StartNumber: req.StartNumber,
		})
		if err != nil {
			writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, NewClinicView(clinic))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleClinic(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/clinics/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	clinicID := parts[0]

	switch {
	case len(parts) == 1:
		h.handleClinicRecord(w, r, clinicID)
	case len(parts) == 2 && parts[1] == "queue":
		h.handleQueue(w, r, clinicID)
	case len(parts) == 2 && parts[1] == "login":
		h.handleLogin(w, r, clinicID)
	case len(parts) == 2 && parts[1] == "tickets":
		h.handleTickets(w, r, clinicID)
	case len(parts) == 3 && parts[1] == "actions":
		h.handleAction(w, r, clinicID, parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleClinicRecord(w http.ResponseWriter, r *http.Request, clinicID string) {
	switch r.Method {
	case http.MethodGet:
		clinic, err := h.ops.Clinic(r.Context(), clinicID)
		if err != nil {
			writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, NewClinicView(clinic))
	case http.MethodDelete:
		if err := h.ops.DeleteClinic(r.Context(), clinicID); err != nil {
			writeMappedError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request, clinicID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	record, err := h.ops.Queue(r.Context(), clinicID)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request, clinicID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req loginRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	clinic, err := h.ops.Login(r.Context(), clinicID, req.Password)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewClinicView(clinic))
}

// handleTickets serves GET /api/clinics/{id}/tickets?start=N&end=M.
func (h *Handler) handleTickets(w http.ResponseWriter, r *http.Request, clinicID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()
	start, err := dispatcher.ParseNumber(query.Get("start"))
	if err != nil {
		writeMappedError(w, r, fmt.Errorf("start: %w", err))
		return
	}
	end, err := dispatcher.ParseNumber(query.Get("end"))
	if err != nil {
		writeMappedError(w, r, fmt.Errorf("end: %w", err))
		return
	}
	batch, err := h.ops.Tickets(r.Context(), clinicID, start, end)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (h *Handler) handleAction(w http.ResponseWriter, r *http.Request, clinicID, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var (
		call models.CurrentCall
		err  error
	)
	switch action {
	case "advance":
		call, err = h.ops.Advance(r.Context(), clinicID)
	case "recede":
		call, err = h.ops.Recede(r.Context(), clinicID)
	case "repeat":
		call, err = h.ops.Repeat(r.Context(), clinicID)
	case "set-custom":
		var req setCustomRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		number, perr := parseNumberField(req.Number)
		if perr != nil {
			writeMappedError(w, r, perr)
			return
		}
		call, err = h.ops.SetCustom(r.Context(), clinicID, number)
	case "reset":
		if err := h.ops.Reset(r.Context(), clinicID); err != nil {
			writeMappedError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, call)
}

// parseNumberField accepts the number as a JSON number or a string, the way
// the consoles send it.
func parseNumberField(raw json.RawMessage) (int, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return 0, dispatcherValidation("number is required")
	}
	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, dispatcherValidation("number is not a string")
		}
		text = s
	}
	return dispatcher.ParseNumber(text)
}

func dispatcherValidation(msg string) error {
	return fmt.Errorf("%w: %s", dispatcher.ErrValidation, msg)
}

func (h *Handler) handleDisplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	state, err := h.ops.Display(r.Context())
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) handleDisplayMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req messageRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	msg, err := h.ops.DisplayCustomMessage(r.Context(), req.Message)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) handleDisplayClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := h.ops.ClearDisplay(r.Context()); err != nil {
		writeMappedError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		settings, err := h.ops.Settings(r.Context())
		if err != nil {
			writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, settings)
	case http.MethodPut:
		var req models.Settings
		if !decodeRequest(w, r, &req) {
			return
		}
		saved, err := h.ops.SaveSettings(r.Context(), req)
		if err != nil {
			writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	entries := h.ops.History()
	if entries == nil {
		entries = []dispatcher.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func requestID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, dispatcher.ErrValidation):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, dispatcher.ErrUnknownClinic):
		return http.StatusNotFound, "clinic_not_found", "clinic not found"
	case errors.Is(err, dispatcher.ErrInvalidOperation):
		return http.StatusConflict, "invalid_operation", err.Error()
	case errors.Is(err, dispatcher.ErrInvalidPassword):
		return http.StatusUnauthorized, "invalid_password", "invalid password"
	case errors.Is(err, dispatcher.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable", "shared state unavailable"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	writeError(w, requestID(r), status, code, msg)
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
