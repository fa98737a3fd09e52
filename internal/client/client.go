// Package client talks to the caller-service console API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"qms/caller-service/internal/dispatcher"
	"qms/caller-service/internal/httpapi"
	"qms/caller-service/internal/models"

	"github.com/google/uuid"
)

// APIError is a non-2xx answer from the service.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("caller-service: status %d", e.Status)
	}
	return fmt.Sprintf("caller-service: %s: %s", e.Code, e.Message)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

type Client struct {
	base *url.URL
	http *http.Client
}

func New(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{base: u, http: &http.Client{Timeout: timeout}}, nil
}

func (c *Client) Clinics(ctx context.Context) ([]httpapi.ClinicView, error) {
	var out []httpapi.ClinicView
	err := c.do(ctx, http.MethodGet, "/api/clinics", nil, &out)
	return out, err
}

func (c *Client) Clinic(ctx context.Context, clinicID string) (httpapi.ClinicView, error) {
	var out httpapi.ClinicView
	err := c.do(ctx, http.MethodGet, clinicPath(clinicID), nil, &out)
	return out, err
}

func (c *Client) Queue(ctx context.Context, clinicID string) (models.QueueRecord, error) {
	var out models.QueueRecord
	err := c.do(ctx, http.MethodGet, clinicPath(clinicID)+"/queue", nil, &out)
	return out, err
}

// Tickets asks for printable tickets start..end with their wait estimates.
func (c *Client) Tickets(ctx context.Context, clinicID string, start, end int) (dispatcher.TicketBatch, error) {
	var out dispatcher.TicketBatch
	query := url.Values{}
	query.Set("start", strconv.Itoa(start))
	query.Set("end", strconv.Itoa(end))
	err := c.do(ctx, http.MethodGet, clinicPath(clinicID)+"/tickets?"+query.Encode(), nil, &out)
	return out, err
}

func (c *Client) AddClinic(ctx context.Context, name, password string, startNumber int) (httpapi.ClinicView, error) {
	var out httpapi.ClinicView
	body := map[string]any{"name": name, "password": password, "start_number": startNumber}
	err := c.do(ctx, http.MethodPost, "/api/clinics", body, &out)
	return out, err
}

func (c *Client) DeleteClinic(ctx context.Context, clinicID string) error {
	return c.do(ctx, http.MethodDelete, clinicPath(clinicID), nil, nil)
}

func (c *Client) Login(ctx context.Context, clinicID, password string) (httpapi.ClinicView, error) {
	var out httpapi.ClinicView
	err := c.do(ctx, http.MethodPost, clinicPath(clinicID)+"/login", map[string]string{"password": password}, &out)
	return out, err
}

// Action runs advance, recede or repeat.
func (c *Client) Action(ctx context.Context, clinicID, action string) (models.CurrentCall, error) {
	var out models.CurrentCall
	err := c.do(ctx, http.MethodPost, clinicPath(clinicID)+"/actions/"+action, nil, &out)
	return out, err
}

// SetCustom sends the number as typed so the service validates it.
func (c *Client) SetCustom(ctx context.Context, clinicID, number string) (models.CurrentCall, error) {
	var out models.CurrentCall
	err := c.do(ctx, http.MethodPost, clinicPath(clinicID)+"/actions/set-custom", map[string]string{"number": number}, &out)
	return out, err
}

func (c *Client) Reset(ctx context.Context, clinicID string) error {
	return c.do(ctx, http.MethodPost, clinicPath(clinicID)+"/actions/reset", nil, nil)
}

func (c *Client) Display(ctx context.Context) (dispatcher.DisplayState, error) {
	var out dispatcher.DisplayState
	err := c.do(ctx, http.MethodGet, "/api/display", nil, &out)
	return out, err
}

func (c *Client) ShowMessage(ctx context.Context, message string) (models.CustomMessage, error) {
	var out models.CustomMessage
	err := c.do(ctx, http.MethodPost, "/api/display/message", map[string]string{"message": message}, &out)
	return out, err
}

func (c *Client) ClearDisplay(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/display/clear", nil, nil)
}

func (c *Client) Settings(ctx context.Context) (models.Settings, error) {
	var out models.Settings
	err := c.do(ctx, http.MethodGet, "/api/settings", nil, &out)
	return out, err
}

func (c *Client) SaveSettings(ctx context.Context, settings models.Settings) (models.Settings, error) {
	var out models.Settings
	err := c.do(ctx, http.MethodPut, "/api/settings", settings, &out)
	return out, err
}

func (c *Client) History(ctx context.Context) ([]dispatcher.Entry, error) {
	var out []dispatcher.Entry
	err := c.do(ctx, http.MethodGet, "/api/history", nil, &out)
	return out, err
}

func clinicPath(clinicID string) string {
	return "/api/clinics/" + url.PathEscape(clinicID)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			RequestID string `json:"request_id"`
			Error     struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err == nil {
			apiErr.Code = payload.Error.Code
			apiErr.Message = payload.Error.Message
			apiErr.RequestID = payload.RequestID
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
