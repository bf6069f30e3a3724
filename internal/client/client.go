// Package client talks to the preference API on behalf of a signed-in user.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"swiftnotes/api/internal/preferences"
)

const defaultTimeout = 15 * time.Second

// Client holds the session token; nothing else in the client side of the
// system sees it.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New returns a client for baseURL. A zero timeout uses the default.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

type Profile struct {
	ID          string
	Email       string
	DisplayName string
	Preferences preferences.Document
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type profileResponse struct {
	Success bool `json:"success"`
	User    struct {
		ID          string          `json:"id"`
		Email       string          `json:"email"`
		DisplayName string          `json:"displayName"`
		Preferences json.RawMessage `json:"preferences"`
		CreatedAt   time.Time       `json:"createdAt"`
		UpdatedAt   time.Time       `json:"updatedAt"`
	} `json:"user"`
}

type preferencesResponse struct {
	Success     bool            `json:"success"`
	Preferences json.RawMessage `json:"preferences"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Error   string `json:"error"`
	Details struct {
		Fields    []preferences.FieldError `json:"fields"`
		Retryable bool                     `json:"retryable"`
	} `json:"details"`
}

func (c *Client) GetProfile(ctx context.Context) (Profile, error) {
	var resp profileResponse
	if err := c.do(ctx, http.MethodGet, "/user/profile", nil, &resp); err != nil {
		return Profile{}, err
	}
	return resp.profile(), nil
}

// EnsureProfile creates the profile on first sign-in; it is a no-op when the
// profile already exists.
func (c *Client) EnsureProfile(ctx context.Context) (Profile, error) {
	var resp profileResponse
	if err := c.do(ctx, http.MethodPost, "/user/profile", nil, &resp); err != nil {
		return Profile{}, err
	}
	return resp.profile(), nil
}

// FetchPreferences returns the server document from the profile endpoint.
// A preference value the server sent as an encoded string is unwrapped.
func (c *Client) FetchPreferences(ctx context.Context) (preferences.Document, error) {
	profile, err := c.GetProfile(ctx)
	if err != nil {
		return nil, err
	}
	return profile.Preferences, nil
}

// UpdatePreferences sends a partial document and returns the merged document
// the server stored.
func (c *Client) UpdatePreferences(ctx context.Context, patch preferences.Document) (preferences.Document, error) {
	body, err := preferences.Encode(patch)
	if err != nil {
		return nil, err
	}
	var resp preferencesResponse
	if err := c.do(ctx, http.MethodPut, "/user/preferences", body, &resp); err != nil {
		return nil, err
	}
	doc, _ := preferences.Decode(resp.Preferences)
	return doc, nil
}

func (c *Client) DeleteProfile(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/user/profile", nil, nil)
}

func (r profileResponse) profile() Profile {
	doc, _ := preferences.Decode(r.User.Preferences)
	return Profile{
		ID:          r.User.ID,
		Email:       r.User.Email,
		DisplayName: r.User.DisplayName,
		Preferences: doc,
		CreatedAt:   r.User.CreatedAt,
		UpdatedAt:   r.User.UpdatedAt,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{Code: CodeTransport, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{Status: resp.StatusCode, Code: CodeTransport, Message: "read response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// CodeTransport marks failures where no API response was received.
const CodeTransport = "TRANSPORT"

type APIError struct {
	Status  int
	Code    string
	Message string
	Fields  []preferences.FieldError
	Err     error
}

func newAPIError(status int, payload []byte) *APIError {
	apiErr := &APIError{Status: status, Code: "HTTP_" + fmt.Sprint(status), Message: http.StatusText(status)}
	var body errorResponse
	if err := json.Unmarshal(payload, &body); err == nil && body.Code != "" {
		apiErr.Code = body.Code
		apiErr.Message = body.Error
		apiErr.Fields = body.Details.Fields
	}
	return apiErr
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same request may succeed later.
func (e *APIError) Retryable() bool {
	if e.Code == CodeTransport {
		return true
	}
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

// ValidationError returns the server's field errors as a
// preferences.ValidationError, or nil if the request was not rejected for
// validation.
func (e *APIError) ValidationError() *preferences.ValidationError {
	if e.Code != "VALIDATION_ERROR" {
		return nil
	}
	return &preferences.ValidationError{Fields: e.Fields}
}

// IsRetryable reports whether err is an APIError worth retrying.
func IsRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable()
}
