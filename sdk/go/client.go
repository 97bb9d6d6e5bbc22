package formflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Formflow HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Request represents the API request model (partial).
type Request struct {
	ID            string  `json:"id"`
	ReferenceNo   string  `json:"reference_no"`
	RequesterID   string  `json:"requester_id"`
	RequestTypeID string  `json:"request_type_id"`
	Status        string  `json:"status"`
	CurrentStepID *string `json:"current_step_id,omitempty"`
	Version       int     `json:"version"`
	Notice        string  `json:"notice,omitempty"`
}

// Action is one entry of the approval trail.
type Action struct {
	ID        string `json:"id"`
	RequestID string `json:"request_id"`
	ActorID   string `json:"actor_id"`
	Action    string `json:"action"`
	Comment   string `json:"comment,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Form represents a form template (partial).
type Form struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
	Fields []struct {
		Name     string `json:"name"`
		Type     string `json:"type"`
		Required bool   `json:"required,omitempty"`
	} `json:"fields"`
}

// Delegation is a registry entry.
type Delegation struct {
	ID        string `json:"id"`
	GrantorID string `json:"grantor_id"`
	GranteeID string `json:"grantee_id"`
	StartsAt  string `json:"starts_at"`
	EndsAt    string `json:"ends_at"`
	Active    bool   `json:"active"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// DevLogin exchanges a user id for a bearer token on servers with dev
// auth enabled, and stores the token on the client.
func (c *Client) DevLogin(ctx context.Context, userID string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "v0/auth/dev/login", map[string]any{"user_id": userID}, &resp)
	if err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

// Submit submits a request of the given type.
func (c *Client) Submit(ctx context.Context, requestTypeID string, fields map[string]any) (Request, error) {
	body := map[string]any{
		"request_type_id": requestTypeID,
		"fields":          fields,
	}
	var resp Request
	err := c.do(ctx, http.MethodPost, "v0/requests", body, &resp)
	return resp, err
}

// Act performs an approval action on a request.
func (c *Client) Act(ctx context.Context, requestID, action, comment string) (Request, error) {
	body := map[string]any{
		"action":  action,
		"comment": comment,
	}
	var resp Request
	endpoint := fmt.Sprintf("v0/requests/%s/actions", url.PathEscape(requestID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Resubmit resubmits a returned request with revised fields.
func (c *Client) Resubmit(ctx context.Context, requestID string, fields map[string]any) (Request, error) {
	var resp Request
	endpoint := fmt.Sprintf("v0/requests/%s/resubmit", url.PathEscape(requestID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"fields": fields}, &resp)
	return resp, err
}

// GetRequest fetches a request by id.
func (c *Client) GetRequest(ctx context.Context, requestID string) (Request, error) {
	var resp Request
	endpoint := fmt.Sprintf("v0/requests/%s", url.PathEscape(requestID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// MyRequests lists the caller's own requests.
func (c *Client) MyRequests(ctx context.Context) ([]Request, error) {
	var resp []Request
	err := c.do(ctx, http.MethodGet, "v0/requests/mine", nil, &resp)
	return resp, err
}

// Inbox lists requests awaiting the caller's approval.
func (c *Client) Inbox(ctx context.Context) ([]Request, error) {
	var resp []Request
	err := c.do(ctx, http.MethodGet, "v0/requests/inbox", nil, &resp)
	return resp, err
}

// Trail returns the approval trail for a request.
func (c *Client) Trail(ctx context.Context, requestID string) ([]Action, error) {
	var resp []Action
	endpoint := fmt.Sprintf("v0/requests/%s/actions", url.PathEscape(requestID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Forms lists form templates visible to the caller.
func (c *Client) Forms(ctx context.Context) ([]Form, error) {
	var resp []Form
	err := c.do(ctx, http.MethodGet, "v0/forms", nil, &resp)
	return resp, err
}

// GrantDelegation records a delegation window to the grantee.
func (c *Client) GrantDelegation(ctx context.Context, granteeID, startsAt, endsAt string) (Delegation, error) {
	body := map[string]any{
		"grantee_id": granteeID,
		"starts_at":  startsAt,
		"ends_at":    endsAt,
	}
	var resp Delegation
	err := c.do(ctx, http.MethodPost, "v0/delegations", body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
