package mcsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal mission control HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	Role        string
	Actor       string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/api",
		Timeout:  10 * time.Second,
	}
}

type Approval struct {
	ID         string  `json:"id"`
	Item       string  `json:"item"`
	Reason     string  `json:"reason"`
	Level      string  `json:"level"`
	Status     string  `json:"status"`
	Version    int     `json:"version"`
	CreatedAt  string  `json:"createdAt"`
	ResolvedAt *string `json:"resolvedAt,omitempty"`
	AgentID    *string `json:"agentId,omitempty"`
}

// Event is the flat wire form. Decision fields are set on approval_decided.
type Event struct {
	ID             string `json:"id"`
	Agent          string `json:"agent"`
	Pipeline       string `json:"pipeline"`
	Type           string `json:"type"`
	Summary        string `json:"summary"`
	Timestamp      string `json:"timestamp"`
	ApprovalID     string `json:"approvalId,omitempty"`
	PreviousStatus string `json:"previousStatus,omitempty"`
	NewStatus      string `json:"newStatus,omitempty"`
	DecidedBy      string `json:"decidedBy,omitempty"`
	DecidedAt      string `json:"decidedAt,omitempty"`
	RequestID      string `json:"requestId,omitempty"`
	TraceID        string `json:"traceId,omitempty"`
}

// RequestMeta sets the correlation headers of one call.
type RequestMeta struct {
	RequestID string
	TraceID   string
}

// APIError wraps non-2xx responses. Approval is set on version conflicts.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Approval   *Approval
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsConflict reports whether err is a 409 from the API.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type approvalEnvelope struct {
	Approval Approval `json:"approval"`
}

func (c *Client) ListApprovals(ctx context.Context) ([]Approval, error) {
	var resp struct {
		Approvals []Approval `json:"approvals"`
	}
	err := c.do(ctx, http.MethodGet, "approvals", nil, nil, &resp)
	return resp.Approvals, err
}

func (c *Client) GetApproval(ctx context.Context, id string) (Approval, error) {
	var resp approvalEnvelope
	err := c.do(ctx, http.MethodGet, "approvals/"+url.PathEscape(id), nil, nil, &resp)
	return resp.Approval, err
}

// ResolveApproval sends the decision. A nil version skips the conflict check.
// On 409 the returned *APIError carries the latest approval.
func (c *Client) ResolveApproval(ctx context.Context, id, status string, version *int, meta *RequestMeta) (Approval, error) {
	body := map[string]any{"status": status}
	if version != nil {
		body["version"] = *version
	}
	var resp approvalEnvelope
	err := c.do(ctx, http.MethodPatch, "approvals/"+url.PathEscape(id), meta, body, &resp)
	return resp.Approval, err
}

func (c *Client) CreateApproval(ctx context.Context, item, reason, level string) (Approval, error) {
	body := map[string]any{"item": item, "reason": reason}
	if level != "" {
		body["level"] = level
	}
	var resp approvalEnvelope
	err := c.do(ctx, http.MethodPost, "approvals", nil, body, &resp)
	return resp.Approval, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint += fmt.Sprintf("?limit=%d", limit)
	}
	var resp struct {
		Events []Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &resp)
	return resp.Events, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, meta *RequestMeta, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	if c.Role != "" {
		req.Header.Set("X-MC-Role", c.Role)
	}
	if c.Actor != "" {
		req.Header.Set("X-MC-Actor", c.Actor)
	}
	if meta != nil {
		if meta.RequestID != "" {
			req.Header.Set("X-Request-Id", meta.RequestID)
		}
		if meta.TraceID != "" {
			req.Header.Set("X-Trace-Id", meta.TraceID)
		}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Approval *Approval `json:"approval"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Approval = envelope.Approval
	}
	return apiErr
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
