// Package loanossdk is a minimal LoanOS HTTP API client.
package loanossdk

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

// Deal represents the API deal model.
type Deal struct {
	ID          string `json:"id"`
	OrgID       string `json:"org_id"`
	Name        string `json:"name"`
	Borrower    string `json:"borrower"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// ActivityEntry represents an activity log entry.
type ActivityEntry struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts"`
	Type      string `json:"type"`
	DealID    string `json:"deal_id"`
	ActorID   string `json:"actor_id"`
	ActorName string `json:"actor_name"`
	Details   string `json:"details_json"`
}

// Transitions lists the allowed next statuses for a deal.
type Transitions struct {
	DealID        string   `json:"deal_id"`
	CurrentStatus string   `json:"current_status"`
	Allowed       []string `json:"allowed"`
}

// Covenant represents the API covenant model.
type Covenant struct {
	ID        string  `json:"id"`
	DealID    string  `json:"deal_id"`
	Kind      string  `json:"kind"`
	Threshold float64 `json:"threshold"`
	Direction string  `json:"direction"`
	Status    string  `json:"status"`
}

// APIError wraps non-2xx responses. Code carries the taxonomy value, e.g.
// INVALID_TRANSITION or NOT_FOUND.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Err     *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// PaginatedDeals wraps deal list responses with cursors.
type PaginatedDeals struct {
	Items      []Deal `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// CreateDeal creates a deal in draft status.
func (c *Client) CreateDeal(ctx context.Context, name, borrower string, amountCents int64) (Deal, error) {
	body := map[string]any{
		"name":         name,
		"borrower":     borrower,
		"amount_cents": amountCents,
	}
	var resp Deal
	err := c.do(ctx, http.MethodPost, "v0/deals", body, &resp)
	return resp, err
}

// GetDeal fetches a deal by id.
func (c *Client) GetDeal(ctx context.Context, id string) (Deal, error) {
	var resp Deal
	err := c.do(ctx, http.MethodGet, "v0/deals/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Deals returns a page of deals.
func (c *Client) Deals(ctx context.Context, status string, limit int, cursor string) (PaginatedDeals, error) {
	endpoint := "v0/deals"
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedDeals
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateDealStatus moves a deal to a new status.
func (c *Client) UpdateDealStatus(ctx context.Context, id, status, reason string) (Deal, error) {
	body := map[string]any{"status": status}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Deal
	err := c.do(ctx, http.MethodPut, "v0/deals/"+url.PathEscape(id)+"/status", body, &resp)
	return resp, err
}

// Transitions returns the allowed next statuses for a deal.
func (c *Client) Transitions(ctx context.Context, id string) (Transitions, error) {
	var resp Transitions
	err := c.do(ctx, http.MethodGet, "v0/deals/"+url.PathEscape(id)+"/transitions", nil, &resp)
	return resp, err
}

// Activity returns the most recent activity entries for a deal.
func (c *Client) Activity(ctx context.Context, dealID string, limit int) ([]ActivityEntry, error) {
	endpoint := "v0/deals/" + url.PathEscape(dealID) + "/activity"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []ActivityEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// CreateCovenant attaches a covenant to a deal.
func (c *Client) CreateCovenant(ctx context.Context, dealID, kind string, threshold float64, direction, frequency string) (Covenant, error) {
	body := map[string]any{
		"kind":      kind,
		"threshold": threshold,
		"direction": direction,
		"frequency": frequency,
	}
	var resp Covenant
	err := c.do(ctx, http.MethodPost, "v0/deals/"+url.PathEscape(dealID)+"/covenants", body, &resp)
	return resp, err
}

// RecordCovenantTest records an observed value against a covenant.
func (c *Client) RecordCovenantTest(ctx context.Context, covenantID string, value float64) error {
	body := map[string]any{"value": value}
	return c.do(ctx, http.MethodPost, "v0/covenants/"+url.PathEscape(covenantID)+"/tests", body, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
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
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if resp.StatusCode >= 300 {
			return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		}
		return err
	}
	if resp.StatusCode >= 300 || !env.Success {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if env.Err != nil {
			apiErr.Code = env.Err.Code
			apiErr.Message = env.Err.Message
		}
		return apiErr
	}
	if out != nil && env.Data != nil {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}
