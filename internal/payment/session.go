// Package payment creates hosted checkout sessions at the payment provider.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMissingRedirect is returned when the provider answers 2xx without a url.
var ErrMissingRedirect = errors.New("payment session has no redirect url")

// ErrUnknownSession is returned when the provider has no such session.
var ErrUnknownSession = errors.New("unknown payment session")

// SessionRequest describes what the customer is paying for.
type SessionRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description"`
	Reference   string          `json:"client_reference"` // draft ref
	SuccessURL  string          `json:"success_url"`
	CancelURL   string          `json:"cancel_url"`
}

// Session is the provider's answer: where to send the customer and, once
// fetched again after the return, whether it was paid.
type Session struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Status    string `json:"status,omitempty"`
	Reference string `json:"client_reference,omitempty"`
}

// Provider session states that mean the money was captured.
const (
	StatusPaid     = "paid"
	StatusComplete = "complete"
)

// Paid reports whether the provider has captured payment for the session.
func (s *Session) Paid() bool {
	return s.Status == StatusPaid || s.Status == StatusComplete
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// CreateSession asks the provider for a hosted checkout page.
func (c *Client) CreateSession(ctx context.Context, r SessionRequest) (*Session, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/checkout/sessions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.Reference != "" {
		req.Header.Set("Idempotency-Key", r.Reference)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("payment request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("payment provider status %d", resp.StatusCode)
	}
	var s Session
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode payment session: %w", err)
	}
	if strings.TrimSpace(s.URL) == "" {
		return nil, ErrMissingRedirect
	}
	return &s, nil
}

// GetSession fetches the session's current state from the provider.
func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrUnknownSession
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/checkout/sessions/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("payment request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", id, ErrUnknownSession)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("payment provider status %d", resp.StatusCode)
	}
	var s Session
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode payment session: %w", err)
	}
	if s.ID == "" {
		s.ID = id
	}
	return &s, nil
}
