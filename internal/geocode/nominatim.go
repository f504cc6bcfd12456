// Package geocode resolves addresses and coordinates through a Nominatim server.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"orderFulfillment/models"
)

// DefaultTimeout applies to every call; the public service is rate limited.
const DefaultTimeout = 8 * time.Second

var (
	ErrEmptyQuery = errors.New("empty geocoding query")
	ErrNotFound   = errors.New("no geocoding result")
	// ErrUnavailable wraps transport failures and non-200 replies.
	ErrUnavailable = errors.New("geocoding service unavailable")
)

// Place is one geocoding candidate.
type Place struct {
	Address  string            `json:"address"`
	Location models.Coordinate `json:"location"`
}

type Client struct {
	BaseURL   string
	UserAgent string
	HTTP      *http.Client
}

func NewClient(baseURL, userAgent string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		UserAgent: userAgent,
		HTTP:      &http.Client{Timeout: timeout},
	}
}

type nominatimPlace struct {
	DisplayName string `json:"display_name"`
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	Error       string `json:"error"`
}

// Search returns up to limit candidates for a free-text address.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]Place, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if limit <= 0 || limit > 10 {
		limit = 5
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("limit", strconv.Itoa(limit))

	var raw []nominatimPlace
	if err := c.get(ctx, "/search", q, &raw); err != nil {
		return nil, err
	}
	out := make([]Place, 0, len(raw))
	for _, p := range raw {
		place, err := p.toPlace()
		if err != nil {
			continue
		}
		out = append(out, place)
	}
	return out, nil
}

// Reverse returns the address at a coordinate.
func (c *Client) Reverse(ctx context.Context, at models.Coordinate) (Place, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(at.Lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(at.Lng, 'f', -1, 64))
	q.Set("format", "json")

	var raw nominatimPlace
	if err := c.get(ctx, "/reverse", q, &raw); err != nil {
		return Place{}, err
	}
	if raw.Error != "" || raw.DisplayName == "" {
		return Place{}, ErrNotFound
	}
	place, err := raw.toPlace()
	if err != nil {
		// Some reverse hits omit the snapped point; keep the request coordinate.
		return Place{Address: raw.DisplayName, Location: at}, nil
	}
	return place, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode geocoding response: %w", err)
	}
	return nil
}

func (p nominatimPlace) toPlace() (Place, error) {
	lat, err := strconv.ParseFloat(p.Lat, 64)
	if err != nil {
		return Place{}, err
	}
	lng, err := strconv.ParseFloat(p.Lon, 64)
	if err != nil {
		return Place{}, err
	}
	return Place{Address: p.DisplayName, Location: models.Coordinate{Lat: lat, Lng: lng}}, nil
}
