// Package routing asks an OSRM server for drivable paths.
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"orderFulfillment/models"
)

// ErrNoRoute is returned when the server answers but has no usable route.
var ErrNoRoute = errors.New("no route found")

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

type osrmResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Distance float64 `json:"distance"`
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"` // [lng, lat]
		} `json:"geometry"`
	} `json:"routes"`
}

// Route returns the ordered points of a driving route from one coordinate to another.
func (c *Client) Route(ctx context.Context, from, to models.Coordinate) ([]models.Coordinate, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%s,%s;%s,%s?overview=full&geometries=geojson",
		c.BaseURL, ff(from.Lng), ff(from.Lat), ff(to.Lng), ff(to.Lat))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("routing request: %w", err)
	}
	defer resp.Body.Close()

	var body osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("routing status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("decode route: %w", err)
	}
	if body.Code == "NoRoute" || (resp.StatusCode == http.StatusOK && len(body.Routes) == 0) {
		return nil, ErrNoRoute
	}
	if resp.StatusCode != http.StatusOK || body.Code != "Ok" {
		return nil, fmt.Errorf("routing status %d code %q", resp.StatusCode, body.Code)
	}

	points := make([]models.Coordinate, 0, len(body.Routes[0].Geometry.Coordinates))
	for _, p := range body.Routes[0].Geometry.Coordinates {
		if len(p) < 2 {
			continue
		}
		points = append(points, models.Coordinate{Lat: p[1], Lng: p[0]})
	}
	if len(points) == 0 {
		return nil, ErrNoRoute
	}
	return points, nil
}

func ff(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
