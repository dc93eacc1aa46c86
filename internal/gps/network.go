package gps

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Locator resolves an approximate position without the serial receiver.
type Locator interface {
	Locate(ctx context.Context) (Fix, error)
}

// NetworkLocator queries an IP geolocation endpoint (ip-api.com style).
// The endpoint reports no altitude, so every fix carries a fixed one.
type NetworkLocator struct {
	url      string
	client   *http.Client
	altitude float64

	now func() time.Time
}

// networkResponse is the subset of the ip-api.com JSON document we use.
type networkResponse struct {
	Status  string   `json:"status"`
	Message string   `json:"message"`
	Lat     *float64 `json:"lat"`
	Lon     *float64 `json:"lon"`
}

// NewNetworkLocator creates a locator for url with a per-request timeout.
func NewNetworkLocator(url string, timeout time.Duration, altitude float64) *NetworkLocator {
	return &NetworkLocator{
		url:      url,
		client:   &http.Client{Timeout: timeout},
		altitude: altitude,
		now:      time.Now,
	}
}

// Locate performs one lookup. Every failure is reported as ErrNoFix so the
// caller can simply try again next cycle.
func (n *NetworkLocator) Locate(ctx context.Context) (Fix, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.url, nil)
	if err != nil {
		return Fix{}, fmt.Errorf("%w: build request: %v", ErrNoFix, err)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return Fix{}, fmt.Errorf("%w: network location request: %v", ErrNoFix, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return Fix{}, fmt.Errorf("%w: network location returned status %d: %s", ErrNoFix, resp.StatusCode, string(body))
	}

	var doc networkResponse
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return Fix{}, fmt.Errorf("%w: decode network location: %v", ErrNoFix, err)
	}

	if doc.Status != "success" {
		return Fix{}, fmt.Errorf("%w: network location status %q: %s", ErrNoFix, doc.Status, doc.Message)
	}
	if doc.Lat == nil || doc.Lon == nil {
		// latitude and longitude travel together or not at all
		return Fix{}, fmt.Errorf("%w: network location response without coordinates", ErrNoFix)
	}

	return Fix{
		Latitude:    *doc.Lat,
		Longitude:   *doc.Lon,
		Altitude:    n.altitude,
		HasAltitude: true,
		Time:        n.now().UTC(),
		Origin:      OriginNetwork,
	}, nil
}
