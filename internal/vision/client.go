package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/relabs-tech/geofusion/internal/capture"
	"github.com/relabs-tech/geofusion/internal/geo"
)

// HTTPTracker talks to the external detection and tracking service.
type HTTPTracker struct {
	serviceURL string
	client     *http.Client
}

// trackResponse is the body of POST /track.
type trackResponse struct {
	Tracks []struct {
		ID         trackID    `json:"id"`
		Label      string     `json:"label"`
		Confidence float64    `json:"confidence"`
		Confirmed  bool       `json:"confirmed"`
		LTRB       [4]float64 `json:"ltrb"`
	} `json:"tracks"`
}

// NewHTTPTracker creates a tracker client for serviceURL.
func NewHTTPTracker(serviceURL string, timeout time.Duration) *HTTPTracker {
	if serviceURL == "" {
		serviceURL = "http://localhost:5002"
	}
	return &HTTPTracker{
		serviceURL: serviceURL,
		client:     &http.Client{Timeout: timeout},
	}
}

// HealthCheck verifies the tracking service is running.
func (c *HTTPTracker) HealthCheck(ctx context.Context) error {
	return healthCheck(ctx, c.client, c.serviceURL, "tracking")
}

// Track uploads the frame and returns every track the service reports,
// confirmed or not.
func (c *HTTPTracker) Track(ctx context.Context, frame capture.Frame) ([]Track, error) {
	resp, err := postFrame(ctx, c.client, c.serviceURL+"/track", frame)
	if err != nil {
		return nil, fmt.Errorf("tracking request failed: %w", err)
	}
	defer resp.Body.Close()

	var body trackResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode tracks: %w", err)
	}

	tracks := make([]Track, 0, len(body.Tracks))
	for _, t := range body.Tracks {
		tracks = append(tracks, Track{
			ID: string(t.ID),
			Detection: Detection{
				Label:      t.Label,
				Confidence: t.Confidence,
				Box:        geo.Box{Left: t.LTRB[0], Top: t.LTRB[1], Right: t.LTRB[2], Bottom: t.LTRB[3]},
			},
			Confirmed: t.Confirmed,
		})
	}
	return tracks, nil
}

// HTTPDepthEstimator talks to the monocular relative depth service.
type HTTPDepthEstimator struct {
	serviceURL string
	client     *http.Client
}

// depthResponse is the body of POST /depth.
type depthResponse struct {
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Values []float32 `json:"values"`
}

// NewHTTPDepthEstimator creates an estimator client for serviceURL.
func NewHTTPDepthEstimator(serviceURL string, timeout time.Duration) *HTTPDepthEstimator {
	return &HTTPDepthEstimator{
		serviceURL: serviceURL,
		client:     &http.Client{Timeout: timeout},
	}
}

// HealthCheck verifies the depth service is running.
func (c *HTTPDepthEstimator) HealthCheck(ctx context.Context) error {
	return healthCheck(ctx, c.client, c.serviceURL, "depth")
}

// Estimate uploads the frame and returns its relative depth map.
func (c *HTTPDepthEstimator) Estimate(ctx context.Context, frame capture.Frame) (*capture.RelativeDepth, error) {
	resp, err := postFrame(ctx, c.client, c.serviceURL+"/depth", frame)
	if err != nil {
		return nil, fmt.Errorf("depth request failed: %w", err)
	}
	defer resp.Body.Close()

	var body depthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode depth: %w", err)
	}
	if body.Width <= 0 || body.Height <= 0 || len(body.Values) != body.Width*body.Height {
		return nil, fmt.Errorf("depth map %dx%d with %d values", body.Width, body.Height, len(body.Values))
	}

	return &capture.RelativeDepth{Width: body.Width, Height: body.Height, Values: body.Values}, nil
}

// postFrame sends the frame as multipart field "image". A non-200
// response is returned as an error with the body text.
func postFrame(ctx context.Context, client *http.Client, url string, frame capture.Frame) (*http.Response, error) {
	jpg, err := frameJPEG(frame)
	if err != nil {
		return nil, err
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("image", fmt.Sprintf("frame-%d.jpg", frame.Seq))
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(jpg); err != nil {
		return nil, fmt.Errorf("failed to write frame data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("service returned status %d: %s", resp.StatusCode, string(msg))
	}
	return resp, nil
}

func healthCheck(ctx context.Context, client *http.Client, serviceURL, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serviceURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s service not reachable: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s service unhealthy: status %d", name, resp.StatusCode)
	}
	return nil
}
