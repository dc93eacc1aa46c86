package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"sync"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// maxSnapshotBytes bounds a single still image download.
const maxSnapshotBytes = 16 << 20

// SnapshotDevice is a ColorDevice that fetches stills from an HTTP camera
// endpoint (IP camera, mjpg-streamer ?action=snapshot, ...).
type SnapshotDevice struct {
	url         string
	client      *http.Client
	minInterval time.Duration

	mu   sync.Mutex
	last time.Time
	seq  uint64
}

// NewSnapshotDevice checks that url serves a decodable image within
// timeout. minInterval caps the request rate.
func NewSnapshotDevice(ctx context.Context, url string, timeout, minInterval time.Duration) (*SnapshotDevice, error) {
	d := &SnapshotDevice{
		url:         url,
		client:      &http.Client{Timeout: timeout},
		minInterval: minInterval,
	}
	if _, err := d.fetch(ctx); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", url, err)
	}
	return d, nil
}

// ReadColor fetches one still, waiting out minInterval since the last one.
func (d *SnapshotDevice) ReadColor(ctx context.Context) (Frame, error) {
	d.mu.Lock()
	wait := d.minInterval - time.Since(d.last)
	d.mu.Unlock()

	if wait > 0 {
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-time.After(wait):
		}
	}
	return d.fetch(ctx)
}

func (d *SnapshotDevice) fetch(ctx context.Context) (Frame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, nil)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := d.client.Do(req)
	now := time.Now()

	d.mu.Lock()
	d.last = now
	d.mu.Unlock()

	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrDeviceAbsent, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Frame{}, fmt.Errorf("%w: snapshot status %d", ErrNoFrame, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return Frame{}, fmt.Errorf("%w: read snapshot: %v", ErrNoFrame, err)
	}

	img, format, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return Frame{}, fmt.Errorf("%w: decode snapshot: %v", ErrNoFrame, err)
	}

	d.mu.Lock()
	d.seq++
	seq := d.seq
	d.mu.Unlock()

	b := img.Bounds()
	return Frame{
		Image:    img,
		Width:    b.Dx(),
		Height:   b.Dy(),
		Captured: now,
		Seq:      seq,
		Encoded:  body,
		Format:   format,
	}, nil
}

// Close releases idle connections.
func (d *SnapshotDevice) Close() error {
	d.client.CloseIdleConnections()
	return nil
}
