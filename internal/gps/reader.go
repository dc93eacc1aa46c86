package gps

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"
)

// idleBackoff is how long the reader waits after a read returns no data
// (serial read timeout) before trying again.
const idleBackoff = 50 * time.Millisecond

// maxLineLength bounds a buffered sentence. NMEA 0183 caps sentences at 82
// characters; the rest is room for proprietary ones.
const maxLineLength = 128

// Reader owns the latest sensor fix. A single goroutine feeds it through
// Consume; any number of goroutines read copies through Latest.
type Reader struct {
	mu     sync.RWMutex
	fix    Fix
	status Status
	onFix  func(Fix)

	now func() time.Time
}

// NewReader creates a Reader with no fix and a disconnected status.
func NewReader() *Reader {
	return &Reader{now: time.Now}
}

// OnFix registers a callback invoked (outside the lock) for every
// accepted fix. Must be set before Consume is started.
func (r *Reader) OnFix(fn func(Fix)) {
	r.mu.Lock()
	r.onFix = fn
	r.mu.Unlock()
}

// Latest returns a copy of the most recent fix and the receiver status.
func (r *Reader) Latest() (Fix, Status) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fix, r.status
}

// Status returns a copy of the receiver status.
func (r *Reader) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// WaitFix polls for a sensor fix until one is available or the timeout
// elapses. A fix that already exists is returned immediately.
func (r *Reader) WaitFix(ctx context.Context, timeout time.Duration) (Fix, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()

	for {
		if fix, st := r.Latest(); st.Available {
			return fix, nil
		}
		select {
		case <-ctx.Done():
			return Fix{}, ctx.Err()
		case <-deadline.C:
			return Fix{}, ErrNoFix
		case <-poll.C:
		}
	}
}

// setConnected marks the start or end of a port session. A fix parsed in
// an earlier session does not count as available in the next one.
func (r *Reader) setConnected(connected bool) {
	r.mu.Lock()
	r.status.Connected = connected
	r.status.Available = false
	r.mu.Unlock()
}

// Consume reads NMEA sentences from port until the port fails or ctx is
// cancelled, updating the latest fix as valid positions arrive. Malformed
// lines are dropped, as are lines longer than maxLineLength. Consume closes
// port before returning.
func (r *Reader) Consume(ctx context.Context, port io.ReadCloser) error {
	var closeOnce sync.Once
	closePort := func() { closeOnce.Do(func() { _ = port.Close() }) }
	defer closePort()
	stop := context.AfterFunc(ctx, closePort)
	defer stop()

	r.setConnected(true)
	defer r.setConnected(false)

	reader := bufio.NewReaderSize(port, 2*maxLineLength)
	var pending lineBuffer

	for {
		chunk, err := reader.ReadSlice('\n')
		pending.add(chunk)

		if err == nil {
			if line, ok := pending.take(); ok {
				r.HandleLine(line)
			}
			continue
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		if ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, io.EOF) {
			return fmt.Errorf("gps: read: %w", err)
		}

		// EOF is what a serial read timeout looks like; keep the partial
		// sentence and wait for the rest.
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(idleBackoff):
		}
	}
}

// lineBuffer joins the pieces of one sentence across reads. Once a line
// outgrows maxLineLength the rest of it is discarded up to the next newline.
type lineBuffer struct {
	buf      []byte
	overflow bool
}

func (b *lineBuffer) add(chunk []byte) {
	if b.overflow || len(chunk) == 0 {
		return
	}
	if len(b.buf)+len(chunk) > maxLineLength {
		b.buf = b.buf[:0]
		b.overflow = true
		return
	}
	b.buf = append(b.buf, chunk...)
}

// take ends the current line. ok is false if the line was too long.
func (b *lineBuffer) take() (line string, ok bool) {
	line, ok = string(b.buf), !b.overflow
	b.buf = b.buf[:0]
	b.overflow = false
	return line, ok
}

// HandleLine parses one NMEA line and stores it if it carries a valid
// position. It reports whether the line was accepted.
func (r *Reader) HandleLine(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "$") {
		return false
	}

	sentence, err := nmea.Parse(line)
	if err != nil {
		// noisy receiver or partial sentence
		return false
	}

	fix, ok := fixFromSentence(sentence)
	if !ok {
		return false
	}

	r.mu.Lock()
	fix.Time = r.now().UTC()
	fix.Origin = OriginSensor
	// RMC carries no altitude and GGA carries no speed; keep what the
	// other sentence type last reported.
	if !fix.HasAltitude && r.status.Available && r.fix.HasAltitude {
		fix.Altitude = r.fix.Altitude
		fix.HasAltitude = true
	}
	r.fix = fix
	r.status.Available = true
	r.status.LastFix = fix.Time
	onFix := r.onFix
	r.mu.Unlock()

	if onFix != nil {
		onFix(fix)
	}
	return true
}

// fixFromSentence extracts a position from the sentence types that carry
// one. Sentences flagged as void or without a fix are rejected.
func fixFromSentence(sentence nmea.Sentence) (Fix, bool) {
	switch sentence.DataType() {
	case nmea.TypeRMC:
		m := sentence.(nmea.RMC)
		if m.Validity != nmea.ValidRMC {
			return Fix{}, false
		}
		return Fix{
			Latitude:   m.Latitude,
			Longitude:  m.Longitude,
			SpeedKnots: m.Speed,
			CourseDeg:  m.Course,
		}, true

	case nmea.TypeGGA:
		m := sentence.(nmea.GGA)
		if m.FixQuality == nmea.Invalid {
			return Fix{}, false
		}
		return Fix{
			Latitude:    m.Latitude,
			Longitude:   m.Longitude,
			Altitude:    m.Altitude,
			HasAltitude: true,
		}, true

	case nmea.TypeGLL:
		m := sentence.(nmea.GLL)
		if m.Validity != nmea.ValidGLL {
			return Fix{}, false
		}
		return Fix{Latitude: m.Latitude, Longitude: m.Longitude}, true

	case nmea.TypeGNS:
		m := sentence.(nmea.GNS)
		if !gnsHasFix(m.Mode) {
			return Fix{}, false
		}
		return Fix{
			Latitude:    m.Latitude,
			Longitude:   m.Longitude,
			Altitude:    m.Altitude,
			HasAltitude: true,
		}, true

	default:
		// GSA, GSV, VTG, ... carry no position
		return Fix{}, false
	}
}

func gnsHasFix(modes []string) bool {
	for _, mode := range modes {
		if mode != nmea.NoFixGNS {
			return true
		}
	}
	return false
}
