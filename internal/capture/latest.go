package capture

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// Latest holds the most recent frame and depth pair from the pump.
type Latest struct {
	mu    sync.RWMutex
	frame Frame
	depth *DepthMap
	ok    bool
}

// Store replaces the held pair.
func (l *Latest) Store(frame Frame, depth *DepthMap) {
	l.mu.Lock()
	l.frame = frame
	l.depth = depth
	l.ok = true
	l.mu.Unlock()
}

// Load returns the held pair; ok is false until the first Store.
func (l *Latest) Load() (Frame, *DepthMap, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.frame, l.depth, l.ok
}

const pumpErrorBackoff = 200 * time.Millisecond

// Pump reads src into latest until ctx is cancelled. Capture errors are
// logged and the pump keeps going.
func Pump(ctx context.Context, src FrameSource, latest *Latest) {
	var failures int
	for ctx.Err() == nil {
		frame, depth, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			// first failure and then every 50th, a dead camera is loud enough
			if failures == 1 || failures%50 == 0 {
				if errors.Is(err, ErrNoFrame) {
					log.Printf("capture: no frame (%d consecutive)", failures)
				} else {
					log.Printf("capture: read error (%d consecutive): %v", failures, err)
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(pumpErrorBackoff):
			}
			continue
		}
		if failures > 0 {
			log.Printf("capture: frames resumed after %d failures", failures)
			failures = 0
		}
		latest.Store(frame, depth)
	}
}
