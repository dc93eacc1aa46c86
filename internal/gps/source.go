package gps

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// NetworkMode controls when the network locator is consulted.
type NetworkMode int

const (
	NetworkPerCycle NetworkMode = iota // query on every read that needs it
	NetworkStartup                     // query until the first success, then reuse it
	NetworkOff                         // never query
)

// ParseNetworkMode maps the configuration names to a NetworkMode.
func ParseNetworkMode(s string) (NetworkMode, error) {
	switch s {
	case "per_cycle", "":
		return NetworkPerCycle, nil
	case "startup":
		return NetworkStartup, nil
	case "off":
		return NetworkOff, nil
	}
	return NetworkPerCycle, fmt.Errorf("unknown network mode %q", s)
}

func (m NetworkMode) String() string {
	switch m {
	case NetworkStartup:
		return "startup"
	case NetworkOff:
		return "off"
	default:
		return "per_cycle"
	}
}

// Policy is the selection policy between the serial receiver and the
// network locator.
type Policy struct {
	// Reevaluate checks the receiver status on every read, so a receiver
	// that reconnects is promoted back to primary. When false the choice
	// is made once in Start after StartupGrace and never revisited.
	Reevaluate bool

	Network NetworkMode

	// StartupGrace is how long Start waits for a first sensor fix when
	// Reevaluate is false.
	StartupGrace time.Duration

	// RetryInterval is the delay between attempts to reopen the receiver.
	RetryInterval time.Duration
}

// Source is the position source: serial receiver first, network second.
type Source struct {
	open    Opener
	locator Locator
	policy  Policy
	reader  *Reader

	mu         sync.Mutex
	frozen     bool // decision made in Start (Reevaluate=false)
	useSensor  bool // frozen decision
	cached     Fix  // NetworkStartup result
	hasCached  bool
	lastOrigin Origin

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSource composes a receiver opener and a network locator. Either may
// be nil.
func NewSource(open Opener, locator Locator, policy Policy) *Source {
	if policy.RetryInterval <= 0 {
		policy.RetryInterval = 2 * time.Second
	}
	return &Source{
		open:    open,
		locator: locator,
		policy:  policy,
		reader:  NewReader(),
	}
}

// Reader exposes the serial receiver state, e.g. to register OnFix.
func (s *Source) Reader() *Reader { return s.reader }

// Start launches the receiver task. With Reevaluate=false it blocks for up
// to StartupGrace to decide between receiver and network for the rest of
// the run; an unselected receiver is stopped.
func (s *Source) Start(ctx context.Context) {
	sensorCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.open != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.supervise(sensorCtx)
		}()
	}

	if s.policy.Reevaluate {
		return
	}

	selected := false
	if s.open != nil {
		_, err := s.reader.WaitFix(ctx, s.policy.StartupGrace)
		selected = err == nil
	}

	s.mu.Lock()
	s.frozen = true
	s.useSensor = selected
	s.mu.Unlock()

	if selected {
		log.Printf("gps: receiver selected as position source")
		return
	}
	log.Printf("gps: no receiver fix within %v, using network location (%s) for this run",
		s.policy.StartupGrace, s.policy.Network)
	cancel()
}

// supervise keeps the receiver open. When Reevaluate is false a failed
// open or a lost port is final.
func (s *Source) supervise(ctx context.Context) {
	for {
		port, err := s.open()
		if err != nil {
			log.Printf("gps: %v", err)
		} else {
			log.Printf("gps: receiver connected")
			if err := s.reader.Consume(ctx, port); err != nil {
				log.Printf("gps: receiver lost: %v", err)
			}
		}

		if ctx.Err() != nil || !s.policy.Reevaluate {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.policy.RetryInterval):
		}
	}
}

// Stop cancels the receiver task and waits for it to exit.
func (s *Source) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// CurrentFix returns the best available position and the receiver status
// observed for this read. timeout bounds the wait for a receiver fix when
// the receiver is the only candidate; a network lookup is bounded by the
// locator's own timeout.
func (s *Source) CurrentFix(ctx context.Context, timeout time.Duration) (Fix, Status, error) {
	fix, status := s.reader.Latest()

	s.mu.Lock()
	frozen, selected := s.frozen, s.useSensor
	s.mu.Unlock()

	var candidate, ready bool
	if frozen {
		candidate = selected
		ready = selected && status.Available
	} else {
		candidate = status.Connected
		ready = status.Connected && status.Available
	}

	if ready {
		s.noteOrigin(OriginSensor)
		return fix, status, nil
	}

	if candidate && !s.networkEnabled() {
		fix, err := s.reader.WaitFix(ctx, timeout)
		if err == nil {
			s.noteOrigin(OriginSensor)
			return fix, s.reader.Status(), nil
		}
	}

	fix, err := s.networkFix(ctx)
	if err != nil {
		s.noteOrigin(OriginNone)
		return Fix{}, status, err
	}
	s.noteOrigin(OriginNetwork)
	return fix, status, nil
}

func (s *Source) networkEnabled() bool {
	return s.locator != nil && s.policy.Network != NetworkOff
}

func (s *Source) networkFix(ctx context.Context) (Fix, error) {
	if !s.networkEnabled() {
		return Fix{}, ErrNoFix
	}

	if s.policy.Network == NetworkStartup {
		s.mu.Lock()
		cached, ok := s.cached, s.hasCached
		s.mu.Unlock()
		if ok {
			return cached, nil
		}
	}

	fix, err := s.locator.Locate(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoFix) {
			err = fmt.Errorf("%w: %v", ErrNoFix, err)
		}
		return Fix{}, err
	}

	if s.policy.Network == NetworkStartup {
		s.mu.Lock()
		s.cached, s.hasCached = fix, true
		s.mu.Unlock()
	}
	return fix, nil
}

// noteOrigin logs transitions between position origins.
func (s *Source) noteOrigin(o Origin) {
	s.mu.Lock()
	prev := s.lastOrigin
	s.lastOrigin = o
	s.mu.Unlock()

	if prev != o {
		log.Printf("gps: position source %s -> %s", prev, o)
	}
}
