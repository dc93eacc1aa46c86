package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"sync"
	"time"

	"github.com/mdobak/go-xerrors"

	"github.com/relabs-tech/geofusion/internal/fusion"
	"github.com/relabs-tech/geofusion/internal/metrics"
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("telemetry: publish queue closed")

// Sink delivers a serialized payload to one transport.
type Sink interface {
	Name() string
	Publish(ctx context.Context, payload []byte) error
}

// Publisher decouples the fusion cycle from the transports. Enqueue never
// blocks: when the queue is full the oldest payload is dropped. Run
// delivers payloads in order to every sink.
type Publisher struct {
	queue   chan []byte
	sinks   []Sink
	retries int
	backoff time.Duration
	metrics *metrics.Collector
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	abort  context.CancelFunc // cancels the running Run
	gaveUp bool

	runOnce sync.Once
	runDone chan struct{}
}

// NewPublisher creates a publisher with a queue of size payloads that
// tries each sink 1+retries times.
func NewPublisher(size, retries int, m *metrics.Collector, sinks ...Sink) *Publisher {
	if size < 1 {
		size = 1
	}
	if retries < 0 {
		retries = 0
	}
	return &Publisher{
		queue:   make(chan []byte, size),
		sinks:   sinks,
		retries: retries,
		backoff: 100 * time.Millisecond,
		metrics: m,
		logger:  slog.Default(),
		runDone: make(chan struct{}),
	}
}

// PublishSnapshot encodes snap and queues it.
func (p *Publisher) PublishSnapshot(snap fusion.Snapshot) error {
	payload, err := Encode(snap)
	if err != nil {
		return fmt.Errorf("telemetry: encode snapshot: %w", err)
	}
	return p.Enqueue(payload)
}

// Enqueue queues payload without blocking.
func (p *Publisher) Enqueue(payload []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrQueueClosed
	}

	for {
		select {
		case p.queue <- payload:
			return nil
		default:
		}
		// full: make room by dropping the oldest
		select {
		case <-p.queue:
			p.metrics.PayloadDropped()
			log.Printf("telemetry: publish queue full, dropped oldest payload")
		default:
		}
	}
}

// Close stops accepting payloads. A running Run keeps delivering what is
// already queued and returns once the queue is empty, unless its ctx ends
// first. Use Shutdown to wait for that.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
}

// Shutdown closes the queue and waits for Run to deliver what was queued.
// When ctx ends first the delivery in flight is cancelled and the rest of
// the queue is lost.
func (p *Publisher) Shutdown(ctx context.Context) error {
	p.Close()
	select {
	case <-p.runDone:
		return nil
	case <-ctx.Done():
	}

	p.mu.Lock()
	p.gaveUp = true
	abort := p.abort
	p.mu.Unlock()
	if abort != nil {
		abort()
	}
	return fmt.Errorf("telemetry: drain publish queue: %w", ctx.Err())
}

// Run delivers queued payloads until the queue is closed and drained or
// ctx is cancelled. Callers that want the queue drained on shutdown pass a
// ctx that outlives the producers and call Shutdown.
func (p *Publisher) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.mu.Lock()
	p.abort = cancel
	if p.gaveUp {
		cancel()
	}
	p.mu.Unlock()
	defer p.runOnce.Do(func() { close(p.runDone) })

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-p.queue:
			if !ok {
				return
			}
			p.deliver(ctx, payload)
		}
	}
}

func (p *Publisher) deliver(ctx context.Context, payload []byte) {
	for _, sink := range p.sinks {
		var err error
		for attempt := 0; attempt <= p.retries; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Duration(attempt) * p.backoff):
				}
			}
			if err = sink.Publish(ctx, payload); err == nil {
				break
			}
		}
		if err != nil {
			p.metrics.PublishFailed(sink.Name())
			p.logger.ErrorContext(ctx, "telemetry: publish failed",
				slog.String("sink", sink.Name()),
				slog.Int("attempts", p.retries+1),
				slog.Any("error", xerrors.New(err)),
			)
		}
	}
}
