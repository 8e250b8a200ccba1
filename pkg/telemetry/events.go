package telemetry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/plugsync/pkg/engine"
)

// Event severities, as set by engine.EventType.Severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var errPublisherClosed = errors.New("event publisher is shut down")

// EventSubscriber receives published events. A returned error is logged and
// never reaches the run.
type EventSubscriber func(ctx context.Context, event *engine.Event) error

// EventFilter selects the events a subscriber receives.
type EventFilter func(event *engine.Event) bool

type subscription struct {
	name   string
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher implements engine.EventSink for the CLI. Subscribers are
// called in registration order.
//
// With EnableAsync set, events are queued and delivered in order from one
// goroutine; an event arriving at a full queue is dropped and counted.
// Otherwise delivery happens inside Publish.
type EventPublisher struct {
	enabled bool
	logger  zerolog.Logger

	mu   sync.RWMutex
	subs []subscription

	queue   chan *engine.Event
	done    chan struct{}
	stop    sync.Once
	drained sync.WaitGroup
	dropped atomic.Int64
}

var _ engine.EventSink = (*EventPublisher)(nil)

// NewEventPublisher creates a publisher from cfg.
func NewEventPublisher(cfg EventsConfig, logger zerolog.Logger) *EventPublisher {
	p := &EventPublisher{
		enabled: cfg.Enabled,
		logger:  logger.With().Str("component", "events").Logger(),
		done:    make(chan struct{}),
	}
	if cfg.Enabled && cfg.EnableAsync {
		p.queue = make(chan *engine.Event, max(cfg.BufferSize, 1))
		p.drained.Add(1)
		go p.loop()
	}
	return p
}

// Publish stamps the event with an ID, time and severity where missing and
// hands it to the subscribers.
func (p *EventPublisher) Publish(ctx context.Context, event *engine.Event) error {
	if !p.enabled || event == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = event.Type.Severity()
	}

	if p.queue == nil {
		p.deliver(ctx, event)
		return nil
	}
	select {
	case <-p.done:
		return errPublisherClosed
	default:
	}
	select {
	case p.queue <- event:
	default:
		p.dropped.Add(1)
	}
	return nil
}

// Subscribe adds fn. A nil filter receives every event.
func (p *EventPublisher) Subscribe(name string, fn EventSubscriber, filter EventFilter) {
	p.mu.Lock()
	p.subs = append(p.subs, subscription{name: name, fn: fn, filter: filter})
	p.mu.Unlock()
}

// SubscribeSink adds another engine.EventSink, such as the run journal.
func (p *EventPublisher) SubscribeSink(name string, sink engine.EventSink, filter EventFilter) {
	p.Subscribe(name, sink.Publish, filter)
}

// Dropped reports how many events a full queue discarded.
func (p *EventPublisher) Dropped() int64 {
	return p.dropped.Load()
}

func (p *EventPublisher) loop() {
	defer p.drained.Done()
	for {
		select {
		case event := <-p.queue:
			p.deliver(context.Background(), event)
		case <-p.done:
			for len(p.queue) > 0 {
				p.deliver(context.Background(), <-p.queue)
			}
			return
		}
	}
}

func (p *EventPublisher) deliver(ctx context.Context, event *engine.Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, s := range p.subs {
		if s.filter != nil && !s.filter(event) {
			continue
		}
		if err := s.fn(ctx, event); err != nil {
			p.logger.Warn().Err(err).
				Str("subscriber", s.name).
				Str("event", string(event.Type)).
				Msg("Event subscriber failed")
		}
	}
}

// Shutdown stops accepting events and waits until the queue is delivered or
// ctx is done.
func (p *EventPublisher) Shutdown(ctx context.Context) error {
	p.stop.Do(func() { close(p.done) })

	finished := make(chan struct{})
	go func() {
		p.drained.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		return errors.New("event publisher shutdown timeout")
	}
	if n := p.dropped.Load(); n > 0 {
		p.logger.Warn().Int64("dropped", n).Msg("Events were dropped")
	}
	return nil
}

var severityRank = map[string]int{EventLevelInfo: 0, EventLevelWarning: 1, EventLevelError: 2}

// FilterByLevel passes events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := severityRank[minLevel]
	return func(event *engine.Event) bool {
		return severityRank[event.Level] >= floor
	}
}

// FilterByType passes only the listed event types.
func FilterByType(types ...engine.EventType) EventFilter {
	wanted := make(map[engine.EventType]struct{}, len(types))
	for _, t := range types {
		wanted[t] = struct{}{}
	}
	return func(event *engine.Event) bool {
		_, ok := wanted[event.Type]
		return ok
	}
}

// FilterByRunID passes events of one run.
func FilterByRunID(runID string) EventFilter {
	return func(event *engine.Event) bool { return event.RunID == runID }
}
