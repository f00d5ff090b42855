// Package eventbus decouples process state changes from their observers.
// It is a bounded, asynchronous, single-delivery-task pub/sub, matching the
// contract owned by internal/process and internal/supervisor.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const mirrorTimeout = 2 * time.Second

// Kind enumerates the events this daemon publishes.
type Kind string

const (
	KindStarting          Kind = "STARTING"
	KindRunning           Kind = "RUNNING"
	KindBackoff           Kind = "BACKOFF"
	KindStopping          Kind = "STOPPING"
	KindExited            Kind = "EXITED"
	KindStopped           Kind = "STOPPED"
	KindFatal             Kind = "FATAL"
	KindUnhealthy         Kind = "UNHEALTHY"
	KindHealthcheckPassed Kind = "HEALTHCHECK_PASSED"
	KindHealthcheckFailed Kind = "HEALTHCHECK_FAILED"
)

// Event is the payload delivered to handlers. FromState, PID, Message and
// Failures are populated only where relevant to Kind. ID is assigned by
// Publish and lets an external mirror (e.g. Redis pub/sub) correlate or
// deduplicate deliveries independent of local handler ordering.
type Event struct {
	ID          string
	Kind        Kind
	ProcessName string
	GroupName   string
	FromState   string
	PID         int
	Message     string
	Failures    int
}

// Handler processes one event. An error is logged and isolated; it never
// stops delivery to the remaining handlers.
type Handler func(Event) error

// Mirror best-effort forwards delivered events to an external sink (e.g.
// Redis pub/sub). A mirror failure is logged and never affects local
// delivery, grounding the non-correctness-critical nature spec.md assigns
// to observers of the bus.
type Mirror interface {
	Publish(ctx context.Context, ev Event) error
}

const defaultCapacity = 1000

// Bus is a bounded, asynchronous publish/subscribe dispatcher. The zero
// value is not usable; construct with New.
type Bus struct {
	log      *zap.Logger
	capacity int

	mu       sync.Mutex
	queue    []Event
	notEmpty chan struct{}

	handlersMu sync.RWMutex
	handlers   map[Kind][]Handler

	mirror Mirror

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithCapacity overrides the default bounded-queue capacity (1000).
func WithCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithMirror attaches a best-effort external mirror.
func WithMirror(m Mirror) Option {
	return func(b *Bus) { b.mirror = m }
}

// New constructs a Bus. Call Start to launch its delivery task.
func New(log *zap.Logger, opts ...Option) *Bus {
	b := &Bus{
		log:      log.Named("eventbus"),
		capacity: defaultCapacity,
		notEmpty: make(chan struct{}, 1),
		handlers: make(map[Kind][]Handler),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	return b
}

// Subscribe registers fn for every event of the given kind. Subscriptions
// must be made before Start or are otherwise racy with delivery.
func (b *Bus) Subscribe(kind Kind, fn Handler) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], fn)
}

// Publish enqueues ev without blocking, assigning it a fresh ID. If the
// queue is at capacity, the oldest undelivered event is dropped and a
// warning logged.
func (b *Bus) Publish(ev Event) {
	ev.ID = uuid.NewString()

	b.mu.Lock()
	if len(b.queue) >= b.capacity {
		dropped := b.queue[0]
		b.queue = b.queue[1:]
		b.log.Warn("event queue full, dropping oldest event",
			zap.String("kind", string(dropped.Kind)),
			zap.String("process", dropped.ProcessName))
	}
	b.queue = append(b.queue, ev)
	b.mu.Unlock()

	select {
	case b.notEmpty <- struct{}{}:
	default:
	}
}

// Start launches the delivery task. Safe to call once.
func (b *Bus) Start() {
	go b.deliverLoop()
}

// Stop cancels the delivery task and waits for in-flight delivery to drain.
func (b *Bus) Stop() {
	b.cancel()
	<-b.done
}

func (b *Bus) deliverLoop() {
	defer close(b.done)
	for {
		ev, ok := b.dequeue()
		if ok {
			b.dispatch(ev)
			continue
		}
		select {
		case <-b.ctx.Done():
			// Drain whatever remains before stopping.
			for {
				ev, ok := b.dequeue()
				if !ok {
					return
				}
				b.dispatch(ev)
			}
		case <-b.notEmpty:
		}
	}
}

func (b *Bus) dequeue() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return Event{}, false
	}
	ev := b.queue[0]
	b.queue = b.queue[1:]
	return ev, true
}

func (b *Bus) dispatch(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("recovered from panic in event delivery", zap.Any("panic", r))
		}
	}()

	b.handlersMu.RLock()
	handlers := append([]Handler(nil), b.handlers[ev.Kind]...)
	b.handlersMu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error("recovered from panic in event handler",
						zap.String("kind", string(ev.Kind)),
						zap.Any("panic", r))
				}
			}()
			if err := h(ev); err != nil {
				b.log.Warn("event handler error",
					zap.String("kind", string(ev.Kind)),
					zap.String("process", ev.ProcessName),
					zap.Error(err))
			}
		}()
	}

	if b.mirror != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
			defer cancel()
			if err := b.mirror.Publish(ctx, ev); err != nil {
				b.log.Warn("event mirror publish failed", zap.Error(err))
			}
		}()
	}
}
