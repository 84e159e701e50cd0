package pubsub

import (
	"sync"
	"sync/atomic"

	"repcore/internal/logging"
)

// EventType is the type of event subscribers listen for.
type EventType int

// SubscriptionOptions configures the behavior of a subscription.
type SubscriptionOptions struct {
	// If true the bus blocks until the subscriber's channel accepts the event. This guarantees delivery but a slow
	// subscriber stalls every other subscriber, so it should generally be false.
	IsBlocking bool
}

// SubscriberID identifies one subscription and is required to unsubscribe.
type SubscriberID uint64

var nextSubscriberID uint64

// Event is a typed event. Each instantiation is a distinct type, so a subscriber only ever receives payloads of
// the type it subscribed with.
type Event[T any] struct {
	Type    EventType
	Payload T
}

func NewEvent[T any](eventType EventType, payload T) *Event[T] {
	return &Event[T]{Type: eventType, Payload: payload}
}

// subscriber stores a typed channel behind closures so channels of different Event[T] types share one registry.
type subscriber struct {
	send    func(payload any) bool
	close   func()
	opts    SubscriptionOptions
	dropped atomic.Uint64
}

type envelope struct {
	eventType EventType
	payload   any
}

// Bus is a thread-safe publish/subscribe broker. Publish enqueues into a buffered channel drained by a single
// goroutine, so publishers never wait on subscribers unless a blocking subscription is full.
type Bus struct {
	mu       sync.RWMutex
	wg       sync.WaitGroup
	registry map[EventType]map[SubscriberID]*subscriber
	queue    chan envelope
	done     chan struct{}
	closing  atomic.Bool
	logger   logging.Logger
}

// NewBus starts a bus with the given queue capacity.
func NewBus(capacity int, logger logging.Logger) *Bus {
	if capacity <= 0 {
		capacity = 100
	}
	b := &Bus{
		registry: make(map[EventType]map[SubscriberID]*subscriber),
		queue:    make(chan envelope, capacity),
		done:     make(chan struct{}),
		logger:   logging.OrNop(logger),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Subscribe registers ch for events of eventType. The caller owns the channel's buffer size; the bus closes the
// channel on Unsubscribe and on Shutdown.
//
// Go methods cannot declare type parameters, so this is a free function taking the bus first.
func Subscribe[T any](b *Bus, eventType EventType, ch chan *Event[T], opts SubscriptionOptions) SubscriberID {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := SubscriberID(atomic.AddUint64(&nextSubscriberID, 1))
	var once sync.Once
	sub := &subscriber{
		opts: opts,
		send: func(payload any) bool {
			typed, ok := payload.(T)
			if !ok {
				b.logger.Warnf("type mismatch for event %v: want %T, got %T", eventType, *new(T), payload)
				return false
			}
			ev := &Event[T]{Type: eventType, Payload: typed}
			if opts.IsBlocking {
				ch <- ev
				return true
			}
			select {
			case ch <- ev:
				return true
			default:
				return false
			}
		},
		close: func() { once.Do(func() { close(ch) }) },
	}

	if _, ok := b.registry[eventType]; !ok {
		b.registry[eventType] = make(map[SubscriberID]*subscriber)
	}
	b.registry[eventType][id] = sub
	return id
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(eventType EventType, id SubscriberID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.registry[eventType]
	if !ok {
		return
	}
	if sub, ok := subs[id]; ok {
		delete(subs, id)
		sub.close()
		if len(subs) == 0 {
			delete(b.registry, eventType)
		}
	}
}

// Publish enqueues an event, waiting while the queue is full. Events published after Shutdown has started are
// dropped.
func Publish[T any](b *Bus, event *Event[T]) {
	if b.closing.Load() {
		b.logger.Debugf("dropping event %v published during shutdown", event.Type)
		return
	}
	select {
	case b.queue <- envelope{eventType: event.Type, payload: event.Payload}:
	case <-b.done:
		b.logger.Debugf("dropping event %v published during shutdown", event.Type)
	}
}

// Shutdown stops accepting events, delivers everything already queued, closes every subscriber channel and waits
// for the delivery goroutine to exit. It is idempotent.
func (b *Bus) Shutdown() {
	if b.closing.CompareAndSwap(false, true) {
		close(b.done)
	}
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for eventType, subs := range b.registry {
		for _, sub := range subs {
			sub.close()
		}
		delete(b.registry, eventType)
	}
}

// Dropped returns how many events were dropped for a non-blocking subscriber with a full channel.
func (b *Bus) Dropped(eventType EventType, id SubscriberID) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if sub, ok := b.registry[eventType][id]; ok {
		return sub.dropped.Load()
	}
	return 0
}

func (b *Bus) run() {
	defer b.wg.Done()

	for {
		select {
		case msg := <-b.queue:
			b.deliver(msg)
		case <-b.done:
			for {
				select {
				case msg := <-b.queue:
					b.deliver(msg)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(msg envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.registry[msg.eventType] {
		if !sub.send(msg.payload) && !sub.opts.IsBlocking {
			n := sub.dropped.Add(1)
			b.logger.Debugf("dropped event %v for subscriber %d (total %d)", msg.eventType, id, n)
		}
	}
}
