package bus

import "time"

// EventBus is a thread-safe, in-process pub/sub bus.
//
// - Handlers subscribe by Event.Type() string.
// - Delivery is synchronous in the publisher goroutine; handler errors are joined.
// - Metrics are only collected while at least one observer is registered.
//
// The engine publishes lifecycle events (archetype creation, despawns,
// system cycles and faults) from hot paths, so handlers must return quickly.
type EventBus interface {
	// Publish delivers event to every active subscriber of event.Type().
	Publish(event Event) error
	// Subscribe registers handler for eventType.
	Subscribe(eventType string, handler EventHandler) (Subscription, error)
	// Unsubscribe cancels sub. Safe to call with nil.
	Unsubscribe(sub Subscription) error
	// PublishAsync publishes in a new goroutine; the channel yields the joined
	// handler error (or nil) and is then closed.
	PublishAsync(event Event) <-chan error

	AddObserver(obs EventBusObserver)
	RemoveObserver(obs EventBusObserver)
	GetMetrics() EventBusMetrics
}

// Event is an immutable message carried by the bus.
type Event interface {
	Type() string
	Source() string
	Timestamp() time.Time
	Data() any
}

type (
	EventHandler func(event Event) error
)

// Subscription is a registered handler bound to one event type.
type Subscription interface {
	ID() string
	EventType() string
	IsActive() bool
	// Cancel de-registers the handler. Multiple calls are safe.
	Cancel() error
}

// EventBusObserver is notified about deliveries.
type EventBusObserver interface {
	OnPublish(eventType string, event Event)
	OnDelivered(eventType string, handlers int, err error, duration time.Duration)
}

// EventBusMetrics is updated only while an observer is registered.
type EventBusMetrics struct {
	Published         uint64
	DeliveredHandlers uint64
	Errors            uint64
	SubscribersActive uint64
}
