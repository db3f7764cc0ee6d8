package types

import (
	"time"
)

const (
	EventInvalidateKey        = "cache.invalidate.key"
	EventInvalidateTag        = "cache.invalidate.tag"
	EventInvalidateDependency = "cache.invalidate.dependency"
	EventClearPattern         = "cache.clear.pattern"
)

// EventBroker fans cache change events out to sinks (webhook, websocket)
// so other cache instances can drop their own copies.
type EventBroker interface {
	Publish(event string, payload interface{}) error
	Subscribe(event string, handler EventHandler) error
	Unsubscribe(event string) error
}

type EventDispatcher interface {
	LifecycleManager
	EventBroker
}

type EventHandler func(message *EventMessage) error

type EventMessage struct {
	Event     string      `json:"event"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
	Source    string      `json:"source"`
	MessageID string      `json:"message_id"`
}

// InvalidationEvent is the payload for all cache.invalidate.* events.
type InvalidationEvent struct {
	Kind    string   `json:"kind"`
	Subject string   `json:"subject"`
	Keys    []string `json:"keys,omitempty"`
	Count   int      `json:"count"`
}
