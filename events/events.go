package events

import (
	"context"
	"slices"
	"sync"

	"github.com/p2psats/tradehub/logger"
)

type Event struct {
	Event      string      `json:"event"`
	Properties interface{} `json:"properties,omitempty"`
}

type EventSubscriber interface {
	ConsumeEvent(ctx context.Context, event *Event, globalProperties map[string]interface{})
}

type EventPublisher interface {
	RegisterSubscriber(eventListener EventSubscriber)
	RemoveSubscriber(eventListener EventSubscriber)
	Publish(event *Event)
	PublishSync(ctx context.Context, event *Event)
	SetGlobalProperty(key string, value interface{})
}

type eventPublisher struct {
	listeners        []EventSubscriber
	subscriberMtx    sync.Mutex
	globalProperties map[string]interface{}
}

func NewEventPublisher() *eventPublisher {
	eventPublisher := &eventPublisher{
		listeners:        []EventSubscriber{},
		globalProperties: map[string]interface{}{},
	}
	return eventPublisher
}

func (ep *eventPublisher) RegisterSubscriber(listener EventSubscriber) {
	ep.subscriberMtx.Lock()
	defer ep.subscriberMtx.Unlock()
	ep.listeners = append(ep.listeners, listener)
}

func (ep *eventPublisher) RemoveSubscriber(listenerToRemove EventSubscriber) {
	ep.subscriberMtx.Lock()
	defer ep.subscriberMtx.Unlock()

	for i, listener := range ep.listeners {
		if listener == listenerToRemove {
			ep.listeners = slices.Delete(ep.listeners, i, i+1)
			break
		}
	}
}

// Publish fans the event out to every subscriber, each on its own
// goroutine so a slow consumer cannot stall a state transition.
func (ep *eventPublisher) Publish(event *Event) {
	ep.subscriberMtx.Lock()
	defer ep.subscriberMtx.Unlock()
	logger.Logger.Info().
		Str("event", event.Event).
		Interface("properties", event.Properties).
		Msg("Publishing event")
	for _, listener := range ep.listeners {
		go listener.ConsumeEvent(context.Background(), event, ep.globalProperties)
	}
}

// PublishSync delivers the event to every subscriber before returning.
// Used where the caller needs the side effects applied, e.g. tests.
func (ep *eventPublisher) PublishSync(ctx context.Context, event *Event) {
	ep.subscriberMtx.Lock()
	defer ep.subscriberMtx.Unlock()
	for _, listener := range ep.listeners {
		listener.ConsumeEvent(ctx, event, ep.globalProperties)
	}
}

func (ep *eventPublisher) SetGlobalProperty(key string, value interface{}) {
	ep.globalProperties[key] = value
}
