package persistence

import (
	"fmt"
	"sync"
	"time"

	"github.com/asaidimu/go-events"
	"github.com/google/uuid"
)

// EventHub owns the typed event bus shared by the registry, the entity store and the
// content view materializer, along with the subscriptions registered on it.
type EventHub struct {
	bus           *events.TypedEventBus[PersistenceEvent]
	subscriptions map[string]*SubscriptionInfo
	subMu         sync.RWMutex
}

// NewEventHub creates an event hub backed by a fresh bus.
func NewEventHub() (*EventHub, error) {
	bus, err := events.NewTypedEventBus[PersistenceEvent](events.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("could not initialize event bus: %w", err)
	}
	return &EventHub{
		bus:           bus,
		subscriptions: make(map[string]*SubscriptionInfo),
	}, nil
}

// RegisterSubscription registers a callback for a specific persistence event. It returns
// a unique ID that can be used to unregister the subscription later.
func (h *EventHub) RegisterSubscription(options RegisterSubscriptionOptions) string {
	h.subMu.Lock()
	defer h.subMu.Unlock()

	unsubscribe := h.bus.Subscribe(string(options.Event), options.Callback)
	id := uuid.New().String()

	h.subscriptions[id] = &SubscriptionInfo{
		Id:          &id,
		Event:       options.Event,
		Unsubscribe: unsubscribe,
		Label:       options.Label,
		Description: options.Description,
	}
	return id
}

// UnregisterSubscription removes a subscription by its ID.
func (h *EventHub) UnregisterSubscription(id string) {
	h.subMu.Lock()
	defer h.subMu.Unlock()

	if info, ok := h.subscriptions[id]; ok {
		info.Unsubscribe()
		delete(h.subscriptions, id)
	}
}

// Subscriptions returns a list of all currently active subscriptions.
func (h *EventHub) Subscriptions() []SubscriptionInfo {
	h.subMu.RLock()
	defer h.subMu.RUnlock()

	subs := make([]SubscriptionInfo, 0, len(h.subscriptions))
	for _, sub := range h.subscriptions {
		subs = append(subs, *sub)
	}
	return subs
}

// Emit publishes an event. A nil hub drops it.
func (h *EventHub) Emit(event PersistenceEvent) {
	if h == nil || h.bus == nil {
		return
	}
	h.bus.Emit(string(event.Type), event)
}

// eventSpec names the three events emitted around one operation.
type eventSpec struct {
	operation  string
	collection string
	start      PersistenceEventType
	success    PersistenceEventType
	failed     PersistenceEventType
	context    map[string]any
}

// withEventEmission wraps an operation with start, success, and failure events.
func (h *EventHub) withEventEmission(spec eventSpec, input any, fn func() (any, error)) (any, error) {
	startTime := time.Now()

	start := createEvent(spec.start, spec.operation, spec.collection, input, nil, nil, nil, nil, startTime)
	start.Context = spec.context
	h.Emit(start)

	result, err := fn()
	if err != nil {
		errStr := err.Error()
		failed := createEvent(spec.failed, spec.operation, spec.collection, input, nil, nil, &errStr, issuesOf(err), startTime)
		failed.Context = spec.context
		h.Emit(failed)
		return nil, err
	}

	success := createEvent(spec.success, spec.operation, spec.collection, input, result, nil, nil, nil, startTime)
	success.Context = spec.context
	h.Emit(success)
	return result, nil
}

// Track runs fn between a start event and its success or failed event. It lets
// components outside this package report their operations on the shared bus.
func (h *EventHub) Track(operation, collection string, start, success, failed PersistenceEventType, context map[string]any, input any, fn func() (any, error)) (any, error) {
	return h.withEventEmission(eventSpec{
		operation:  operation,
		collection: collection,
		start:      start,
		success:    success,
		failed:     failed,
		context:    context,
	}, input, fn)
}
