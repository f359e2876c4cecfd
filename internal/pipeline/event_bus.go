package pipeline

import (
	"sync"
)

// EventBus fans refresh results and notices out to subscribers (the
// websocket hub, the MJPEG stream, tests).
type EventBus struct {
	subscribers map[*eventSubscription]bool
	mu          sync.RWMutex
}

type eventSubscription struct {
	resultHandler    ResultHandler
	noticeHandler    NoticeHandler
	spotlightHandler SpotlightHandler
	channel          chan *RefreshResult
}

// NewEventBus creates an empty event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*eventSubscription]bool),
	}
}

// Subscribe registers a handler for refresh results. Returns an
// unsubscribe function.
func (b *EventBus) Subscribe(handler ResultHandler) func() {
	sub := &eventSubscription{resultHandler: handler}
	return b.add(sub)
}

// SubscribeNotices registers a handler for transient notices. Returns an
// unsubscribe function.
func (b *EventBus) SubscribeNotices(handler NoticeHandler) func() {
	sub := &eventSubscription{noticeHandler: handler}
	return b.add(sub)
}

// SubscribeSpotlights registers a handler for spotlight presentation
// events. Returns an unsubscribe function.
func (b *EventBus) SubscribeSpotlights(handler SpotlightHandler) func() {
	sub := &eventSubscription{spotlightHandler: handler}
	return b.add(sub)
}

// SubscribeChannel returns a buffered channel of refresh results and an
// unsubscribe function. Slow consumers have results dropped, never
// blocking the refresh loop.
func (b *EventBus) SubscribeChannel(bufferSize int) (<-chan *RefreshResult, func()) {
	if bufferSize <= 0 {
		bufferSize = 4
	}
	ch := make(chan *RefreshResult, bufferSize)
	sub := &eventSubscription{channel: ch}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, unsubscribe
}

func (b *EventBus) add(sub *eventSubscription) func() {
	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// PublishResult delivers a refresh result to all subscribers. Handlers
// run synchronously so results arrive in cycle order.
func (b *EventBus) PublishResult(result *RefreshResult) {
	if result == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.resultHandler != nil {
			sub.resultHandler.OnRefreshResult(result)
		}
		if sub.channel != nil {
			select {
			case sub.channel <- result:
			default:
				// Channel full, drop for this subscriber.
			}
		}
	}
}

// PublishNotice delivers a transient notice to all notice subscribers.
func (b *EventBus) PublishNotice(notice Notice) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.noticeHandler != nil {
			sub.noticeHandler.OnNotice(notice)
		}
	}
}

// PublishSpotlight delivers a spotlight event to all spotlight
// subscribers.
func (b *EventBus) PublishSpotlight(event SpotlightEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.spotlightHandler != nil {
			sub.spotlightHandler.OnSpotlight(event)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close drops all subscribers and closes their channels.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}
