package auth

import "sync"

// EventBus delivers the zero-payload SessionChanged notification. Subscribers
// re-query IsLoggedIn/CurrentUser on receipt rather than carrying state in
// the event itself.
//
// Dispatch is synchronous and in subscription order. The subscriber list is
// snapshotted before the callbacks run, so a subscriber may unsubscribe (or
// subscribe another) from inside its callback without deadlocking.
type EventBus struct {
	mu   sync.Mutex
	next int
	subs []subscriber
}

type subscriber struct {
	id int
	fn func()
}

func NewEventBus() *EventBus {
	return &EventBus{}
}

// SubscribeSessionChanged registers fn and returns its unsubscribe function.
// Unsubscribing twice is harmless.
func (b *EventBus) SubscribeSessionChanged(fn func()) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	b.subs = append(b.subs, subscriber{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.subs {
			if sub.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// PublishSessionChanged invokes every subscriber. Callbacks run outside the
// bus lock.
func (b *EventBus) PublishSessionChanged() {
	b.mu.Lock()
	snapshot := make([]func(), len(b.subs))
	for i, sub := range b.subs {
		snapshot[i] = sub.fn
	}
	b.mu.Unlock()

	for _, fn := range snapshot {
		fn()
	}
}
