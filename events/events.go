// Package events implements the structured-status-event broadcaster each
// engine publishes state transitions on, so a UI subscribes to a channel
// instead of polling the engine's job map (spec §4.5-§4.7 "observable
// per-job status", §5 "observable state"). It is grounded on the
// teacher's subscriber fan-out in
// modules/host/rpcsubscribe.go's threadedNotifySubscribers: a mutex-
// guarded subscriber set, notified one goroutine at a time so one slow
// reader cannot block another.
package events

import "sync"

// Event is one state-transition notification. Kind is engine-defined
// (e.g. "upload.progress", "sync.share.done", "import.file.imported");
// ID identifies the subject (a job id or a share vault id); Message is a human-readable
// summary mirroring the job's lastMessage field.
type Event struct {
	Kind    string
	ID      string
	Message string
}

// Bus fans a stream of Events out to any number of subscribers. The zero
// value is ready to use.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// Subscribe registers a new subscriber and returns a channel delivering
// every Event published after this call, plus an unsubscribe function the
// caller must invoke when done listening. The channel is buffered so a
// burst of events from one engine tick never blocks Publish; a subscriber
// that falls far enough behind silently drops the oldest pending event
// rather than stalling the publisher.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[int]chan Event)
	}
	id := b.next
	b.next++
	ch := make(chan Event, 32)
	b.subs[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// Publish delivers ev to every current subscriber. Each delivery is
// non-blocking: if a subscriber's buffer is full, the oldest queued event
// is dropped to make room, favoring liveness of the event stream over
// completeness for a stalled reader.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}
