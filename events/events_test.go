package events

import "testing"

func TestSubscribePublishDeliversEvent(t *testing.T) {
	var b Bus
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	b.Publish(Event{Kind: "upload.progress", ID: "job1", Message: "5/10"})

	select {
	case got := <-ch:
		if got.Kind != "upload.progress" || got.ID != "job1" {
			t.Fatalf("unexpected event: %+v", got)
		}
	default:
		t.Fatal("expected an event to be delivered")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	var b Bus
	ch, unsubscribe := b.Subscribe()
	unsubscribe()
	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}

func TestMultipleSubscribersEachReceiveEvent(t *testing.T) {
	var b Bus
	ch1, unsub1 := b.Subscribe()
	ch2, unsub2 := b.Subscribe()
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Kind: "sync.done", ID: "share1"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case got := <-ch:
			if got.Kind != "sync.done" {
				t.Fatalf("unexpected event: %+v", got)
			}
		default:
			t.Fatal("expected every subscriber to receive the event")
		}
	}
}

func TestFullBufferDropsOldestRatherThanBlocking(t *testing.T) {
	var b Bus
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	for i := 0; i < 64; i++ {
		b.Publish(Event{Kind: "tick", ID: "job1"})
	}
	// Publish must not have blocked; draining should yield at most the
	// buffer's worth of events, not panic or deadlock.
	count := 0
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				t.Fatal("channel closed unexpectedly")
			}
			count++
		default:
			if count == 0 {
				t.Fatal("expected at least one buffered event to survive")
			}
			return
		}
	}
}
