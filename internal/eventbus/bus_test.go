package eventbus

import (
	"errors"
	"testing"
	"time"
)

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Type: "submission.queued"})

	if e := recvEvent(t, ch1); e.Type != "submission.queued" {
		t.Fatalf("ch1 got %q", e.Type)
	}
	if e := recvEvent(t, ch2); e.Type != "submission.queued" {
		t.Fatalf("ch2 got %q", e.Type)
	}
}

func TestPublishNonBlockingWhenSubscriberFull(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		// Nothing drains the channel; the extra publishes must drop.
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: "part.posted"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on full subscriber")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	unsub()
	unsub() // double-unsubscribe is safe

	b.Publish(Event{Type: "submission.completed"})
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
}

func TestPublishAfter(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.PublishAfter("submission.completed", func() (any, error) {
		return "ok", nil
	})
	e := recvEvent(t, ch)
	if e.Type != "submission.completed" || e.Data != "ok" {
		t.Fatalf("unexpected event: %+v", e)
	}

	b.PublishAfter("submission.completed", func() (any, error) {
		return nil, errors.New("boom")
	})
	e = recvEvent(t, ch)
	m, ok := e.Data.(map[string]string)
	if !ok || m["error"] != "boom" {
		t.Fatalf("expected error payload, got %+v", e.Data)
	}
}
