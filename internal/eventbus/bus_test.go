package eventbus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_SubscribeAndPublish(t *testing.T) {
	bus := New()
	defer bus.Close()

	received := make(chan Event, 10)
	bus.Subscribe(EventInventoryUploaded, received)

	bus.Publish(Event{
		Type:          EventInventoryUploaded,
		UserID:        "u-100",
		CorrelationID: "corr-1",
		Data:          map[string]int{"saved": 12},
	})

	select {
	case evt := <-received:
		if evt.Type != EventInventoryUploaded {
			t.Errorf("expected %s, got %s", EventInventoryUploaded, evt.Type)
		}
		if evt.UserID != "u-100" {
			t.Errorf("expected user u-100, got %s", evt.UserID)
		}
		if evt.Timestamp.IsZero() {
			t.Error("expected a timestamp to be stamped on publish")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch1 := make(chan Event, 10)
	ch2 := make(chan Event, 10)
	bus.Subscribe(EventError, ch1)
	bus.Subscribe(EventError, ch2)

	bus.Publish(Event{Type: EventError, UserID: "u-1"})

	for _, ch := range []chan Event{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBus_TypeFiltering(t *testing.T) {
	bus := New()
	defer bus.Close()

	uploadCh := make(chan Event, 10)
	alertCh := make(chan Event, 10)
	bus.Subscribe(EventInventoryUploaded, uploadCh)
	bus.Subscribe(EventAlert, alertCh)

	bus.Publish(Event{Type: EventInventoryUploaded, UserID: "u-1"})

	select {
	case <-uploadCh:
	case <-time.After(time.Second):
		t.Fatal("upload subscriber did not receive event")
	}

	select {
	case <-alertCh:
		t.Fatal("alert subscriber should NOT receive upload event")
	case <-time.After(50 * time.Millisecond):
		// good
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := New()
	defer bus.Close()

	received := make(chan Event, 100)
	bus.Subscribe(EventDuplicatesRemoved, received)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			bus.Publish(Event{Type: EventDuplicatesRemoved, Data: n})
		}(i)
	}
	wg.Wait()

	time.Sleep(100 * time.Millisecond)
	if len(received) != 50 {
		t.Errorf("expected 50 events, got %d", len(received))
	}
}
