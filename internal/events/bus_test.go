package events

import (
	"log/slog"
	"net"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus(100, testLogger())
	go bus.Start()
	defer bus.Stop()

	ch := bus.Subscribe(100)
	defer bus.Unsubscribe(ch)

	evt := Event{
		Type:      EventLeaseAck,
		Timestamp: time.Now(),
		Lease: &LeaseData{
			MAC:   net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff},
			Index: 0,
		},
	}

	bus.Publish(evt)

	select {
	case received := <-ch:
		if received.Type != EventLeaseAck {
			t.Errorf("received event type = %q, want %q", received.Type, EventLeaseAck)
		}
		if received.Lease == nil || received.Lease.MAC.String() != "aa:bb:cc:dd:ee:ff" {
			t.Error("lease data not preserved")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBusMultipleSubscribers(t *testing.T) {
	bus := NewBus(100, testLogger())
	go bus.Start()
	defer bus.Stop()

	ch1 := bus.Subscribe(100)
	ch2 := bus.Subscribe(100)
	defer bus.Unsubscribe(ch1)
	defer bus.Unsubscribe(ch2)

	bus.Publish(Event{Type: EventLinkState, Timestamp: time.Now(), Link: &LinkData{NewState: "connected"}})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != EventLinkState {
				t.Errorf("event type = %q, want %q", e.Type, EventLinkState)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for event on subscriber")
		}
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(100, testLogger())
	go bus.Start()
	defer bus.Stop()

	ch := bus.Subscribe(100)
	bus.Unsubscribe(ch)

	// Publish after unsubscribe should not block or panic
	bus.Publish(Event{Type: EventPeerExpired, Timestamp: time.Now()})

	time.Sleep(50 * time.Millisecond)

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("should not receive events after unsubscribe")
		}
	default:
	}
}

func TestBusNonBlocking(t *testing.T) {
	bus := NewBus(1, testLogger())
	go bus.Start()
	defer bus.Stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Type: EventLeaseOffer, Timestamp: time.Now()})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publishing blocked, event bus should be non-blocking")
	}
}

func TestBusPublishAfterStop(t *testing.T) {
	bus := NewBus(10, testLogger())
	go bus.Start()
	bus.Stop()
	bus.Stop()

	// Must not panic
	bus.Publish(Event{Type: EventLightsTimeout, Timestamp: time.Now()})
}

func TestNilBusPublish(t *testing.T) {
	var bus *Bus
	bus.Publish(Event{Type: EventLinkFailed})
}

func TestBusStopClosesSubscribers(t *testing.T) {
	bus := NewBus(10, testLogger())
	go bus.Start()

	ch := bus.Subscribe(10)
	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()

	bus.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed by Stop")
	}

	// Unsubscribing a channel closed by Stop must not panic.
	bus.Unsubscribe(ch)

	late := bus.Subscribe(10)
	if _, ok := <-late; ok {
		t.Error("Subscribe after Stop should return a closed channel")
	}
}

func TestBusCountsSubscriberDrops(t *testing.T) {
	bus := NewBus(10, testLogger())
	go bus.Start()
	defer bus.Stop()

	slow := bus.Subscribe(1)
	for i := 0; i < 3; i++ {
		bus.Publish(Event{Type: EventLeaseOffer, Timestamp: time.Now()})
	}

	deadline := time.Now().Add(time.Second)
	for bus.Drops() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := bus.Drops(); got != 2 {
		t.Errorf("Drops = %d, want 2", got)
	}
	if len(slow) != 1 {
		t.Errorf("slow subscriber holds %d events, want 1", len(slow))
	}
}
