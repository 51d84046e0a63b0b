package events

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := New()
	received := make(chan NegotiationMismatchEvent, 1)

	unsub := bus.Subscribe(func(e NegotiationMismatchEvent) {
		received <- e
	})
	defer unsub()

	ev := NegotiationMismatchEvent{
		DevicePath: "/dev/video0",
		Field:      "width",
		Requested:  1920,
		Granted:    1280,
	}
	bus.Publish(ev)

	got := <-received
	if got.Field != ev.Field || got.Granted != ev.Granted {
		t.Errorf("Expected %+v, got %+v", ev, got)
	}
}

func TestBus_MultipleSubscribers(_ *testing.T) {
	bus := New()
	received1 := make(chan DeviceRemovedEvent, 1)
	received2 := make(chan DeviceRemovedEvent, 1)

	unsub1 := bus.Subscribe(func(e DeviceRemovedEvent) { received1 <- e })
	defer unsub1()
	unsub2 := bus.Subscribe(func(e DeviceRemovedEvent) { received2 <- e })
	defer unsub2()

	bus.Publish(DeviceRemovedEvent{DevicePath: "/dev/video0"})

	<-received1
	<-received2
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := New()
	received := make(chan CaptureErrorEvent, 1)

	unsub := bus.Subscribe(func(e CaptureErrorEvent) {
		received <- e
	})

	bus.Publish(CaptureErrorEvent{DevicePath: "/dev/video0"})
	<-received

	unsub()

	bus.Publish(CaptureErrorEvent{DevicePath: "/dev/video1"})
	select {
	case <-received:
		t.Fatal("Should not have received event after unsubscribe")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestBus_TypeSafety(t *testing.T) {
	bus := New()

	frameReceived := make(chan bool, 1)
	supportReceived := make(chan bool, 1)

	unsub1 := bus.Subscribe(func(_ FrameCapturedEvent) { frameReceived <- true })
	defer unsub1()
	unsub2 := bus.Subscribe(func(_ H264SupportEvent) { supportReceived <- true })
	defer unsub2()

	bus.Publish(FrameCapturedEvent{DevicePath: "/dev/video0"})
	<-frameReceived

	select {
	case <-supportReceived:
		t.Fatal("Support subscriber should NOT have received FrameCapturedEvent")
	case <-time.After(10 * time.Millisecond):
	}

	bus.Publish(H264SupportEvent{Support: "muxed"})
	<-supportReceived

	select {
	case <-frameReceived:
		t.Fatal("Frame subscriber should NOT have received H264SupportEvent")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestBus_ThreadSafety(_ *testing.T) {
	bus := New()
	var wg sync.WaitGroup
	numGoroutines := 10
	eventsPerGoroutine := 100
	expected := numGoroutines * eventsPerGoroutine

	receivedCh := make(chan bool, expected)

	unsub := bus.Subscribe(func(_ FrameCapturedEvent) {
		receivedCh <- true
	})
	defer unsub()

	for range numGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range eventsPerGoroutine {
				bus.Publish(FrameCapturedEvent{Sequence: uint32(i)})
			}
		}()
	}

	wg.Wait()

	for range expected {
		<-receivedCh
	}
}

func TestBus_AllEventTypes(t *testing.T) {
	bus := New()

	tests := []struct {
		name  string
		event Event
	}{
		{"FrameCaptured", FrameCapturedEvent{DevicePath: "/dev/video0"}},
		{"CaptureError", CaptureErrorEvent{DevicePath: "/dev/video0"}},
		{"IoctlRetry", IoctlRetryEvent{Op: "VIDIOC_DQBUF", Attempts: 2}},
		{"NegotiationMismatch", NegotiationMismatchEvent{Field: "frame_interval"}},
		{"H264Support", H264SupportEvent{Support: "frame"}},
		{"DecodeError", DecodeErrorEvent{Error: "broken pipe"}},
		{"ControlsApplied", ControlsAppliedEvent{Applied: 3}},
		{"DeviceRemoved", DeviceRemovedEvent{DevicePath: "/dev/video0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(_ *testing.T) {
			received := make(chan Event, 1)

			var unsub func()
			switch tt.event.(type) {
			case FrameCapturedEvent:
				unsub = bus.Subscribe(func(e FrameCapturedEvent) { received <- e })
			case CaptureErrorEvent:
				unsub = bus.Subscribe(func(e CaptureErrorEvent) { received <- e })
			case IoctlRetryEvent:
				unsub = bus.Subscribe(func(e IoctlRetryEvent) { received <- e })
			case NegotiationMismatchEvent:
				unsub = bus.Subscribe(func(e NegotiationMismatchEvent) { received <- e })
			case H264SupportEvent:
				unsub = bus.Subscribe(func(e H264SupportEvent) { received <- e })
			case DecodeErrorEvent:
				unsub = bus.Subscribe(func(e DecodeErrorEvent) { received <- e })
			case ControlsAppliedEvent:
				unsub = bus.Subscribe(func(e ControlsAppliedEvent) { received <- e })
			case DeviceRemovedEvent:
				unsub = bus.Subscribe(func(e DeviceRemovedEvent) { received <- e })
			}
			defer unsub()

			bus.Publish(tt.event)
			<-received
		})
	}
}

func TestBus_UnknownHandler(t *testing.T) {
	bus := New()
	unsub := bus.Subscribe(func(string) {})
	if unsub == nil {
		t.Fatal("expected a no-op unsubscribe")
	}
	unsub()
}

func TestSubscribeToChannel(t *testing.T) {
	bus := New()
	ch := make(chan DeviceRemovedEvent, 10)

	unsub := SubscribeToChannel(bus, ch)
	defer unsub()

	bus.Publish(DeviceRemovedEvent{DevicePath: "/dev/video2"})

	got := <-ch
	if got.DevicePath != "/dev/video2" {
		t.Errorf("Expected device_path /dev/video2, got %s", got.DevicePath)
	}
}

func TestSubscribeToChannel_NonBlocking(_ *testing.T) {
	bus := New()
	ch := make(chan CaptureErrorEvent) // No buffer

	unsub := SubscribeToChannel(bus, ch)
	defer unsub()

	done := make(chan bool, 1)
	go func() {
		bus.Publish(CaptureErrorEvent{Op: "VIDIOC_DQBUF"})
		done <- true
	}()

	<-done
}
