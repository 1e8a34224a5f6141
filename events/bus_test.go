package events

import (
	"sync"
	"testing"
	"time"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	bus := NewBus()

	var got []RequestEvent
	bus.Subscribe(RequestSuccess, func(payload interface{}) {
		got = append(got, payload.(RequestEvent))
	})

	bus.Publish(RequestSuccess, RequestEvent{Executor: "slack", Action: "slack:send_message"})
	bus.Publish(RequestFailure, RequestEvent{Executor: "jira"})

	if len(got) != 1 {
		t.Fatalf("deliveries = %d, want only the subscribed name", len(got))
	}
	if got[0].Executor != "slack" {
		t.Errorf("payload = %+v", got[0])
	}
}

func TestPublishFansOut(t *testing.T) {
	bus := NewBus()

	count := 0
	for i := 0; i < 3; i++ {
		bus.Subscribe(CircuitOpened, func(payload interface{}) { count++ })
	}
	bus.Publish(CircuitOpened, CircuitEvent{Executor: "slack"})

	if count != 3 {
		t.Errorf("deliveries = %d, want 3", count)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()

	count := 0
	sub := bus.Subscribe(FallbackUsed, func(payload interface{}) { count++ })
	bus.Publish(FallbackUsed, FallbackEvent{})
	bus.Unsubscribe(sub)
	bus.Publish(FallbackUsed, FallbackEvent{})

	if count != 1 {
		t.Errorf("deliveries = %d, want 1", count)
	}
}

func TestHandlerPanicDoesNotStopOthers(t *testing.T) {
	bus := NewBus()

	delivered := false
	bus.Subscribe(WorkflowStarted, func(payload interface{}) { panic("broken consumer") })
	bus.Subscribe(WorkflowStarted, func(payload interface{}) { delivered = true })

	bus.Publish(WorkflowStarted, WorkflowEvent{WorkflowID: "wf"})

	if !delivered {
		t.Error("panic in one handler blocked the other")
	}
}

func TestSubscribeAsyncDeliversOffPublisher(t *testing.T) {
	bus := NewBus()

	var wg sync.WaitGroup
	wg.Add(1)
	bus.SubscribeAsync(StepCompleted, func(payload interface{}) {
		defer wg.Done()
	})
	bus.Publish(StepCompleted, StepEvent{StepID: "a"})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async handler never ran")
	}
}
