package events

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicAgent, 10)

	bus.Publish(AgentStatusEvent{AgentID: "agent-1", Name: "fixer", Status: "running", Timestamp: time.Now()})

	select {
	case received := <-ch:
		if received.SubjectID() != "agent-1" {
			t.Errorf("expected subject 'agent-1', got '%s'", received.SubjectID())
		}
		if received.EventType() != EventTypeAgentStatus {
			t.Errorf("expected event type '%s', got '%s'", EventTypeAgentStatus, received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch1 := bus.Subscribe(TopicTask, 10)
	ch2 := bus.Subscribe(TopicTask, 10)

	bus.Publish(TaskUpdateEvent{TaskID: "task-2", Status: "completed", Timestamp: time.Now()})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.SubjectID() != "task-2" {
				t.Errorf("subscriber %d: expected task 'task-2', got '%s'", i+1, received.SubjectID())
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("subscriber %d: timeout waiting for event", i+1)
		}
	}
}

// TestNonBlockingSend verifies that publishing doesn't block when channels
// are full, and that drops are reported.
func TestNonBlockingSend(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	var dropped atomic.Int64
	bus.OnDrop(func(Event) { dropped.Add(1) })

	ch := bus.Subscribe(TopicAgent, 1)

	done := make(chan bool)
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(AgentMessageEvent{AgentID: "a", Content: "line", Timestamp: time.Now()})
		}
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publisher blocked (expected non-blocking behavior)")
	}

	select {
	case received := <-ch:
		if received == nil {
			t.Error("received nil event")
		}
	default:
		t.Error("expected at least one event in buffer")
	}

	if got := dropped.Load(); got != 9 {
		t.Errorf("expected 9 dropped events, got %d", got)
	}
}

func TestCloseSignalsSubscribers(t *testing.T) {
	bus := NewEventBus()

	ch := bus.Subscribe(TopicTask, 10)
	all := bus.SubscribeAll(10)

	bus.Close()
	bus.Close()

	for _, c := range []<-chan Event{ch, all} {
		received := 0
		for range c {
			received++
		}
		if received != 0 {
			t.Errorf("expected 0 events after close, got %d", received)
		}
	}

	late := bus.Subscribe(TopicTask, 1)
	if _, ok := <-late; ok {
		t.Error("subscription after close should be closed")
	}
}

func TestPublishAfterClose(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TopicTask, 10)

	bus.Close()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("publishing after close caused panic: %v", r)
		}
	}()

	bus.Publish(TaskUpdateEvent{TaskID: "task-1", Timestamp: time.Now()})

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("received event after bus was closed")
		}
	default:
	}
}

func TestMultipleTopics(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	taskCh := bus.Subscribe(TopicTask, 10)
	pipelineCh := bus.Subscribe(TopicPipeline, 10)

	bus.Publish(TaskUpdateEvent{TaskID: "task-1", Status: "running", Timestamp: time.Now()})
	bus.Publish(PipelineProgressEvent{Total: 10, Completed: 5, Running: 2, Pending: 3, CurrentOrder: 1, Timestamp: time.Now()})

	select {
	case received := <-taskCh:
		if received.EventType() != EventTypeTaskUpdate {
			t.Errorf("task channel: expected task event, got %s", received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("task channel: timeout waiting for event")
	}

	select {
	case received := <-pipelineCh:
		if received.EventType() != EventTypePipelineProgress {
			t.Errorf("pipeline channel: expected progress event, got %s", received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("pipeline channel: timeout waiting for event")
	}

	select {
	case <-taskCh:
		t.Error("task channel received unexpected event")
	case <-time.After(10 * time.Millisecond):
	}

	select {
	case <-pipelineCh:
		t.Error("pipeline channel received unexpected event")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	allCh := bus.SubscribeAll(20)

	bus.Publish(AgentStatusEvent{AgentID: "a", Status: "stopped", Timestamp: time.Now()})
	bus.Publish(PipelineCompleteEvent{Total: 2, Completed: 2, Timestamp: time.Now()})
	bus.Publish(SchedulerStatusEvent{Running: false, Timestamp: time.Now()})

	receivedTypes := make(map[string]bool)
	for i := 0; i < 3; i++ {
		select {
		case received := <-allCh:
			receivedTypes[received.EventType()] = true
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for event")
		}
	}

	for _, want := range []string{EventTypeAgentStatus, EventTypePipelineComplete, EventTypeSchedulerStatus} {
		if !receivedTypes[want] {
			t.Errorf("SubscribeAll did not receive %s", want)
		}
	}

	select {
	case <-allCh:
		t.Error("received unexpected fourth event")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	keep := bus.Subscribe(TopicAgent, 10)
	drop := bus.Subscribe(TopicAgent, 10)
	all := bus.SubscribeAll(10)

	bus.Unsubscribe(drop)
	bus.Unsubscribe(all)
	bus.Unsubscribe(make(chan Event)) // unknown, ignored

	if _, ok := <-drop; ok {
		t.Error("unsubscribed channel should be closed")
	}
	if _, ok := <-all; ok {
		t.Error("unsubscribed all-topics channel should be closed")
	}

	bus.Publish(AgentStatusEvent{AgentID: "a", Timestamp: time.Now()})

	select {
	case <-keep:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("remaining subscriber did not receive event")
	}
}

func TestPipelineCompleteSuccess(t *testing.T) {
	if !(PipelineCompleteEvent{Total: 3, Completed: 3}).Success() {
		t.Error("expected success with no failures")
	}
	if (PipelineCompleteEvent{Total: 3, Completed: 2, Failed: 1}).Success() {
		t.Error("expected failure with one failed task")
	}
}
