package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	Topic() string
	// SubjectID is the agent or task the event is about; empty for
	// pipeline-wide events.
	SubjectID() string
}

// Topic constants
const (
	TopicAgent     = "agent"
	TopicTask      = "task"
	TopicPipeline  = "pipeline"
	TopicScheduler = "scheduler"
)

// Event type constants
const (
	EventTypeAgentMessage     = "agent.message"
	EventTypeAgentStatus      = "agent.status"
	EventTypeTaskUpdate       = "task.update"
	EventTypePipelineProgress = "pipeline.progress"
	EventTypePipelineComplete = "pipeline.complete"
	EventTypeSchedulerStatus  = "scheduler.status"
)

// AgentMessageEvent relays one transcript entry or unparsed output line.
// Raw-only events (non-JSON stdout) have an empty Role.
type AgentMessageEvent struct {
	AgentID   string
	Role      string
	Content   string
	Raw       string
	Timestamp time.Time
}

func (e AgentMessageEvent) EventType() string { return EventTypeAgentMessage }
func (e AgentMessageEvent) Topic() string     { return TopicAgent }
func (e AgentMessageEvent) SubjectID() string { return e.AgentID }

// AgentStatusEvent is published on every agent status change.
type AgentStatusEvent struct {
	AgentID   string
	Name      string
	Status    string
	Timestamp time.Time
}

func (e AgentStatusEvent) EventType() string { return EventTypeAgentStatus }
func (e AgentStatusEvent) Topic() string     { return TopicAgent }
func (e AgentStatusEvent) SubjectID() string { return e.AgentID }

// TaskUpdateEvent is published when a pipeline task is created, changes
// state, or is removed.
type TaskUpdateEvent struct {
	TaskID    string
	Name      string
	Order     int
	Status    string
	AgentID   string
	Error     string
	Deleted   bool
	Timestamp time.Time
}

func (e TaskUpdateEvent) EventType() string { return EventTypeTaskUpdate }
func (e TaskUpdateEvent) Topic() string     { return TopicTask }
func (e TaskUpdateEvent) SubjectID() string { return e.TaskID }

// PipelineProgressEvent summarizes task counts after each scheduler tick.
type PipelineProgressEvent struct {
	Total     int
	Pending   int
	Running   int
	Completed int
	Failed    int

	// CurrentOrder is the lowest stage with unfinished work, -1 if none.
	CurrentOrder int
	Blocked      bool
	Timestamp    time.Time
}

func (e PipelineProgressEvent) EventType() string { return EventTypePipelineProgress }
func (e PipelineProgressEvent) Topic() string     { return TopicPipeline }
func (e PipelineProgressEvent) SubjectID() string { return "" }

// PipelineCompleteEvent is published once when every task has finished.
type PipelineCompleteEvent struct {
	Total     int
	Completed int
	Failed    int
	Timestamp time.Time
}

func (e PipelineCompleteEvent) EventType() string { return EventTypePipelineComplete }
func (e PipelineCompleteEvent) Topic() string     { return TopicPipeline }
func (e PipelineCompleteEvent) SubjectID() string { return "" }

// Success reports whether no task failed.
func (e PipelineCompleteEvent) Success() bool { return e.Failed == 0 }

// SchedulerStatusEvent is published when the scheduler is armed or disarmed.
type SchedulerStatusEvent struct {
	Running   bool
	Timestamp time.Time
}

func (e SchedulerStatusEvent) EventType() string { return EventTypeSchedulerStatus }
func (e SchedulerStatusEvent) Topic() string     { return TopicScheduler }
func (e SchedulerStatusEvent) SubjectID() string { return "" }
