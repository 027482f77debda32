package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventMissionSubmitted EventType = "mission.submitted"
	EventMissionCompleted EventType = "mission.completed"

	EventTaskStarted   EventType = "task.started"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskSkipped   EventType = "task.skipped"

	EventEscalationRaised   EventType = "escalation.raised"
	EventEscalationResolved EventType = "escalation.resolved"

	EventBackgroundStarted   EventType = "background.started"
	EventBackgroundCancelled EventType = "background.cancelled"
	EventBackgroundFinished  EventType = "background.finished"

	EventBackendCallStarted   EventType = "backend.call.started"
	EventBackendCallCompleted EventType = "backend.call.completed"

	EventScheduleFired EventType = "schedule.fired"

	EventChannelPosted EventType = "channel.posted"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	MissionID string          `json:"mission_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
