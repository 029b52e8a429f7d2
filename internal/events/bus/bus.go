// Package bus provides the event bus carrying meeting lifecycle events to
// in-process consumers such as the websocket stream.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects and event types for meeting lifecycle notifications.
const (
	// SubjectMeetingStatusPrefix is completed per meeting:
	// meeting.status.<meeting_id>.
	SubjectMeetingStatusPrefix = "meeting.status."

	// SubjectMeetingStatusAll subscribes to every meeting's status events.
	SubjectMeetingStatusAll = "meeting.status.>"

	EventTypeStatusChanged = "meeting.status_changed"
)

// MeetingStatusSubject returns the subject for one meeting's status events.
func MeetingStatusSubject(meetingID string) string {
	return SubjectMeetingStatusPrefix + meetingID
}

// Event is the envelope for a message on the event bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates an event with a fresh UUID and the current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler handles a delivered event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus publishes and delivers lifecycle events. Delivery is best
// effort: the store row is the source of truth, events only notify.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern. NATS-style
	// wildcards are supported.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
