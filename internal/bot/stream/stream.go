package stream

import (
	"context"

	"go.uber.org/zap"

	"github.com/meetscribe/meetscribe/internal/bot/store"
	"github.com/meetscribe/meetscribe/internal/common/logger"
	"github.com/meetscribe/meetscribe/internal/events/bus"
)

// Service bridges the event bus to the websocket hub. It subscribes to all
// meeting status subjects and resolves each event's owner so the hub can
// route it.
type Service struct {
	hub    *Hub
	store  store.Store
	events bus.EventBus
	logger *logger.Logger

	sub bus.Subscription
}

// NewService creates the stream service.
func NewService(hub *Hub, st store.Store, events bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		hub:    hub,
		store:  st,
		events: events,
		logger: log.WithFields(zap.String("component", "stream")),
	}
}

// Start subscribes to meeting status events.
func (s *Service) Start() error {
	sub, err := s.events.Subscribe(bus.SubjectMeetingStatusAll, s.handleEvent)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

// Stop unsubscribes.
func (s *Service) Stop() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
}

func (s *Service) handleEvent(ctx context.Context, event *bus.Event) error {
	meetingID, _ := event.Data["meeting_id"].(string)
	if meetingID == "" {
		return nil
	}

	meeting, err := s.store.Get(ctx, meetingID)
	if err != nil {
		s.logger.Warn("Dropping event for unknown meeting",
			zap.String("meeting_id", meetingID),
			zap.Error(err))
		return nil
	}

	s.hub.Broadcast(&BroadcastMessage{
		MeetingID: meetingID,
		UserID:    meeting.UserID,
		Event:     event,
	})
	return nil
}
