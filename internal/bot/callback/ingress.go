// Package callback handles the worker-originated reports that drive a
// meeting through its lifecycle. After a bot reaches starting, these
// callbacks and the reaper are the only writers of meeting status.
package callback

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meetscribe/meetscribe/internal/bot/models"
	"github.com/meetscribe/meetscribe/internal/bot/store"
	apperrors "github.com/meetscribe/meetscribe/internal/common/errors"
	"github.com/meetscribe/meetscribe/internal/common/logger"
	"github.com/meetscribe/meetscribe/internal/common/retry"
	"github.com/meetscribe/meetscribe/internal/events/bus"
	v1 "github.com/meetscribe/meetscribe/pkg/api/v1"
)

// Failure reasons written from worker exit reports.
const (
	ReasonExitedDuringStartup = "exited_during_startup"
)

// Ingress applies worker callbacks to the state store. The session UID in
// each callback is both the routing key and the credential: a worker can
// only affect the meeting its UID belongs to.
type Ingress struct {
	store  store.Store
	events bus.EventBus
	logger *logger.Logger
}

// NewIngress creates the callback ingress.
func NewIngress(st store.Store, events bus.EventBus, log *logger.Logger) *Ingress {
	return &Ingress{store: st, events: events, logger: log}
}

// Started records the worker's boot: the session row is created and the
// meeting advances reserved -> starting. Reconnects of the same worker and
// rows that already moved past reserved replay it harmlessly.
func (i *Ingress) Started(ctx context.Context, sessionUID string) error {
	meeting, err := i.resolve(ctx, sessionUID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	err = retry.OnUnavailable(ctx, func() error {
		if err := i.store.UpsertSession(ctx, meeting.ID, sessionUID, now); err != nil {
			return err
		}
		return i.store.Touch(ctx, meeting.ID)
	})
	if err != nil {
		return err
	}

	if meeting.Status == v1.MeetingStatusReserved {
		err = retry.OnUnavailable(ctx, func() error {
			return i.store.AdvanceStatus(ctx, meeting.ID,
				[]v1.MeetingStatus{v1.MeetingStatusReserved}, v1.MeetingStatusStarting,
				store.StatusUpdate{StartTime: &now})
		})
		if err != nil {
			if apperrors.IsIllegalTransition(err) {
				// Lost the race with the reaper or a concurrent replay.
				return nil
			}
			return err
		}
		i.publishStatus(meeting.ID, v1.MeetingStatusStarting, nil)
	}

	i.logger.WithMeetingID(meeting.ID).Info("Worker started",
		zap.String("session_uid", sessionUID))
	return nil
}

// Joined advances starting -> active once the bot is admitted to the
// meeting. The worker may report the config it is actually running with.
func (i *Ingress) Joined(ctx context.Context, sessionUID string, cfg *v1.BotConfig) error {
	meeting, err := i.resolve(ctx, sessionUID)
	if err != nil {
		return err
	}

	err = retry.OnUnavailable(ctx, func() error {
		return i.store.AdvanceStatus(ctx, meeting.ID,
			[]v1.MeetingStatus{v1.MeetingStatusStarting}, v1.MeetingStatusActive,
			store.StatusUpdate{})
	})
	if err != nil {
		return err
	}

	if cfg != nil {
		if err := i.store.UpdateConfig(ctx, meeting.ID, *cfg); err != nil {
			i.logger.WithMeetingID(meeting.ID).Warn("Failed to persist reported config",
				zap.Error(err))
		}
	}

	i.publishStatus(meeting.ID, v1.MeetingStatusActive, nil)
	i.logger.WithMeetingID(meeting.ID).Info("Bot joined meeting")
	return nil
}

// Heartbeat keeps a live meeting out of the reaper's stale scans.
func (i *Ingress) Heartbeat(ctx context.Context, sessionUID string) error {
	meeting, err := i.resolve(ctx, sessionUID)
	if err != nil {
		return err
	}
	if meeting.Status.IsTerminal() {
		// A straggler heartbeat after the end is harmless.
		return nil
	}
	return retry.OnUnavailable(ctx, func() error {
		return i.store.Touch(ctx, meeting.ID)
	})
}

// StatusUpdate applies a worker-reported status. Workers may only announce
// the transition to stopping; every other edge belongs to a dedicated
// callback.
func (i *Ingress) StatusUpdate(ctx context.Context, sessionUID string, status v1.MeetingStatus) error {
	meeting, err := i.resolve(ctx, sessionUID)
	if err != nil {
		return err
	}

	if status != v1.MeetingStatusStopping {
		return apperrors.BadRequest(fmt.Sprintf("workers cannot report status %q", status))
	}

	err = retry.OnUnavailable(ctx, func() error {
		return i.store.AdvanceStatus(ctx, meeting.ID,
			[]v1.MeetingStatus{v1.MeetingStatusActive}, v1.MeetingStatusStopping,
			store.StatusUpdate{})
	})
	if err != nil {
		return err
	}

	i.publishStatus(meeting.ID, v1.MeetingStatusStopping, nil)
	i.logger.WithMeetingID(meeting.ID).Info("Bot stopping")
	return nil
}

// Exited finalizes the meeting from the worker's exit report. Exit code
// zero from a live meeting means completed; everything else is failed with
// the reported reason. An exit before the bot ever joined is always a
// failure. Terminal meetings absorb replays.
func (i *Ingress) Exited(ctx context.Context, sessionUID string, exitCode int, reason string) error {
	meeting, err := i.resolve(ctx, sessionUID)
	if err != nil {
		return err
	}
	if meeting.Status.IsTerminal() {
		return nil
	}
	if meeting.Status == v1.MeetingStatusReserved {
		// A worker exists, so the row should be past reserved; leave the
		// inconsistency to the reaper rather than guess.
		i.logger.WithMeetingID(meeting.ID).Warn("Exit callback for reserved meeting",
			zap.String("session_uid", sessionUID))
		return nil
	}

	to, failureReason := exitTarget(meeting.Status, exitCode, reason)
	now := time.Now().UTC()
	upd := store.StatusUpdate{EndTime: &now, FailureReason: failureReason}

	err = retry.OnUnavailable(ctx, func() error {
		return i.store.AdvanceStatus(ctx, meeting.ID,
			[]v1.MeetingStatus{meeting.Status}, to, upd)
	})
	if err != nil {
		return err
	}

	i.publishStatus(meeting.ID, to, failureReason)
	i.logger.WithMeetingID(meeting.ID).Info("Bot exited",
		zap.Int("exit_code", exitCode),
		zap.String("final_status", string(to)),
	)
	return nil
}

// exitTarget maps (current status, exit code) to the terminal status and
// failure reason.
func exitTarget(current v1.MeetingStatus, exitCode int, reason string) (v1.MeetingStatus, *string) {
	if current == v1.MeetingStatusStarting {
		r := reason
		if r == "" {
			r = ReasonExitedDuringStartup
		}
		return v1.MeetingStatusFailed, &r
	}
	if exitCode == 0 {
		return v1.MeetingStatusCompleted, nil
	}
	r := reason
	if r == "" {
		r = fmt.Sprintf("exit_code_%d", exitCode)
	}
	return v1.MeetingStatusFailed, &r
}

// resolve authenticates the callback by its session UID.
func (i *Ingress) resolve(ctx context.Context, sessionUID string) (*models.Meeting, error) {
	if sessionUID == "" {
		return nil, apperrors.Unauthorized("missing session uid")
	}
	meeting, err := i.store.GetBySessionUID(ctx, sessionUID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.Unauthorized("unknown session uid")
		}
		return nil, err
	}
	return meeting, nil
}

// publishStatus emits a best-effort status event.
func (i *Ingress) publishStatus(meetingID string, status v1.MeetingStatus, reason *string) {
	if i.events == nil {
		return
	}
	data := map[string]interface{}{
		"meeting_id": meetingID,
		"status":     string(status),
	}
	if reason != nil {
		data["failure_reason"] = *reason
	}
	event := bus.NewEvent(bus.EventTypeStatusChanged, "bot-manager", data)
	if err := i.events.Publish(context.Background(), bus.MeetingStatusSubject(meetingID), event); err != nil {
		i.logger.Warn("Failed to publish status event", zap.Error(err))
	}
}
