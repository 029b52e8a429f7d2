// Package lifecycle implements the coordinator that drives a bot from
// reservation to a running container. The coordinator owns the reserved
// state only: the sole status transitions it writes are reserved -> failed
// compensations. Everything else comes from worker callbacks or the reaper.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meetscribe/meetscribe/internal/bot/admission"
	"github.com/meetscribe/meetscribe/internal/bot/command"
	"github.com/meetscribe/meetscribe/internal/bot/models"
	"github.com/meetscribe/meetscribe/internal/bot/orchestrator"
	"github.com/meetscribe/meetscribe/internal/bot/store"
	"github.com/meetscribe/meetscribe/internal/common/config"
	apperrors "github.com/meetscribe/meetscribe/internal/common/errors"
	"github.com/meetscribe/meetscribe/internal/common/logger"
	"github.com/meetscribe/meetscribe/internal/common/retry"
	"github.com/meetscribe/meetscribe/internal/events/bus"
	v1 "github.com/meetscribe/meetscribe/pkg/api/v1"
)

// Failure reasons written by the coordinator.
const (
	ReasonOrchestratorCreate = "orchestrator_create"
	ReasonOrchestratorStart  = "orchestrator_start"
	ReasonStartTimeout       = "start_timeout"
	ReasonStartAborted       = "start_aborted"
	ReasonStoppedBeforeStart = "stopped_before_start"
)

// Coordinator sequences admission, container launch and teardown.
type Coordinator struct {
	admission *admission.Controller
	store     store.Store
	orch      orchestrator.Orchestrator
	commands  command.Bus
	events    bus.EventBus
	config    config.LifecycleConfig
	logger    *logger.Logger

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewCoordinator creates a coordinator.
func NewCoordinator(
	adm *admission.Controller,
	st store.Store,
	orch orchestrator.Orchestrator,
	commands command.Bus,
	events bus.EventBus,
	cfg config.LifecycleConfig,
	log *logger.Logger,
) *Coordinator {
	return &Coordinator{
		admission: adm,
		store:     st,
		orch:      orch,
		commands:  commands,
		events:    events,
		config:    cfg,
		logger:    log,
		stopCh:    make(chan struct{}),
	}
}

// StartBot reserves a slot and launches the worker container. The container
// id is persisted on the reservation between create and start, so by the
// time any worker code can call back the row already names its container.
// The meeting is returned still reserved: the worker's started callback
// advances it. On any failure after the reservation the meeting is
// compensated to failed and the container, if created, is removed.
func (c *Coordinator) StartBot(ctx context.Context, userID string, platform v1.Platform, nativeMeetingID string, cfg v1.BotConfig) (*models.Meeting, error) {
	meeting, err := c.admission.Admit(ctx, userID, platform, nativeMeetingID, cfg)
	if err != nil {
		return nil, err
	}

	log := c.logger.WithMeetingID(meeting.ID)

	launchCtx, cancel := context.WithTimeout(ctx, c.config.StartRPCTimeoutDuration())
	defer cancel()

	containerID, err := c.orch.Create(launchCtx, orchestrator.LaunchSpec{
		MeetingID:       meeting.ID,
		SessionUID:      meeting.SessionUID,
		Platform:        meeting.Platform,
		NativeMeetingID: meeting.NativeMeetingID,
		MeetingURL:      meeting.MeetingURL,
		Config:          meeting.Config,
	})
	if err != nil {
		reason := ReasonOrchestratorCreate
		if launchCtx.Err() != nil {
			reason = ReasonStartTimeout
		}
		c.compensate(meeting, "", reason, log)
		return nil, err
	}

	if err := c.recordContainer(launchCtx, meeting.ID, containerID); err != nil {
		reason := ReasonStartAborted
		if launchCtx.Err() != nil {
			reason = ReasonStartTimeout
		}
		c.compensate(meeting, containerID, reason, log)
		return nil, err
	}
	meeting.BotContainerID = &containerID

	if err := c.orch.Start(launchCtx, containerID); err != nil {
		reason := ReasonOrchestratorStart
		if launchCtx.Err() != nil {
			reason = ReasonStartTimeout
		}
		c.compensate(meeting, containerID, reason, log)
		return nil, err
	}

	log.Info("Bot launched",
		zap.String("container_id", containerID),
		zap.String("session_uid", meeting.SessionUID),
	)
	return meeting, nil
}

// recordContainer persists the container id on the reservation, retrying
// transient store failures. Status stays reserved: only the worker's
// callbacks or the reaper move it from there.
func (c *Coordinator) recordContainer(ctx context.Context, meetingID, containerID string) error {
	return retry.OnUnavailable(ctx, func() error {
		return c.store.SetContainer(ctx, meetingID, containerID)
	})
}

// compensate moves a reservation to failed and removes the container if one
// was created. Runs detached from the request context so cancellation does
// not leak the slot.
func (c *Coordinator) compensate(meeting *models.Meeting, containerID, reason string, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if containerID != "" {
		if err := c.orch.Stop(ctx, containerID, 0); err != nil {
			log.Warn("Failed to remove container during compensation", zap.Error(err))
		}
	}

	now := time.Now().UTC()
	err := retry.OnUnavailable(ctx, func() error {
		return c.store.AdvanceStatus(ctx, meeting.ID,
			[]v1.MeetingStatus{v1.MeetingStatusReserved}, v1.MeetingStatusFailed,
			store.StatusUpdate{EndTime: &now, FailureReason: &reason})
	})
	if err != nil {
		// The reaper will collect the stale reservation.
		log.Error("Failed to compensate reservation", zap.Error(err))
		return
	}
	c.publishStatus(meeting.ID, v1.MeetingStatusFailed, &reason)
	log.Info("Reservation compensated", zap.String("reason", reason))
}

// StopBot requests a graceful shutdown of the bot for (user, platform,
// native meeting id). The worker's own exit callback completes the meeting;
// a delayed container stop runs as backup in case the worker ignores the
// command. Stopping a meeting that is already terminal is not an error.
func (c *Coordinator) StopBot(ctx context.Context, userID string, platform v1.Platform, nativeMeetingID string) (*models.Meeting, error) {
	meeting, err := c.findOwned(ctx, userID, platform, nativeMeetingID)
	if err != nil {
		return nil, err
	}

	log := c.logger.WithMeetingID(meeting.ID)

	if meeting.Status == v1.MeetingStatusReserved {
		// No container exists yet; fail the reservation directly.
		reason := ReasonStoppedBeforeStart
		now := time.Now().UTC()
		err := retry.OnUnavailable(ctx, func() error {
			return c.store.AdvanceStatus(ctx, meeting.ID,
				[]v1.MeetingStatus{v1.MeetingStatusReserved}, v1.MeetingStatusFailed,
				store.StatusUpdate{EndTime: &now, FailureReason: &reason})
		})
		if err != nil {
			return nil, err
		}
		c.publishStatus(meeting.ID, v1.MeetingStatusFailed, &reason)
		meeting.Status = v1.MeetingStatusFailed
		return meeting, nil
	}

	if err := c.commands.Send(ctx, meeting.SessionUID, command.Leave()); err != nil {
		log.Warn("Failed to send leave command, relying on delayed stop", zap.Error(err))
	} else {
		log.Info("Leave command sent", zap.String("session_uid", meeting.SessionUID))
	}

	if meeting.BotContainerID != nil {
		c.scheduleDelayedStop(meeting.ID, *meeting.BotContainerID)
	}
	return meeting, nil
}

// scheduleDelayedStop waits for the worker to exit on its own and
// force-stops the container if it is still running past the grace window.
// Runs detached from the request; shutdown aborts the wait.
func (c *Coordinator) scheduleDelayedStop(meetingID, containerID string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		waitCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-c.stopCh:
				cancel()
			case <-waitCtx.Done():
			}
		}()

		_, err := c.orch.WaitExit(waitCtx, containerID, c.config.DelayedStopAfterDuration())
		if apperrors.IsNotFound(err) || waitCtx.Err() != nil {
			// Container already gone, or the manager is shutting down.
			return
		}
		// err == nil: the worker left by itself and only the dead container
		// needs removing. Otherwise it outlived the window; force-stop it.

		ctx, stopCancel := context.WithTimeout(context.Background(), c.config.StopGraceDuration()+10*time.Second)
		defer stopCancel()

		c.logger.WithMeetingID(meetingID).Info("Delayed container stop",
			zap.String("container_id", containerID))
		if err := c.orch.Stop(ctx, containerID, c.config.StopGraceDuration()); err != nil {
			c.logger.WithMeetingID(meetingID).Warn("Delayed container stop failed",
				zap.Error(err))
		}
	}()
}

// ReconfigureBot sends new transcription options to a live worker and
// persists them. Only meetings in starting or active accept reconfiguration.
func (c *Coordinator) ReconfigureBot(ctx context.Context, userID string, platform v1.Platform, nativeMeetingID string, cfg v1.BotConfig) (*models.Meeting, error) {
	meeting, err := c.findOwned(ctx, userID, platform, nativeMeetingID)
	if err != nil {
		return nil, err
	}

	if meeting.Status != v1.MeetingStatusStarting && meeting.Status != v1.MeetingStatusActive {
		return nil, apperrors.IllegalState("bot is not running, cannot reconfigure")
	}

	// The request is a partial patch: fields it omits keep their stored
	// values.
	merged := meeting.Config
	if cfg.Task != "" {
		merged.Task = cfg.Task
	}
	if cfg.Language != nil {
		merged.Language = cfg.Language
	}

	normalized, err := admission.NormalizeConfig(merged)
	if err != nil {
		return nil, err
	}
	// Reconfiguration never renames the bot mid-meeting.
	normalized.BotName = meeting.Config.BotName

	if err := c.commands.Send(ctx, meeting.SessionUID, command.Reconfigure(normalized)); err != nil {
		return nil, err
	}

	err = retry.OnUnavailable(ctx, func() error {
		return c.store.UpdateConfig(ctx, meeting.ID, normalized)
	})
	if err != nil {
		return nil, err
	}

	c.logger.WithMeetingID(meeting.ID).Info("Bot reconfigured",
		zap.String("task", normalized.Task))
	meeting.Config = normalized
	return meeting, nil
}

// GetMeeting returns a meeting the user owns.
func (c *Coordinator) GetMeeting(ctx context.Context, userID, meetingID string) (*models.Meeting, error) {
	meeting, err := c.store.Get(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if meeting.UserID != userID {
		// Do not reveal other users' meeting ids.
		return nil, apperrors.NotFound("meeting", meetingID)
	}
	return meeting, nil
}

// ListMeetings returns the user's meetings, newest first.
func (c *Coordinator) ListMeetings(ctx context.Context, userID string, status v1.MeetingStatus) ([]*models.Meeting, error) {
	return c.store.List(ctx, store.ListFilter{UserID: userID, Status: status})
}

// BotStatus joins the orchestrator's managed containers with their meeting
// rows for the user.
func (c *Coordinator) BotStatus(ctx context.Context, userID string) ([]v1.RunningBot, error) {
	containers, err := c.orch.ListManaged(ctx)
	if err != nil {
		return nil, err
	}

	bots := make([]v1.RunningBot, 0, len(containers))
	for _, ctr := range containers {
		if ctr.MeetingID == "" {
			continue
		}
		meeting, err := c.store.Get(ctx, ctr.MeetingID)
		if err != nil || meeting.UserID != userID {
			continue
		}
		bots = append(bots, v1.RunningBot{
			MeetingID:       meeting.ID,
			Platform:        meeting.Platform,
			NativeMeetingID: meeting.NativeMeetingID,
			Status:          meeting.Status,
			ContainerID:     ctr.ContainerID,
			Running:         ctr.Running,
		})
	}
	return bots, nil
}

// findOwned resolves the newest non-terminal meeting for the triple.
func (c *Coordinator) findOwned(ctx context.Context, userID string, platform v1.Platform, nativeMeetingID string) (*models.Meeting, error) {
	if userID == "" {
		return nil, apperrors.Unauthorized("missing user identity")
	}
	if !platform.Valid() {
		return nil, apperrors.ValidationError("platform", "unsupported platform")
	}
	return c.store.FindNonTerminal(ctx, userID, platform, nativeMeetingID)
}

// publishStatus emits a best-effort status event.
func (c *Coordinator) publishStatus(meetingID string, status v1.MeetingStatus, reason *string) {
	if c.events == nil {
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
	if err := c.events.Publish(context.Background(), bus.MeetingStatusSubject(meetingID), event); err != nil {
		c.logger.Warn("Failed to publish status event", zap.Error(err))
	}
}

// Shutdown waits for in-flight delayed stops to finish or aborts them when
// the context expires.
func (c *Coordinator) Shutdown(ctx context.Context) {
	close(c.stopCh)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
