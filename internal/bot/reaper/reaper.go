// Package reaper sweeps meetings that stopped making progress: lost
// workers, bots that never joined, shutdowns that never finished. It is the
// only component besides the callback ingress that finalizes meetings.
package reaper

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meetscribe/meetscribe/internal/bot/models"
	"github.com/meetscribe/meetscribe/internal/bot/orchestrator"
	"github.com/meetscribe/meetscribe/internal/bot/store"
	"github.com/meetscribe/meetscribe/internal/common/config"
	apperrors "github.com/meetscribe/meetscribe/internal/common/errors"
	"github.com/meetscribe/meetscribe/internal/common/logger"
	"github.com/meetscribe/meetscribe/internal/events/bus"
	v1 "github.com/meetscribe/meetscribe/pkg/api/v1"
)

// Failure reasons written by the reaper, per stale status.
const (
	ReasonStartupTimeout  = "startup_timeout"
	ReasonJoinTimeout     = "join_timeout"
	ReasonHeartbeatLost   = "heartbeat_lost"
	ReasonShutdownTimeout = "shutdown_timeout"
)

// Reaper periodically scans for stale meetings and fails them.
type Reaper struct {
	store     store.Store
	orch      orchestrator.Orchestrator
	events    bus.EventBus
	config    config.ReaperConfig
	stopGrace time.Duration
	logger    *logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a reaper. stopGrace bounds the container stop issued for
// reaped meetings.
func New(st store.Store, orch orchestrator.Orchestrator, events bus.EventBus, cfg config.ReaperConfig, stopGrace time.Duration, log *logger.Logger) *Reaper {
	return &Reaper{
		store:     st,
		orch:      orch,
		events:    events,
		config:    cfg,
		stopGrace: stopGrace,
		logger:    log,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (r *Reaper) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.config.TickDuration())
		defer ticker.Stop()

		r.logger.Info("Reaper started",
			zap.Duration("tick", r.config.TickDuration()))

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), r.config.TickDuration())
				r.RunOnce(ctx)
				cancel()
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the loop and waits for an in-flight sweep.
func (r *Reaper) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	r.logger.Info("Reaper stopped")
}

// RunOnce performs a single sweep. Errors on individual meetings are logged
// and skipped so one bad row cannot stall the rest.
func (r *Reaper) RunOnce(ctx context.Context) {
	stale, err := r.store.ScanStale(ctx, time.Now().UTC(), store.Thresholds{
		ReserveStale:   r.config.ReserveStaleDuration(),
		StartingStale:  r.config.StartingStaleDuration(),
		HeartbeatStale: r.config.HeartbeatStaleDuration(),
		StoppingStale:  r.config.StoppingStaleDuration(),
	})
	if err != nil {
		r.logger.Error("Stale scan failed", zap.Error(err))
		return
	}

	for _, meeting := range stale {
		err := r.reap(ctx, meeting)
		if err == nil {
			continue
		}
		if apperrors.IsIllegalTransition(err) {
			// A worker callback moved the meeting between the scan and the
			// CAS; it is making progress and stays alive.
			r.logger.WithMeetingID(meeting.ID).Debug("Skipping meeting that progressed during sweep",
				zap.String("was", string(meeting.Status)))
			continue
		}
		r.logger.WithMeetingID(meeting.ID).Error("Failed to reap meeting",
			zap.String("status", string(meeting.Status)),
			zap.Error(err),
		)
	}
}

// reap finalizes one stale meeting. The compare-and-set on the observed
// status makes a concurrent callback win: if the worker reported progress
// between the scan and here, the transition fails and the meeting survives.
func (r *Reaper) reap(ctx context.Context, meeting *models.Meeting) error {
	reason := staleReason(meeting.Status)
	now := time.Now().UTC()

	err := r.store.AdvanceStatus(ctx, meeting.ID,
		[]v1.MeetingStatus{meeting.Status}, v1.MeetingStatusFailed,
		store.StatusUpdate{EndTime: &now, FailureReason: &reason})
	if err != nil {
		return err
	}

	r.publishStatus(meeting.ID, reason)
	r.logger.WithMeetingID(meeting.ID).Warn("Reaped stale meeting",
		zap.String("was", string(meeting.Status)),
		zap.String("reason", reason),
	)

	// Best effort: a container may still be running for this meeting.
	if meeting.BotContainerID != nil {
		if err := r.orch.Stop(ctx, *meeting.BotContainerID, r.stopGrace); err != nil {
			r.logger.WithMeetingID(meeting.ID).Warn("Failed to stop reaped container",
				zap.String("container_id", *meeting.BotContainerID),
				zap.Error(err),
			)
		}
	}
	return nil
}

func staleReason(status v1.MeetingStatus) string {
	switch status {
	case v1.MeetingStatusReserved:
		return ReasonStartupTimeout
	case v1.MeetingStatusStarting:
		return ReasonJoinTimeout
	case v1.MeetingStatusActive:
		return ReasonHeartbeatLost
	case v1.MeetingStatusStopping:
		return ReasonShutdownTimeout
	}
	return "stale"
}

func (r *Reaper) publishStatus(meetingID, reason string) {
	if r.events == nil {
		return
	}
	event := bus.NewEvent(bus.EventTypeStatusChanged, "bot-manager", map[string]interface{}{
		"meeting_id":     meetingID,
		"status":         string(v1.MeetingStatusFailed),
		"failure_reason": reason,
	})
	if err := r.events.Publish(context.Background(), bus.MeetingStatusSubject(meetingID), event); err != nil {
		r.logger.Warn("Failed to publish status event", zap.Error(err))
	}
}
