package callback

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetscribe/meetscribe/internal/bot/models"
	"github.com/meetscribe/meetscribe/internal/bot/store"
	apperrors "github.com/meetscribe/meetscribe/internal/common/errors"
	"github.com/meetscribe/meetscribe/internal/common/logger"
	"github.com/meetscribe/meetscribe/internal/events/bus"
	v1 "github.com/meetscribe/meetscribe/pkg/api/v1"
)

func newIngress(t *testing.T) (*Ingress, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	err := st.UpsertUser(context.Background(), &models.User{ID: "user-1", MaxConcurrentBots: 5})
	require.NoError(t, err)
	log := logger.Default()
	return NewIngress(st, bus.NewMemoryEventBus(log), log), st
}

// reserveAt creates a meeting and advances it to the given status.
func reserveAt(t *testing.T, st *store.MemoryStore, native string, status v1.MeetingStatus) *models.Meeting {
	t.Helper()
	ctx := context.Background()

	m, err := st.Reserve(ctx, store.ReserveRequest{
		UserID: "user-1", Platform: v1.PlatformGoogleMeet, NativeMeetingID: native,
	})
	require.NoError(t, err)

	path := map[v1.MeetingStatus][]v1.MeetingStatus{
		v1.MeetingStatusReserved: {},
		v1.MeetingStatusStarting: {v1.MeetingStatusStarting},
		v1.MeetingStatusActive:   {v1.MeetingStatusStarting, v1.MeetingStatusActive},
		v1.MeetingStatusStopping: {v1.MeetingStatusStarting, v1.MeetingStatusActive, v1.MeetingStatusStopping},
	}
	current := v1.MeetingStatusReserved
	for _, next := range path[status] {
		require.NoError(t, st.AdvanceStatus(ctx, m.ID,
			[]v1.MeetingStatus{current}, next, store.StatusUpdate{}))
		current = next
	}
	m.Status = status
	return m
}

func TestStarted(t *testing.T) {
	ing, st := newIngress(t)
	m := reserveAt(t, st, "abc", v1.MeetingStatusReserved)
	ctx := context.Background()

	require.NoError(t, ing.Started(ctx, m.SessionUID))
	assert.Equal(t, 1, st.SessionCount(m.ID))

	got, err := st.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.MeetingStatusStarting, got.Status)
	assert.NotNil(t, got.StartTime)

	// A reconnect replays the callback.
	require.NoError(t, ing.Started(ctx, m.SessionUID))
	assert.Equal(t, 1, st.SessionCount(m.ID))
	got, err = st.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.MeetingStatusStarting, got.Status)
}

func TestStartedAfterJoin(t *testing.T) {
	ing, st := newIngress(t)
	m := reserveAt(t, st, "abc", v1.MeetingStatusActive)
	ctx := context.Background()

	// A late replay of started does not regress an active meeting.
	require.NoError(t, ing.Started(ctx, m.SessionUID))

	got, err := st.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.MeetingStatusActive, got.Status)
}

func TestJoined(t *testing.T) {
	ing, st := newIngress(t)
	m := reserveAt(t, st, "abc", v1.MeetingStatusStarting)
	ctx := context.Background()

	lang := "en"
	require.NoError(t, ing.Joined(ctx, m.SessionUID,
		&v1.BotConfig{Language: &lang, Task: v1.TaskTranscribe, BotName: "Scribe"}))

	got, err := st.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.MeetingStatusActive, got.Status)
	require.NotNil(t, got.Config.Language)
	assert.Equal(t, "en", *got.Config.Language)

	// Replay is idempotent.
	assert.NoError(t, ing.Joined(ctx, m.SessionUID, nil))
}

func TestJoinedFromWrongState(t *testing.T) {
	ing, st := newIngress(t)
	m := reserveAt(t, st, "abc", v1.MeetingStatusReserved)

	err := ing.Joined(context.Background(), m.SessionUID, nil)
	assert.True(t, apperrors.IsIllegalTransition(err))
}

func TestHeartbeat(t *testing.T) {
	ing, st := newIngress(t)
	m := reserveAt(t, st, "abc", v1.MeetingStatusActive)
	ctx := context.Background()

	st.SetUpdatedAt(m.ID, time.Now().UTC().Add(-10*time.Minute))
	require.NoError(t, ing.Heartbeat(ctx, m.SessionUID))

	found, err := st.ScanStale(ctx, time.Now().UTC(), store.Thresholds{
		ReserveStale: 5 * time.Minute, StartingStale: 10 * time.Minute,
		HeartbeatStale: 2 * time.Minute, StoppingStale: 5 * time.Minute,
	})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestStatusUpdateStopping(t *testing.T) {
	ing, st := newIngress(t)
	m := reserveAt(t, st, "abc", v1.MeetingStatusActive)
	ctx := context.Background()

	require.NoError(t, ing.StatusUpdate(ctx, m.SessionUID, v1.MeetingStatusStopping))

	got, err := st.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.MeetingStatusStopping, got.Status)
}

func TestStatusUpdateRejectsOtherStatuses(t *testing.T) {
	ing, st := newIngress(t)
	m := reserveAt(t, st, "abc", v1.MeetingStatusActive)
	ctx := context.Background()

	for _, status := range []v1.MeetingStatus{
		v1.MeetingStatusActive,
		v1.MeetingStatusCompleted,
		v1.MeetingStatusFailed,
		v1.MeetingStatusReserved,
	} {
		err := ing.StatusUpdate(ctx, m.SessionUID, status)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeBadRequest), "status %s", status)
	}
}

func TestExited(t *testing.T) {
	cases := []struct {
		name       string
		from       v1.MeetingStatus
		exitCode   int
		reason     string
		wantStatus v1.MeetingStatus
		wantReason string
	}{
		{"clean exit from stopping", v1.MeetingStatusStopping, 0, "", v1.MeetingStatusCompleted, ""},
		{"clean exit from active", v1.MeetingStatusActive, 0, "", v1.MeetingStatusCompleted, ""},
		{"crash from active", v1.MeetingStatusActive, 137, "", v1.MeetingStatusFailed, "exit_code_137"},
		{"crash with reason", v1.MeetingStatusStopping, 1, "evicted", v1.MeetingStatusFailed, "evicted"},
		{"exit before join", v1.MeetingStatusStarting, 0, "", v1.MeetingStatusFailed, ReasonExitedDuringStartup},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ing, st := newIngress(t)
			m := reserveAt(t, st, "abc", tc.from)
			ctx := context.Background()

			require.NoError(t, ing.Exited(ctx, m.SessionUID, tc.exitCode, tc.reason))

			got, err := st.Get(ctx, m.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.wantStatus, got.Status)
			assert.NotNil(t, got.EndTime)
			if tc.wantReason != "" {
				require.NotNil(t, got.FailureReason)
				assert.Equal(t, tc.wantReason, *got.FailureReason)
			} else {
				assert.Nil(t, got.FailureReason)
			}

			// Replay after the terminal state is absorbed.
			assert.NoError(t, ing.Exited(ctx, m.SessionUID, tc.exitCode, tc.reason))
		})
	}
}

func TestExitedFromReservedIsIgnored(t *testing.T) {
	ing, st := newIngress(t)
	m := reserveAt(t, st, "abc", v1.MeetingStatusReserved)
	ctx := context.Background()

	require.NoError(t, ing.Exited(ctx, m.SessionUID, 1, "weird"))

	got, err := st.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.MeetingStatusReserved, got.Status)
}

func TestUnknownSessionUID(t *testing.T) {
	ing, _ := newIngress(t)
	ctx := context.Background()

	for name, call := range map[string]func() error{
		"started":   func() error { return ing.Started(ctx, "bogus") },
		"joined":    func() error { return ing.Joined(ctx, "bogus", nil) },
		"heartbeat": func() error { return ing.Heartbeat(ctx, "bogus") },
		"status":    func() error { return ing.StatusUpdate(ctx, "bogus", v1.MeetingStatusStopping) },
		"exited":    func() error { return ing.Exited(ctx, "bogus", 0, "") },
		"empty":     func() error { return ing.Started(ctx, "") },
	} {
		err := call()
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUnauthorized), "callback %s: %v", name, err)
	}
}
