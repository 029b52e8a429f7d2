package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetscribe/meetscribe/internal/bot/models"
	"github.com/meetscribe/meetscribe/internal/bot/orchestrator"
	"github.com/meetscribe/meetscribe/internal/bot/store"
	"github.com/meetscribe/meetscribe/internal/common/config"
	apperrors "github.com/meetscribe/meetscribe/internal/common/errors"
	"github.com/meetscribe/meetscribe/internal/common/logger"
	"github.com/meetscribe/meetscribe/internal/events/bus"
	v1 "github.com/meetscribe/meetscribe/pkg/api/v1"
)

var testCfg = config.ReaperConfig{
	Tick:           60,
	ReserveStale:   300,
	StartingStale:  600,
	HeartbeatStale: 120,
	StoppingStale:  300,
}

func newReaper(t *testing.T) (*Reaper, *store.MemoryStore, *orchestrator.FakeOrchestrator) {
	t.Helper()
	st := store.NewMemoryStore()
	err := st.UpsertUser(context.Background(), &models.User{ID: "user-1", MaxConcurrentBots: 10})
	require.NoError(t, err)

	log := logger.Default()
	orch := orchestrator.NewFakeOrchestrator()
	r := New(st, orch, bus.NewMemoryEventBus(log), testCfg, 30*time.Second, log)
	return r, st, orch
}

// seed creates a meeting at the given status, optionally with a container,
// and rewinds its updated_at by age.
func seed(t *testing.T, st *store.MemoryStore, native string, status v1.MeetingStatus, container string, age time.Duration) *models.Meeting {
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
	if container != "" {
		require.NoError(t, st.SetContainer(ctx, m.ID, container))
	}
	st.SetUpdatedAt(m.ID, time.Now().UTC().Add(-age))
	m.Status = status
	return m
}

func TestRunOnceReapsPerStatus(t *testing.T) {
	cases := []struct {
		name       string
		status     v1.MeetingStatus
		age        time.Duration
		wantReason string
	}{
		{"stale reservation", v1.MeetingStatusReserved, 6 * time.Minute, ReasonStartupTimeout},
		{"bot never joined", v1.MeetingStatusStarting, 11 * time.Minute, ReasonJoinTimeout},
		{"heartbeat lost", v1.MeetingStatusActive, 3 * time.Minute, ReasonHeartbeatLost},
		{"shutdown stuck", v1.MeetingStatusStopping, 6 * time.Minute, ReasonShutdownTimeout},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, st, orch := newReaper(t)
			m := seed(t, st, "abc", tc.status, "ctr-1", tc.age)

			r.RunOnce(context.Background())

			got, err := st.Get(context.Background(), m.ID)
			require.NoError(t, err)
			assert.Equal(t, v1.MeetingStatusFailed, got.Status)
			require.NotNil(t, got.FailureReason)
			assert.Equal(t, tc.wantReason, *got.FailureReason)
			assert.NotNil(t, got.EndTime)
			assert.Equal(t, []string{"ctr-1"}, orch.Stopped())
		})
	}
}

func TestRunOnceLeavesFreshMeetings(t *testing.T) {
	r, st, orch := newReaper(t)
	m := seed(t, st, "abc", v1.MeetingStatusActive, "ctr-1", time.Minute)

	r.RunOnce(context.Background())

	got, err := st.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.MeetingStatusActive, got.Status)
	assert.Empty(t, orch.Stopped())
}

func TestRunOnceNoContainer(t *testing.T) {
	r, st, orch := newReaper(t)
	m := seed(t, st, "abc", v1.MeetingStatusReserved, "", 6*time.Minute)

	r.RunOnce(context.Background())

	got, err := st.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.MeetingStatusFailed, got.Status)
	assert.Empty(t, orch.Stopped())
}

func TestReapLosesToConcurrentCallback(t *testing.T) {
	r, st, _ := newReaper(t)
	m := seed(t, st, "abc", v1.MeetingStatusActive, "", 3*time.Minute)

	// The worker reports stopping between the scan and the reap.
	stale := *m
	require.NoError(t, st.AdvanceStatus(context.Background(), m.ID,
		[]v1.MeetingStatus{v1.MeetingStatusActive}, v1.MeetingStatusStopping, store.StatusUpdate{}))

	err := r.reap(context.Background(), &stale)
	require.Error(t, err)
	assert.True(t, apperrors.IsIllegalTransition(err))

	got, err := st.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.MeetingStatusStopping, got.Status)
}

// racingStore advances a meeting right after the stale scan returns,
// simulating a worker callback landing between the scan and the reap.
type racingStore struct {
	store.Store
	advance func()
}

func (s *racingStore) ScanStale(ctx context.Context, now time.Time, th store.Thresholds) ([]*models.Meeting, error) {
	stale, err := s.Store.ScanStale(ctx, now, th)
	s.advance()
	return stale, err
}

func TestRunOnceSkipsMeetingThatProgressed(t *testing.T) {
	r, st, orch := newReaper(t)
	racer := seed(t, st, "abc", v1.MeetingStatusActive, "ctr-1", 3*time.Minute)
	stuck := seed(t, st, "def", v1.MeetingStatusActive, "ctr-2", 3*time.Minute)

	r.store = &racingStore{Store: st, advance: func() {
		_ = st.AdvanceStatus(context.Background(), racer.ID,
			[]v1.MeetingStatus{v1.MeetingStatusActive}, v1.MeetingStatusStopping, store.StatusUpdate{})
	}}

	r.RunOnce(context.Background())

	// The meeting that progressed survives and keeps its container; the
	// genuinely stuck one is still reaped.
	got, err := st.Get(context.Background(), racer.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.MeetingStatusStopping, got.Status)

	got, err = st.Get(context.Background(), stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.MeetingStatusFailed, got.Status)
	assert.Equal(t, []string{"ctr-2"}, orch.Stopped())
}

func TestStartStop(t *testing.T) {
	r, _, _ := newReaper(t)
	r.Start()
	r.Stop()
}
