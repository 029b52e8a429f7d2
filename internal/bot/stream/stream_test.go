package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetscribe/meetscribe/internal/bot/models"
	"github.com/meetscribe/meetscribe/internal/bot/store"
	"github.com/meetscribe/meetscribe/internal/common/logger"
	"github.com/meetscribe/meetscribe/internal/events/bus"
	v1 "github.com/meetscribe/meetscribe/pkg/api/v1"
)

func runHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(logger.Default())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub
}

func recvEvent(t *testing.T, c *Client) *bus.Event {
	t.Helper()
	select {
	case data := <-c.send:
		var ev bus.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		return &ev
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return nil
	}
}

func TestHubRoutesToMeetingFollower(t *testing.T) {
	hub := runHub(t)

	follower := NewClient("c1", "user-1", "m1", nil, hub, logger.Default())
	other := NewClient("c2", "user-1", "m2", nil, hub, logger.Default())
	hub.Register(follower)
	hub.Register(other)

	require.Eventually(t, func() bool { return hub.ClientCount() == 2 },
		time.Second, 5*time.Millisecond)

	hub.Broadcast(&BroadcastMessage{
		MeetingID: "m1",
		UserID:    "user-1",
		Event:     bus.NewEvent(bus.EventTypeStatusChanged, "bot-manager", map[string]interface{}{"status": "active"}),
	})

	ev := recvEvent(t, follower)
	assert.Equal(t, bus.EventTypeStatusChanged, ev.Type)
	assert.Empty(t, other.send)
}

func TestHubRoutesToUserStream(t *testing.T) {
	hub := runHub(t)

	mine := NewClient("c1", "user-1", "", nil, hub, logger.Default())
	theirs := NewClient("c2", "user-2", "", nil, hub, logger.Default())
	hub.Register(mine)
	hub.Register(theirs)

	require.Eventually(t, func() bool { return hub.ClientCount() == 2 },
		time.Second, 5*time.Millisecond)

	hub.Broadcast(&BroadcastMessage{
		MeetingID: "m1",
		UserID:    "user-1",
		Event:     bus.NewEvent(bus.EventTypeStatusChanged, "bot-manager", nil),
	})

	recvEvent(t, mine)
	assert.Empty(t, theirs.send)
}

func TestServiceBridgesBusToHub(t *testing.T) {
	log := logger.Default()
	st := store.NewMemoryStore()
	require.NoError(t, st.UpsertUser(context.Background(), &models.User{ID: "user-1", MaxConcurrentBots: 1}))
	m, err := st.Reserve(context.Background(), store.ReserveRequest{
		UserID: "user-1", Platform: v1.PlatformGoogleMeet, NativeMeetingID: "abc",
	})
	require.NoError(t, err)

	events := bus.NewMemoryEventBus(log)
	hub := runHub(t)
	svc := NewService(hub, st, events, log)
	require.NoError(t, svc.Start())
	defer svc.Stop()

	client := NewClient("c1", "user-1", m.ID, nil, hub, log)
	hub.Register(client)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 5*time.Millisecond)

	err = events.Publish(context.Background(), bus.MeetingStatusSubject(m.ID),
		bus.NewEvent(bus.EventTypeStatusChanged, "bot-manager", map[string]interface{}{
			"meeting_id": m.ID,
			"status":     "starting",
		}))
	require.NoError(t, err)

	ev := recvEvent(t, client)
	assert.Equal(t, "starting", ev.Data["status"])
}
