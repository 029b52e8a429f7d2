package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetscribe/meetscribe/internal/common/logger"
)

func collectEvents(t *testing.T, b *MemoryEventBus, subject string) (*sync.Mutex, *[]*Event) {
	t.Helper()
	var mu sync.Mutex
	var got []*Event
	_, err := b.Subscribe(subject, func(ctx context.Context, e *Event) error {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	return &mu, &got
}

func waitForEvents(mu *sync.Mutex, got *[]*Event, n int) bool {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		count := len(*got)
		mu.Unlock()
		if count >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	mu, got := collectEvents(t, b, MeetingStatusSubject("m1"))

	ev := NewEvent(EventTypeStatusChanged, "bot-manager", map[string]interface{}{
		"meeting_id": "m1",
		"status":     "active",
	})
	require.NoError(t, b.Publish(context.Background(), MeetingStatusSubject("m1"), ev))

	require.True(t, waitForEvents(mu, got, 1))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, EventTypeStatusChanged, (*got)[0].Type)
	assert.Equal(t, "active", (*got)[0].Data["status"])
}

func TestMemoryBusWildcard(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	mu, got := collectEvents(t, b, SubjectMeetingStatusAll)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, MeetingStatusSubject("m1"),
		NewEvent(EventTypeStatusChanged, "bot-manager", nil)))
	require.NoError(t, b.Publish(ctx, MeetingStatusSubject("m2"),
		NewEvent(EventTypeStatusChanged, "bot-manager", nil)))
	// Unrelated subject does not match.
	require.NoError(t, b.Publish(ctx, "bot.cmd.session-1",
		NewEvent("bot.command", "bot-manager", nil)))

	require.True(t, waitForEvents(mu, got, 2))
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, *got, 2)
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	var got []*Event
	sub, err := b.Subscribe(MeetingStatusSubject("m1"), func(ctx context.Context, e *Event) error {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), MeetingStatusSubject("m1"),
		NewEvent(EventTypeStatusChanged, "bot-manager", nil)))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, got)
}

func TestMemoryBusClosed(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	b.Close()

	assert.False(t, b.IsConnected())
	err := b.Publish(context.Background(), "any", NewEvent("x", "y", nil))
	assert.Error(t, err)
	_, err = b.Subscribe("any", func(ctx context.Context, e *Event) error { return nil })
	assert.Error(t, err)
}
