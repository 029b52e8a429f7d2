package command

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/meetscribe/meetscribe/pkg/api/v1"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "bot.cmd.abc-123", Subject("abc-123"))
}

func TestReconfigureWireFormat(t *testing.T) {
	lang := "es"
	cmd := Reconfigure(v1.BotConfig{Language: &lang, Task: v1.TaskTranslate})

	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"reconfigure","language":"es","task":"translate"}`, string(data))
}

func TestReconfigureAutoDetectLanguage(t *testing.T) {
	cmd := Reconfigure(v1.BotConfig{Task: v1.TaskTranscribe})

	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	// Language absent means the worker keeps auto-detect.
	assert.JSONEq(t, `{"action":"reconfigure","task":"transcribe"}`, string(data))
}

func TestLeaveWireFormat(t *testing.T) {
	data, err := json.Marshal(Leave())
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"leave"}`, string(data))
}

func TestMemoryBus(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	require.NoError(t, b.Send(ctx, "s1", Leave()))
	require.NoError(t, b.Send(ctx, "s1", Reconfigure(v1.BotConfig{Task: v1.TaskTranscribe})))
	require.NoError(t, b.Send(ctx, "s2", Leave()))

	s1 := b.Sent("s1")
	require.Len(t, s1, 2)
	assert.Equal(t, ActionLeave, s1[0].Action)
	assert.Equal(t, ActionReconfigure, s1[1].Action)
	assert.Len(t, b.Sent("s2"), 1)
	assert.Empty(t, b.Sent("unknown"))
}

func TestMemoryBusFailNext(t *testing.T) {
	b := NewMemoryBus()
	b.FailNext = errors.New("broker down")

	err := b.Send(context.Background(), "s1", Leave())
	assert.Error(t, err)

	// Failure is one-shot.
	assert.NoError(t, b.Send(context.Background(), "s1", Leave()))
	assert.Len(t, b.Sent("s1"), 1)
}
