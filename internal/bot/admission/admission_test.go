package admission

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetscribe/meetscribe/internal/bot/models"
	"github.com/meetscribe/meetscribe/internal/bot/store"
	apperrors "github.com/meetscribe/meetscribe/internal/common/errors"
	"github.com/meetscribe/meetscribe/internal/common/logger"
	v1 "github.com/meetscribe/meetscribe/pkg/api/v1"
)

func newController(t *testing.T, maxBots int) (*Controller, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	err := st.UpsertUser(context.Background(), &models.User{ID: "user-1", MaxConcurrentBots: maxBots})
	require.NoError(t, err)
	return NewController(st, logger.Default()), st
}

func TestAdmit(t *testing.T) {
	c, _ := newController(t, 1)

	m, err := c.Admit(context.Background(), "user-1", v1.PlatformGoogleMeet, "abc-defg-hij", v1.BotConfig{})
	require.NoError(t, err)
	assert.Equal(t, v1.MeetingStatusReserved, m.Status)
	assert.Equal(t, "https://meet.google.com/abc-defg-hij", m.MeetingURL)
	assert.Equal(t, v1.TaskTranscribe, m.Config.Task)
	assert.Equal(t, DefaultBotName, m.Config.BotName)
	assert.Nil(t, m.Config.Language)
}

func TestAdmitAtCap(t *testing.T) {
	c, _ := newController(t, 1)
	ctx := context.Background()

	_, err := c.Admit(ctx, "user-1", v1.PlatformGoogleMeet, "first", v1.BotConfig{})
	require.NoError(t, err)

	_, err = c.Admit(ctx, "user-1", v1.PlatformZoom, "second", v1.BotConfig{})
	assert.True(t, apperrors.IsLimitExceeded(err))
}

func TestAdmitDuplicate(t *testing.T) {
	c, _ := newController(t, 5)
	ctx := context.Background()

	_, err := c.Admit(ctx, "user-1", v1.PlatformGoogleMeet, "abc", v1.BotConfig{})
	require.NoError(t, err)

	_, err = c.Admit(ctx, "user-1", v1.PlatformGoogleMeet, "abc", v1.BotConfig{})
	assert.True(t, apperrors.IsConflict(err))
}

func TestAdmitValidation(t *testing.T) {
	c, _ := newController(t, 5)
	ctx := context.Background()

	cases := []struct {
		name     string
		userID   string
		platform v1.Platform
		native   string
		cfg      v1.BotConfig
		code     string
	}{
		{"missing user", "", v1.PlatformZoom, "123", v1.BotConfig{}, apperrors.ErrCodeUnauthorized},
		{"bad platform", "user-1", "webex", "123", v1.BotConfig{}, apperrors.ErrCodeValidationError},
		{"empty native id", "user-1", v1.PlatformZoom, "", v1.BotConfig{}, apperrors.ErrCodeValidationError},
		{"native id with spaces", "user-1", v1.PlatformZoom, "12 34", v1.BotConfig{}, apperrors.ErrCodeValidationError},
		{"native id too long", "user-1", v1.PlatformZoom, strings.Repeat("x", 257), v1.BotConfig{}, apperrors.ErrCodeValidationError},
		{"bad task", "user-1", v1.PlatformZoom, "123", v1.BotConfig{Task: "summarize"}, apperrors.ErrCodeValidationError},
		{"bot name too long", "user-1", v1.PlatformZoom, "123", v1.BotConfig{BotName: strings.Repeat("n", 65)}, apperrors.ErrCodeValidationError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Admit(ctx, tc.userID, tc.platform, tc.native, tc.cfg)
			assert.True(t, apperrors.IsCode(err, tc.code), "got %v", err)
		})
	}
}

func TestNormalizeConfig(t *testing.T) {
	got, err := NormalizeConfig(v1.BotConfig{})
	require.NoError(t, err)
	assert.Equal(t, v1.TaskTranscribe, got.Task)
	assert.Equal(t, DefaultBotName, got.BotName)

	lang := "pt-BR"
	got, err = NormalizeConfig(v1.BotConfig{Language: &lang, Task: v1.TaskTranslate, BotName: "Scribe"})
	require.NoError(t, err)
	require.NotNil(t, got.Language)
	assert.Equal(t, "pt-BR", *got.Language)

	empty := "  "
	got, err = NormalizeConfig(v1.BotConfig{Language: &empty})
	require.NoError(t, err)
	assert.Nil(t, got.Language)

	bad := "not a language"
	_, err = NormalizeConfig(v1.BotConfig{Language: &bad})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidationError))
}
