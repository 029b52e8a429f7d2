// Package admission validates bot requests and reserves a capacity slot
// before any container work begins. A request that passes admission holds a
// reserved meeting row; everything after that is the coordinator's problem.
package admission

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/meetscribe/meetscribe/internal/bot/models"
	"github.com/meetscribe/meetscribe/internal/bot/store"
	apperrors "github.com/meetscribe/meetscribe/internal/common/errors"
	"github.com/meetscribe/meetscribe/internal/common/logger"
	"github.com/meetscribe/meetscribe/internal/common/retry"
	v1 "github.com/meetscribe/meetscribe/pkg/api/v1"
)

const (
	maxNativeMeetingIDLen = 256
	maxBotNameLen         = 64

	// DefaultBotName is used when the request leaves bot_name empty.
	DefaultBotName = "MeetScribe Bot"
)

var languageRe = regexp.MustCompile(`^[a-zA-Z]{2,8}(-[a-zA-Z0-9]{2,8})?$`)

// Controller performs request validation and slot reservation.
type Controller struct {
	store  store.Store
	logger *logger.Logger
}

// NewController creates an admission controller.
func NewController(st store.Store, log *logger.Logger) *Controller {
	return &Controller{store: st, logger: log}
}

// Admit validates the request, derives the join URL, and reserves a slot.
// On success the returned meeting is in status reserved and counts against
// the user's concurrency cap.
func (c *Controller) Admit(ctx context.Context, userID string, platform v1.Platform, nativeMeetingID string, cfg v1.BotConfig) (*models.Meeting, error) {
	if userID == "" {
		return nil, apperrors.Unauthorized("missing user identity")
	}
	if !platform.Valid() {
		return nil, apperrors.ValidationError("platform", "unsupported platform")
	}
	if err := validateNativeMeetingID(nativeMeetingID); err != nil {
		return nil, err
	}
	normalized, err := NormalizeConfig(cfg)
	if err != nil {
		return nil, err
	}

	meetingURL, err := platform.MeetingURL(nativeMeetingID)
	if err != nil {
		return nil, apperrors.ValidationError("platform", err.Error())
	}

	var meeting *models.Meeting
	err = retry.OnUnavailable(ctx, func() error {
		var rErr error
		meeting, rErr = c.store.Reserve(ctx, store.ReserveRequest{
			UserID:          userID,
			Platform:        platform,
			NativeMeetingID: nativeMeetingID,
			MeetingURL:      meetingURL,
			Config:          normalized,
		})
		return rErr
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("Slot reserved",
		zap.String("meeting_id", meeting.ID),
		zap.String("user_id", userID),
		zap.String("platform", string(platform)),
	)
	return meeting, nil
}

// NormalizeConfig applies defaults and validates the recognized options.
func NormalizeConfig(cfg v1.BotConfig) (v1.BotConfig, error) {
	if cfg.Task == "" {
		cfg.Task = v1.TaskTranscribe
	}
	if cfg.Task != v1.TaskTranscribe && cfg.Task != v1.TaskTranslate {
		return cfg, apperrors.ValidationError("task", "must be 'transcribe' or 'translate'")
	}

	if cfg.Language != nil {
		lang := strings.TrimSpace(*cfg.Language)
		if lang == "" {
			// Explicit empty means auto-detect.
			cfg.Language = nil
		} else if !languageRe.MatchString(lang) {
			return cfg, apperrors.ValidationError("language", "not a recognized language tag")
		} else {
			cfg.Language = &lang
		}
	}

	if cfg.BotName == "" {
		cfg.BotName = DefaultBotName
	}
	if len(cfg.BotName) > maxBotNameLen {
		return cfg, apperrors.ValidationError("bot_name", "must be at most 64 characters")
	}
	for _, r := range cfg.BotName {
		if !unicode.IsPrint(r) {
			return cfg, apperrors.ValidationError("bot_name", "must contain only printable characters")
		}
	}
	return cfg, nil
}

func validateNativeMeetingID(id string) error {
	if id == "" {
		return apperrors.ValidationError("native_meeting_id", "is required")
	}
	if len(id) > maxNativeMeetingIDLen {
		return apperrors.ValidationError("native_meeting_id", "too long")
	}
	for _, r := range id {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return apperrors.ValidationError("native_meeting_id", "contains invalid characters")
		}
	}
	return nil
}
