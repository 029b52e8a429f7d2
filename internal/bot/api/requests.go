package api

import (
	v1 "github.com/meetscribe/meetscribe/pkg/api/v1"
)

// StartBotRequest is the body of POST /bots.
type StartBotRequest struct {
	Platform        v1.Platform `json:"platform" binding:"required"`
	NativeMeetingID string      `json:"native_meeting_id" binding:"required"`
	Language        *string     `json:"language"`
	Task            string      `json:"task"`
	BotName         string      `json:"bot_name"`
}

// Config assembles the bot options from the request.
func (r *StartBotRequest) Config() v1.BotConfig {
	return v1.BotConfig{
		Language: r.Language,
		Task:     r.Task,
		BotName:  r.BotName,
	}
}

// ReconfigureRequest is the body of PATCH /bots/:platform/:native/config.
type ReconfigureRequest struct {
	Language *string `json:"language"`
	Task     string  `json:"task"`
}

// AcceptedResponse acknowledges an asynchronous operation.
type AcceptedResponse struct {
	Detail  string             `json:"detail"`
	Meeting v1.MeetingResponse `json:"meeting"`
}

// Worker callback payloads. Every callback authenticates with the session
// UID issued at reservation time.

// StartedCallback reports that the worker process booted.
type StartedCallback struct {
	SessionUID string `json:"session_uid" binding:"required"`
}

// JoinedCallback reports admission to the meeting. The worker may echo the
// config it is running with.
type JoinedCallback struct {
	SessionUID string        `json:"session_uid" binding:"required"`
	Config     *v1.BotConfig `json:"config"`
}

// HeartbeatCallback keeps the meeting fresh.
type HeartbeatCallback struct {
	SessionUID string `json:"session_uid" binding:"required"`
}

// StatusCallback reports a worker-announced status change.
type StatusCallback struct {
	SessionUID string           `json:"session_uid" binding:"required"`
	Status     v1.MeetingStatus `json:"status" binding:"required"`
}

// ExitedCallback reports the worker's exit.
type ExitedCallback struct {
	SessionUID string `json:"session_uid" binding:"required"`
	ExitCode   int    `json:"exit_code"`
	Reason     string `json:"reason"`
}
