// Package command provides the fire-and-forget command channel to running
// bot workers. Commands are addressed by session UID; there is no delivery
// acknowledgement, the worker's next callback is the only confirmation.
package command

import (
	"context"

	v1 "github.com/meetscribe/meetscribe/pkg/api/v1"
)

// Actions understood by the bot worker.
const (
	ActionReconfigure = "reconfigure"
	ActionLeave       = "leave"
)

// SubjectPrefix is completed per worker: bot.cmd.<session_uid>.
const SubjectPrefix = "bot.cmd."

// Subject returns the command subject for one worker session.
func Subject(sessionUID string) string {
	return SubjectPrefix + sessionUID
}

// Command is the wire format the worker parses. Reconfigure carries the new
// language and task; leave carries only the action.
type Command struct {
	Action   string  `json:"action"`
	Language *string `json:"language,omitempty"`
	Task     string  `json:"task,omitempty"`
}

// Reconfigure builds the command telling the worker to switch its
// transcription options.
func Reconfigure(cfg v1.BotConfig) Command {
	return Command{
		Action:   ActionReconfigure,
		Language: cfg.Language,
		Task:     cfg.Task,
	}
}

// Leave builds the command telling the worker to leave the meeting and shut
// down gracefully.
func Leave() Command {
	return Command{Action: ActionLeave}
}

// Bus sends commands to workers. Send returns once the command is handed to
// the transport; it never waits for the worker.
type Bus interface {
	Send(ctx context.Context, sessionUID string, cmd Command) error
	Close()
}
