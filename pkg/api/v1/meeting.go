package v1

import (
	"fmt"
	"time"
)

// MeetingStatus represents the lifecycle state of a meeting bot attempt.
// Transitions form a DAG: reserved -> starting -> active -> stopping ->
// completed, with failed reachable from every non-terminal state.
type MeetingStatus string

const (
	MeetingStatusReserved  MeetingStatus = "reserved"
	MeetingStatusStarting  MeetingStatus = "starting"
	MeetingStatusActive    MeetingStatus = "active"
	MeetingStatusStopping  MeetingStatus = "stopping"
	MeetingStatusCompleted MeetingStatus = "completed"
	MeetingStatusFailed    MeetingStatus = "failed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s MeetingStatus) IsTerminal() bool {
	return s == MeetingStatusCompleted || s == MeetingStatusFailed
}

// NonTerminalStatuses are the states that count against a user's
// concurrency cap.
func NonTerminalStatuses() []MeetingStatus {
	return []MeetingStatus{
		MeetingStatusReserved,
		MeetingStatusStarting,
		MeetingStatusActive,
		MeetingStatusStopping,
	}
}

// statusEdges enumerates the legal transitions.
var statusEdges = map[MeetingStatus][]MeetingStatus{
	MeetingStatusReserved: {MeetingStatusStarting, MeetingStatusFailed},
	MeetingStatusStarting: {MeetingStatusActive, MeetingStatusFailed},
	MeetingStatusActive:   {MeetingStatusStopping, MeetingStatusFailed, MeetingStatusCompleted},
	MeetingStatusStopping: {MeetingStatusCompleted, MeetingStatusFailed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to MeetingStatus) bool {
	for _, next := range statusEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Platform identifies a supported conferencing platform.
type Platform string

const (
	PlatformGoogleMeet Platform = "google_meet"
	PlatformZoom       Platform = "zoom"
	PlatformTeams      Platform = "teams"
)

// Valid reports whether the platform is one of the supported set.
func (p Platform) Valid() bool {
	switch p {
	case PlatformGoogleMeet, PlatformZoom, PlatformTeams:
		return true
	}
	return false
}

// MeetingURL constructs the join URL for a platform-native meeting id.
func (p Platform) MeetingURL(nativeMeetingID string) (string, error) {
	switch p {
	case PlatformGoogleMeet:
		return fmt.Sprintf("https://meet.google.com/%s", nativeMeetingID), nil
	case PlatformZoom:
		return fmt.Sprintf("https://zoom.us/j/%s", nativeMeetingID), nil
	case PlatformTeams:
		return fmt.Sprintf("https://teams.microsoft.com/l/meetup-join/%s", nativeMeetingID), nil
	}
	return "", fmt.Errorf("unsupported platform %q", p)
}

// TaskTranscribe and TaskTranslate are the recognized transcription tasks.
const (
	TaskTranscribe = "transcribe"
	TaskTranslate  = "translate"
)

// BotConfig carries the recognized per-bot options. Language nil means
// auto-detect.
type BotConfig struct {
	Language *string `json:"language"`
	Task     string  `json:"task"`
	BotName  string  `json:"bot_name"`
}

// MeetingResponse is the wire representation of a Meeting row.
type MeetingResponse struct {
	MeetingID       string        `json:"meeting_id"`
	UserID          string        `json:"user_id"`
	Platform        Platform      `json:"platform"`
	NativeMeetingID string        `json:"native_meeting_id"`
	MeetingURL      string        `json:"meeting_url,omitempty"`
	Status          MeetingStatus `json:"status"`
	BotContainerID  *string       `json:"bot_container_id,omitempty"`
	StartTime       *time.Time    `json:"start_time,omitempty"`
	EndTime         *time.Time    `json:"end_time,omitempty"`
	FailureReason   *string       `json:"failure_reason,omitempty"`
	Config          BotConfig     `json:"config"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// MeetingsListResponse wraps a list of meetings.
type MeetingsListResponse struct {
	Meetings []MeetingResponse `json:"meetings"`
	Total    int               `json:"total"`
}

// RunningBot describes one live bot container as reported by the
// orchestrator, joined with its meeting row.
type RunningBot struct {
	MeetingID       string        `json:"meeting_id"`
	Platform        Platform      `json:"platform"`
	NativeMeetingID string        `json:"native_meeting_id"`
	Status          MeetingStatus `json:"status"`
	ContainerID     string        `json:"container_id"`
	Running         bool          `json:"running"`
}

// BotStatusResponse wraps the running-bot report.
type BotStatusResponse struct {
	RunningBots []RunningBot `json:"running_bots"`
}
