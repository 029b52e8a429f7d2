// Package models defines the durable records owned by the bot lifecycle
// manager.
package models

import (
	"time"

	v1 "github.com/meetscribe/meetscribe/pkg/api/v1"
)

// Meeting is the single authoritative record for one bot attempt.
type Meeting struct {
	ID              string
	UserID          string
	Platform        v1.Platform
	NativeMeetingID string
	MeetingURL      string
	Status          v1.MeetingStatus
	// SessionUID is generated inside the reservation transaction and shared
	// with the worker; it doubles as the callback authentication token.
	SessionUID     string
	BotContainerID *string
	StartTime      *time.Time
	EndTime        *time.Time
	FailureReason  *string
	Config         v1.BotConfig
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ToResponse converts the row to its wire representation.
func (m *Meeting) ToResponse() v1.MeetingResponse {
	return v1.MeetingResponse{
		MeetingID:       m.ID,
		UserID:          m.UserID,
		Platform:        m.Platform,
		NativeMeetingID: m.NativeMeetingID,
		MeetingURL:      m.MeetingURL,
		Status:          m.Status,
		BotContainerID:  m.BotContainerID,
		StartTime:       m.StartTime,
		EndTime:         m.EndTime,
		FailureReason:   m.FailureReason,
		Config:          m.Config,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

// MeetingSession is created by the worker on its first startup callback.
// Reconnects of the same worker reuse the same session UID.
type MeetingSession struct {
	SessionUID       string
	MeetingID        string
	SessionStartTime time.Time
}

// User is consulted, not owned, by the lifecycle manager.
type User struct {
	ID                string
	MaxConcurrentBots int
}
