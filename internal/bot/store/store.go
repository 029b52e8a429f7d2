// Package store provides the state store gateway: typed, transactional
// access to the meetings, meeting_sessions and users tables. Concurrency
// correctness for admission and status transitions lives here.
package store

import (
	"context"
	"time"

	"github.com/meetscribe/meetscribe/internal/bot/models"
	v1 "github.com/meetscribe/meetscribe/pkg/api/v1"
)

// ReserveRequest carries the parameters for a slot reservation.
type ReserveRequest struct {
	UserID          string
	Platform        v1.Platform
	NativeMeetingID string
	MeetingURL      string
	Config          v1.BotConfig
}

// StatusUpdate carries the optional columns written together with a status
// transition.
type StatusUpdate struct {
	StartTime     *time.Time
	EndTime       *time.Time
	FailureReason *string
}

// Thresholds holds the per-status staleness cutoffs used by the reaper scan.
type Thresholds struct {
	ReserveStale   time.Duration
	StartingStale  time.Duration
	HeartbeatStale time.Duration
	StoppingStale  time.Duration
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	UserID   string
	Platform v1.Platform
	Status   v1.MeetingStatus
}

// Store defines the state store gateway. Each operation is one ACID unit.
// All mutators are idempotent under retry when keyed by meeting id; transient
// backend failures surface as Unavailable.
type Store interface {
	// Reserve locks the user row, counts the user's non-terminal meetings,
	// and inserts a reserved meeting with a fresh session UID if the count
	// is below the cap. Fails with LimitExceeded at the cap, Conflict on a
	// duplicate non-terminal (user, platform, native meeting id), NotFound
	// for an unknown user.
	Reserve(ctx context.Context, req ReserveRequest) (*models.Meeting, error)

	// SetContainer records the container id for a meeting. Single-use:
	// a second call with a different id fails with Conflict.
	SetContainer(ctx context.Context, meetingID, containerID string) error

	// AdvanceStatus is a compare-and-set over the legal lifecycle edges.
	// Idempotent when the current status already equals to.
	AdvanceStatus(ctx context.Context, meetingID string, from []v1.MeetingStatus, to v1.MeetingStatus, upd StatusUpdate) error

	// Touch bumps updated_at; used by heartbeats.
	Touch(ctx context.Context, meetingID string) error

	// UpdateConfig persists the config the worker acknowledged.
	UpdateConfig(ctx context.Context, meetingID string, cfg v1.BotConfig) error

	// UpsertSession records the worker's session, idempotent on
	// (meeting_id, session_uid).
	UpsertSession(ctx context.Context, meetingID, sessionUID string, start time.Time) error

	// ScanStale returns non-terminal meetings whose updated_at is older than
	// the threshold for their status.
	ScanStale(ctx context.Context, now time.Time, th Thresholds) ([]*models.Meeting, error)

	// Get returns a meeting by id.
	Get(ctx context.Context, meetingID string) (*models.Meeting, error)

	// GetBySessionUID resolves the meeting a worker callback refers to.
	GetBySessionUID(ctx context.Context, sessionUID string) (*models.Meeting, error)

	// FindNonTerminal returns the newest non-terminal meeting for
	// (user, platform, native meeting id), or NotFound.
	FindNonTerminal(ctx context.Context, userID string, platform v1.Platform, nativeMeetingID string) (*models.Meeting, error)

	// List returns meetings matching the filter, newest first.
	List(ctx context.Context, filter ListFilter) ([]*models.Meeting, error)

	// CountNonTerminal returns the user's live meeting count.
	CountNonTerminal(ctx context.Context, userID string) (int, error)

	// GetUser returns the user consulted for admission.
	GetUser(ctx context.Context, userID string) (*models.User, error)

	// UpsertUser creates or updates a user row.
	UpsertUser(ctx context.Context, user *models.User) error

	// Close releases backend resources.
	Close() error
}
