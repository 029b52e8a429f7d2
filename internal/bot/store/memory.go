package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meetscribe/meetscribe/internal/bot/models"
	apperrors "github.com/meetscribe/meetscribe/internal/common/errors"
	v1 "github.com/meetscribe/meetscribe/pkg/api/v1"
)

// MemoryStore provides in-memory state storage with the same transactional
// semantics as the Postgres store. Used in tests and store-less development
// mode; a single mutex stands in for the row-level locks.
type MemoryStore struct {
	meetings  map[string]*models.Meeting        // by meeting id
	bySession map[string]string                 // session_uid -> meeting id
	sessions  map[string]*models.MeetingSession // by meeting_id+session_uid
	users     map[string]*models.User
	mu        sync.RWMutex
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		meetings:  make(map[string]*models.Meeting),
		bySession: make(map[string]string),
		sessions:  make(map[string]*models.MeetingSession),
		users:     make(map[string]*models.User),
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// Reserve checks the cap and duplicate predicate and inserts the reserved
// row, all under one lock acquisition.
func (s *MemoryStore) Reserve(ctx context.Context, req ReserveRequest) (*models.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[req.UserID]
	if !ok {
		return nil, apperrors.NotFound("user", req.UserID)
	}

	live := 0
	for _, m := range s.meetings {
		if m.UserID != req.UserID || m.Status.IsTerminal() {
			continue
		}
		live++
		if m.Platform == req.Platform && m.NativeMeetingID == req.NativeMeetingID {
			return nil, apperrors.Conflict(fmt.Sprintf(
				"a bot already exists for %s/%s", req.Platform, req.NativeMeetingID))
		}
	}
	if live >= user.MaxConcurrentBots {
		return nil, apperrors.LimitExceeded(user.MaxConcurrentBots)
	}

	now := time.Now().UTC()
	m := &models.Meeting{
		ID:              uuid.New().String(),
		UserID:          req.UserID,
		Platform:        req.Platform,
		NativeMeetingID: req.NativeMeetingID,
		MeetingURL:      req.MeetingURL,
		Status:          v1.MeetingStatusReserved,
		SessionUID:      uuid.New().String(),
		Config:          req.Config,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.meetings[m.ID] = m
	s.bySession[m.SessionUID] = m.ID

	out := *m
	return &out, nil
}

// SetContainer records the container id exactly once.
func (s *MemoryStore) SetContainer(ctx context.Context, meetingID, containerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meetings[meetingID]
	if !ok {
		return apperrors.NotFound("meeting", meetingID)
	}
	if m.BotContainerID != nil {
		if *m.BotContainerID == containerID {
			return nil
		}
		return apperrors.Conflict("bot container id already set")
	}
	cid := containerID
	m.BotContainerID = &cid
	m.UpdatedAt = time.Now().UTC()
	return nil
}

// AdvanceStatus performs the compare-and-set transition.
func (s *MemoryStore) AdvanceStatus(ctx context.Context, meetingID string, from []v1.MeetingStatus, to v1.MeetingStatus, upd StatusUpdate) error {
	for _, f := range from {
		if !v1.CanTransition(f, to) {
			return apperrors.IllegalTransition(string(f), string(to))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meetings[meetingID]
	if !ok {
		return apperrors.NotFound("meeting", meetingID)
	}
	if m.Status == to {
		return nil // idempotent
	}
	matched := false
	for _, f := range from {
		if m.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return apperrors.IllegalTransition(string(m.Status), string(to))
	}

	m.Status = to
	if upd.StartTime != nil {
		m.StartTime = upd.StartTime
	}
	if upd.EndTime != nil {
		m.EndTime = upd.EndTime
	}
	if upd.FailureReason != nil {
		m.FailureReason = upd.FailureReason
	}
	m.UpdatedAt = time.Now().UTC()
	return nil
}

// Touch bumps updated_at.
func (s *MemoryStore) Touch(ctx context.Context, meetingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meetings[meetingID]
	if !ok {
		return apperrors.NotFound("meeting", meetingID)
	}
	m.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateConfig persists the acknowledged config.
func (s *MemoryStore) UpdateConfig(ctx context.Context, meetingID string, cfg v1.BotConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meetings[meetingID]
	if !ok {
		return apperrors.NotFound("meeting", meetingID)
	}
	m.Config = cfg
	m.UpdatedAt = time.Now().UTC()
	return nil
}

// UpsertSession is idempotent on (meeting_id, session_uid).
func (s *MemoryStore) UpsertSession(ctx context.Context, meetingID, sessionUID string, start time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := meetingID + "/" + sessionUID
	if _, ok := s.sessions[key]; ok {
		return nil
	}
	s.sessions[key] = &models.MeetingSession{
		SessionUID:       sessionUID,
		MeetingID:        meetingID,
		SessionStartTime: start.UTC(),
	}
	return nil
}

// SessionCount reports the number of sessions recorded for a meeting.
// Test helper; the SQL store's equivalent is a direct query.
func (s *MemoryStore) SessionCount(meetingID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, sess := range s.sessions {
		if sess.MeetingID == meetingID {
			n++
		}
	}
	return n
}

// ScanStale returns meetings stale for their status.
func (s *MemoryStore) ScanStale(ctx context.Context, now time.Time, th Thresholds) ([]*models.Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoffs := map[v1.MeetingStatus]time.Time{
		v1.MeetingStatusReserved: now.Add(-th.ReserveStale),
		v1.MeetingStatusStarting: now.Add(-th.StartingStale),
		v1.MeetingStatusActive:   now.Add(-th.HeartbeatStale),
		v1.MeetingStatusStopping: now.Add(-th.StoppingStale),
	}

	var result []*models.Meeting
	for _, m := range s.meetings {
		cutoff, ok := cutoffs[m.Status]
		if !ok || !m.UpdatedAt.Before(cutoff) {
			continue
		}
		out := *m
		result = append(result, &out)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	return result, nil
}

// Get returns a meeting by id.
func (s *MemoryStore) Get(ctx context.Context, meetingID string) (*models.Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.meetings[meetingID]
	if !ok {
		return nil, apperrors.NotFound("meeting", meetingID)
	}
	out := *m
	return &out, nil
}

// GetBySessionUID resolves a callback to its meeting.
func (s *MemoryStore) GetBySessionUID(ctx context.Context, sessionUID string) (*models.Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.bySession[sessionUID]
	if !ok {
		return nil, apperrors.NotFound("session", sessionUID)
	}
	out := *s.meetings[id]
	return &out, nil
}

// FindNonTerminal returns the newest live meeting for the triple.
func (s *MemoryStore) FindNonTerminal(ctx context.Context, userID string, platform v1.Platform, nativeMeetingID string) (*models.Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var newest *models.Meeting
	for _, m := range s.meetings {
		if m.UserID != userID || m.Platform != platform ||
			m.NativeMeetingID != nativeMeetingID || m.Status.IsTerminal() {
			continue
		}
		if newest == nil || m.CreatedAt.After(newest.CreatedAt) {
			newest = m
		}
	}
	if newest == nil {
		return nil, apperrors.NotFound("meeting", fmt.Sprintf("%s/%s", platform, nativeMeetingID))
	}
	out := *newest
	return &out, nil
}

// List returns meetings matching the filter, newest first.
func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*models.Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Meeting
	for _, m := range s.meetings {
		if filter.UserID != "" && m.UserID != filter.UserID {
			continue
		}
		if filter.Platform != "" && m.Platform != filter.Platform {
			continue
		}
		if filter.Status != "" && m.Status != filter.Status {
			continue
		}
		out := *m
		result = append(result, &out)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// CountNonTerminal returns the user's live meeting count.
func (s *MemoryStore) CountNonTerminal(ctx context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, m := range s.meetings {
		if m.UserID == userID && !m.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

// GetUser returns a user.
func (s *MemoryStore) GetUser(ctx context.Context, userID string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, apperrors.NotFound("user", userID)
	}
	out := *u
	return &out, nil
}

// UpsertUser creates or updates a user.
func (s *MemoryStore) UpsertUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := *user
	s.users[user.ID] = &out
	return nil
}

// SetUpdatedAt rewinds a meeting's updated_at. Test helper for reaper
// threshold scenarios.
func (s *MemoryStore) SetUpdatedAt(meetingID string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.meetings[meetingID]; ok {
		m.UpdatedAt = t
	}
}
