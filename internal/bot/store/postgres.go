package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/meetscribe/meetscribe/internal/bot/models"
	"github.com/meetscribe/meetscribe/internal/common/database"
	apperrors "github.com/meetscribe/meetscribe/internal/common/errors"
	"github.com/meetscribe/meetscribe/internal/common/logger"
	v1 "github.com/meetscribe/meetscribe/pkg/api/v1"
)

//go:embed schema.sql
var schemaSQL string

const meetingColumns = `id, user_id, platform, native_meeting_id, meeting_url, status,
	session_uid, bot_container_id, start_time, end_time, failure_reason,
	config, created_at, updated_at`

// PostgresStore implements Store on top of PostgreSQL via pgx.
type PostgresStore struct {
	db     *database.DB
	logger *logger.Logger
}

// Ensure PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a Postgres-backed store and applies the schema.
func NewPostgresStore(ctx context.Context, db *database.DB, log *logger.Logger) (*PostgresStore, error) {
	s := &PostgresStore{
		db:     db,
		logger: log.WithFields(zap.String("component", "store")),
	}
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return s, nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *PostgresStore) Close() error {
	return nil
}

// Reserve implements the admission transaction: lock the user row, count
// live meetings, insert the reserved row with a fresh session UID.
func (s *PostgresStore) Reserve(ctx context.Context, req ReserveRequest) (*models.Meeting, error) {
	var meeting *models.Meeting

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var maxBots int
		err := tx.QueryRow(ctx,
			`SELECT max_concurrent_bots FROM users WHERE id = $1 FOR UPDATE`,
			req.UserID,
		).Scan(&maxBots)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.NotFound("user", req.UserID)
		}
		if err != nil {
			return classify(err)
		}

		var live int
		err = tx.QueryRow(ctx,
			`SELECT count(*) FROM meetings
			 WHERE user_id = $1 AND status IN ('reserved', 'starting', 'active', 'stopping')`,
			req.UserID,
		).Scan(&live)
		if err != nil {
			return classify(err)
		}
		if live >= maxBots {
			return apperrors.LimitExceeded(maxBots)
		}

		cfgJSON, err := json.Marshal(req.Config)
		if err != nil {
			return apperrors.InternalError("failed to encode bot config", err)
		}

		now := time.Now().UTC()
		meeting = &models.Meeting{
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

		_, err = tx.Exec(ctx,
			`INSERT INTO meetings
			   (id, user_id, platform, native_meeting_id, meeting_url, status,
			    session_uid, config, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
			meeting.ID, meeting.UserID, string(meeting.Platform), meeting.NativeMeetingID,
			meeting.MeetingURL, string(meeting.Status), meeting.SessionUID, cfgJSON, now,
		)
		if isUniqueViolation(err) {
			return apperrors.Conflict(fmt.Sprintf(
				"a bot already exists for %s/%s", req.Platform, req.NativeMeetingID))
		}
		if err != nil {
			return classify(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("reserved meeting slot",
		zap.String("meeting_id", meeting.ID),
		zap.String("user_id", req.UserID))
	return meeting, nil
}

// SetContainer records the container id exactly once.
func (s *PostgresStore) SetContainer(ctx context.Context, meetingID, containerID string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE meetings SET bot_container_id = $2, updated_at = now()
		 WHERE id = $1 AND bot_container_id IS NULL`,
		meetingID, containerID,
	)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var existing *string
	err = s.db.QueryRow(ctx,
		`SELECT bot_container_id FROM meetings WHERE id = $1`, meetingID,
	).Scan(&existing)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NotFound("meeting", meetingID)
	}
	if err != nil {
		return classify(err)
	}
	if existing != nil && *existing == containerID {
		return nil // retried write of the same id
	}
	return apperrors.Conflict("bot container id already set")
}

// AdvanceStatus performs a compare-and-set transition over the allowed
// lifecycle edges.
func (s *PostgresStore) AdvanceStatus(ctx context.Context, meetingID string, from []v1.MeetingStatus, to v1.MeetingStatus, upd StatusUpdate) error {
	for _, f := range from {
		if !v1.CanTransition(f, to) {
			return apperrors.IllegalTransition(string(f), string(to))
		}
	}

	fromStrs := make([]string, len(from))
	for i, f := range from {
		fromStrs[i] = string(f)
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE meetings SET status = $2,
		        start_time = COALESCE($3, start_time),
		        end_time = COALESCE($4, end_time),
		        failure_reason = COALESCE($5, failure_reason),
		        updated_at = now()
		 WHERE id = $1 AND status = ANY($6)`,
		meetingID, string(to), upd.StartTime, upd.EndTime, upd.FailureReason, fromStrs,
	)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = s.db.QueryRow(ctx, `SELECT status FROM meetings WHERE id = $1`, meetingID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NotFound("meeting", meetingID)
	}
	if err != nil {
		return classify(err)
	}
	if v1.MeetingStatus(current) == to {
		return nil // already there; idempotent
	}
	return apperrors.IllegalTransition(current, string(to))
}

// Touch bumps updated_at for heartbeats.
func (s *PostgresStore) Touch(ctx context.Context, meetingID string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE meetings SET updated_at = now() WHERE id = $1`, meetingID)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("meeting", meetingID)
	}
	return nil
}

// UpdateConfig persists the config acknowledged by the worker.
func (s *PostgresStore) UpdateConfig(ctx context.Context, meetingID string, cfg v1.BotConfig) error {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return apperrors.InternalError("failed to encode bot config", err)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE meetings SET config = $2, updated_at = now() WHERE id = $1`,
		meetingID, cfgJSON)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("meeting", meetingID)
	}
	return nil
}

// UpsertSession is idempotent on (meeting_id, session_uid).
func (s *PostgresStore) UpsertSession(ctx context.Context, meetingID, sessionUID string, start time.Time) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO meeting_sessions (session_uid, meeting_id, session_start_time)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (meeting_id, session_uid) DO NOTHING`,
		sessionUID, meetingID, start.UTC(),
	)
	if err != nil {
		return classify(err)
	}
	return nil
}

// ScanStale returns non-terminal meetings whose updated_at is older than the
// threshold for their status.
func (s *PostgresStore) ScanStale(ctx context.Context, now time.Time, th Thresholds) ([]*models.Meeting, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+meetingColumns+` FROM meetings
		 WHERE (status = 'reserved' AND updated_at < $1)
		    OR (status = 'starting' AND updated_at < $2)
		    OR (status = 'active'   AND updated_at < $3)
		    OR (status = 'stopping' AND updated_at < $4)
		 ORDER BY updated_at`,
		now.Add(-th.ReserveStale), now.Add(-th.StartingStale),
		now.Add(-th.HeartbeatStale), now.Add(-th.StoppingStale),
	)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	return scanMeetings(rows)
}

// Get returns a meeting by id.
func (s *PostgresStore) Get(ctx context.Context, meetingID string) (*models.Meeting, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+meetingColumns+` FROM meetings WHERE id = $1`, meetingID)
	m, err := scanMeeting(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("meeting", meetingID)
	}
	if err != nil {
		return nil, classify(err)
	}
	return m, nil
}

// GetBySessionUID resolves a worker callback to its meeting.
func (s *PostgresStore) GetBySessionUID(ctx context.Context, sessionUID string) (*models.Meeting, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+meetingColumns+` FROM meetings WHERE session_uid = $1`, sessionUID)
	m, err := scanMeeting(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("session", sessionUID)
	}
	if err != nil {
		return nil, classify(err)
	}
	return m, nil
}

// FindNonTerminal returns the newest live meeting for the triple, or NotFound.
func (s *PostgresStore) FindNonTerminal(ctx context.Context, userID string, platform v1.Platform, nativeMeetingID string) (*models.Meeting, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+meetingColumns+` FROM meetings
		 WHERE user_id = $1 AND platform = $2 AND native_meeting_id = $3
		   AND status IN ('reserved', 'starting', 'active', 'stopping')
		 ORDER BY created_at DESC LIMIT 1`,
		userID, string(platform), nativeMeetingID)
	m, err := scanMeeting(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("meeting", fmt.Sprintf("%s/%s", platform, nativeMeetingID))
	}
	if err != nil {
		return nil, classify(err)
	}
	return m, nil
}

// List returns meetings matching the filter, newest first.
func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*models.Meeting, error) {
	query := `SELECT ` + meetingColumns + ` FROM meetings WHERE 1=1`
	args := []any{}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if filter.Platform != "" {
		args = append(args, string(filter.Platform))
		query += fmt.Sprintf(" AND platform = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	return scanMeetings(rows)
}

// CountNonTerminal returns the user's live meeting count.
func (s *PostgresStore) CountNonTerminal(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM meetings
		 WHERE user_id = $1 AND status IN ('reserved', 'starting', 'active', 'stopping')`,
		userID).Scan(&n)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// GetUser returns a user row.
func (s *PostgresStore) GetUser(ctx context.Context, userID string) (*models.User, error) {
	u := &models.User{ID: userID}
	err := s.db.QueryRow(ctx,
		`SELECT max_concurrent_bots FROM users WHERE id = $1`, userID,
	).Scan(&u.MaxConcurrentBots)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("user", userID)
	}
	if err != nil {
		return nil, classify(err)
	}
	return u, nil
}

// UpsertUser creates or updates a user row.
func (s *PostgresStore) UpsertUser(ctx context.Context, user *models.User) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO users (id, max_concurrent_bots) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET max_concurrent_bots = EXCLUDED.max_concurrent_bots`,
		user.ID, user.MaxConcurrentBots)
	if err != nil {
		return classify(err)
	}
	return nil
}

// scanMeeting reads one meeting row.
func scanMeeting(row pgx.Row) (*models.Meeting, error) {
	var m models.Meeting
	var platform, status string
	var cfgJSON []byte

	err := row.Scan(
		&m.ID, &m.UserID, &platform, &m.NativeMeetingID, &m.MeetingURL, &status,
		&m.SessionUID, &m.BotContainerID, &m.StartTime, &m.EndTime, &m.FailureReason,
		&cfgJSON, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Platform = v1.Platform(platform)
	m.Status = v1.MeetingStatus(status)
	if len(cfgJSON) > 0 {
		if err := json.Unmarshal(cfgJSON, &m.Config); err != nil {
			return nil, fmt.Errorf("failed to decode bot config: %w", err)
		}
	}
	return &m, nil
}

func scanMeetings(rows pgx.Rows) ([]*models.Meeting, error) {
	var result []*models.Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, classify(err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return result, nil
}

// isUniqueViolation reports a 23505 from the partial unique index.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// classify maps pgx errors onto the application taxonomy. Connection-level
// failures become Unavailable so callers retry them; everything else is
// internal.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exceptions; 57P01-57P03: shutdown/recovery.
		if len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "08" || pgErr.Code == "57P01" || pgErr.Code == "57P02" || pgErr.Code == "57P03") {
			return apperrors.Unavailable("store", err)
		}
		return apperrors.InternalError("store query failed", err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// Network errors from the pool arrive as plain errors.
	return apperrors.Unavailable("store", err)
}
