package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/terra-clan/assessment-engine/internal/models"
)

const (
	uniqueViolation      = "23505"
	liveSubmissionIndex  = "submissions_live_candidate_idx"
	submissionColumns    = `id, assessment_id, candidate_id, status, duration_minutes, started_at, expires_at, submitted_at, expired_at, finalize_reason, answers, proctoring_events, last_seen_at, client_drift_ms`
	assessmentColumns    = `id, title, description, duration_minutes, question_count, allow_retake, auto_created, created_at, archived_at`
	preTerminalCondition = `status IN ('reserved', 'in-progress')`
)

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	DSN          string
	MaxOpenConns int32
	MaxIdleConns int32
	MaxLifetime  time.Duration
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (*PostgresRepository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}

	poolConfig.MaxConns = 25
	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = cfg.MaxOpenConns
	}
	poolConfig.MinConns = 5
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = cfg.MaxIdleConns
	}
	poolConfig.MaxConnLifetime = 30 * time.Minute
	if cfg.MaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

// Pool exposes the underlying pool for migrations
func (r *PostgresRepository) Pool() *pgxpool.Pool {
	return r.pool
}

// Ping checks database connectivity
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close closes the database connection pool
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// --- Submissions ---

// CreateSubmission inserts a new submission. The partial unique index on
// (assessment_id, candidate_id) over non-terminal rows turns a concurrent
// duplicate start into ErrDuplicateLive.
func (r *PostgresRepository) CreateSubmission(ctx context.Context, s *models.Submission) error {
	answersJSON, err := marshalList(s.Answers)
	if err != nil {
		return fmt.Errorf("failed to marshal answers: %w", err)
	}
	eventsJSON, err := marshalList(s.ProctoringEvents)
	if err != nil {
		return fmt.Errorf("failed to marshal proctoring events: %w", err)
	}

	query := `
		INSERT INTO submissions (` + submissionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err = r.pool.Exec(ctx, query,
		s.ID,
		s.AssessmentID,
		s.CandidateID,
		string(s.Status),
		s.DurationMinutes,
		s.StartedAt,
		s.ExpiresAt,
		nullTime(s.SubmittedAt),
		nullTime(s.ExpiredAt),
		nullString(string(s.FinalizeReason)),
		answersJSON,
		eventsJSON,
		nullTime(s.LastSeenAt),
		s.ClientDriftMs,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == liveSubmissionIndex {
			return ErrDuplicateLive
		}
		return fmt.Errorf("failed to create submission: %w", err)
	}

	return nil
}

// GetSubmission retrieves a submission by ID
func (r *PostgresRepository) GetSubmission(ctx context.Context, id string) (*models.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE id = $1`

	s, err := scanSubmission(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}
	return s, nil
}

// GetLatestSubmission returns the most recently started submission of a
// candidate for an assessment
func (r *PostgresRepository) GetLatestSubmission(ctx context.Context, assessmentID, candidateID string) (*models.Submission, error) {
	query := `
		SELECT ` + submissionColumns + `
		FROM submissions
		WHERE assessment_id = $1 AND candidate_id = $2
		ORDER BY started_at DESC
		LIMIT 1
	`

	s, err := scanSubmission(r.pool.QueryRow(ctx, query, assessmentID, candidateID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest submission: %w", err)
	}
	return s, nil
}

// ListSubmissions returns submissions matching filters
func (r *PostgresRepository) ListSubmissions(ctx context.Context, filters models.SubmissionFilters) ([]*models.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE 1=1`
	args := make([]interface{}, 0)
	argNum := 1

	if filters.AssessmentID != "" {
		query += fmt.Sprintf(" AND assessment_id = $%d", argNum)
		args = append(args, filters.AssessmentID)
		argNum++
	}

	if filters.CandidateID != "" {
		query += fmt.Sprintf(" AND candidate_id = $%d", argNum)
		args = append(args, filters.CandidateID)
		argNum++
	}

	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, string(filters.Status))
		argNum++
	}

	query += " ORDER BY started_at DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filters.Limit)
		argNum++
	}

	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argNum)
		args = append(args, filters.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}
	defer rows.Close()

	var submissions []*models.Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan submission: %w", err)
		}
		submissions = append(submissions, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating submissions: %w", err)
	}

	return submissions, nil
}

// FinalizeSubmission performs the single conditional terminal write
func (r *PostgresRepository) FinalizeSubmission(ctx context.Context, id string, t models.Transition) (bool, error) {
	if !t.To.IsTerminal() {
		return false, fmt.Errorf("finalize target must be terminal, got %q", t.To)
	}

	answers := t.Answers
	var submittedAt, expiredAt *time.Time
	if t.To == models.StatusExpired {
		answers = nil
		expiredAt = &t.At
	} else {
		submittedAt = &t.At
	}

	answersJSON, err := marshalList(answers)
	if err != nil {
		return false, fmt.Errorf("failed to marshal answers: %w", err)
	}
	eventsJSON, err := marshalList(t.Events)
	if err != nil {
		return false, fmt.Errorf("failed to marshal proctoring events: %w", err)
	}

	query := `
		UPDATE submissions
		SET status = $2, finalize_reason = $3, submitted_at = $4, expired_at = $5,
		    answers = $6, proctoring_events = proctoring_events || $7::jsonb
		WHERE id = $1 AND ` + preTerminalCondition

	result, err := r.pool.Exec(ctx, query,
		id,
		string(t.To),
		string(t.Reason),
		nullTime(submittedAt),
		nullTime(expiredAt),
		answersJSON,
		eventsJSON,
	)
	if err != nil {
		return false, fmt.Errorf("failed to finalize submission: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// ActivateSubmission moves a reserved submission to in-progress
func (r *PostgresRepository) ActivateSubmission(ctx context.Context, id string) (bool, error) {
	result, err := r.pool.Exec(ctx,
		`UPDATE submissions SET status = 'in-progress' WHERE id = $1 AND status = 'reserved'`, id)
	if err != nil {
		return false, fmt.Errorf("failed to activate submission: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// RecordHeartbeat stores the last client contact and measured drift
func (r *PostgresRepository) RecordHeartbeat(ctx context.Context, id string, at time.Time, driftMs int64) error {
	result, err := r.pool.Exec(ctx,
		`UPDATE submissions SET last_seen_at = $2, client_drift_ms = $3 WHERE id = $1`, id, at, driftMs)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("submission not found: %s", id)
	}
	return nil
}

// AppendProctoringEvents appends events to a non-terminal submission
func (r *PostgresRepository) AppendProctoringEvents(ctx context.Context, id string, events []models.ProctoringEvent) (bool, error) {
	eventsJSON, err := marshalList(events)
	if err != nil {
		return false, fmt.Errorf("failed to marshal proctoring events: %w", err)
	}

	query := `
		UPDATE submissions
		SET proctoring_events = proctoring_events || $2::jsonb
		WHERE id = $1 AND ` + preTerminalCondition

	result, err := r.pool.Exec(ctx, query, id, eventsJSON)
	if err != nil {
		return false, fmt.Errorf("failed to append proctoring events: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// ListExpiredSubmissions returns the narrow projection the sweep needs
func (r *PostgresRepository) ListExpiredSubmissions(ctx context.Context, cutoff time.Time, limit int) ([]models.ExpiredSubmission, error) {
	query := `
		SELECT id, assessment_id, candidate_id, expires_at
		FROM submissions
		WHERE ` + preTerminalCondition + `
		  AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get expired submissions: %w", err)
	}
	defer rows.Close()

	var expired []models.ExpiredSubmission
	for rows.Next() {
		var e models.ExpiredSubmission
		if err := rows.Scan(&e.ID, &e.AssessmentID, &e.CandidateID, &e.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan expired submission: %w", err)
		}
		expired = append(expired, e)
	}

	return expired, rows.Err()
}

// --- Assessments ---

// UpsertAssessment inserts or refreshes a catalog entry. created_at and
// archived_at are owned by the database and never overwritten.
func (r *PostgresRepository) UpsertAssessment(ctx context.Context, a *models.Assessment) error {
	query := `
		INSERT INTO assessments (id, title, description, duration_minutes, question_count, allow_retake, auto_created)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET title = EXCLUDED.title,
		    description = EXCLUDED.description,
		    duration_minutes = EXCLUDED.duration_minutes,
		    question_count = EXCLUDED.question_count,
		    allow_retake = EXCLUDED.allow_retake,
		    auto_created = EXCLUDED.auto_created
		RETURNING created_at
	`

	err := r.pool.QueryRow(ctx, query,
		a.ID,
		a.Title,
		a.Description,
		a.DurationMinutes,
		a.QuestionCount,
		a.AllowRetake,
		a.AutoCreated,
	).Scan(&a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert assessment: %w", err)
	}
	return nil
}

// GetAssessment retrieves an assessment by ID
func (r *PostgresRepository) GetAssessment(ctx context.Context, id string) (*models.Assessment, error) {
	query := `SELECT ` + assessmentColumns + ` FROM assessments WHERE id = $1`

	a, err := scanAssessment(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get assessment: %w", err)
	}
	return a, nil
}

// ListAssessments returns every catalog entry, archived included
func (r *PostgresRepository) ListAssessments(ctx context.Context) ([]*models.Assessment, error) {
	return r.queryAssessments(ctx, `SELECT `+assessmentColumns+` FROM assessments ORDER BY id`)
}

// ListArchivableAssessments returns auto-created assessments older than
// createdBefore whose submissions are all terminal
func (r *PostgresRepository) ListArchivableAssessments(ctx context.Context, createdBefore time.Time) ([]*models.Assessment, error) {
	query := `
		SELECT ` + assessmentColumns + `
		FROM assessments a
		WHERE a.auto_created
		  AND a.archived_at IS NULL
		  AND a.created_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM submissions s
			WHERE s.assessment_id = a.id AND s.` + preTerminalCondition + `
		  )
		ORDER BY a.created_at ASC
	`
	return r.queryAssessments(ctx, query, createdBefore)
}

// ArchiveAssessment stamps archived_at unless a live submission appeared meanwhile
func (r *PostgresRepository) ArchiveAssessment(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `
		UPDATE assessments a
		SET archived_at = $2
		WHERE a.id = $1
		  AND a.archived_at IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM submissions s
			WHERE s.assessment_id = a.id AND s.` + preTerminalCondition + `
		  )
	`

	result, err := r.pool.Exec(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("failed to archive assessment: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

func (r *PostgresRepository) queryAssessments(ctx context.Context, query string, args ...interface{}) ([]*models.Assessment, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}
	defer rows.Close()

	var assessments []*models.Assessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assessment: %w", err)
		}
		assessments = append(assessments, a)
	}

	return assessments, rows.Err()
}

// --- API clients ---

// GetClientByApiKey retrieves an API client by its key
func (r *PostgresRepository) GetClientByApiKey(ctx context.Context, apiKey string) (*models.ApiClient, error) {
	query := `
		SELECT id, name, api_key, is_active, created_at, last_used_at, permissions, metadata
		FROM api_clients
		WHERE api_key = $1
	`

	var client models.ApiClient
	var lastUsedAt sql.NullTime
	var permissionsJSON, metadataJSON []byte

	err := r.pool.QueryRow(ctx, query, apiKey).Scan(
		&client.ID,
		&client.Name,
		&client.ApiKey,
		&client.IsActive,
		&client.CreatedAt,
		&lastUsedAt,
		&permissionsJSON,
		&metadataJSON,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get api client: %w", err)
	}

	if lastUsedAt.Valid {
		client.LastUsedAt = &lastUsedAt.Time
	}

	if permissionsJSON != nil {
		if err := json.Unmarshal(permissionsJSON, &client.Permissions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal permissions: %w", err)
		}
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &client.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &client, nil
}

// UpdateClientLastUsed updates the last_used_at timestamp for a client
func (r *PostgresRepository) UpdateClientLastUsed(ctx context.Context, apiKey string) error {
	_, err := r.pool.Exec(ctx, `UPDATE api_clients SET last_used_at = NOW() WHERE api_key = $1`, apiKey)
	if err != nil {
		return fmt.Errorf("failed to update client last_used_at: %w", err)
	}
	return nil
}

// --- Scanning ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubmission(row rowScanner) (*models.Submission, error) {
	var s models.Submission
	var status string
	var submittedAt, expiredAt, lastSeenAt sql.NullTime
	var reason sql.NullString
	var answersJSON, eventsJSON []byte

	err := row.Scan(
		&s.ID,
		&s.AssessmentID,
		&s.CandidateID,
		&status,
		&s.DurationMinutes,
		&s.StartedAt,
		&s.ExpiresAt,
		&submittedAt,
		&expiredAt,
		&reason,
		&answersJSON,
		&eventsJSON,
		&lastSeenAt,
		&s.ClientDriftMs,
	)
	if err != nil {
		return nil, err
	}

	s.Status = models.SubmissionStatus(status)
	s.FinalizeReason = models.FinalizeReason(reason.String)
	s.StartedAt = s.StartedAt.UTC()
	s.ExpiresAt = s.ExpiresAt.UTC()
	s.SubmittedAt = timePtr(submittedAt)
	s.ExpiredAt = timePtr(expiredAt)
	s.LastSeenAt = timePtr(lastSeenAt)

	if err := json.Unmarshal(answersJSON, &s.Answers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal answers: %w", err)
	}
	if err := json.Unmarshal(eventsJSON, &s.ProctoringEvents); err != nil {
		return nil, fmt.Errorf("failed to unmarshal proctoring events: %w", err)
	}

	return &s, nil
}

func scanAssessment(row rowScanner) (*models.Assessment, error) {
	var a models.Assessment
	var archivedAt sql.NullTime

	err := row.Scan(
		&a.ID,
		&a.Title,
		&a.Description,
		&a.DurationMinutes,
		&a.QuestionCount,
		&a.AllowRetake,
		&a.AutoCreated,
		&a.CreatedAt,
		&archivedAt,
	)
	if err != nil {
		return nil, err
	}

	a.ArchivedAt = timePtr(archivedAt)
	return &a, nil
}

// Helper functions for nullable values

func marshalList[T any](items []T) ([]byte, error) {
	if items == nil {
		items = []T{}
	}
	return json.Marshal(items)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}
