package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hireloop/backend/internal/models"
)

// Repository handles session persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a sessions repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const sessionColumns = `id, name, email, country, phone, source, stack, interview_id,
	questions, recording_active, last_segment_at, finalized_at, created_at, updated_at`

func scanSession(row pgx.Row) (*models.Session, error) {
	var s models.Session
	err := row.Scan(&s.ID, &s.Profile.Name, &s.Profile.Email, &s.Profile.Country,
		&s.Profile.Phone, &s.Profile.Source, &s.Profile.Stack, &s.Profile.InterviewID,
		&s.Questions, &s.RecordingActive, &s.LastSegmentAt, &s.FinalizedAt,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Upsert creates the session on first activity or merges candidate metadata
// additively into the existing row. A blank incoming field never overwrites a
// non-blank stored one, and an empty question set never clears a stored one.
func (r *Repository) Upsert(ctx context.Context, id string, p models.CandidateProfile, questions []string) (*models.Session, error) {
	if questions == nil {
		questions = []string{}
	}
	const q = `INSERT INTO sessions (id, name, email, country, phone, source, stack, interview_id, questions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name         = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE sessions.name END,
			email        = CASE WHEN EXCLUDED.email <> '' THEN EXCLUDED.email ELSE sessions.email END,
			country      = CASE WHEN EXCLUDED.country <> '' THEN EXCLUDED.country ELSE sessions.country END,
			phone        = CASE WHEN EXCLUDED.phone <> '' THEN EXCLUDED.phone ELSE sessions.phone END,
			source       = CASE WHEN EXCLUDED.source <> '' THEN EXCLUDED.source ELSE sessions.source END,
			stack        = CASE WHEN EXCLUDED.stack <> '' THEN EXCLUDED.stack ELSE sessions.stack END,
			interview_id = CASE WHEN EXCLUDED.interview_id <> '' THEN EXCLUDED.interview_id ELSE sessions.interview_id END,
			questions    = CASE WHEN cardinality(EXCLUDED.questions) > 0 THEN EXCLUDED.questions ELSE sessions.questions END,
			updated_at   = NOW()
		RETURNING ` + sessionColumns
	return scanSession(r.pool.QueryRow(ctx, q, id,
		p.Name, p.Email, p.Country, p.Phone, p.Source, p.Stack, p.InterviewID, questions))
}

// Get returns the session by id, or nil when absent.
func (r *Repository) Get(ctx context.Context, id string) (*models.Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	s, err := scanSession(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// List returns the most recently updated sessions for admin review.
func (r *Repository) List(ctx context.Context, limit int) ([]models.Session, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const q = `SELECT ` + sessionColumns + ` FROM sessions ORDER BY updated_at DESC LIMIT $1`
	rows, err := r.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}

// TouchSegment marks the session recording-active and records segment
// activity. Finalized sessions are never reactivated: a straggler segment
// arriving after close-out must not reopen the recording window.
func (r *Repository) TouchSegment(ctx context.Context, id string) error {
	const q = `UPDATE sessions SET recording_active = TRUE, last_segment_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND finalized_at IS NULL`
	_, err := r.pool.Exec(ctx, q, id)
	return err
}

// SetRecordingActive flips the active flag. The sweep uses this to demote
// sessions whose segment activity has gone stale.
func (r *Repository) SetRecordingActive(ctx context.Context, id string, active bool) error {
	const q = `UPDATE sessions SET recording_active = $2, updated_at = NOW()
		WHERE id = $1 AND finalized_at IS NULL`
	_, err := r.pool.Exec(ctx, q, id, active)
	return err
}

// FinalizeOnce performs the one-way finalization transition. Returns true if
// this call won the transition, false if the session was already finalized.
// This flag is the sole correctness-critical guard against duplicate assembly.
func (r *Repository) FinalizeOnce(ctx context.Context, id string, at time.Time) (bool, error) {
	const q = `UPDATE sessions SET recording_active = FALSE, finalized_at = $2, updated_at = NOW()
		WHERE id = $1 AND finalized_at IS NULL`
	tag, err := r.pool.Exec(ctx, q, id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
