package artifacts

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hireloop/backend/internal/models"
)

// Repository handles artifact persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an artifacts repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const artifactColumns = `id, session_id, kind, source, s3_key, s3_url, thumbnail_key,
	local_path, mime_type, file_size, analysis, status, created_at, updated_at`

func scanArtifact(row pgx.Row) (*models.Artifact, error) {
	var a models.Artifact
	err := row.Scan(&a.ID, &a.SessionID, &a.Kind, &a.Source, &a.S3Key, &a.S3URL,
		&a.ThumbnailKey, &a.LocalPath, &a.MimeType, &a.FileSize, &a.Analysis,
		&a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Create inserts a new artifact record.
func (r *Repository) Create(ctx context.Context, a *models.Artifact) error {
	const q = `INSERT INTO artifacts (id, session_id, kind, source, s3_key, s3_url,
			thumbnail_key, local_path, mime_type, file_size, status)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`
	return r.pool.QueryRow(ctx, q, a.SessionID, a.Kind, a.Source, a.S3Key, a.S3URL,
		a.ThumbnailKey, a.LocalPath, a.MimeType, a.FileSize, a.Status).
		Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
}

// GetByID returns an artifact by ID, or nil when absent.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Artifact, error) {
	const q = `SELECT ` + artifactColumns + ` FROM artifacts WHERE id = $1`
	a, err := scanArtifact(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return a, nil
}

// ListBySession returns all artifacts for a session.
func (r *Repository) ListBySession(ctx context.Context, sessionID string) ([]models.Artifact, error) {
	const q = `SELECT ` + artifactColumns + ` FROM artifacts WHERE session_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *a)
	}
	return list, rows.Err()
}

// UpdateAnalysis attaches grading results to an artifact and marks it graded.
func (r *Repository) UpdateAnalysis(ctx context.Context, id uuid.UUID, analysis json.RawMessage) error {
	const q = `UPDATE artifacts SET analysis = $1, status = $2, updated_at = NOW() WHERE id = $3`
	_, err := r.pool.Exec(ctx, q, analysis, models.ArtifactStatusGraded, id)
	return err
}
