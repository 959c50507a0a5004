package models

import (
	"time"

	"github.com/google/uuid"
)

// User is an admin/reviewer account. Candidates never authenticate; the
// ingest endpoints are public by design.
type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}
