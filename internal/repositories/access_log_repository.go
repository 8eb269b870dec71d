package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/memeforge/trust-engine/internal/models"
)

// AccessLogRepository handles rows in the access_logs table
type AccessLogRepository struct {
	db *Database
}

// NewAccessLogRepository creates a new access log repository
func NewAccessLogRepository(db *Database) *AccessLogRepository {
	return &AccessLogRepository{db: db}
}

// Create appends one gatekeeper decision. Callers treat failures as
// best effort and never fail the decision on a logging error.
func (r *AccessLogRepository) Create(ctx context.Context, al *models.AccessLog) error {
	query := `
		INSERT INTO access_logs (id, user_id, granted, access_level, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	if al.ID == uuid.Nil {
		al.ID = uuid.New()
	}
	if al.CreatedAt.IsZero() {
		al.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.Pool.Exec(ctx, query,
		al.ID, al.UserID, al.Granted, al.AccessLevel, al.Reason, al.CreatedAt)
	return err
}
