package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/memeforge/trust-engine/internal/models"
)

// JobLogRepository handles logs_scheduled_jobs and admin_alerts
type JobLogRepository struct {
	db *Database
}

// NewJobLogRepository creates a new job log repository
func NewJobLogRepository(db *Database) *JobLogRepository {
	return &JobLogRepository{db: db}
}

// CreateJobLog appends one job run record
func (r *JobLogRepository) CreateJobLog(ctx context.Context, jl *models.JobLog) error {
	query := `
		INSERT INTO logs_scheduled_jobs (id, job_name, timestamp, status, error, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	if jl.ID == uuid.Nil {
		jl.ID = uuid.New()
	}
	if jl.Timestamp.IsZero() {
		jl.Timestamp = time.Now().UTC()
	}
	metadataBytes, _ := jl.Metadata.Value()

	_, err := r.db.Pool.Exec(ctx, query,
		jl.ID, jl.JobName, jl.Timestamp, jl.Status, jl.Error, metadataBytes)
	return err
}

// LastRun returns the most recent run for a job, or nil when never run
func (r *JobLogRepository) LastRun(ctx context.Context, jobName string) (*models.JobLog, error) {
	query := `
		SELECT id, job_name, timestamp, status, error, metadata
		FROM logs_scheduled_jobs
		WHERE job_name = $1
		ORDER BY timestamp DESC
		LIMIT 1
	`

	jl := &models.JobLog{}
	var metadataBytes []byte
	err := r.db.Pool.QueryRow(ctx, query, jobName).Scan(
		&jl.ID, &jl.JobName, &jl.Timestamp, &jl.Status, &jl.Error, &metadataBytes)
	if err != nil {
		return nil, err
	}
	jl.Metadata.Scan(metadataBytes)
	return jl, nil
}

// CreateAlert appends an operator alert
func (r *JobLogRepository) CreateAlert(ctx context.Context, a *models.Alert) error {
	query := `
		INSERT INTO admin_alerts (id, alert_type, priority, summary, details, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = models.AlertStatusOpen
	}
	detailsBytes, _ := a.Details.Value()

	_, err := r.db.Pool.Exec(ctx, query,
		a.ID, a.AlertType, a.Priority, a.Summary, detailsBytes, a.Status, a.CreatedAt)
	return err
}

// GetOpenAlerts returns unresolved alerts, newest first
func (r *JobLogRepository) GetOpenAlerts(ctx context.Context, limit int) ([]*models.Alert, error) {
	query := `
		SELECT id, alert_type, priority, summary, details, status, created_at
		FROM admin_alerts
		WHERE status = 'open'
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*models.Alert
	for rows.Next() {
		a := &models.Alert{}
		var detailsBytes []byte
		if err := rows.Scan(
			&a.ID, &a.AlertType, &a.Priority, &a.Summary, &detailsBytes, &a.Status, &a.CreatedAt,
		); err != nil {
			return nil, err
		}
		a.Details.Scan(detailsBytes)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}
