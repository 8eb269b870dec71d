package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/memeforge/trust-engine/internal/models"
)

// EventRepository handles rows in the events table. Events are immutable.
type EventRepository struct {
	db *Database
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *Database) *EventRepository {
	return &EventRepository{db: db}
}

// Create inserts an event
func (r *EventRepository) Create(ctx context.Context, e *models.Event) error {
	return r.create(ctx, r.db.Pool, e)
}

// CreateTx inserts an event inside an open transaction
func (r *EventRepository) CreateTx(ctx context.Context, tx pgx.Tx, e *models.Event) error {
	return r.create(ctx, tx, e)
}

func (r *EventRepository) create(ctx context.Context, ex execer, e *models.Event) error {
	query := `
		INSERT INTO events (
			id, user_id, event_type, timestamp, source_ip, user_agent,
			device_fingerprint_id, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	e.ID = uuid.New()
	e.CreatedAt = time.Now().UTC()
	if e.Timestamp.IsZero() {
		e.Timestamp = e.CreatedAt
	}
	metadataBytes, _ := e.Metadata.Value()

	_, err := ex.Exec(ctx, query,
		e.ID,
		e.UserID,
		e.EventType,
		e.Timestamp,
		e.SourceIP,
		e.UserAgent,
		e.DeviceFingerprintID,
		metadataBytes,
		e.CreatedAt,
	)
	return err
}

// Delete removes an event row. Only the intake path uses it, to compensate
// when scoring could not run after the event committed.
func (r *EventRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM events WHERE id = $1`, id)
	return err
}

// GetRecentByUser returns the user's activity since the cutoff, newest first,
// capped at limit rows. The scoring engine works over this window.
func (r *EventRepository) GetRecentByUser(ctx context.Context, userID string, since time.Time, limit int) ([]*models.Event, error) {
	query := `
		SELECT id, user_id, event_type, timestamp, source_ip, user_agent,
			   device_fingerprint_id, metadata, created_at
		FROM events
		WHERE user_id = $1 AND timestamp > $2
		ORDER BY timestamp DESC
		LIMIT $3
	`

	rows, err := r.db.Pool.Query(ctx, query, userID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

// CountReferralsByIPSince counts referral events from one source IP after the cutoff
func (r *EventRepository) CountReferralsByIPSince(ctx context.Context, ip string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM events
		WHERE event_type = 'referral' AND source_ip = $1 AND timestamp > $2
	`

	var count int
	err := r.db.Pool.QueryRow(ctx, query, ip, since).Scan(&count)
	return count, err
}

// CountReferralsByUserSince counts a user's referral events after the cutoff
func (r *EventRepository) CountReferralsByUserSince(ctx context.Context, userID string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM events
		WHERE event_type = 'referral' AND user_id = $1 AND timestamp > $2
	`

	var count int
	err := r.db.Pool.QueryRow(ctx, query, userID, since).Scan(&count)
	return count, err
}

// CountActivitySince counts any activity for a user after the cutoff.
// Used by the inactive-referred-user rule.
func (r *EventRepository) CountActivitySince(ctx context.Context, userID string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM events WHERE user_id = $1 AND timestamp > $2`

	var count int
	err := r.db.Pool.QueryRow(ctx, query, userID, since).Scan(&count)
	return count, err
}

// CountSince counts all events after the cutoff (webhook stats)
func (r *EventRepository) CountSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM events WHERE timestamp > $1`, since).Scan(&count)
	return count, err
}

// CountByTypeSince returns per-event-type counts after the cutoff
func (r *EventRepository) CountByTypeSince(ctx context.Context, since time.Time) (map[string]int, error) {
	query := `
		SELECT event_type, COUNT(*)
		FROM events
		WHERE timestamp > $1
		GROUP BY event_type
	`

	rows, err := r.db.Pool.Query(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var eventType string
		var count int
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, err
		}
		counts[eventType] = count
	}
	return counts, rows.Err()
}

func scanEvents(rows pgx.Rows) ([]*models.Event, error) {
	var events []*models.Event
	for rows.Next() {
		e := &models.Event{}
		var metadataBytes []byte

		if err := rows.Scan(
			&e.ID,
			&e.UserID,
			&e.EventType,
			&e.Timestamp,
			&e.SourceIP,
			&e.UserAgent,
			&e.DeviceFingerprintID,
			&metadataBytes,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}

		e.Metadata.Scan(metadataBytes)
		events = append(events, e)
	}
	return events, rows.Err()
}
