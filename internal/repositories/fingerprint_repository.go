package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/memeforge/trust-engine/internal/models"
)

// FingerprintRepository handles rows in the fingerprint_data table
type FingerprintRepository struct {
	db *Database
}

// NewFingerprintRepository creates a new fingerprint repository
func NewFingerprintRepository(db *Database) *FingerprintRepository {
	return &FingerprintRepository{db: db}
}

// Create persists a fingerprint record
func (r *FingerprintRepository) Create(ctx context.Context, fp *models.FingerprintRecord) error {
	return r.create(ctx, r.db.Pool, fp)
}

// CreateTx persists a fingerprint record inside an open transaction
func (r *FingerprintRepository) CreateTx(ctx context.Context, tx pgx.Tx, fp *models.FingerprintRecord) error {
	return r.create(ctx, tx, fp)
}

func (r *FingerprintRepository) create(ctx context.Context, ex execer, fp *models.FingerprintRecord) error {
	query := `
		INSERT INTO fingerprint_data (
			id, user_id, event_type, ip, user_agent, device_hash,
			timestamp, confidence, geo, browser_details
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	if fp.ID == uuid.Nil {
		fp.ID = uuid.New()
	}
	detailsBytes, _ := fp.BrowserDetails.Value()

	_, err := ex.Exec(ctx, query,
		fp.ID,
		fp.UserID,
		fp.EventType,
		fp.IP,
		fp.UserAgent,
		fp.DeviceHash,
		fp.Timestamp,
		fp.Confidence,
		fp.Geo,
		detailsBytes,
	)
	return err
}

// Delete removes a fingerprint record. Compensation path only.
func (r *FingerprintRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM fingerprint_data WHERE id = $1`, id)
	return err
}

// GetWindow returns every record with timestamp strictly after the cutoff.
// The lower bound is exclusive: a record exactly at now-window is not counted.
func (r *FingerprintRepository) GetWindow(ctx context.Context, since, until time.Time) ([]*models.FingerprintRecord, error) {
	query := `
		SELECT id, user_id, event_type, ip, user_agent, device_hash,
			   timestamp, confidence, geo, browser_details
		FROM fingerprint_data
		WHERE timestamp > $1 AND timestamp <= $2
		ORDER BY timestamp ASC
	`

	rows, err := r.db.Pool.Query(ctx, query, since, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanFingerprints(rows)
}

// GetRecentByUser returns a user's sightings after the cutoff
func (r *FingerprintRepository) GetRecentByUser(ctx context.Context, userID string, since time.Time) ([]*models.FingerprintRecord, error) {
	query := `
		SELECT id, user_id, event_type, ip, user_agent, device_hash,
			   timestamp, confidence, geo, browser_details
		FROM fingerprint_data
		WHERE user_id = $1 AND timestamp > $2
		ORDER BY timestamp DESC
	`

	rows, err := r.db.Pool.Query(ctx, query, userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanFingerprints(rows)
}

// GetRecentByIP returns sightings from one IP after the cutoff
func (r *FingerprintRepository) GetRecentByIP(ctx context.Context, ip string, since time.Time) ([]*models.FingerprintRecord, error) {
	query := `
		SELECT id, user_id, event_type, ip, user_agent, device_hash,
			   timestamp, confidence, geo, browser_details
		FROM fingerprint_data
		WHERE ip = $1 AND timestamp > $2
		ORDER BY timestamp DESC
	`

	rows, err := r.db.Pool.Query(ctx, query, ip, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanFingerprints(rows)
}

// PruneOlderThan deletes records outside the retention window (>=24h retained)
func (r *FingerprintRepository) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.Pool.Exec(ctx,
		`DELETE FROM fingerprint_data WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

func scanFingerprints(rows pgx.Rows) ([]*models.FingerprintRecord, error) {
	var records []*models.FingerprintRecord
	for rows.Next() {
		fp := &models.FingerprintRecord{}
		var detailsBytes []byte

		if err := rows.Scan(
			&fp.ID,
			&fp.UserID,
			&fp.EventType,
			&fp.IP,
			&fp.UserAgent,
			&fp.DeviceHash,
			&fp.Timestamp,
			&fp.Confidence,
			&fp.Geo,
			&detailsBytes,
		); err != nil {
			return nil, err
		}

		fp.BrowserDetails.Scan(detailsBytes)
		records = append(records, fp)
	}
	return records, rows.Err()
}
