package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/memeforge/trust-engine/internal/models"
)

// AnomalyRepository handles rows in detected_anomalies and user_risk_flags
type AnomalyRepository struct {
	db *Database
}

// NewAnomalyRepository creates a new anomaly repository
func NewAnomalyRepository(db *Database) *AnomalyRepository {
	return &AnomalyRepository{db: db}
}

// CreateAnomaly appends an anomaly record
func (r *AnomalyRepository) CreateAnomaly(ctx context.Context, a *models.Anomaly) error {
	query := `
		INSERT INTO detected_anomalies (
			id, pattern_name, severity, affected_users, fingerprint_data,
			risk_score, description, detected_at, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.DetectedAt.IsZero() {
		a.DetectedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = models.AlertStatusOpen
	}
	fpBytes, _ := a.FingerprintData.Value()

	_, err := r.db.Pool.Exec(ctx, query,
		a.ID,
		a.PatternName,
		a.Severity,
		pq.Array(a.AffectedUsers),
		fpBytes,
		a.RiskScore,
		a.Description,
		a.DetectedAt,
		a.Status,
	)
	return err
}

// GetAnomaliesSince returns anomalies detected strictly after the cutoff
func (r *AnomalyRepository) GetAnomaliesSince(ctx context.Context, since time.Time) ([]*models.Anomaly, error) {
	query := `
		SELECT id, pattern_name, severity, affected_users, fingerprint_data,
			   risk_score, description, detected_at, status
		FROM detected_anomalies
		WHERE detected_at > $1
		ORDER BY detected_at DESC
	`

	rows, err := r.db.Pool.Query(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAnomalies(rows)
}

// CountByPatternSince returns per-pattern anomaly counts after the cutoff
func (r *AnomalyRepository) CountByPatternSince(ctx context.Context, since time.Time) (map[string]int, error) {
	query := `
		SELECT pattern_name, COUNT(*)
		FROM detected_anomalies
		WHERE detected_at > $1
		GROUP BY pattern_name
	`

	rows, err := r.db.Pool.Query(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var pattern string
		var count int
		if err := rows.Scan(&pattern, &count); err != nil {
			return nil, err
		}
		counts[pattern] = count
	}
	return counts, rows.Err()
}

// CreateRiskFlag appends one risk flag row
func (r *AnomalyRepository) CreateRiskFlag(ctx context.Context, flag *models.RiskFlag) error {
	query := `
		INSERT INTO user_risk_flags (id, user_id, flag, severity, timestamp, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	if flag.ID == uuid.Nil {
		flag.ID = uuid.New()
	}
	if flag.Timestamp.IsZero() {
		flag.Timestamp = time.Now().UTC()
	}
	metadataBytes, _ := flag.Metadata.Value()

	_, err := r.db.Pool.Exec(ctx, query,
		flag.ID, flag.UserID, flag.Flag, flag.Severity, flag.Timestamp, metadataBytes)
	return err
}

// CreateRiskFlags appends a batch of risk flags in one round trip
func (r *AnomalyRepository) CreateRiskFlags(ctx context.Context, flags []*models.RiskFlag) error {
	if len(flags) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO user_risk_flags (id, user_id, flag, severity, timestamp, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	for _, flag := range flags {
		if flag.ID == uuid.Nil {
			flag.ID = uuid.New()
		}
		if flag.Timestamp.IsZero() {
			flag.Timestamp = time.Now().UTC()
		}
		metadataBytes, _ := flag.Metadata.Value()
		batch.Queue(query, flag.ID, flag.UserID, flag.Flag, flag.Severity, flag.Timestamp, metadataBytes)
	}

	br := r.db.Pool.SendBatch(ctx, batch)
	defer br.Close()

	for range flags {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// GetRiskFlagsSince returns flags raised strictly after the cutoff
func (r *AnomalyRepository) GetRiskFlagsSince(ctx context.Context, since time.Time) ([]*models.RiskFlag, error) {
	query := `
		SELECT id, user_id, flag, severity, timestamp, metadata
		FROM user_risk_flags
		WHERE timestamp > $1
		ORDER BY timestamp DESC
	`

	rows, err := r.db.Pool.Query(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flags []*models.RiskFlag
	for rows.Next() {
		flag := &models.RiskFlag{}
		var metadataBytes []byte

		if err := rows.Scan(
			&flag.ID, &flag.UserID, &flag.Flag, &flag.Severity, &flag.Timestamp, &metadataBytes,
		); err != nil {
			return nil, err
		}

		flag.Metadata.Scan(metadataBytes)
		flags = append(flags, flag)
	}
	return flags, rows.Err()
}

// CountFlagsByFlagSince returns per-flag counts after the cutoff (dashboard pie)
func (r *AnomalyRepository) CountFlagsByFlagSince(ctx context.Context, since time.Time) (map[string]int, error) {
	query := `
		SELECT flag, COUNT(*)
		FROM user_risk_flags
		WHERE timestamp > $1
		GROUP BY flag
	`

	rows, err := r.db.Pool.Query(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var flag string
		var count int
		if err := rows.Scan(&flag, &count); err != nil {
			return nil, err
		}
		counts[flag] = count
	}
	return counts, rows.Err()
}

func scanAnomalies(rows pgx.Rows) ([]*models.Anomaly, error) {
	var anomalies []*models.Anomaly
	for rows.Next() {
		a := &models.Anomaly{}
		var affected []string
		var fpBytes []byte

		if err := rows.Scan(
			&a.ID,
			&a.PatternName,
			&a.Severity,
			&affected, // pgx can handle []string directly
			&fpBytes,
			&a.RiskScore,
			&a.Description,
			&a.DetectedAt,
			&a.Status,
		); err != nil {
			return nil, err
		}

		a.AffectedUsers = affected
		a.FingerprintData.Scan(fpBytes)
		anomalies = append(anomalies, a)
	}
	return anomalies, rows.Err()
}
