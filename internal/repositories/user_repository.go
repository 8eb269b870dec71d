package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/memeforge/trust-engine/internal/models"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrStaleScore   = errors.New("score write lost optimistic race")
)

// UserRepository handles rows in the users table
type UserRepository struct {
	db *Database
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *Database) *UserRepository {
	return &UserRepository{db: db}
}

// GetByID retrieves a user by platform id
func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	query := `
		SELECT id, behavior_score, weekly_score, is_verified, created_at, last_updated, metadata
		FROM users
		WHERE id = $1
	`

	user := &models.User{}
	var metadataBytes []byte

	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&user.ID,
		&user.BehaviorScore,
		&user.WeeklyScore,
		&user.IsVerified,
		&user.CreatedAt,
		&user.LastUpdated,
		&metadataBytes,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	user.Metadata.Scan(metadataBytes)
	return user, nil
}

// Create inserts a user with the default score of 100
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (id, behavior_score, weekly_score, is_verified, created_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	if user.BehaviorScore == 0 {
		user.BehaviorScore = 100
	}
	metadataBytes, _ := user.Metadata.Value()

	_, err := r.db.Pool.Exec(ctx, query,
		user.ID,
		user.BehaviorScore,
		user.WeeklyScore,
		user.IsVerified,
		user.CreatedAt,
		metadataBytes,
	)
	return err
}

// UpdateScore writes a new behavior score unconditionally (event scoring
// path, serialized by the engine's per-user lock)
func (r *UserRepository) UpdateScore(ctx context.Context, id string, score float64, at time.Time) error {
	query := `
		UPDATE users SET behavior_score = $2, last_updated = $3
		WHERE id = $1
	`

	result, err := r.db.Pool.Exec(ctx, query, id, score, at)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// UpdateScoreCAS writes a new score only if last_updated is unchanged since
// the read (daily recalculation path). Serializes score writes against live
// event scoring without a shared lock.
func (r *UserRepository) UpdateScoreCAS(ctx context.Context, id string, score float64, prev *time.Time, at time.Time) error {
	query := `
		UPDATE users SET behavior_score = $2, last_updated = $3
		WHERE id = $1 AND (last_updated = $4 OR (last_updated IS NULL AND $4::timestamptz IS NULL))
	`

	result, err := r.db.Pool.Exec(ctx, query, id, score, at, prev)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrStaleScore
	}
	return nil
}

// UpdateMetadata replaces the opaque metadata blob (passkey issuance path)
func (r *UserRepository) UpdateMetadata(ctx context.Context, id string, metadata models.JSONB) error {
	metadataBytes, _ := metadata.Value()

	result, err := r.db.Pool.Exec(ctx,
		`UPDATE users SET metadata = $2 WHERE id = $1`, id, metadataBytes)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ListAll streams all users in stable id order for the daily recalculation
func (r *UserRepository) ListAll(ctx context.Context) ([]*models.User, error) {
	query := `
		SELECT id, behavior_score, weekly_score, is_verified, created_at, last_updated, metadata
		FROM users
		ORDER BY id
	`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanUsers(rows)
}

// TopByScore returns the top N users by behavior score for the leaderboard
func (r *UserRepository) TopByScore(ctx context.Context, limit int) ([]*models.User, error) {
	query := `
		SELECT id, behavior_score, weekly_score, is_verified, created_at, last_updated, metadata
		FROM users
		ORDER BY behavior_score DESC, id ASC
		LIMIT $1
	`

	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanUsers(rows)
}

// ResetWeeklyScores zeroes weekly_score for every user (weekly reset job)
func (r *UserRepository) ResetWeeklyScores(ctx context.Context) (int64, error) {
	result, err := r.db.Pool.Exec(ctx, `UPDATE users SET weekly_score = 0`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// AverageScore returns the current mean behavior score and the user count
func (r *UserRepository) AverageScore(ctx context.Context) (float64, int, error) {
	var avg *float64
	var count int
	err := r.db.Pool.QueryRow(ctx, `SELECT AVG(behavior_score), COUNT(*) FROM users`).Scan(&avg, &count)
	if err != nil {
		return 0, 0, err
	}
	if avg == nil {
		return 0, count, nil
	}
	return *avg, count, nil
}

// ScoreDistribution buckets users into the three risk bands
func (r *UserRepository) ScoreDistribution(ctx context.Context) (map[string]int, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE behavior_score < 50) AS suspicious,
			COUNT(*) FILTER (WHERE behavior_score >= 50 AND behavior_score < 80) AS normal,
			COUNT(*) FILTER (WHERE behavior_score >= 80) AS highly_trusted
		FROM users
	`

	var suspicious, normal, trusted int
	if err := r.db.Pool.QueryRow(ctx, query).Scan(&suspicious, &normal, &trusted); err != nil {
		return nil, err
	}

	return map[string]int{
		models.RiskSuspicious:    suspicious,
		models.RiskNormal:        normal,
		models.RiskHighlyTrusted: trusted,
	}, nil
}

func scanUsers(rows pgx.Rows) ([]*models.User, error) {
	var users []*models.User
	for rows.Next() {
		user := &models.User{}
		var metadataBytes []byte

		if err := rows.Scan(
			&user.ID,
			&user.BehaviorScore,
			&user.WeeklyScore,
			&user.IsVerified,
			&user.CreatedAt,
			&user.LastUpdated,
			&metadataBytes,
		); err != nil {
			return nil, err
		}

		user.Metadata.Scan(metadataBytes)
		users = append(users, user)
	}
	return users, rows.Err()
}
