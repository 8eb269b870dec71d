package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/memeforge/trust-engine/internal/models"
)

// LeaderboardRepository handles leaderboard, weekly_leaderboard_archive and
// weekly_challenges
type LeaderboardRepository struct {
	db *Database
}

// NewLeaderboardRepository creates a new leaderboard repository
func NewLeaderboardRepository(db *Database) *LeaderboardRepository {
	return &LeaderboardRepository{db: db}
}

// GetLatestSnapshot returns the most recent materialized ranking, best first
func (r *LeaderboardRepository) GetLatestSnapshot(ctx context.Context) ([]*models.LeaderboardEntry, error) {
	query := `
		SELECT id, user_id, position, behavior_score, previous_position, position_change, created_at
		FROM leaderboard
		WHERE created_at = (SELECT MAX(created_at) FROM leaderboard)
		ORDER BY position ASC
	`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLeaderboard(rows)
}

// InsertSnapshot writes a full ranking snapshot in one batch
func (r *LeaderboardRepository) InsertSnapshot(ctx context.Context, entries []*models.LeaderboardEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO leaderboard (id, user_id, position, behavior_score, previous_position, position_change, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	now := time.Now().UTC()
	for _, e := range entries {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		e.CreatedAt = now
		batch.Queue(query, e.ID, e.UserID, e.Position, e.BehaviorScore, e.PreviousPosition, e.PositionChange, e.CreatedAt)
	}

	br := r.db.Pool.SendBatch(ctx, batch)
	defer br.Close()

	for range entries {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// PruneSnapshotsOlderThan removes rankings older than the retention cutoff (4 weeks)
func (r *LeaderboardRepository) PruneSnapshotsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM leaderboard WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// ArchiveWeekly copies the current snapshot into weekly_leaderboard_archive
func (r *LeaderboardRepository) ArchiveWeekly(ctx context.Context, weekOf time.Time) error {
	query := `
		INSERT INTO weekly_leaderboard_archive (id, week_of, user_id, position, behavior_score, archived_at)
		SELECT gen_random_uuid(), $1, user_id, position, behavior_score, NOW()
		FROM leaderboard
		WHERE created_at = (SELECT MAX(created_at) FROM leaderboard)
	`

	_, err := r.db.Pool.Exec(ctx, query, weekOf)
	return err
}

// InsertChallenges inserts the generated weekly challenges
func (r *LeaderboardRepository) InsertChallenges(ctx context.Context, challenges []*models.Challenge) error {
	if len(challenges) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO weekly_challenges (id, type, description, start_date, end_date, reward_points, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	for _, ch := range challenges {
		if ch.ID == uuid.Nil {
			ch.ID = uuid.New()
		}
		batch.Queue(query, ch.ID, ch.Type, ch.Description, ch.StartDate, ch.EndDate, ch.RewardPoints, ch.Active)
	}

	br := r.db.Pool.SendBatch(ctx, batch)
	defer br.Close()

	for range challenges {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// DeactivateExpiredChallenges flips active off for challenges past their end date
func (r *LeaderboardRepository) DeactivateExpiredChallenges(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.Pool.Exec(ctx,
		`UPDATE weekly_challenges SET active = false WHERE active = true AND end_date < $1`, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// ScorePoint is one point of the averaged score trend
type ScorePoint struct {
	Day      time.Time `json:"day"`
	AvgScore float64   `json:"avg_score"`
}

// ScoreTrendSince averages snapshot scores per day for the trend chart
func (r *LeaderboardRepository) ScoreTrendSince(ctx context.Context, since time.Time) ([]ScorePoint, error) {
	query := `
		SELECT date_trunc('day', created_at) AS day, AVG(behavior_score)
		FROM leaderboard
		WHERE created_at > $1
		GROUP BY day
		ORDER BY day ASC
	`

	rows, err := r.db.Pool.Query(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []ScorePoint
	for rows.Next() {
		var p ScorePoint
		if err := rows.Scan(&p.Day, &p.AvgScore); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

func scanLeaderboard(rows pgx.Rows) ([]*models.LeaderboardEntry, error) {
	var entries []*models.LeaderboardEntry
	for rows.Next() {
		e := &models.LeaderboardEntry{}
		if err := rows.Scan(
			&e.ID, &e.UserID, &e.Position, &e.BehaviorScore,
			&e.PreviousPosition, &e.PositionChange, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
