package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/memeforge/trust-engine/internal/models"
	"github.com/memeforge/trust-engine/internal/repositories"
)

// Job names as recorded in logs_scheduled_jobs
const (
	JobDailyRecalculation = "daily_bse_recalculation"
	JobWeeklyChallenges   = "weekly_challenges_and_reset"
	JobHourlyFlaggedUsers = "hourly_flagged_user_detection"
)

const (
	leaderboardSize     = 100
	snapshotRetention   = 4 * 7 * 24 * time.Hour
	recalcFailureBudget = 0.10 // job fails beyond this failure ratio
	hourlyMediumFlagBar = 3
	hourlyHighFlagBar   = 5
	hourlyTotalAlertBar = 10
)

// Rescorer recomputes one user's behavior score.
type Rescorer interface {
	Recalculate(ctx context.Context, user *models.User) (models.ScoreResult, error)
}

// UserDirectory is the slice of the user repository the jobs need.
type UserDirectory interface {
	ListAll(ctx context.Context) ([]*models.User, error)
	TopByScore(ctx context.Context, limit int) ([]*models.User, error)
	ResetWeeklyScores(ctx context.Context) (int64, error)
}

// LeaderboardStore covers snapshots and weekly challenges.
type LeaderboardStore interface {
	GetLatestSnapshot(ctx context.Context) ([]*models.LeaderboardEntry, error)
	InsertSnapshot(ctx context.Context, entries []*models.LeaderboardEntry) error
	PruneSnapshotsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	InsertChallenges(ctx context.Context, challenges []*models.Challenge) error
	DeactivateExpiredChallenges(ctx context.Context, now time.Time) (int64, error)
	ArchiveWeekly(ctx context.Context, weekOf time.Time) error
}

// RiskFeed loads the last hour's flags and anomalies.
type RiskFeed interface {
	GetRiskFlagsSince(ctx context.Context, since time.Time) ([]*models.RiskFlag, error)
	GetAnomaliesSince(ctx context.Context, since time.Time) ([]*models.Anomaly, error)
}

// FingerprintPruner trims fingerprint rows outside the retention window.
type FingerprintPruner interface {
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// AlertWriter raises operator alerts.
type AlertWriter interface {
	CreateAlert(ctx context.Context, a *models.Alert) error
}

// Jobs bundles the dependencies of the three scheduled operations. Every
// database operation runs under the shared retry policy; an operation that
// exhausts its attempts raises an operator alert.
type Jobs struct {
	engine       Rescorer
	users        UserDirectory
	leaderboards LeaderboardStore
	anomalies    RiskFeed
	fingerprints FingerprintPruner
	jobLogs      AlertWriter

	retry repositories.RetryPolicy
}

// NewJobs creates the job bundle.
func NewJobs(
	engine Rescorer,
	users UserDirectory,
	leaderboards LeaderboardStore,
	anomalies RiskFeed,
	fingerprints FingerprintPruner,
	jobLogs AlertWriter,
) *Jobs {
	return &Jobs{
		engine:       engine,
		users:        users,
		leaderboards: leaderboards,
		anomalies:    anomalies,
		fingerprints: fingerprints,
		jobLogs:      jobLogs,
		retry:        repositories.DefaultRetryPolicy,
	}
}

// RegisterAll wires the three jobs onto the scheduler.
func (j *Jobs) RegisterAll(s *Scheduler) {
	s.Register(Job{Name: JobDailyRecalculation, Next: DailyAt(0, 1), Run: j.DailyRecalculation})
	s.Register(Job{Name: JobWeeklyChallenges, Next: WeeklyAt(time.Monday, 0, 10), Run: j.WeeklyChallengesAndReset})
	s.Register(Job{Name: JobHourlyFlaggedUsers, Next: Hourly(), Run: j.HourlyFlaggedUserDetection})
}

// withRetry applies the shared backoff policy to one database operation and
// raises an operator alert when every attempt fails.
func (j *Jobs) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	err := repositories.WithRetry(ctx, j.retry, op, fn)
	if err != nil {
		j.alertExhausted(ctx, op, err)
	}
	return err
}

func (j *Jobs) alertExhausted(ctx context.Context, op string, cause error) {
	alert := &models.Alert{
		AlertType: "job_database_failure",
		Priority:  models.SeverityHigh,
		Summary:   fmt.Sprintf("Database operation %s failed after %d attempts", op, j.retry.Attempts),
		Details:   models.JSONB{"error": cause.Error()},
		Status:    models.AlertStatusOpen,
		CreatedAt: time.Now().UTC(),
	}
	if err := j.jobLogs.CreateAlert(ctx, alert); err != nil {
		log.Error().Err(err).Str("operation", op).Msg("Failed to raise job failure alert")
	}
}

// DailyRecalculation rescores every user, rebuilds the top-100 leaderboard
// and prunes old snapshots. The job is marked failed when more than 10% of
// users fail to rescore.
func (j *Jobs) DailyRecalculation(ctx context.Context) (models.JSONB, error) {
	var users []*models.User
	if err := j.withRetry(ctx, "list_users", func(ctx context.Context) error {
		var err error
		users, err = j.users.ListAll(ctx)
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	var failures int
	for _, user := range users {
		if _, err := j.engine.Recalculate(ctx, user); err != nil {
			failures++
			log.Warn().Err(err).Str("user_id", user.ID).Msg("Recalculation failed for user")
		}
	}

	metadata := models.JSONB{
		"users_total":  len(users),
		"users_failed": failures,
	}

	if err := j.rebuildLeaderboard(ctx); err != nil {
		log.Error().Err(err).Msg("Leaderboard rebuild failed")
		metadata["leaderboard_error"] = err.Error()
	}

	var pruned int64
	if err := j.withRetry(ctx, "prune_snapshots", func(ctx context.Context) error {
		var err error
		pruned, err = j.leaderboards.PruneSnapshotsOlderThan(ctx, time.Now().UTC().Add(-snapshotRetention))
		return err
	}); err != nil {
		log.Error().Err(err).Msg("Snapshot prune failed")
	} else {
		metadata["snapshots_pruned"] = pruned
	}

	var cut int64
	if err := j.withRetry(ctx, "prune_fingerprints", func(ctx context.Context) error {
		var err error
		cut, err = j.fingerprints.PruneOlderThan(ctx, time.Now().UTC().Add(-snapshotRetention))
		return err
	}); err == nil {
		metadata["fingerprints_pruned"] = cut
	}

	if len(users) > 0 && float64(failures)/float64(len(users)) > recalcFailureBudget {
		return metadata, fmt.Errorf("recalculation failed for %d of %d users", failures, len(users))
	}
	return metadata, nil
}

func (j *Jobs) rebuildLeaderboard(ctx context.Context) error {
	var top []*models.User
	if err := j.withRetry(ctx, "load_top_users", func(ctx context.Context) error {
		var err error
		top, err = j.users.TopByScore(ctx, leaderboardSize)
		return err
	}); err != nil {
		return fmt.Errorf("failed to load top users: %w", err)
	}

	var previous []*models.LeaderboardEntry
	if err := j.withRetry(ctx, "load_latest_snapshot", func(ctx context.Context) error {
		var err error
		previous, err = j.leaderboards.GetLatestSnapshot(ctx)
		return err
	}); err != nil {
		log.Warn().Err(err).Msg("No previous leaderboard snapshot")
	}
	prevPositions := make(map[string]int, len(previous))
	for _, entry := range previous {
		prevPositions[entry.UserID] = entry.Position
	}

	now := time.Now().UTC()
	entries := make([]*models.LeaderboardEntry, 0, len(top))
	for i, user := range top {
		position := i + 1
		entry := &models.LeaderboardEntry{
			UserID:        user.ID,
			Position:      position,
			BehaviorScore: user.BehaviorScore,
			CreatedAt:     now,
		}
		if prev, ok := prevPositions[user.ID]; ok {
			p := prev
			entry.PreviousPosition = &p
			entry.PositionChange = prev - position
		}
		entries = append(entries, entry)
	}

	return j.withRetry(ctx, "insert_snapshot", func(ctx context.Context) error {
		return j.leaderboards.InsertSnapshot(ctx, entries)
	})
}

// challengeTemplates are the weekly challenge generators. Parameters are
// randomized per week.
var challengeTemplates = []struct {
	kind        string
	description string
	params      []string
	minReward   int
	maxReward   int
}{
	{models.ChallengeTheme, "Create a meme on this week's theme: %s", []string{"retro gaming", "office life", "cats vs dogs", "monday mood", "crypto winter"}, 50, 150},
	{models.ChallengeFormat, "Post a meme in the %s format", []string{"drake", "distracted boyfriend", "expanding brain", "two buttons", "change my mind"}, 40, 120},
	{models.ChallengeViral, "Get %s reactions on a single meme", []string{"100", "250", "500"}, 100, 300},
	{models.ChallengeEngagement, "Comment on %s memes from other creators", []string{"10", "20", "30"}, 30, 80},
	{models.ChallengeDaily, "Upload at least one meme every day for %s days", []string{"3", "5", "7"}, 60, 200},
}

// WeeklyChallengesAndReset generates 3-5 new challenges, archives the weekly
// leaderboard and zeroes weekly scores.
func (j *Jobs) WeeklyChallengesAndReset(ctx context.Context) (models.JSONB, error) {
	now := time.Now().UTC()

	count := 3 + rand.Intn(3)
	order := rand.Perm(len(challengeTemplates))
	challenges := make([]*models.Challenge, 0, count)
	for _, idx := range order[:count] {
		tpl := challengeTemplates[idx]
		param := tpl.params[rand.Intn(len(tpl.params))]
		challenges = append(challenges, &models.Challenge{
			Type:         tpl.kind,
			Description:  fmt.Sprintf(tpl.description, param),
			StartDate:    now,
			EndDate:      now.AddDate(0, 0, 7),
			RewardPoints: tpl.minReward + rand.Intn(tpl.maxReward-tpl.minReward+1),
			Active:       true,
		})
	}

	metadata := models.JSONB{"challenges_generated": len(challenges)}

	if err := j.withRetry(ctx, "insert_challenges", func(ctx context.Context) error {
		return j.leaderboards.InsertChallenges(ctx, challenges)
	}); err != nil {
		return metadata, fmt.Errorf("failed to insert challenges: %w", err)
	}

	var expired int64
	if err := j.withRetry(ctx, "deactivate_challenges", func(ctx context.Context) error {
		var err error
		expired, err = j.leaderboards.DeactivateExpiredChallenges(ctx, now)
		return err
	}); err != nil {
		log.Error().Err(err).Msg("Challenge deactivation failed")
	} else {
		metadata["challenges_expired"] = expired
	}

	if err := j.withRetry(ctx, "archive_weekly_leaderboard", func(ctx context.Context) error {
		return j.leaderboards.ArchiveWeekly(ctx, now)
	}); err != nil {
		return metadata, fmt.Errorf("failed to archive weekly leaderboard: %w", err)
	}

	var reset int64
	if err := j.withRetry(ctx, "reset_weekly_scores", func(ctx context.Context) error {
		var err error
		reset, err = j.users.ResetWeeklyScores(ctx)
		return err
	}); err != nil {
		return metadata, fmt.Errorf("failed to reset weekly scores: %w", err)
	}
	metadata["weekly_scores_reset"] = reset

	return metadata, nil
}

// HourlyFlaggedUserDetection buckets the last hour's risk flags and anomalies
// per user and raises an operator alert when the hour looks bad.
func (j *Jobs) HourlyFlaggedUserDetection(ctx context.Context) (models.JSONB, error) {
	since := time.Now().UTC().Add(-time.Hour)

	var flags []*models.RiskFlag
	if err := j.withRetry(ctx, "load_risk_flags", func(ctx context.Context) error {
		var err error
		flags, err = j.anomalies.GetRiskFlagsSince(ctx, since)
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to load risk flags: %w", err)
	}

	var anomalies []*models.Anomaly
	if err := j.withRetry(ctx, "load_anomalies", func(ctx context.Context) error {
		var err error
		anomalies, err = j.anomalies.GetAnomaliesSince(ctx, since)
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to load anomalies: %w", err)
	}

	perUser := make(map[string]int)
	for _, flag := range flags {
		perUser[flag.UserID]++
	}
	for _, anomaly := range anomalies {
		for _, userID := range anomaly.AffectedUsers {
			perUser[userID]++
		}
	}

	flagged := make(map[string]string)
	anyHigh := false
	for userID, count := range perUser {
		switch {
		case count >= hourlyHighFlagBar:
			flagged[userID] = models.SeverityHigh
			anyHigh = true
		case count >= hourlyMediumFlagBar:
			flagged[userID] = models.SeverityMedium
		}
	}

	metadata := models.JSONB{
		"flags_total":   len(flags),
		"anomalies":     len(anomalies),
		"users_flagged": len(flagged),
	}

	var alert *models.Alert
	switch {
	case anyHigh:
		alert = &models.Alert{
			AlertType: "flagged_users",
			Priority:  models.SeverityHigh,
			Summary:   fmt.Sprintf("%d users heavily flagged in the last hour", len(flagged)),
		}
	case len(flags) >= hourlyTotalAlertBar:
		alert = &models.Alert{
			AlertType: "flagged_users",
			Priority:  models.SeverityMedium,
			Summary:   fmt.Sprintf("%d risk flags raised in the last hour", len(flags)),
		}
	}

	if alert != nil {
		alert.Status = models.AlertStatusOpen
		alert.CreatedAt = time.Now().UTC()
		alert.Details = models.JSONB{
			"flagged_users": flagged,
			"window_start":  since.Format(time.RFC3339),
		}
		if err := repositories.WithRetry(ctx, j.retry, "create_alert", func(ctx context.Context) error {
			return j.jobLogs.CreateAlert(ctx, alert)
		}); err != nil {
			return metadata, fmt.Errorf("failed to create alert: %w", err)
		}
		metadata["alert_priority"] = alert.Priority
	}

	return metadata, nil
}
