package dashboard

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/memeforge/trust-engine/internal/models"
	"github.com/memeforge/trust-engine/internal/repositories"
)

// timeRanges maps the accepted time_range query values to durations.
var timeRanges = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// Service assembles the operator dashboard views from the repositories.
type Service struct {
	users        *repositories.UserRepository
	events       *repositories.EventRepository
	anomalies    *repositories.AnomalyRepository
	leaderboards *repositories.LeaderboardRepository
	jobLogs      *repositories.JobLogRepository
	stats        StatsSource
}

// StatsSource supplies webhook counters for the summary block.
type StatsSource interface {
	Snapshot(ctx context.Context) map[string]int64
}

// NewService creates a dashboard service.
func NewService(
	users *repositories.UserRepository,
	events *repositories.EventRepository,
	anomalies *repositories.AnomalyRepository,
	leaderboards *repositories.LeaderboardRepository,
	jobLogs *repositories.JobLogRepository,
	stats StatsSource,
) *Service {
	return &Service{
		users:        users,
		events:       events,
		anomalies:    anomalies,
		leaderboards: leaderboards,
		jobLogs:      jobLogs,
		stats:        stats,
	}
}

// ParseTimeRange validates a time_range query value, defaulting to 24h.
func ParseTimeRange(raw string) (time.Duration, error) {
	if raw == "" {
		return timeRanges["24h"], nil
	}
	d, ok := timeRanges[raw]
	if !ok {
		return 0, fmt.Errorf("time_range must be one of 1h, 24h, 7d, 30d")
	}
	return d, nil
}

// Data is the full dashboard payload: five chart objects plus a summary.
type Data struct {
	TimeRange   string                 `json:"time_range"`
	ScoreTrend  map[string]interface{} `json:"score_trend"`
	ScoreZones  map[string]interface{} `json:"score_zones"`
	FlagPie     map[string]interface{} `json:"flag_distribution"`
	BotPatterns map[string]interface{} `json:"bot_patterns"`
	Leaderboard map[string]interface{} `json:"leaderboard"`
	Summary     map[string]interface{} `json:"summary"`
	GeneratedAt time.Time              `json:"generated_at"`
}

// Data builds the dashboard payload for one time range. Individual chart
// failures degrade to empty charts so the dashboard stays up through partial
// outages.
func (s *Service) Data(ctx context.Context, rangeName string, window time.Duration) (*Data, error) {
	now := time.Now().UTC()
	since := now.Add(-window)

	data := &Data{
		TimeRange:   rangeName,
		GeneratedAt: now,
	}

	trend, err := s.leaderboards.ScoreTrendSince(ctx, since)
	if err != nil {
		log.Warn().Err(err).Msg("Score trend unavailable")
	}
	avg, userCount, err := s.users.AverageScore(ctx)
	if err != nil {
		return nil, err
	}
	points := make([]map[string]interface{}, 0, len(trend)+1)
	for _, p := range trend {
		points = append(points, map[string]interface{}{
			"timestamp": p.Day.Format(time.RFC3339),
			"avg_score": p.AvgScore,
		})
	}
	points = append(points, map[string]interface{}{
		"timestamp": now.Format(time.RFC3339),
		"avg_score": avg,
	})
	data.ScoreTrend = map[string]interface{}{
		"type":   "line",
		"points": points,
	}

	zones, err := s.users.ScoreDistribution(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Score distribution unavailable")
		zones = map[string]int{}
	}
	data.ScoreZones = map[string]interface{}{
		"type":  "bar",
		"zones": zones,
	}

	flagCounts, err := s.anomalies.CountFlagsByFlagSince(ctx, since)
	if err != nil {
		log.Warn().Err(err).Msg("Flag counts unavailable")
		flagCounts = map[string]int{}
	}
	data.FlagPie = map[string]interface{}{
		"type":   "pie",
		"slices": flagCounts,
	}

	patternCounts, err := s.anomalies.CountByPatternSince(ctx, since)
	if err != nil {
		log.Warn().Err(err).Msg("Pattern counts unavailable")
		patternCounts = map[string]int{}
	}
	bubbles := make([]map[string]interface{}, 0, len(patternCounts))
	for pattern, count := range patternCounts {
		bubbles = append(bubbles, map[string]interface{}{
			"pattern": pattern,
			"count":   count,
		})
	}
	data.BotPatterns = map[string]interface{}{
		"type":    "bubble",
		"bubbles": bubbles,
	}

	snapshot, err := s.leaderboards.GetLatestSnapshot(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Leaderboard snapshot unavailable")
	}
	data.Leaderboard = map[string]interface{}{
		"type": "table",
		"rows": leaderboardRows(snapshot),
	}

	eventCount, err := s.events.CountSince(ctx, since)
	if err != nil {
		log.Warn().Err(err).Msg("Event count unavailable")
	}
	data.Summary = map[string]interface{}{
		"users_total":   userCount,
		"average_score": avg,
		"events":        eventCount,
		"anomalies":     sumCounts(patternCounts),
		"flags":         sumCounts(flagCounts),
	}
	if s.stats != nil {
		data.Summary["webhook"] = s.stats.Snapshot(ctx)
	}

	return data, nil
}

// Metrics is the compact endpoint and the push payload: headline numbers
// only, no chart series.
func (s *Service) Metrics(ctx context.Context) (map[string]interface{}, error) {
	now := time.Now().UTC()
	since := now.Add(-24 * time.Hour)

	avg, userCount, err := s.users.AverageScore(ctx)
	if err != nil {
		return nil, err
	}

	zones, err := s.users.ScoreDistribution(ctx)
	if err != nil {
		return nil, err
	}

	eventCount, err := s.events.CountSince(ctx, since)
	if err != nil {
		log.Warn().Err(err).Msg("Event count unavailable")
	}

	patternCounts, err := s.anomalies.CountByPatternSince(ctx, since)
	if err != nil {
		log.Warn().Err(err).Msg("Pattern counts unavailable")
	}

	alerts, err := s.jobLogs.GetOpenAlerts(ctx, 10)
	if err != nil {
		log.Warn().Err(err).Msg("Open alerts unavailable")
	}

	return map[string]interface{}{
		"users_total":   userCount,
		"average_score": avg,
		"score_zones":   zones,
		"events_24h":    eventCount,
		"anomalies_24h": sumCounts(patternCounts),
		"open_alerts":   len(alerts),
		"generated_at":  now.Format(time.RFC3339),
	}, nil
}

func leaderboardRows(entries []*models.LeaderboardEntry) []map[string]interface{} {
	rows := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, map[string]interface{}{
			"position":        e.Position,
			"user_id":         e.UserID,
			"behavior_score":  e.BehaviorScore,
			"position_change": e.PositionChange,
		})
	}
	return rows
}

func sumCounts(counts map[string]int) int {
	total := 0
	for _, n := range counts {
		total += n
	}
	return total
}
