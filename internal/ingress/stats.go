package ingress

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/memeforge/trust-engine/internal/queue"
)

// Stat counter fields, kept in a rolling per-day Redis hash.
const (
	StatProcessed        = "processed"
	StatDuplicates       = "duplicates"
	StatRejectedBot      = "rejected_bot"
	StatRejectedReferral = "rejected_referral"
	StatRejectedAuth     = "rejected_auth"
	StatValidationErrors = "validation_errors"
	StatDatabaseErrors   = "database_errors"
)

const statsKeyPrefix = "webhook:stats:"

// StatsRecorder maintains rolling 24h webhook counters in Redis. Every write
// is best effort; stats never affect request handling.
type StatsRecorder struct {
	cache *queue.CacheClient
}

// NewStatsRecorder creates a recorder. A nil cache disables recording.
func NewStatsRecorder(cache *queue.CacheClient) *StatsRecorder {
	return &StatsRecorder{cache: cache}
}

// Incr bumps one counter for the current day.
func (s *StatsRecorder) Incr(ctx context.Context, field string) {
	if s == nil || s.cache == nil {
		return
	}

	key := statsKeyPrefix + time.Now().UTC().Format("2006-01-02")
	if _, err := s.cache.HIncrBy(ctx, key, field, 1); err != nil {
		log.Debug().Err(err).Str("field", field).Msg("Stats increment failed")
		return
	}
	// 48h expiry keeps yesterday readable for the 24h window
	if err := s.cache.Expire(ctx, key, 48*time.Hour); err != nil {
		log.Debug().Err(err).Msg("Stats expire failed")
	}
}

// Snapshot merges today's and yesterday's counters to approximate the last
// 24 hours.
func (s *StatsRecorder) Snapshot(ctx context.Context) map[string]int64 {
	out := make(map[string]int64)
	if s == nil || s.cache == nil {
		return out
	}

	now := time.Now().UTC()
	for _, day := range []string{
		now.Format("2006-01-02"),
		now.Add(-24 * time.Hour).Format("2006-01-02"),
	} {
		fields, err := s.cache.HGetAll(ctx, statsKeyPrefix+day)
		if err != nil {
			log.Debug().Err(err).Str("day", day).Msg("Stats read failed")
			continue
		}
		for field, raw := range fields {
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
				out[field] += n
			}
		}
	}

	return out
}
