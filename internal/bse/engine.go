package bse

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/memeforge/trust-engine/internal/models"
	"github.com/memeforge/trust-engine/internal/repositories"
)

// recentActivityLimit caps the activity window fed into one computation.
const recentActivityLimit = 200

// UserStore is the slice of the user repository the engine needs.
type UserStore interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	UpdateScore(ctx context.Context, id string, score float64, at time.Time) error
	UpdateScoreCAS(ctx context.Context, id string, score float64, prev *time.Time, at time.Time) error
}

// EventStore provides the recent-activity window.
type EventStore interface {
	GetRecentByUser(ctx context.Context, userID string, since time.Time, limit int) ([]*models.Event, error)
}

// FlagStore persists emitted risk flags.
type FlagStore interface {
	CreateRiskFlags(ctx context.Context, flags []*models.RiskFlag) error
}

// Engine computes behavior scores. The rule layer is pure; the engine owns
// the edges: loading context, serializing per-user writes, persisting the
// result and forwarding it downstream.
type Engine struct {
	users     UserStore
	events    EventStore
	flags     FlagStore
	forwarder *Forwarder // nil disables outbound forwarding

	locks userLocks
	retry repositories.RetryPolicy
}

// NewEngine creates a scoring engine.
func NewEngine(users UserStore, events EventStore, flags FlagStore, forwarder *Forwarder) *Engine {
	return &Engine{
		users:     users,
		events:    events,
		flags:     flags,
		forwarder: forwarder,
		retry:     repositories.DefaultRetryPolicy,
	}
}

// Outcome is the result of processing one event end to end.
type Outcome struct {
	Result    models.ScoreResult
	Forwarded bool
	User      *models.User
}

// ProcessEvent scores one event and persists the new behavior score and any
// risk flags. Score writes for the same user are serialized through a
// per-user lock so the bounded-movement rule holds under concurrency.
// The computation itself never fails; persistence errors are returned.
func (e *Engine) ProcessEvent(ctx context.Context, event *models.Event) (*Outcome, error) {
	unlock := e.locks.lock(event.UserID)
	defer unlock()

	user, err := e.users.GetByID(ctx, event.UserID)
	if errors.Is(err, repositories.ErrUserNotFound) {
		// First sighting: the platform creates users out of band, but events
		// can race that creation. Seed with defaults so scoring proceeds.
		user = &models.User{
			ID:            event.UserID,
			BehaviorScore: 100,
			CreatedAt:     time.Now().UTC(),
		}
		if createErr := e.users.Create(ctx, user); createErr != nil {
			return nil, createErr
		}
	} else if err != nil {
		return nil, err
	}

	userCtx := e.buildContext(ctx, event, user)
	result := Compute(event, userCtx)

	now := time.Now().UTC()
	writeErr := repositories.WithRetry(ctx, e.retry, "update_behavior_score", func(ctx context.Context) error {
		return e.users.UpdateScore(ctx, user.ID, result.Score, now)
	})
	if writeErr != nil {
		log.Error().Err(writeErr).Str("user_id", user.ID).Msg("Score write failed after retries")
		result.Flags = append(result.Flags, models.FlagWriteFailure)
	}

	if len(result.Flags) > 0 {
		e.persistFlags(ctx, event, result)
	}

	outcome := &Outcome{Result: result, User: user}

	if e.forwarder != nil && !result.CalculationError {
		outcome.Forwarded = true
		// Outbound delivery never blocks or fails the caller
		go e.forwarder.Forward(&ScorePayload{
			UserID:        user.ID,
			BehaviorScore: result.Score,
			RiskFlags:     result.Flags,
			Timestamp:     now,
		})
	}

	log.Info().
		Str("user_id", user.ID).
		Float64("score", result.Score).
		Str("risk_level", result.RiskLevel).
		Strs("flags", result.Flags).
		Str("event_type", event.EventType).
		Msg("Event scored")

	if writeErr != nil {
		return outcome, writeErr
	}
	return outcome, nil
}

// Recalculate scores a synthetic event for the scheduled daily job. No
// outbound forward, no event persistence; only the score write. The write is
// compare-and-swapped on last_updated: when a live event scored the user
// after the job read it, that write is fresher and the recalculation stands
// down.
func (e *Engine) Recalculate(ctx context.Context, user *models.User) (models.ScoreResult, error) {
	unlock := e.locks.lock(user.ID)
	defer unlock()

	now := time.Now().UTC()
	event := &models.Event{
		UserID:    user.ID,
		EventType: models.EventPageView,
		Timestamp: now,
	}

	userCtx := e.buildContext(ctx, event, user)
	result := Compute(event, userCtx)

	err := repositories.WithRetry(ctx, e.retry, "recalculate_behavior_score", func(ctx context.Context) error {
		err := e.users.UpdateScoreCAS(ctx, user.ID, result.Score, user.LastUpdated, now)
		if errors.Is(err, repositories.ErrStaleScore) {
			log.Debug().Str("user_id", user.ID).Msg("Recalculation lost the score race, keeping the event-driven write")
			return nil
		}
		return err
	})
	return result, err
}

func (e *Engine) buildContext(ctx context.Context, event *models.Event, user *models.User) *models.UserContext {
	since := event.Timestamp.Add(-24 * time.Hour)
	recent, err := e.events.GetRecentByUser(ctx, user.ID, since, recentActivityLimit)
	if err != nil {
		log.Warn().Err(err).Str("user_id", user.ID).Msg("Failed to load recent activity")
	}

	return &models.UserContext{
		UserID:         user.ID,
		AccountAgeDays: time.Since(user.CreatedAt).Hours() / 24,
		CurrentScore:   user.BehaviorScore,
		IsVerified:     user.IsVerified,
		RecentActivity: recent,
	}
}

func (e *Engine) persistFlags(ctx context.Context, event *models.Event, result models.ScoreResult) {
	flags := make([]*models.RiskFlag, 0, len(result.Flags))
	for _, name := range result.Flags {
		flags = append(flags, &models.RiskFlag{
			UserID:    event.UserID,
			Flag:      name,
			Severity:  flagSeverity(name),
			Timestamp: time.Now().UTC(),
			Metadata: models.JSONB{
				"event_type": event.EventType,
				"source_ip":  event.SourceIP,
			},
		})
	}

	if err := e.flags.CreateRiskFlags(ctx, flags); err != nil {
		log.Error().Err(err).Str("user_id", event.UserID).Msg("Failed to persist risk flags")
	}
}

func flagSeverity(flag string) string {
	switch flag {
	case models.FlagHighBotProbability, models.FlagBrowserBot, models.FlagBlacklistedIP,
		models.FlagSameIPReferral, models.FlagExcessiveIPReferral:
		return models.SeverityHigh
	case models.FlagDatacenterIP, models.FlagCommercialVPN, models.FlagHostingProvider,
		models.FlagInactiveReferred, models.FlagRapidReferrals, models.FlagBotLikeVelocity,
		models.FlagHighVelocity, models.FlagDeviceInconsistency:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// userLocks serializes score writes per user id with a sharded mutex map.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func (ul *userLocks) lock(userID string) func() {
	ul.mu.Lock()
	if ul.locks == nil {
		ul.locks = make(map[string]*userLock)
	}
	l, ok := ul.locks[userID]
	if !ok {
		l = &userLock{}
		ul.locks[userID] = l
	}
	l.refs++
	ul.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()
		ul.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(ul.locks, userID)
		}
		ul.mu.Unlock()
	}
}
