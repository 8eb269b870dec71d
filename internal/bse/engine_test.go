package bse

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memeforge/trust-engine/internal/models"
	"github.com/memeforge/trust-engine/internal/repositories"
)

type fakeUserStore struct {
	users       map[string]*models.User
	created     []*models.User
	scores      map[string]float64
	updateError error
	casError    error
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{
		users:  make(map[string]*models.User),
		scores: make(map[string]float64),
	}
}

func (f *fakeUserStore) GetByID(ctx context.Context, id string) (*models.User, error) {
	user, ok := f.users[id]
	if !ok {
		return nil, repositories.ErrUserNotFound
	}
	return user, nil
}

func (f *fakeUserStore) Create(ctx context.Context, user *models.User) error {
	f.users[user.ID] = user
	f.created = append(f.created, user)
	return nil
}

func (f *fakeUserStore) UpdateScore(ctx context.Context, id string, score float64, at time.Time) error {
	if f.updateError != nil {
		return f.updateError
	}
	f.scores[id] = score
	return nil
}

func (f *fakeUserStore) UpdateScoreCAS(ctx context.Context, id string, score float64, prev *time.Time, at time.Time) error {
	if f.casError != nil {
		return f.casError
	}
	f.scores[id] = score
	return nil
}

type fakeEventStore struct {
	recent []*models.Event
}

func (f *fakeEventStore) GetRecentByUser(ctx context.Context, userID string, since time.Time, limit int) ([]*models.Event, error) {
	return f.recent, nil
}

type fakeFlagStore struct {
	flags []*models.RiskFlag
}

func (f *fakeFlagStore) CreateRiskFlags(ctx context.Context, flags []*models.RiskFlag) error {
	f.flags = append(f.flags, flags...)
	return nil
}

func newTestEngine(users *fakeUserStore, flags *fakeFlagStore) *Engine {
	e := NewEngine(users, &fakeEventStore{}, flags, nil)
	e.retry = repositories.RetryPolicy{Attempts: 1}
	return e
}

func TestProcessEventFirstSighting(t *testing.T) {
	users := newFakeUserStore()
	flags := &fakeFlagStore{}
	engine := newTestEngine(users, flags)

	event := &models.Event{
		UserID:    "fresh-user",
		EventType: models.EventLogin,
		Timestamp: time.Now().UTC(),
	}

	outcome, err := engine.ProcessEvent(context.Background(), event)
	require.NoError(t, err)
	require.NotNil(t, outcome)

	// The user is seeded on first sight and scored as a brand-new account
	require.Len(t, users.created, 1)
	assert.Equal(t, "fresh-user", outcome.User.ID)
	assert.Equal(t, 80.0, outcome.Result.Score)
	assert.Contains(t, outcome.Result.Flags, models.FlagNewAccount)
	assert.Equal(t, 80.0, users.scores["fresh-user"])

	require.Len(t, flags.flags, 1)
	assert.Equal(t, models.FlagNewAccount, flags.flags[0].Flag)
	assert.Equal(t, models.SeverityLow, flags.flags[0].Severity)
}

func TestProcessEventExistingUser(t *testing.T) {
	users := newFakeUserStore()
	users.users["user-1"] = &models.User{
		ID:            "user-1",
		BehaviorScore: 95,
		CreatedAt:     time.Now().UTC().AddDate(0, -2, 0),
	}
	flags := &fakeFlagStore{}
	engine := newTestEngine(users, flags)

	event := &models.Event{
		UserID:    "user-1",
		EventType: models.EventMemeUpload,
		Timestamp: time.Now().UTC(),
	}

	outcome, err := engine.ProcessEvent(context.Background(), event)
	require.NoError(t, err)

	assert.Equal(t, 100.0, outcome.Result.Score)
	assert.Empty(t, outcome.Result.Flags)
	assert.Empty(t, flags.flags)
}

func TestProcessEventWriteFailure(t *testing.T) {
	users := newFakeUserStore()
	users.users["user-1"] = &models.User{
		ID:            "user-1",
		BehaviorScore: 95,
		CreatedAt:     time.Now().UTC().AddDate(0, -2, 0),
	}
	users.updateError = errors.New("connection reset")
	flags := &fakeFlagStore{}
	engine := newTestEngine(users, flags)

	event := &models.Event{
		UserID:    "user-1",
		EventType: models.EventMemeUpload,
		Timestamp: time.Now().UTC(),
	}

	outcome, err := engine.ProcessEvent(context.Background(), event)

	// The outcome survives the failed write and carries the marker flag
	require.Error(t, err)
	require.NotNil(t, outcome)
	assert.Contains(t, outcome.Result.Flags, models.FlagWriteFailure)
	require.NotEmpty(t, flags.flags)
	assert.Equal(t, models.FlagWriteFailure, flags.flags[0].Flag)
}

func TestRecalculateBoundsMovement(t *testing.T) {
	users := newFakeUserStore()
	user := &models.User{
		ID:            "user-1",
		BehaviorScore: 70,
		CreatedAt:     time.Now().UTC().AddDate(0, -1, 0),
	}
	users.users["user-1"] = user
	engine := newTestEngine(users, &fakeFlagStore{})

	result, err := engine.Recalculate(context.Background(), user)
	require.NoError(t, err)

	// Neutral recalculation drifts at most 10 points toward the computed value
	assert.Equal(t, 80.0, result.Score)
	assert.Equal(t, 80.0, users.scores["user-1"])
}

func TestRecalculateYieldsToFresherWrite(t *testing.T) {
	users := newFakeUserStore()
	user := &models.User{
		ID:            "user-1",
		BehaviorScore: 70,
		CreatedAt:     time.Now().UTC().AddDate(0, -1, 0),
	}
	users.users["user-1"] = user
	users.casError = repositories.ErrStaleScore
	engine := newTestEngine(users, &fakeFlagStore{})

	result, err := engine.Recalculate(context.Background(), user)

	// A concurrent event write moved last_updated; the job's write stands
	// down without error and the stored score is untouched
	require.NoError(t, err)
	assert.Equal(t, 80.0, result.Score)
	assert.NotContains(t, users.scores, "user-1")
}
