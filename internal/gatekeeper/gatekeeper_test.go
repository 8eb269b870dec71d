package gatekeeper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memeforge/trust-engine/configs"
	"github.com/memeforge/trust-engine/internal/models"
	"github.com/memeforge/trust-engine/internal/repositories"
)

type fakeUsers struct {
	users map[string]*models.User
}

func (f *fakeUsers) GetByID(ctx context.Context, id string) (*models.User, error) {
	user, ok := f.users[id]
	if !ok {
		return nil, repositories.ErrUserNotFound
	}
	return user, nil
}

func (f *fakeUsers) UpdateMetadata(ctx context.Context, id string, metadata models.JSONB) error {
	user, ok := f.users[id]
	if !ok {
		return repositories.ErrUserNotFound
	}
	user.Metadata = metadata
	return nil
}

type fakeAccessLogs struct {
	entries []*models.AccessLog
}

func (f *fakeAccessLogs) Create(ctx context.Context, entry *models.AccessLog) error {
	f.entries = append(f.entries, entry)
	return nil
}

func newTestGatekeeper(users map[string]*models.User) (*Gatekeeper, *fakeAccessLogs) {
	logs := &fakeAccessLogs{}
	g := New(&fakeUsers{users: users}, logs, configs.GatekeeperConfig{
		MinBehaviorScore: 60,
		MaxUploadBytes:   10 << 20,
		PasskeySecret:    "test-secret",
	})
	return g, logs
}

func TestValidateAccessUserNotFound(t *testing.T) {
	g, logs := newTestGatekeeper(nil)

	decision := g.ValidateAccess(context.Background(), "ghost")

	assert.False(t, decision.AccessGranted)
	assert.Equal(t, ReasonUserNotFound, decision.Reason)
	require.Len(t, logs.entries, 1)
	assert.False(t, logs.entries[0].Granted)
}

func TestValidateAccessLowScore(t *testing.T) {
	g, _ := newTestGatekeeper(map[string]*models.User{
		"user-1": {ID: "user-1", BehaviorScore: 55},
	})

	decision := g.ValidateAccess(context.Background(), "user-1")

	assert.False(t, decision.AccessGranted)
	assert.Equal(t, ReasonLowScore, decision.Reason)
	require.Len(t, decision.Errors, 1)
	assert.Equal(t, "Behavior score 55 below minimum 60", decision.Errors[0])
}

func TestValidateAccessTrustedScore(t *testing.T) {
	g, logs := newTestGatekeeper(map[string]*models.User{
		"user-1": {ID: "user-1", BehaviorScore: 85},
	})

	decision := g.ValidateAccess(context.Background(), "user-1")

	assert.True(t, decision.AccessGranted)
	assert.Equal(t, AccessBasic, decision.AccessLevel)
	require.Len(t, logs.entries, 1)
	assert.True(t, logs.entries[0].Granted)
}

func TestValidateAccessWithPasskey(t *testing.T) {
	g, _ := newTestGatekeeper(nil)
	passkey := g.IssuePasskey("uploads", time.Now().UTC().Add(-time.Hour))

	users := map[string]*models.User{
		"user-1": {
			ID:            "user-1",
			BehaviorScore: 70,
			Metadata: models.JSONB{
				"passkey":      passkey,
				"access_level": "PREMIUM_ACCESS",
			},
		},
	}
	g, _ = newTestGatekeeper(users)

	decision := g.ValidateAccess(context.Background(), "user-1")

	assert.True(t, decision.AccessGranted)
	assert.Equal(t, "PREMIUM_ACCESS", decision.AccessLevel)
}

func TestValidateAccessMidScoreWithoutPasskey(t *testing.T) {
	g, _ := newTestGatekeeper(map[string]*models.User{
		"user-1": {ID: "user-1", BehaviorScore: 70},
	})

	decision := g.ValidateAccess(context.Background(), "user-1")

	assert.False(t, decision.AccessGranted)
	assert.Equal(t, ReasonNoPasskey, decision.Reason)
}

func TestGrantPasskeyStoresGrant(t *testing.T) {
	users := map[string]*models.User{
		"user-1": {ID: "user-1", BehaviorScore: 70},
	}
	g, _ := newTestGatekeeper(users)

	passkey, err := g.GrantPasskey(context.Background(), "user-1", "uploads", "PREMIUM_ACCESS")
	require.NoError(t, err)
	assert.True(t, g.ValidatePasskey(passkey, time.Now().UTC()))

	// The stored grant upgrades the mid-score user on the next check
	decision := g.ValidateAccess(context.Background(), "user-1")
	assert.True(t, decision.AccessGranted)
	assert.Equal(t, "PREMIUM_ACCESS", decision.AccessLevel)
}

func TestGrantPasskeyUnknownUser(t *testing.T) {
	g, _ := newTestGatekeeper(nil)

	_, err := g.GrantPasskey(context.Background(), "ghost", "uploads", "")
	assert.ErrorIs(t, err, repositories.ErrUserNotFound)
}

func TestPasskeyLifecycle(t *testing.T) {
	g, _ := newTestGatekeeper(nil)
	now := time.Now().UTC()

	passkey := g.IssuePasskey("uploads", now)

	assert.True(t, g.ValidatePasskey(passkey, now))
	assert.True(t, g.ValidatePasskey(passkey, now.Add(23*time.Hour)))
	assert.False(t, g.ValidatePasskey(passkey, now.Add(24*time.Hour)))
	// Issued in the future is invalid
	assert.False(t, g.ValidatePasskey(passkey, now.Add(-time.Minute)))
}

func TestPasskeyTamperResistance(t *testing.T) {
	g, _ := newTestGatekeeper(nil)
	now := time.Now().UTC()
	passkey := g.IssuePasskey("uploads", now)

	assert.False(t, g.ValidatePasskey("admin"+passkey[7:], now))
	assert.False(t, g.ValidatePasskey("no-separators", now))
	assert.False(t, g.ValidatePasskey("a:b:not-a-timestamp", now))
	assert.False(t, g.ValidatePasskey("", now))

	// A key minted with another secret never validates
	other, _ := newTestGatekeeper(nil)
	other.secret = []byte("other-secret")
	assert.False(t, g.ValidatePasskey(other.IssuePasskey("uploads", now), now))
}

func TestValidateUpload(t *testing.T) {
	g, _ := newTestGatekeeper(map[string]*models.User{
		"user-1": {ID: "user-1", BehaviorScore: 90},
	})
	ctx := context.Background()

	t.Run("allowed type and size", func(t *testing.T) {
		decision := g.ValidateUpload(ctx, "user-1", "image/png", 1<<20)
		assert.True(t, decision.AccessGranted)
	})

	t.Run("content type parameters are stripped", func(t *testing.T) {
		decision := g.ValidateUpload(ctx, "user-1", "Image/PNG; charset=utf-8", 1<<20)
		assert.True(t, decision.AccessGranted)
	})

	t.Run("disallowed type", func(t *testing.T) {
		decision := g.ValidateUpload(ctx, "user-1", "application/zip", 1<<20)
		assert.False(t, decision.AccessGranted)
		assert.Equal(t, "invalid_upload", decision.Reason)
	})

	t.Run("oversize upload accumulates both errors", func(t *testing.T) {
		decision := g.ValidateUpload(ctx, "user-1", "video/mp4", 50<<20)
		assert.False(t, decision.AccessGranted)
		assert.Len(t, decision.Errors, 2)
	})

	t.Run("access denial short-circuits content checks", func(t *testing.T) {
		decision := g.ValidateUpload(ctx, "ghost", "image/png", 1<<20)
		assert.False(t, decision.AccessGranted)
		assert.Equal(t, ReasonUserNotFound, decision.Reason)
	})
}
