package bse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memeforge/trust-engine/internal/models"
)

func newTestContext(ageDays, currentScore float64) *models.UserContext {
	return &models.UserContext{
		UserID:         "user-1",
		AccountAgeDays: ageDays,
		CurrentScore:   currentScore,
	}
}

func TestComputeNewAccountLogin(t *testing.T) {
	event := &models.Event{
		UserID:    "user-1",
		EventType: models.EventLogin,
		Timestamp: time.Now().UTC(),
	}

	result := Compute(event, newTestContext(0.5, 100))

	assert.Equal(t, 80.0, result.Score)
	assert.Equal(t, []string{models.FlagNewAccount}, result.Flags)
	assert.Equal(t, models.RiskHighlyTrusted, result.RiskLevel)
	assert.False(t, result.CalculationError)
}

func TestComputeRecentAccountBand(t *testing.T) {
	event := &models.Event{EventType: models.EventLogin, Timestamp: time.Now().UTC()}

	result := Compute(event, newTestContext(3, 100))

	assert.Equal(t, 90.0, result.Score)
	assert.Contains(t, result.Flags, models.FlagRecentAccount)
}

func TestComputeBoundedUpwardMovement(t *testing.T) {
	// A clean meme upload computes near 100, but without a flag the stored
	// score may only move 10 points per event.
	event := &models.Event{
		EventType: models.EventMemeUpload,
		Timestamp: time.Now().UTC(),
	}

	result := Compute(event, newTestContext(30, 50))

	assert.Equal(t, 60.0, result.Score)
	assert.Empty(t, result.Flags)
	assert.Equal(t, models.RiskNormal, result.RiskLevel)
}

func TestComputeBoundedDownwardMovement(t *testing.T) {
	// A honeypot fill penalizes 20 points but emits no flag, so the movement
	// is bounded.
	event := &models.Event{
		EventType: models.EventFormSubmission,
		Timestamp: time.Now().UTC(),
		Metadata:  models.JSONB{"honeypot_filled": true},
	}

	result := Compute(event, newTestContext(30, 100))

	assert.Equal(t, 90.0, result.Score)
	assert.Empty(t, result.Flags)
}

func TestComputeFlagLiftsMovementBound(t *testing.T) {
	// A flagged event applies its penalty in full regardless of the stored
	// score.
	event := &models.Event{
		EventType: models.EventPageView,
		Timestamp: time.Now().UTC(),
		Metadata: models.JSONB{
			"bot_detection_flags": []interface{}{models.FlagBrowserBot},
		},
	}

	result := Compute(event, newTestContext(30, 100))

	assert.Equal(t, 65.0, result.Score)
	assert.Contains(t, result.Flags, models.FlagBrowserBot)
	assert.Equal(t, models.RiskNormal, result.RiskLevel)
}

func TestComputeClampsToZero(t *testing.T) {
	event := &models.Event{
		EventType: models.EventSignup,
		Timestamp: time.Now().UTC(),
		Metadata: models.JSONB{
			"bot_analysis": map[string]interface{}{"bot_probability": 0.9},
			"bot_detection_flags": []interface{}{
				models.FlagBrowserBot,
				models.FlagBlacklistedIP,
			},
		},
	}

	result := Compute(event, newTestContext(0.2, 100))

	assert.Equal(t, 0.0, result.Score)
	assert.Equal(t, models.RiskSuspicious, result.RiskLevel)
	assert.Contains(t, result.Flags, models.FlagHighBotProbability)
	assert.Contains(t, result.Flags, models.FlagNewAccount)
}

func TestComputeReferralSignals(t *testing.T) {
	event := &models.Event{
		EventType: models.EventReferral,
		Timestamp: time.Now().UTC(),
		Metadata: models.JSONB{
			"referral_analysis": map[string]interface{}{
				"same_ip_referral":            true,
				"same_ip_referrals_last_hour": 5.0,
				"rapid_referrals":             true,
			},
		},
	}

	result := Compute(event, newTestContext(30, 100))

	// -35 -30 -20 against base 100
	assert.Equal(t, 15.0, result.Score)
	assert.ElementsMatch(t, []string{
		models.FlagSameIPReferral,
		models.FlagExcessiveIPReferral,
		models.FlagRapidReferrals,
	}, result.Flags)
}

func TestComputeCleanReferralBonus(t *testing.T) {
	event := &models.Event{
		EventType: models.EventReferral,
		Timestamp: time.Now().UTC(),
	}

	result := Compute(event, newTestContext(400, 95))

	// +3 referral +5 tenure against base 100, clamped, then bounded
	assert.Equal(t, 100.0, result.Score)
	assert.Empty(t, result.Flags)
}

func TestComputeRecoversFromPanic(t *testing.T) {
	event := &models.Event{EventType: models.EventLogin, Timestamp: time.Now().UTC()}

	result := Compute(event, nil)

	assert.Equal(t, 50.0, result.Score)
	assert.Equal(t, []string{models.FlagCalculationError}, result.Flags)
	assert.Equal(t, models.RiskNormal, result.RiskLevel)
	assert.True(t, result.CalculationError)
}

func TestComputeBotLikeVelocity(t *testing.T) {
	// Ten events spaced exactly 10s apart read as a scripted client.
	now := time.Now().UTC()
	var recent []*models.Event
	for i := 0; i < 10; i++ {
		recent = append(recent, &models.Event{
			EventType: models.EventClick,
			Timestamp: now.Add(-time.Duration(i*10) * time.Second),
		})
	}

	event := &models.Event{EventType: models.EventClick, Timestamp: now}
	userCtx := newTestContext(30, 100)
	userCtx.RecentActivity = recent

	result := Compute(event, userCtx)

	require.Contains(t, result.Flags, models.FlagBotLikeVelocity)
	assert.Less(t, result.Score, 100.0)
}

func TestComputeDeviceInconsistency(t *testing.T) {
	now := time.Now().UTC()
	recent := []*models.Event{
		{Timestamp: now.Add(-time.Hour), DeviceFingerprintID: "dev-1"},
		{Timestamp: now.Add(-2 * time.Hour), DeviceFingerprintID: "dev-2"},
		{Timestamp: now.Add(-3 * time.Hour), DeviceFingerprintID: "dev-3"},
	}

	event := &models.Event{
		EventType:           models.EventLogin,
		Timestamp:           now,
		DeviceFingerprintID: "dev-4",
	}
	userCtx := newTestContext(30, 100)
	userCtx.RecentActivity = recent

	result := Compute(event, userCtx)

	assert.Contains(t, result.Flags, models.FlagDeviceInconsistency)
	assert.Equal(t, 90.0, result.Score)
}

func TestClassifyVelocity(t *testing.T) {
	tests := []struct {
		name     string
		events5m int
		eventsHr int
		ips      int
		want     string
	}{
		{"quiet user", 2, 10, 1, models.VelocityLow},
		{"medium by 5m burst", 16, 20, 1, models.VelocityMedium},
		{"medium by hourly volume", 5, 51, 1, models.VelocityMedium},
		{"medium by ip spread", 1, 5, 4, models.VelocityMedium},
		{"high by 5m burst", 31, 40, 1, models.VelocityHigh},
		{"high by hourly volume", 10, 101, 2, models.VelocityHigh},
		{"high by ip spread", 1, 10, 6, models.VelocityHigh},
		{"boundary stays low", 15, 50, 3, models.VelocityLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyVelocity(tt.events5m, tt.eventsHr, tt.ips))
		})
	}
}

func TestRiskLevelBands(t *testing.T) {
	assert.Equal(t, models.RiskSuspicious, models.RiskLevelFor(0))
	assert.Equal(t, models.RiskSuspicious, models.RiskLevelFor(49))
	assert.Equal(t, models.RiskNormal, models.RiskLevelFor(50))
	assert.Equal(t, models.RiskNormal, models.RiskLevelFor(79))
	assert.Equal(t, models.RiskHighlyTrusted, models.RiskLevelFor(80))
	assert.Equal(t, models.RiskHighlyTrusted, models.RiskLevelFor(100))
}
