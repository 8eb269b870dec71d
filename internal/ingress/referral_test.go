package ingress

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memeforge/trust-engine/configs"
	"github.com/memeforge/trust-engine/internal/models"
)

type stubReferralCounts struct {
	ipCount       int
	userCount     int
	activityCount int
	err           error
}

func (s *stubReferralCounts) CountReferralsByIPSince(ctx context.Context, ip string, since time.Time) (int, error) {
	return s.ipCount, s.err
}

func (s *stubReferralCounts) CountReferralsByUserSince(ctx context.Context, userID string, since time.Time) (int, error) {
	return s.userCount, s.err
}

func (s *stubReferralCounts) CountActivitySince(ctx context.Context, userID string, since time.Time) (int, error) {
	return s.activityCount, s.err
}

func TestReferralCheckSignals(t *testing.T) {
	d := NewReferralDetector(&stubReferralCounts{ipCount: 4, userCount: 11}, configs.ScoringConfig{})

	signals := d.Check(context.Background(), "user-1", "10.0.0.1")
	assert.ElementsMatch(t, []string{SignalExcessiveIPReferrals, SignalExcessiveUserReferrals}, signals)
}

func TestReferralCheckAtLimits(t *testing.T) {
	// Exactly at the limits passes; only exceeding them rejects
	d := NewReferralDetector(&stubReferralCounts{ipCount: 3, userCount: 10}, configs.ScoringConfig{})

	assert.Empty(t, d.Check(context.Background(), "user-1", "10.0.0.1"))
}

func TestReferralCheckDegradesOpen(t *testing.T) {
	counts := &stubReferralCounts{ipCount: 99, userCount: 99, err: errors.New("connection refused")}
	d := NewReferralDetector(counts, configs.ScoringConfig{})

	// A count failure never rejects a referral
	assert.Empty(t, d.Check(context.Background(), "user-1", "10.0.0.1"))
}

func TestReferralAnnotate(t *testing.T) {
	counts := &stubReferralCounts{ipCount: 2, userCount: 3, activityCount: 0}
	d := NewReferralDetector(counts, configs.ScoringConfig{ReferralInactiveGrace: 24 * time.Hour})

	event := &models.Event{
		UserID:    "referrer",
		EventType: models.EventReferral,
		SourceIP:  "10.0.0.9",
		Metadata: models.JSONB{
			"referred_ip":      "10.0.0.9",
			"referred_user_id": "fresh",
		},
	}

	d.Annotate(context.Background(), event)

	analysis, ok := event.Metadata["referral_analysis"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 2, analysis["same_ip_referrals_last_hour"])
	assert.Equal(t, true, analysis["same_ip_referral"])
	assert.Equal(t, true, analysis["inactive_referred_user"])
	assert.Equal(t, true, analysis["rapid_referrals"])
}

func TestReferralAnnotateQuietReferral(t *testing.T) {
	counts := &stubReferralCounts{ipCount: 1, userCount: 1, activityCount: 5}
	d := NewReferralDetector(counts, configs.ScoringConfig{ReferralInactiveGrace: 24 * time.Hour})

	event := &models.Event{
		UserID:    "referrer",
		EventType: models.EventReferral,
		SourceIP:  "10.0.0.9",
		Metadata: models.JSONB{
			"referred_ip":      "203.0.113.7",
			"referred_user_id": "active-friend",
		},
	}

	d.Annotate(context.Background(), event)

	analysis, ok := event.Metadata["referral_analysis"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 1, analysis["same_ip_referrals_last_hour"])
	assert.NotContains(t, analysis, "same_ip_referral")
	assert.NotContains(t, analysis, "inactive_referred_user")
	assert.NotContains(t, analysis, "rapid_referrals")
}
