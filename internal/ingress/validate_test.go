package ingress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scorePtr(v float64) *float64 { return &v }

func TestValidateAccumulatesAllErrors(t *testing.T) {
	payload := &WebhookPayload{
		BehaviorScore: scorePtr(150),
		Timestamp:     "yesterday",
	}

	errs := payload.Validate()

	require.Len(t, errs, 3)
	assert.Contains(t, errs[0], "user_id")
	assert.Contains(t, errs[1], "behavior_score")
	assert.Contains(t, errs[2], "timestamp")
}

func TestValidateScoreBounds(t *testing.T) {
	valid := &WebhookPayload{UserID: "u1", BehaviorScore: scorePtr(0)}
	assert.Empty(t, valid.Validate())

	valid.BehaviorScore = scorePtr(100)
	assert.Empty(t, valid.Validate())

	for _, v := range []float64{-0.5, 100.5} {
		payload := &WebhookPayload{UserID: "u1", BehaviorScore: scorePtr(v)}
		errs := payload.Validate()
		require.Len(t, errs, 1, "score %v", v)
		assert.Contains(t, errs[0], "between 0 and 100")
	}
}

func TestValidateMissingScore(t *testing.T) {
	payload := &WebhookPayload{UserID: "u1"}
	errs := payload.Validate()

	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "behavior_score is required")
}

func TestValidateRiskFlagLimit(t *testing.T) {
	flags := make([]string, 21)
	for i := range flags {
		flags[i] = "flag"
	}

	payload := &WebhookPayload{UserID: "u1", BehaviorScore: scorePtr(50), RiskFlags: flags}
	errs := payload.Validate()

	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "risk_flags cannot exceed 20")

	payload.RiskFlags = flags[:20]
	assert.Empty(t, payload.Validate())
}

func TestParsedTimestamp(t *testing.T) {
	payload := &WebhookPayload{Timestamp: "2026-08-24T10:30:00+02:00"}

	ts := payload.ParsedTimestamp()
	assert.Equal(t, time.Date(2026, 8, 24, 8, 30, 0, 0, time.UTC), ts)

	// Missing timestamp defaults to about now
	empty := &WebhookPayload{}
	assert.WithinDuration(t, time.Now().UTC(), empty.ParsedTimestamp(), time.Second)
}

func TestAnalyzeBotSignals(t *testing.T) {
	const browserUA = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 Chrome/126.0 Safari/537.36"

	t.Run("clean browser", func(t *testing.T) {
		report := AnalyzeBotSignals(browserUA, "fp-1")
		assert.Zero(t, report.Probability)
		assert.Empty(t, report.Signals)
		assert.False(t, report.Reject())
	})

	t.Run("crawler user agent", func(t *testing.T) {
		report := AnalyzeBotSignals("Mozilla/5.0 (compatible; Googlebot/2.1)", "fp-1")
		assert.Equal(t, 0.9, report.Probability)
		assert.Contains(t, report.Signals, SignalBotUserAgent)
		assert.True(t, report.Reject())
	})

	t.Run("short user agent", func(t *testing.T) {
		report := AnalyzeBotSignals("curl/8.1", "fp-1")
		assert.Equal(t, 0.6, report.Probability)
		assert.Equal(t, []string{SignalSuspiciousAgent}, report.Signals)
		assert.False(t, report.Reject())
	})

	t.Run("missing fingerprint alone", func(t *testing.T) {
		report := AnalyzeBotSignals(browserUA, "")
		assert.Equal(t, 0.4, report.Probability)
		assert.Equal(t, []string{SignalMissingFingerprint}, report.Signals)
		assert.False(t, report.Reject())
	})

	t.Run("two signals reject", func(t *testing.T) {
		report := AnalyzeBotSignals("", "")
		assert.Len(t, report.Signals, 2)
		assert.True(t, report.Reject())
	})
}
