package maf

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memeforge/trust-engine/internal/models"
)

func signupRecord(userID, ip string, ts time.Time) *models.FingerprintRecord {
	return &models.FingerprintRecord{
		ID:        uuid.New(),
		UserID:    userID,
		EventType: models.EventSignup,
		IP:        ip,
		Timestamp: ts,
	}
}

func TestDeviceHash(t *testing.T) {
	h1 := DeviceHash("1.2.3.4", "Mozilla/5.0", "1920x1080", "UTC", "en-US", "Linux", "canvas-a", "webgl-a")
	h2 := DeviceHash("1.2.3.4", "Mozilla/5.0", "1920x1080", "UTC", "en-US", "Linux", "canvas-a", "webgl-a")
	h3 := DeviceHash("1.2.3.4", "Mozilla/5.0", "1920x1080", "UTC", "en-US", "Linux", "canvas-b", "webgl-a")

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 64)
}

func TestInWindowBoundaries(t *testing.T) {
	now := time.Now().UTC()
	window := time.Hour

	assert.True(t, inWindow(now, now, window))
	assert.True(t, inWindow(now.Add(-window+time.Second), now, window))
	// The lower boundary is excluded, the future never counts
	assert.False(t, inWindow(now.Add(-window), now, window))
	assert.False(t, inWindow(now.Add(time.Second), now, window))
}

func TestScaleRisk(t *testing.T) {
	assert.Equal(t, 50.0, scaleRisk(5, 5))
	assert.Equal(t, 60.0, scaleRisk(6, 5))
	assert.Equal(t, 100.0, scaleRisk(20, 5))
	assert.Equal(t, 0.0, scaleRisk(10, 0))
}

func TestDetectSameIPSignups(t *testing.T) {
	now := time.Now().UTC()
	var stream []*models.FingerprintRecord
	for i := 0; i < 6; i++ {
		stream = append(stream, signupRecord(fmt.Sprintf("user-%d", i), "10.0.0.1", now.Add(-time.Duration(i)*time.Minute)))
	}
	// Exactly on the window boundary, must not count
	stream = append(stream, signupRecord("user-old", "10.0.0.1", now.Add(-60*time.Minute)))
	// Different IP, below threshold
	stream = append(stream, signupRecord("user-x", "10.0.0.2", now))

	anomalies := detectSameIPSignups(stream, now)

	require.Len(t, anomalies, 1)
	a := anomalies[0]
	assert.Equal(t, models.PatternSameIPSignups, a.PatternName)
	assert.Equal(t, models.SeverityHigh, a.Severity)
	assert.Equal(t, 60.0, a.RiskScore)
	assert.Len(t, a.AffectedUsers, 6)
	assert.Equal(t, models.AlertStatusOpen, a.Status)
}

func TestDetectSameIPSignupsAtThreshold(t *testing.T) {
	now := time.Now().UTC()
	var stream []*models.FingerprintRecord
	for i := 0; i < 5; i++ {
		stream = append(stream, signupRecord(fmt.Sprintf("user-%d", i), "10.0.0.1", now))
	}

	// Five signups meet but do not exceed the threshold
	assert.Empty(t, detectSameIPSignups(stream, now))
}

func TestDetectSameDeviceSignups(t *testing.T) {
	now := time.Now().UTC()
	var stream []*models.FingerprintRecord
	for i := 0; i < 4; i++ {
		fp := signupRecord(fmt.Sprintf("user-%d", i), fmt.Sprintf("10.0.%d.1", i), now)
		fp.DeviceHash = "shared-device"
		stream = append(stream, fp)
	}

	anomalies := detectSameDeviceSignups(stream, now)

	require.Len(t, anomalies, 1)
	assert.Equal(t, models.SeverityHigh, anomalies[0].Severity)
	assert.Len(t, anomalies[0].AffectedUsers, 4)
}

func TestDetectRapidWalletConnections(t *testing.T) {
	now := time.Now().UTC()
	var stream []*models.FingerprintRecord
	for i := 0; i < 11; i++ {
		stream = append(stream, &models.FingerprintRecord{
			ID:        uuid.New(),
			UserID:    "user-1",
			EventType: models.EventWalletConnection,
			Timestamp: now.Add(-time.Duration(i) * 10 * time.Second),
		})
	}

	anomalies := detectRapidWalletConnections(stream, now)

	require.Len(t, anomalies, 1)
	assert.Equal(t, models.PatternRapidWalletConnections, anomalies[0].PatternName)
	assert.Equal(t, models.SeverityMedium, anomalies[0].Severity)
	assert.Equal(t, []string{"user-1"}, anomalies[0].AffectedUsers)
}

func TestDetectReferralSpamSeverityByDiversity(t *testing.T) {
	now := time.Now().UTC()

	build := func(ipFor func(i int) string) []*models.FingerprintRecord {
		var stream []*models.FingerprintRecord
		for i := 0; i < 21; i++ {
			stream = append(stream, &models.FingerprintRecord{
				ID:        uuid.New(),
				UserID:    "referrer",
				EventType: models.EventReferral,
				IP:        ipFor(i),
				Timestamp: now.Add(-time.Duration(i) * time.Minute),
			})
		}
		return stream
	}

	// One source address for 21 referrals is a farm
	low := detectReferralSpam(build(func(int) string { return "10.0.0.1" }), now)
	require.Len(t, low, 1)
	assert.Equal(t, models.SeverityHigh, low[0].Severity)

	// Genuine spread of sources stays medium
	high := detectReferralSpam(build(func(i int) string { return fmt.Sprintf("10.0.%d.1", i) }), now)
	require.Len(t, high, 1)
	assert.Equal(t, models.SeverityMedium, high[0].Severity)
}

func TestDetectDuplicateMemes(t *testing.T) {
	now := time.Now().UTC()
	var stream []*models.FingerprintRecord
	for i := 0; i < 4; i++ {
		stream = append(stream, &models.FingerprintRecord{
			ID:             uuid.New(),
			UserID:         "user-1",
			EventType:      models.EventMemeUpload,
			Timestamp:      now.Add(-time.Duration(i) * time.Hour),
			BrowserDetails: models.JSONB{"meme_hash": "abc123"},
		})
	}
	// Same hash from another user does not pool
	stream = append(stream, &models.FingerprintRecord{
		ID:             uuid.New(),
		UserID:         "user-2",
		EventType:      models.EventMemeUpload,
		Timestamp:      now,
		BrowserDetails: models.JSONB{"meme_hash": "abc123"},
	})

	anomalies := detectDuplicateMemes(stream, now)

	require.Len(t, anomalies, 1)
	assert.Equal(t, models.PatternDuplicateMemes, anomalies[0].PatternName)
	assert.Equal(t, []string{"user-1"}, anomalies[0].AffectedUsers)
}

func TestDetectLoginVelocityPerIP(t *testing.T) {
	now := time.Now().UTC()
	var stream []*models.FingerprintRecord
	for i := 0; i < 11; i++ {
		stream = append(stream, &models.FingerprintRecord{
			ID:        uuid.New(),
			UserID:    fmt.Sprintf("user-%d", i%3),
			EventType: models.EventLogin,
			IP:        "10.0.0.1",
			Timestamp: now.Add(-time.Duration(i) * 20 * time.Second),
		})
	}

	anomalies := detectLoginVelocityPerIP(stream, now)

	require.Len(t, anomalies, 1)
	assert.Equal(t, models.SeverityMedium, anomalies[0].Severity)
	assert.Len(t, anomalies[0].AffectedUsers, 3)
}
