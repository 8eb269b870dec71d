package maf

import (
	"fmt"
	"math"
	"time"

	"github.com/memeforge/trust-engine/internal/models"
)

// Pattern is one entry in the anomaly bank. Detect receives the full
// fingerprint stream for the scan window and returns zero or more anomalies.
type Pattern struct {
	Name      string
	Threshold int
	Window    time.Duration
	Detect    func(stream []*models.FingerprintRecord, now time.Time) []*models.Anomaly
}

// DefaultPatterns returns the production pattern bank.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:      models.PatternSameIPSignups,
			Threshold: 5,
			Window:    60 * time.Minute,
			Detect:    detectSameIPSignups,
		},
		{
			Name:      models.PatternSameDeviceSignups,
			Threshold: 3,
			Window:    60 * time.Minute,
			Detect:    detectSameDeviceSignups,
		},
		{
			Name:      models.PatternRapidWalletConnections,
			Threshold: 10,
			Window:    5 * time.Minute,
			Detect:    detectRapidWalletConnections,
		},
		{
			Name:      models.PatternRapidNFTListings,
			Threshold: 15,
			Window:    5 * time.Minute,
			Detect:    detectRapidNFTListings,
		},
		{
			Name:      models.PatternReferralSpam,
			Threshold: 20,
			Window:    60 * time.Minute,
			Detect:    detectReferralSpam,
		},
		{
			Name:      models.PatternDuplicateMemes,
			Threshold: 3,
			Window:    24 * time.Hour,
			Detect:    detectDuplicateMemes,
		},
		{
			Name:      models.PatternLoginVelocityPerIP,
			Threshold: 10,
			Window:    5 * time.Minute,
			Detect:    detectLoginVelocityPerIP,
		},
	}
}

// inWindow applies the half-open scan window: strictly after now-window, up to
// and including now. A record exactly on the lower boundary is excluded.
func inWindow(ts, now time.Time, window time.Duration) bool {
	cutoff := now.Add(-window)
	return ts.After(cutoff) && !ts.After(now)
}

func filterWindow(stream []*models.FingerprintRecord, now time.Time, window time.Duration, eventType string) []*models.FingerprintRecord {
	var out []*models.FingerprintRecord
	for _, fp := range stream {
		if eventType != "" && fp.EventType != eventType {
			continue
		}
		if inWindow(fp.Timestamp, now, window) {
			out = append(out, fp)
		}
	}
	return out
}

// scaleRisk maps a count over its threshold into [0,100]. Crossing the
// threshold lands at 50 and the score grows linearly from there.
func scaleRisk(count, threshold int) float64 {
	if threshold <= 0 {
		return 0
	}
	return math.Min(100, float64(count)/float64(threshold)*50)
}

func newAnomaly(pattern, severity, description string, users []string, count, threshold int, data models.JSONB) *models.Anomaly {
	return &models.Anomaly{
		PatternName:     pattern,
		Severity:        severity,
		AffectedUsers:   users,
		FingerprintData: data,
		RiskScore:       scaleRisk(count, threshold),
		Description:     description,
		DetectedAt:      time.Now().UTC(),
		Status:          models.AlertStatusOpen,
	}
}

// uniqueUsers preserves first-seen order.
func uniqueUsers(records []*models.FingerprintRecord) []string {
	seen := make(map[string]bool, len(records))
	var users []string
	for _, fp := range records {
		if fp.UserID == "" || seen[fp.UserID] {
			continue
		}
		seen[fp.UserID] = true
		users = append(users, fp.UserID)
	}
	return users
}

func detectSameIPSignups(stream []*models.FingerprintRecord, now time.Time) []*models.Anomaly {
	const threshold = 5
	byIP := make(map[string][]*models.FingerprintRecord)
	for _, fp := range filterWindow(stream, now, 60*time.Minute, models.EventSignup) {
		if fp.IP != "" {
			byIP[fp.IP] = append(byIP[fp.IP], fp)
		}
	}

	var anomalies []*models.Anomaly
	for ip, records := range byIP {
		if len(records) <= threshold {
			continue
		}
		anomalies = append(anomalies, newAnomaly(
			models.PatternSameIPSignups,
			models.SeverityHigh,
			fmt.Sprintf("%d signups from IP %s in the last hour", len(records), ip),
			uniqueUsers(records),
			len(records), threshold,
			models.JSONB{"ip": ip, "count": len(records)},
		))
	}
	return anomalies
}

func detectSameDeviceSignups(stream []*models.FingerprintRecord, now time.Time) []*models.Anomaly {
	const threshold = 3
	byDevice := make(map[string][]*models.FingerprintRecord)
	for _, fp := range filterWindow(stream, now, 60*time.Minute, models.EventSignup) {
		if fp.DeviceHash != "" {
			byDevice[fp.DeviceHash] = append(byDevice[fp.DeviceHash], fp)
		}
	}

	var anomalies []*models.Anomaly
	for device, records := range byDevice {
		if len(records) <= threshold {
			continue
		}
		anomalies = append(anomalies, newAnomaly(
			models.PatternSameDeviceSignups,
			models.SeverityHigh,
			fmt.Sprintf("%d signups from one device in the last hour", len(records)),
			uniqueUsers(records),
			len(records), threshold,
			models.JSONB{"device_hash": device, "count": len(records)},
		))
	}
	return anomalies
}

func detectRapidWalletConnections(stream []*models.FingerprintRecord, now time.Time) []*models.Anomaly {
	return detectPerUserBurst(stream, now, models.EventWalletConnection,
		models.PatternRapidWalletConnections, 10, 5*time.Minute,
		"%d wallet connections by user %s in 5 minutes")
}

func detectRapidNFTListings(stream []*models.FingerprintRecord, now time.Time) []*models.Anomaly {
	return detectPerUserBurst(stream, now, models.EventNFTListing,
		models.PatternRapidNFTListings, 15, 5*time.Minute,
		"%d NFT listings by user %s in 5 minutes")
}

func detectPerUserBurst(stream []*models.FingerprintRecord, now time.Time, eventType, pattern string, threshold int, window time.Duration, format string) []*models.Anomaly {
	byUser := make(map[string]int)
	for _, fp := range filterWindow(stream, now, window, eventType) {
		if fp.UserID != "" {
			byUser[fp.UserID]++
		}
	}

	var anomalies []*models.Anomaly
	for userID, count := range byUser {
		if count <= threshold {
			continue
		}
		anomalies = append(anomalies, newAnomaly(
			pattern,
			models.SeverityMedium,
			fmt.Sprintf(format, count, userID),
			[]string{userID},
			count, threshold,
			models.JSONB{"count": count},
		))
	}
	return anomalies
}

func detectReferralSpam(stream []*models.FingerprintRecord, now time.Time) []*models.Anomaly {
	const threshold = 20
	byUser := make(map[string][]*models.FingerprintRecord)
	for _, fp := range filterWindow(stream, now, 60*time.Minute, models.EventReferral) {
		if fp.UserID != "" {
			byUser[fp.UserID] = append(byUser[fp.UserID], fp)
		}
	}

	var anomalies []*models.Anomaly
	for userID, records := range byUser {
		if len(records) <= threshold {
			continue
		}

		// Source diversity: distinct IPs relative to referral volume. A spam
		// farm funnels many referrals through few addresses.
		ips := make(map[string]bool)
		for _, fp := range records {
			if fp.IP != "" {
				ips[fp.IP] = true
			}
		}
		diversity := float64(len(ips)) / float64(len(records))

		severity := models.SeverityMedium
		if diversity < 0.3 {
			severity = models.SeverityHigh
		}

		anomalies = append(anomalies, newAnomaly(
			models.PatternReferralSpam,
			severity,
			fmt.Sprintf("%d referrals by user %s in the last hour (source diversity %.2f)", len(records), userID, diversity),
			[]string{userID},
			len(records), threshold,
			models.JSONB{"count": len(records), "source_diversity": diversity},
		))
	}
	return anomalies
}

func detectDuplicateMemes(stream []*models.FingerprintRecord, now time.Time) []*models.Anomaly {
	const threshold = 3
	type key struct{ userID, memeHash string }
	counts := make(map[key]int)
	for _, fp := range filterWindow(stream, now, 24*time.Hour, models.EventMemeUpload) {
		hash, ok := fp.BrowserDetails.String("meme_hash")
		if !ok || hash == "" || fp.UserID == "" {
			continue
		}
		counts[key{fp.UserID, hash}]++
	}

	var anomalies []*models.Anomaly
	for k, count := range counts {
		if count <= threshold {
			continue
		}
		anomalies = append(anomalies, newAnomaly(
			models.PatternDuplicateMemes,
			models.SeverityMedium,
			fmt.Sprintf("%d identical meme uploads by user %s in 24 hours", count, k.userID),
			[]string{k.userID},
			count, threshold,
			models.JSONB{"meme_hash": k.memeHash, "count": count},
		))
	}
	return anomalies
}

func detectLoginVelocityPerIP(stream []*models.FingerprintRecord, now time.Time) []*models.Anomaly {
	const threshold = 10
	byIP := make(map[string][]*models.FingerprintRecord)
	for _, fp := range filterWindow(stream, now, 5*time.Minute, models.EventLogin) {
		if fp.IP != "" {
			byIP[fp.IP] = append(byIP[fp.IP], fp)
		}
	}

	var anomalies []*models.Anomaly
	for ip, records := range byIP {
		if len(records) <= threshold {
			continue
		}
		anomalies = append(anomalies, newAnomaly(
			models.PatternLoginVelocityPerIP,
			models.SeverityMedium,
			fmt.Sprintf("%d logins from IP %s in 5 minutes", len(records), ip),
			uniqueUsers(records),
			len(records), threshold,
			models.JSONB{"ip": ip, "count": len(records)},
		))
	}
	return anomalies
}
