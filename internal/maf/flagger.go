package maf

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/memeforge/trust-engine/internal/models"
)

// failedAnomalyLog receives anomalies the database rejected twice.
const failedAnomalyLog = "anomalies_failed.log"

// FingerprintReader loads fingerprint slices for pattern scans.
type FingerprintReader interface {
	GetWindow(ctx context.Context, since, until time.Time) ([]*models.FingerprintRecord, error)
	GetRecentByUser(ctx context.Context, userID string, since time.Time) ([]*models.FingerprintRecord, error)
	GetRecentByIP(ctx context.Context, ip string, since time.Time) ([]*models.FingerprintRecord, error)
}

// AnomalyWriter persists detected anomalies.
type AnomalyWriter interface {
	CreateAnomaly(ctx context.Context, a *models.Anomaly) error
}

// Flagger runs the pattern bank over fingerprint streams and condenses the
// result into a per-event flag color.
type Flagger struct {
	fingerprints FingerprintReader
	anomalies    AnomalyWriter
	patterns     []Pattern
}

// NewFlagger creates a flagger over the default pattern bank.
func NewFlagger(fingerprints FingerprintReader, anomalies AnomalyWriter) *Flagger {
	return &Flagger{
		fingerprints: fingerprints,
		anomalies:    anomalies,
		patterns:     DefaultPatterns(),
	}
}

// Assessment is the MAF verdict for one event.
type Assessment struct {
	FlagColor     string            `json:"flag_color"`
	Anomalies     []*models.Anomaly `json:"anomalies,omitempty"`
	VelocityScore string            `json:"velocity_score"`
	FinalRisk     string            `json:"final_risk_assessment,omitempty"`
}

// Analyze runs the pattern bank scoped to the event's user and IP, computes
// velocity, and determines the flag color. behaviorScore is nil when the
// caller has no fresh BSE result for the user.
func (f *Flagger) Analyze(ctx context.Context, fp *models.FingerprintRecord, behaviorScore *float64) *Assessment {
	now := time.Now().UTC()
	stream := f.loadScopedStream(ctx, fp, now)

	anomalies := f.RunPatterns(ctx, stream, now)
	velocity := f.velocityScore(stream, fp.UserID, now)

	assessment := &Assessment{
		Anomalies:     anomalies,
		VelocityScore: velocity,
	}
	assessment.FlagColor = determineFlagColor(behaviorScore, anomalies, velocity)

	if behaviorScore != nil {
		assessment.FinalRisk = FinalRiskAssessment(models.RiskLevelFor(*behaviorScore), assessment.FlagColor)
	}

	return assessment
}

// RunPatterns executes every pattern over the stream and persists the
// detected anomalies. A panicking pattern is logged and skipped; the rest of
// the bank still runs.
func (f *Flagger) RunPatterns(ctx context.Context, stream []*models.FingerprintRecord, now time.Time) []*models.Anomaly {
	var detected []*models.Anomaly
	for _, p := range f.patterns {
		anomalies := f.runPattern(p, stream, now)
		for _, a := range anomalies {
			f.persistAnomaly(ctx, a)
		}
		detected = append(detected, anomalies...)
	}
	return detected
}

func (f *Flagger) runPattern(p Pattern, stream []*models.FingerprintRecord, now time.Time) (anomalies []*models.Anomaly) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("pattern", p.Name).
				Interface("panic", r).
				Msg("Pattern panicked, skipping")
			anomalies = nil
		}
	}()
	return p.Detect(stream, now)
}

// persistAnomaly writes with one retry, then falls back to a local file so
// the detection is never silently lost.
func (f *Flagger) persistAnomaly(ctx context.Context, a *models.Anomaly) {
	err := f.anomalies.CreateAnomaly(ctx, a)
	if err != nil {
		err = f.anomalies.CreateAnomaly(ctx, a)
	}
	if err == nil {
		log.Warn().
			Str("pattern", a.PatternName).
			Str("severity", a.Severity).
			Float64("risk_score", a.RiskScore).
			Int("affected_users", len(a.AffectedUsers)).
			Msg("Anomaly detected")
		return
	}

	log.Error().Err(err).Str("pattern", a.PatternName).Msg("Anomaly insert failed twice, writing to fallback log")
	writeFallbackAnomaly(a)
}

func writeFallbackAnomaly(a *models.Anomaly) {
	file, err := os.OpenFile(failedAnomalyLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open anomaly fallback log")
		return
	}
	defer file.Close()

	line, err := json.Marshal(a)
	if err != nil {
		return
	}
	line = append(line, '\n')
	if _, err := file.Write(line); err != nil {
		log.Error().Err(err).Msg("Failed to write anomaly fallback log")
	}
}

// loadScopedStream pulls the fingerprints the per-event patterns can see: the
// user's last 24h plus the source IP's last hour. A load failure degrades to
// whatever slice did load.
func (f *Flagger) loadScopedStream(ctx context.Context, fp *models.FingerprintRecord, now time.Time) []*models.FingerprintRecord {
	var stream []*models.FingerprintRecord
	seen := make(map[string]bool)

	add := func(records []*models.FingerprintRecord) {
		for _, r := range records {
			key := r.ID.String()
			if seen[key] {
				continue
			}
			seen[key] = true
			stream = append(stream, r)
		}
	}

	if fp.UserID != "" {
		records, err := f.fingerprints.GetRecentByUser(ctx, fp.UserID, now.Add(-24*time.Hour))
		if err != nil {
			log.Warn().Err(err).Str("user_id", fp.UserID).Msg("Failed to load user fingerprints")
		}
		add(records)
	}
	if fp.IP != "" {
		records, err := f.fingerprints.GetRecentByIP(ctx, fp.IP, now.Add(-time.Hour))
		if err != nil {
			log.Warn().Err(err).Str("ip", fp.IP).Msg("Failed to load IP fingerprints")
		}
		add(records)
	}

	return stream
}

// velocityScore computes the user's event-frequency class from the stream.
func (f *Flagger) velocityScore(stream []*models.FingerprintRecord, userID string, now time.Time) string {
	if userID == "" {
		return models.VelocityLow
	}

	var last5m, lastHour int
	ips := make(map[string]bool)
	for _, fp := range stream {
		if fp.UserID != userID || !inWindow(fp.Timestamp, now, time.Hour) {
			continue
		}
		lastHour++
		if fp.IP != "" {
			ips[fp.IP] = true
		}
		if inWindow(fp.Timestamp, now, 5*time.Minute) {
			last5m++
		}
	}

	return classifyVelocity(last5m, lastHour, len(ips))
}

// classifyVelocity mirrors the scoring engine's frequency tiers.
func classifyVelocity(events5m, eventsHour, uniqueIPsHour int) string {
	switch {
	case events5m > 30 || eventsHour > 100 || uniqueIPsHour > 5:
		return models.VelocityHigh
	case events5m > 15 || eventsHour > 50 || uniqueIPsHour > 3:
		return models.VelocityMedium
	default:
		return models.VelocityLow
	}
}

// determineFlagColor applies the color rules in order. A RED is never issued
// alongside a behavior score of 80 or above; a high-severity anomaly against
// a trusted score downgrades to YELLOW.
func determineFlagColor(behaviorScore *float64, anomalies []*models.Anomaly, velocity string) string {
	highSeverity := false
	for _, a := range anomalies {
		if a.Severity == models.SeverityHigh {
			highSeverity = true
			break
		}
	}

	if highSeverity && (behaviorScore == nil || *behaviorScore < 80) {
		return models.FlagRed
	}

	if behaviorScore == nil {
		if len(anomalies) > 0 || velocity == models.VelocityHigh {
			return models.FlagYellow
		}
		return models.FlagGreen
	}

	score := *behaviorScore
	switch {
	case score < 50:
		return models.FlagRed
	case score <= 79 && (len(anomalies) > 0 || velocity == models.VelocityMedium || velocity == models.VelocityHigh):
		return models.FlagYellow
	case score > 80 && velocity == models.VelocityLow && len(anomalies) == 0:
		return models.FlagGreen
	default:
		return models.FlagYellow
	}
}

// FinalRiskAssessment combines the score band with the flag color.
// Combinations outside the matrix default to MEDIUM.
func FinalRiskAssessment(riskLevel, flagColor string) string {
	switch riskLevel {
	case models.RiskSuspicious:
		switch flagColor {
		case models.FlagRed:
			return models.AssessmentCritical
		case models.FlagYellow:
			return models.AssessmentHigh
		}
	case models.RiskNormal:
		switch flagColor {
		case models.FlagRed:
			return models.AssessmentHigh
		case models.FlagYellow:
			return models.AssessmentMedium
		case models.FlagGreen:
			return models.AssessmentLow
		}
	case models.RiskHighlyTrusted:
		switch flagColor {
		case models.FlagYellow:
			return models.AssessmentLow
		case models.FlagGreen:
			return models.AssessmentVeryLow
		}
	}
	return models.AssessmentMedium
}
