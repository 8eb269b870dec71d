package bse

import (
	"math"
	"strings"
	"time"

	"github.com/memeforge/trust-engine/internal/models"
)

// baseScore is the starting point of every per-event computation.
const baseScore = 100.0

// maxUnflaggedDelta bounds the per-event score movement when the event
// produced no new risk flag. A flagged event applies its penalty in full.
const maxUnflaggedDelta = 10.0

// scoreAccum collects additive adjustments and emitted flags in rule order.
type scoreAccum struct {
	delta float64
	flags []string
	seen  map[string]bool
}

func newScoreAccum() *scoreAccum {
	return &scoreAccum{seen: make(map[string]bool)}
}

func (a *scoreAccum) adjust(delta float64, flags ...string) {
	a.delta += delta
	for _, f := range flags {
		if f == "" || a.seen[f] {
			continue
		}
		a.seen[f] = true
		a.flags = append(a.flags, f)
	}
}

// Compute runs the layered scoring rules over one event. Pure: no I/O, no
// clock reads beyond the event timestamp. Any panic inside a rule is
// recovered into the neutral (50, calculation_error) result so callers always
// receive a value.
func Compute(event *models.Event, userCtx *models.UserContext) (result models.ScoreResult) {
	defer func() {
		if r := recover(); r != nil {
			result = models.ScoreResult{
				Score:            50,
				Flags:            []string{models.FlagCalculationError},
				RiskLevel:        models.RiskLevelFor(50),
				CalculationError: true,
			}
		}
	}()

	acc := newScoreAccum()

	applyAccountAge(acc, userCtx.AccountAgeDays)
	applyBotSignals(acc, event.Metadata)
	if event.EventType == models.EventReferral {
		applyReferralSignals(acc, event.Metadata)
	}
	applyEventRules(acc, event)
	applyBehavioralPatterns(acc, event, userCtx.RecentActivity)
	applyDeviceConsistency(acc, event, userCtx.RecentActivity)
	applyVelocity(acc, event, userCtx.RecentActivity)

	score := clamp(baseScore + acc.delta)

	// Bound movement against the stored score unless the event raised a flag;
	// abuse must register immediately.
	if len(acc.flags) == 0 {
		if diff := score - userCtx.CurrentScore; math.Abs(diff) > maxUnflaggedDelta {
			if diff > 0 {
				score = userCtx.CurrentScore + maxUnflaggedDelta
			} else {
				score = userCtx.CurrentScore - maxUnflaggedDelta
			}
			score = clamp(score)
		}
	}

	return models.ScoreResult{
		Score:     score,
		Flags:     acc.flags,
		RiskLevel: models.RiskLevelFor(score),
	}
}

// applyAccountAge penalizes brand-new accounts and rewards tenure.
// Bands are half-open so a boundary age never double-applies.
func applyAccountAge(acc *scoreAccum, ageDays float64) {
	switch {
	case ageDays < 1:
		acc.adjust(-20, models.FlagNewAccount)
	case ageDays < 7:
		acc.adjust(-10, models.FlagRecentAccount)
	case ageDays > 365:
		acc.adjust(+5)
	}
}

// applyBotSignals reads the pre-computed bot analysis carried in metadata.
func applyBotSignals(acc *scoreAccum, metadata models.JSONB) {
	analysis, _ := metadata["bot_analysis"].(map[string]interface{})
	if analysis != nil {
		if prob, ok := models.JSONB(analysis).Float("bot_probability"); ok {
			switch {
			case prob > 0.8:
				acc.adjust(-40, models.FlagHighBotProbability)
			case prob > 0.6:
				acc.adjust(-25)
			case prob > 0.4:
				acc.adjust(-10)
			}
		}
	}

	for _, flag := range metadata.Strings("bot_detection_flags") {
		switch flag {
		case models.FlagBrowserBot:
			acc.adjust(-35, models.FlagBrowserBot)
		case models.FlagDatacenterIP:
			acc.adjust(-20, models.FlagDatacenterIP)
		case models.FlagBlacklistedIP:
			acc.adjust(-30, models.FlagBlacklistedIP)
		case models.FlagLowConfidence:
			acc.adjust(-10, models.FlagLowConfidence)
		case models.FlagIncognitoMode:
			acc.adjust(-10, models.FlagIncognitoMode)
		}
	}

	// iphub reputation block, when the lookup ran
	if rep, ok := metadata["ip_reputation"].(map[string]interface{}); ok {
		switch kind, _ := models.JSONB(rep).String("block_type"); kind {
		case "vpn":
			acc.adjust(-25, models.FlagCommercialVPN)
		case "hosting":
			acc.adjust(-30, models.FlagHostingProvider)
		}
	}
}

// applyReferralSignals reads the referral analysis the ingress pre-filter
// attaches to referral events.
func applyReferralSignals(acc *scoreAccum, metadata models.JSONB) {
	analysis, ok := metadata["referral_analysis"].(map[string]interface{})
	if !ok {
		return
	}
	ra := models.JSONB(analysis)

	if b, _ := ra["same_ip_referral"].(bool); b {
		acc.adjust(-35, models.FlagSameIPReferral)
	}
	if count, ok := ra.Float("same_ip_referrals_last_hour"); ok && count > 3 {
		acc.adjust(-30, models.FlagExcessiveIPReferral)
	}
	if b, _ := ra["inactive_referred_user"].(bool); b {
		acc.adjust(-25, models.FlagInactiveReferred)
	}
	if b, _ := ra["rapid_referrals"].(bool); b {
		acc.adjust(-20, models.FlagRapidReferrals)
	}
}

// applyEventRules dispatches per-event-type scoring. Unknown types are
// neutral.
func applyEventRules(acc *scoreAccum, event *models.Event) {
	switch event.EventType {
	case models.EventLogin:
		scoreLogin(acc, event)
	case models.EventMemeUpload:
		scoreMemeUpload(acc, event)
	case models.EventSocialInteraction:
		scoreSocialInteraction(acc, event)
	case models.EventReferral:
		scoreReferral(acc, event)
	case models.EventFormSubmission:
		scoreFormSubmission(acc, event)
	}
}

func scoreLogin(acc *scoreAccum, event *models.Event) {
	if attempts, ok := event.Metadata.Float("failed_attempts"); ok && attempts > 3 {
		acc.adjust(-10)
	}
}

func scoreMemeUpload(acc *scoreAccum, event *models.Event) {
	if dup, _ := event.Metadata["duplicate_content"].(bool); dup {
		acc.adjust(-10)
		return
	}
	acc.adjust(+2)
}

func scoreSocialInteraction(acc *scoreAccum, event *models.Event) {
	if reported, _ := event.Metadata["spam_reported"].(bool); reported {
		acc.adjust(-12)
		return
	}
	acc.adjust(+1)
}

func scoreReferral(acc *scoreAccum, event *models.Event) {
	// A clean referral is a mild trust signal; the fake-referral layer has
	// already punished anything suspicious.
	if _, flagged := event.Metadata["referral_analysis"]; !flagged {
		acc.adjust(+3)
	}
}

func scoreFormSubmission(acc *scoreAccum, event *models.Event) {
	if filled, _ := event.Metadata["honeypot_filled"].(bool); filled {
		acc.adjust(-20)
		return
	}
	if ms, ok := event.Metadata.Float("submit_time_ms"); ok && ms > 0 && ms < 1500 {
		acc.adjust(-8)
	}
}

// applyBehavioralPatterns looks for machine-like cadence in the recent
// activity window.
func applyBehavioralPatterns(acc *scoreAccum, event *models.Event, recent []*models.Event) {
	if len(recent) < 10 {
		return
	}

	// Inter-arrival uniformity over the last 10 events. Human activity is
	// bursty; near-constant spacing under a second of deviation reads as a
	// scripted client.
	window := recent
	if len(window) > 10 {
		window = window[:10]
	}

	var gaps []float64
	for i := 0; i < len(window)-1; i++ {
		gap := window[i].Timestamp.Sub(window[i+1].Timestamp).Seconds()
		if gap < 0 {
			gap = -gap
		}
		gaps = append(gaps, gap)
	}

	if len(gaps) >= 5 && stddev(gaps) < 1.0 && mean(gaps) < 30 {
		acc.adjust(-15, models.FlagBotLikeVelocity)
	}

	// Monoculture sessions: a long run of one event type is not how people
	// browse.
	sameType := 0
	for _, e := range recent {
		if e.EventType == event.EventType {
			sameType++
		}
	}
	if sameType >= 20 {
		acc.adjust(-5)
	}
}

// applyDeviceConsistency compares the event's device against the user's
// recent sessions.
func applyDeviceConsistency(acc *scoreAccum, event *models.Event, recent []*models.Event) {
	if len(recent) == 0 {
		return
	}

	devices := make(map[string]bool)
	agents := make(map[string]bool)
	for _, e := range recent {
		if e.DeviceFingerprintID != "" {
			devices[e.DeviceFingerprintID] = true
		}
		if e.UserAgent != "" {
			agents[normalizeAgent(e.UserAgent)] = true
		}
	}
	if event.DeviceFingerprintID != "" {
		devices[event.DeviceFingerprintID] = true
	}

	if len(devices) > 3 {
		acc.adjust(-10, models.FlagDeviceInconsistency)
	} else if len(agents) > 3 {
		acc.adjust(-5)
	}
}

// applyVelocity classifies the user's recent event frequency and penalizes
// the upper tiers. The classification mirrors the anomaly flagger's.
func applyVelocity(acc *scoreAccum, event *models.Event, recent []*models.Event) {
	now := event.Timestamp
	var last5m, lastHour int
	ips := make(map[string]bool)

	for _, e := range recent {
		age := now.Sub(e.Timestamp)
		if age < 0 || age >= time.Hour {
			continue
		}
		lastHour++
		if e.SourceIP != "" {
			ips[e.SourceIP] = true
		}
		if age < 5*time.Minute {
			last5m++
		}
	}

	switch ClassifyVelocity(last5m, lastHour, len(ips)) {
	case models.VelocityHigh:
		acc.adjust(-15, models.FlagHighVelocity)
	case models.VelocityMedium:
		acc.adjust(-5)
	}
}

// ClassifyVelocity buckets raw event-frequency counters into the shared
// low/medium/high vocabulary used by both the scoring engine and the anomaly
// flagger.
func ClassifyVelocity(events5m, eventsHour, uniqueIPsHour int) string {
	switch {
	case events5m > 30 || eventsHour > 100 || uniqueIPsHour > 5:
		return models.VelocityHigh
	case events5m > 15 || eventsHour > 50 || uniqueIPsHour > 3:
		return models.VelocityMedium
	default:
		return models.VelocityLow
	}
}

func normalizeAgent(ua string) string {
	// Version churn within one browser family should not read as a new device
	if i := strings.IndexAny(ua, "/("); i > 0 {
		return ua[:i]
	}
	return ua
}

func clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sum float64
	for _, x := range xs {
		sum += (x - m) * (x - m)
	}
	return math.Sqrt(sum / float64(len(xs)))
}
