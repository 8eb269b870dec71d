package ingress

import (
	"strings"
)

// Bot pre-filter signal names
const (
	SignalBotUserAgent       = "bot_user_agent"
	SignalSuspiciousAgent    = "suspicious_user_agent"
	SignalMissingFingerprint = "missing_fingerprint"
)

// rejectProbability is the hard threshold for the pre-filter.
const rejectProbability = 0.8

var botAgentMarkers = []string{"bot", "crawler", "spider", "scraper"}

// BotReport is the quick verdict derived before payload validation.
type BotReport struct {
	Probability float64  `json:"bot_probability"`
	Signals     []string `json:"signals,omitempty"`
}

// Reject reports whether the pre-filter should refuse the request outright:
// high probability, or two independent signals.
func (r *BotReport) Reject() bool {
	return r.Probability > rejectProbability || len(r.Signals) >= 2
}

// AnalyzeBotSignals derives cheap bot signals from the user agent and the
// presence of a device fingerprint. It runs before validation so scripted
// traffic never reaches the scoring path.
func AnalyzeBotSignals(userAgent, fingerprintID string) *BotReport {
	report := &BotReport{}

	lowered := strings.ToLower(userAgent)
	for _, marker := range botAgentMarkers {
		if strings.Contains(lowered, marker) {
			report.Probability = 0.9
			report.Signals = append(report.Signals, SignalBotUserAgent)
			break
		}
	}

	if userAgent == "" || len(userAgent) < 20 {
		if report.Probability < 0.6 {
			report.Probability = 0.6
		}
		report.Signals = append(report.Signals, SignalSuspiciousAgent)
	}

	if fingerprintID == "" {
		if report.Probability < 0.4 {
			report.Probability = 0.4
		}
		report.Signals = append(report.Signals, SignalMissingFingerprint)
	}

	return report
}
