package ingress

import (
	"fmt"
	"time"
)

// maxRiskFlags bounds the inbound risk_flags array.
const maxRiskFlags = 20

// WebhookPayload is the inbound event body on POST /webhook.
type WebhookPayload struct {
	UserID        string                 `json:"user_id"`
	BehaviorScore *float64               `json:"behavior_score"`
	RiskFlags     []string               `json:"risk_flags"`
	Timestamp     string                 `json:"timestamp,omitempty"`
	EventType     string                 `json:"event_type,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Validate accumulates every violation rather than stopping at the first, so
// an integrator sees the full list in one response.
func (p *WebhookPayload) Validate() []string {
	var errs []string

	if p.UserID == "" {
		errs = append(errs, "user_id is required and must be a non-empty string")
	}

	switch {
	case p.BehaviorScore == nil:
		errs = append(errs, "behavior_score is required and must be a number")
	case *p.BehaviorScore < 0 || *p.BehaviorScore > 100:
		errs = append(errs, fmt.Sprintf("behavior_score must be between 0 and 100, got %v", *p.BehaviorScore))
	}

	if len(p.RiskFlags) > maxRiskFlags {
		errs = append(errs, fmt.Sprintf("risk_flags cannot exceed %d entries, got %d", maxRiskFlags, len(p.RiskFlags)))
	}

	if p.Timestamp != "" {
		if _, err := time.Parse(time.RFC3339, p.Timestamp); err != nil {
			errs = append(errs, "timestamp must be ISO-8601 when present")
		}
	}

	return errs
}

// ParsedTimestamp returns the payload timestamp, defaulting to now.
func (p *WebhookPayload) ParsedTimestamp() time.Time {
	if p.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, p.Timestamp); err == nil {
			return ts.UTC()
		}
	}
	return time.Now().UTC()
}
