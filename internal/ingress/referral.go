package ingress

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/memeforge/trust-engine/configs"
	"github.com/memeforge/trust-engine/internal/models"
)

// Fake-referral signal names
const (
	SignalExcessiveIPReferrals   = "excessive_ip_referrals"
	SignalExcessiveUserReferrals = "excessive_user_referrals"
)

const (
	maxSameIPReferralsPerHour = 3
	maxUserReferralsPerDay    = 10
	rapidReferralWindow       = 5 * time.Minute
	rapidReferralCount        = 3
)

// ReferralCounter is the slice of the event repository the detector needs.
type ReferralCounter interface {
	CountReferralsByIPSince(ctx context.Context, ip string, since time.Time) (int, error)
	CountReferralsByUserSince(ctx context.Context, userID string, since time.Time) (int, error)
	CountActivitySince(ctx context.Context, userID string, since time.Time) (int, error)
}

// ReferralDetector pre-filters fake referrals and annotates surviving ones
// for the scoring engine.
type ReferralDetector struct {
	events        ReferralCounter
	inactiveGrace time.Duration
}

// NewReferralDetector creates a detector.
func NewReferralDetector(events ReferralCounter, cfg configs.ScoringConfig) *ReferralDetector {
	return &ReferralDetector{events: events, inactiveGrace: cfg.ReferralInactiveGrace}
}

// Check runs the hard pre-filter. Any returned signal means the request is
// rejected before the event is persisted. Count failures degrade open: a
// referral is never rejected on a database error.
func (d *ReferralDetector) Check(ctx context.Context, userID, sourceIP string) []string {
	now := time.Now().UTC()
	var signals []string

	if sourceIP != "" {
		count, err := d.events.CountReferralsByIPSince(ctx, sourceIP, now.Add(-time.Hour))
		if err != nil {
			log.Warn().Err(err).Str("ip", sourceIP).Msg("Referral IP count failed")
		} else if count > maxSameIPReferralsPerHour {
			signals = append(signals, SignalExcessiveIPReferrals)
		}
	}

	count, err := d.events.CountReferralsByUserSince(ctx, userID, now.Add(-24*time.Hour))
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Referral user count failed")
	} else if count > maxUserReferralsPerDay {
		signals = append(signals, SignalExcessiveUserReferrals)
	}

	return signals
}

// Annotate attaches a referral_analysis block to the event metadata for
// referrals that passed the hard filter. The scoring engine reads it to apply
// the softer penalties.
func (d *ReferralDetector) Annotate(ctx context.Context, event *models.Event) {
	now := time.Now().UTC()
	analysis := map[string]interface{}{}

	if event.SourceIP != "" {
		if count, err := d.events.CountReferralsByIPSince(ctx, event.SourceIP, now.Add(-time.Hour)); err == nil {
			analysis["same_ip_referrals_last_hour"] = count
			if referredIP, ok := event.Metadata.String("referred_ip"); ok && referredIP == event.SourceIP {
				analysis["same_ip_referral"] = true
			}
		}
	}

	if referredID, ok := event.Metadata.String("referred_user_id"); ok && referredID != "" {
		if activity, err := d.events.CountActivitySince(ctx, referredID, now.Add(-d.inactiveGrace)); err == nil && activity == 0 {
			analysis["inactive_referred_user"] = true
		}
	}

	if count, err := d.events.CountReferralsByUserSince(ctx, event.UserID, now.Add(-rapidReferralWindow)); err == nil && count >= rapidReferralCount {
		analysis["rapid_referrals"] = true
	}

	if len(analysis) > 0 {
		if event.Metadata == nil {
			event.Metadata = models.JSONB{}
		}
		event.Metadata["referral_analysis"] = analysis
	}
}
