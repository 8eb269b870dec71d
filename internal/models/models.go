package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// User is the subject of behavioral scoring
type User struct {
	ID            string     `json:"id"`
	BehaviorScore float64    `json:"behavior_score"` // 0-100, default 100
	WeeklyScore   float64    `json:"weekly_score"`
	IsVerified    bool       `json:"is_verified"`
	CreatedAt     time.Time  `json:"created_at"`
	LastUpdated   *time.Time `json:"last_updated,omitempty"`
	Metadata      JSONB      `json:"metadata,omitempty"`
}

// Event is one behavioral observation
type Event struct {
	ID                  uuid.UUID `json:"id"`
	UserID              string    `json:"user_id"`
	EventType           string    `json:"event_type"`
	Timestamp           time.Time `json:"timestamp"`
	SourceIP            string    `json:"source_ip"`
	UserAgent           string    `json:"user_agent"`
	DeviceFingerprintID string    `json:"device_fingerprint_id"`
	Metadata            JSONB     `json:"metadata,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// EventType enum values
const (
	EventLogin             = "login"
	EventSignup            = "signup"
	EventReferral          = "referral"
	EventMemeUpload        = "meme_upload"
	EventSocialInteraction = "social_interaction"
	EventFormSubmission    = "form_submission"
	EventWalletConnection  = "wallet_connection"
	EventNFTListing        = "nft_listing"
	EventClick             = "click"
	EventPageView          = "page_view"
)

// FingerprintRecord is a canonical device/IP sighting consumed by pattern detectors
type FingerprintRecord struct {
	ID             uuid.UUID `json:"id"`
	UserID         string    `json:"user_id"`
	EventType      string    `json:"event_type"`
	IP             string    `json:"ip"`
	UserAgent      string    `json:"user_agent"`
	DeviceHash     string    `json:"device_hash"` // 64-hex SHA-256
	Timestamp      time.Time `json:"timestamp"`
	Confidence     float64   `json:"confidence"` // 0..1
	Geo            string    `json:"geo"`
	BrowserDetails JSONB     `json:"browser_details,omitempty"`
}

// RiskFlag is a per-user risk tag, append-only
type RiskFlag struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"user_id"`
	Flag      string    `json:"flag"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	Metadata  JSONB     `json:"metadata,omitempty"`
}

// Risk flag names emitted by the scoring engine. Consumers compare literally.
const (
	FlagNewAccount          = "new_account"
	FlagRecentAccount       = "recent_account"
	FlagHighBotProbability  = "high_bot_probability"
	FlagBrowserBot          = "browser_bot_flag"
	FlagDatacenterIP        = "datacenter_ip"
	FlagBlacklistedIP       = "blacklisted_ip"
	FlagLowConfidence       = "low_confidence"
	FlagIncognitoMode       = "incognito_mode"
	FlagCommercialVPN       = "commercial_vpn"
	FlagHostingProvider     = "hosting_provider"
	FlagSameIPReferral      = "same_ip_referral"
	FlagExcessiveIPReferral = "excessive_ip_referrals"
	FlagInactiveReferred    = "inactive_referred_user"
	FlagRapidReferrals      = "rapid_referrals"
	FlagBotLikeVelocity     = "bot_like_velocity"
	FlagDeviceInconsistency = "device_inconsistency"
	FlagHighVelocity        = "high_velocity"
	FlagCalculationError    = "calculation_error"
	FlagWriteFailure        = "write_failure"
)

// Anomaly is a cross-user pattern hit, append-only
type Anomaly struct {
	ID              uuid.UUID `json:"id"`
	PatternName     string    `json:"pattern_name"`
	Severity        string    `json:"severity"` // LOW, MEDIUM, HIGH
	AffectedUsers   []string  `json:"affected_users"`
	FingerprintData JSONB     `json:"fingerprint_data,omitempty"`
	RiskScore       float64   `json:"risk_score"` // 0-100
	Description     string    `json:"description"`
	DetectedAt      time.Time `json:"detected_at"`
	Status          string    `json:"status"`
}

// Anomaly severity enum values
const (
	SeverityLow    = "LOW"
	SeverityMedium = "MEDIUM"
	SeverityHigh   = "HIGH"
)

// Anomaly pattern names
const (
	PatternSameIPSignups          = "same_ip_signups"
	PatternSameDeviceSignups      = "same_device_signups"
	PatternRapidWalletConnections = "rapid_wallet_connections"
	PatternRapidNFTListings       = "rapid_nft_listings"
	PatternReferralSpam           = "referral_spam"
	PatternDuplicateMemes         = "duplicate_memes"
	PatternLoginVelocityPerIP     = "login_velocity_per_ip"
)

// FlagColor is MAF's tri-state per-event severity summary
const (
	FlagGreen  = "GREEN"
	FlagYellow = "YELLOW"
	FlagRed    = "RED"
)

// Risk level bands over the behavior score
const (
	RiskSuspicious    = "suspicious"     // 0-49
	RiskNormal        = "normal"         // 50-79
	RiskHighlyTrusted = "highly_trusted" // 80-100
)

// Final risk assessment combining BSE risk level and MAF flag color
const (
	AssessmentVeryLow  = "VERY_LOW"
	AssessmentLow      = "LOW"
	AssessmentMedium   = "MEDIUM"
	AssessmentHigh     = "HIGH"
	AssessmentCritical = "CRITICAL"
)

// Velocity score classification
const (
	VelocityLow    = "low"
	VelocityMedium = "medium"
	VelocityHigh   = "high"
)

// LeaderboardEntry is one row of the materialized daily ranking
type LeaderboardEntry struct {
	ID               uuid.UUID `json:"id"`
	UserID           string    `json:"user_id"`
	Position         int       `json:"position"`
	BehaviorScore    float64   `json:"behavior_score"`
	PreviousPosition *int      `json:"previous_position,omitempty"`
	PositionChange   int       `json:"position_change"`
	CreatedAt        time.Time `json:"created_at"`
}

// Challenge is a weekly meme task
type Challenge struct {
	ID           uuid.UUID `json:"id"`
	Type         string    `json:"type"`
	Description  string    `json:"description"`
	StartDate    time.Time `json:"start_date"`
	EndDate      time.Time `json:"end_date"`
	RewardPoints int       `json:"reward_points"`
	Active       bool      `json:"active"`
}

// Challenge template types
const (
	ChallengeTheme      = "theme"
	ChallengeFormat     = "format"
	ChallengeViral      = "viral"
	ChallengeEngagement = "engagement"
	ChallengeDaily      = "daily"
)

// JobLog records one scheduled-job run
type JobLog struct {
	ID        uuid.UUID `json:"id"`
	JobName   string    `json:"job_name"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"` // success, failed, skipped_overlap
	Error     string    `json:"error,omitempty"`
	Metadata  JSONB     `json:"metadata,omitempty"`
}

// Job status enum values
const (
	JobStatusSuccess        = "success"
	JobStatusFailed         = "failed"
	JobStatusSkippedOverlap = "skipped_overlap"
)

// Alert is an operator-visible incident
type Alert struct {
	ID        uuid.UUID `json:"id"`
	AlertType string    `json:"alert_type"`
	Priority  string    `json:"priority"` // MEDIUM, HIGH
	Summary   string    `json:"summary"`
	Details   JSONB     `json:"details,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Alert status enum values
const (
	AlertStatusOpen     = "open"
	AlertStatusResolved = "resolved"
)

// AccessLog records one gatekeeper decision
type AccessLog struct {
	ID          uuid.UUID `json:"id"`
	UserID      string    `json:"user_id"`
	Granted     bool      `json:"granted"`
	AccessLevel string    `json:"access_level,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Operator is a dashboard user
type Operator struct {
	ID           uuid.UUID  `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Role         string     `json:"role"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// FingerprintEvent is published to the Redis fingerprint stream for the
// background pattern-scan worker
type FingerprintEvent struct {
	RecordID   string    `json:"record_id"`
	UserID     string    `json:"user_id"`
	EventType  string    `json:"event_type"`
	IP         string    `json:"ip"`
	DeviceHash string    `json:"device_hash"`
	Timestamp  time.Time `json:"timestamp"`
	RetryCount int       `json:"retry_count"`
}

// ScoreResult is the output of one BSE computation
type ScoreResult struct {
	Score            float64  `json:"score"`
	Flags            []string `json:"flags"`
	RiskLevel        string   `json:"risk_level"`
	CalculationError bool     `json:"calculation_error,omitempty"`
}

// UserContext carries the per-user inputs to a BSE computation
type UserContext struct {
	UserID         string
	AccountAgeDays float64
	CurrentScore   float64
	IsVerified     bool
	// Last 24h of activity, newest first, capped by the caller (50-200 rows)
	RecentActivity []*Event
}

// RiskLevelFor maps a behavior score into its band.
// Bands: 0-49 suspicious, 50-79 normal, 80-100 highly_trusted.
func RiskLevelFor(score float64) string {
	switch {
	case score >= 80:
		return RiskHighlyTrusted
	case score >= 50:
		return RiskNormal
	default:
		return RiskSuspicious
	}
}

// JSONB is a helper type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() ([]byte, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// Float reads a numeric field from metadata, tolerating json.Number decoding.
func (j JSONB) Float(key string) (float64, bool) {
	v, ok := j[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// String reads a string field from metadata.
func (j JSONB) String(key string) (string, bool) {
	v, ok := j[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Strings reads a string-array field from metadata.
func (j JSONB) Strings(key string) []string {
	v, ok := j[key]
	if !ok {
		return nil
	}
	switch arr := v.(type) {
	case []string:
		return arr
	case []interface{}:
		out := make([]string, 0, len(arr))
		for _, item := range arr {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
