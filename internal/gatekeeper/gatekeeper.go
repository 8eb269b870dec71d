package gatekeeper

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/memeforge/trust-engine/configs"
	"github.com/memeforge/trust-engine/internal/models"
	"github.com/memeforge/trust-engine/internal/repositories"
)

// passkeyMaxAge bounds how long an issued passkey stays valid.
const passkeyMaxAge = 24 * time.Hour

// AccessBasic is granted on score alone, without a passkey.
const AccessBasic = "BASIC_ACCESS"

// Denial reasons
const (
	ReasonUserNotFound = "user_not_found"
	ReasonLowScore     = "low_score"
	ReasonNoPasskey    = "no_passkey"
)

// allowedUploadTypes is the MIME allow-list for privileged uploads.
var allowedUploadTypes = map[string]bool{
	"image/jpeg":       true,
	"image/png":        true,
	"image/gif":        true,
	"image/webp":       true,
	"text/plain":       true,
	"application/json": true,
}

// UserStore is the slice of the user repository the gatekeeper needs.
type UserStore interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	UpdateMetadata(ctx context.Context, id string, metadata models.JSONB) error
}

// AccessLogger records decisions. Logging failure never fails the decision.
type AccessLogger interface {
	Create(ctx context.Context, entry *models.AccessLog) error
}

// Gatekeeper decides whether a user may perform a privileged content
// operation. Pure policy over the stored user record and an optional passkey.
type Gatekeeper struct {
	users      UserStore
	accessLogs AccessLogger
	minScore   float64
	maxUpload  int64
	secret     []byte
}

// New creates a gatekeeper from configuration.
func New(users UserStore, accessLogs AccessLogger, cfg configs.GatekeeperConfig) *Gatekeeper {
	return &Gatekeeper{
		users:      users,
		accessLogs: accessLogs,
		minScore:   cfg.MinBehaviorScore,
		maxUpload:  cfg.MaxUploadBytes,
		secret:     []byte(cfg.PasskeySecret),
	}
}

// Decision is the outcome of one access check.
type Decision struct {
	AccessGranted bool     `json:"access_granted"`
	AccessLevel   string   `json:"access_level,omitempty"`
	Reason        string   `json:"reason,omitempty"`
	Errors        []string `json:"errors,omitempty"`
}

// ValidateAccess runs the admission policy for one user.
func (g *Gatekeeper) ValidateAccess(ctx context.Context, userID string) *Decision {
	user, err := g.users.GetByID(ctx, userID)
	if err != nil {
		if !errors.Is(err, repositories.ErrUserNotFound) {
			log.Error().Err(err).Str("user_id", userID).Msg("User load failed during access check")
		}
		return g.record(ctx, userID, &Decision{
			AccessGranted: false,
			Reason:        ReasonUserNotFound,
			Errors:        []string{fmt.Sprintf("User %s not found", userID)},
		})
	}

	if user.BehaviorScore < g.minScore {
		return g.record(ctx, userID, &Decision{
			AccessGranted: false,
			Reason:        ReasonLowScore,
			Errors: []string{fmt.Sprintf("Behavior score %s below minimum %s",
				formatScore(user.BehaviorScore), formatScore(g.minScore))},
		})
	}

	if passkey, ok := user.Metadata.String("passkey"); ok && g.ValidatePasskey(passkey, time.Now().UTC()) {
		level, _ := user.Metadata.String("access_level")
		if level == "" {
			level = AccessBasic
		}
		return g.record(ctx, userID, &Decision{AccessGranted: true, AccessLevel: level})
	}

	if user.BehaviorScore >= 80 {
		return g.record(ctx, userID, &Decision{AccessGranted: true, AccessLevel: AccessBasic})
	}

	return g.record(ctx, userID, &Decision{
		AccessGranted: false,
		Reason:        ReasonNoPasskey,
		Errors:        []string{"No valid passkey and score below trusted threshold"},
	})
}

// ValidateUpload layers content checks on top of the access decision.
func (g *Gatekeeper) ValidateUpload(ctx context.Context, userID, contentType string, size int64) *Decision {
	decision := g.ValidateAccess(ctx, userID)
	if !decision.AccessGranted {
		return decision
	}

	var errs []string
	if !allowedUploadTypes[normalizeContentType(contentType)] {
		errs = append(errs, fmt.Sprintf("Content type %q not allowed", contentType))
	}
	if size > g.maxUpload {
		errs = append(errs, fmt.Sprintf("Upload size %d exceeds limit %d", size, g.maxUpload))
	}

	if len(errs) > 0 {
		return g.record(ctx, userID, &Decision{
			AccessGranted: false,
			Reason:        "invalid_upload",
			Errors:        errs,
		})
	}
	return decision
}

// GrantPasskey mints a passkey for the user and stores it on the user record
// together with the access level it unlocks. The user must exist.
func (g *Gatekeeper) GrantPasskey(ctx context.Context, userID, scope, level string) (string, error) {
	user, err := g.users.GetByID(ctx, userID)
	if err != nil {
		return "", err
	}

	passkey := g.IssuePasskey(scope, time.Now().UTC())

	metadata := user.Metadata
	if metadata == nil {
		metadata = models.JSONB{}
	}
	metadata["passkey"] = passkey
	if level != "" {
		metadata["access_level"] = level
	}

	if err := g.users.UpdateMetadata(ctx, userID, metadata); err != nil {
		return "", fmt.Errorf("failed to store passkey: %w", err)
	}

	log.Info().Str("user_id", userID).Str("scope", scope).Msg("Passkey granted")
	return passkey, nil
}

// IssuePasskey mints a passkey for a scope: `<scope>:<hex-mac>:<unix-ts>`.
func (g *Gatekeeper) IssuePasskey(scope string, now time.Time) string {
	ts := strconv.FormatInt(now.Unix(), 10)
	return scope + ":" + g.mac(scope, ts) + ":" + ts
}

// ValidatePasskey checks format, MAC and age. MAC comparison is constant-time.
func (g *Gatekeeper) ValidatePasskey(passkey string, now time.Time) bool {
	parts := strings.Split(passkey, ":")
	if len(parts) != 3 {
		return false
	}
	scope, gotMAC, tsRaw := parts[0], parts[1], parts[2]

	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return false
	}

	age := now.Sub(time.Unix(ts, 0))
	if age < 0 || age >= passkeyMaxAge {
		return false
	}

	want := g.mac(scope, tsRaw)
	return hmac.Equal([]byte(gotMAC), []byte(want))
}

func (g *Gatekeeper) mac(scope, ts string) string {
	h := hmac.New(sha256.New, g.secret)
	h.Write([]byte(scope))
	h.Write([]byte{':'})
	h.Write([]byte(ts))
	return hex.EncodeToString(h.Sum(nil))
}

// record emits the access-log row. Best effort: a logging error never changes
// the decision.
func (g *Gatekeeper) record(ctx context.Context, userID string, decision *Decision) *Decision {
	reason := decision.Reason
	if reason == "" && len(decision.Errors) > 0 {
		reason = decision.Errors[0]
	}

	entry := &models.AccessLog{
		UserID:      userID,
		Granted:     decision.AccessGranted,
		AccessLevel: decision.AccessLevel,
		Reason:      reason,
		CreatedAt:   time.Now().UTC(),
	}
	if err := g.accessLogs.Create(ctx, entry); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Access log write failed")
	}

	return decision
}

// formatScore renders whole scores without a decimal point, matching the
// operator-facing denial messages.
func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', -1, 64)
}

func normalizeContentType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}
