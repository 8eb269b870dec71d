package ingress

import (
	"context"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/memeforge/trust-engine/configs"
	"github.com/memeforge/trust-engine/internal/bse"
	"github.com/memeforge/trust-engine/internal/httpapi"
	"github.com/memeforge/trust-engine/internal/maf"
	"github.com/memeforge/trust-engine/internal/models"
	"github.com/memeforge/trust-engine/internal/repositories"
)

// duplicateWindow suppresses re-deliveries of the same update.
const duplicateWindow = 60 * time.Second

// UserReader resolves duplicate-suppression lookups.
type UserReader interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

// EventStore persists intake events and compensates failed ones.
type EventStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, e *models.Event) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// FingerprintStore persists fingerprint records and compensates failed ones.
type FingerprintStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, fp *models.FingerprintRecord) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// TxRunner runs a function inside one database transaction.
type TxRunner interface {
	WithTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// Handler owns the webhook intake path: pre-filters, validation, event
// persistence, scoring and the anomaly pass.
type Handler struct {
	cfg          *configs.Config
	engine       *bse.Engine
	collector    *maf.Collector
	flagger      *maf.Flagger
	users        UserReader
	events       EventStore
	fingerprints FingerprintStore
	tx           TxRunner
	db           *repositories.Database
	referrals    *ReferralDetector
	stats        *StatsRecorder
}

// NewHandler wires the intake path.
func NewHandler(
	cfg *configs.Config,
	engine *bse.Engine,
	collector *maf.Collector,
	flagger *maf.Flagger,
	users *repositories.UserRepository,
	events *repositories.EventRepository,
	fingerprints *repositories.FingerprintRepository,
	db *repositories.Database,
	referrals *ReferralDetector,
	stats *StatsRecorder,
) *Handler {
	return &Handler{
		cfg:          cfg,
		engine:       engine,
		collector:    collector,
		flagger:      flagger,
		users:        users,
		events:       events,
		fingerprints: fingerprints,
		tx:           db,
		db:           db,
		referrals:    referrals,
		stats:        stats,
	}
}

// HandleWebhook is POST /webhook: the primary event intake.
func (h *Handler) HandleWebhook(c *gin.Context) {
	started := time.Now()
	ctx := c.Request.Context()

	var payload WebhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		httpapi.AbortError(c, http.StatusBadRequest, httpapi.CodeInvalidPayload, "Request body is not valid JSON")
		return
	}

	fingerprintID := metadataString(payload.Metadata, "device_fingerprint_id")

	var botReport *BotReport
	if h.cfg.Scoring.BotDetectionEnabled {
		botReport = AnalyzeBotSignals(c.Request.UserAgent(), fingerprintID)
		if botReport.Reject() {
			h.stats.Incr(ctx, StatRejectedBot)
			log.Warn().
				Str("remote_addr", c.ClientIP()).
				Float64("bot_probability", botReport.Probability).
				Strs("signals", botReport.Signals).
				Msg("Request rejected by bot pre-filter")
			// The rejection names its signals under bot_signals; event-source
			// integrations key on that field
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"status":      "error",
				"error_code":  httpapi.CodeBotDetected,
				"message":     "Request rejected by bot detection",
				"bot_signals": botReport.Signals,
			})
			return
		}
	}

	if errs := payload.Validate(); len(errs) > 0 {
		h.stats.Incr(ctx, StatValidationErrors)
		httpapi.AbortError(c, http.StatusBadRequest, httpapi.CodeValidationError, "Payload validation failed", errs...)
		return
	}

	eventType := payload.EventType
	if eventType == "" {
		eventType = models.EventPageView
	}

	if eventType == models.EventReferral && h.referrals != nil {
		if signals := h.referrals.Check(ctx, payload.UserID, c.ClientIP()); len(signals) > 0 {
			h.stats.Incr(ctx, StatRejectedReferral)
			log.Warn().
				Str("user_id", payload.UserID).
				Strs("signals", signals).
				Msg("Referral rejected by fake-referral pre-filter")
			httpapi.AbortError(c, http.StatusForbidden, httpapi.CodeFakeReferralDetected,
				"Referral rejected", signals...)
			return
		}
	}

	timestamp := payload.ParsedTimestamp()

	if h.isDuplicate(ctx, payload.UserID, timestamp) {
		h.stats.Incr(ctx, StatDuplicates)
		c.JSON(http.StatusOK, gin.H{
			"status":  "duplicate",
			"user_id": payload.UserID,
		})
		return
	}

	event := &models.Event{
		UserID:              payload.UserID,
		EventType:           eventType,
		Timestamp:           timestamp,
		SourceIP:            c.ClientIP(),
		UserAgent:           c.Request.UserAgent(),
		DeviceFingerprintID: fingerprintID,
		Metadata:            models.JSONB(payload.Metadata),
	}
	if event.Metadata == nil {
		event.Metadata = models.JSONB{}
	}
	event.Metadata["reported_score"] = *payload.BehaviorScore
	if len(payload.RiskFlags) > 0 {
		event.Metadata["reported_flags"] = payload.RiskFlags
	}

	if eventType == models.EventReferral && h.referrals != nil {
		h.referrals.Annotate(ctx, event)
	}

	fp := h.collector.Build(ctx, event)

	// The event row and its fingerprint record commit together, or not at all
	if err := h.tx.WithTransaction(ctx, func(tx pgx.Tx) error {
		if err := h.events.CreateTx(ctx, tx, event); err != nil {
			return err
		}
		return h.fingerprints.CreateTx(ctx, tx, fp)
	}); err != nil {
		h.databaseError(c, err, "intake write failed")
		return
	}

	outcome, err := h.engine.ProcessEvent(ctx, event)
	if err != nil {
		if outcome == nil {
			h.discardIntake(ctx, event, fp)
			h.databaseError(c, err, "scoring failed")
			return
		}
		// Score write failed but the computation completed; the result
		// carries the write_failure flag and the response proceeds.
		log.Error().Err(err).Str("user_id", payload.UserID).Msg("Score persisted with errors")
	}

	h.collector.Publish(ctx, fp)

	assessment := h.flagger.Analyze(ctx, fp, &outcome.Result.Score)

	h.stats.Incr(ctx, StatProcessed)

	response := gin.H{
		"status":                  "success",
		"user_id":                 payload.UserID,
		"score":                   outcome.Result.Score,
		"flags_count":             len(outcome.Result.Flags),
		"processed_at":            time.Now().UTC().Format(time.RFC3339),
		"processing_time_seconds": roundSeconds(time.Since(started)),
		"bse_result": gin.H{
			"score":                 outcome.Result.Score,
			"risk_level":            outcome.Result.RiskLevel,
			"flags":                 outcome.Result.Flags,
			"flag_color":            assessment.FlagColor,
			"velocity_score":        assessment.VelocityScore,
			"final_risk_assessment": assessment.FinalRisk,
		},
	}
	if botReport != nil && len(botReport.Signals) > 0 {
		response["bot_signals"] = botReport
	}

	c.JSON(http.StatusOK, response)
}

// HandleBotDetection is POST /webhook/bot-detection: diagnostic only, nothing
// is persisted.
func (h *Handler) HandleBotDetection(c *gin.Context) {
	var body struct {
		UserAgent           string `json:"user_agent"`
		DeviceFingerprintID string `json:"device_fingerprint_id"`
	}
	// An empty or absent body is fine; the request's own headers are analyzed
	_ = c.ShouldBindJSON(&body)
	if body.UserAgent == "" {
		body.UserAgent = c.Request.UserAgent()
	}

	report := AnalyzeBotSignals(body.UserAgent, body.DeviceFingerprintID)
	c.JSON(http.StatusOK, gin.H{
		"status":          "success",
		"bot_probability": report.Probability,
		"signals":         report.Signals,
		"would_reject":    report.Reject(),
	})
}

// HandleHealth is GET /health.
func (h *Handler) HandleHealth(c *gin.Context) {
	dbStatus := "up"
	if err := h.db.HealthCheck(c.Request.Context()); err != nil {
		dbStatus = "down"
	}

	status := "ok"
	if dbStatus != "up" {
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      status,
		"database":    dbStatus,
		"auth_method": h.cfg.Webhook.AuthMethod,
		"features": gin.H{
			"bot_detection":           h.cfg.Scoring.BotDetectionEnabled,
			"bse":                     true,
			"fake_referral_detection": h.referrals != nil,
		},
	})
}

// HandleStats is GET /webhook/stats: aggregate counters for the last 24h.
func (h *Handler) HandleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "success",
		"window":   "24h",
		"counters": h.stats.Snapshot(c.Request.Context()),
	})
}

// isDuplicate suppresses re-delivery: a user updated within 60s of this
// event's timestamp is not rescored. Lookup failure processes normally; the
// scoring path classifies persistent database trouble itself.
func (h *Handler) isDuplicate(ctx context.Context, userID string, ts time.Time) bool {
	user, err := h.users.GetByID(ctx, userID)
	if err != nil || user.LastUpdated == nil {
		return false
	}
	gap := ts.Sub(*user.LastUpdated)
	if gap < 0 {
		gap = -gap
	}
	return gap < duplicateWindow
}

// discardIntake removes the committed intake rows when scoring could not run
// at all, so a rejected event leaves no orphan behind.
func (h *Handler) discardIntake(ctx context.Context, event *models.Event, fp *models.FingerprintRecord) {
	if err := h.events.Delete(ctx, event.ID); err != nil {
		log.Error().Err(err).Str("user_id", event.UserID).Msg("Failed to discard event row")
	}
	if err := h.fingerprints.Delete(ctx, fp.ID); err != nil {
		log.Error().Err(err).Str("user_id", event.UserID).Msg("Failed to discard fingerprint record")
	}
}

func (h *Handler) databaseError(c *gin.Context, err error, what string) {
	h.stats.Incr(c.Request.Context(), StatDatabaseErrors)
	status, code := httpapi.ClassifyDBError(err)
	log.Error().Err(err).Str("error_code", code).Msg("Webhook " + what)
	httpapi.AbortError(c, status, code, "Event processing failed")
}

func metadataString(md map[string]interface{}, key string) string {
	if md == nil {
		return ""
	}
	s, _ := md[key].(string)
	return s
}

func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*1000) / 1000
}
