package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memeforge/trust-engine/configs"
	"github.com/memeforge/trust-engine/internal/bse"
	"github.com/memeforge/trust-engine/internal/httpapi"
	"github.com/memeforge/trust-engine/internal/maf"
	"github.com/memeforge/trust-engine/internal/models"
	"github.com/memeforge/trust-engine/internal/repositories"
)

const browserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 Chrome/126.0 Safari/537.36"

type intakeUserStore struct {
	users       map[string]*models.User
	getErr      error
	updateCalls int
}

func (f *intakeUserStore) GetByID(ctx context.Context, id string) (*models.User, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	user, ok := f.users[id]
	if !ok {
		return nil, repositories.ErrUserNotFound
	}
	return user, nil
}

func (f *intakeUserStore) Create(ctx context.Context, user *models.User) error {
	f.users[user.ID] = user
	return nil
}

func (f *intakeUserStore) UpdateScore(ctx context.Context, id string, score float64, at time.Time) error {
	f.updateCalls++
	if user, ok := f.users[id]; ok {
		user.BehaviorScore = score
		stamp := at
		user.LastUpdated = &stamp
	}
	return nil
}

func (f *intakeUserStore) UpdateScoreCAS(ctx context.Context, id string, score float64, prev *time.Time, at time.Time) error {
	return f.UpdateScore(ctx, id, score, at)
}

// intakeEventStore serves both the intake path and the scoring engine's
// activity window.
type intakeEventStore struct {
	created []*models.Event
	deleted []uuid.UUID
}

func (f *intakeEventStore) CreateTx(ctx context.Context, tx pgx.Tx, e *models.Event) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	f.created = append(f.created, e)
	return nil
}

func (f *intakeEventStore) Delete(ctx context.Context, id uuid.UUID) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *intakeEventStore) GetRecentByUser(ctx context.Context, userID string, since time.Time, limit int) ([]*models.Event, error) {
	return nil, nil
}

// intakeFingerprintStore doubles as the flagger's reader; intake tests run
// against an otherwise quiet stream.
type intakeFingerprintStore struct {
	created []*models.FingerprintRecord
	deleted []uuid.UUID
}

func (f *intakeFingerprintStore) CreateTx(ctx context.Context, tx pgx.Tx, fp *models.FingerprintRecord) error {
	if fp.ID == uuid.Nil {
		fp.ID = uuid.New()
	}
	f.created = append(f.created, fp)
	return nil
}

func (f *intakeFingerprintStore) Delete(ctx context.Context, id uuid.UUID) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *intakeFingerprintStore) GetWindow(ctx context.Context, since, until time.Time) ([]*models.FingerprintRecord, error) {
	return nil, nil
}

func (f *intakeFingerprintStore) GetRecentByUser(ctx context.Context, userID string, since time.Time) ([]*models.FingerprintRecord, error) {
	return nil, nil
}

func (f *intakeFingerprintStore) GetRecentByIP(ctx context.Context, ip string, since time.Time) ([]*models.FingerprintRecord, error) {
	return nil, nil
}

type flagSink struct {
	flags []*models.RiskFlag
}

func (f *flagSink) CreateRiskFlags(ctx context.Context, flags []*models.RiskFlag) error {
	f.flags = append(f.flags, flags...)
	return nil
}

type anomalySink struct {
	created []*models.Anomaly
}

func (f *anomalySink) CreateAnomaly(ctx context.Context, a *models.Anomaly) error {
	f.created = append(f.created, a)
	return nil
}

type stubTx struct {
	err error
}

func (s *stubTx) WithTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error {
	if s.err != nil {
		return s.err
	}
	return fn(nil)
}

type intakeHarness struct {
	handler      *Handler
	users        *intakeUserStore
	events       *intakeEventStore
	fingerprints *intakeFingerprintStore
	tx           *stubTx
	router       *gin.Engine
}

func newIntakeHarness(referrals *ReferralDetector) *intakeHarness {
	gin.SetMode(gin.TestMode)

	users := &intakeUserStore{users: make(map[string]*models.User)}
	events := &intakeEventStore{}
	fingerprints := &intakeFingerprintStore{}
	tx := &stubTx{}

	h := &Handler{
		cfg: &configs.Config{
			Scoring: configs.ScoringConfig{BotDetectionEnabled: true},
		},
		engine:       bse.NewEngine(users, events, &flagSink{}, nil),
		collector:    maf.NewCollector(nil, nil),
		flagger:      maf.NewFlagger(fingerprints, &anomalySink{}),
		users:        users,
		events:       events,
		fingerprints: fingerprints,
		tx:           tx,
		referrals:    referrals,
		stats:        NewStatsRecorder(nil),
	}

	router := gin.New()
	router.POST("/webhook", h.HandleWebhook)

	return &intakeHarness{
		handler:      h,
		users:        users,
		events:       events,
		fingerprints: fingerprints,
		tx:           tx,
		router:       router,
	}
}

func (h *intakeHarness) post(t *testing.T, payload interface{}, userAgent string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHandleWebhookScoresEvent(t *testing.T) {
	h := newIntakeHarness(nil)
	h.users.users["user-1"] = &models.User{
		ID:            "user-1",
		BehaviorScore: 95,
		CreatedAt:     time.Now().UTC().AddDate(0, -2, 0),
	}

	rec := h.post(t, map[string]interface{}{
		"user_id":        "user-1",
		"behavior_score": 75,
		"event_type":     models.EventMemeUpload,
		"metadata":       map[string]interface{}{"device_fingerprint_id": "fp-1"},
	}, browserAgent)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "user-1", body["user_id"])
	assert.Equal(t, 100.0, body["score"])
	assert.NotContains(t, body, "bot_signals")

	bseResult, ok := body["bse_result"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, models.RiskHighlyTrusted, bseResult["risk_level"])
	assert.Equal(t, models.FlagGreen, bseResult["flag_color"])
	assert.Equal(t, models.AssessmentVeryLow, bseResult["final_risk_assessment"])

	// The event row and its fingerprint record persisted together
	require.Len(t, h.events.created, 1)
	require.Len(t, h.fingerprints.created, 1)
	event := h.events.created[0]
	assert.Equal(t, 75.0, event.Metadata["reported_score"])
	assert.Equal(t, "fp-1", event.DeviceFingerprintID)
	assert.Len(t, h.fingerprints.created[0].DeviceHash, 64)
}

func TestHandleWebhookRejectsBotUserAgent(t *testing.T) {
	h := newIntakeHarness(nil)

	rec := h.post(t, map[string]interface{}{
		"user_id":        "u1",
		"behavior_score": 90,
		"risk_flags":     []string{},
	}, "Mozilla/5.0 (compatible; Googlebot/2.1)")

	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, httpapi.CodeBotDetected, body["error_code"])
	signals, ok := body["bot_signals"].([]interface{})
	require.True(t, ok)
	assert.Contains(t, signals, SignalBotUserAgent)

	// Rejected before anything persisted
	assert.Empty(t, h.events.created)
	assert.Empty(t, h.fingerprints.created)
}

func TestHandleWebhookInvalidJSON(t *testing.T) {
	h := newIntakeHarness(nil)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{not json"))
	req.Header.Set("User-Agent", browserAgent)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), httpapi.CodeInvalidPayload)
}

func TestHandleWebhookValidationErrors(t *testing.T) {
	h := newIntakeHarness(nil)

	rec := h.post(t, map[string]interface{}{
		"user_id":        "",
		"behavior_score": 150,
		"metadata":       map[string]interface{}{"device_fingerprint_id": "fp-1"},
	}, browserAgent)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, httpapi.CodeValidationError, body["error_code"])
	details, ok := body["details"].([]interface{})
	require.True(t, ok)
	assert.Len(t, details, 2)
	assert.Empty(t, h.events.created)
}

func TestHandleWebhookDuplicateSuppression(t *testing.T) {
	h := newIntakeHarness(nil)
	h.users.users["u4"] = &models.User{
		ID:            "u4",
		BehaviorScore: 95,
		CreatedAt:     time.Now().UTC().AddDate(0, -2, 0),
	}

	payload := map[string]interface{}{
		"user_id":        "u4",
		"behavior_score": 80,
		"event_type":     models.EventMemeUpload,
		"metadata":       map[string]interface{}{"device_fingerprint_id": "fp-1"},
	}

	first := h.post(t, payload, browserAgent)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "success", decodeBody(t, first)["status"])

	second := h.post(t, payload, browserAgent)
	require.Equal(t, http.StatusOK, second.Code)
	body := decodeBody(t, second)
	assert.Equal(t, "duplicate", body["status"])
	assert.Equal(t, "u4", body["user_id"])

	// The stored score moved exactly once
	assert.Equal(t, 1, h.users.updateCalls)
	assert.Len(t, h.events.created, 1)
}

func TestHandleWebhookRejectsExcessiveReferrals(t *testing.T) {
	counts := &stubReferralCounts{ipCount: 5}
	referrals := NewReferralDetector(counts, configs.ScoringConfig{ReferralInactiveGrace: 24 * time.Hour})
	h := newIntakeHarness(referrals)

	rec := h.post(t, map[string]interface{}{
		"user_id":        "user-1",
		"behavior_score": 75,
		"event_type":     models.EventReferral,
		"metadata":       map[string]interface{}{"device_fingerprint_id": "fp-1"},
	}, browserAgent)

	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, httpapi.CodeFakeReferralDetected, body["error_code"])
	details, ok := body["details"].([]interface{})
	require.True(t, ok)
	assert.Contains(t, details, SignalExcessiveIPReferrals)
	assert.Empty(t, h.events.created)
}

func TestHandleWebhookIntakeWriteFailure(t *testing.T) {
	h := newIntakeHarness(nil)
	h.tx.err = &pgconn.PgError{Code: "08006", Message: "connection failure"}

	rec := h.post(t, map[string]interface{}{
		"user_id":        "user-1",
		"behavior_score": 75,
		"metadata":       map[string]interface{}{"device_fingerprint_id": "fp-1"},
	}, browserAgent)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), httpapi.CodeDatabaseConnection)
	assert.Empty(t, h.events.deleted)
}

func TestHandleWebhookScoringFailureDiscardsIntake(t *testing.T) {
	h := newIntakeHarness(nil)
	h.users.getErr = errors.New("connection refused")

	rec := h.post(t, map[string]interface{}{
		"user_id":        "user-1",
		"behavior_score": 75,
		"metadata":       map[string]interface{}{"device_fingerprint_id": "fp-1"},
	}, browserAgent)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), httpapi.CodeDatabaseConnection)

	// The committed intake rows were compensated away
	require.Len(t, h.events.created, 1)
	require.Len(t, h.events.deleted, 1)
	assert.Equal(t, h.events.created[0].ID, h.events.deleted[0])
	require.Len(t, h.fingerprints.created, 1)
	require.Len(t, h.fingerprints.deleted, 1)
	assert.Equal(t, h.fingerprints.created[0].ID, h.fingerprints.deleted[0])
}

func TestHandleBotDetectionDiagnostic(t *testing.T) {
	h := newIntakeHarness(nil)
	h.router.POST("/webhook/bot-detection", h.handler.HandleBotDetection)

	body := `{"user_agent":"python-requests/2.31","device_fingerprint_id":""}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/bot-detection", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	parsed := decodeBody(t, rec)
	assert.Equal(t, "success", parsed["status"])
	assert.Equal(t, true, parsed["would_reject"])
	// Nothing persisted on the diagnostic path
	assert.Empty(t, h.events.created)
}

func TestRateLimiterBurst(t *testing.T) {
	rl := NewRateLimiter(100)

	for i := 0; i < 10; i++ {
		assert.True(t, rl.Allow("10.0.0.1"), "request %d", i)
	}
	assert.False(t, rl.Allow("10.0.0.1"))
	// Another address keeps its own bucket
	assert.True(t, rl.Allow("10.0.0.2"))
}
