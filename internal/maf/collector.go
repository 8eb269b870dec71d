package maf

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/memeforge/trust-engine/configs"
	"github.com/memeforge/trust-engine/internal/models"
	"github.com/memeforge/trust-engine/internal/queue"
)

// DeviceHash computes the canonical 64-hex device hash: SHA-256 over the
// fixed, ordered concatenation of the device attributes. Identical inputs
// always produce identical hashes.
func DeviceHash(ip, ua, screen, tz, lang, platform, canvasFP, webglFP string) string {
	var b strings.Builder
	for _, part := range []string{ip, ua, screen, tz, lang, platform, canvasFP, webglFP} {
		b.WriteString(part)
		b.WriteByte('|')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// StreamPublisher feeds the background pattern-scan worker.
type StreamPublisher interface {
	Publish(ctx context.Context, event *models.FingerprintEvent) (string, error)
}

// Collector turns raw events into fingerprint records and announces them to
// the scan stream. Persistence happens in the caller's intake transaction so
// the event row and its fingerprint record commit together.
type Collector struct {
	stream   StreamPublisher // nil disables stream publication
	identity *IdentityClient // nil disables confidence lookups
}

// NewCollector creates a fingerprint collector.
func NewCollector(stream StreamPublisher, identity *IdentityClient) *Collector {
	return &Collector{stream: stream, identity: identity}
}

// Publish announces a persisted record to the scan stream. Best effort: the
// worker's periodic full scan covers missed announcements.
func (c *Collector) Publish(ctx context.Context, fp *models.FingerprintRecord) {
	if c.stream == nil {
		return
	}
	_, err := c.stream.Publish(ctx, &models.FingerprintEvent{
		RecordID:   fp.ID.String(),
		UserID:     fp.UserID,
		EventType:  fp.EventType,
		IP:         fp.IP,
		DeviceHash: fp.DeviceHash,
		Timestamp:  fp.Timestamp,
	})
	if err != nil {
		log.Warn().Err(err).Str("user_id", fp.UserID).Msg("Failed to publish fingerprint to stream")
	}
}

// Build assembles the fingerprint record for one event.
func (c *Collector) Build(ctx context.Context, event *models.Event) *models.FingerprintRecord {
	md := event.Metadata
	screen, _ := md.String("screen_resolution")
	tz, _ := md.String("timezone")
	lang, _ := md.String("language")
	platform, _ := md.String("platform")
	canvasFP, _ := md.String("canvas_fp")
	webglFP, _ := md.String("webgl_fp")

	details := models.JSONB{}
	for _, key := range []string{"screen_resolution", "timezone", "language", "platform", "meme_hash"} {
		if v, ok := md[key]; ok {
			details[key] = v
		}
	}

	fp := &models.FingerprintRecord{
		UserID:         event.UserID,
		EventType:      event.EventType,
		IP:             event.SourceIP,
		UserAgent:      event.UserAgent,
		DeviceHash:     DeviceHash(event.SourceIP, event.UserAgent, screen, tz, lang, platform, canvasFP, webglFP),
		Timestamp:      event.Timestamp.UTC(),
		Confidence:     1.0,
		BrowserDetails: details,
	}
	if geo, ok := md.String("geo"); ok {
		fp.Geo = geo
	}

	if c.identity != nil {
		if visitorID, ok := md.String("visitor_id"); ok && visitorID != "" {
			if result, err := c.identity.Lookup(ctx, visitorID); err == nil {
				fp.Confidence = result.Confidence
				if fp.Geo == "" {
					fp.Geo = result.Geo
				}
			} else {
				log.Debug().Err(err).Str("visitor_id", visitorID).Msg("Identity lookup failed")
			}
		}
	}

	return fp
}

// IdentityResult is the provider's verdict on a visitor id.
type IdentityResult struct {
	Confidence float64 `json:"confidence"`
	Geo        string  `json:"geo"`
}

// IdentityClient queries the external identity provider with a 2h
// per-visitor result cache. 4xx responses are not retried; a 5xx or timeout
// gets exactly one retry.
type IdentityClient struct {
	baseURL  string
	client   *http.Client
	cache    *queue.CacheClient // nil disables caching
	cacheTTL time.Duration
}

// NewIdentityClient creates an identity client. Returns nil when no provider
// URL is configured.
func NewIdentityClient(cfg configs.ScoringConfig, cache *queue.CacheClient) *IdentityClient {
	if cfg.IdentityProviderURL == "" {
		return nil
	}
	return &IdentityClient{
		baseURL:  cfg.IdentityProviderURL,
		client:   &http.Client{Timeout: cfg.IdentityTimeout},
		cache:    cache,
		cacheTTL: cfg.IdentityCacheTTL,
	}
}

// Lookup resolves a visitor id to an identity result, consulting the cache first.
func (ic *IdentityClient) Lookup(ctx context.Context, visitorID string) (*IdentityResult, error) {
	cacheKey := "identity:" + visitorID
	if ic.cache != nil {
		var cached IdentityResult
		if err := ic.cache.Get(ctx, cacheKey, &cached); err == nil {
			return &cached, nil
		}
	}

	result, err := ic.fetch(ctx, visitorID)
	if err != nil {
		if retryable(err) {
			result, err = ic.fetch(ctx, visitorID)
		}
		if err != nil {
			return nil, err
		}
	}

	if ic.cache != nil {
		if err := ic.cache.Set(ctx, cacheKey, result, ic.cacheTTL); err != nil {
			log.Warn().Err(err).Msg("Failed to cache identity result")
		}
	}

	return result, nil
}

func (ic *IdentityClient) fetch(ctx context.Context, visitorID string) (*IdentityResult, error) {
	u := ic.baseURL + "?visitor_id=" + url.QueryEscape(visitorID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := ic.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, &providerError{status: resp.StatusCode}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("identity provider rejected lookup: status %d", resp.StatusCode)
	}

	var result IdentityResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode identity response: %w", err)
	}
	return &result, nil
}

type providerError struct {
	status int
}

func (e *providerError) Error() string {
	return fmt.Sprintf("identity provider error: status %d", e.status)
}

func retryable(err error) bool {
	var perr *providerError
	if errors.As(err, &perr) {
		return true
	}
	// Timeouts surface as url.Error with Timeout() true
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Timeout()
	}
	return false
}
