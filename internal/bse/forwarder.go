package bse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/memeforge/trust-engine/configs"
)

// ScorePayload is the body POSTed to the outbound webhook after scoring.
type ScorePayload struct {
	UserID        string    `json:"user_id"`
	BehaviorScore float64   `json:"behavior_score"`
	RiskFlags     []string  `json:"risk_flags"`
	Timestamp     time.Time `json:"timestamp"`
}

// Forwarder delivers scoring results to a downstream webhook with a bounded
// retry budget. Delivery failure is logged and dropped; it never reverses
// the persisted score.
type Forwarder struct {
	url         string
	client      *http.Client
	maxRetries  int
	baseBackoff time.Duration
	exponential bool
}

// NewForwarder creates a forwarder from webhook configuration. Returns nil
// when no outbound URL is configured.
func NewForwarder(cfg configs.WebhookConfig) *Forwarder {
	if cfg.OutboundURL == "" {
		return nil
	}
	return &Forwarder{
		url:         cfg.OutboundURL,
		client:      &http.Client{Timeout: cfg.Timeout},
		maxRetries:  cfg.MaxRetries,
		baseBackoff: 5 * time.Second,
		exponential: cfg.ExponentialBackoff,
	}
}

// Forward attempts delivery up to the retry budget with exponential backoff
// and jitter.
func (f *Forwarder) Forward(payload *ScorePayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("user_id", payload.UserID).Msg("Failed to marshal forward payload")
		return
	}

	delay := f.baseBackoff
	for attempt := 1; attempt <= f.maxRetries; attempt++ {
		if err = f.post(body); err == nil {
			log.Debug().Str("user_id", payload.UserID).Int("attempt", attempt).Msg("Score forwarded")
			return
		}

		log.Warn().Err(err).
			Str("user_id", payload.UserID).
			Int("attempt", attempt).
			Int("max_attempts", f.maxRetries).
			Msg("Outbound webhook delivery failed")

		if attempt == f.maxRetries {
			break
		}

		jitter := time.Duration(rand.Int63n(int64(delay) / 4))
		time.Sleep(delay + jitter)
		if f.exponential {
			delay *= 2
		}
	}

	log.Error().
		Str("user_id", payload.UserID).
		Msg("Outbound webhook delivery exhausted retry budget, dropping")
}

func (f *Forwarder) post(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), f.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
