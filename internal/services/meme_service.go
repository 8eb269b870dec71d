package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/memeforge/trust-engine/configs"
	"github.com/memeforge/trust-engine/internal/cache"
	"github.com/memeforge/trust-engine/internal/gatekeeper"
)

var (
	ErrMemeAccessDenied  = errors.New("meme generation denied")
	ErrGeneratorDisabled = errors.New("meme generator is not configured")
)

// maxMemeResponseBytes caps what is read from the generator.
const maxMemeResponseBytes = 8 << 20

// AccessChecker is the slice of the gatekeeper the meme service needs.
type AccessChecker interface {
	ValidateAccess(ctx context.Context, userID string) *gatekeeper.Decision
}

// MemeService fronts the external meme generator with the gatekeeper's
// admission policy and an in-process result cache.
type MemeService struct {
	gate   AccessChecker
	cache  *cache.MemeCache
	client *http.Client
	url    string
}

// NewMemeService creates the service. An empty generator URL leaves it
// constructed but disabled.
func NewMemeService(cfg configs.MemeConfig, gate AccessChecker) *MemeService {
	return &MemeService{
		gate:   gate,
		cache:  cache.NewMemeCache(cfg.CacheMaxBytes, cfg.CacheTTL),
		client: &http.Client{Timeout: cfg.Timeout},
		url:    cfg.GeneratorURL,
	}
}

// MemeRequest describes one generation.
type MemeRequest struct {
	UserID    string `json:"user_id" binding:"required"`
	Prompt    string `json:"prompt" binding:"required"`
	Tone      string `json:"tone"`
	BaseImage string `json:"base_image"`
}

// Generate runs the admission check, consults the cache and calls the
// generator on a miss. The second return reports a cache hit.
func (s *MemeService) Generate(ctx context.Context, req *MemeRequest) ([]byte, bool, error) {
	if s.url == "" {
		return nil, false, ErrGeneratorDisabled
	}

	decision := s.gate.ValidateAccess(ctx, req.UserID)
	if !decision.AccessGranted {
		return nil, false, fmt.Errorf("%w: %s", ErrMemeAccessDenied, decision.Reason)
	}

	key := cache.MemeKey{
		UserID:    req.UserID,
		Prompt:    req.Prompt,
		Tone:      req.Tone,
		BaseImage: req.BaseImage,
	}
	if result, ok := s.cache.Get(key); ok {
		return result, true, nil
	}

	result, err := s.fetch(ctx, req)
	if err != nil {
		return nil, false, err
	}
	s.cache.Put(key, result)
	return result, false, nil
}

func (s *MemeService) fetch(ctx context.Context, req *MemeRequest) ([]byte, error) {
	body, err := json.Marshal(map[string]string{
		"prompt":     req.Prompt,
		"tone":       req.Tone,
		"base_image": req.BaseImage,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("generator call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("generator rejected request: status %d", resp.StatusCode)
	}

	result, err := io.ReadAll(io.LimitReader(resp.Body, maxMemeResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read generator response: %w", err)
	}

	log.Debug().Str("user_id", req.UserID).Int("bytes", len(result)).Msg("Meme generated")
	return result, nil
}
