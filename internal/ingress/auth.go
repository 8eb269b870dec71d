package ingress

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/memeforge/trust-engine/configs"
	"github.com/memeforge/trust-engine/internal/httpapi"
)

const (
	signatureHeader = "X-Webhook-Signature"
	signaturePrefix = "sha256="
)

// AuthMiddleware authenticates webhook requests with either an HMAC-SHA256
// body signature or a bearer token, depending on configuration. All
// comparisons are constant-time.
func AuthMiddleware(cfg configs.WebhookConfig) gin.HandlerFunc {
	switch cfg.AuthMethod {
	case "token":
		return tokenAuth(cfg.Token)
	default:
		return signatureAuth(cfg.Secret)
	}
}

func signatureAuth(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		header := c.GetHeader(signatureHeader)
		if header == "" {
			httpapi.AbortError(c, http.StatusUnauthorized, httpapi.CodeMissingAuth, "Missing webhook signature")
			return
		}
		if !strings.HasPrefix(header, signaturePrefix) {
			httpapi.AbortError(c, http.StatusUnauthorized, httpapi.CodeInvalidSignature, "Malformed webhook signature")
			return
		}

		body, err := readBody(c)
		if err != nil {
			httpapi.AbortError(c, http.StatusBadRequest, httpapi.CodeInvalidPayload, "Failed to read request body")
			return
		}

		mac := hmac.New(sha256.New, key)
		mac.Write(body)
		want := hex.EncodeToString(mac.Sum(nil))
		got := strings.TrimPrefix(header, signaturePrefix)

		if !hmac.Equal([]byte(got), []byte(want)) {
			log.Warn().Str("remote_addr", c.ClientIP()).Msg("Webhook signature mismatch")
			httpapi.AbortError(c, http.StatusUnauthorized, httpapi.CodeInvalidSignature, "Invalid webhook signature")
			return
		}

		c.Next()
	}
}

func tokenAuth(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			httpapi.AbortError(c, http.StatusUnauthorized, httpapi.CodeMissingAuth, "Missing authorization header")
			return
		}
		if !strings.HasPrefix(header, "Bearer ") {
			httpapi.AbortError(c, http.StatusUnauthorized, httpapi.CodeInvalidAuth, "Malformed authorization header")
			return
		}

		got := []byte(strings.TrimPrefix(header, "Bearer "))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			log.Warn().Str("remote_addr", c.ClientIP()).Msg("Webhook token mismatch")
			httpapi.AbortError(c, http.StatusUnauthorized, httpapi.CodeInvalidAuth, "Invalid token")
			return
		}

		c.Next()
	}
}

// readBody consumes the request body and restores it for downstream handlers.
func readBody(c *gin.Context) ([]byte, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, err
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
