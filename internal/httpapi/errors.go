package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgconn"
)

// Wire-stable error codes. Dashboard and event-source integrations compare
// these literally, so they never change meaning.
const (
	CodeMissingAuth          = "MISSING_AUTH"
	CodeInvalidAuth          = "INVALID_AUTH"
	CodeInvalidSignature     = "INVALID_SIGNATURE"
	CodeInvalidContentType   = "INVALID_CONTENT_TYPE"
	CodeInvalidPayload       = "INVALID_PAYLOAD"
	CodeValidationError      = "VALIDATION_ERROR"
	CodeBotDetected          = "BOT_DETECTED"
	CodeFakeReferralDetected = "FAKE_REFERRAL_DETECTED"
	CodeBSEProcessingError   = "BSE_PROCESSING_ERROR"
	CodeDatabaseConnection   = "DATABASE_CONNECTION_ERROR"
	CodeDatabaseUnavailable  = "DATABASE_UNAVAILABLE"
	CodeDatabaseAuth         = "DATABASE_AUTH_ERROR"
	CodeDatabaseValidation   = "DATABASE_VALIDATION_ERROR"
	CodeDatabaseError        = "DATABASE_ERROR"
	CodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	CodeEndpointNotFound     = "ENDPOINT_NOT_FOUND"
	CodeMethodNotAllowed     = "METHOD_NOT_ALLOWED"
	CodeInternalError        = "INTERNAL_ERROR"
)

// ErrorBody is the envelope carried by every 4xx/5xx response
type ErrorBody struct {
	Status    string   `json:"status"`
	ErrorCode string   `json:"error_code"`
	Message   string   `json:"message"`
	Details   []string `json:"details,omitempty"`
}

// AbortError writes the standard error envelope and stops the handler chain.
func AbortError(c *gin.Context, httpStatus int, code, message string, details ...string) {
	c.AbortWithStatusJSON(httpStatus, ErrorBody{
		Status:    "error",
		ErrorCode: code,
		Message:   message,
		Details:   details,
	})
}

// ClassifyDBError maps a database failure onto the stable taxonomy and an
// HTTP status. Connection and network failures are 502, service shutdown 503,
// auth 502, constraint violations 400, everything else 500.
func ClassifyDBError(err error) (int, string) {
	if err == nil {
		return http.StatusOK, ""
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusBadGateway, CodeDatabaseConnection
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception class
			return http.StatusBadGateway, CodeDatabaseConnection
		case pgErr.Code == "57P01" || pgErr.Code == "57P02" || pgErr.Code == "57P03":
			return http.StatusServiceUnavailable, CodeDatabaseUnavailable
		case pgErr.Code == "28000" || pgErr.Code == "28P01":
			return http.StatusBadGateway, CodeDatabaseAuth
		case strings.HasPrefix(pgErr.Code, "23"): // integrity constraint violation
			return http.StatusBadRequest, CodeDatabaseValidation
		case strings.HasPrefix(pgErr.Code, "22"): // data exception
			return http.StatusBadRequest, CodeDatabaseValidation
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "connection reset"):
		return http.StatusBadGateway, CodeDatabaseConnection
	case strings.Contains(msg, "unavailable"), strings.Contains(msg, "shutting down"):
		return http.StatusServiceUnavailable, CodeDatabaseUnavailable
	}

	return http.StatusInternalServerError, CodeDatabaseError
}
