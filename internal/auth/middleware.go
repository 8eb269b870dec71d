package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	AuthorizationHeader = "Authorization"
	BearerPrefix        = "Bearer "
	OperatorIDKey       = "operator_id"
	OperatorEmailKey    = "operator_email"
	OperatorRoleKey     = "operator_role"
)

// Middleware creates a Gin middleware for operator JWT authentication
func Middleware(jwtManager *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader(AuthorizationHeader)
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "missing authorization header",
			})
			return
		}

		if !strings.HasPrefix(authHeader, BearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "invalid authorization header format",
			})
			return
		}

		tokenString := strings.TrimPrefix(authHeader, BearerPrefix)
		claims, err := jwtManager.ValidateToken(tokenString)
		if err != nil {
			message := "invalid token"
			if errors.Is(err, ErrExpiredToken) {
				message = "token has expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": message,
			})
			return
		}

		c.Set(OperatorIDKey, claims.UserID)
		c.Set(OperatorEmailKey, claims.Email)
		c.Set(OperatorRoleKey, claims.Role)

		c.Next()
	}
}

// RoleMiddleware creates a Gin middleware for role-based access control.
// It must run after Middleware, which stores the operator claims.
func RoleMiddleware(allowedRoles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		operatorRole, ok := OperatorRoleFromContext(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "role not found in context",
			})
			return
		}

		for _, allowedRole := range allowedRoles {
			if operatorRole == allowedRole {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "insufficient permissions",
		})
	}
}

// OperatorIDFromContext extracts the operator ID from the Gin context
func OperatorIDFromContext(c *gin.Context) (uuid.UUID, bool) {
	id, exists := c.Get(OperatorIDKey)
	if !exists {
		return uuid.Nil, false
	}
	return id.(uuid.UUID), true
}

// OperatorRoleFromContext extracts the operator role from the Gin context
func OperatorRoleFromContext(c *gin.Context) (string, bool) {
	role, exists := c.Get(OperatorRoleKey)
	if !exists {
		return "", false
	}
	return role.(string), true
}
