package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/memeforge/trust-engine/internal/auth"
	"github.com/memeforge/trust-engine/internal/models"
	"github.com/memeforge/trust-engine/internal/repositories"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrWeakPassword       = errors.New("password does not meet requirements")
)

// AuthService handles operator authentication
type AuthService struct {
	operators  *repositories.OperatorRepository
	jwtManager *auth.JWTManager
}

// NewAuthService creates a new auth service
func NewAuthService(operators *repositories.OperatorRepository, jwtManager *auth.JWTManager) *AuthService {
	return &AuthService{
		operators:  operators,
		jwtManager: jwtManager,
	}
}

// RegisterRequest represents an operator registration request
type RegisterRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
	Role     string `json:"role"`
}

// LoginRequest represents a login request
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// AuthResponse represents an authentication response
type AuthResponse struct {
	Token     string           `json:"token"`
	ExpiresIn int64            `json:"expires_in"`
	Operator  OperatorResponse `json:"operator"`
}

// OperatorResponse represents an operator in responses
type OperatorResponse struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt string    `json:"created_at"`
}

// Register creates a new operator account
func (s *AuthService) Register(ctx context.Context, req *RegisterRequest) (*AuthResponse, error) {
	if !auth.ValidatePasswordStrength(req.Password) {
		return nil, ErrWeakPassword
	}

	hashedPassword, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	role := req.Role
	if role == "" {
		role = "viewer"
	}

	operator := &models.Operator{
		Email:        req.Email,
		PasswordHash: hashedPassword,
		Role:         role,
	}

	if err := s.operators.Create(ctx, operator); err != nil {
		if errors.Is(err, repositories.ErrOperatorAlreadyExists) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create operator: %w", err)
	}

	return s.respond(operator)
}

// Login authenticates an operator
func (s *AuthService) Login(ctx context.Context, req *LoginRequest) (*AuthResponse, error) {
	operator, err := s.operators.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, repositories.ErrOperatorNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to find operator: %w", err)
	}

	if !auth.CheckPassword(req.Password, operator.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	return s.respond(operator)
}

// RefreshToken exchanges a still-valid token for a fresh one
func (s *AuthService) RefreshToken(ctx context.Context, currentToken string) (*AuthResponse, error) {
	claims, err := s.jwtManager.ValidateToken(currentToken)
	if err != nil {
		return nil, err
	}

	operator, err := s.operators.GetByID(ctx, claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("operator not found: %w", err)
	}

	return s.respond(operator)
}

// GetOperator retrieves an operator by ID
func (s *AuthService) GetOperator(ctx context.Context, id uuid.UUID) (*OperatorResponse, error) {
	operator, err := s.operators.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	return &OperatorResponse{
		ID:        operator.ID,
		Email:     operator.Email,
		Role:      operator.Role,
		CreatedAt: operator.CreatedAt.Format("2006-01-02T15:04:05Z"),
	}, nil
}

func (s *AuthService) respond(operator *models.Operator) (*AuthResponse, error) {
	token, err := s.jwtManager.GenerateToken(operator.ID, operator.Email, operator.Role)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	return &AuthResponse{
		Token:     token,
		ExpiresIn: 86400, // 24 hours in seconds
		Operator: OperatorResponse{
			ID:        operator.ID,
			Email:     operator.Email,
			Role:      operator.Role,
			CreatedAt: operator.CreatedAt.Format("2006-01-02T15:04:05Z"),
		},
	}, nil
}
