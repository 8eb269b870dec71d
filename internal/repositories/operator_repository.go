package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/memeforge/trust-engine/internal/models"
)

var (
	ErrOperatorNotFound      = errors.New("operator not found")
	ErrOperatorAlreadyExists = errors.New("operator already exists")
)

// OperatorRepository handles dashboard operator accounts
type OperatorRepository struct {
	db *Database
}

// NewOperatorRepository creates a new operator repository
func NewOperatorRepository(db *Database) *OperatorRepository {
	return &OperatorRepository{db: db}
}

// Create inserts a new operator
func (r *OperatorRepository) Create(ctx context.Context, op *models.Operator) error {
	query := `
		INSERT INTO operators (id, email, password_hash, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	op.ID = uuid.New()
	now := time.Now().UTC()
	op.CreatedAt = now
	op.UpdatedAt = now

	_, err := r.db.Pool.Exec(ctx, query,
		op.ID, op.Email, op.PasswordHash, op.Role, op.CreatedAt, op.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrOperatorAlreadyExists
		}
		return err
	}
	return nil
}

// GetByEmail retrieves an operator by email
func (r *OperatorRepository) GetByEmail(ctx context.Context, email string) (*models.Operator, error) {
	query := `
		SELECT id, email, password_hash, role, created_at, updated_at, deleted_at
		FROM operators
		WHERE email = $1 AND deleted_at IS NULL
	`

	op := &models.Operator{}
	err := r.db.Pool.QueryRow(ctx, query, email).Scan(
		&op.ID, &op.Email, &op.PasswordHash, &op.Role,
		&op.CreatedAt, &op.UpdatedAt, &op.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOperatorNotFound
		}
		return nil, err
	}
	return op, nil
}

// GetByID retrieves an operator by id
func (r *OperatorRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Operator, error) {
	query := `
		SELECT id, email, password_hash, role, created_at, updated_at, deleted_at
		FROM operators
		WHERE id = $1 AND deleted_at IS NULL
	`

	op := &models.Operator{}
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&op.ID, &op.Email, &op.PasswordHash, &op.Role,
		&op.CreatedAt, &op.UpdatedAt, &op.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOperatorNotFound
		}
		return nil, err
	}
	return op, nil
}
