package users

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"relay-service/internal/models"
)

var ErrUserNotFound = errors.New("user not found")

// ProfileSource resolves the display profile of a user.
type ProfileSource interface {
	GetProfile(ctx context.Context, userID int) (models.Profile, error)
}

// UserRepo reads profiles from the users table owned by the user service.
type UserRepo struct {
	db *sqlx.DB
}

// NewUserRepo constructs a UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

// GetProfile fetches a single profile.
func (r *UserRepo) GetProfile(ctx context.Context, userID int) (models.Profile, error) {
	var p models.Profile
	err := r.db.GetContext(ctx, &p, `SELECT id, name, picture, username FROM users WHERE id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Profile{}, ErrUserNotFound
	}
	return p, err
}
