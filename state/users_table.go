package state

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/roomwatch/occupancy/internal"
)

type UsersTable struct {
	db *sqlx.DB
}

func NewUsersTable(db *sqlx.DB) *UsersTable {
	return &UsersTable{db}
}

// Insert a user. The password must already be hashed.
func (t *UsersTable) Insert(ctx context.Context, username, passwordHash string) (*internal.User, error) {
	u := internal.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := t.db.NamedExecContext(ctx, `
		INSERT INTO occupancy_users(user_id, username, password_hash, created_at)
		VALUES(:user_id, :username, :password_hash, :created_at)`, u)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// SelectByUsername returns nil if there is no such user.
func (t *UsersTable) SelectByUsername(ctx context.Context, username string) (*internal.User, error) {
	var u internal.User
	err := t.db.GetContext(ctx, &u, `SELECT user_id, username, password_hash, created_at FROM occupancy_users WHERE username = $1`, username)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
