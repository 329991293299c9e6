package internal

import "time"

// User can log in to read and record sensor data.
type User struct {
	ID           string    `db:"user_id"`
	Username     string    `db:"username"`
	PasswordHash string    `db:"password_hash"`
	CreatedAt    time.Time `db:"created_at"`
}
