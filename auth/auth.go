package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/roomwatch/occupancy/internal"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrBadCredentials is returned for both an unknown user and a wrong password.
	ErrBadCredentials = errors.New("invalid username or password")
	ErrInvalidToken   = errors.New("invalid token")
)

// UserStore looks users up by name. It returns nil, nil if there is no such user.
type UserStore interface {
	UserByUsername(ctx context.Context, username string) (*internal.User, error)
}

// Tokens issues and verifies HS256 bearer tokens whose subject is the user ID.
type Tokens struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

func NewTokens(secret string, expiry time.Duration) *Tokens {
	return &Tokens{
		secret: []byte(secret),
		expiry: expiry,
		now:    time.Now,
	}
}

func (t *Tokens) Issue(userID string) (string, error) {
	now := t.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.expiry)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify returns the user ID of a valid, unexpired token.
func (t *Tokens) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(token *jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// Authenticator checks passwords and hands out tokens.
type Authenticator struct {
	users  UserStore
	tokens *Tokens
}

func NewAuthenticator(users UserStore, tokens *Tokens) *Authenticator {
	return &Authenticator{users: users, tokens: tokens}
}

func (a *Authenticator) Tokens() *Tokens {
	return a.tokens
}

// Login returns a token for the user if the password matches.
func (a *Authenticator) Login(ctx context.Context, username, password string) (string, error) {
	user, err := a.users.UserByUsername(ctx, username)
	if err != nil {
		return "", fmt.Errorf("Login: failed to load user: %w", err)
	}
	if user == nil {
		return "", ErrBadCredentials
	}
	if err = bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrBadCredentials
	}
	return a.tokens.Issue(user.ID)
}

// HashPassword hashes a password for storage.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
