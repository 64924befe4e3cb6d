// Package auth authenticates MQTT clients and authorizes publish and
// subscribe operations against per-user ACL rules.
package auth

import (
	"context"

	"golang.org/x/crypto/bcrypt"
)

// User is one broker account. PasswordHash is a bcrypt hash; plain-text
// passwords never persist.
type User struct {
	Username     string
	PasswordHash string
	Enabled      bool
	// CanSubscribe and CanPublish are the coarse defaults when no ACL rule
	// matches.
	CanSubscribe bool
	CanPublish   bool
	IsAdmin      bool
}

// AclRule grants or denies one topic pattern for one user. Patterns use
// MQTT filter syntax; the longest matching pattern wins, admin users bypass
// rules entirely.
type AclRule struct {
	Username     string
	TopicPattern string
	CanSubscribe bool
	CanPublish   bool
	Priority     int
}

// UserStore is the backing store for accounts and rules.
type UserStore interface {
	GetUser(ctx context.Context, username string) (*User, error)
	PutUser(ctx context.Context, u *User) error
	DeleteUser(ctx context.Context, username string) error
	Rules(ctx context.Context, username string) ([]*AclRule, error)
	AllRules(ctx context.Context) ([]*AclRule, error)
	PutRule(ctx context.Context, r *AclRule) error
	DeleteRule(ctx context.Context, username, pattern string) error
}

// HashPassword bcrypt-hashes a plain-text password.
func HashPassword(plain string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CheckPassword verifies plain against a stored bcrypt hash.
func CheckPassword(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
