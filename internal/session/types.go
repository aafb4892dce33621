package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"studyhub.dev/internal/auth"
)

const (
	ActionRefresh = "refresh"
	ActionRevoke  = "revoke"

	TypeRefresh = "session:refresh"
	TypeRevoke  = "session:revoke"
)

var (
	ErrNotRefreshToken     = auth.NewError(auth.KindNotRefreshToken, http.StatusBadRequest, "session: not a refresh token")
	ErrSessionExpired      = auth.NewError(auth.KindSessionExpired, http.StatusUnauthorized, "session: expired")
	ErrSessionRevoked      = auth.NewError(auth.KindSessionRevoked, http.StatusUnauthorized, "session: revoked")
	ErrRefreshTokenReused  = auth.NewError(auth.KindRefreshTokenReused, http.StatusUnauthorized, "session: refresh token already used")
	ErrSessionMissing      = auth.NewError(auth.KindIntegrity, http.StatusInternalServerError, "session: record missing for verified token")
	ErrCorruptSessionState = auth.NewError(auth.KindIntegrity, http.StatusInternalServerError, "session: stored authorization is unreadable")
)

// ErrNotFound is returned by stores when no session has the requested id.
var ErrNotFound = errors.New("session: not found")

// Session is the persisted record behind a refresh token. Timestamps are kept
// at millisecond precision, matching token timestamps.
type Session struct {
	ID              string
	UserID          string
	Authorization   []byte
	ValidUntil      time.Time
	Revoked         bool
	LastRefreshedAt time.Time
	CreatedAt       time.Time
}

// RefreshLog is one append-only rotation record. Tokens are stored as SHA-256
// fingerprints, never in the clear.
type RefreshLog struct {
	ID              string
	SessionID       string
	OldRefreshToken string
	NewRefreshToken string
	AccessToken     string
	CreatedAt       time.Time
}

// TokenPair is the result of a rotation.
type TokenPair struct {
	RefreshToken     string
	AccessToken      string
	RefreshExpiresAt time.Time
	AccessExpiresAt  time.Time
}

// Store persists sessions.
type Store interface {
	Create(ctx context.Context, s *Session) error
	FindByID(ctx context.Context, id string) (*Session, error)
	// UpdateLastRefreshedAt sets lastRefreshedAt to next only if it still equals
	// expectedPrev, reporting whether the swap happened.
	UpdateLastRefreshedAt(ctx context.Context, id string, expectedPrev, next time.Time) (bool, error)
	SetRevoked(ctx context.Context, id string) error
}

// RefreshLogStore appends rotation records.
type RefreshLogStore interface {
	Append(ctx context.Context, entry *RefreshLog) error
}

// Rotator is implemented by stores that can swap lastRefreshedAt and append the
// refresh log in one transaction.
type Rotator interface {
	Rotate(ctx context.Context, id string, expectedPrev, next time.Time, entry *RefreshLog) (bool, error)
}

// Fingerprint returns the hex SHA-256 of a token.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
