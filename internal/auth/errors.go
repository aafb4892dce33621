package auth

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an authorization or session failure.
type Kind string

const (
	KindInvalidToken       Kind = "invalid_token"
	KindTokenFormat        Kind = "token_format"
	KindPermissionDenied   Kind = "permission_denied"
	KindNotRefreshToken    Kind = "not_refresh_token"
	KindSessionExpired     Kind = "session_expired"
	KindSessionRevoked     Kind = "session_revoked"
	KindRefreshTokenReused Kind = "refresh_token_reused"
	KindIntegrity          Kind = "integrity"
)

// Error is a classified failure with a fixed status code. Sentinels of this type
// are compared with errors.Is.
type Error struct {
	Kind   Kind
	Status int
	msg    string
}

// NewError declares a classified error. Packages layered on top of auth use it
// to define their own sentinels.
func NewError(kind Kind, status int, msg string) *Error {
	return &Error{Kind: kind, Status: status, msg: msg}
}

func (e *Error) Error() string { return e.msg }

var (
	ErrInvalidToken     = NewError(KindInvalidToken, http.StatusUnauthorized, "auth: invalid token")
	ErrTokenFormat      = NewError(KindTokenFormat, http.StatusUnauthorized, "auth: unexpected token payload")
	ErrPermissionDenied = NewError(KindPermissionDenied, http.StatusForbidden, "auth: permission denied")

	ErrLogicExists  = NewError(KindIntegrity, http.StatusInternalServerError, "auth: custom logic already registered")
	ErrUnknownLogic = NewError(KindIntegrity, http.StatusInternalServerError, "auth: unknown custom logic")
)

// PermissionDeniedError reports the exact tuple that was refused.
type PermissionDeniedError struct {
	Action  string
	OwnerID string
	Type    string
	ID      string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("auth: permission denied: action=%q owner=%q type=%q id=%q", e.Action, e.OwnerID, e.Type, e.ID)
}

func (e *PermissionDeniedError) Unwrap() error { return ErrPermissionDenied }

func deny(access Access) error {
	return &PermissionDeniedError{
		Action:  access.Action,
		OwnerID: access.OwnerID,
		Type:    access.Type,
		ID:      access.ResourceID,
	}
}

// KindOf returns the classification of err, or "" for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// StatusOf returns the status code attached to err, defaulting to 500.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return http.StatusInternalServerError
}
