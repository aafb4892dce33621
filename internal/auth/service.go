package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"studyhub.dev/internal/obs"
)

// Service signs capability tokens and audits actions against them.
type Service struct {
	codec  *Codec
	logics *Registry
	now    func() time.Time
	logger *slog.Logger
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithLogger overrides the logger used for decision logging.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService constructs a Service. The registry may be populated after
// construction, which is how logics that audit through the service are wired.
func NewService(codec *Codec, logics *Registry, opts ...ServiceOption) (*Service, error) {
	if codec == nil {
		return nil, errors.New("auth: codec is required")
	}
	if logics == nil {
		logics = NewRegistry()
	}
	svc := &Service{
		codec:  codec,
		logics: logics,
		now:    time.Now,
		logger: obs.Logger(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Logics returns the registry consulted for Permission.CustomLogic.
func (s *Service) Logics() *Registry { return s.logics }

// Now returns the service clock truncated to the token timestamp precision.
func (s *Service) Now() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// Sign issues a token for authz valid for ttl from now.
func (s *Service) Sign(authz Authorization, ttl time.Duration) (string, error) {
	token, _, err := s.SignAt(authz, s.Now(), ttl)
	return token, err
}

// SignAt issues a token stamped with an explicit signing time and returns it
// together with its validUntil.
func (s *Service) SignAt(authz Authorization, at time.Time, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(authz.SubjectID) == "" {
		return "", time.Time{}, errors.New("auth: subject is required")
	}
	if ttl <= 0 {
		return "", time.Time{}, errors.New("auth: ttl must be greater than zero")
	}
	at = at.UTC().Truncate(time.Millisecond)
	validUntil := at.Add(ttl)
	token, err := s.codec.Sign(TokenPayload{
		Authorization: authz,
		SignedAt:      at,
		ValidUntil:    validUntil,
	}, ttl)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, validUntil, nil
}

// Verify returns the Authorization carried by a valid, unexpired token, in its
// Normalized form.
func (s *Service) Verify(token string) (Authorization, error) {
	payload, err := s.VerifyPayload(token)
	if err != nil {
		return Authorization{}, err
	}
	return payload.Authorization, nil
}

// VerifyPayload is Verify returning the whole payload. Expiry is checked again
// against validUntil, independent of the JWT exp claim.
func (s *Service) VerifyPayload(token string) (TokenPayload, error) {
	payload, err := s.codec.Verify(token)
	if err != nil {
		return TokenPayload{}, err
	}
	if s.now().After(payload.ValidUntil) {
		return TokenPayload{}, ErrInvalidToken
	}
	return payload, nil
}

// Decode reads a token payload without verifying it. Inspection only.
func (s *Service) Decode(token string) (TokenPayload, error) {
	return s.codec.Decode(token)
}

// Audit verifies token and checks that it authorizes access. A refusal is a
// *PermissionDeniedError.
func (s *Service) Audit(ctx context.Context, token string, access Access) (Authorization, error) {
	authz, err := s.Verify(token)
	if err != nil {
		obs.AuthzDecisions.WithLabelValues("error").Inc()
		return Authorization{}, err
	}
	if err := s.AuditWithoutToken(ctx, authz, access); err != nil {
		return Authorization{}, err
	}
	return authz, nil
}

// AuditWithoutToken checks an Authorization that was already resolved server
// side, such as a role materialized inside a custom logic.
func (s *Service) AuditWithoutToken(ctx context.Context, authz Authorization, access Access) error {
	for _, perm := range authz.Permissions {
		ok, err := s.permits(ctx, authz.SubjectID, perm, access)
		if err != nil {
			obs.AuthzDecisions.WithLabelValues("error").Inc()
			return err
		}
		if ok {
			obs.AuthzDecisions.WithLabelValues("allow").Inc()
			return nil
		}
	}
	obs.AuthzDecisions.WithLabelValues("deny").Inc()
	s.logger.Debug("authz denied",
		"subject_id", authz.SubjectID,
		"action", access.Action,
		"owner_id", access.OwnerID,
		"type", access.Type,
		"resource_id", access.ResourceID,
	)
	return deny(access)
}

func (s *Service) permits(ctx context.Context, subjectID string, perm Permission, access Access) (bool, error) {
	if !Matches(perm, access) {
		return false, nil
	}
	if perm.CustomLogic == "" {
		return true, nil
	}
	ok, err := s.logics.Invoke(ctx, perm.CustomLogic, LogicRequest{
		SubjectID: subjectID,
		Access:    access,
		Data:      perm.CustomLogicData,
	})
	if errors.Is(err, ErrPermissionDenied) {
		// a nested audit refusing means this permission does not apply
		return false, nil
	}
	if err != nil {
		s.logger.Error("custom logic failed", "logic", perm.CustomLogic, "subject_id", subjectID, "error", err)
		return false, fmt.Errorf("auth: custom logic %s: %w", perm.CustomLogic, err)
	}
	return ok, nil
}
