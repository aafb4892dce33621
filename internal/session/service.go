package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"studyhub.dev/internal/audit"
	"studyhub.dev/internal/auth"
	"studyhub.dev/internal/ids"
	"studyhub.dev/internal/obs"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour * 14
	defaultSessionTTL = 24 * time.Hour * 30
)

// Service issues, rotates and revokes refresh-token sessions.
type Service struct {
	auth   *auth.Service
	store  Store
	logs   RefreshLogStore
	now    func() time.Time
	logger *slog.Logger

	accessTTL  time.Duration
	refreshTTL time.Duration
	sessionTTL time.Duration
}

// Option configures Service behavior.
type Option func(*Service)

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithAccessTTL configures the default access token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures the default refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithSessionTTL configures the default session lifetime.
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.sessionTTL = ttl
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService constructs a Service. When logs is nil the store must also
// implement RefreshLogStore.
func NewService(authSvc *auth.Service, store Store, logs RefreshLogStore, opts ...Option) (*Service, error) {
	if authSvc == nil {
		return nil, errors.New("session: auth service is required")
	}
	if store == nil {
		return nil, errors.New("session: store is required")
	}
	if logs == nil {
		l, ok := store.(RefreshLogStore)
		if !ok {
			return nil, errors.New("session: refresh log store is required")
		}
		logs = l
	}
	svc := &Service{
		auth:       authSvc,
		store:      store,
		logs:       logs,
		now:        time.Now,
		logger:     obs.Logger(),
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		sessionTTL: defaultSessionTTL,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// RefreshAuthorization is the grant carried by a refresh token: it only lets the
// holder refresh or revoke one session.
func RefreshAuthorization(userID, sessionID string) auth.Authorization {
	return auth.Authorization{
		SubjectID: userID,
		Permissions: []auth.Permission{{
			AuthorizedResource: auth.AuthorizedResource{
				Types:       []string{TypeRefresh, TypeRevoke},
				ResourceIDs: []string{sessionID},
			},
		}},
	}
}

// CreateSession persists a new session holding authz and returns its first
// refresh token. Zero TTLs fall back to the configured defaults.
func (s *Service) CreateSession(ctx context.Context, userID string, authz auth.Authorization, refreshTTL, sessionTTL time.Duration) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("session: user id is required")
	}
	if authz.SubjectID == "" {
		authz.SubjectID = userID
	}
	if authz.SubjectID != userID {
		return "", fmt.Errorf("session: authorization subject %q does not match user %q", authz.SubjectID, userID)
	}
	refreshTTL = pick(refreshTTL, s.refreshTTL)
	sessionTTL = pick(sessionTTL, s.sessionTTL)

	raw, err := auth.MarshalAuthorization(authz)
	if err != nil {
		return "", fmt.Errorf("session: encode authorization: %w", err)
	}
	now := s.clock()
	rec := &Session{
		ID:              ids.NewAt(now),
		UserID:          userID,
		Authorization:   raw,
		ValidUntil:      now.Add(sessionTTL),
		LastRefreshedAt: now,
		CreatedAt:       now,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("session: create: %w", err)
	}
	token, _, err := s.auth.SignAt(RefreshAuthorization(userID, rec.ID), now, refreshTTL)
	if err != nil {
		return "", err
	}

	obs.SessionEvents.WithLabelValues("created").Inc()
	_ = audit.LogEvent(ctx, audit.EventSessionCreated, map[string]any{
		"session_id":  rec.ID,
		"user_id":     userID,
		"valid_until": rec.ValidUntil,
	})
	return token, nil
}

// RefreshSession exchanges a refresh token for a new refresh token and an access
// token carrying the session's authorization. Each refresh token is good for
// exactly one rotation.
func (s *Service) RefreshSession(ctx context.Context, refreshToken string, refreshTTL, accessTTL time.Duration) (TokenPair, error) {
	payload, sessionID, err := s.parseRefreshToken(refreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	access := auth.Access{Action: ActionRefresh, Type: TypeRefresh, ResourceID: sessionID}
	if err := s.auth.AuditWithoutToken(ctx, payload.Authorization, access); err != nil {
		return TokenPair{}, err
	}

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return TokenPair{}, err
	}
	now := s.clock()
	if now.After(sess.ValidUntil) {
		obs.SessionEvents.WithLabelValues("expired").Inc()
		return TokenPair{}, ErrSessionExpired
	}
	if sess.Revoked {
		return TokenPair{}, ErrSessionRevoked
	}
	if payload.SignedAt.Before(sess.LastRefreshedAt) {
		s.reportReuse(ctx, sess, payload.SignedAt)
		return TokenPair{}, ErrRefreshTokenReused
	}

	// next must be captured before signing and strictly advance the watermark,
	// otherwise the consumed token would still pass the staleness check.
	next := now
	if !next.After(sess.LastRefreshedAt) {
		next = sess.LastRefreshedAt.Add(time.Millisecond)
	}

	business, err := auth.UnmarshalAuthorization(sess.Authorization)
	if err != nil {
		s.logger.Error("session authorization unreadable", "session_id", sess.ID, "error", err)
		return TokenPair{}, ErrCorruptSessionState
	}
	newRefresh, refreshExp, err := s.auth.SignAt(RefreshAuthorization(sess.UserID, sess.ID), next, pick(refreshTTL, s.refreshTTL))
	if err != nil {
		return TokenPair{}, err
	}
	accessToken, accessExp, err := s.auth.SignAt(business, next, pick(accessTTL, s.accessTTL))
	if err != nil {
		return TokenPair{}, err
	}

	entry := &RefreshLog{
		ID:              ids.NewAt(next),
		SessionID:       sess.ID,
		OldRefreshToken: Fingerprint(refreshToken),
		NewRefreshToken: Fingerprint(newRefresh),
		AccessToken:     Fingerprint(accessToken),
		CreatedAt:       next,
	}
	swapped, err := s.commit(ctx, sess, next, entry)
	if err != nil {
		return TokenPair{}, fmt.Errorf("session: rotate: %w", err)
	}
	if !swapped {
		s.reportReuse(ctx, sess, payload.SignedAt)
		return TokenPair{}, ErrRefreshTokenReused
	}

	obs.SessionEvents.WithLabelValues("refreshed").Inc()
	_ = audit.LogEvent(ctx, audit.EventSessionRefreshed, map[string]any{
		"session_id":        sess.ID,
		"user_id":           sess.UserID,
		"last_refreshed_at": next,
	})
	return TokenPair{
		RefreshToken:     newRefresh,
		AccessToken:      accessToken,
		RefreshExpiresAt: refreshExp,
		AccessExpiresAt:  accessExp,
	}, nil
}

// RevokeSession permanently disables the session behind refreshToken.
func (s *Service) RevokeSession(ctx context.Context, refreshToken string) error {
	payload, sessionID, err := s.parseRefreshToken(refreshToken)
	if err != nil {
		return err
	}
	access := auth.Access{Action: ActionRevoke, Type: TypeRevoke, ResourceID: sessionID}
	if err := s.auth.AuditWithoutToken(ctx, payload.Authorization, access); err != nil {
		return err
	}
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Revoked {
		return nil
	}
	if err := s.store.SetRevoked(ctx, sessionID); err != nil {
		return fmt.Errorf("session: revoke: %w", err)
	}

	obs.SessionEvents.WithLabelValues("revoked").Inc()
	_ = audit.LogEvent(ctx, audit.EventSessionRevoked, map[string]any{
		"session_id": sessionID,
		"user_id":    sess.UserID,
	})
	return nil
}

// parseRefreshToken verifies token and checks it has the refresh token shape:
// one permission naming exactly one session.
func (s *Service) parseRefreshToken(token string) (auth.TokenPayload, string, error) {
	payload, err := s.auth.VerifyPayload(token)
	if err != nil {
		return auth.TokenPayload{}, "", err
	}
	perms := payload.Authorization.Permissions
	if len(perms) != 1 || len(perms[0].AuthorizedResource.ResourceIDs) != 1 {
		return auth.TokenPayload{}, "", ErrNotRefreshToken
	}
	return payload, perms[0].AuthorizedResource.ResourceIDs[0], nil
}

func (s *Service) load(ctx context.Context, id string) (*Session, error) {
	sess, err := s.store.FindByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		s.logger.Error("session missing for verified refresh token", "session_id", id)
		return nil, ErrSessionMissing
	}
	if err != nil {
		return nil, fmt.Errorf("session: load: %w", err)
	}
	return sess, nil
}

// commit swaps lastRefreshedAt and records the rotation. Stores that can do both
// atomically do; otherwise the log append is best effort once the swap landed.
func (s *Service) commit(ctx context.Context, sess *Session, next time.Time, entry *RefreshLog) (bool, error) {
	if rotator, ok := s.store.(Rotator); ok && sameStore(s.store, s.logs) {
		return rotator.Rotate(ctx, sess.ID, sess.LastRefreshedAt, next, entry)
	}
	swapped, err := s.store.UpdateLastRefreshedAt(ctx, sess.ID, sess.LastRefreshedAt, next)
	if err != nil || !swapped {
		return swapped, err
	}
	if err := s.logs.Append(ctx, entry); err != nil {
		obs.SessionEvents.WithLabelValues("log_failed").Inc()
		s.logger.Error("refresh log append failed", "session_id", sess.ID, "error", err)
	}
	return true, nil
}

func (s *Service) reportReuse(ctx context.Context, sess *Session, signedAt time.Time) {
	obs.SessionEvents.WithLabelValues("reuse_detected").Inc()
	_ = audit.WarnEvent(ctx, audit.EventRefreshReuse, map[string]any{
		"session_id":        sess.ID,
		"user_id":           sess.UserID,
		"token_signed_at":   signedAt,
		"last_refreshed_at": sess.LastRefreshedAt,
	})
}

func sameStore(store Store, logs RefreshLogStore) bool {
	l, ok := store.(RefreshLogStore)
	return ok && l == logs
}

func pick(ttl, fallback time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	return fallback
}
