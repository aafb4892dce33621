package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"studyhub.dev/internal/policy"
	"studyhub.dev/internal/session"
)

var (
	_ session.Store           = (*Store)(nil)
	_ session.RefreshLogStore = (*Store)(nil)
	_ session.Rotator         = (*Store)(nil)
	_ policy.RoleSource       = (*Store)(nil)
	_ policy.GroupMembership  = (*Store)(nil)
)

// ErrConflict is returned when a session id is already taken.
var ErrConflict = errors.New("redisstore: conflict")

// expiryGrace keeps a session hash around after validUntil so a late refresh is
// reported as expired rather than missing.
const expiryGrace = 24 * time.Hour

const (
	fieldUserID        = "user_id"
	fieldAuthorization = "authorization"
	fieldValidUntil    = "valid_until"
	fieldRevoked       = "revoked"
	fieldLastRefreshed = "last_refreshed_at"
	fieldCreatedAt     = "created_at"
)

// Store keeps sessions in hashes (key: {prefix}session:{id}), rotations in a
// stream, and role/group memberships in sets.
type Store struct {
	client *redis.Client
	prefix string
}

// Option configures Store.
type Option func(*Store)

// WithPrefix namespaces every key.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, prefix: "studyhub:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to addr and pings it.
func Open(ctx context.Context, addr string, opts ...Option) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstore: ping %s: %w", addr, err)
	}
	return New(client, opts...), nil
}

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *Store) sessionKey(id string) string { return s.prefix + "session:" + id }
func (s *Store) logStream() string           { return s.prefix + "session_refresh_logs" }
func (s *Store) rolesKey(userID string) string {
	return s.prefix + "roles:" + userID
}
func (s *Store) groupKey(groupID string) string { return s.prefix + "group:" + groupID }

func (s *Store) Create(ctx context.Context, rec *session.Session) error {
	key := s.sessionKey(rec.ID)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeSession(rec))
			pipe.PExpireAt(ctx, key, rec.ValidUntil.Add(expiryGrace))
			return nil
		})
		if errors.Is(err, redis.TxFailedErr) {
			return ErrConflict
		}
		return err
	}, key)
}

func (s *Store) FindByID(ctx context.Context, id string) (*session.Session, error) {
	fields, err := s.client.HGetAll(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, session.ErrNotFound
	}
	return decodeSession(id, fields)
}

func (s *Store) UpdateLastRefreshedAt(ctx context.Context, id string, expectedPrev, next time.Time) (bool, error) {
	return s.swap(ctx, id, expectedPrev, next, nil)
}

// Rotate swaps lastRefreshedAt and appends the rotation inside one MULTI/EXEC.
func (s *Store) Rotate(ctx context.Context, id string, expectedPrev, next time.Time, entry *session.RefreshLog) (bool, error) {
	return s.swap(ctx, id, expectedPrev, next, entry)
}

func (s *Store) swap(ctx context.Context, id string, expectedPrev, next time.Time, entry *session.RefreshLog) (bool, error) {
	key := s.sessionKey(id)
	swapped := false
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, fieldLastRefreshed).Result()
		if errors.Is(err, redis.Nil) {
			return session.ErrNotFound
		}
		if err != nil {
			return err
		}
		current, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("redisstore: %s: %w", fieldLastRefreshed, err)
		}
		if current != expectedPrev.UTC().UnixMilli() {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldLastRefreshed, next.UTC().UnixMilli())
			if entry != nil {
				pipe.XAdd(ctx, &redis.XAddArgs{Stream: s.logStream(), Values: encodeLog(entry)})
			}
			return nil
		})
		if err != nil {
			return err
		}
		swapped = true
		return nil
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return swapped, nil
}

func (s *Store) SetRevoked(ctx context.Context, id string) error {
	key := s.sessionKey(id)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return session.ErrNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldRevoked, "1")
			return nil
		})
		return err
	}, key)
}

func (s *Store) Append(ctx context.Context, entry *session.RefreshLog) error {
	return s.client.XAdd(ctx, &redis.XAddArgs{Stream: s.logStream(), Values: encodeLog(entry)}).Err()
}

// RefreshLogs scans the rotation stream for one session, oldest first.
func (s *Store) RefreshLogs(ctx context.Context, sessionID string) ([]session.RefreshLog, error) {
	msgs, err := s.client.XRange(ctx, s.logStream(), "-", "+").Result()
	if err != nil {
		return nil, err
	}
	var res []session.RefreshLog
	for _, msg := range msgs {
		entry, err := decodeLog(msg.Values)
		if err != nil {
			return nil, err
		}
		if entry.SessionID == sessionID {
			res = append(res, entry)
		}
	}
	return res, nil
}

func (s *Store) Roles(ctx context.Context, userID string) ([]string, error) {
	roles, err := s.client.SMembers(ctx, s.rolesKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(roles)
	return roles, nil
}

func (s *Store) GrantRole(ctx context.Context, userID, role string) error {
	return s.client.SAdd(ctx, s.rolesKey(userID), role).Err()
}

func (s *Store) RevokeRole(ctx context.Context, userID, role string) error {
	return s.client.SRem(ctx, s.rolesKey(userID), role).Err()
}

func (s *Store) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	return s.client.SIsMember(ctx, s.groupKey(groupID), userID).Result()
}

func (s *Store) AddMember(ctx context.Context, groupID, userID string) error {
	return s.client.SAdd(ctx, s.groupKey(groupID), userID).Err()
}

func (s *Store) RemoveMember(ctx context.Context, groupID, userID string) error {
	return s.client.SRem(ctx, s.groupKey(groupID), userID).Err()
}
