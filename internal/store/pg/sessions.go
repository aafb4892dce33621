package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"studyhub.dev/internal/session"
)

var (
	_ session.Store           = (*Store)(nil)
	_ session.RefreshLogStore = (*Store)(nil)
	_ session.Rotator         = (*Store)(nil)
)

func (s *Store) Create(ctx context.Context, rec *session.Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (id, user_id, authorization_json, valid_until, revoked, last_refreshed_at, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, rec.ID, rec.UserID, string(rec.Authorization), millis(rec.ValidUntil), rec.Revoked,
		millis(rec.LastRefreshedAt), millis(rec.CreatedAt))
	return conflictOr(err)
}

func (s *Store) FindByID(ctx context.Context, id string) (*session.Session, error) {
	var (
		rec                       session.Session
		authz                     string
		validUntil, last, created int64
	)
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, authorization_json, valid_until, revoked, last_refreshed_at, created_at
		from sessions
		where id = $1
	`, id).Scan(&rec.ID, &rec.UserID, &authz, &validUntil, &rec.Revoked, &last, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Authorization = []byte(authz)
	rec.ValidUntil = fromMillis(validUntil)
	rec.LastRefreshedAt = fromMillis(last)
	rec.CreatedAt = fromMillis(created)
	return &rec, nil
}

func (s *Store) UpdateLastRefreshedAt(ctx context.Context, id string, expectedPrev, next time.Time) (bool, error) {
	return swap(ctx, s.db, id, expectedPrev, next)
}

func (s *Store) SetRevoked(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `update sessions set revoked = $1 where id = $2`, true, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (s *Store) Append(ctx context.Context, entry *session.RefreshLog) error {
	return appendLog(ctx, s.db, entry)
}

// Rotate swaps lastRefreshedAt and records the rotation in one transaction.
func (s *Store) Rotate(ctx context.Context, id string, expectedPrev, next time.Time, entry *session.RefreshLog) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	ok, err := swap(ctx, tx, id, expectedPrev, next)
	if err != nil || !ok {
		return false, err
	}
	if err := appendLog(ctx, tx, entry); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// RefreshLogs returns the rotation history of a session, oldest first.
func (s *Store) RefreshLogs(ctx context.Context, sessionID string) ([]session.RefreshLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, session_id, old_refresh_token, new_refresh_token, access_token, created_at
		from session_refresh_logs
		where session_id = $1
		order by created_at asc, id asc
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []session.RefreshLog
	for rows.Next() {
		var (
			entry   session.RefreshLog
			created int64
		)
		if err := rows.Scan(&entry.ID, &entry.SessionID, &entry.OldRefreshToken, &entry.NewRefreshToken, &entry.AccessToken, &created); err != nil {
			return nil, err
		}
		entry.CreatedAt = fromMillis(created)
		res = append(res, entry)
	}
	return res, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func swap(ctx context.Context, db execer, id string, expectedPrev, next time.Time) (bool, error) {
	res, err := db.ExecContext(ctx, `
		update sessions set last_refreshed_at = $1
		where id = $2 and last_refreshed_at = $3
	`, millis(next), id, millis(expectedPrev))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func appendLog(ctx context.Context, db execer, entry *session.RefreshLog) error {
	_, err := db.ExecContext(ctx, `
		insert into session_refresh_logs (id, session_id, old_refresh_token, new_refresh_token, access_token, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, entry.ID, entry.SessionID, entry.OldRefreshToken, entry.NewRefreshToken, entry.AccessToken, millis(entry.CreatedAt))
	return conflictOr(err)
}
