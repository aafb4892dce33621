package redisstore

import (
	"fmt"
	"strconv"
	"time"

	"studyhub.dev/internal/session"
)

func encodeSession(rec *session.Session) map[string]any {
	revoked := "0"
	if rec.Revoked {
		revoked = "1"
	}
	return map[string]any{
		fieldUserID:        rec.UserID,
		fieldAuthorization: string(rec.Authorization),
		fieldValidUntil:    rec.ValidUntil.UTC().UnixMilli(),
		fieldRevoked:       revoked,
		fieldLastRefreshed: rec.LastRefreshedAt.UTC().UnixMilli(),
		fieldCreatedAt:     rec.CreatedAt.UTC().UnixMilli(),
	}
}

func decodeSession(id string, fields map[string]string) (*session.Session, error) {
	rec := &session.Session{
		ID:            id,
		UserID:        fields[fieldUserID],
		Authorization: []byte(fields[fieldAuthorization]),
		Revoked:       fields[fieldRevoked] == "1",
	}
	var err error
	if rec.ValidUntil, err = millisField(fields, fieldValidUntil); err != nil {
		return nil, err
	}
	if rec.LastRefreshedAt, err = millisField(fields, fieldLastRefreshed); err != nil {
		return nil, err
	}
	if rec.CreatedAt, err = millisField(fields, fieldCreatedAt); err != nil {
		return nil, err
	}
	return rec, nil
}

func encodeLog(entry *session.RefreshLog) map[string]any {
	return map[string]any{
		"id":                entry.ID,
		"session_id":        entry.SessionID,
		"old_refresh_token": entry.OldRefreshToken,
		"new_refresh_token": entry.NewRefreshToken,
		"access_token":      entry.AccessToken,
		"created_at":        entry.CreatedAt.UTC().UnixMilli(),
	}
}

func decodeLog(values map[string]any) (session.RefreshLog, error) {
	str := func(k string) string {
		if v, ok := values[k].(string); ok {
			return v
		}
		return ""
	}
	created, err := strconv.ParseInt(str("created_at"), 10, 64)
	if err != nil {
		return session.RefreshLog{}, fmt.Errorf("redisstore: created_at: %w", err)
	}
	return session.RefreshLog{
		ID:              str("id"),
		SessionID:       str("session_id"),
		OldRefreshToken: str("old_refresh_token"),
		NewRefreshToken: str("new_refresh_token"),
		AccessToken:     str("access_token"),
		CreatedAt:       time.UnixMilli(created).UTC(),
	}, nil
}

func millisField(fields map[string]string, name string) (time.Time, error) {
	ms, err := strconv.ParseInt(fields[name], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("redisstore: %s: %w", name, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}
