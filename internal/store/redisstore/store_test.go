package redisstore

import (
	"context"
	"errors"
	"os"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"studyhub.dev/internal/auth"
	"studyhub.dev/internal/ids"
	"studyhub.dev/internal/session"
)

func TestSessionHashRoundTrip(t *testing.T) {
	at := time.Date(2026, 4, 2, 12, 30, 0, 123000000, time.UTC)
	rec := &session.Session{
		ID:              "s1",
		UserID:          "u1",
		Authorization:   []byte(`{"subjectId":"u1","permissions":[]}`),
		ValidUntil:      at.Add(time.Hour),
		Revoked:         true,
		LastRefreshedAt: at,
		CreatedAt:       at,
	}
	// redis hands every hash value back as a string
	fields := map[string]string{}
	for k, v := range encodeSession(rec) {
		switch x := v.(type) {
		case string:
			fields[k] = x
		case int64:
			fields[k] = strconv.FormatInt(x, 10)
		}
	}
	got, err := decodeSession("s1", fields)
	if err != nil {
		t.Fatalf("decodeSession: %v", err)
	}
	if !reflect.DeepEqual(got, rec) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, rec)
	}
}

func TestDecodeSessionRejectsBadTimestamps(t *testing.T) {
	_, err := decodeSession("s1", map[string]string{fieldValidUntil: "soon"})
	if err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestDecodeLog(t *testing.T) {
	entry, err := decodeLog(map[string]any{
		"id": "l1", "session_id": "s1", "old_refresh_token": "a",
		"new_refresh_token": "b", "access_token": "c", "created_at": "1770000000000",
	})
	if err != nil {
		t.Fatalf("decodeLog: %v", err)
	}
	if entry.SessionID != "s1" || entry.CreatedAt.UnixMilli() != 1770000000000 {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

// newTestStore connects to STUDYHUB_TEST_REDIS when set and to an in-process
// miniredis otherwise. Each store gets its own key prefix.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("STUDYHUB_TEST_REDIS")
	if addr == "" {
		addr = miniredis.RunT(t).Addr()
	}
	store := New(redis.NewClient(&redis.Options{Addr: addr}), WithPrefix("studyhub-test:"+ids.New()+":"))
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	return store
}

func seedSession(t *testing.T, store *Store, now time.Time) *session.Session {
	t.Helper()
	rec := &session.Session{
		ID:              ids.New(),
		UserID:          "u1",
		Authorization:   []byte(`{"subjectId":"u1","permissions":[]}`),
		ValidUntil:      now.Add(time.Hour),
		LastRefreshedAt: now,
		CreatedAt:       now,
	}
	if err := store.Create(context.Background(), rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return rec
}

func TestRotateAndRevoke(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := seedSession(t, store, now)

	if err := store.Create(ctx, rec); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	next := now.Add(time.Millisecond)
	entry := &session.RefreshLog{ID: ids.New(), SessionID: rec.ID, OldRefreshToken: "a", NewRefreshToken: "b", AccessToken: "c", CreatedAt: next}
	if ok, err := store.Rotate(ctx, rec.ID, now, next, entry); err != nil || !ok {
		t.Fatalf("Rotate: ok=%v err=%v", ok, err)
	}
	if ok, err := store.Rotate(ctx, rec.ID, now, next.Add(time.Millisecond), entry); err != nil || ok {
		t.Fatalf("stale Rotate should lose, ok=%v err=%v", ok, err)
	}
	if ok, err := store.UpdateLastRefreshedAt(ctx, "missing", now, next); err == nil && ok {
		t.Fatalf("swap on a missing session must not succeed")
	}
	logs, err := store.RefreshLogs(ctx, rec.ID)
	if err != nil || len(logs) != 1 {
		t.Fatalf("RefreshLogs: %v %v", logs, err)
	}
	if logs[0].NewRefreshToken != "b" || !logs[0].CreatedAt.Equal(next) {
		t.Fatalf("unexpected log entry %+v", logs[0])
	}
	if err := store.SetRevoked(ctx, rec.ID); err != nil {
		t.Fatalf("SetRevoked: %v", err)
	}
	got, err := store.FindByID(ctx, rec.ID)
	if err != nil || !got.Revoked || !got.LastRefreshedAt.Equal(next) {
		t.Fatalf("FindByID: %+v %v", got, err)
	}
	if _, err := store.FindByID(ctx, "missing"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.SetRevoked(ctx, "missing"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentRotateHasOneWinner(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := seedSession(t, store, now)

	const workers = 2
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		errs []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			next := now.Add(time.Duration(i+1) * time.Millisecond)
			entry := &session.RefreshLog{ID: ids.New(), SessionID: rec.ID, CreatedAt: next}
			ok, err := store.Rotate(ctx, rec.ID, now, next, entry)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if ok {
				wins++
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("Rotate errors: %v", errs)
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winning swap, got %d", wins)
	}
	logs, err := store.RefreshLogs(ctx, rec.ID)
	if err != nil || len(logs) != 1 {
		t.Fatalf("losing swap must not log: %v %v", logs, err)
	}
}

func TestSessionServiceOverRedis(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	codec, err := auth.NewCodec([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	authSvc, _ := auth.NewService(codec, nil)
	svc, err := session.NewService(authSvc, store, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	r0, err := svc.CreateSession(ctx, "u1", auth.Authorization{SubjectID: "u1", Permissions: []auth.Permission{{AuthorizedActions: []string{"read"}}}}, 0, 0)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	pair, err := svc.RefreshSession(ctx, r0, 0, 0)
	if err != nil {
		t.Fatalf("RefreshSession: %v", err)
	}
	if _, err := svc.RefreshSession(ctx, r0, 0, 0); !errors.Is(err, session.ErrRefreshTokenReused) {
		t.Fatalf("expected reuse detection, got %v", err)
	}
	if err := svc.RevokeSession(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}
	if _, err := svc.RefreshSession(ctx, pair.RefreshToken, 0, 0); !errors.Is(err, session.ErrSessionRevoked) {
		t.Fatalf("expected ErrSessionRevoked, got %v", err)
	}
}

func TestMembershipSets(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, role := range []string{"tutor", "admin"} {
		if err := store.GrantRole(ctx, "u1", role); err != nil {
			t.Fatalf("GrantRole: %v", err)
		}
	}
	roles, err := store.Roles(ctx, "u1")
	if err != nil || !reflect.DeepEqual(roles, []string{"admin", "tutor"}) {
		t.Fatalf("Roles: %v %v", roles, err)
	}
	_ = store.RevokeRole(ctx, "u1", "admin")
	if roles, _ := store.Roles(ctx, "u1"); !reflect.DeepEqual(roles, []string{"tutor"}) {
		t.Fatalf("RevokeRole left %v", roles)
	}

	if err := store.AddMember(ctx, "g1", "u1"); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if ok, err := store.IsMember(ctx, "g1", "u1"); err != nil || !ok {
		t.Fatalf("IsMember: %v %v", ok, err)
	}
	_ = store.RemoveMember(ctx, "g1", "u1")
	if ok, _ := store.IsMember(ctx, "g1", "u1"); ok {
		t.Fatalf("RemoveMember had no effect")
	}
}
