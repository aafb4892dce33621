package policy

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"studyhub.dev/internal/auth"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newAuthService(t *testing.T) *auth.Service {
	t.Helper()
	codec, err := auth.NewCodec(testSecret)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	svc, err := auth.NewService(codec, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func tutorCatalog() Catalog {
	return Catalog{
		"tutor": {
			{AuthorizedActions: []string{"grade"}, AuthorizedResource: auth.AuthorizedResource{Types: []string{"submission"}}},
			{AuthorizedResource: auth.AuthorizedResource{OwnedByUser: SubjectPlaceholder}},
		},
	}
}

type countingRoles struct {
	mu    sync.Mutex
	calls int
	roles map[string][]string
}

func (c *countingRoles) Roles(_ context.Context, subjectID string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.roles[subjectID], nil
}

type groups map[string][]string

func (g groups) IsMember(_ context.Context, groupID, userID string) (bool, error) {
	for _, member := range g[groupID] {
		if member == userID {
			return true, nil
		}
	}
	return false, nil
}

func roleToken(role string) auth.Authorization {
	data, _ := json.Marshal(RoleData{Role: role})
	return auth.Authorization{
		SubjectID: "u1",
		Permissions: []auth.Permission{{
			CustomLogic:     LogicRole,
			CustomLogicData: data,
		}},
	}
}

func TestMaterializeReplacesSubject(t *testing.T) {
	authz, ok := tutorCatalog().Materialize("tutor", "u9")
	if !ok {
		t.Fatalf("expected role")
	}
	if authz.SubjectID != "u9" || authz.Permissions[1].AuthorizedResource.OwnedByUser != "u9" {
		t.Fatalf("unexpected materialization %#v", authz)
	}
	if authz.Permissions[0].AuthorizedResource.OwnedByUser != "" {
		t.Fatalf("absent owner must stay absent")
	}
	if _, ok := tutorCatalog().Materialize("missing", "u9"); ok {
		t.Fatalf("unknown role should not materialize")
	}
}

func TestRoleLogic(t *testing.T) {
	svc := newAuthService(t)
	roles := StaticRoles{"u1": {"tutor"}}
	if err := Install(svc, tutorCatalog(), roles, nil); err != nil {
		t.Fatalf("Install: %v", err)
	}
	ctx := context.Background()

	cases := []struct {
		name   string
		authz  auth.Authorization
		access auth.Access
		allow  bool
	}{
		{"catalog grant", roleToken("tutor"), auth.Access{Action: "grade", Type: "submission", ResourceID: "s1"}, true},
		{"own resources via placeholder", roleToken("tutor"), auth.Access{Action: "delete", OwnerID: "u1", Type: "note"}, true},
		{"other owner", roleToken("tutor"), auth.Access{Action: "delete", OwnerID: "u2", Type: "note"}, false},
		{"role not held", roleToken("admin"), auth.Access{Action: "grade", Type: "submission"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.AuditWithoutToken(ctx, tc.authz, tc.access)
			if tc.allow && err != nil {
				t.Fatalf("expected allow, got %v", err)
			}
			if !tc.allow && !errors.Is(err, auth.ErrPermissionDenied) {
				t.Fatalf("expected denial, got %v", err)
			}
		})
	}
}

func TestRoleLogicRequiresRoleName(t *testing.T) {
	svc := newAuthService(t)
	if err := Install(svc, tutorCatalog(), StaticRoles{}, nil); err != nil {
		t.Fatalf("Install: %v", err)
	}
	authz := auth.Authorization{SubjectID: "u1", Permissions: []auth.Permission{{CustomLogic: LogicRole}}}
	err := svc.AuditWithoutToken(context.Background(), authz, auth.Access{Action: "grade"})
	if !errors.Is(err, auth.ErrTokenFormat) {
		t.Fatalf("expected ErrTokenFormat, got %v", err)
	}
}

func TestGroupMemberLogic(t *testing.T) {
	svc := newAuthService(t)
	if err := Install(svc, Catalog{}, nil, groups{"g1": {"u1"}}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	ctx := context.Background()
	explicit, _ := json.Marshal(GroupData{GroupID: "g1"})

	byResource := auth.Authorization{SubjectID: "u1", Permissions: []auth.Permission{{
		AuthorizedActions:  []string{"post"},
		AuthorizedResource: auth.AuthorizedResource{Types: []string{"group"}},
		CustomLogic:        LogicGroupMember,
	}}}
	if err := svc.AuditWithoutToken(ctx, byResource, auth.Access{Action: "post", Type: "group", ResourceID: "g1"}); err != nil {
		t.Fatalf("member should be allowed: %v", err)
	}
	if err := svc.AuditWithoutToken(ctx, byResource, auth.Access{Action: "post", Type: "group", ResourceID: "g2"}); !errors.Is(err, auth.ErrPermissionDenied) {
		t.Fatalf("non member should be denied, got %v", err)
	}
	if err := svc.AuditWithoutToken(ctx, byResource, auth.Access{Action: "post", Type: "group"}); !errors.Is(err, auth.ErrPermissionDenied) {
		t.Fatalf("missing group should be denied, got %v", err)
	}

	fixed := auth.Authorization{SubjectID: "u1", Permissions: []auth.Permission{{
		CustomLogic:     LogicGroupMember,
		CustomLogicData: explicit,
	}}}
	if err := svc.AuditWithoutToken(ctx, fixed, auth.Access{Action: "read", Type: "doc", ResourceID: "d1"}); err != nil {
		t.Fatalf("explicit group should be used: %v", err)
	}
}

func TestInstallRejectsRecursiveCatalog(t *testing.T) {
	svc := newAuthService(t)
	bad := Catalog{"loop": {{CustomLogic: LogicRole, CustomLogicData: json.RawMessage(`{"role":"loop"}`)}}}
	if err := Install(svc, bad, StaticRoles{}, nil); err == nil {
		t.Fatalf("expected validation error")
	}
	if err := Install(svc, Catalog{}, StaticRoles{}, nil); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := Install(svc, Catalog{}, StaticRoles{}, nil); !errors.Is(err, auth.ErrLogicExists) {
		t.Fatalf("expected ErrLogicExists, got %v", err)
	}
}

func TestInstallRejectsUnregisteredLogic(t *testing.T) {
	reviewers := Catalog{"reviewer": {{CustomLogic: LogicGroupMember, CustomLogicData: json.RawMessage(`{"groupId":"reviewers"}`)}}}

	svc := newAuthService(t)
	if err := Install(svc, reviewers, StaticRoles{}, nil); !errors.Is(err, ErrUnknownLogic) {
		t.Fatalf("expected ErrUnknownLogic without a group source, got %v", err)
	}

	svc = newAuthService(t)
	if err := Install(svc, reviewers, StaticRoles{}, StaticGroups{"reviewers": {"u1"}}); err != nil {
		t.Fatalf("Install with groups: %v", err)
	}

	svc = newAuthService(t)
	custom := Catalog{"auditor": {{CustomLogic: "office-hours"}}}
	if err := Install(svc, custom, StaticRoles{}, nil); !errors.Is(err, ErrUnknownLogic) {
		t.Fatalf("expected ErrUnknownLogic for unregistered logic, got %v", err)
	}
	svc = newAuthService(t)
	if err := svc.Logics().Register("office-hours", auth.LogicFunc(func(context.Context, auth.LogicRequest) (bool, error) { return true, nil })); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := Install(svc, custom, StaticRoles{}, nil); err != nil {
		t.Fatalf("logic registered before Install should resolve: %v", err)
	}
}

func TestStaticGroups(t *testing.T) {
	g := StaticGroups{"g1": {"u1", "u2"}}
	ctx := context.Background()
	if ok, err := g.IsMember(ctx, "g1", "u2"); err != nil || !ok {
		t.Fatalf("u2 should be a member: %v %v", ok, err)
	}
	if ok, _ := g.IsMember(ctx, "g1", "u3"); ok {
		t.Fatalf("u3 is not a member")
	}
	if ok, _ := g.IsMember(ctx, "missing", "u1"); ok {
		t.Fatalf("unknown group has no members")
	}
}

func TestRoleCache(t *testing.T) {
	src := &countingRoles{roles: map[string][]string{"u1": {"tutor"}}}
	cache, err := NewRoleCache(src, time.Minute)
	if err != nil {
		t.Fatalf("NewRoleCache: %v", err)
	}
	defer cache.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		roles, err := cache.Roles(ctx, "u1")
		if err != nil || len(roles) != 1 || roles[0] != "tutor" {
			t.Fatalf("unexpected roles %v err=%v", roles, err)
		}
	}
	if src.calls != 1 {
		t.Fatalf("expected one source lookup, got %d", src.calls)
	}
	cache.Invalidate("u1")
	if _, err := cache.Roles(ctx, "u1"); err != nil {
		t.Fatalf("Roles: %v", err)
	}
	if src.calls != 2 {
		t.Fatalf("expected lookup after invalidation, got %d", src.calls)
	}

	uncached, err := NewRoleCache(src, 0)
	if err != nil {
		t.Fatalf("NewRoleCache: %v", err)
	}
	_, _ = uncached.Roles(ctx, "u1")
	_, _ = uncached.Roles(ctx, "u1")
	if src.calls != 4 {
		t.Fatalf("disabled cache should always hit the source, got %d", src.calls)
	}
}
