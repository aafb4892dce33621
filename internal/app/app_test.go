package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"studyhub.dev/internal/auth"
	"studyhub.dev/internal/config"
	"studyhub.dev/internal/policy"
)

func testConfig(driver string) *config.Config {
	cfg := config.Default()
	cfg.Auth.Secret = "0123456789abcdef0123456789abcdef"
	cfg.Store.Driver = driver
	if driver == "sqlite" {
		cfg.Store.DSN = ":memory:"
	}
	cfg.Roles = map[string][]config.RolePermission{
		"tutor": {{Actions: []string{"grade"}, Types: []string{"submission"}}},
	}
	cfg.UserRoles = map[string][]string{"u-static": {"tutor"}}
	return cfg
}

func roleToken(t *testing.T, a *App, userID string) string {
	t.Helper()
	data, _ := json.Marshal(policy.RoleData{Role: "tutor"})
	token, err := a.Auth.Sign(auth.Authorization{
		SubjectID: userID,
		Permissions: []auth.Permission{{
			CustomLogic:     policy.LogicRole,
			CustomLogicData: data,
		}},
	}, time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return token
}

func TestMemoryAppUsesConfiguredRoles(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig("memory"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if a.Backend.Ready != nil {
		t.Fatalf("memory backend should not report a pinger")
	}
	grade := auth.Access{Action: "grade", Type: "submission", ResourceID: "s1"}
	if _, err := a.Auth.Audit(ctx, roleToken(t, a, "u-static"), grade); err != nil {
		t.Fatalf("static tutor should grade: %v", err)
	}
	if _, err := a.Auth.Audit(ctx, roleToken(t, a, "u-other"), grade); !errors.Is(err, auth.ErrPermissionDenied) {
		t.Fatalf("expected denial, got %v", err)
	}
	if err := a.GrantRole(ctx, "u-other", "tutor"); err == nil {
		t.Fatalf("memory driver cannot persist grants")
	}
}

func TestSQLiteAppGrantAndSession(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig("sqlite"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	grade := auth.Access{Action: "grade", Type: "submission", ResourceID: "s1"}
	token := roleToken(t, a, "u1")
	if _, err := a.Auth.Audit(ctx, token, grade); !errors.Is(err, auth.ErrPermissionDenied) {
		t.Fatalf("expected denial before grant, got %v", err)
	}
	if err := a.GrantRole(ctx, "u1", "tutor"); err != nil {
		t.Fatalf("GrantRole: %v", err)
	}
	if _, err := a.Auth.Audit(ctx, token, grade); err != nil {
		t.Fatalf("grant should take effect immediately: %v", err)
	}
	if err := a.GrantRole(ctx, "u1", "dean"); err == nil {
		t.Fatalf("unknown role must be rejected")
	}

	authz, _ := a.Catalog.Materialize("tutor", "u1")
	refresh, err := a.Sessions.CreateSession(ctx, "u1", authz, 0, 0)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	pair, err := a.Sessions.RefreshSession(ctx, refresh, 0, 0)
	if err != nil {
		t.Fatalf("RefreshSession: %v", err)
	}
	if _, err := a.Auth.Audit(ctx, pair.AccessToken, grade); err != nil {
		t.Fatalf("access token should carry the tutor grant: %v", err)
	}
	if err := a.Backend.Ready.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestOpenBackendRejectsUnknownDriver(t *testing.T) {
	cfg := testConfig("memory")
	cfg.Store.Driver = "mongo"
	if _, err := OpenBackend(context.Background(), cfg); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestMemoryAppResolvesConfiguredGroups(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig("memory")
	cfg.Roles["reviewer"] = []config.RolePermission{{
		CustomLogic:     policy.LogicGroupMember,
		CustomLogicData: map[string]any{"groupId": "reviewers"},
	}}
	cfg.UserRoles["u-rev"] = []string{"reviewer"}
	cfg.UserRoles["u-out"] = []string{"reviewer"}
	cfg.Groups = map[string][]string{"reviewers": {"u-rev"}}

	a, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	sign := func(userID string) string {
		data, _ := json.Marshal(policy.RoleData{Role: "reviewer"})
		token, err := a.Auth.Sign(auth.Authorization{SubjectID: userID, Permissions: []auth.Permission{{
			CustomLogic: policy.LogicRole, CustomLogicData: data,
		}}}, time.Minute)
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		return token
	}
	review := auth.Access{Action: "review", Type: "essay", ResourceID: "e1"}
	if _, err := a.Auth.Audit(ctx, sign("u-rev"), review); err != nil {
		t.Fatalf("group member should review: %v", err)
	}
	if _, err := a.Auth.Audit(ctx, sign("u-out"), review); !errors.Is(err, auth.ErrPermissionDenied) {
		t.Fatalf("non member should be denied, got %v", err)
	}
}

func TestNewRejectsCatalogWithUnknownLogic(t *testing.T) {
	cfg := testConfig("memory")
	cfg.Roles["auditor"] = []config.RolePermission{{CustomLogic: "office-hours"}}
	if _, err := New(context.Background(), cfg); !errors.Is(err, policy.ErrUnknownLogic) {
		t.Fatalf("expected ErrUnknownLogic at startup, got %v", err)
	}
}
