package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"studyhub.dev/internal/auth"
	"studyhub.dev/internal/session"
)

const notesGet = "/studyhub.notes.v1.Notes/Get"

func newAuth(t *testing.T) *auth.Service {
	t.Helper()
	codec, err := auth.NewCodec([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	svc, err := auth.NewService(codec, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func ownerToken(t *testing.T, svc *auth.Service, userID string) string {
	t.Helper()
	token, err := svc.Sign(auth.Authorization{
		SubjectID: userID,
		Permissions: []auth.Permission{{
			AuthorizedActions:  []string{"read"},
			AuthorizedResource: auth.AuthorizedResource{OwnedByUser: userID, Types: []string{"note"}},
		}},
	}, time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return token
}

func call(interceptor grpc.UnaryServerInterceptor, ctx context.Context, method string) (context.Context, error) {
	var seen context.Context
	_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: method}, func(ctx context.Context, req any) (any, error) {
		seen = ctx
		return "ok", nil
	})
	return seen, err
}

func TestUnaryGuard(t *testing.T) {
	svc := newAuth(t)
	token := ownerToken(t, svc, "u1")
	guard := UnaryGuard(svc, map[string]Rule{notesGet: {Action: "read", Type: "note"}})

	cases := []struct {
		name string
		md   metadata.MD
		code codes.Code
	}{
		{"own note", metadata.Pairs("authorization", "Bearer "+token, "x-owner-id", "u1", "x-resource-id", "n1"), codes.OK},
		{"lowercase scheme", metadata.Pairs("authorization", "bearer "+token, "x-owner-id", "u1"), codes.OK},
		{"other owner", metadata.Pairs("authorization", "Bearer "+token, "x-owner-id", "u2"), codes.PermissionDenied},
		{"no owner", metadata.Pairs("authorization", "Bearer "+token), codes.PermissionDenied},
		{"missing token", metadata.Pairs("x-owner-id", "u1"), codes.Unauthenticated},
		{"basic scheme", metadata.Pairs("authorization", "Basic Zm9v"), codes.Unauthenticated},
		{"forged token", metadata.Pairs("authorization", "Bearer "+token+"x", "x-owner-id", "u1"), codes.Unauthenticated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, err := call(guard, metadata.NewIncomingContext(context.Background(), tc.md), notesGet)
			if got := status.Code(err); got != tc.code {
				t.Fatalf("expected %v, got %v (%v)", tc.code, got, err)
			}
			if tc.code != codes.OK {
				return
			}
			authz, ok := auth.AuthorizationFromContext(ctx)
			if !ok || authz.SubjectID != "u1" {
				t.Fatalf("authorization missing from handler context: %+v", authz)
			}
			if tok, _ := auth.TokenFromContext(ctx); tok != token {
				t.Fatalf("token missing from handler context")
			}
		})
	}
}

func TestUnaryGuardUnlistedMethods(t *testing.T) {
	svc := newAuth(t)
	rules := map[string]Rule{notesGet: {Action: "read", Type: "note"}}
	ctx := context.Background()

	if _, err := call(UnaryGuard(svc, rules), ctx, "/studyhub.notes.v1.Notes/List"); err != nil {
		t.Fatalf("unlisted method should pass through: %v", err)
	}
	strict := UnaryGuard(svc, rules, RequireRules(), WithPublicMethods("/studyhub.info.v1.Info/Get"))
	if _, err := call(strict, ctx, "/studyhub.notes.v1.Notes/List"); status.Code(err) != codes.PermissionDenied {
		t.Fatalf("expected PermissionDenied under RequireRules, got %v", err)
	}
	if _, err := call(strict, ctx, "/studyhub.info.v1.Info/Get"); err != nil {
		t.Fatalf("public method should pass: %v", err)
	}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{auth.ErrInvalidToken, codes.Unauthenticated},
		{auth.ErrTokenFormat, codes.Unauthenticated},
		{session.ErrSessionExpired, codes.Unauthenticated},
		{session.ErrSessionRevoked, codes.Unauthenticated},
		{fmt.Errorf("refresh: %w", session.ErrRefreshTokenReused), codes.Unauthenticated},
		{&auth.PermissionDeniedError{Action: "read"}, codes.PermissionDenied},
		{session.ErrNotRefreshToken, codes.InvalidArgument},
		{session.ErrSessionMissing, codes.Internal},
		{errors.New("boom"), codes.Internal},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{status.Error(codes.NotFound, "gone"), codes.NotFound},
	}
	for _, tc := range cases {
		if got := status.Code(Status(tc.err)); got != tc.code {
			t.Fatalf("%v: expected %v, got %v", tc.err, tc.code, got)
		}
	}
	if Status(nil) != nil {
		t.Fatalf("nil error must stay nil")
	}
	if msg := status.Convert(Status(session.ErrSessionMissing)).Message(); msg != "internal error" {
		t.Fatalf("integrity details leaked: %q", msg)
	}
}

func TestNewServerRegistersHealth(t *testing.T) {
	srv, hs := NewServer(newAuth(t), nil, RequireRules())
	defer srv.Stop()
	if _, ok := srv.GetServiceInfo()["grpc.health.v1.Health"]; !ok {
		t.Fatalf("health service not registered")
	}
	if hs == nil {
		t.Fatalf("expected health server")
	}
}
