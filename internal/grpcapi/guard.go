// Package grpcapi guards gRPC services with the authorization service.
package grpcapi

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"studyhub.dev/internal/audit"
	"studyhub.dev/internal/auth"
)

const (
	authorizationKey = "authorization"
	ownerIDKey       = "x-owner-id"
	resourceIDKey    = "x-resource-id"
	requestIDKey     = "x-request-id"
)

// Rule is the access a method requires. Owner and resource ids come from
// request metadata.
type Rule struct {
	Action string
	Type   string
}

// GuardOption configures UnaryGuard and StreamGuard.
type GuardOption func(*guardConfig)

type guardConfig struct {
	requireRules bool
	public       map[string]bool
}

// RequireRules rejects methods that have no rule instead of passing them through.
func RequireRules() GuardOption {
	return func(cfg *guardConfig) { cfg.requireRules = true }
}

// WithPublicMethods lists fully qualified methods that skip authorization.
func WithPublicMethods(methods ...string) GuardOption {
	return func(cfg *guardConfig) {
		for _, m := range methods {
			cfg.public[m] = true
		}
	}
}

func newGuardConfig(opts []GuardOption) *guardConfig {
	cfg := &guardConfig{public: make(map[string]bool)}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// UnaryGuard audits every call whose full method name has a rule. On success
// the verified Authorization and token are available from the handler context.
func UnaryGuard(svc *auth.Service, rules map[string]Rule, opts ...GuardOption) grpc.UnaryServerInterceptor {
	cfg := newGuardConfig(opts)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := cfg.check(ctx, svc, rules, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamGuard is UnaryGuard for streaming calls.
func StreamGuard(svc *auth.Service, rules map[string]Rule, opts ...GuardOption) grpc.StreamServerInterceptor {
	cfg := newGuardConfig(opts)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := cfg.check(ss.Context(), svc, rules, info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
	}
}

func (cfg *guardConfig) check(ctx context.Context, svc *auth.Service, rules map[string]Rule, method string) (context.Context, error) {
	if cfg.public[method] {
		return ctx, nil
	}
	rule, ok := rules[method]
	if !ok {
		if cfg.requireRules {
			return ctx, status.Errorf(codes.PermissionDenied, "no access rule for %s", method)
		}
		return ctx, nil
	}
	md, _ := metadata.FromIncomingContext(ctx)
	if rid := first(md, requestIDKey); rid != "" {
		ctx = audit.WithRequestID(ctx, rid)
	}
	token, err := bearerFromMD(md)
	if err != nil {
		return ctx, status.Error(codes.Unauthenticated, err.Error())
	}
	access := auth.Access{
		Action:     rule.Action,
		OwnerID:    first(md, ownerIDKey),
		Type:       rule.Type,
		ResourceID: first(md, resourceIDKey),
	}
	authz, err := svc.Audit(ctx, token, access)
	if err != nil {
		if errors.Is(err, auth.ErrPermissionDenied) {
			_ = audit.LogEvent(ctx, audit.EventAccessDenied, map[string]any{
				"method":      method,
				"action":      access.Action,
				"owner_id":    access.OwnerID,
				"type":        access.Type,
				"resource_id": access.ResourceID,
			})
		}
		return ctx, Status(err)
	}
	ctx = auth.ContextWithAuthorization(ctx, authz)
	return auth.ContextWithToken(ctx, token), nil
}

func bearerFromMD(md metadata.MD) (string, error) {
	header := strings.TrimSpace(first(md, authorizationKey))
	if header == "" {
		return "", errors.New("missing authorization token")
	}
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", errors.New("missing authorization token")
	}
	return token, nil
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context { return w.ctx }
