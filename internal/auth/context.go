package auth

import "context"

type authorizationContextKey struct{}
type tokenContextKey struct{}

// ContextWithAuthorization attaches a verified Authorization to the context.
func ContextWithAuthorization(ctx context.Context, authz Authorization) context.Context {
	return context.WithValue(ctx, authorizationContextKey{}, &authz)
}

// AuthorizationFromContext extracts the verified Authorization from the context.
func AuthorizationFromContext(ctx context.Context) (Authorization, bool) {
	if ctx == nil {
		return Authorization{}, false
	}
	v, ok := ctx.Value(authorizationContextKey{}).(*Authorization)
	if !ok || v == nil {
		return Authorization{}, false
	}
	return *v, true
}

// SubjectFromContext returns the subject of the Authorization in ctx, if any.
func SubjectFromContext(ctx context.Context) (string, bool) {
	authz, ok := AuthorizationFromContext(ctx)
	if !ok || authz.SubjectID == "" {
		return "", false
	}
	return authz.SubjectID, true
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
