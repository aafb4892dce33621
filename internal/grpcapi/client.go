package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"studyhub.dev/internal/audit"
)

// Dial creates a client connection. Without options the transport is insecure.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	return grpc.NewClient(target, opts...)
}

// OutgoingAccess attaches the bearer token and the requested owner and resource
// ids in the metadata UnaryGuard reads. Empty values are omitted. The request
// id of ctx is forwarded too.
func OutgoingAccess(ctx context.Context, token, ownerID, resourceID string) context.Context {
	var pairs []string
	if token != "" {
		pairs = append(pairs, authorizationKey, "Bearer "+token)
	}
	if ownerID != "" {
		pairs = append(pairs, ownerIDKey, ownerID)
	}
	if resourceID != "" {
		pairs = append(pairs, resourceIDKey, resourceID)
	}
	if rid := audit.RequestIDFromContext(ctx); rid != "" {
		pairs = append(pairs, requestIDKey, rid)
	}
	if len(pairs) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}
