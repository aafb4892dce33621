package grpcapi

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"studyhub.dev/internal/auth"
	"studyhub.dev/internal/obs"
)

// Status converts an auth or session error into a gRPC status error. Errors that
// already carry a status are returned as is.
func Status(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	switch auth.KindOf(err) {
	case auth.KindInvalidToken, auth.KindTokenFormat,
		auth.KindSessionExpired, auth.KindSessionRevoked, auth.KindRefreshTokenReused:
		return status.Error(codes.Unauthenticated, err.Error())
	case auth.KindPermissionDenied:
		return status.Error(codes.PermissionDenied, err.Error())
	case auth.KindNotRefreshToken:
		return status.Error(codes.InvalidArgument, err.Error())
	case auth.KindIntegrity:
		obs.Logger().Error("grpc integrity failure", "error", err)
		return status.Error(codes.Internal, "internal error")
	default:
		obs.Logger().Error("grpc unclassified failure", "error", err)
		return status.Error(codes.Internal, "internal error")
	}
}
