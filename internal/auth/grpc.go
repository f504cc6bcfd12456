package auth

import (
	"context"
	"slices"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"orderFulfillment/models"
)

// UserLookup resolves a token subject to the stored account.
type UserLookup interface {
	GetByUsername(ctx context.Context, username string) (*models.User, error)
}

// NewUnaryAuthInterceptor returns a gRPC unary interceptor that extracts and validates
// a Bearer JWT from incoming metadata and injects the Principal into the context.
// Methods listed in allowUnauthenticated will bypass authentication (e.g., health checks).
func NewUnaryAuthInterceptor(secret string, allowUnauthenticated ...string) grpc.UnaryServerInterceptor {
	allow := make(map[string]struct{}, len(allowUnauthenticated))
	for _, m := range allowUnauthenticated {
		allow[strings.TrimSpace(m)] = struct{}{}
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := allow[info.FullMethod]; ok {
			return handler(ctx, req)
		}
		p, err := ParseFromMD(ctx, secret)
		if err != nil {
			return nil, status.Errorf(codes.Unauthenticated, "auth error: %v", err)
		}
		return handler(WithPrincipal(ctx, p), req)
	}
}

// RequirePrincipal ensures a principal is present in context.
func RequirePrincipal(ctx context.Context) (*Principal, error) {
	p, ok := FromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing principal")
	}
	return p, nil
}

// RequireActor resolves the caller into an explicit Actor. The account must
// exist and its stored role must match the token's role and be one of roles
// (any role when roles is empty). This prevents a token from claiming a role
// the account does not hold.
func RequireActor(ctx context.Context, users UserLookup, roles ...models.Role) (models.Actor, error) {
	p, err := RequirePrincipal(ctx)
	if err != nil {
		return models.Actor{}, err
	}
	if len(roles) > 0 && !slices.Contains(roles, models.Role(p.Role)) {
		return models.Actor{}, status.Errorf(codes.PermissionDenied, "role %s cannot perform this action", p.Role)
	}
	if users == nil {
		return models.Actor{}, status.Error(codes.Internal, "users repository not configured")
	}
	u, err := users.GetByUsername(ctx, p.Name)
	if err != nil {
		return models.Actor{}, status.Errorf(codes.Internal, "get user: %v", err)
	}
	if u == nil {
		return models.Actor{}, status.Error(codes.PermissionDenied, "unknown account")
	}
	if u.Role != models.Role(p.Role) {
		return models.Actor{}, status.Error(codes.PermissionDenied, "token role does not match account")
	}
	return models.Actor{UserID: u.ID, Username: u.Username, Role: u.Role}, nil
}
