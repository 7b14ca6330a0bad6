package auth

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

type contextKey string

const identityContextKey contextKey = "identity"

// AuthInterceptor attaches the TLS peer identity to stream contexts.
type AuthInterceptor struct {
	requireAuth bool
}

// NewAuthInterceptor creates an interceptor. With requireAuth set, streams
// without a verified peer certificate are refused.
func NewAuthInterceptor(requireAuth bool) *AuthInterceptor {
	return &AuthInterceptor{requireAuth: requireAuth}
}

// StreamServerInterceptor returns a gRPC stream server interceptor.
func (ai *AuthInterceptor) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		identity, err := identityFromTLS(ctx)
		if err != nil {
			if ai.requireAuth {
				return status.Errorf(codes.Unauthenticated, "authentication failed: %v", err)
			}
			return handler(srv, ss)
		}

		return handler(srv, &authenticatedServerStream{
			ServerStream: ss,
			ctx:          WithIdentity(ctx, identity),
		})
	}
}

func identityFromTLS(ctx context.Context) (*Identity, error) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("no peer info in context")
	}

	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok {
		return nil, fmt.Errorf("no TLS info in context")
	}

	if len(tlsInfo.State.PeerCertificates) == 0 {
		return nil, fmt.Errorf("no peer certificates")
	}

	return IdentityFromCert(tlsInfo.State.PeerCertificates[0])
}

// WithIdentity returns a context carrying identity.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext retrieves the identity stored by the interceptor.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*Identity)
	return identity, ok
}

type authenticatedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authenticatedServerStream) Context() context.Context {
	return s.ctx
}
