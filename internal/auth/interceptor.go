// ABOUTME: Controller-side authentication of agent connections using JWT or SSH keys
// ABOUTME: Provides the gRPC stream interceptor and the shared Authenticator

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// ErrUnauthenticated wraps every authentication failure.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator accepts agents presenting either a JWT or an SSH signature.
// A nil Tokens or SSH disables that method. With a non-nil AuthorizedKeys
// only listed fingerprints are accepted and the agent takes the key's name;
// otherwise the fingerprint itself is the identity.
type Authenticator struct {
	Tokens         TokenVerifier
	SSH            *SSHVerifier
	AuthorizedKeys map[string]string
}

// Authenticate resolves the agent identity from request headers. get
// returns the first value of a header, or "".
func (a *Authenticator) Authenticate(get func(string) string) (string, error) {
	if req := sshRequestFrom(get); req != nil {
		if a.SSH == nil {
			return "", fmt.Errorf("%w: SSH authentication not configured", ErrUnauthenticated)
		}
		fp, err := a.SSH.Verify(req)
		if err != nil {
			return "", fmt.Errorf("%w: SSH auth failed: %v", ErrUnauthenticated, err)
		}
		if a.AuthorizedKeys == nil {
			return fp, nil
		}
		name, ok := a.AuthorizedKeys[fp]
		if !ok {
			return "", fmt.Errorf("%w: unknown public key", ErrUnauthenticated)
		}
		return name, nil
	}

	if a.Tokens == nil {
		return "", fmt.Errorf("%w: token authentication not configured", ErrUnauthenticated)
	}
	token, errMsg := extractBearerToken(get("authorization"))
	if errMsg != "" {
		return "", fmt.Errorf("%w: %s", ErrUnauthenticated, errMsg)
	}
	agentID, err := a.Tokens.Verify(token)
	if err != nil {
		return "", fmt.Errorf("%w: invalid or expired token", ErrUnauthenticated)
	}
	return agentID, nil
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// logAuthFailure logs an authentication failure with structured context.
func logAuthFailure(logger *slog.Logger, ctx context.Context, reason string, attrs ...any) {
	if logger == nil {
		return
	}
	baseAttrs := []any{"reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		baseAttrs = append(baseAttrs, "peer_addr", p.Addr.String())
	}
	baseAttrs = append(baseAttrs, attrs...)
	logger.Warn("auth failure", baseAttrs...)
}

// StreamInterceptor returns a gRPC stream interceptor that authenticates
// the agent and stores its id in the stream context.
func StreamInterceptor(a *Authenticator, logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ctx := ss.Context()
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			logAuthFailure(logger, ctx, "missing_metadata")
			return status.Error(codes.Unauthenticated, "missing metadata")
		}
		agentID, err := a.Authenticate(func(key string) string {
			if vals := md.Get(key); len(vals) > 0 {
				return vals[0]
			}
			return ""
		})
		if err != nil {
			logAuthFailure(logger, ctx, "rejected", "error", err.Error())
			return status.Error(codes.Unauthenticated, err.Error())
		}

		wrapped := &wrappedServerStream{
			ServerStream: ss,
			ctx:          WithAgent(ctx, agentID),
		}
		return handler(srv, wrapped)
	}
}

// wrappedServerStream wraps a grpc.ServerStream with a custom context.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
