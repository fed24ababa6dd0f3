// ABOUTME: Client-side credentials an agent presents when dialing its controller
// ABOUTME: Produces auth headers for both gRPC metadata and WebSocket handshakes

package auth

import (
	"context"
	"net/http"
	"time"

	"google.golang.org/grpc/credentials"
)

// Credentials produce the headers attached to each new connection.
type Credentials interface {
	Headers(ctx context.Context) (map[string]string, error)
}

// BearerToken sends a fixed token.
type BearerToken string

func (t BearerToken) Headers(context.Context) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + string(t)}, nil
}

// SignedToken mints a fresh JWT for every connection.
type SignedToken struct {
	Signer  *JWTVerifier
	AgentID string
	TTL     time.Duration
}

func (s SignedToken) Headers(context.Context) (map[string]string, error) {
	ttl := s.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	tok, err := s.Signer.Generate(s.AgentID, ttl)
	if err != nil {
		return nil, err
	}
	return map[string]string{"authorization": "Bearer " + tok}, nil
}

// SSHCredentials sign a new challenge for every connection.
type SSHCredentials struct {
	Signer *SSHSigner
}

func (s SSHCredentials) Headers(context.Context) (map[string]string, error) {
	req, err := s.Signer.Sign()
	if err != nil {
		return nil, err
	}
	return req.Headers(), nil
}

// HTTPHeader converts credentials into a handshake header. A nil c yields
// an empty header.
func HTTPHeader(ctx context.Context, c Credentials) (http.Header, error) {
	h := http.Header{}
	if c == nil {
		return h, nil
	}
	kv, err := c.Headers(ctx)
	if err != nil {
		return nil, err
	}
	for k, v := range kv {
		h.Set(k, v)
	}
	return h, nil
}

// PerRPC adapts c to gRPC call credentials. The stream is opened once per
// connection, so the headers are computed per dial.
func PerRPC(c Credentials, requireTLS bool) credentials.PerRPCCredentials {
	return perRPC{creds: c, tls: requireTLS}
}

type perRPC struct {
	creds Credentials
	tls   bool
}

func (p perRPC) GetRequestMetadata(ctx context.Context, _ ...string) (map[string]string, error) {
	return p.creds.Headers(ctx)
}

func (p perRPC) RequireTransportSecurity() bool { return p.tls }
