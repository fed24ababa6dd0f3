// Package auth authenticates agents to their controller.
//
// # Authentication Methods
//
//   - JWT Tokens: HS256 tokens whose "sub" claim is the agent id, signed with
//     the shared controller.jwt_secret. SignedToken mints one per connection.
//
//   - SSH Signatures: the agent signs "timestamp|nonce" with its private key
//     and sends the public key, signature, timestamp and nonce as x-ssh-*
//     headers. The controller checks the signature, rejects timestamps older
//     than five minutes and refuses any nonce it has already seen.
//
// # Client Side
//
// Credentials produce connection headers. PerRPC adapts them for gRPC and
// HTTPHeader for the WebSocket handshake.
//
// # Server Side
//
// Authenticator resolves an agent id from headers. StreamInterceptor and
// HTTPAuthMiddleware wrap it for gRPC and HTTP servers and put the id in the
// context, where AgentFromContext reads it back.
package auth
