package engine

import "context"

// IdentityProvider is the identity library's external interface
// (spec.md 6): mint a bearer token for the configured agent, and derive
// a twin DID from a seed under control delegation of the given agent
// twin name fragment. internal/auth ships the concrete implementation;
// the core only ever depends on this interface.
type IdentityProvider interface {
	CreateAgentAuthToken(ctx context.Context) (string, error)
	CreateTwinDIDWithControlDelegation(ctx context.Context, seed, agentTwinName string) (string, error)
}

// AuthProvider is the process-wide, shared auth cache (spec.md 4.4):
// host and bearer token, the latter minted lazily and cached
// (internal/auth re-mints it once its TokenDuration has elapsed).
type AuthProvider interface {
	Host() string
	Token(ctx context.Context) (string, error)
}
