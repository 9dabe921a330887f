// Package auth implements engine.AuthProvider and engine.IdentityProvider
// for the IOTICS identity/resolver stack. Grounded on
// original_source/src/config.rs's AuthBuilder (mutex-cached bearer token,
// lazily minted on first use) and on the teacher's
// internal/service/peer_enricher.go (LRU cache-aside for resolved
// identities).
package auth

import (
	"fmt"
	"time"
)

// IdentityConfig is the subset of process configuration this package
// needs to mint tokens and derive DIDs. Field names track the
// IOTICS_* environment variables of original_source/src/config.rs.
type IdentityConfig struct {
	ResolverAddress string
	HostAddress     string
	UserDID         string
	AgentDID        string
	AgentKeyName    string
	AgentName       string
	AgentSecret     string
	TokenDuration   time.Duration
}

// Validate reports the first missing required field, wrapped in
// engine.ErrConfigMissing at the call site (see config.Load).
func (c IdentityConfig) Validate() error {
	required := map[string]string{
		"IOTICS_RESOLVER_ADDRESS": c.ResolverAddress,
		"IOTICS_HOST_ADDRESS":     c.HostAddress,
		"IOTICS_USER_DID":         c.UserDID,
		"IOTICS_AGENT_DID":        c.AgentDID,
		"IOTICS_AGENT_NAME":       c.AgentName,
		"IOTICS_AGENT_SECRET":     c.AgentSecret,
	}
	for key, val := range required {
		if val == "" {
			return fmt.Errorf("%s is missing", key)
		}
	}
	if c.TokenDuration <= 0 {
		return fmt.Errorf("IOTICS_TOKEN_DURATION must be positive")
	}
	return nil
}
