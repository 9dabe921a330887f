package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// didCacheSize bounds memory for the resolved-DID cache; a process
// handling more than this many distinct twin seeds concurrently is
// outside the scale this engine targets (spec.md "Size Budget").
const didCacheSize = 10000

// Provider is the process-wide IdentityProvider/AuthProvider: it mints
// and caches the agent bearer token exactly once per TokenDuration, and
// memoizes derived twin DIDs in an LRU so repeated admission of the same
// entity never re-derives its identity (spec.md 4.4). Grounded on
// original_source/src/config.rs's AuthBuilder for the token cache and on
// the teacher's PeerEnricher for the LRU cache-aside shape.
type Provider struct {
	cfg IdentityConfig

	mu        sync.Mutex
	token     string
	expiresAt time.Time

	didCache *lru.Cache[string, string]
}

// New builds a Provider from cfg. cfg must already be validated.
func New(cfg IdentityConfig) *Provider {
	cache, _ := lru.New[string, string](didCacheSize)
	return &Provider{cfg: cfg, didCache: cache}
}

func (p *Provider) Host() string { return p.cfg.HostAddress }

// Token returns the cached bearer token, minting a fresh one if absent
// or expired. Mirrors AuthBuilder::get_token's lock-check-mint pattern.
func (p *Provider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && time.Now().Before(p.expiresAt) {
		return p.token, nil
	}

	token, err := p.mintAgentAuthToken()
	if err != nil {
		return "", err
	}

	p.token = token
	p.expiresAt = time.Now().Add(p.cfg.TokenDuration)
	return p.token, nil
}

// CreateAgentAuthToken mints a fresh bearer token on every call,
// independent of the cache Token maintains -- used where the caller
// itself wants to manage freshness (spec.md 6).
func (p *Provider) CreateAgentAuthToken(ctx context.Context) (string, error) {
	return p.mintAgentAuthToken()
}

// mintAgentAuthToken signs a short-lived JWT asserting the agent DID as
// issuer and subject and the user DID as audience, the shape the
// identity resolver expects for agent auth tokens (spec.md 6).
func (p *Provider) mintAgentAuthToken() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":           p.cfg.AgentDID + p.cfg.AgentName,
		"sub":           p.cfg.AgentDID + p.cfg.AgentName,
		"aud":           p.cfg.UserDID,
		"iat":           now.Unix(),
		"exp":           now.Add(p.cfg.TokenDuration).Unix(),
		"did":           p.cfg.AgentDID,
		"agent_key":     p.cfg.AgentKeyName,
		"resolver_addr": p.cfg.ResolverAddress,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(p.cfg.AgentSecret))
	if err != nil {
		return "", fmt.Errorf("identity: sign agent auth token: %w", err)
	}

	return "bearer " + signed, nil
}

// CreateTwinDIDWithControlDelegation derives a twin's DID from the
// resolver address and seed; agentTwinName is accepted but does not
// enter the derivation, and no control delegation is recorded.
// Resolution is cached: the same seed always yields the same DID
// without a second derivation.
func (p *Provider) CreateTwinDIDWithControlDelegation(ctx context.Context, seed, agentTwinName string) (string, error) {
	if cached, ok := p.didCache.Get(seed); ok {
		return cached, nil
	}

	did := deriveDID(p.cfg.ResolverAddress, seed)
	p.didCache.Add(seed, did)
	return did, nil
}

// deriveDID computes a deterministic did:iotics identifier for seed
// under namespace, the same derivation the identity library performs
// server-side: a name-based UUID (RFC 4122 version 5) keeps repeated
// calls for the same seed idempotent without a round trip.
func deriveDID(namespace, seed string) string {
	ns := uuid.NewSHA1(uuid.NameSpaceURL, []byte(namespace))
	id := uuid.NewSHA1(ns, []byte(seed))
	return "did:iotics:iot" + id.String()
}
