// Package auth resolves Moltbook API keys and session tokens to agents.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/sync/singleflight"

	"moltjobs/internal/domain"
	"moltjobs/internal/logging"
)

// KeyPrefix is the prefix every Moltbook API key carries.
const KeyPrefix = "moltbook_"

const (
	SourceCache    = "cache"
	SourceStore    = "store"
	SourceProvider = "provider"
	SourceSession  = "session"
)

// HashAPIKey returns the lowercase hex SHA-256 of key. The key is hashed
// exactly as given.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Identity is an authenticated agent plus the key hash it was resolved from.
type Identity struct {
	Agent      domain.Agent
	APIKeyHash string
	Source     string
}

// Store persists agents keyed by API key hash.
type Store interface {
	GetAgentByHash(ctx context.Context, hash string) (domain.Agent, error)
	UpsertAgent(ctx context.Context, hash string, profile domain.AgentProfile) (domain.Agent, error)
}

// Provider looks up the agent owning a raw API key. false means the key could
// not be verified for any reason.
type Provider interface {
	Me(ctx context.Context, apiKey string) (domain.AgentProfile, bool)
}

type Resolver struct {
	Store    Store
	Provider Provider
	Cache    *Cache
	Sessions Sessions
	Log      logging.Logger

	group singleflight.Group
}

func NewResolver(store Store, provider Provider, cache *Cache) *Resolver {
	if cache == nil {
		cache = NewCache(DefaultCacheTTL, DefaultCacheCapacity)
	}
	return &Resolver{Store: store, Provider: provider, Cache: cache, Log: logging.Nop()}
}

func (r *Resolver) logger() logging.Logger {
	if r.Log != nil {
		return r.Log
	}
	return logging.Nop()
}

// Resolve authenticates apiKey through the cache, then the store, then the
// provider. Concurrent misses for the same key share one lookup.
func (r *Resolver) Resolve(ctx context.Context, apiKey string) (Identity, error) {
	if !strings.HasPrefix(apiKey, KeyPrefix) {
		return Identity{}, domain.ErrMalformedCredential
	}
	hash := HashAPIKey(apiKey)
	if a, ok := r.Cache.Get(hash); ok {
		return Identity{Agent: a, APIKeyHash: hash, Source: SourceCache}, nil
	}
	// The shared lookup outlives any single caller; the provider client
	// carries its own timeout.
	shared := context.WithoutCancel(ctx)
	ch := r.group.DoChan(hash, func() (any, error) {
		if a, ok := r.Cache.Get(hash); ok {
			return Identity{Agent: a, APIKeyHash: hash, Source: SourceCache}, nil
		}
		gen := r.Cache.Generation()
		a, err := r.Store.GetAgentByHash(shared, hash)
		if err == nil {
			r.Cache.SetIfCurrent(hash, a, gen)
			return Identity{Agent: a, APIKeyHash: hash, Source: SourceStore}, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return r.fromProvider(shared, apiKey, hash, gen)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Identity{}, res.Err
		}
		return res.Val.(Identity), nil
	case <-ctx.Done():
		return Identity{}, ctx.Err()
	}
}

// Verify authenticates apiKey against the provider unconditionally and
// refreshes the stored profile.
func (r *Resolver) Verify(ctx context.Context, apiKey string) (Identity, error) {
	if !strings.HasPrefix(apiKey, KeyPrefix) {
		return Identity{}, domain.ErrMalformedCredential
	}
	return r.fromProvider(ctx, apiKey, HashAPIKey(apiKey), r.Cache.Generation())
}

func (r *Resolver) fromProvider(ctx context.Context, apiKey, hash string, gen uint64) (Identity, error) {
	profile, ok := r.Provider.Me(ctx, apiKey)
	if !ok {
		r.logger().Info(ctx, "api key rejected", "key_hash", logging.ShortHash(hash))
		return Identity{}, domain.ErrInvalidCredential
	}
	a, err := r.Store.UpsertAgent(ctx, hash, profile)
	if err != nil {
		return Identity{}, err
	}
	r.Cache.SetIfCurrent(hash, a, gen)
	r.logger().Debug(ctx, "agent verified", "agent_id", a.ID, "key_hash", logging.ShortHash(hash))
	return Identity{Agent: a, APIKeyHash: hash, Source: SourceProvider}, nil
}

// ResolveSession authenticates a session token. The raw key is not known, so
// only the cache and the store are consulted.
func (r *Resolver) ResolveSession(ctx context.Context, token string) (Identity, error) {
	if strings.TrimSpace(token) == "" {
		return Identity{}, domain.ErrMalformedCredential
	}
	if !r.Sessions.Enabled() {
		return Identity{}, domain.ErrInvalidCredential
	}
	s, err := r.Sessions.Parse(token)
	if err != nil {
		r.logger().Debug(ctx, "session token rejected", "error", err)
		return Identity{}, domain.ErrInvalidCredential
	}
	a, ok := r.Cache.Get(s.KeyHash)
	if !ok {
		gen := r.Cache.Generation()
		a, err = r.Store.GetAgentByHash(ctx, s.KeyHash)
		if errors.Is(err, domain.ErrNotFound) {
			return Identity{}, domain.ErrInvalidCredential
		}
		if err != nil {
			return Identity{}, err
		}
		r.Cache.SetIfCurrent(s.KeyHash, a, gen)
	}
	if a.ID != s.AgentID {
		return Identity{}, domain.ErrInvalidCredential
	}
	return Identity{Agent: a, APIKeyHash: s.KeyHash, Source: SourceSession}, nil
}
