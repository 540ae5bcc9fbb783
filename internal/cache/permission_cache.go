// Package cache memoizes resolved permissions in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pesio-ai/be-pc-approvals/internal/logger"
	"github.com/pesio-ai/be-pc-approvals/internal/service"
)

// PermissionCache stores ResolvedPermissions per (user, project) with a TTL.
type PermissionCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewPermissionCache creates a PermissionCache. Keys are namespaced by prefix.
func NewPermissionCache(client redis.UniversalClient, prefix string, ttl time.Duration) *PermissionCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &PermissionCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *PermissionCache) key(userEmail, projectCode string) string {
	return c.prefix + "perm:" + strings.ToLower(userEmail) + ":" + projectCode
}

// Get returns the cached result; ok is false on a miss.
func (c *PermissionCache) Get(ctx context.Context, userEmail, projectCode string) (*service.ResolvedPermissions, bool, error) {
	raw, err := c.client.Get(ctx, c.key(userEmail, projectCode)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var out service.ResolvedPermissions
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false, err
	}
	return &out, true, nil
}

func (c *PermissionCache) Set(ctx context.Context, p *service.ResolvedPermissions) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(p.UserEmail, p.ProjectCode), raw, c.ttl).Err()
}

// Invalidate drops the cached result for one (user, project).
func (c *PermissionCache) Invalidate(ctx context.Context, userEmail, projectCode string) error {
	return c.client.Del(ctx, c.key(userEmail, projectCode)).Err()
}

// Resolver is satisfied by *service.PermissionResolver.
type Resolver interface {
	Resolve(ctx context.Context, userEmail, projectCode string) (*service.ResolvedPermissions, error)
}

// CachedPermissionResolver consults the cache before resolving. Cache
// failures degrade to a direct resolution.
type CachedPermissionResolver struct {
	next  Resolver
	cache *PermissionCache
	log   *logger.Logger
}

// NewCachedPermissionResolver wraps next with cache.
func NewCachedPermissionResolver(next Resolver, cache *PermissionCache, log *logger.Logger) *CachedPermissionResolver {
	if log == nil {
		log = logger.NewNop()
	}
	return &CachedPermissionResolver{next: next, cache: cache, log: log}
}

func (r *CachedPermissionResolver) Resolve(ctx context.Context, userEmail, projectCode string) (*service.ResolvedPermissions, error) {
	cached, ok, err := r.cache.Get(ctx, userEmail, projectCode)
	if err != nil {
		r.log.Warn().Err(err).Str("user_email", userEmail).Msg("Permission cache read failed")
	} else if ok {
		return cached, nil
	}

	resolved, err := r.next.Resolve(ctx, userEmail, projectCode)
	if err != nil {
		return nil, err
	}
	if err := r.cache.Set(ctx, resolved); err != nil {
		r.log.Warn().Err(err).Str("user_email", userEmail).Msg("Permission cache write failed")
	}
	return resolved, nil
}

// Invalidate drops the cached result for one (user, project).
func (r *CachedPermissionResolver) Invalidate(ctx context.Context, userEmail, projectCode string) error {
	return r.cache.Invalidate(ctx, userEmail, projectCode)
}
