package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/saasops/adminservice/internal/log"
)

// roleCacheTTL bounds how long a resolved role set may be served without a
// database read. Revocation deletes the key, so hasPermission reflects a
// revoke immediately rather than after TTL expiry.
const roleCacheTTL = 2 * time.Minute

// RoleCache caches resolved active role sets per admin in Redis.
type RoleCache struct {
	client *redis.Client
}

// NewRoleCache creates a role cache backed by the given Redis client.
func NewRoleCache(client *redis.Client) *RoleCache {
	return &RoleCache{client: client}
}

func roleCacheKey(userID string) string {
	return fmt.Sprintf("adminroles:%s", userID)
}

// Get returns the cached role set for userID. The second return is false on
// a miss.
func (c *RoleCache) Get(ctx context.Context, userID string) ([]Role, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	data, err := c.client.Get(ctx, roleCacheKey(userID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn(ctx, "role cache read failed", zap.Error(err), zap.String("user_id", userID))
		}
		return nil, false
	}
	var roles []Role
	if err := json.Unmarshal(data, &roles); err != nil {
		return nil, false
	}
	return roles, true
}

// Set stores the resolved role set for userID.
func (c *RoleCache) Set(ctx context.Context, userID string, roles []Role) {
	if c == nil || c.client == nil {
		return
	}
	data, err := json.Marshal(roles)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, roleCacheKey(userID), data, roleCacheTTL).Err(); err != nil {
		log.Warn(ctx, "role cache write failed", zap.Error(err), zap.String("user_id", userID))
	}
}

// Invalidate drops the cached role set for userID. Called on every grant and
// revoke so permission checks never serve a stale set.
func (c *RoleCache) Invalidate(ctx context.Context, userID string) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, roleCacheKey(userID)).Err()
}
