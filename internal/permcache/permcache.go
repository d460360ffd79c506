// Package permcache implements C2, the two-tier Permission Cache
// (spec §4.2): a bounded in-process LRU in front of the distributed
// keyspace, grounded on the teacher's pkg-level caching idiom absent
// — adapted instead from yegamble-goimg-datalayer's cache-aside
// pattern (local hit, distributed hit populates local, miss is a
// caller-side recompute) and on hashicorp/golang-lru/v2 for the local
// tier.
package permcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/coreauth/authcore/internal/errkind"
	"github.com/coreauth/authcore/internal/kv"
)

// Entry is one cached resolution (spec §4.2's persisted shape).
type Entry struct {
	Permissions  []string  `json:"permissions"`
	Roles        []string  `json:"roles"`
	CachedAt     time.Time `json:"cached_at"`
	TTL          time.Duration `json:"ttl"`
	HitCount     int64     `json:"hit_count"`
	LastAccessAt time.Time `json:"last_access_at"`
}

// Config controls TTLs and local-tier sizing.
type Config struct {
	LocalTTL    time.Duration // default 5m
	LocalSize   int           // default 5000
	UserTTL     time.Duration // default 1h
	RoleTTL     time.Duration // default 2h
}

func (c Config) withDefaults() Config {
	if c.LocalTTL == 0 {
		c.LocalTTL = 5 * time.Minute
	}
	if c.LocalSize == 0 {
		c.LocalSize = 5000
	}
	if c.UserTTL == 0 {
		c.UserTTL = time.Hour
	}
	if c.RoleTTL == 0 {
		c.RoleTTL = 2 * time.Hour
	}
	return c
}

type localEntry struct {
	entry   Entry
	expires time.Time
}

// Cache is C2, the two-tier permission cache.
type Cache struct {
	store kv.Store
	cfg   Config
	now   func() time.Time

	local *lru.Cache[string, localEntry]

	// reverse tracks, for each role id, the set of user ids whose last
	// resolution included that role — spec §4.2's "reverse index"
	// option for invalidate_role propagation.
	reverse map[string]map[string]struct{}
}

// New constructs a C2 cache over the given distributed keyspace.
func New(store kv.Store, cfg Config) *Cache {
	cfg = cfg.withDefaults()
	local, _ := lru.New[string, localEntry](cfg.LocalSize)
	return &Cache{
		store:   store,
		cfg:     cfg,
		now:     time.Now,
		local:   local,
		reverse: make(map[string]map[string]struct{}),
	}
}

func userKey(userID string) string { return fmt.Sprintf("perm:user:%s", userID) }
func roleKey(roleID string) string { return fmt.Sprintf("perm:role:%s", roleID) }

// GetUser returns the cached resolution for a user, checking the
// local tier first and falling back to the distributed keyspace,
// populating the local tier on a distributed hit.
func (c *Cache) GetUser(ctx context.Context, userID string) (Entry, bool, error) {
	return c.get(ctx, userKey(userID))
}

// PutUser writes a resolved permission set for a user to both tiers
// and records the reverse index used by invalidate_role.
func (c *Cache) PutUser(ctx context.Context, userID string, perms, roles []string) error {
	e := Entry{Permissions: perms, Roles: roles, CachedAt: c.now(), TTL: c.cfg.UserTTL, LastAccessAt: c.now()}
	if err := c.put(ctx, userKey(userID), e, c.cfg.UserTTL); err != nil {
		return err
	}
	for _, r := range roles {
		set, ok := c.reverse[r]
		if !ok {
			set = make(map[string]struct{})
			c.reverse[r] = set
		}
		set[userID] = struct{}{}
	}
	return nil
}

// PutUserBatch is spec §4.2's put_user_batch: one pipelined write,
// per-key results reported without rolling back partial success.
func (c *Cache) PutUserBatch(ctx context.Context, batch map[string]struct {
	Perms []string
	Roles []string
}) map[string]error {
	ops := make([]kv.Op, 0, len(batch))
	keys := make([]string, 0, len(batch))
	for userID, v := range batch {
		e := Entry{Permissions: v.Perms, Roles: v.Roles, CachedAt: c.now(), TTL: c.cfg.UserTTL, LastAccessAt: c.now()}
		payload, err := json.Marshal(e)
		if err != nil {
			continue
		}
		keys = append(keys, userID)
		ops = append(ops, kv.Op{Kind: kv.OpSetWithTTL, Key: userKey(userID), Value: string(payload), TTL: c.cfg.UserTTL})
	}
	errs := c.store.Pipeline(ctx, ops)
	out := make(map[string]error, len(keys))
	for i, userID := range keys {
		out[userID] = errs[i]
		if errs[i] == nil {
			v := batch[userID]
			c.local.Add(userKey(userID), localEntry{
				entry:   Entry{Permissions: v.Perms, Roles: v.Roles, CachedAt: c.now(), TTL: c.cfg.UserTTL, LastAccessAt: c.now()},
				expires: c.now().Add(c.cfg.LocalTTL),
			})
		}
	}
	return out
}

// GetRole returns the cached expansion for a role.
func (c *Cache) GetRole(ctx context.Context, roleID string) (Entry, bool, error) {
	return c.get(ctx, roleKey(roleID))
}

// PutRole writes a resolved role expansion to both tiers.
func (c *Cache) PutRole(ctx context.Context, roleID string, perms, roles []string) error {
	e := Entry{Permissions: perms, Roles: roles, CachedAt: c.now(), TTL: c.cfg.RoleTTL, LastAccessAt: c.now()}
	return c.put(ctx, roleKey(roleID), e, c.cfg.RoleTTL)
}

// InvalidateUser removes a user's cached resolution from both tiers.
func (c *Cache) InvalidateUser(ctx context.Context, userID string) error {
	c.local.Remove(userKey(userID))
	return c.store.Del(ctx, userKey(userID))
}

// InvalidateRole deletes the role entry and every user entry whose
// last-known resolved roles included it (spec §4.2's invalidation
// propagation), via the in-process reverse index. Deployments running
// multiple instances converge within one refresh cycle as each
// instance's reverse index is a best-effort cache of its own traffic,
// not a source of truth — the authoritative fix is the TTL expiry.
func (c *Cache) InvalidateRole(ctx context.Context, roleID string) error {
	c.local.Remove(roleKey(roleID))
	if err := c.store.Del(ctx, roleKey(roleID)); err != nil {
		return err
	}
	users := c.reverse[roleID]
	delete(c.reverse, roleID)
	for userID := range users {
		if err := c.InvalidateUser(ctx, userID); err != nil {
			return err
		}
	}
	return nil
}

// InvalidateRoleHierarchy drops every cached role-expansion entry,
// used when the role graph itself mutates (spec §4.2: "role-hierarchy
// mutation triggers a cache-wide invalidation of role expansion
// entries").
func (c *Cache) InvalidateRoleHierarchy(ctx context.Context) error {
	keys, err := c.store.ScanByPattern(ctx, "perm:role:*")
	if err != nil {
		return errkind.Wrap(errkind.Transient, "PERMCACHE_SCAN_FAILED", "failed to scan role cache keys", err)
	}
	c.local.Purge()
	if len(keys) == 0 {
		return nil
	}
	return c.store.Del(ctx, keys...)
}

func (c *Cache) get(ctx context.Context, key string) (Entry, bool, error) {
	if le, ok := c.local.Get(key); ok && c.now().Before(le.expires) {
		le.entry.HitCount++
		le.entry.LastAccessAt = c.now()
		c.local.Add(key, le)
		return le.entry, true, nil
	}

	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return Entry{}, false, errkind.Wrap(errkind.Transient, "PERMCACHE_READ_FAILED", "failed to read permission cache", err)
	}
	if !ok {
		return Entry{}, false, nil
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Entry{}, false, errkind.Wrap(errkind.Fatal, "PERMCACHE_DECODE_FAILED", "failed to decode cached permission entry", err)
	}
	e.HitCount++
	e.LastAccessAt = c.now()
	c.local.Add(key, localEntry{entry: e, expires: c.now().Add(c.cfg.LocalTTL)})
	return e, true, nil
}

func (c *Cache) put(ctx context.Context, key string, e Entry, ttl time.Duration) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return errkind.Wrap(errkind.Fatal, "PERMCACHE_ENCODE_FAILED", "failed to encode permission entry", err)
	}
	if err := c.store.SetWithTTL(ctx, key, string(payload), ttl); err != nil {
		return errkind.Wrap(errkind.Transient, "PERMCACHE_WRITE_FAILED", "failed to write permission cache", err)
	}
	c.local.Add(key, localEntry{entry: e, expires: c.now().Add(c.cfg.LocalTTL)})
	return nil
}
