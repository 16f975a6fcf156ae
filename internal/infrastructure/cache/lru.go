package cache

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"sideseat/internal/core/domain/common"
)

// lruEntryCap bounds the in-process cache's resident-set size; eviction
// beyond this is LRU, same as the teacher's bounded in-memory caches
// elsewhere in the pack.
const lruEntryCap = 10_000

// LRUClient adapts github.com/hashicorp/golang-lru/v2's expirable.LRU to
// common.RedisClient, the in-process read-mostly cache layer SPEC_FULL.md
// §3's DOMAIN STACK calls for when no Redis is configured — Wrap's caller
// stays agnostic to which backend it got, the same trait-object
// polymorphism spec §9 describes for the storage repositories.
//
// expirable.LRU carries one fixed TTL for the whole cache rather than
// per-entry TTLs, so Set's ttl argument is ignored: every entry lives
// for the TTL passed to NewLRUClient. Repository's two callers (project
// and API-key lookups) already use that same TTL constant.
type LRUClient struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, string]
}

// NewLRUClient builds an in-process cache with a fixed TTL, used in
// place of RedisClient when cfg.Redis.Addr is empty.
func NewLRUClient(ttl time.Duration) *LRUClient {
	return &LRUClient{cache: expirable.NewLRU[string, string](lruEntryCap, nil, ttl)}
}

var _ common.RedisClient = (*LRUClient)(nil)

func (c *LRUClient) Get(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	val, ok := c.cache.Get(key)
	if !ok {
		return "", fmt.Errorf("cache: key %q not found", key)
	}
	return val, nil
}

// Set stores value under key. ttl is ignored and the cache's own fixed
// TTL applies (see the LRUClient doc comment); value is marshaled by the
// caller before reaching here, same as RedisClient.Set.
func (c *LRUClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	s, ok := value.(string)
	if !ok {
		s = fmt.Sprintf("%v", value)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(key, s)
	return nil
}

func (c *LRUClient) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		c.cache.Remove(k)
	}
	return nil
}

// Expire resets key's TTL by re-adding its current value, which is as
// close as a single-TTL expirable.LRU gets to per-key Expire; a miss is
// a no-op rather than an error, matching Redis's EXPIRE-on-missing-key
// semantics.
func (c *LRUClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if val, ok := c.cache.Get(key); ok {
		c.cache.Add(key, val)
	}
	return nil
}

// Scan supports the same cursor-based glob iteration as RedisClient.Scan,
// using path.Match for the pattern and the index into Keys() (oldest to
// newest) as the cursor so repeated calls make forward progress.
func (c *LRUClient) Scan(ctx context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error) {
	c.mu.Lock()
	keys := c.cache.Keys()
	c.mu.Unlock()

	if cursor >= uint64(len(keys)) {
		return nil, 0, nil
	}
	matched := make([]string, 0, count)
	var i uint64
	for i = cursor; i < uint64(len(keys)) && int64(len(matched)) < count; i++ {
		ok, err := path.Match(pattern, keys[i])
		if err == nil && ok {
			matched = append(matched, keys[i])
		}
	}
	next := i
	if next >= uint64(len(keys)) {
		next = 0
	}
	return matched, next, nil
}
