// Package artifact is a scoped cache for short-lived derived artifacts (SDK clients, rendered
// configs) shared by concurrent jobs. Entries expire after a TTL; creation is guarded per key.
package artifact

import (
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/EagleChen/mapmutex"
	"github.com/patrickmn/go-cache"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	"github.com/delegate-collector/pkg/errors"
	"github.com/delegate-collector/pkg/logger"
)

// Cache is safe for concurrent use.
type Cache struct {
	items *cache.Cache
	locks *mapmutex.Mutex
	ttl   time.Duration
}

// New creates a cache whose entries live for ttl.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cache{
		items: cache.New(ttl, 2*ttl),
		// up to 400 attempts, 50ms max delay between them
		locks: mapmutex.NewCustomizedMapMutex(400, 50_000_000, 10, 1.1, 0.2),
		ttl:   ttl,
	}
}

// Key hashes parts into a stable content key.
func Key(parts ...string) string {
	h := xxh3.New()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		// separator so ("ab","c") and ("a","bc") differ
		_, _ = h.Write([]byte{0})
	}
	sum := h.Sum128()
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:8], sum.Lo)
	binary.LittleEndian.PutUint64(b[8:16], sum.Hi)
	return hex.EncodeToString(b)
}

// Get returns a cached artifact.
func (c *Cache) Get(key string) (any, bool) {
	return c.items.Get(key)
}

// GetOrCreate returns the artifact for key, building it with create at most once per TTL even when
// several jobs ask at the same time.
func (c *Cache) GetOrCreate(key string, create func() (any, error)) (any, error) {
	if v, ok := c.items.Get(key); ok {
		return v, nil
	}
	if !c.locks.TryLock(key) {
		return nil, errors.New(errors.CodeTransient, "artifact %s is locked by another job", short(key))
	}
	defer c.locks.Unlock(key)

	if v, ok := c.items.Get(key); ok {
		return v, nil
	}
	v, err := create()
	if err != nil {
		return nil, err
	}
	c.items.Set(key, v, cache.DefaultExpiration)
	logger.Debug("artifact cached", zap.String("key", short(key)), zap.Duration("ttl", c.ttl))
	return v, nil
}

func (c *Cache) Delete(key string) {
	c.items.Delete(key)
}

func (c *Cache) Len() int {
	return c.items.ItemCount()
}

// Flush drops every entry.
func (c *Cache) Flush() {
	c.items.Flush()
}

func short(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
