package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"repofs/internal/common"
	"repofs/internal/metrics"
	"repofs/internal/storage"
)

const (
	DefaultTTL        = 30 * time.Second
	DefaultMaxEntries = 4096
)

// Key identifies a cached entry. Path is in PathKey form.
type Key struct {
	User string
	Path string
}

func keyFor(user, path string) Key {
	return Key{User: user, Path: common.PathKey(path)}
}

type nodeKey struct {
	user string
	ref  storage.NodeRef
}

type eviction struct {
	key  Key
	info *storage.FileInfo
}

// MetadataCache caches file metadata by (user, path) with a secondary index
// by node. An entry reachable through the node index is always the entry
// stored under its current path key.
//
// Thread-safe.
type MetadataCache struct {
	mu     sync.Mutex
	lru    *expirable.LRU[Key, *storage.FileInfo]
	byNode map[nodeKey]Key
	byPath map[string]map[Key]struct{}

	// Evictions are reported by the LRU while it holds its own lock, possibly
	// from its expiry goroutine. They are queued here and folded into the
	// indexes under mu.
	evictMu sync.Mutex
	evicted []eviction
}

// NewMetadataCache creates a cache holding at most maxEntries entries for ttl.
// Zero values select the defaults.
func NewMetadataCache(ttl time.Duration, maxEntries int) *MetadataCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	c := &MetadataCache{
		byNode: make(map[nodeKey]Key),
		byPath: make(map[string]map[Key]struct{}),
	}
	c.lru = expirable.NewLRU[Key, *storage.FileInfo](maxEntries, c.onEvict, ttl)
	return c
}

func (c *MetadataCache) onEvict(k Key, v *storage.FileInfo) {
	c.evictMu.Lock()
	c.evicted = append(c.evicted, eviction{key: k, info: v})
	c.evictMu.Unlock()
}

// drain folds pending evictions into the indexes. Caller holds mu.
func (c *MetadataCache) drain() {
	c.evictMu.Lock()
	pending := c.evicted
	c.evicted = nil
	c.evictMu.Unlock()

	for _, ev := range pending {
		if _, ok := c.lru.Peek(ev.key); ok {
			continue
		}
		c.unindex(ev.key, ev.info)
	}
}

func (c *MetadataCache) unindex(k Key, info *storage.FileInfo) {
	if set, ok := c.byPath[k.Path]; ok {
		delete(set, k)
		if len(set) == 0 {
			delete(c.byPath, k.Path)
		}
	}
	if info != nil && info.Ref != "" {
		nk := nodeKey{user: k.User, ref: info.Ref}
		if c.byNode[nk] == k {
			delete(c.byNode, nk)
		}
	}
}

// GetMetadata returns the metadata for (user, path), calling load on a miss.
// Load errors are returned and not cached.
func (c *MetadataCache) GetMetadata(user, path string, load func() (*storage.FileInfo, error)) (*storage.FileInfo, error) {
	if info, ok := c.Lookup(user, path); ok {
		return info, nil
	}
	info, err := load()
	if err != nil {
		return nil, err
	}
	c.Put(user, path, info)
	return info.Clone(), nil
}

// Lookup returns a copy of the cached entry for (user, path).
func (c *MetadataCache) Lookup(user, path string) (*storage.FileInfo, bool) {
	if Disabled {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drain()

	info, ok := c.lru.Get(keyFor(user, path))
	if !ok {
		metrics.CacheRequests.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.CacheRequests.WithLabelValues("hit").Inc()
	return info.Clone(), true
}

// LookupNode returns a copy of the cached entry for a file node.
func (c *MetadataCache) LookupNode(user string, ref storage.NodeRef) (*storage.FileInfo, bool) {
	if Disabled {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drain()

	k, ok := c.byNode[nodeKey{user: user, ref: ref}]
	if !ok {
		return nil, false
	}
	info, ok := c.lru.Peek(k)
	if !ok {
		return nil, false
	}
	return info.Clone(), true
}

// Put stores a copy of info for (user, path). Content files are also indexed
// by node; a node cached under another path loses that stale entry.
func (c *MetadataCache) Put(user, path string, info *storage.FileInfo) {
	if Disabled || info == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drain()

	k := keyFor(user, path)
	if old, ok := c.lru.Peek(k); ok && old.Ref != info.Ref {
		c.unindex(k, old)
	}
	v := info.Clone()
	if v.IsContentFile() && v.Ref != "" {
		nk := nodeKey{user: user, ref: v.Ref}
		if prev, ok := c.byNode[nk]; ok && prev != k {
			c.lru.Remove(prev)
			c.unindex(prev, v)
		}
		c.byNode[nk] = k
	}
	c.lru.Add(k, v)
	set, ok := c.byPath[k.Path]
	if !ok {
		set = make(map[Key]struct{})
		c.byPath[k.Path] = set
	}
	set[k] = struct{}{}
	c.drain()
}

// Invalidate drops the entries for path for every user.
func (c *MetadataCache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drain()

	set := c.byPath[common.PathKey(path)]
	for k := range set {
		info, _ := c.lru.Peek(k)
		c.lru.Remove(k)
		c.unindex(k, info)
	}
	c.drain()
}

// InvalidateAll clears the cache.
func (c *MetadataCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Purge()
	c.evictMu.Lock()
	c.evicted = nil
	c.evictMu.Unlock()
	c.byNode = make(map[nodeKey]Key)
	c.byPath = make(map[string]map[Key]struct{})
}

// Len is the number of cached entries.
func (c *MetadataCache) Len() int {
	return c.lru.Len()
}
