package shell

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// ErrEntryTooLarge 回應本文超過單筆快取上限
var ErrEntryTooLarge = errors.New("shell: cache entry too large")

// CachedResponse 快取中的回應副本
type CachedResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
}

// Clone 深拷貝
func (r *CachedResponse) Clone() *CachedResponse {
	if r == nil {
		return nil
	}
	return &CachedResponse{
		StatusCode: r.StatusCode,
		Header:     r.Header.Clone(),
		Body:       append([]byte(nil), r.Body...),
		StoredAt:   r.StoredAt,
	}
}

// Write 寫入 http.ResponseWriter
func (r *CachedResponse) Write(w http.ResponseWriter) {
	for k, vs := range r.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(r.StatusCode)
	_, _ = w.Write(r.Body)
}

// Cache 一個具名快取（一個版本）
type Cache interface {
	Match(key string) (*CachedResponse, bool)
	Put(key string, resp *CachedResponse) error
	Keys() []string
}

// CacheStorage 具名快取的集合
type CacheStorage interface {
	Open(name string) (Cache, error) // 不存在時建立
	Has(name string) bool
	Keys() []string
	Delete(name string) bool
}

// ============================================================================
// MemoryStorage - go-cache 實作
// ============================================================================

// MemoryStorage 記憶體中的 CacheStorage
type MemoryStorage struct {
	mu            sync.Mutex
	caches        *gocache.Cache
	maxEntryBytes int
}

// NewMemoryStorage 建立 storage；maxEntryBytes<=0 表示不限
func NewMemoryStorage(maxEntryBytes int) *MemoryStorage {
	return &MemoryStorage{
		caches:        gocache.New(gocache.NoExpiration, 0),
		maxEntryBytes: maxEntryBytes,
	}
}

func (s *MemoryStorage) Open(name string) (Cache, error) {
	if name == "" {
		return nil, fmt.Errorf("shell: empty cache name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.caches.Get(name); ok {
		return c.(*memoryCache), nil
	}
	c := &memoryCache{entries: gocache.New(gocache.NoExpiration, 0), maxEntryBytes: s.maxEntryBytes}
	s.caches.Set(name, c, gocache.NoExpiration)
	return c, nil
}

func (s *MemoryStorage) Has(name string) bool {
	_, ok := s.caches.Get(name)
	return ok
}

// Keys 依名稱排序
func (s *MemoryStorage) Keys() []string {
	items := s.caches.Items()
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *MemoryStorage) Delete(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.caches.Get(name); !ok {
		return false
	}
	s.caches.Delete(name)
	return true
}

type memoryCache struct {
	entries       *gocache.Cache
	maxEntryBytes int
}

func (c *memoryCache) Match(key string) (*CachedResponse, bool) {
	v, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	return v.(*CachedResponse).Clone(), true
}

func (c *memoryCache) Put(key string, resp *CachedResponse) error {
	if c.maxEntryBytes > 0 && len(resp.Body) > c.maxEntryBytes {
		return fmt.Errorf("%w: %s (%d bytes)", ErrEntryTooLarge, key, len(resp.Body))
	}
	c.entries.Set(key, resp.Clone(), gocache.NoExpiration)
	return nil
}

func (c *memoryCache) Keys() []string {
	items := c.entries.Items()
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
