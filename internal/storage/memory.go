package storage

import (
	"context"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryKV 行程內記憶體儲存，不會過期
type MemoryKV struct{ c *gocache.Cache }

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{c: gocache.New(gocache.NoExpiration, 0)}
}

func (m *MemoryKV) Get(ctx context.Context, key string) ([]byte, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	b, _ := v.([]byte)
	return append([]byte(nil), b...), nil
}

func (m *MemoryKV) Put(ctx context.Context, key string, value []byte) error {
	m.c.Set(key, append([]byte(nil), value...), gocache.NoExpiration)
	return nil
}

func (m *MemoryKV) Delete(ctx context.Context, key string) error {
	m.c.Delete(key)
	return nil
}

func (m *MemoryKV) Close() error { return nil }
