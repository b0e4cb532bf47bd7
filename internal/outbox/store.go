package outbox

// ============================================================================
// 佇列快照的持久化
// 職責：
// 1. 將整個 Snapshot 序列化為 JSON，存放在單一 key 之下
// 2. 載入時驗證 schema 版本相容性
// 3. 提供記憶體版本供測試使用
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/raksha-sync/internal/storage"
	"github.com/ChuLiYu/raksha-sync/pkg/types"
)

// DefaultKey 佇列快照在儲存中的 key
const DefaultKey = "raksha:offlineData"

var (
	ErrCorruptSnapshot     = errors.New("outbox: snapshot is corrupted")
	ErrIncompatibleVersion = errors.New("outbox: snapshot schema version is incompatible")
)

// Store 佇列快照的持久化介面
type Store interface {
	// Load 回傳目前快照；沒有資料時回傳空快照與 nil
	Load(ctx context.Context) (types.Snapshot, error)
	Save(ctx context.Context, snap types.Snapshot) error
	Clear(ctx context.Context) error
}

// KVStore 將快照存進鍵值儲存的單一 key
type KVStore struct {
	kv  storage.KV
	key string
}

func NewKVStore(kv storage.KV, key string) *KVStore {
	if key == "" {
		key = DefaultKey
	}
	return &KVStore{kv: kv, key: key}
}

// Key 快照使用的 key
func (s *KVStore) Key() string { return s.key }

func (s *KVStore) Load(ctx context.Context) (types.Snapshot, error) {
	data, err := s.kv.Get(ctx, s.key)
	if errors.Is(err, storage.ErrNotFound) {
		return types.EmptySnapshot(), nil
	}
	if err != nil {
		return types.EmptySnapshot(), err
	}
	return decodeSnapshot(data)
}

func (s *KVStore) Save(ctx context.Context, snap types.Snapshot) error {
	snap.SchemaVersion = types.SchemaVersion
	snap.Normalize()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("outbox: marshal snapshot: %w", err)
	}
	return s.kv.Put(ctx, s.key, data)
}

func (s *KVStore) Clear(ctx context.Context) error {
	return s.kv.Delete(ctx, s.key)
}

func decodeSnapshot(data []byte) (types.Snapshot, error) {
	var snap types.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return types.EmptySnapshot(), fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	// 舊格式沒有版本欄位，視為第 1 版
	if snap.SchemaVersion != 0 && snap.SchemaVersion != types.SchemaVersion {
		return types.EmptySnapshot(), fmt.Errorf("%w: got %d, want %d",
			ErrIncompatibleVersion, snap.SchemaVersion, types.SchemaVersion)
	}
	snap.Normalize()
	return snap, nil
}

// MemoryStore 記憶體版本，存放序列化後的位元組以避免共用切片
type MemoryStore struct {
	mu   sync.Mutex
	data []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(ctx context.Context) (types.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return types.EmptySnapshot(), nil
	}
	return decodeSnapshot(m.data)
}

func (m *MemoryStore) Save(ctx context.Context, snap types.Snapshot) error {
	snap.SchemaVersion = types.SchemaVersion
	snap.Normalize()
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.data = nil
	m.mu.Unlock()
	return nil
}
