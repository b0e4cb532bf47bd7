// ============================================================================
// Raksha-Sync 本地鍵值儲存
// ============================================================================
//
// Package: internal/storage
// 文件: store.go
// 功能: 提供離線佇列使用的持久化鍵值儲存，依 driver 選擇實作
//
// 可用 driver:
//   - file:   每個 key 一個 JSON 檔，temp file + rename 原子寫入
//   - bolt:   單一 bolt 資料庫檔，一個 bucket
//   - redis:  共用 redis，key 加上前綴
//   - memory: 行程內記憶體（測試、示範）
//
// 錯誤約定:
//   - key 不存在時 Get 回傳 ErrNotFound
//   - Delete 不存在的 key 不是錯誤
//
// ============================================================================

package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound key 不存在
	ErrNotFound = errors.New("storage: key not found")
	// ErrUnknownDriver 不支援的 driver 名稱
	ErrUnknownDriver = errors.New("storage: unknown driver")
)

// KV 最小化的鍵值儲存介面
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Options 建立儲存實例所需的設定
type Options struct {
	Driver string // file | bolt | redis | memory
	Path   string // file: 目錄；bolt: 資料庫檔案
	Bucket string // bolt bucket 名稱

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Prefix        string // redis key 前綴
}

// Open 依 driver 建立對應的 KV 實作
func Open(ctx context.Context, opts Options) (KV, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", "file":
		return NewFileKV(opts.Path)
	case "bolt":
		return NewBoltKV(opts.Path, opts.Bucket)
	case "redis":
		return NewRedisKV(ctx, RedisOptions{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
			Prefix:   opts.Prefix,
		})
	case "memory":
		return NewMemoryKV(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, opts.Driver)
	}
}
