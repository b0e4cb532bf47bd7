package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
)

// DefaultBucket bolt 預設 bucket 名稱
const DefaultBucket = "raksha"

// BoltKV 以 bolt 資料庫檔作為儲存，所有 key 放在同一個 bucket
type BoltKV struct {
	db     *bolt.DB
	bucket []byte
}

// NewBoltKV 開啟（或建立）bolt 資料庫並確保 bucket 存在
func NewBoltKV(path, bucket string) (*BoltKV, error) {
	if path == "" {
		return nil, fmt.Errorf("storage: bolt path is required")
	}
	if bucket == "" {
		bucket = DefaultBucket
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create bucket %s: %w", bucket, err)
	}
	return &BoltKV{db: db, bucket: []byte(bucket)}, nil
}

func (b *BoltKV) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(b.bucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// bolt 回傳的 slice 只在交易內有效
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoltKV) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).Put([]byte(key), value)
	})
}

func (b *BoltKV) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).Delete([]byte(key))
	})
}

func (b *BoltKV) Close() error {
	return b.db.Close()
}
