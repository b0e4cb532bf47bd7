package storage

// ============================================================================
// 檔案型鍵值儲存
// 職責：
// 1. 每個 key 對應目錄下的一個檔案
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 讀取時不解析內容，格式由上層決定
// ============================================================================

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var keyReplacer = strings.NewReplacer("/", "_", "\\", "_", ":", "_", "..", "_")

// FileKV 以檔案系統目錄作為儲存
type FileKV struct {
	dir string
	mu  sync.Mutex // 保護檔案操作
}

// NewFileKV 建立檔案型儲存，目錄不存在時自動建立
func NewFileKV(dir string) (*FileKV, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create dir %s: %w", dir, err)
	}
	return &FileKV{dir: dir}, nil
}

// Path 取得 key 對應的檔案路徑（用於測試與除錯）
func (f *FileKV) Path(key string) string {
	return filepath.Join(f.dir, keyReplacer.Replace(key)+".json")
}

// Get 讀取 key 的內容
func (f *FileKV) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.Path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: read %s: %w", key, err)
	}
	return data, nil
}

// Put 原子性寫入
//
// 流程：
//  1. 寫入臨時檔案（.tmp）
//  2. 使用 os.Rename 原子性替換原始檔案
func (f *FileKV) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.Path(key)
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, value, 0o600); err != nil {
		return fmt.Errorf("storage: write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		// 重新命名失敗，清理臨時檔案
		os.Remove(tmpPath)
		return fmt.Errorf("storage: rename %s: %w", key, err)
	}
	return nil
}

// Delete 刪除 key，不存在時不回報錯誤
func (f *FileKV) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.Path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: delete %s: %w", key, err)
	}
	return nil
}

// Close 檔案型儲存沒有需要釋放的資源
func (f *FileKV) Close() error { return nil }
