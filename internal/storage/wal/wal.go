package wal

// ============================================================================
// Mutation Journal 核心實作
// 職責：
// 1. 追加事件到日誌檔案（append-only），記錄每筆離線 mutation 的生命週期
// 2. 提供重放功能，啟動時統計上次執行的結果
// 3. 支援日誌旋轉（佇列清空後歸檔）
// 4. 確保寫入持久性與資料完整性（CRC32）
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Options 日誌設定
type Options struct {
	SyncOnAppend  bool          // 每次追加都強制 flush + fsync
	BufferSize    int           // 緩衝事件數上限，預設 64
	FlushInterval time.Duration // 距上次 flush 超過此時間即 flush，預設 1s
}

// WAL 表示 mutation journal 實例
type WAL struct {
	mu      sync.Mutex    // 保護並發寫入
	file    FileInterface // 日誌檔案
	encoder *json.Encoder // JSON 編碼器
	path    string        // 日誌檔案路徑
	seq     uint64        // 當前事件序號
	opts    Options
	closed  bool

	buffer        []Event // 批次寫入緩衝區
	lastFlushTime time.Time
}

// NewWAL 建立或開啟一個日誌
//
// 行為：
// - 如果檔案不存在，建立新檔案，seq 從 0 開始
// - 如果檔案已存在，讀取最後一個事件的 seq 並繼續
// - 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
func NewWAL(path string, opts Options) (*WAL, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 64
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	// 若檔案非空，讀取最後一個事件以取得 seq；損毀時從 0 繼續
	var seq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		if last, err := GetLastEvent(path); err == nil {
			seq = last.Seq
		}
	}

	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		opts:          opts,
		buffer:        make([]Event, 0, opts.BufferSize),
		lastFlushTime: time.Now(),
	}, nil
}

// Append 追加一個事件
//
// 行為：
// - 自動遞增 seq
// - 計算 checksum
// - 先放入 buffer，滿了、超時或強制時才寫入檔案並同步
func (w *WAL) Append(eventType EventType, rec Record, isForceFlush bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	w.seq++
	event := Event{
		Seq:        w.seq,
		Type:       eventType,
		MutationID: rec.MutationID,
		Kind:       rec.Kind,
		Attempt:    rec.Attempt,
		Detail:     rec.Detail,
		Timestamp:  time.Now().UnixMilli(),
	}
	event.Checksum = CalculateChecksum(event)
	w.buffer = append(w.buffer, event)

	needFlush := isForceFlush || w.opts.SyncOnAppend ||
		len(w.buffer) >= w.opts.BufferSize ||
		time.Since(w.lastFlushTime) > w.opts.FlushInterval
	if needFlush {
		return w.flushLocked()
	}
	return nil
}

// Flush 將緩衝事件寫入磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay 重放所有事件
//
// 行為：
// - 先 flush buffer，確保讀得到剛追加的事件
// - 從頭讀取檔案，驗證每個事件的 checksum
// - 呼叫 handler，遇到錯誤立即停止
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		if err := w.flushLocked(); err != nil {
			return err
		}
	}
	return scan(w.path, func(_ int, event Event, err error) error {
		if err != nil {
			return err
		}
		return handler(event)
	})
}

// Rotate 將目前日誌歸檔並開始新檔案，seq 重新從 0 開始
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405.000")
	if err := os.Rename(w.path, backupPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.seq = 0
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return nil
}

// Close 關閉日誌，關閉後的實例不可再使用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.closed = true
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path 日誌檔案路徑
func (w *WAL) Path() string { return w.path }

// flushLocked 假設調用者已經持有 w.mu 鎖
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return w.file.Sync()
}

// scan 逐行解碼日誌檔案
// visit 收到的 err 為 *CorruptionError 或 *ChecksumError，回傳非 nil 即停止
func scan(path string, visit func(line int, event Event, err error) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			if verr := visit(line, Event{}, &CorruptionError{Line: line, Cause: err}); verr != nil {
				return verr
			}
			continue
		}
		if expected := CalculateChecksum(event); expected != event.Checksum {
			cerr := &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
			if verr := visit(line, event, cerr); verr != nil {
				return verr
			}
			continue
		}
		if verr := visit(line, event, nil); verr != nil {
			return verr
		}
	}
	return scanner.Err()
}
