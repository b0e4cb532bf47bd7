package wal

// ============================================================================
// 日誌工具函式
// 職責：提供診斷、統計與 status 指令使用的輔助功能
// ============================================================================

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// GetLastEvent 從日誌檔案讀取最後一個有效事件
//
// 從頭到尾掃描，回傳最後一個成功解析且校驗正確的事件；
// 沒有任何有效事件時回傳 ErrEmptyWAL
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := scan(path, func(_ int, event Event, err error) error {
		if err == nil {
			e := event
			last = &e
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算日誌中有效事件的總數，損壞的事件不計入
func CountEvents(path string) (int, error) {
	count := 0
	err := scan(path, func(_ int, _ Event, err error) error {
		if err == nil {
			count++
		}
		return nil
	})
	return count, err
}

// ValidateWAL 驗證日誌檔案的完整性
//
// 檢查項目：
// - 所有事件的 JSON 格式正確
// - 所有事件的校驗和正確
// - seq 連續且無重複
//
// 回傳所有發現的問題（errors.Join）
func ValidateWAL(path string) error {
	var problems []error
	var lastSeq uint64
	err := scan(path, func(line int, event Event, err error) error {
		if err != nil {
			problems = append(problems, err)
			return nil
		}
		if event.Seq != lastSeq+1 {
			problems = append(problems, fmt.Errorf("wal: line %d: seq %d follows %d", line, event.Seq, lastSeq))
		}
		lastSeq = event.Seq
		return nil
	})
	if err != nil {
		return err
	}
	return errors.Join(problems...)
}

// DumpWAL 輸出日誌內容（人類可讀格式）
//
//	[Seq:1] ENQUEUE incident_create 6f1c... attempt=0 at 2024-01-01T00:00:00Z (checksum:0x12345678)
//
// 損壞的事件以 CORRUPTED 標記
func DumpWAL(path string, w io.Writer) error {
	return scan(path, func(line int, event Event, err error) error {
		if err != nil {
			_, werr := fmt.Fprintf(w, "[line:%d] CORRUPTED %v\n", line, err)
			return werr
		}
		ts := time.UnixMilli(event.Timestamp).UTC().Format(time.RFC3339)
		_, werr := fmt.Fprintf(w, "[Seq:%d] %s %s %s attempt=%d at %s (checksum:0x%08x)",
			event.Seq, event.Type, event.Kind, event.MutationID, event.Attempt, ts, event.Checksum)
		if werr != nil {
			return werr
		}
		if event.Detail != "" {
			if _, werr = fmt.Fprintf(w, " %q", event.Detail); werr != nil {
				return werr
			}
		}
		_, werr = fmt.Fprintln(w)
		return werr
	})
}

// WALStats 日誌統計資訊
type WALStats struct {
	TotalEvents    int               // 有效事件數
	EventTypes     map[EventType]int // 各類型事件計數
	FirstSeq       uint64            // 第一個事件的 seq
	LastSeq        uint64            // 最後一個事件的 seq
	TimeRange      [2]int64          // 時間範圍 [最早, 最晚]（Unix 毫秒）
	CorruptedCount int               // 損壞事件數
}

// GetWALStats 掃描整個日誌並收集統計資料
func GetWALStats(path string) (*WALStats, error) {
	stats := &WALStats{EventTypes: make(map[EventType]int)}
	err := scan(path, func(_ int, event Event, err error) error {
		if err != nil {
			stats.CorruptedCount++
			return nil
		}
		if stats.TotalEvents == 0 {
			stats.FirstSeq = event.Seq
			stats.TimeRange[0] = event.Timestamp
		}
		stats.TotalEvents++
		stats.EventTypes[event.Type]++
		stats.LastSeq = event.Seq
		if event.Timestamp < stats.TimeRange[0] {
			stats.TimeRange[0] = event.Timestamp
		}
		if event.Timestamp > stats.TimeRange[1] {
			stats.TimeRange[1] = event.Timestamp
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
