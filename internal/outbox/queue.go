// ============================================================================
// Raksha-Sync 本地 Mutation 佇列
// ============================================================================
//
// Package: internal/outbox
// 文件: queue.go
// 功能: 裝置離線時暫存使用者動作（事件回報、狀態更新、緊急警報），
//       連線恢復後由 replay engine 取出送往後端
//
// 資料結構設計:
//   Snapshot 依種類分成三個桶，桶內依入列順序排列：
//   ├─ incidents        []Queued[IncidentCreate]
//   ├─ statusUpdates    []Queued[StatusUpdate]
//   └─ emergencyAlerts  []Queued[EmergencyAlertCreate]
//   整個 Snapshot 以單一 key 存放，每次變更都是 read-modify-write
//
// 項目生命週期:
//   Enqueue() ──→ 桶內等待
//      ↓ Commit(Delivered)     → 移除
//      ↓ Commit(Failed)        → 保留，attempts+1、記錄 lastError
//      ↓ Commit(Dropped)/超量   → 移除，日誌記錄 DROP
//
// 錯誤處理:
//   - 載荷驗證失敗是唯一會回傳給呼叫方的錯誤
//   - 讀取失敗或資料損壞 → 視為空佇列，記錄 log
//   - 寫入失敗 → 記錄 log 與 metrics，不回傳
//
// 並發安全:
//   - sync.Mutex 序列化同一行程內的所有 read-modify-write
//   - 跨行程共用同一個 key 時仍是 last-write-wins
//
// ============================================================================

package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/raksha-sync/internal/metrics"
	"github.com/ChuLiYu/raksha-sync/internal/storage/wal"
	"github.com/ChuLiYu/raksha-sync/pkg/types"
	"github.com/google/uuid"
)

// DefaultMaxPerKind 每個桶的預設上限
const DefaultMaxPerKind = 500

var (
	// ErrInvalidPayload 載荷未通過驗證
	ErrInvalidPayload = types.ErrInvalidPayload
	// ErrUnsupportedPayload 不認識的載荷型別
	ErrUnsupportedPayload = errors.New("outbox: unsupported payload type")
)

// Journal 佇列寫入審計日誌所需的方法，*wal.WAL 實作此介面
type Journal interface {
	Append(eventType wal.EventType, rec wal.Record, isForceFlush bool) error
}

// Options Queue 配置
type Options struct {
	MaxPerKind int                // 每個桶的上限，超過時淘汰最舊項目；<=0 使用預設值
	Journal    Journal            // 可選
	Metrics    *metrics.Collector // 可選
	Logger     *slog.Logger
	Now        func() time.Time
}

// Settlement 一次重放後要套用到佇列的結果，以項目 ID 對應
type Settlement struct {
	Delivered []string          // 已送達，移除
	Failed    map[string]string // 失敗但保留，值為錯誤訊息
	Dropped   map[string]string // 放棄，值為原因
}

// Empty 是否沒有任何要套用的結果
func (s Settlement) Empty() bool {
	return len(s.Delivered) == 0 && len(s.Failed) == 0 && len(s.Dropped) == 0
}

// Queue 本地 mutation 佇列
type Queue struct {
	mu      sync.Mutex
	store   Store
	max     int
	journal Journal
	metrics *metrics.Collector
	log     *slog.Logger
	now     func() time.Time
}

// New 建立佇列
func New(store Store, opts Options) *Queue {
	if opts.MaxPerKind <= 0 {
		opts.MaxPerKind = DefaultMaxPerKind
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{
		store:   store,
		max:     opts.MaxPerKind,
		journal: opts.Journal,
		metrics: opts.Metrics,
		log:     opts.Logger.With("component", "outbox"),
		now:     opts.Now,
	}
}

// Enqueue 驗證並加入一筆 mutation，回傳項目 ID
//
// 錯誤處理：
//   - ErrInvalidPayload: 載荷驗證失敗
//   - ErrUnsupportedPayload: 不認識的載荷型別
//
// 儲存失敗不會回傳錯誤
func (q *Queue) Enqueue(ctx context.Context, p types.Payload) (string, error) {
	p, ok := types.PayloadValue(p)
	if !ok {
		return "", fmt.Errorf("%w: nil payload", ErrUnsupportedPayload)
	}
	if err := p.Validate(); err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	snap := q.load(ctx)
	id := uuid.NewString()
	now := q.now().UTC()

	var evicted []wal.Record
	switch v := p.(type) {
	case types.IncidentCreate:
		snap.Incidents, evicted = appendBounded(snap.Incidents, types.Queued[types.IncidentCreate]{ID: id, EnqueuedAt: now, Payload: v}, q.max)
	case types.StatusUpdate:
		snap.StatusUpdates, evicted = appendBounded(snap.StatusUpdates, types.Queued[types.StatusUpdate]{ID: id, EnqueuedAt: now, Payload: v}, q.max)
	case types.EmergencyAlertCreate:
		snap.EmergencyAlerts, evicted = appendBounded(snap.EmergencyAlerts, types.Queued[types.EmergencyAlertCreate]{ID: id, EnqueuedAt: now, Payload: v}, q.max)
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupportedPayload, p)
	}

	q.save(ctx, snap)

	q.record(wal.EventEnqueue, wal.Record{MutationID: id, Kind: p.Kind()})
	q.metrics.RecordEnqueue(p.Kind())
	for _, r := range evicted {
		q.record(wal.EventDrop, r)
		q.metrics.RecordDropped(r.Kind, "evicted")
		q.log.Warn("Queue bucket full, evicted oldest mutation",
			"kind", r.Kind, "mutationID", r.MutationID, "max", q.max)
	}

	q.log.Info("Mutation queued", "kind", p.Kind(), "mutationID", id)
	return id, nil
}

// Snapshot 回傳目前佇列內容，讀取失敗時回傳空快照
func (q *Queue) Snapshot(ctx context.Context) types.Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

// Clear 清空整個佇列
func (q *Queue) Clear(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.Clear(ctx); err != nil {
		q.metrics.RecordStorageError("clear")
		q.log.Error("Failed to clear queue", "error", err)
		return
	}
	q.record(wal.EventClear, wal.Record{})
	q.updateDepth(types.EmptySnapshot())
	q.log.Info("Queue cleared")
}

// Commit 將重放結果套用到最新的佇列內容
//
// 以項目 ID 比對，因此重放期間新加入的項目不受影響；
// 已不在佇列中的 ID 會被忽略
func (q *Queue) Commit(ctx context.Context, s Settlement) {
	if s.Empty() {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	delivered := make(map[string]bool, len(s.Delivered))
	for _, id := range s.Delivered {
		delivered[id] = true
	}

	snap := q.load(ctx)
	var events []journalEntry
	snap.Incidents = settle(snap.Incidents, delivered, s, &events)
	snap.StatusUpdates = settle(snap.StatusUpdates, delivered, s, &events)
	snap.EmergencyAlerts = settle(snap.EmergencyAlerts, delivered, s, &events)

	q.save(ctx, snap)
	for _, e := range events {
		q.record(e.typ, e.rec)
	}
}

// Len 佇列中的項目總數
func (q *Queue) Len(ctx context.Context) int {
	return q.Snapshot(ctx).Len()
}

// HasPending 是否有等待重放的項目
func (q *Queue) HasPending(ctx context.Context) bool {
	return q.Len(ctx) > 0
}

// ============================================================================
// 內部輔助方法
// ============================================================================

// load 假設調用者已經持有 q.mu 鎖
func (q *Queue) load(ctx context.Context) types.Snapshot {
	snap, err := q.store.Load(ctx)
	if err != nil {
		q.metrics.RecordStorageError("load")
		q.log.Error("Failed to load queue, treating as empty", "error", err)
		return types.EmptySnapshot()
	}
	snap.Normalize()
	return snap
}

// save 假設調用者已經持有 q.mu 鎖
func (q *Queue) save(ctx context.Context, snap types.Snapshot) {
	if err := q.store.Save(ctx, snap); err != nil {
		q.metrics.RecordStorageError("save")
		q.log.Error("Failed to persist queue", "error", err)
		return
	}
	q.updateDepth(snap)
}

func (q *Queue) updateDepth(snap types.Snapshot) {
	for kind, n := range snap.Counts() {
		q.metrics.SetQueueDepth(kind, n)
	}
}

func (q *Queue) record(t wal.EventType, r wal.Record) {
	if q.journal == nil {
		return
	}
	if err := q.journal.Append(t, r, t != wal.EventEnqueue); err != nil {
		q.log.Warn("Failed to append journal event", "type", t, "mutationID", r.MutationID, "error", err)
	}
}

type journalEntry struct {
	typ wal.EventType
	rec wal.Record
}

// appendBounded 追加項目，超過上限時從最舊的開始淘汰
func appendBounded[P types.Payload](items []types.Queued[P], item types.Queued[P], limit int) ([]types.Queued[P], []wal.Record) {
	items = append(items, item)
	var evicted []wal.Record
	for len(items) > limit {
		old := items[0]
		evicted = append(evicted, wal.Record{MutationID: old.ID, Kind: old.Payload.Kind(), Attempt: old.Attempts, Detail: "evicted"})
		items = items[1:]
	}
	return items, evicted
}

// settle 套用單一桶的重放結果，保持原有順序
func settle[P types.Payload](items []types.Queued[P], delivered map[string]bool, s Settlement, events *[]journalEntry) []types.Queued[P] {
	kept := make([]types.Queued[P], 0, len(items))
	for _, item := range items {
		rec := wal.Record{MutationID: item.ID, Kind: item.Payload.Kind(), Attempt: item.Attempts}

		if delivered[item.ID] {
			*events = append(*events, journalEntry{wal.EventDelivered, rec})
			continue
		}
		if reason, ok := s.Dropped[item.ID]; ok {
			rec.Detail = reason
			*events = append(*events, journalEntry{wal.EventDrop, rec})
			continue
		}
		if msg, ok := s.Failed[item.ID]; ok {
			item.Attempts++
			item.LastError = msg
			rec.Attempt = item.Attempts
			rec.Detail = msg
			*events = append(*events, journalEntry{wal.EventFailed, rec})
		}
		kept = append(kept, item)
	}
	return kept
}
