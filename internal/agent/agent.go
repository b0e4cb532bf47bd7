// ============================================================================
// Raksha-Sync Agent - 同步核心協調器
// ============================================================================
//
// Package: internal/agent
// 文件: agent.go
// 功能: 協調佇列、重放引擎、連線監控與身分，對外提供使用者動作
//
// 架構設計:
//   - Queue: 本地 mutation 佇列（outbox）
//   - Engine: 重放引擎
//   - Journal: mutation 稽核日誌（WAL）
//   - Online: 連線狀態（通常是 connectivity.Monitor）
//   - Identity: 目前使用者
//
// 使用者動作（direct-or-queue）:
//   1. 驗證載荷並填入目前使用者
//   2. 直接送往後端
//   3. 失敗時：
//      - 目前離線且錯誤可重試 → 放入佇列，回傳 OutcomeQueued
//      - 其他情況 → 錯誤回傳給呼叫方（UI 顯示 toast）
//
// 重放觸發:
//   - offline→online（由 Monitor 呼叫 Drain）
//   - app 回到前景（Resume）
//   - 啟動時若已 online（DrainOnStart）
//
// 啟動流程:
//   1. replayJournal() - 重放日誌，統計歷史事件
//   2. 若佇列有資料且 online，執行一次 Drain
//
// ============================================================================

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/raksha-sync/internal/gateway"
	"github.com/ChuLiYu/raksha-sync/internal/identity"
	"github.com/ChuLiYu/raksha-sync/internal/metrics"
	"github.com/ChuLiYu/raksha-sync/internal/outbox"
	"github.com/ChuLiYu/raksha-sync/internal/replay"
	"github.com/ChuLiYu/raksha-sync/internal/storage/wal"
	"github.com/ChuLiYu/raksha-sync/pkg/types"
)

// ErrStopped Agent 已停止
var ErrStopped = errors.New("agent: stopped")

// ============================================================================
// 資料結構定義
// ============================================================================

// Outcome 使用者動作的結果
type Outcome string

const (
	OutcomeSent   Outcome = "sent"   // 已送達後端
	OutcomeQueued Outcome = "queued" // 離線，已放入佇列
)

// Result 使用者動作結果；Record 只有在 OutcomeSent 時有值
type Result[R any] struct {
	Outcome    Outcome `json:"outcome"`
	MutationID string  `json:"mutationId,omitempty"`
	Record     *R      `json:"record,omitempty"`
}

// Connectivity 連線狀態
type Connectivity interface {
	Online() bool
}

// Config Agent 配置
type Config struct {
	DrainOnStart bool          // 啟動時若 online 且佇列非空就重放
	RotateAfter  uint64        // 佇列清空後，日誌事件數達此值就 rotate；0 表示不 rotate
	SendTimeout  time.Duration // 直接送出的逾時，預設 15s
}

// Deps Agent 依賴
type Deps struct {
	Queue    *outbox.Queue
	Engine   *replay.Engine
	Client   gateway.Client
	Identity identity.Provider
	Online   Connectivity
	Journal  *wal.WAL // 可為 nil
	Metrics  *metrics.Collector
	Logger   *slog.Logger
}

// JournalStats 啟動時從日誌統計的歷史
type JournalStats struct {
	Events    int    `json:"events"`
	Enqueued  int    `json:"enqueued"`
	Delivered int    `json:"delivered"`
	Failed    int    `json:"failed"`
	Dropped   int    `json:"dropped"`
	Cleared   int    `json:"cleared"`
	LastSeq   uint64 `json:"lastSeq"`
}

// Status 目前同步狀態
type Status struct {
	Online       bool                       `json:"online"`
	Pending      int                        `json:"pending"`
	PendingByKey map[types.MutationKind]int `json:"pendingByKind"`
	Draining     bool                       `json:"draining"`
	LastDrain    *types.DrainOutcome        `json:"lastDrain,omitempty"`
	LastDrainAt  *time.Time                 `json:"lastDrainAt,omitempty"`
	Journal      JournalStats               `json:"journal"`
}

// Agent 同步核心
type Agent struct {
	queue   *outbox.Queue
	engine  *replay.Engine
	client  gateway.Client
	ident   identity.Provider
	online  Connectivity
	journal *wal.WAL
	metrics *metrics.Collector
	log     *slog.Logger
	config  Config
	mu      sync.Mutex
	history JournalStats
	stopped bool
	drainWg sync.WaitGroup
	started time.Time
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 Agent
func New(cfg Config, deps Deps) (*Agent, error) {
	if deps.Queue == nil || deps.Engine == nil || deps.Client == nil {
		return nil, fmt.Errorf("agent: queue, engine and client are required")
	}
	if deps.Identity == nil {
		return nil, fmt.Errorf("agent: identity provider is required")
	}
	if deps.Online == nil {
		return nil, fmt.Errorf("agent: connectivity is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	return &Agent{
		queue:   deps.Queue,
		engine:  deps.Engine,
		client:  deps.Client,
		ident:   deps.Identity,
		online:  deps.Online,
		journal: deps.Journal,
		metrics: deps.Metrics,
		log:     deps.Logger.With("component", "agent"),
		config:  cfg,
	}, nil
}

// Start 重放日誌並視情況執行啟動重放
func (a *Agent) Start(ctx context.Context) error {
	a.started = time.Now()
	a.log.Info("Starting sync agent...")

	if err := a.replayJournal(); err != nil {
		// 日誌只用於稽核，損毀不阻止啟動
		a.log.Error("Journal replay failed", "error", err)
	}

	pending := a.queue.Len(ctx)
	a.log.Info("Sync agent started",
		"duration", time.Since(a.started),
		"pending", pending,
		"online", a.online.Online())

	if a.config.DrainOnStart && pending > 0 && a.online.Online() {
		a.Resume(ctx)
	}
	return nil
}

// replayJournal 統計日誌中的歷史事件
func (a *Agent) replayJournal() error {
	if a.journal == nil {
		return nil
	}
	var stats JournalStats
	err := a.journal.Replay(func(e wal.Event) error {
		stats.Events++
		switch e.Type {
		case wal.EventEnqueue:
			stats.Enqueued++
		case wal.EventDelivered:
			stats.Delivered++
		case wal.EventFailed:
			stats.Failed++
		case wal.EventDrop:
			stats.Dropped++
		case wal.EventClear:
			stats.Cleared++
		}
		return nil
	})
	stats.LastSeq = a.journal.GetLastSeq()

	a.mu.Lock()
	a.history = stats
	a.mu.Unlock()

	a.log.Info("Journal replayed",
		"events", stats.Events,
		"enqueued", stats.Enqueued,
		"delivered", stats.Delivered,
		"dropped", stats.Dropped)
	return err
}

// Stop 等待背景重放結束並關閉日誌
func (a *Agent) Stop() error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	a.mu.Unlock()

	a.log.Info("Stopping sync agent...")
	a.drainWg.Wait()

	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			return fmt.Errorf("agent: close journal: %w", err)
		}
	}
	a.log.Info("Sync agent stopped")
	return nil
}

// ============================================================================
// 使用者動作
// ============================================================================

// ReportIncident 回報事件
func (a *Agent) ReportIncident(ctx context.Context, p types.IncidentCreate) (Result[types.Incident], error) {
	user, err := a.ident.CurrentUser(ctx)
	if err != nil {
		return Result[types.Incident]{}, err
	}
	p.UserID = user
	return dispatch(ctx, a, p, a.client.CreateIncident)
}

// UpdateStatus 更新安全狀態
func (a *Agent) UpdateStatus(ctx context.Context, p types.StatusUpdate) (Result[types.User], error) {
	user, err := a.ident.CurrentUser(ctx)
	if err != nil {
		return Result[types.User]{}, err
	}
	p.UserID = user
	return dispatch(ctx, a, p, a.client.UpdateStatus)
}

// RaiseEmergencyAlert 發出緊急警報
func (a *Agent) RaiseEmergencyAlert(ctx context.Context, p types.EmergencyAlertCreate) (Result[types.EmergencyAlert], error) {
	user, err := a.ident.CurrentUser(ctx)
	if err != nil {
		return Result[types.EmergencyAlert]{}, err
	}
	p.UserID = user
	return dispatch(ctx, a, p, a.client.CreateEmergencyAlert)
}

// dispatch 先直接送出，離線且可重試時改為入列
func dispatch[P types.Payload, R any](ctx context.Context, a *Agent, p P, send func(context.Context, P) (*R, error)) (Result[R], error) {
	kind := p.Kind()
	if err := p.Validate(); err != nil {
		return Result[R]{}, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, a.config.SendTimeout)
	rec, err := send(sendCtx, p)
	cancel()
	if errors.Is(err, gateway.ErrDecodeResponse) {
		// 後端已接受，只是回傳的紀錄無法解析
		a.log.Warn("Sent but could not decode backend record", "kind", kind, "error", err)
		rec, err = nil, nil
	}
	if err == nil {
		a.metrics.RecordDirectSend(kind, string(OutcomeSent))
		return Result[R]{Outcome: OutcomeSent, Record: rec}, nil
	}

	if a.online.Online() || !gateway.IsTransient(err) {
		a.metrics.RecordDirectSend(kind, "error")
		a.log.Warn("Direct send failed", "kind", kind, "error", err)
		return Result[R]{}, err
	}

	id, qerr := a.queue.Enqueue(ctx, p)
	if qerr != nil {
		return Result[R]{}, fmt.Errorf("agent: queue %s: %w", kind, qerr)
	}
	a.metrics.RecordDirectSend(kind, string(OutcomeQueued))
	a.log.Info("Offline, mutation queued", "kind", kind, "mutationID", id)
	return Result[R]{Outcome: OutcomeQueued, MutationID: id}, nil
}

// ============================================================================
// 重放
// ============================================================================

// Drain 同步重放佇列，之後視情況 rotate 日誌
func (a *Agent) Drain(ctx context.Context) (types.DrainOutcome, error) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return types.DrainOutcome{}, ErrStopped
	}
	a.drainWg.Add(1)
	a.mu.Unlock()
	defer a.drainWg.Done()

	outcome, err := a.engine.Drain(ctx)
	if err != nil {
		return outcome, err
	}
	a.maybeRotate(ctx)
	return outcome, nil
}

// Resume app 回到前景時呼叫；在背景重放，不阻塞呼叫方
func (a *Agent) Resume(ctx context.Context) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.drainWg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.drainWg.Done()
		if _, err := a.engine.Drain(ctx); err != nil {
			if !errors.Is(err, replay.ErrDrainInProgress) {
				a.log.Error("Background drain failed", "error", err)
			}
			return
		}
		a.maybeRotate(ctx)
	}()
}

// OnReconnect 作為 connectivity.Trigger 使用
func (a *Agent) OnReconnect(ctx context.Context) {
	if _, err := a.Drain(ctx); err != nil && !errors.Is(err, replay.ErrDrainInProgress) {
		a.log.Error("Reconnect drain failed", "error", err)
	}
}

// maybeRotate 佇列清空且日誌夠長時 rotate
func (a *Agent) maybeRotate(ctx context.Context) {
	if a.journal == nil || a.config.RotateAfter == 0 {
		return
	}
	if a.journal.GetLastSeq() < a.config.RotateAfter || a.queue.HasPending(ctx) {
		return
	}
	if err := a.journal.Rotate(); err != nil {
		a.log.Error("Failed to rotate journal", "error", err)
		return
	}
	a.log.Info("Journal rotated")
}

// Status 目前同步狀態
func (a *Agent) Status(ctx context.Context) Status {
	snap := a.queue.Snapshot(ctx)

	a.mu.Lock()
	history := a.history
	a.mu.Unlock()
	if a.journal != nil {
		history.LastSeq = a.journal.GetLastSeq()
	}

	st := Status{
		Online:       a.online.Online(),
		Pending:      snap.Len(),
		PendingByKey: snap.Counts(),
		Draining:     a.engine.Running(),
		Journal:      history,
	}
	if outcome, at, ok := a.engine.LastOutcome(); ok {
		st.LastDrain = &outcome
		st.LastDrainAt = &at
	}
	return st
}

// Queue 底層佇列（CLI 的 enqueue 指令使用）
func (a *Agent) Queue() *outbox.Queue { return a.queue }
