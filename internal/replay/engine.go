// ============================================================================
// Raksha-Sync Replay Engine - 離線佇列重放
// ============================================================================
//
// Package: internal/replay
// 文件: engine.go
// 功能: 連線恢復（或 app 回到前景）時，把本地佇列中的 mutation 依序送往後端
//
// 重放流程:
//   1. 讀取佇列快照
//   2. 每個桶一條 lane（errgroup 並行），lane 內依入列順序逐一送出並等待結果
//   3. 收集每個項目的結果：
//      - 成功              → Delivered
//      - 過期 / 超過次數     → Dropped
//      - 後端明確拒絕 (4xx)  → Dropped
//      - 其他失敗           → Failed（保留，attempts+1）
//   4. 以 Commit 一次套用到最新的佇列內容（重放期間新加入的項目不受影響）
//
// 失敗隔離:
//   單一項目失敗只記錄 log 與 metrics，不會中斷 lane，也不影響其他 lane
//
// 取消語意:
//   重放不受呼叫方 context 取消影響（context.WithoutCancel），
//   每個遠端呼叫有自己的 ItemTimeout
//
// 並發:
//   同一時間只允許一個重放，重疊的呼叫立即回傳 ErrDrainInProgress，
//   並要求進行中的重放結束前再跑一輪（期間入列的項目才不會擱置到下次連線）
//
// ============================================================================

package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/raksha-sync/internal/gateway"
	"github.com/ChuLiYu/raksha-sync/internal/metrics"
	"github.com/ChuLiYu/raksha-sync/internal/outbox"
	"github.com/ChuLiYu/raksha-sync/pkg/types"
	"golang.org/x/sync/errgroup"
)

// ErrDrainInProgress 已有重放在進行中
var ErrDrainInProgress = errors.New("replay: drain already in progress")

// Drop reasons
const (
	ReasonExpired     = "expired"
	ReasonMaxAttempts = "max_attempts"
	ReasonRejected    = "rejected"
)

// Policy 重放策略
type Policy struct {
	MaxAttempts int           // 失敗次數達到此值即丟棄，<=0 表示不限
	MaxAge      time.Duration // 入列超過此時間即丟棄，<=0 表示不限
	ItemTimeout time.Duration // 單一遠端呼叫逾時
}

// DefaultPolicy 預設策略：5 次、7 天、每筆 15 秒
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		MaxAge:      7 * 24 * time.Hour,
		ItemTimeout: 15 * time.Second,
	}
}

// Queue 重放需要的佇列操作，*outbox.Queue 實作此介面
type Queue interface {
	Snapshot(ctx context.Context) types.Snapshot
	Commit(ctx context.Context, s outbox.Settlement)
}

// Options Engine 配置
type Options struct {
	Policy  Policy
	Metrics *metrics.Collector
	Logger  *slog.Logger
	Now     func() time.Time
}

// Engine 重放引擎
type Engine struct {
	queue   Queue
	client  gateway.Client
	policy  Policy
	metrics *metrics.Collector
	log     *slog.Logger
	now     func() time.Time

	running atomic.Bool
	rerun   atomic.Bool // 重放期間有呼叫被拒，結束前需再跑一輪

	mu        sync.Mutex
	last      types.DrainOutcome
	lastAt    time.Time
	drainedOK bool
}

// New 建立重放引擎
func New(q Queue, c gateway.Client, opts Options) *Engine {
	if opts.Policy.ItemTimeout <= 0 {
		opts.Policy.ItemTimeout = DefaultPolicy().ItemTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		queue:   q,
		client:  c,
		policy:  opts.Policy,
		metrics: opts.Metrics,
		log:     opts.Logger.With("component", "replay"),
		now:     opts.Now,
	}
}

// Drain 重放整個佇列
//
// 返回值：
//   - types.DrainOutcome: 成功、失敗（保留）、丟棄的數量；含追加的輪次
//   - error: 只有 ErrDrainInProgress；項目層級的失敗不會回傳
func (e *Engine) Drain(ctx context.Context) (types.DrainOutcome, error) {
	if !e.running.CompareAndSwap(false, true) {
		e.rerun.Store(true)
		e.log.Debug("Drain already running, requested another pass")
		return types.DrainOutcome{}, ErrDrainInProgress
	}

	ctx = context.WithoutCancel(ctx)
	start := e.now()

	var total types.DrainOutcome
	for {
		e.rerun.Store(false)
		outcome := e.drainOnce(ctx)
		total.Succeeded += outcome.Succeeded
		total.Failed += outcome.Failed
		total.Dropped += outcome.Dropped
		if e.rerun.Load() {
			e.log.Info("Running another drain pass requested during replay")
			continue
		}
		e.running.Store(false)
		// Load 與 Store 之間被拒的呼叫也要補跑；若已有新的重放接手則交給它
		if !e.rerun.Load() || !e.running.CompareAndSwap(false, true) {
			break
		}
	}

	total.Duration = e.now().Sub(start)
	e.remember(total)
	return total, nil
}

// drainOnce 重放一次快照並套用結果
func (e *Engine) drainOnce(ctx context.Context) types.DrainOutcome {
	start := e.now()

	snap := e.queue.Snapshot(ctx)
	if snap.Len() == 0 {
		return types.DrainOutcome{Duration: e.now().Sub(start)}
	}

	e.log.Info("Draining offline queue",
		"incidents", len(snap.Incidents),
		"statusUpdates", len(snap.StatusUpdates),
		"emergencyAlerts", len(snap.EmergencyAlerts))

	// 三條 lane 並行，lane 內逐一送出
	var lanes [3]laneResult
	var g errgroup.Group
	g.Go(func() error { lanes[0] = replayLane(ctx, e, snap.Incidents); return nil })
	g.Go(func() error { lanes[1] = replayLane(ctx, e, snap.StatusUpdates); return nil })
	g.Go(func() error { lanes[2] = replayLane(ctx, e, snap.EmergencyAlerts); return nil })
	_ = g.Wait()

	settlement := outbox.Settlement{
		Failed:  make(map[string]string),
		Dropped: make(map[string]string),
	}
	var outcome types.DrainOutcome
	for _, l := range lanes {
		settlement.Delivered = append(settlement.Delivered, l.delivered...)
		for id, msg := range l.failed {
			settlement.Failed[id] = msg
		}
		for id, reason := range l.dropped {
			settlement.Dropped[id] = reason
		}
		outcome.Succeeded += len(l.delivered)
		outcome.Failed += len(l.failed)
		outcome.Dropped += len(l.dropped)
	}

	e.queue.Commit(ctx, settlement)

	outcome.Duration = e.now().Sub(start)
	e.metrics.ObserveDrain(outcome)

	e.log.Info("Drain finished",
		"succeeded", outcome.Succeeded,
		"failed", outcome.Failed,
		"dropped", outcome.Dropped,
		"duration", outcome.Duration)
	return outcome
}

// Running 是否正在重放
func (e *Engine) Running() bool {
	return e.running.Load()
}

// LastOutcome 最近一次重放的結果與完成時間；ok=false 表示尚未重放過
func (e *Engine) LastOutcome() (outcome types.DrainOutcome, at time.Time, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last, e.lastAt, e.drainedOK
}

func (e *Engine) remember(outcome types.DrainOutcome) {
	e.mu.Lock()
	e.last = outcome
	e.lastAt = e.now()
	e.drainedOK = true
	e.mu.Unlock()
}

type laneResult struct {
	delivered []string
	failed    map[string]string
	dropped   map[string]string
}

// replayLane 依序送出同一個桶的項目
func replayLane[P types.Payload](ctx context.Context, e *Engine, items []types.Queued[P]) laneResult {
	r := laneResult{failed: make(map[string]string), dropped: make(map[string]string)}

	for _, item := range items {
		kind := item.Payload.Kind()
		log := e.log.With("kind", kind, "mutationID", item.ID, "attempts", item.Attempts)

		if e.policy.MaxAge > 0 && e.now().Sub(item.EnqueuedAt) > e.policy.MaxAge {
			r.dropped[item.ID] = ReasonExpired
			e.metrics.RecordDropped(kind, ReasonExpired)
			log.Warn("Dropping expired mutation", "enqueuedAt", item.EnqueuedAt)
			continue
		}
		if e.policy.MaxAttempts > 0 && item.Attempts >= e.policy.MaxAttempts {
			r.dropped[item.ID] = ReasonMaxAttempts
			e.metrics.RecordDropped(kind, ReasonMaxAttempts)
			log.Warn("Dropping mutation out of attempts")
			continue
		}
		if kind == types.KindStatusUpdate {
			// 狀態更新採 last-write-wins，其他裝置的較新狀態會被覆蓋
			log.Debug("Replaying status update", "enqueuedAt", item.EnqueuedAt)
		}

		itemCtx, cancel := context.WithTimeout(ctx, e.policy.ItemTimeout)
		err := gateway.Send(itemCtx, e.client, item.Payload)
		cancel()

		if err == nil {
			r.delivered = append(r.delivered, item.ID)
			e.metrics.RecordDelivered(kind)
			log.Debug("Mutation delivered")
			continue
		}

		e.metrics.RecordFailed(kind)
		attempts := item.Attempts + 1

		var se *gateway.StatusError
		switch {
		case errors.As(err, &se) && !gateway.IsTransient(err):
			r.dropped[item.ID] = fmt.Sprintf("%s: %v", ReasonRejected, err)
			e.metrics.RecordDropped(kind, ReasonRejected)
			log.Warn("Backend rejected mutation, dropping", "error", err)
		case e.policy.MaxAttempts > 0 && attempts >= e.policy.MaxAttempts:
			r.dropped[item.ID] = fmt.Sprintf("%s: %v", ReasonMaxAttempts, err)
			e.metrics.RecordDropped(kind, ReasonMaxAttempts)
			log.Warn("Mutation failed for the last time, dropping", "error", err)
		default:
			r.failed[item.ID] = err.Error()
			log.Warn("Mutation replay failed, will retry", "error", err)
		}
	}
	return r
}
