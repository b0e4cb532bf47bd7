// ============================================================================
// Raksha-Sync Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期和任務分發
//
// 使用者:
//   shell 安裝階段以固定數量的 Worker 並行預先抓取 manifest 資源
//
// 架構組件:
//   ┌─────────────┐
//   │  Installer  │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool(exec, bufferSize) - 創建 Pool
//   2. Start(ctx, n) - 啟動 n 個 Worker goroutines
//   3. Submit(task) / ReceiveResult()
//   4. Stop() - 關閉 stopCh，等待所有 Worker 退出
//
// 關閉:
//   taskCh 永遠不關閉，Worker 與 Submit 都以 stopCh 判斷是否停止，
//   因此 Submit 與 Stop 並發時不會向已關閉的 channel 發送
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted Start 被重複呼叫
	ErrPoolStarted = errors.New("worker pool already started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	exec     Executor       // 任務執行邏輯
	workers  []*Worker      // Worker 列表
	taskCh   chan Task      // 任務通道
	resultCh chan Result    // 結果通道
	stopCh   chan struct{}  // 停止訊號
	wg       sync.WaitGroup // 等待所有 Worker 完成
	started  bool           // Pool 是否已啟動
	stopped  bool           // Pool 是否已停止
	mu       sync.Mutex     // 保護 started 和 stopped 狀態
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - exec: 執行任務的邏輯
//   - bufferSize: 任務和結果通道的緩衝大小
func NewPool(exec Executor, bufferSize int) *Pool {
	return &Pool{
		exec:     exec,
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start 啟動指定數量的 Worker；ctx 是所有任務 context 的父 context
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if workerCount <= 0 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.exec, p.taskCh, p.resultCh, p.stopCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}

	p.started = true
	return nil
}

// Submit 提交任務到 Worker Pool；緩衝滿時阻塞直到有空位或 Pool 停止
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult 從結果通道接收執行結果
func (p *Pool) ReceiveResult() (Result, error) {
	select {
	case result := <-p.resultCh:
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	}
}

// Stop 關閉 Worker Pool 並等待所有 Worker 退出；未處理的任務被丟棄
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// RunAll 以 workerCount 個 Worker 執行所有任務並回傳依提交順序排列的結果
func RunAll(ctx context.Context, exec Executor, workerCount int, tasks []Task) []Result {
	if len(tasks) == 0 {
		return nil
	}
	pool := NewPool(exec, len(tasks))
	if err := pool.Start(ctx, workerCount); err != nil {
		return nil
	}
	defer pool.Stop()

	index := make(map[string]int, len(tasks))
	for i, t := range tasks {
		index[t.ID] = i
		if err := pool.Submit(t); err != nil {
			return nil
		}
	}

	results := make([]Result, len(tasks))
	for range tasks {
		r, err := pool.ReceiveResult()
		if err != nil {
			break
		}
		results[index[r.TaskID]] = r
	}
	return results
}
