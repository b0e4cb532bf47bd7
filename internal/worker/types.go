package worker

import (
	"context"
	"time"
)

// Task 代表要執行的任務
type Task struct {
	ID      string        // 任務唯一識別碼
	Target  string        // 任務目標（例如要預先抓取的路徑）
	Timeout time.Duration // 執行超時時間，<=0 表示不限
}

// Result 代表任務執行結果
type Result struct {
	TaskID   string        // 任務 ID
	Target   string        // 任務目標
	Success  bool          // 執行是否成功
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}

// Executor 執行單一任務
type Executor interface {
	Execute(ctx context.Context, task Task) error
}

// ExecutorFunc 讓普通函式實作 Executor
type ExecutorFunc func(ctx context.Context, task Task) error

func (f ExecutorFunc) Execute(ctx context.Context, task Task) error { return f(ctx, task) }
