// ============================================================================
// Raksha-Sync Shell Registration - 快取控制器註冊與事件循環
// ============================================================================
//
// Package: internal/shell
// 文件: registration.go
// 功能: 管理 active / waiting 兩個 Worker，並在單一 goroutine 中處理事件
//
// 事件:
//   - register     : 安裝新版本；第一個版本立即啟用，其餘進入 waiting
//                    （SkipWaiting=true 時一律立即啟用）
//   - message      : {type:"SKIP_WAITING"} 立即啟用 waiting 版本
//   - push         : 顯示通知
//   - click        : explore / 預設動作開啟 "/"，close 只關閉
//
// 請求路由:
//   ServeHTTP 透過 active Worker 處理；沒有 active 時直接轉發到網路。
//   啟用後所有後續請求立即改由新版本處理（claim）
//
// ============================================================================

package shell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/raksha-sync/internal/metrics"
)

// MessageSkipWaiting 控制訊息類型
const MessageSkipWaiting = "SKIP_WAITING"

var (
	// ErrRegistrationStopped 事件循環已停止
	ErrRegistrationStopped = errors.New("shell: registration stopped")
	// ErrUnknownMessage 不支援的控制訊息
	ErrUnknownMessage = errors.New("shell: unknown message type")
)

// Message 主程式送給快取控制器的控制訊息
type Message struct {
	Type string `json:"type"`
}

// RegistrationOptions Registration 配置
type RegistrationOptions struct {
	SkipWaiting bool         // 新版本安裝後立即啟用
	Passthrough Fetcher      // 沒有 active Worker 時使用，預設 http.DefaultClient
	Origin      string       // 應用來源，必填
	Notifier    Notifier     // 預設 LogNotifier
	Opener      WindowOpener // 預設 LogOpener
	QueueSize   int          // 事件佇列容量，預設 16
	Now         func() time.Time
	Metrics     *metrics.Collector
	Logger      *slog.Logger
}

type eventKind int

const (
	evRegister eventKind = iota
	evMessage
	evPush
	evClick
)

type event struct {
	kind   eventKind
	worker *Worker
	msg    Message
	data   []byte
	action string
	ctx    context.Context
	reply  chan error
}

// Registration 快取控制器註冊
type Registration struct {
	opts     RegistrationOptions
	log      *slog.Logger
	fallback *Worker // 沒有 active 時的轉發用 Worker（不使用快取）

	active  atomic.Pointer[Worker]
	waiting *Worker // 只在事件循環中存取

	events   chan event
	stopCh   chan struct{}
	stopOnce sync.Once
	loopWg   sync.WaitGroup
}

// NewRegistration 建立註冊
func NewRegistration(opts RegistrationOptions) (*Registration, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = LogNotifier{Logger: opts.Logger}
	}
	if opts.Opener == nil {
		opts.Opener = LogOpener{Logger: opts.Logger}
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	fallback, err := NewWorker(WorkerOptions{
		CacheName: "passthrough",
		Manifest:  []string{},
		Origin:    opts.Origin,
		Fetcher:   opts.Passthrough,
		Storage:   noStorage{},
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &Registration{
		opts:     opts,
		log:      opts.Logger.With("component", "shell-registration"),
		fallback: fallback,
		events:   make(chan event, opts.QueueSize),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start 啟動事件循環
func (r *Registration) Start(ctx context.Context) {
	r.loopWg.Add(1)
	go r.eventLoop(ctx)
}

// Stop 停止事件循環
func (r *Registration) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.loopWg.Wait()
}

// Active 目前處理請求的 Worker，可能為 nil
func (r *Registration) Active() *Worker { return r.active.Load() }

// Register 安裝新版本並等待結果
func (r *Registration) Register(ctx context.Context, w *Worker) error {
	return r.send(ctx, event{kind: evRegister, worker: w})
}

// PostMessage 送出控制訊息並等待處理完成
func (r *Registration) PostMessage(ctx context.Context, msg Message) error {
	return r.send(ctx, event{kind: evMessage, msg: msg})
}

// HandlePush 顯示推播通知；空資料忽略
func (r *Registration) HandlePush(ctx context.Context, data []byte) error {
	return r.send(ctx, event{kind: evPush, data: data})
}

// HandleNotificationClick 處理通知點擊
func (r *Registration) HandleNotificationClick(ctx context.Context, action string) error {
	return r.send(ctx, event{kind: evClick, action: action})
}

func (r *Registration) send(ctx context.Context, ev event) error {
	ev.ctx = ctx
	ev.reply = make(chan error, 1)

	select {
	case r.events <- ev:
	case <-r.stopCh:
		return ErrRegistrationStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-ev.reply:
		return err
	case <-r.stopCh:
		return ErrRegistrationStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registration) eventLoop(ctx context.Context) {
	defer r.loopWg.Done()
	for {
		select {
		case <-r.stopCh:
			r.log.Info("Registration event loop stopped")
			return
		case <-ctx.Done():
			r.log.Info("Registration event loop stopped", "reason", ctx.Err())
			return
		case ev := <-r.events:
			ev.reply <- r.handle(ev)
		}
	}
}

func (r *Registration) handle(ev event) error {
	switch ev.kind {
	case evRegister:
		return r.register(ev.ctx, ev.worker)
	case evMessage:
		return r.message(ev.ctx, ev.msg)
	case evPush:
		return r.push(ev.ctx, ev.data)
	case evClick:
		return r.click(ev.ctx, ev.action)
	}
	return fmt.Errorf("shell: unknown event %d", ev.kind)
}

func (r *Registration) register(ctx context.Context, w *Worker) error {
	if err := w.Install(ctx); err != nil {
		return err
	}
	if r.active.Load() == nil || r.opts.SkipWaiting {
		return r.activate(ctx, w)
	}
	if r.waiting != nil {
		r.waiting.setState(StateRedundant)
	}
	r.waiting = w
	r.log.Info("New version waiting", "cache", w.CacheName())
	return nil
}

func (r *Registration) activate(ctx context.Context, w *Worker) error {
	if err := w.Activate(ctx); err != nil {
		return err
	}
	if old := r.active.Swap(w); old != nil && old != w {
		old.setState(StateRedundant)
	}
	if r.waiting == w {
		r.waiting = nil
	}
	r.log.Info("Version activated", "cache", w.CacheName())
	return nil
}

func (r *Registration) message(ctx context.Context, msg Message) error {
	if msg.Type != MessageSkipWaiting {
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
	if r.waiting == nil {
		r.log.Debug("SKIP_WAITING with no waiting version")
		return nil
	}
	return r.activate(ctx, r.waiting)
}

func (r *Registration) push(ctx context.Context, data []byte) error {
	p, ok, err := ParsePush(data)
	if err != nil || !ok {
		return err
	}
	r.opts.Metrics.RecordPushReceived()
	return r.opts.Notifier.Show(ctx, BuildNotification(p, r.opts.Now()))
}

func (r *Registration) click(ctx context.Context, action string) error {
	if action == ActionClose {
		return nil
	}
	return r.opts.Opener.OpenWindow(ctx, "/")
}

// ServeHTTP 透過 active Worker 處理請求
func (r *Registration) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	handler := r.active.Load()
	if handler == nil {
		handler = r.fallback
	}

	resp, err := handler.Fetch(req.Context(), req)
	switch {
	case errors.Is(err, ErrRequestTooLarge):
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	case errors.Is(err, ErrResponseTooLarge):
		r.log.Warn("Upstream response too large", "path", req.URL.Path, "error", err)
		http.Error(w, "upstream response too large", http.StatusBadGateway)
		return
	case err != nil:
		r.log.Debug("Fetch failed", "path", req.URL.Path, "error", err)
		http.Error(w, "network unavailable", http.StatusBadGateway)
		return
	}
	resp.Write(w)
}

// noStorage 轉發用的空 storage，從不命中也不保存
type noStorage struct{}

func (noStorage) Open(string) (Cache, error) { return noCache{}, nil }
func (noStorage) Has(string) bool { return false }
func (noStorage) Keys() []string { return nil }
func (noStorage) Delete(string) bool { return false }

type noCache struct{}

func (noCache) Match(string) (*CachedResponse, bool) { return nil, false }
func (noCache) Put(string, *CachedResponse) error { return nil }
func (noCache) Keys() []string { return nil }
