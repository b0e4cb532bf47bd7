// ============================================================================
// Raksha-Sync Connectivity Monitor - 連線狀態監控
// ============================================================================
//
// Package: internal/connectivity
// 文件: monitor.go
// 功能: 追蹤 online/offline 兩個狀態，在 offline→online 時觸發一次重放
//
// 狀態機:
//   offline --(signal online)--> online   : 通知 watcher，呼叫 Trigger
//   online  --(signal offline)--> offline : 只通知 watcher
//   重複的訊號忽略
//
// 觸發保證:
//   每次 offline→online 轉換只呼叫 Trigger 一次，與 watcher 數量無關。
//   Monitor 本身不輪詢，只消費 Source 的訊號
//
// ============================================================================

package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/raksha-sync/internal/metrics"
	"github.com/ChuLiYu/raksha-sync/pkg/types"
)

var (
	// ErrAlreadyStarted Start 被呼叫兩次
	ErrAlreadyStarted = errors.New("connectivity: monitor already started")
)

// Trigger offline→online 時呼叫（通常是 replay drain）
type Trigger func(ctx context.Context)

// Options Monitor 配置
type Options struct {
	Metrics     *metrics.Collector
	Logger      *slog.Logger
	Now         func() time.Time
	WatchBuffer int // 每個 watcher 的 channel 容量，預設 8
}

// Monitor 連線狀態監控器
type Monitor struct {
	src     Source
	trigger Trigger
	metrics *metrics.Collector
	log     *slog.Logger
	now     func() time.Time
	buffer  int

	mu       sync.Mutex
	online   bool
	started  bool
	watchers map[int]chan types.ConnectivityEvent
	nextID   int

	unsubscribe func()
	stopCh      chan struct{}
	stopOnce    sync.Once
	loopWg      sync.WaitGroup
}

// NewMonitor 建立監控器；trigger 可為 nil
func NewMonitor(src Source, trigger Trigger, opts Options) *Monitor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.WatchBuffer <= 0 {
		opts.WatchBuffer = 8
	}
	return &Monitor{
		src:      src,
		trigger:  trigger,
		metrics:  opts.Metrics,
		log:      opts.Logger.With("component", "connectivity"),
		now:      opts.Now,
		buffer:   opts.WatchBuffer,
		watchers: make(map[int]chan types.ConnectivityEvent),
		stopCh:   make(chan struct{}),
	}
}

// Start 以 Source 目前狀態初始化並開始消費訊號
//
// 啟動時即為 online 不會觸發 Trigger；是否在啟動時重放由呼叫方決定
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	// 先訂閱再讀取狀態，兩者之間的變化才不會遺失
	signals, unsubscribe := m.src.Subscribe()
	m.unsubscribe = unsubscribe
	m.online = m.src.Online()
	online := m.online
	m.mu.Unlock()

	m.metrics.SetOnline(online)
	m.log.Info("Connectivity monitor started", "online", online)

	m.loopWg.Add(1)
	go m.signalLoop(ctx, signals)
	return nil
}

// Stop 停止監控並等待進行中的 Trigger 結束
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.mu.Lock()
		if m.unsubscribe != nil {
			m.unsubscribe()
		}
		m.mu.Unlock()
	})
	m.loopWg.Wait()

	m.mu.Lock()
	for id, ch := range m.watchers {
		close(ch)
		delete(m.watchers, id)
	}
	m.mu.Unlock()
}

// Online 目前狀態
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Watch 訂閱狀態變化；watcher 讀取太慢時事件會被丟棄，不會阻塞監控器
func (m *Monitor) Watch() (<-chan types.ConnectivityEvent, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan types.ConnectivityEvent, m.buffer)
	m.watchers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if c, ok := m.watchers[id]; ok {
				close(c)
				delete(m.watchers, id)
			}
		})
	}
}

func (m *Monitor) signalLoop(ctx context.Context, signals <-chan bool) {
	defer m.loopWg.Done()
	for {
		select {
		case <-m.stopCh:
			m.log.Info("Connectivity monitor stopped")
			return
		case <-ctx.Done():
			m.log.Info("Connectivity monitor stopped", "reason", ctx.Err())
			return
		case v, ok := <-signals:
			if !ok {
				return
			}
			m.handle(ctx, v)
		}
	}
}

// handle 處理一個訊號
func (m *Monitor) handle(ctx context.Context, online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online

	event := types.ConnectivityEvent{Online: online, Transition: types.BecameOffline, At: m.now()}
	if online {
		event.Transition = types.BecameOnline
	}
	for _, ch := range m.watchers {
		select {
		case ch <- event:
		default:
			m.log.Debug("Watcher is slow, dropping connectivity event")
		}
	}
	m.mu.Unlock()

	m.metrics.SetOnline(online)
	m.metrics.RecordTransition(event.Transition)
	m.log.Info("Connectivity changed", "transition", event.Transition)

	if online && m.trigger != nil {
		m.loopWg.Add(1)
		go func() {
			defer m.loopWg.Done()
			m.trigger(ctx)
		}()
	}
}
