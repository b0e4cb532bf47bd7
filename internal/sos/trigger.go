// Package sos 實作 SOS 長按觸發
//
// 按下後開始計時（預設 3 秒），放開或離開按鈕會取消；計時到期時送出一次
// 緊急警報，之後進入冷卻（預設 5 秒），冷卻中的按壓一律忽略
package sos

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/raksha-sync/internal/metrics"
	"github.com/ChuLiYu/raksha-sync/pkg/types"
)

// 預設值
const (
	DefaultHold         = 3 * time.Second
	DefaultCooldown     = 5 * time.Second
	LocationUnavailable = "Location unavailable"
)

// DefaultContacts 預設的緊急聯絡人
func DefaultContacts() []string {
	return []string{"+919876543211", "+919876543212"}
}

// State 按鈕狀態
type State string

const (
	StateIdle      State = "idle"
	StatePressed   State = "pressed"
	StateFiring    State = "firing"
	StateActivated State = "activated" // 冷卻中
)

// SendFunc 送出緊急警報；通常是 agent.RaiseEmergencyAlert 的包裝
type SendFunc func(ctx context.Context, alert types.EmergencyAlertCreate) error

// LocationFunc 取得目前位置；回傳空字串表示無法取得
type LocationFunc func() string

// Options Trigger 配置
type Options struct {
	Hold     time.Duration
	Cooldown time.Duration
	Contacts []string
	Location LocationFunc
	Metrics  *metrics.Collector
	Logger   *slog.Logger
}

// Trigger 長按觸發器
type Trigger struct {
	send     SendFunc
	hold     time.Duration
	cooldown time.Duration
	contacts []string
	location LocationFunc
	metrics  *metrics.Collector
	log      *slog.Logger

	mu      sync.Mutex
	state   State
	timer   *time.Timer
	reset   *time.Timer
	gen     uint64 // 每次按下遞增，讓過期的 timer callback 失效
	lastErr error
	wg      sync.WaitGroup
}

// New 建立 Trigger
func New(send SendFunc, opts Options) *Trigger {
	if opts.Hold <= 0 {
		opts.Hold = DefaultHold
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.Contacts == nil {
		opts.Contacts = DefaultContacts()
	}
	if opts.Location == nil {
		opts.Location = func() string { return "" }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Trigger{
		send:     send,
		hold:     opts.Hold,
		cooldown: opts.Cooldown,
		contacts: opts.Contacts,
		location: opts.Location,
		metrics:  opts.Metrics,
		log:      opts.Logger.With("component", "sos"),
		state:    StateIdle,
	}
}

// Press 按下按鈕；只有 idle 時有效
func (t *Trigger) Press(ctx context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateIdle {
		return false
	}
	t.state = StatePressed
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(t.hold, func() { t.fire(ctx, gen) })
	return true
}

// Release 放開按鈕；計時未到則取消
func (t *Trigger) Release() { t.cancel() }

// Leave 手指或游標離開按鈕，效果與 Release 相同
func (t *Trigger) Leave() { t.cancel() }

func (t *Trigger) cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StatePressed {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
	t.state = StateIdle
}

func (t *Trigger) fire(ctx context.Context, gen uint64) {
	t.mu.Lock()
	if t.state != StatePressed || t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.state = StateFiring
	t.timer = nil
	t.wg.Add(1)
	t.mu.Unlock()
	defer t.wg.Done()

	loc := t.location()
	if loc == "" {
		loc = LocationUnavailable
	}
	alert := types.EmergencyAlertCreate{
		Location:        loc,
		AlertedContacts: append([]string(nil), t.contacts...),
	}

	t.metrics.RecordSOS()
	err := t.send(ctx, alert)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastErr = err
	if err != nil {
		// 失敗時可以立即重試
		t.log.Error("Emergency alert failed", "error", err)
		t.state = StateIdle
		return
	}
	t.log.Warn("Emergency alert sent", "location", loc, "contacts", len(alert.AlertedContacts))
	t.state = StateActivated
	t.reset = time.AfterFunc(t.cooldown, func() {
		t.mu.Lock()
		if t.state == StateActivated {
			t.state = StateIdle
		}
		t.mu.Unlock()
	})
}

// State 目前狀態
func (t *Trigger) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LastError 最近一次送出的錯誤
func (t *Trigger) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// Close 取消計時並等待進行中的送出完成
func (t *Trigger) Close() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.reset != nil {
		t.reset.Stop()
	}
	t.gen++
	if t.state == StatePressed {
		t.state = StateIdle
	}
	t.mu.Unlock()
	t.wg.Wait()
}
