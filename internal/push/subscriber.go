// ============================================================================
// Raksha-Sync Push Subscriber - 推播訂閱
// ============================================================================
//
// Package: internal/push
// 文件: subscriber.go
// 功能: 透過 websocket 接收推播內容並交給快取控制器顯示通知
//
// 連線流程:
//   1. Dial {url}（http/https 自動轉成 ws/wss），帶 Bearer token
//   2. 每個文字訊息原樣交給 Handler.HandlePush
//   3. 連線中斷後以指數退避重連（加上抖動），連線超過 60 秒則退避歸零
//
// ============================================================================

package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ErrAlreadyStarted 訂閱已啟動
var ErrAlreadyStarted = errors.New("push: subscriber already started")

// Handler 接收推播資料
type Handler interface {
	HandlePush(ctx context.Context, data []byte) error
}

// HandlerFunc 函式形式的 Handler
type HandlerFunc func(ctx context.Context, data []byte) error

func (f HandlerFunc) HandlePush(ctx context.Context, data []byte) error { return f(ctx, data) }

// TokenFunc 取得連線用的 token；回傳空字串則不帶 Authorization
type TokenFunc func(ctx context.Context) (string, error)

// Options Subscriber 配置
type Options struct {
	URL       string
	Token     TokenFunc
	BaseDelay time.Duration // 預設 1s
	MaxDelay  time.Duration // 預設 30s
	ReadLimit int64         // 單一訊息上限，預設 64KB
	Logger    *slog.Logger
}

// Subscriber 推播訂閱者
type Subscriber struct {
	url     string
	handler Handler
	token   TokenFunc
	backoff *backoff
	limit   int64
	log     *slog.Logger

	mu        sync.Mutex
	started   bool
	connected bool
	cancel    context.CancelFunc
	loopWg    sync.WaitGroup
}

// NewSubscriber 建立 Subscriber
func NewSubscriber(h Handler, opts Options) *Subscriber {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 64 << 10
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Subscriber{
		url:     wsURL(opts.URL),
		handler: h,
		token:   opts.Token,
		backoff: &backoff{base: opts.BaseDelay, max: opts.MaxDelay},
		limit:   opts.ReadLimit,
		log:     opts.Logger.With("component", "push"),
	}
}

// Start 在背景維持連線
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.loopWg.Add(1)
	go s.run(ctx)
	return nil
}

// Stop 關閉連線並等待背景 goroutine 結束
func (s *Subscriber) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.loopWg.Wait()
}

// Connected 目前是否已連線
func (s *Subscriber) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Subscriber) run(ctx context.Context) {
	defer s.loopWg.Done()
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			s.log.Info("Push subscriber stopped")
			return
		}

		delay := s.backoff.next()
		s.log.Warn("Push connection lost, reconnecting", "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			s.log.Info("Push subscriber stopped")
			return
		case <-time.After(delay):
		}
	}
}

// session 建立一次連線並讀取直到中斷
func (s *Subscriber) session(ctx context.Context) error {
	header := http.Header{}
	if s.token != nil {
		tok, err := s.token(ctx)
		if err != nil {
			return fmt.Errorf("push: token: %w", err)
		}
		if tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}

	conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("push: dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(s.limit)

	s.setConnected(true)
	defer s.setConnected(false)
	s.backoff.markConnected()
	s.log.Info("Push connected", "url", s.url)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("push: read: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		if err := s.handler.HandlePush(ctx, data); err != nil {
			s.log.Warn("Push payload rejected", "error", err)
		}
	}
}

func (s *Subscriber) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func wsURL(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// ============================================================================
// 重連退避
// ============================================================================

type backoff struct {
	mu          sync.Mutex
	base        time.Duration
	max         time.Duration
	attempt     int
	connectedAt time.Time
}

func (b *backoff) markConnected() {
	b.mu.Lock()
	b.connectedAt = time.Now()
	b.mu.Unlock()
}

func (b *backoff) next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connectedAt.IsZero() && time.Since(b.connectedAt) > 60*time.Second {
		b.attempt = 0
	}
	b.connectedAt = time.Time{}

	jitter := rand.Float64() * float64(b.base) * 0.5
	delay := time.Duration(math.Min(float64(b.base)*math.Pow(2, float64(b.attempt))+jitter, float64(b.max)))
	b.attempt++
	return delay
}
