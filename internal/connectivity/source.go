package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Source 平台的連線狀態來源
//
// Online 回傳目前狀態；Subscribe 回傳一個只在狀態改變時收到值的 channel，
// 以及取消訂閱的函式
type Source interface {
	Online() bool
	Subscribe() (<-chan bool, func())
}

// ============================================================================
// ManualSource - 由外部推送狀態（嵌入的 app、本地 API）
// ============================================================================

// ManualSource 由呼叫方以 Set 推送狀態
type ManualSource struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	nextID int
}

// NewManualSource 建立初始狀態為 online 的來源
func NewManualSource(online bool) *ManualSource {
	return &ManualSource{online: online, subs: make(map[int]chan bool)}
}

func (s *ManualSource) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set 更新狀態並通知訂閱者；與目前狀態相同時不發送
func (s *ManualSource) Set(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online == online {
		return
	}
	s.online = online
	for _, ch := range s.subs {
		publishLatest(ch, online)
	}
}

func (s *ManualSource) Subscribe() (<-chan bool, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan bool, 1)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// publishLatest 送出最新值；訂閱者來不及讀時以新值覆蓋舊值
func publishLatest(ch chan bool, v bool) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// ============================================================================
// ProbeSource - 無頭主機上的平台轉接：定期探測健康檢查 URL
// ============================================================================

// ProbeOptions ProbeSource 配置
type ProbeOptions struct {
	URL        string
	Interval   time.Duration // 預設 10s
	Timeout    time.Duration // 預設 3s
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// ProbeSource 以 HTTP 探測判斷連線狀態，只在狀態改變時發送
type ProbeSource struct {
	*ManualSource
	opts ProbeOptions
	log  *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewProbeSource 建立探測來源，初始狀態為 offline，直到第一次探測完成
func NewProbeSource(opts ProbeOptions) *ProbeSource {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ProbeSource{
		ManualSource: NewManualSource(false),
		opts:         opts,
		log:          opts.Logger.With("component", "probe", "url", opts.URL),
		stopCh:       make(chan struct{}),
	}
}

// Start 立即探測一次，之後在背景定期探測
func (p *ProbeSource) Start(ctx context.Context) {
	p.Set(p.probe(ctx))

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Set(p.probe(ctx))
			}
		}
	}()
}

// Stop 停止背景探測
func (p *ProbeSource) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// probe 任何回應（即使是 5xx）都代表網路可達
func (p *ProbeSource) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.opts.URL, nil)
	if err != nil {
		p.log.Error("Invalid probe request", "error", err)
		return false
	}
	resp, err := p.opts.HTTPClient.Do(req)
	if err != nil {
		p.log.Debug("Probe failed", "error", err)
		return false
	}
	resp.Body.Close()
	return true
}
