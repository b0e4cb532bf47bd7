// ============================================================================
// Raksha-Sync Shell Worker - 應用外殼快取
// ============================================================================
//
// Package: internal/shell
// 文件: worker.go
// 功能: 一個版本的快取控制器，負責 install / fetch / activate
//
// 生命週期:
//   installing → installed(waiting) → activated
//   Install 預先抓取固定 manifest；任一資源失敗則整個安裝失敗
//   Activate 刪除所有名稱不是目前版本的快取
//
// Fetch 策略（cache-first）:
//   1. 快取命中 → 直接回傳
//   2. 未命中 → 走網路；同源 GET 且 200 才存入快取
//   3. 網路失敗 → 導覽請求回傳快取的 "/"，其他請求回傳錯誤
//   4. 本文超過 MaxBodyBytes → 回傳錯誤，不截斷也不快取
//
// ============================================================================

package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/raksha-sync/internal/metrics"
	"github.com/ChuLiYu/raksha-sync/internal/worker"
)

// DefaultCacheName 目前的快取版本
const DefaultCacheName = "raksha-sahayak-v1"

var (
	// ErrInstallFailed manifest 中至少一個資源抓取失敗
	ErrInstallFailed = errors.New("shell: install failed")
	// ErrNotInstalled 尚未安裝就啟用
	ErrNotInstalled = errors.New("shell: worker not installed")
	// ErrRequestTooLarge 請求本文超過 MaxBodyBytes
	ErrRequestTooLarge = errors.New("shell: request body too large")
	// ErrResponseTooLarge 回應本文超過 MaxBodyBytes，不會被截斷或快取
	ErrResponseTooLarge = errors.New("shell: response body too large")
)

// DefaultManifest 安裝時預先快取的資源
func DefaultManifest() []string {
	return []string{
		"/",
		"/tracking",
		"/reports",
		"/profile",
		"/authority",
		"/static/js/bundle.js",
		"/static/css/main.css",
		"/manifest.json",
	}
}

// Fetcher 送出網路請求，*http.Client 實作此介面
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// State Worker 狀態
type State string

const (
	StateNew        State = "new"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// WorkerOptions Worker 配置
type WorkerOptions struct {
	CacheName      string   // 版本名稱，預設 DefaultCacheName
	Manifest       []string // 預設 DefaultManifest()
	Origin         string   // 應用來源，例如 http://localhost:5000
	Fetcher        Fetcher  // 預設 http.DefaultClient
	Storage        CacheStorage
	FetchWorkers   int           // 安裝時的並行數，預設 4
	InstallTimeout time.Duration // 單一資源逾時，預設 30s
	MaxBodyBytes   int64         // 讀取回應本文上限，預設 10MB
	Metrics        *metrics.Collector
	Logger         *slog.Logger
}

// Worker 一個版本的快取控制器
type Worker struct {
	name     string
	manifest []string
	origin   *url.URL
	fetcher  Fetcher
	storage  CacheStorage
	workers  int
	timeout  time.Duration
	maxBody  int64
	metrics  *metrics.Collector
	log      *slog.Logger

	mu    sync.Mutex
	state State
}

// NewWorker 建立 Worker
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.CacheName == "" {
		opts.CacheName = DefaultCacheName
	}
	if opts.Manifest == nil {
		opts.Manifest = DefaultManifest()
	}
	origin, err := url.Parse(opts.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("shell: invalid origin %q", opts.Origin)
	}
	if opts.Storage == nil {
		return nil, fmt.Errorf("shell: cache storage is required")
	}
	if opts.Fetcher == nil {
		opts.Fetcher = http.DefaultClient
	}
	if opts.FetchWorkers <= 0 {
		opts.FetchWorkers = 4
	}
	if opts.InstallTimeout <= 0 {
		opts.InstallTimeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 << 20
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{
		name:     opts.CacheName,
		manifest: opts.Manifest,
		origin:   origin,
		fetcher:  opts.Fetcher,
		storage:  opts.Storage,
		workers:  opts.FetchWorkers,
		timeout:  opts.InstallTimeout,
		maxBody:  opts.MaxBodyBytes,
		metrics:  opts.Metrics,
		log:      opts.Logger.With("component", "shell", "cache", opts.CacheName),
		state:    StateNew,
	}, nil
}

// CacheName 版本名稱
func (w *Worker) CacheName() string { return w.name }

// State 目前狀態
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// ============================================================================
// Install
// ============================================================================

// Install 以 worker pool 並行預先抓取 manifest 並存入快取
func (w *Worker) Install(ctx context.Context) error {
	start := time.Now()
	w.setState(StateInstalling)

	existed := w.storage.Has(w.name)
	cache, err := w.storage.Open(w.name)
	if err != nil {
		w.setState(StateRedundant)
		return fmt.Errorf("%w: open cache: %v", ErrInstallFailed, err)
	}

	tasks := make([]worker.Task, len(w.manifest))
	for i, path := range w.manifest {
		tasks[i] = worker.Task{ID: fmt.Sprintf("%s#%d", w.name, i), Target: path, Timeout: w.timeout}
	}

	exec := worker.ExecutorFunc(func(ctx context.Context, task worker.Task) error {
		resp, err := w.get(ctx, task.Target)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: status %d", task.Target, resp.StatusCode)
		}
		if err := cache.Put(task.Target, resp); err != nil {
			w.log.Warn("Failed to cache manifest entry", "path", task.Target, "error", err)
		}
		return nil
	})

	var errs []error
	for _, r := range worker.RunAll(ctx, exec, w.workers, tasks) {
		if !r.Success {
			errs = append(errs, fmt.Errorf("%s: %w", r.Target, r.Error))
		}
	}

	if len(errs) > 0 {
		err := fmt.Errorf("%w: %w", ErrInstallFailed, errors.Join(errs...))
		if !existed {
			// 安裝是全有或全無
			w.storage.Delete(w.name)
		}
		w.setState(StateRedundant)
		w.metrics.ObserveInstall(time.Since(start), err)
		w.log.Error("Install failed", "error", err)
		return err
	}

	w.setState(StateInstalled)
	w.metrics.ObserveInstall(time.Since(start), nil)
	w.log.Info("Installed", "entries", len(w.manifest), "duration", time.Since(start))
	return nil
}

// ============================================================================
// Activate
// ============================================================================

// Activate 刪除其他版本的快取
func (w *Worker) Activate(ctx context.Context) error {
	if st := w.State(); st != StateInstalled && st != StateActivated {
		return fmt.Errorf("%w: state %s", ErrNotInstalled, st)
	}
	for _, name := range w.storage.Keys() {
		if name != w.name {
			w.log.Info("Deleting old cache", "old", name)
			w.storage.Delete(name)
		}
	}
	w.setState(StateActivated)
	return nil
}

// ============================================================================
// Fetch
// ============================================================================

// Fetch cache-first 取得回應
func (w *Worker) Fetch(ctx context.Context, r *http.Request) (*CachedResponse, error) {
	key := requestKey(r)
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		if resp, ok := w.match(key); ok {
			w.metrics.RecordCacheResult("hit")
			return resp, nil
		}
	}

	target := w.resolve(r.URL)
	resp, err := w.forward(ctx, r, target)
	if err != nil {
		if isNavigation(r) && !errors.Is(err, ErrResponseTooLarge) && !errors.Is(err, ErrRequestTooLarge) {
			if cached, ok := w.match("/"); ok {
				w.metrics.RecordCacheResult("fallback")
				w.log.Debug("Network failed, serving cached shell", "path", key)
				return cached, nil
			}
		}
		w.metrics.RecordCacheResult("error")
		return nil, err
	}

	w.metrics.RecordCacheResult("miss")
	if r.Method == http.MethodGet && resp.StatusCode == http.StatusOK && w.sameOrigin(target) {
		cache, err := w.storage.Open(w.name)
		if err == nil {
			err = cache.Put(key, resp)
		}
		if err != nil {
			w.log.Warn("Failed to cache response", "path", key, "error", err)
		}
	}
	return resp, nil
}

// match 先查目前版本，再查其他版本
func (w *Worker) match(key string) (*CachedResponse, bool) {
	if c, err := w.storage.Open(w.name); err == nil {
		if resp, ok := c.Match(key); ok {
			return resp, true
		}
	}
	for _, name := range w.storage.Keys() {
		if name == w.name {
			continue
		}
		c, err := w.storage.Open(name)
		if err != nil {
			continue
		}
		if resp, ok := c.Match(key); ok {
			return resp, true
		}
	}
	return nil, false
}

func (w *Worker) get(ctx context.Context, path string) (*CachedResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.resolve(&url.URL{Path: path}).String(), nil)
	if err != nil {
		return nil, err
	}
	return w.do(req)
}

func (w *Worker) forward(ctx context.Context, r *http.Request, target *url.URL) (*CachedResponse, error) {
	var body io.Reader
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		data, ok, err := readLimited(r.Body, w.maxBody)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s %s", ErrRequestTooLarge, r.Method, requestKey(r))
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header = r.Header.Clone()
	return w.do(req)
}

func (w *Worker) do(req *http.Request) (*CachedResponse, error) {
	resp, err := w.fetcher.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, ok, err := readLimited(resp.Body, w.maxBody)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s (limit %d bytes)", ErrResponseTooLarge, req.URL, w.maxBody)
	}
	return &CachedResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       data,
		StoredAt:   time.Now(),
	}, nil
}

// readLimited 最多讀 limit 位元組；ok=false 表示本文超過上限
func readLimited(r io.Reader, limit int64) (data []byte, ok bool, err error) {
	data, err = io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return nil, false, nil
	}
	return data, true, nil
}

// resolve 相對路徑以 origin 補齊
func (w *Worker) resolve(u *url.URL) *url.URL {
	if u.IsAbs() {
		return u
	}
	return w.origin.ResolveReference(&url.URL{Path: u.Path, RawQuery: u.RawQuery})
}

func (w *Worker) sameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, w.origin.Scheme) && strings.EqualFold(u.Host, w.origin.Host)
}

// requestKey 快取鍵：同源請求用路徑加查詢字串，絕對 URL 用完整字串
func requestKey(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	return r.URL.RequestURI()
}

// isNavigation 是否為文件導覽請求
func isNavigation(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if dest := r.Header.Get("Sec-Fetch-Dest"); dest != "" {
		return dest == "document"
	}
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
