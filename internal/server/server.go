// ============================================================================
// Raksha-Sync Server - 本地 HTTP API 與 gRPC 健康檢查
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 同時提供 HTTP API（chi）與 gRPC health 服務
//
// gRPC health:
//   - ""                         : 行程存活即 SERVING
//   - raksha.sync.Connectivity   : online 時 SERVING，離線時 NOT_SERVING
//
// 關閉流程:
//   1. ctx 取消
//   2. health 全部設為 NOT_SERVING
//   3. HTTP Shutdown（等待進行中的請求，上限 ShutdownTimeout）
//   4. gRPC GracefulStop
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ChuLiYu/raksha-sync/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ConnectivityService gRPC health 中代表連線狀態的服務名稱
const ConnectivityService = "raksha.sync.Connectivity"

// ============================================================================
// gRPC health
// ============================================================================

// Health 以 gRPC health 協定回報連線狀態
type Health struct {
	srv *health.Server
	log *slog.Logger
}

// NewHealth 建立 Health，初始狀態依 online 決定
func NewHealth(online bool, logger *slog.Logger) *Health {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Health{srv: health.NewServer(), log: logger.With("component", "grpc-health")}
	h.Set(online)
	return h
}

// Set 更新連線服務狀態
func (h *Health) Set(online bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if online {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.srv.SetServingStatus(ConnectivityService, status)
}

// Follow 依 connectivity.Monitor.Watch 的事件更新狀態，直到 ctx 取消或 channel 關閉
func (h *Health) Follow(ctx context.Context, events <-chan types.ConnectivityEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.log.Debug("Connectivity health changed", "online", ev.Online)
			h.Set(ev.Online)
		}
	}
}

// Checker 底層的 health 服務（測試與內嵌使用）
func (h *Health) Checker() healthpb.HealthServer { return h.srv }

// Register 註冊到 gRPC server
func (h *Health) Register(s *grpc.Server) { healthpb.RegisterHealthServer(s, h.srv) }

// Shutdown 所有服務改為 NOT_SERVING
func (h *Health) Shutdown() { h.srv.Shutdown() }

// ============================================================================
// Server
// ============================================================================

// Options Server 配置
type Options struct {
	Addr            string // HTTP 位址，必填
	GRPCAddr        string // gRPC 位址，空字串表示不啟動
	Handler         http.Handler
	Health          *Health // GRPCAddr 非空時必填
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// Server 本地伺服器
type Server struct {
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	httpAddr net.Addr
	grpcAddr net.Addr
	ready    chan struct{}
}

// New 建立 Server
func New(opts Options) (*Server, error) {
	if opts.Addr == "" || opts.Handler == nil {
		return nil, errors.New("server: addr and handler are required")
	}
	if opts.GRPCAddr != "" && opts.Health == nil {
		return nil, errors.New("server: health is required when grpc is enabled")
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		opts:  opts,
		log:   opts.Logger.With("component", "server"),
		ready: make(chan struct{}),
	}, nil
}

// Ready 所有 listener 建立後關閉
func (s *Server) Ready() <-chan struct{} { return s.ready }

// HTTPAddr 實際的 HTTP 監聽位址（Ready 之後有效）
func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpAddr
}

// GRPCAddr 實際的 gRPC 監聽位址（Ready 之後有效，未啟動時為 nil）
func (s *Server) GRPCAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grpcAddr
}

// Run 提供服務直到 ctx 取消
func (s *Server) Run(ctx context.Context) error {
	httpLis, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}

	var grpcLis net.Listener
	var grpcServer *grpc.Server
	if s.opts.GRPCAddr != "" {
		grpcLis, err = net.Listen("tcp", s.opts.GRPCAddr)
		if err != nil {
			httpLis.Close()
			return fmt.Errorf("failed to listen on %s: %w", s.opts.GRPCAddr, err)
		}
		grpcServer = grpc.NewServer()
		s.opts.Health.Register(grpcServer)
	}

	s.mu.Lock()
	s.httpAddr = httpLis.Addr()
	if grpcLis != nil {
		s.grpcAddr = grpcLis.Addr()
	}
	s.mu.Unlock()
	close(s.ready)

	httpServer := &http.Server{
		Handler:           s.opts.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 2)
	go func() {
		s.log.Info("HTTP server listening", "addr", httpLis.Addr().String())
		if err := httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	if grpcServer != nil {
		go func() {
			s.log.Info("gRPC health server listening", "addr", grpcLis.Addr().String())
			if err := grpcServer.Serve(grpcLis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	s.log.Info("Shutting down server...")
	if s.opts.Health != nil {
		s.opts.Health.Shutdown()
	}
	// ctx 已取消，shutdown 需要獨立的期限
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("HTTP shutdown incomplete", "error", err)
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	s.log.Info("Server stopped")
	return runErr
}
