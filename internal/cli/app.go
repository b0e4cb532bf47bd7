package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/raksha-sync/internal/advisor"
	"github.com/ChuLiYu/raksha-sync/internal/agent"
	"github.com/ChuLiYu/raksha-sync/internal/config"
	"github.com/ChuLiYu/raksha-sync/internal/connectivity"
	"github.com/ChuLiYu/raksha-sync/internal/gateway"
	"github.com/ChuLiYu/raksha-sync/internal/identity"
	"github.com/ChuLiYu/raksha-sync/internal/metrics"
	"github.com/ChuLiYu/raksha-sync/internal/outbox"
	"github.com/ChuLiYu/raksha-sync/internal/push"
	"github.com/ChuLiYu/raksha-sync/internal/replay"
	"github.com/ChuLiYu/raksha-sync/internal/server"
	"github.com/ChuLiYu/raksha-sync/internal/shell"
	"github.com/ChuLiYu/raksha-sync/internal/sos"
	"github.com/ChuLiYu/raksha-sync/internal/storage"
	"github.com/ChuLiYu/raksha-sync/internal/storage/wal"
	"github.com/ChuLiYu/raksha-sync/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

// signalSource 可手動切換的連線來源；ManualSource 與 ProbeSource 皆符合
type signalSource interface {
	connectivity.Source
	Set(online bool)
}

// App 依配置組裝好的所有元件
type App struct {
	Config  *config.Config
	Log     *slog.Logger
	Metrics *metrics.Collector

	KV       storage.KV
	Journal  *wal.WAL // journal.enabled=false 時為 nil
	Queue    *outbox.Queue
	Client   *gateway.HTTPClient
	Identity identity.Provider
	Engine   *replay.Engine
	Agent    *agent.Agent

	Source  signalSource
	probe   *connectivity.ProbeSource
	Monitor *connectivity.Monitor
	Health  *server.Health

	Registration *shell.Registration // shell.enabled=false 時為 nil
	worker       *shell.Worker
	SOS          *sos.Trigger
	Advisor      advisor.Generator
	Push         *push.Subscriber // push.url 為空時為 nil

	closeOnce sync.Once
}

// BuildApp 建立所有元件，不啟動任何背景工作
func BuildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{Config: cfg, Log: logger}

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		app.Metrics = metrics.NewCollectorWith(reg, reg)
	}

	kv, err := storage.Open(ctx, storage.Options{
		Driver:        cfg.Queue.Driver,
		Path:          cfg.Queue.Path,
		RedisAddr:     cfg.Queue.RedisAddr,
		RedisPassword: cfg.Queue.RedisPassword,
		RedisDB:       cfg.Queue.RedisDB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue storage: %w", err)
	}
	app.KV = kv

	var journal outbox.Journal
	if cfg.Journal.Enabled {
		app.Journal, err = wal.NewWAL(cfg.Journal.Path, wal.Options{SyncOnAppend: cfg.Journal.SyncOnAppend})
		if err != nil {
			kv.Close()
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		journal = app.Journal
	}

	app.Queue = outbox.New(outbox.NewKVStore(kv, cfg.Queue.Key), outbox.Options{
		MaxPerKind: cfg.Queue.MaxPerKind,
		Journal:    journal,
		Metrics:    app.Metrics,
		Logger:     logger,
	})

	var token gateway.TokenFunc
	if cfg.Identity.Token != "" && cfg.Identity.Secret != "" {
		tp := identity.NewTokenProvider([]byte(cfg.Identity.Secret), cfg.Identity.Token)
		app.Identity = tp
		token = tp.Token
	} else {
		app.Identity = identity.Static(cfg.Identity.UserID)
	}

	app.Client = gateway.NewHTTPClient(gateway.Options{
		BaseURL: cfg.Gateway.BaseURL,
		Timeout: cfg.Gateway.Timeout.D(),
		Token:   token,
	})

	app.Engine = replay.New(app.Queue, app.Client, replay.Options{
		Policy: replay.Policy{
			MaxAttempts: cfg.Replay.MaxAttempts,
			MaxAge:      cfg.Replay.MaxAge.D(),
			ItemTimeout: cfg.Replay.ItemTimeout.D(),
		},
		Metrics: app.Metrics,
		Logger:  logger,
	})

	if cfg.Connectivity.ProbeURL != "" {
		app.probe = connectivity.NewProbeSource(connectivity.ProbeOptions{
			URL:      cfg.Connectivity.ProbeURL,
			Interval: cfg.Connectivity.ProbeInterval.D(),
			Timeout:  cfg.Connectivity.ProbeTimeout.D(),
			Logger:   logger,
		})
		app.Source = app.probe
	} else {
		app.Source = connectivity.NewManualSource(true)
	}

	// monitor 與 agent 互相依賴：trigger 在 agent 建立後才會被呼叫
	app.Monitor = connectivity.NewMonitor(app.Source, func(ctx context.Context) {
		app.Agent.OnReconnect(ctx)
	}, connectivity.Options{Metrics: app.Metrics, Logger: logger})

	app.Agent, err = agent.New(agent.Config{
		DrainOnStart: cfg.Replay.DrainOnStart,
		RotateAfter:  cfg.Journal.RotateAfter,
		SendTimeout:  cfg.Gateway.Timeout.D(),
	}, agent.Deps{
		Queue:    app.Queue,
		Engine:   app.Engine,
		Client:   app.Client,
		Identity: app.Identity,
		Online:   app.Monitor,
		Journal:  app.Journal,
		Metrics:  app.Metrics,
		Logger:   logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	app.Health = server.NewHealth(app.Source.Online(), logger)

	if cfg.Shell.Enabled {
		if err := app.buildShell(); err != nil {
			app.Close()
			return nil, err
		}
	}

	app.SOS = sos.New(func(ctx context.Context, alert types.EmergencyAlertCreate) error {
		_, err := app.Agent.RaiseEmergencyAlert(ctx, alert)
		return err
	}, sos.Options{
		Hold:     cfg.SOS.Hold.D(),
		Cooldown: cfg.SOS.Cooldown.D(),
		Contacts: cfg.SOS.Contacts,
		Metrics:  app.Metrics,
		Logger:   logger,
	})

	// 沒有 endpoint 時傳入 nil interface，一律使用內建建議
	var gen advisor.Generator
	if cfg.Advisor.Endpoint != "" {
		gen = advisor.NewHTTPGenerator(advisor.HTTPOptions{
			Endpoint: cfg.Advisor.Endpoint,
			APIKey:   cfg.Advisor.APIKey,
			Timeout:  cfg.Advisor.Timeout.D(),
		})
	}
	app.Advisor = advisor.WithFallback(gen, app.Metrics, logger)

	if cfg.Push.URL != "" && app.Registration != nil {
		var pushToken push.TokenFunc
		if token != nil {
			pushToken = push.TokenFunc(token)
		}
		app.Push = push.NewSubscriber(push.HandlerFunc(app.Registration.HandlePush),
			push.Options{URL: cfg.Push.URL, Token: pushToken, Logger: logger})
	}

	return app, nil
}

func (a *App) buildShell() error {
	reg, err := shell.NewRegistration(shell.RegistrationOptions{
		SkipWaiting: a.Config.Shell.SkipWaiting,
		Origin:      a.Config.Shell.Origin,
		Metrics:     a.Metrics,
		Logger:      a.Log,
	})
	if err != nil {
		return fmt.Errorf("failed to create shell registration: %w", err)
	}
	var manifest []string
	if len(a.Config.Shell.Manifest) > 0 {
		manifest = a.Config.Shell.Manifest
	}
	w, err := shell.NewWorker(shell.WorkerOptions{
		CacheName:    a.Config.Shell.CacheName,
		Manifest:     manifest,
		Origin:       a.Config.Shell.Origin,
		Storage:      shell.NewMemoryStorage(0),
		FetchWorkers: a.Config.Shell.FetchWorkers,
		Metrics:      a.Metrics,
		Logger:       a.Log,
	})
	if err != nil {
		return fmt.Errorf("failed to create shell worker: %w", err)
	}
	a.Registration = reg
	a.worker = w
	return nil
}

// ServerDeps 本地 HTTP API 的依賴；ctx 為 SOS 背景送出使用的 context
func (a *App) ServerDeps(ctx context.Context) server.Deps {
	deps := server.Deps{
		Agent:       a.Agent,
		Signal:      a.Source,
		SOS:         a.SOS,
		Advisor:     a.Advisor,
		Metrics:     a.Metrics,
		Logger:      a.Log,
		BaseContext: ctx,
	}
	if a.Registration != nil {
		deps.Shell = a.Registration
	}
	return deps
}

// Run 啟動所有背景工作並提供 HTTP/gRPC 服務，直到 ctx 取消
func (a *App) Run(ctx context.Context) error {
	if a.probe != nil {
		a.probe.Start(ctx)
	}
	if err := a.Monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start connectivity monitor: %w", err)
	}
	if err := a.Agent.Start(ctx); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}

	events, unsubscribe := a.Monitor.Watch()
	defer unsubscribe()
	a.Health.Set(a.Monitor.Online())
	go a.Health.Follow(ctx, events)

	if a.Registration != nil {
		a.Registration.Start(ctx)
		// 安裝需要抓取整份清單，不阻塞啟動
		go func() {
			if err := a.Registration.Register(ctx, a.worker); err != nil && !errors.Is(err, context.Canceled) {
				a.Log.Warn("Shell install failed, serving passthrough", "error", err)
			}
		}()
	}
	if a.Push != nil {
		if err := a.Push.Start(ctx); err != nil {
			return fmt.Errorf("failed to start push subscriber: %w", err)
		}
	}

	srv, err := server.New(server.Options{
		Addr:     a.Config.Server.Addr,
		GRPCAddr: a.Config.Server.GRPCAddr,
		Handler:  server.NewHandler(a.ServerDeps(ctx)),
		Health:   a.Health,
		Logger:   a.Log,
	})
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

// Close 依建立的反向順序釋放資源，可重複呼叫
func (a *App) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		if a.Push != nil {
			a.Push.Stop()
		}
		if a.SOS != nil {
			a.SOS.Close()
		}
		if a.Registration != nil {
			a.Registration.Stop()
		}
		if a.Monitor != nil {
			a.Monitor.Stop()
		}
		if a.probe != nil {
			a.probe.Stop()
		}
		if a.Agent != nil {
			// Agent.Stop 會關閉 journal
			if err := a.Agent.Stop(); err != nil {
				errs = append(errs, err)
			}
		} else if a.Journal != nil {
			if err := a.Journal.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if a.KV != nil {
			if err := a.KV.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close storage: %w", err))
			}
		}
	})
	return errors.Join(errs...)
}

// payloadFile enqueue 指令讀取的檔案格式
type payloadFile []struct {
	Kind    types.MutationKind `json:"kind"`
	Payload json.RawMessage    `json:"payload"`
}

// decodePayload 依 kind 解析載荷；userId 缺少時由 identity 補上
func decodePayload(ctx context.Context, kind types.MutationKind, raw []byte, ident identity.Provider) (types.Payload, error) {
	user := func() (types.UserID, error) {
		id, err := ident.CurrentUser(ctx)
		if err != nil {
			return 0, fmt.Errorf("no userId in payload and %w", err)
		}
		return id, nil
	}

	switch kind {
	case types.KindIncidentCreate:
		var p types.IncidentCreate
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if p.UserID == 0 {
			id, err := user()
			if err != nil {
				return nil, err
			}
			p.UserID = id
		}
		return p, nil
	case types.KindStatusUpdate:
		var p types.StatusUpdate
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if p.UserID == 0 {
			id, err := user()
			if err != nil {
				return nil, err
			}
			p.UserID = id
		}
		return p, nil
	case types.KindEmergencyAlertCreate:
		var p types.EmergencyAlertCreate
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if p.UserID == 0 {
			id, err := user()
			if err != nil {
				return nil, err
			}
			p.UserID = id
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %q", outbox.ErrUnsupportedPayload, kind)
	}
}
