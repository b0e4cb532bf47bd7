// ============================================================================
// Raksha-Sync CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: 以 Cobra 提供離線同步核心的命令列介面
//
// Command Structure:
//   raksha-sync                    # Root command
//   ├── run                        # 啟動同步核心、本地 API 與 gRPC health
//   ├── enqueue                    # 從 JSON 檔放入佇列
//   │   └── --file, -f
//   ├── status                     # 佇列與日誌狀態
//   │   └── --remote               # 查詢執行中的 run
//   ├── drain                      # 立即重放佇列
//   │   └── --remote
//   ├── recommend                  # 產生安全建議
//   │   └── --location
//   ├── --config, -c               # 配置檔（預設 configs/raksha.yaml）
//   └── --version
//
// enqueue JSON 格式:
//   [
//     {
//       "kind": "incident_create",
//       "payload": {"type": "harassment", "description": "...", "location": "Pune", "urgency": "high"}
//     }
//   ]
//   payload 缺少 userId 時使用 identity 配置的使用者
//
// Signal Handling:
//   run 捕捉 SIGINT / SIGTERM 後依序：
//   1. 停止 HTTP / gRPC（等待進行中的請求）
//   2. 停止推播、SOS、快取控制器、連線監控
//   3. 等待背景重放結束、關閉日誌與儲存
//
// Storage Locking:
//   bolt driver 同時只允許一個行程開啟；run 執行中時用 --remote 查詢
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ChuLiYu/raksha-sync/internal/advisor"
	"github.com/ChuLiYu/raksha-sync/internal/agent"
	"github.com/ChuLiYu/raksha-sync/internal/config"
	"github.com/ChuLiYu/raksha-sync/internal/logging"
	"github.com/ChuLiYu/raksha-sync/internal/storage/wal"
	"github.com/ChuLiYu/raksha-sync/pkg/types"
	"github.com/spf13/cobra"
)

// DefaultConfigPath 預設配置檔
const DefaultConfigPath = "configs/raksha.yaml"

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "raksha-sync",
		Short: "Raksha-Sync: offline-first sync core for the Raksha safety app",
		Long: `Raksha-Sync keeps safety actions working without a network:
- Durable outbox for incidents, status updates and SOS alerts
- Replay on reconnect with bounded retries
- Offline app shell cache and push notifications
- Prometheus metrics and gRPC health`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", DefaultConfigPath, "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildDrainCommand())
	rootCmd.AddCommand(buildRecommendCommand())

	return rootCmd
}

// loadConfig 讀取配置；預設路徑不存在時只使用預設值與環境變數
func loadConfig(path string) (*config.Config, error) {
	if path == DefaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openApp 載入配置、設定日誌並組裝元件
func openApp(ctx context.Context, stderr io.Writer) (*App, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, err
	}
	logger := logging.Setup(logging.Options{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Service: "raksha-sync",
		Output:  stderr,
	})
	return BuildApp(ctx, cfg, logger)
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the sync core and local API",
		Long:  "Start the outbox, replay engine, connectivity monitor, app shell cache, HTTP API and gRPC health server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, cmd.ErrOrStderr())
		},
	}
}

func runSystem(ctx context.Context, stderr io.Writer) error {
	app, err := openApp(ctx, stderr)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			app.Log.Error("Shutdown incomplete", "error", err)
		}
	}()

	app.Log.Info("Starting Raksha-Sync",
		"config", configFile,
		"queue", app.Config.Queue.Driver,
		"gateway", app.Config.Gateway.BaseURL,
		"addr", app.Config.Server.Addr)

	if err := app.Run(ctx); err != nil {
		return err
	}
	app.Log.Info("Received shutdown signal, stopped gracefully")
	return nil
}

// ============================================================================
// enqueue
// ============================================================================

func buildEnqueueCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue mutations from a JSON file",
		Long:  "Read mutations from a JSON file and store them in the local outbox for the next replay",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("mutation file is required (use --file or -f)")
			}
			return enqueueFile(cmd.Context(), file, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file containing mutations")
	cmd.MarkFlagRequired("file")

	return cmd
}

func enqueueFile(ctx context.Context, path string, out, stderr io.Writer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read mutation file: %w", err)
	}
	var entries payloadFile
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse mutation file: %w", err)
	}

	app, err := openApp(ctx, stderr)
	if err != nil {
		return err
	}
	defer app.Close()

	queued := 0
	var errs []error
	for i, e := range entries {
		p, err := decodePayload(ctx, e.Kind, e.Payload, app.Identity)
		if err == nil {
			_, err = app.Queue.Enqueue(ctx, p)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("entry %d (%s): %w", i, e.Kind, err))
			continue
		}
		queued++
	}

	fmt.Fprintf(out, "Queued %d/%d mutations from %s (pending: %d)\n", queued, len(entries), path, app.Queue.Len(ctx))
	return errors.Join(errs...)
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var remote string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync status",
		Long:  "Display pending mutations, last replay and journal statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.Context(), remote, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&remote, "remote", "", "Base URL of a running instance (e.g. http://localhost:8080)")
	return cmd
}

func showStatus(ctx context.Context, remote string, out, stderr io.Writer) error {
	var (
		st      agent.Status
		cfg     *config.Config
		source  string
		journal *wal.WALStats
	)

	if remote != "" {
		if err := callRemote(ctx, http.MethodGet, remote, "/api/sync/status", &st); err != nil {
			return err
		}
		source = remote
	} else {
		app, err := openApp(ctx, stderr)
		if err != nil {
			return err
		}
		defer app.Close()
		st = app.Agent.Status(ctx)
		cfg = app.Config
		source = configFile
		if cfg.Journal.Enabled {
			if stats, err := wal.GetWALStats(cfg.Journal.Path); err == nil {
				journal = stats
			}
		}
	}

	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           Raksha-Sync Status                              ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Source:")
	fmt.Fprintf(out, "  └─ %s\n", source)
	if cfg != nil {
		fmt.Fprintf(out, "  └─ Queue:    %s (%s)\n", cfg.Queue.Driver, cfg.Queue.Path)
		fmt.Fprintf(out, "  └─ Gateway:  %s\n", cfg.Gateway.BaseURL)
	} else {
		online := "❌ offline"
		if st.Online {
			online = "✅ online"
		}
		fmt.Fprintf(out, "  └─ Network:  %s\n", online)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📦 Pending Mutations:")
	fmt.Fprintf(out, "  ├─ Total:              %d\n", st.Pending)
	fmt.Fprintf(out, "  ├─ 📝 Incidents:        %d\n", st.PendingByKey[types.KindIncidentCreate])
	fmt.Fprintf(out, "  ├─ 🛡  Status Updates:   %d\n", st.PendingByKey[types.KindStatusUpdate])
	fmt.Fprintf(out, "  └─ 🚨 Emergency Alerts: %d\n", st.PendingByKey[types.KindEmergencyAlertCreate])
	fmt.Fprintln(out)

	fmt.Fprintln(out, "🔄 Last Replay:")
	if st.LastDrain != nil && st.LastDrainAt != nil {
		fmt.Fprintf(out, "  ├─ At:        %s\n", st.LastDrainAt.Format(time.RFC3339))
		fmt.Fprintf(out, "  ├─ ✅ Sent:    %d\n", st.LastDrain.Succeeded)
		fmt.Fprintf(out, "  ├─ ⏳ Kept:    %d\n", st.LastDrain.Failed)
		fmt.Fprintf(out, "  └─ ❌ Dropped: %d\n", st.LastDrain.Dropped)
	} else if st.Draining {
		fmt.Fprintln(out, "  └─ In progress")
	} else {
		fmt.Fprintln(out, "  └─ None since start")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "💾 Journal:")
	switch {
	case journal != nil:
		fmt.Fprintf(out, "  ├─ Events:    %d (seq %d..%d)\n", journal.TotalEvents, journal.FirstSeq, journal.LastSeq)
		fmt.Fprintf(out, "  ├─ Enqueued:  %d\n", journal.EventTypes[wal.EventEnqueue])
		fmt.Fprintf(out, "  ├─ Delivered: %d\n", journal.EventTypes[wal.EventDelivered])
		fmt.Fprintf(out, "  ├─ Dropped:   %d\n", journal.EventTypes[wal.EventDrop])
		fmt.Fprintf(out, "  └─ Corrupted: %d\n", journal.CorruptedCount)
	case remote != "":
		fmt.Fprintf(out, "  ├─ Events:    %d (last seq %d)\n", st.Journal.Events, st.Journal.LastSeq)
		fmt.Fprintf(out, "  ├─ Enqueued:  %d\n", st.Journal.Enqueued)
		fmt.Fprintf(out, "  ├─ Delivered: %d\n", st.Journal.Delivered)
		fmt.Fprintf(out, "  └─ Dropped:   %d\n", st.Journal.Dropped)
	default:
		fmt.Fprintln(out, "  └─ ⚠️  Disabled or empty")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
	return nil
}

// ============================================================================
// drain
// ============================================================================

func buildDrainCommand() *cobra.Command {
	var remote string

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Replay queued mutations now",
		Long:  "Send every queued mutation to the backend once, keeping failures for the next replay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return drainQueue(cmd.Context(), remote, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&remote, "remote", "", "Base URL of a running instance (e.g. http://localhost:8080)")
	return cmd
}

func drainQueue(ctx context.Context, remote string, out, stderr io.Writer) error {
	var outcome types.DrainOutcome
	if remote != "" {
		if err := callRemote(ctx, http.MethodPost, remote, "/api/sync/drain", &outcome); err != nil {
			return err
		}
	} else {
		app, err := openApp(ctx, stderr)
		if err != nil {
			return err
		}
		defer app.Close()
		outcome, err = app.Agent.Drain(ctx)
		if err != nil {
			return fmt.Errorf("drain failed: %w", err)
		}
	}
	fmt.Fprintf(out, "Drained in %s: %d sent, %d kept, %d dropped\n",
		outcome.Duration.Round(time.Millisecond), outcome.Succeeded, outcome.Failed, outcome.Dropped)
	return nil
}

// ============================================================================
// recommend
// ============================================================================

func buildRecommendCommand() *cobra.Command {
	var location string

	cmd := &cobra.Command{
		Use:   "recommend",
		Short: "Generate safety recommendations",
		Long:  "Ask the configured recommendation service, falling back to built-in advice when it is unavailable",
		RunE: func(cmd *cobra.Command, args []string) error {
			return recommend(cmd.Context(), location, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&location, "location", advisor.DefaultLocation, "Location to generate recommendations for")
	return cmd
}

func recommend(ctx context.Context, location string, out, stderr io.Writer) error {
	app, err := openApp(ctx, stderr)
	if err != nil {
		return err
	}
	defer app.Close()

	recs, err := app.Advisor.Generate(ctx, advisor.Request{Location: location})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Safety recommendations for %s:\n", location)
	for i, r := range recs {
		fmt.Fprintf(out, "  %d. [%s/%s] %s\n", i+1, r.Type, r.Priority, r.Title)
		fmt.Fprintf(out, "     %s\n", r.Description)
	}
	return nil
}

// ============================================================================
// remote
// ============================================================================

// callRemote 呼叫執行中實例的本地 API
func callRemote(ctx context.Context, method, base, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(base, "/")+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, body.Message)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
