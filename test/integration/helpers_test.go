package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/raksha-sync/internal/cli"
	"github.com/ChuLiYu/raksha-sync/internal/config"
	"github.com/ChuLiYu/raksha-sync/pkg/types"
	"github.com/stretchr/testify/require"
)

// backend 模擬 Raksha 後端 API
type backend struct {
	*httptest.Server

	down   atomic.Bool  // true 時所有請求回 503
	reject atomic.Int32 // >0 時事件回報回 400

	mu       sync.Mutex
	received map[string]int
}

func newBackend(t testing.TB) *backend {
	t.Helper()
	b := &backend{received: make(map[string]int)}
	b.Server = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.Close)
	return b
}

func (b *backend) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if b.down.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"message": "maintenance"}`))
		return
	}
	if r.URL.Path == "/api/incidents" && b.reject.Load() > 0 {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message": "invalid incident"}`))
		return
	}

	b.mu.Lock()
	b.received[r.Method+" "+r.URL.Path]++
	b.mu.Unlock()

	switch {
	case r.Method == http.MethodPut:
		json.NewEncoder(w).Encode(types.User{ID: 7, SafetyStatus: types.StatusSafe})
	default:
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": 1, "status": "reported"}`))
	}
}

func (b *backend) count(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.received[key]
}

// testConfig 指向 backend 的配置；shell 關閉，連線狀態手動控制
func testConfig(t testing.TB, dir, driver, backendURL string) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Queue.Driver = driver
	switch driver {
	case "bolt":
		cfg.Queue.Path = filepath.Join(dir, "queue.db")
	default:
		cfg.Queue.Path = filepath.Join(dir, "queue")
	}
	cfg.Journal.Path = filepath.Join(dir, "journal.log")
	cfg.Gateway.BaseURL = backendURL + "/api"
	cfg.Gateway.Timeout = config.Duration(2 * time.Second)
	cfg.Replay.ItemTimeout = config.Duration(2 * time.Second)
	cfg.Identity.UserID = 7
	cfg.Shell.Enabled = false
	require.NoError(t, cfg.Validate())
	return cfg
}

func buildApp(t testing.TB, cfg *config.Config) *cli.App {
	t.Helper()
	app, err := cli.BuildApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	return app
}

func sampleIncident() types.IncidentCreate {
	return types.IncidentCreate{
		Type:        types.IncidentHarassment,
		Description: "Group of men following me near the station",
		Location:    "Dadar, Mumbai",
		Urgency:     types.UrgencyHigh,
	}
}
