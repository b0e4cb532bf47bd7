package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ChuLiYu/raksha-sync/internal/advisor"
	"github.com/ChuLiYu/raksha-sync/internal/agent"
	"github.com/ChuLiYu/raksha-sync/internal/gateway"
	"github.com/ChuLiYu/raksha-sync/internal/identity"
	"github.com/ChuLiYu/raksha-sync/internal/metrics"
	"github.com/ChuLiYu/raksha-sync/internal/replay"
	"github.com/ChuLiYu/raksha-sync/internal/shell"
	"github.com/ChuLiYu/raksha-sync/internal/sos"
	"github.com/ChuLiYu/raksha-sync/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// maxBody 請求 body 上限
const maxBody = 1 << 20

// Agent HTTP API 需要的同步核心操作（*agent.Agent 實作）
type Agent interface {
	Status(ctx context.Context) agent.Status
	Drain(ctx context.Context) (types.DrainOutcome, error)
	ReportIncident(ctx context.Context, p types.IncidentCreate) (agent.Result[types.Incident], error)
	UpdateStatus(ctx context.Context, p types.StatusUpdate) (agent.Result[types.User], error)
	RaiseEmergencyAlert(ctx context.Context, p types.EmergencyAlertCreate) (agent.Result[types.EmergencyAlert], error)
}

// Signal 平台連線訊號輸入（connectivity.ManualSource / ProbeSource 實作）
type Signal interface {
	Online() bool
	Set(online bool)
}

// Shell 快取控制器（*shell.Registration 實作）
type Shell interface {
	http.Handler
	PostMessage(ctx context.Context, msg shell.Message) error
	HandlePush(ctx context.Context, data []byte) error
	HandleNotificationClick(ctx context.Context, action string) error
}

// Deps HTTP API 依賴；除 Agent 外皆可為 nil，對應路由回傳 404
type Deps struct {
	Agent   Agent
	Signal  Signal
	SOS     *sos.Trigger
	Shell   Shell
	Advisor advisor.Generator
	Metrics *metrics.Collector
	Logger  *slog.Logger

	// BaseContext 背景動作（SOS 計時到期後的送出）使用的 context，預設 Background
	BaseContext context.Context
}

type api struct {
	deps Deps
	log  *slog.Logger
}

// NewHandler 建立本地 HTTP API
//
//	GET  /healthz
//	GET  /api/sync/status
//	POST /api/sync/drain
//	POST /api/sync/connectivity        {"online": bool}
//	POST /api/sync/sos                 {"action": "press" | "release" | "leave"}
//	POST /api/incidents
//	PUT  /api/users/me/status
//	POST /api/emergency-alerts
//	POST /api/recommendations/generate {"location": ..., "recentIncidents": [...]}
//	POST /sw/message                   {"type": "SKIP_WAITING"}
//	POST /sw/push
//	POST /sw/notification-click        {"action": ...}
//	GET  /metrics
//	其餘路徑交給快取控制器
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.BaseContext == nil {
		deps.BaseContext = context.Background()
	}
	a := &api{deps: deps, log: deps.Logger.With("component", "http")}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(a.logRequests)

	r.Get("/healthz", a.health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/sync/status", a.status)
		r.Post("/sync/drain", a.drain)
		r.Post("/sync/connectivity", a.connectivity)
		r.Post("/sync/sos", a.sos)

		r.Post("/incidents", a.reportIncident)
		r.Put("/users/me/status", a.updateStatus)
		r.Post("/emergency-alerts", a.raiseAlert)
		r.Post("/recommendations/generate", a.recommend)
	})

	r.Route("/sw", func(r chi.Router) {
		r.Post("/message", a.swMessage)
		r.Post("/push", a.swPush)
		r.Post("/notification-click", a.swClick)
	})

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}
	if deps.Shell != nil {
		r.Handle("/*", deps.Shell)
	}
	return r
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("Request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}

// ============================================================================
// 同步狀態
// ============================================================================

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	st := a.deps.Agent.Status(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"online":  st.Online,
		"pending": st.Pending,
	})
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.deps.Agent.Status(r.Context()))
}

func (a *api) drain(w http.ResponseWriter, r *http.Request) {
	outcome, err := a.deps.Agent.Drain(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (a *api) connectivity(w http.ResponseWriter, r *http.Request) {
	if a.deps.Signal == nil {
		http.NotFound(w, r)
		return
	}
	var body struct {
		Online *bool `json:"online"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if body.Online == nil {
		writeMessage(w, http.StatusBadRequest, "online is required")
		return
	}
	a.deps.Signal.Set(*body.Online)
	writeJSON(w, http.StatusOK, map[string]bool{"online": *body.Online})
}

func (a *api) sos(w http.ResponseWriter, r *http.Request) {
	if a.deps.SOS == nil {
		http.NotFound(w, r)
		return
	}
	var body struct {
		Action string `json:"action"`
	}
	if !readJSON(w, r, &body) {
		return
	}

	accepted := true
	switch body.Action {
	case "press":
		// 計時在請求結束後才到期，不能用 r.Context()
		accepted = a.deps.SOS.Press(a.deps.BaseContext)
	case "release":
		a.deps.SOS.Release()
	case "leave":
		a.deps.SOS.Leave()
	default:
		writeMessage(w, http.StatusBadRequest, "action must be press, release or leave")
		return
	}

	resp := map[string]any{"accepted": accepted, "state": a.deps.SOS.State()}
	if err := a.deps.SOS.LastError(); err != nil {
		resp["lastError"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ============================================================================
// 使用者動作
// ============================================================================

func (a *api) reportIncident(w http.ResponseWriter, r *http.Request) {
	var p types.IncidentCreate
	if !readJSON(w, r, &p) {
		return
	}
	res, err := a.deps.Agent.ReportIncident(r.Context(), p)
	a.respond(w, res.Outcome, res, err)
}

func (a *api) updateStatus(w http.ResponseWriter, r *http.Request) {
	var p types.StatusUpdate
	if !readJSON(w, r, &p) {
		return
	}
	res, err := a.deps.Agent.UpdateStatus(r.Context(), p)
	a.respond(w, res.Outcome, res, err)
}

func (a *api) raiseAlert(w http.ResponseWriter, r *http.Request) {
	var p types.EmergencyAlertCreate
	if !readJSON(w, r, &p) {
		return
	}
	res, err := a.deps.Agent.RaiseEmergencyAlert(r.Context(), p)
	a.respond(w, res.Outcome, res, err)
}

// respond 送達回 201，入列回 202
func (a *api) respond(w http.ResponseWriter, outcome agent.Outcome, body any, err error) {
	if err != nil {
		a.fail(w, err)
		return
	}
	status := http.StatusCreated
	if outcome == agent.OutcomeQueued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, body)
}

func (a *api) recommend(w http.ResponseWriter, r *http.Request) {
	if a.deps.Advisor == nil {
		http.NotFound(w, r)
		return
	}
	var req advisor.Request
	if !readJSON(w, r, &req) {
		return
	}
	recs, err := a.deps.Advisor.Generate(r.Context(), req)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// ============================================================================
// 快取控制器
// ============================================================================

func (a *api) swMessage(w http.ResponseWriter, r *http.Request) {
	if a.deps.Shell == nil {
		http.NotFound(w, r)
		return
	}
	var msg shell.Message
	if !readJSON(w, r, &msg) {
		return
	}
	if err := a.deps.Shell.PostMessage(r.Context(), msg); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) swPush(w http.ResponseWriter, r *http.Request) {
	if a.deps.Shell == nil {
		http.NotFound(w, r)
		return
	}
	data, ok := readAll(w, r)
	if !ok {
		return
	}
	if err := a.deps.Shell.HandlePush(r.Context(), data); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) swClick(w http.ResponseWriter, r *http.Request) {
	if a.deps.Shell == nil {
		http.NotFound(w, r)
		return
	}
	var body struct {
		Action string `json:"action"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if err := a.deps.Shell.HandleNotificationClick(r.Context(), body.Action); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// 工具
// ============================================================================

// fail 將錯誤對應到 HTTP 狀態碼
func (a *api) fail(w http.ResponseWriter, err error) {
	var se *gateway.StatusError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrInvalidPayload), errors.Is(err, shell.ErrUnknownMessage), errors.Is(err, shell.ErrInvalidPush):
		status = http.StatusBadRequest
	case errors.Is(err, identity.ErrSignedOut), errors.Is(err, identity.ErrInvalidToken):
		status = http.StatusUnauthorized
	case errors.Is(err, replay.ErrDrainInProgress):
		status = http.StatusConflict
	case errors.As(err, &se):
		status = http.StatusBadGateway
	case errors.Is(err, gateway.ErrUnreachable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, agent.ErrStopped), errors.Is(err, shell.ErrRegistrationStopped):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		a.log.Error("Request failed", "error", err)
	}
	writeMessage(w, status, err.Error())
}

func readAll(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeMessage(w, http.StatusRequestEntityTooLarge, "body too large")
		return nil, false
	}
	return data, true
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
