package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/raksha-sync/internal/advisor"
	"github.com/ChuLiYu/raksha-sync/internal/agent"
	"github.com/ChuLiYu/raksha-sync/internal/connectivity"
	"github.com/ChuLiYu/raksha-sync/internal/gateway"
	"github.com/ChuLiYu/raksha-sync/internal/identity"
	"github.com/ChuLiYu/raksha-sync/internal/replay"
	"github.com/ChuLiYu/raksha-sync/internal/shell"
	"github.com/ChuLiYu/raksha-sync/internal/sos"
	"github.com/ChuLiYu/raksha-sync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ============================================================================
// 測試替身
// ============================================================================

type fakeAgent struct {
	mu        sync.Mutex
	queued    bool
	err       error
	drainErr  error
	incidents []types.IncidentCreate
	alerts    []types.EmergencyAlertCreate
}

func (f *fakeAgent) set(fn func(*fakeAgent)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeAgent) Status(ctx context.Context) agent.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return agent.Status{Online: !f.queued, Pending: 2}
}

func (f *fakeAgent) Drain(ctx context.Context) (types.DrainOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return types.DrainOutcome{Succeeded: 2}, f.drainErr
}

func (f *fakeAgent) ReportIncident(ctx context.Context, p types.IncidentCreate) (agent.Result[types.Incident], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incidents = append(f.incidents, p)
	if f.err != nil {
		return agent.Result[types.Incident]{}, f.err
	}
	if f.queued {
		return agent.Result[types.Incident]{Outcome: agent.OutcomeQueued, MutationID: "m-1"}, nil
	}
	return agent.Result[types.Incident]{Outcome: agent.OutcomeSent, Record: &types.Incident{ID: 9}}, nil
}

func (f *fakeAgent) UpdateStatus(ctx context.Context, p types.StatusUpdate) (agent.Result[types.User], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return agent.Result[types.User]{Outcome: agent.OutcomeSent, Record: &types.User{SafetyStatus: p.Status}}, f.err
}

func (f *fakeAgent) RaiseEmergencyAlert(ctx context.Context, p types.EmergencyAlertCreate) (agent.Result[types.EmergencyAlert], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, p)
	return agent.Result[types.EmergencyAlert]{Outcome: agent.OutcomeSent, Record: &types.EmergencyAlert{ID: 1}}, f.err
}

func (f *fakeAgent) alertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

type fakeShell struct {
	mu       sync.Mutex
	messages []shell.Message
	pushes   []string
	clicks   []string
}

func (s *fakeShell) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("shell:" + r.URL.Path))
}

func (s *fakeShell) PostMessage(ctx context.Context, msg shell.Message) error {
	if msg.Type != shell.MessageSkipWaiting {
		return shell.ErrUnknownMessage
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *fakeShell) HandlePush(ctx context.Context, data []byte) error {
	if _, _, err := shell.ParsePush(data); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushes = append(s.pushes, string(data))
	return nil
}

func (s *fakeShell) HandleNotificationClick(ctx context.Context, action string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clicks = append(s.clicks, action)
	return nil
}

type fixture struct {
	agent  *fakeAgent
	signal *connectivity.ManualSource
	shell  *fakeShell
	sos    *sos.Trigger
	srv    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		agent:  &fakeAgent{},
		signal: connectivity.NewManualSource(true),
		shell:  &fakeShell{},
	}
	f.sos = sos.New(func(ctx context.Context, a types.EmergencyAlertCreate) error {
		_, err := f.agent.RaiseEmergencyAlert(ctx, a)
		return err
	}, sos.Options{Hold: 20 * time.Millisecond, Cooldown: time.Hour})
	t.Cleanup(f.sos.Close)

	f.srv = httptest.NewServer(NewHandler(Deps{
		Agent:   f.agent,
		Signal:  f.signal,
		SOS:     f.sos,
		Shell:   f.shell,
		Advisor: advisor.WithFallback(nil, nil, nil),
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

// ============================================================================
// HTTP API
// ============================================================================

func TestHealthAndStatus(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(2), body["pending"])

	resp, body = f.do(t, http.MethodGet, "/api/sync/status", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["online"])
}

func TestDrainEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/sync/drain", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["succeeded"])

	f.agent.set(func(a *fakeAgent) { a.drainErr = replay.ErrDrainInProgress })
	resp, _ = f.do(t, http.MethodPost, "/api/sync/drain", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestConnectivitySignal(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/sync/connectivity", `{"online":false}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, f.signal.Online())

	resp, _ = f.do(t, http.MethodPost, "/api/sync/connectivity", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/sync/connectivity", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReportIncidentOutcomes(t *testing.T) {
	f := newFixture(t)
	incident := `{"type":"harassment","description":"followed near the market","location":"Pune","urgency":"high"}`

	resp, body := f.do(t, http.MethodPost, "/api/incidents", incident)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "sent", body["outcome"])

	f.agent.set(func(a *fakeAgent) { a.queued = true })
	resp, body = f.do(t, http.MethodPost, "/api/incidents", incident)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "queued", body["outcome"])
	assert.Equal(t, "m-1", body["mutationId"])
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid", types.ErrInvalidPayload, http.StatusBadRequest},
		{"signed out", identity.ErrSignedOut, http.StatusUnauthorized},
		{"rejected", &gateway.StatusError{StatusCode: 422, Message: "bad"}, http.StatusBadGateway},
		{"unreachable", gateway.ErrUnreachable, http.StatusServiceUnavailable},
		{"stopped", agent.ErrStopped, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.agent.set(func(a *fakeAgent) { a.err = tt.err })
			resp, body := f.do(t, http.MethodPut, "/api/users/me/status", `{"status":"safe"}`)
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.NotEmpty(t, body["message"])
		})
	}
}

func TestSOSEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/sync/sos", `{"action":"press"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["accepted"])

	// 請求結束後計時仍會到期
	require.Eventually(t, func() bool { return f.agent.alertCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, sos.StateActivated, f.sos.State())

	_, body = f.do(t, http.MethodPost, "/api/sync/sos", `{"action":"press"}`)
	assert.Equal(t, false, body["accepted"], "cooldown ignores presses")

	resp, _ = f.do(t, http.MethodPost, "/api/sync/sos", `{"action":"tap"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSOSReleaseCancels(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/api/sync/sos", `{"action":"press"}`)
	f.do(t, http.MethodPost, "/api/sync/sos", `{"action":"leave"}`)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.agent.alertCount())
}

func TestRecommendEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Post(f.srv.URL+"/api/recommendations/generate", "application/json", strings.NewReader(`{"location":"Solapur"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	var recs []types.Recommendation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&recs))
	require.Len(t, recs, 3)
	assert.Equal(t, "Solapur", recs[0].Location)
}

func TestShellRoutes(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/sw/message", `{"type":"SKIP_WAITING"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/sw/message", `{"type":"RELOAD"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/sw/push", `{"title":"Alert","body":"Check in"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/sw/push", `{broken`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/sw/notification-click", `{"action":"explore"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err := http.Get(f.srv.URL + "/reports")
	require.NoError(t, err)
	defer resp.Body.Close()
	buf := new(strings.Builder)
	_, _ = io.Copy(buf, resp.Body)
	assert.Equal(t, "shell:/reports", buf.String())

	f.shell.mu.Lock()
	defer f.shell.mu.Unlock()
	assert.Len(t, f.shell.messages, 1)
	assert.Len(t, f.shell.pushes, 1)
	assert.Equal(t, []string{"explore"}, f.shell.clicks)
}

func TestOptionalDepsReturnNotFound(t *testing.T) {
	srv := httptest.NewServer(NewHandler(Deps{Agent: &fakeAgent{}}))
	defer srv.Close()

	for _, path := range []string{"/api/sync/connectivity", "/api/sync/sos", "/sw/message", "/api/recommendations/generate"} {
		resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(`{}`))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

// ============================================================================
// gRPC health 與 Server
// ============================================================================

func TestHealthFollowsConnectivity(t *testing.T) {
	h := NewHealth(false, nil)
	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := h.Checker().Check(context.Background(), &healthpb.HealthCheckRequest{Service: ConnectivityService})
		require.NoError(t, err)
		return resp.Status
	}
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())

	events := make(chan types.ConnectivityEvent, 2)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Follow(ctx, events)
		close(done)
	}()

	events <- types.ConnectivityEvent{Online: true, Transition: types.BecameOnline}
	require.Eventually(t, func() bool { return check() == healthpb.HealthCheckResponse_SERVING }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestServerRun(t *testing.T) {
	h := NewHealth(true, nil)
	srv, err := New(Options{
		Addr:     "127.0.0.1:0",
		GRPCAddr: "127.0.0.1:0",
		Handler:  NewHandler(Deps{Agent: &fakeAgent{}}),
		Health:   h,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()
	<-srv.Ready()

	resp, err := http.Get("http://" + srv.HTTPAddr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conn, err := grpc.NewClient(srv.GRPCAddr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	hc, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ConnectivityService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, hc.Status)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	_, err = New(Options{Addr: ":0", Handler: http.NotFoundHandler(), GRPCAddr: ":0"})
	assert.Error(t, err)
}
