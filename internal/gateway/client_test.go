package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/raksha-sync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	method string
	path   string
	auth   string
	body   map[string]any
}

func newBackend(t *testing.T, status int, response string) (*httptest.Server, *captured) {
	t.Helper()
	got := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		got.auth = r.Header.Get("Authorization")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &got.body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestCreateIncident(t *testing.T) {
	srv, got := newBackend(t, http.StatusCreated, `{"id":42,"userId":1,"type":"stalking","status":"pending"}`)
	c := NewHTTPClient(Options{BaseURL: srv.URL + "/api/"})

	inc, err := c.CreateIncident(context.Background(), types.IncidentCreate{
		UserID: 1, Type: types.IncidentStalking, Description: "followed near the market",
		Location: "Deccan", Urgency: types.UrgencyMedium,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(42), inc.ID)
	assert.Equal(t, "pending", inc.Status)
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/api/incidents", got.path)
	assert.Equal(t, "Deccan", got.body["location"])
	assert.Equal(t, []any{}, got.body["evidence"], "evidence defaults to an empty list")
}

func TestCreateIncident_LargeAndUndecodableResponses(t *testing.T) {
	ctx := context.Background()
	long := strings.Repeat("x", 2<<20)
	srv, _ := newBackend(t, http.StatusCreated, `{"id":43,"description":"`+long+`"}`)
	c := NewHTTPClient(Options{BaseURL: srv.URL})

	inc, err := c.CreateIncident(ctx, types.IncidentCreate{UserID: 1})
	require.NoError(t, err, "bodies over 1 MiB are not truncated")
	assert.Equal(t, int64(43), inc.ID)
	assert.Len(t, inc.Description, len(long))

	srv, _ = newBackend(t, http.StatusCreated, `<html>created</html>`)
	c = NewHTTPClient(Options{BaseURL: srv.URL})
	_, err = c.CreateIncident(ctx, types.IncidentCreate{UserID: 1})
	assert.ErrorIs(t, err, ErrDecodeResponse)
	assert.False(t, IsTransient(err))

	// 寫入已成功，重放不可重送
	assert.NoError(t, Send(ctx, c, types.IncidentCreate{UserID: 1}))

	srv, _ = newBackend(t, http.StatusNoContent, ``)
	c = NewHTTPClient(Options{BaseURL: srv.URL})
	_, err = c.CreateIncident(ctx, types.IncidentCreate{UserID: 1})
	assert.NoError(t, err, "empty body is not an error")
}

func TestUpdateStatus(t *testing.T) {
	srv, got := newBackend(t, http.StatusOK, `{"id":7,"safetyStatus":"caution"}`)
	c := NewHTTPClient(Options{BaseURL: srv.URL + "/api"})

	user, err := c.UpdateStatus(context.Background(), types.StatusUpdate{UserID: 7, Status: types.StatusCaution, Location: "Office"})
	require.NoError(t, err)

	assert.Equal(t, types.StatusCaution, user.SafetyStatus)
	assert.Equal(t, http.MethodPut, got.method)
	assert.Equal(t, "/api/users/7/status", got.path)
	assert.Equal(t, map[string]any{"status": "caution", "location": "Office"}, got.body)
}

func TestCreateEmergencyAlert_WithToken(t *testing.T) {
	srv, got := newBackend(t, http.StatusCreated, `{"id":3,"status":"active"}`)
	c := NewHTTPClient(Options{
		BaseURL: srv.URL + "/api",
		Token:   func(context.Context) (string, error) { return "tok-123", nil },
	})

	alert, err := c.CreateEmergencyAlert(context.Background(), types.EmergencyAlertCreate{UserID: 1, Location: "Unknown"})
	require.NoError(t, err)

	assert.Equal(t, "active", alert.Status)
	assert.Equal(t, "/api/emergency-alerts", got.path)
	assert.Equal(t, "Bearer tok-123", got.auth)
	assert.Equal(t, []any{}, got.body["alertedContacts"])
}

func TestStatusError(t *testing.T) {
	srv, _ := newBackend(t, http.StatusInternalServerError, `{"message":"Failed to create incident"}`)
	c := NewHTTPClient(Options{BaseURL: srv.URL})

	_, err := c.CreateIncident(context.Background(), types.IncidentCreate{UserID: 1})
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 500, se.StatusCode)
	assert.Equal(t, "Failed to create incident", se.Message)
	assert.True(t, IsTransient(err))
	assert.NotErrorIs(t, err, ErrUnreachable)
}

func TestUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewHTTPClient(Options{BaseURL: url, Timeout: time.Second})
	_, err := c.UpdateStatus(context.Background(), types.StatusUpdate{UserID: 1, Status: types.StatusSafe})

	assert.ErrorIs(t, err, ErrUnreachable)
	assert.True(t, IsTransient(err))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unreachable", ErrUnreachable, true},
		{"deadline", context.DeadlineExceeded, true},
		{"503", &StatusError{StatusCode: 503}, true},
		{"429", &StatusError{StatusCode: 429}, true},
		{"408", &StatusError{StatusCode: 408}, true},
		{"400", &StatusError{StatusCode: 400}, false},
		{"404", &StatusError{StatusCode: 404}, false},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

// fakeClient 記錄 Send 的分派結果
type fakeClient struct{ calls []string }

func (f *fakeClient) CreateIncident(ctx context.Context, p types.IncidentCreate) (*types.Incident, error) {
	f.calls = append(f.calls, "incident")
	return &types.Incident{}, nil
}

func (f *fakeClient) UpdateStatus(ctx context.Context, p types.StatusUpdate) (*types.User, error) {
	f.calls = append(f.calls, "status")
	return &types.User{}, nil
}

func (f *fakeClient) CreateEmergencyAlert(ctx context.Context, p types.EmergencyAlertCreate) (*types.EmergencyAlert, error) {
	f.calls = append(f.calls, "alert")
	return &types.EmergencyAlert{}, nil
}

func TestSend_Dispatch(t *testing.T) {
	f := &fakeClient{}
	ctx := context.Background()

	require.NoError(t, Send(ctx, f, types.IncidentCreate{}))
	require.NoError(t, Send(ctx, f, &types.StatusUpdate{}))
	require.NoError(t, Send(ctx, f, types.EmergencyAlertCreate{}))
	assert.Equal(t, []string{"incident", "status", "alert"}, f.calls)

	assert.ErrorIs(t, Send(ctx, f, nil), ErrUnsupportedPayload)
	assert.ErrorIs(t, Send(ctx, f, (*types.IncidentCreate)(nil)), ErrUnsupportedPayload)
	assert.Len(t, f.calls, 3)
}
