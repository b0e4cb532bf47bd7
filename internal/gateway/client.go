// Package gateway 是後端 REST API 的客戶端
//
// 端點：
//
//	POST {base}/incidents
//	PUT  {base}/users/{id}/status
//	POST {base}/emergency-alerts
//
// 2xx 視為成功；其他狀態碼回傳 *StatusError；連線層失敗包裝 ErrUnreachable；
// 2xx 但本文無法解析時回傳 ErrDecodeResponse
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ChuLiYu/raksha-sync/pkg/types"
)

// DefaultBaseURL 預設後端位址
const DefaultBaseURL = "http://localhost:5000/api"

var (
	// ErrUnreachable 無法連線到後端（DNS、拒絕連線、逾時等）
	ErrUnreachable = errors.New("gateway: backend unreachable")
	// ErrUnsupportedPayload Send 收到不認識的載荷
	ErrUnsupportedPayload = errors.New("gateway: unsupported payload")
	// ErrDecodeResponse 後端回應 2xx（寫入已成功）但本文無法解析
	ErrDecodeResponse = errors.New("gateway: undecodable response")
)

// maxErrorBody 非 2xx 回應只讀取這麼多位元組作為錯誤訊息
const maxErrorBody = 64 << 10

// StatusError 後端回應非 2xx
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gateway: %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("gateway: %s %s: status %d", e.Method, e.Path, e.StatusCode)
}

// Client 後端操作介面，replay engine 與 agent 透過它送出 mutation
type Client interface {
	CreateIncident(ctx context.Context, p types.IncidentCreate) (*types.Incident, error)
	UpdateStatus(ctx context.Context, p types.StatusUpdate) (*types.User, error)
	CreateEmergencyAlert(ctx context.Context, p types.EmergencyAlertCreate) (*types.EmergencyAlert, error)
}

// TokenFunc 提供 Authorization bearer token；回傳空字串表示不帶
type TokenFunc func(ctx context.Context) (string, error)

// Options HTTPClient 設定
type Options struct {
	BaseURL    string
	Timeout    time.Duration // 單一請求逾時，預設 15s
	HTTPClient *http.Client
	Token      TokenFunc
}

// HTTPClient 以 net/http 實作 Client
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	token      TokenFunc
}

func NewHTTPClient(opts Options) *HTTPClient {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.HTTPClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		opts.HTTPClient = &http.Client{Timeout: timeout}
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: opts.HTTPClient,
		token:      opts.Token,
	}
}

func (c *HTTPClient) CreateIncident(ctx context.Context, p types.IncidentCreate) (*types.Incident, error) {
	if p.Evidence == nil {
		p.Evidence = []string{}
	}
	var out types.Incident
	if err := c.do(ctx, http.MethodPost, "/incidents", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) UpdateStatus(ctx context.Context, p types.StatusUpdate) (*types.User, error) {
	body := struct {
		Status   types.SafetyStatus `json:"status"`
		Location string             `json:"location,omitempty"`
	}{p.Status, p.Location}

	var out types.User
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/users/%d/status", p.UserID), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) CreateEmergencyAlert(ctx context.Context, p types.EmergencyAlertCreate) (*types.EmergencyAlert, error) {
	if p.AlertedContacts == nil {
		p.AlertedContacts = []string{}
	}
	var out types.EmergencyAlert
	if err := c.do(ctx, http.MethodPost, "/emergency-alerts", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("gateway: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("gateway: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != nil {
		tok, err := c.token(ctx)
		if err != nil {
			return fmt.Errorf("gateway: token: %w", err)
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnreachable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}
	if out == nil {
		return nil
	}
	// 成功回應直接串流解碼，不截斷；空本文視為沒有紀錄
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %s %s: %v", ErrDecodeResponse, method, path, err)
	}
	return nil
}

// errorMessage 取出後端 {"message": "..."} 格式的錯誤說明
func errorMessage(data []byte) string {
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil && body.Message != "" {
		return body.Message
	}
	return strings.TrimSpace(string(data))
}

// Send 依載荷種類呼叫對應的端點
func Send(ctx context.Context, c Client, p types.Payload) error {
	pv, ok := types.PayloadValue(p)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnsupportedPayload, p)
	}
	var err error
	switch v := pv.(type) {
	case types.IncidentCreate:
		_, err = c.CreateIncident(ctx, v)
	case types.StatusUpdate:
		_, err = c.UpdateStatus(ctx, v)
	case types.EmergencyAlertCreate:
		_, err = c.CreateEmergencyAlert(ctx, v)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedPayload, p)
	}
	if errors.Is(err, ErrDecodeResponse) {
		// 寫入已被接受；Send 不需要回傳的紀錄
		return nil
	}
	return err
}

// IsTransient 是否為重試可能成功的錯誤：連線失敗、逾時、5xx、408、429
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnreachable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusRequestTimeout || se.StatusCode == http.StatusTooManyRequests
	}
	return false
}
