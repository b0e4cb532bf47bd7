// Package advisor 產生安全建議
//
// HTTPGenerator 呼叫設定的生成服務；WithFallback 在任何錯誤或空回應時改用
// 三則固定建議（路線、時間、一般），並標上查詢地點
package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ChuLiYu/raksha-sync/internal/metrics"
	"github.com/ChuLiYu/raksha-sync/pkg/types"
)

// DefaultLocation 未指定地點時使用
const DefaultLocation = "Maharashtra"

var (
	// ErrEmptyResponse 生成服務沒有回傳任何建議
	ErrEmptyResponse = errors.New("advisor: empty response")
	// ErrNoEndpoint 沒有設定生成服務
	ErrNoEndpoint = errors.New("advisor: no endpoint configured")
)

// Request 產生建議所需的資訊
type Request struct {
	Location        string           `json:"location"`
	RecentIncidents []types.Incident `json:"recentIncidents"`
}

// Generator 產生安全建議
type Generator interface {
	Generate(ctx context.Context, req Request) ([]types.Recommendation, error)
}

// GeneratorFunc 函式形式的 Generator
type GeneratorFunc func(ctx context.Context, req Request) ([]types.Recommendation, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request) ([]types.Recommendation, error) {
	return f(ctx, req)
}

// ============================================================================
// HTTP 生成服務
// ============================================================================

// HTTPOptions HTTPGenerator 配置
type HTTPOptions struct {
	Endpoint   string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTPGenerator 以 JSON POST 呼叫生成服務
//
// 請求: {"location": ..., "recentIncidents": [...], "prompt": ...}
// 回應: {"recommendations": [{type,title,description,priority}, ...]}
type HTTPGenerator struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPGenerator 建立 HTTPGenerator
func NewHTTPGenerator(opts HTTPOptions) *HTTPGenerator {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	return &HTTPGenerator{
		endpoint: opts.Endpoint,
		apiKey:   opts.APIKey,
		client:   opts.HTTPClient,
	}
}

type generateBody struct {
	Request
	Prompt string `json:"prompt"`
}

type generateResponse struct {
	Recommendations []types.Recommendation `json:"recommendations"`
}

// Generate 呼叫生成服務，回傳的每則建議都標上查詢地點
func (g *HTTPGenerator) Generate(ctx context.Context, req Request) ([]types.Recommendation, error) {
	if g.endpoint == "" {
		return nil, ErrNoEndpoint
	}
	req = normalize(req)

	body, err := json.Marshal(generateBody{Request: req, Prompt: Prompt(req)})
	if err != nil {
		return nil, fmt.Errorf("advisor: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("advisor: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("advisor: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("advisor: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("advisor: decode response: %w", err)
	}
	if len(out.Recommendations) == 0 {
		return nil, ErrEmptyResponse
	}
	for i := range out.Recommendations {
		out.Recommendations[i].Location = req.Location
	}
	return out.Recommendations, nil
}

// Prompt 組出送給生成服務的提示
func Prompt(req Request) string {
	history := "No recent incidents reported"
	if len(req.RecentIncidents) > 0 {
		parts := make([]string, 0, len(req.RecentIncidents))
		for _, inc := range req.RecentIncidents {
			parts = append(parts, fmt.Sprintf("%s at %s", inc.Type, inc.Location))
		}
		history = "Recent incidents in the area: " + strings.Join(parts, ", ")
	}

	var b strings.Builder
	b.WriteString("As a women's safety expert for rural Maharashtra, India, provide 3 specific safety recommendations based on:\n\n")
	fmt.Fprintf(&b, "Location: %s\n%s\n\n", req.Location, history)
	b.WriteString("Consider rural connectivity challenges, local transportation patterns, the cultural context of Maharashtra, ")
	b.WriteString("time-based safety concerns and community safety resources.\n\n")
	b.WriteString(`Respond with JSON: {"recommendations":[{"type":"route|time|general","title":"...","description":"...","priority":"low|medium|high"}]}`)
	return b.String()
}

func normalize(req Request) Request {
	if strings.TrimSpace(req.Location) == "" {
		req.Location = DefaultLocation
	}
	return req
}

// ============================================================================
// 固定建議
// ============================================================================

// Fallback 三則固定建議，標上指定地點
func Fallback(location string) []types.Recommendation {
	if strings.TrimSpace(location) == "" {
		location = DefaultLocation
	}
	return []types.Recommendation{
		{
			Type:        "route",
			Title:       "Use Well-Lit Main Roads",
			Description: "Avoid shortcuts and use main roads with better lighting and more people, especially during evening hours.",
			Priority:    "high",
			Location:    location,
		},
		{
			Type:        "time",
			Title:       "Travel During Peak Hours",
			Description: "Plan your travel between 7 AM to 7 PM when there's more activity and better visibility in rural areas.",
			Priority:    "medium",
			Location:    location,
		},
		{
			Type:        "general",
			Title:       "Keep Emergency Contacts Updated",
			Description: "Ensure your family knows your travel plans and expected arrival times. Regular check-ins provide added security.",
			Priority:    "high",
			Location:    location,
		},
	}
}

type fallbackGenerator struct {
	next    Generator
	metrics *metrics.Collector
	log     *slog.Logger
}

// WithFallback 包裝 Generator：失敗或空回應時回傳固定建議，永不回傳錯誤
// next 為 nil 時一律使用固定建議
func WithFallback(next Generator, m *metrics.Collector, logger *slog.Logger) Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &fallbackGenerator{next: next, metrics: m, log: logger.With("component", "advisor")}
}

func (f *fallbackGenerator) Generate(ctx context.Context, req Request) ([]types.Recommendation, error) {
	req = normalize(req)
	if f.next == nil {
		f.metrics.RecordRecommendationFallback()
		return Fallback(req.Location), nil
	}

	recs, err := f.next.Generate(ctx, req)
	if err == nil && len(recs) == 0 {
		err = ErrEmptyResponse
	}
	if err != nil {
		f.log.Warn("Recommendation generation failed, using fallback", "location", req.Location, "error", err)
		f.metrics.RecordRecommendationFallback()
		return Fallback(req.Location), nil
	}
	return recs, nil
}
