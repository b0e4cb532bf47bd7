package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrInvalidPush 推播內容無法解析
var ErrInvalidPush = errors.New("shell: invalid push payload")

// 通知外觀
const (
	NotificationIcon = "/icon-192x192.png"

	ActionExplore = "explore"
	ActionClose   = "close"
)

// PushPayload 推播內容
type PushPayload struct {
	Title      string          `json:"title"`
	Body       string          `json:"body"`
	PrimaryKey json.RawMessage `json:"primaryKey,omitempty"`
}

// NotificationAction 通知上的按鈕
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// NotificationData 附在通知上的資料
type NotificationData struct {
	DateOfArrival int64           `json:"dateOfArrival"` // unix 毫秒
	PrimaryKey    json.RawMessage `json:"primaryKey,omitempty"`
}

// Notification 要顯示的通知
type Notification struct {
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon"`
	Badge   string               `json:"badge"`
	Vibrate []int                `json:"vibrate"`
	Data    NotificationData     `json:"data"`
	Actions []NotificationAction `json:"actions"`
}

// Notifier 顯示通知的平台能力
type Notifier interface {
	Show(ctx context.Context, n Notification) error
}

// WindowOpener 開啟應用視窗的平台能力
type WindowOpener interface {
	OpenWindow(ctx context.Context, url string) error
}

// LogNotifier 只寫 log 的 Notifier，供無頭環境使用
type LogNotifier struct{ Logger *slog.Logger }

func (n LogNotifier) Show(ctx context.Context, note Notification) error {
	logger(n.Logger).Info("Notification", "title", note.Title, "body", note.Body)
	return nil
}

// LogOpener 只寫 log 的 WindowOpener
type LogOpener struct{ Logger *slog.Logger }

func (o LogOpener) OpenWindow(ctx context.Context, url string) error {
	logger(o.Logger).Info("Open window", "url", url)
	return nil
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// BuildNotification 由推播內容組出通知
func BuildNotification(p PushPayload, now time.Time) Notification {
	return Notification{
		Title:   p.Title,
		Body:    p.Body,
		Icon:    NotificationIcon,
		Badge:   NotificationIcon,
		Vibrate: []int{100, 50, 100},
		Data: NotificationData{
			DateOfArrival: now.UnixMilli(),
			PrimaryKey:    p.PrimaryKey,
		},
		Actions: []NotificationAction{
			{Action: ActionExplore, Title: "View Details", Icon: NotificationIcon},
			{Action: ActionClose, Title: "Close", Icon: NotificationIcon},
		},
	}
}

// ParsePush 解析推播資料；空資料回傳 ok=false
func ParsePush(data []byte) (PushPayload, bool, error) {
	if len(data) == 0 {
		return PushPayload{}, false, nil
	}
	var p PushPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return PushPayload{}, false, fmt.Errorf("%w: %w", ErrInvalidPush, err)
	}
	return p, true, nil
}
