// Package logging 依配置建立 slog.Logger
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options 日誌配置
type Options struct {
	Level   string // debug | info | warn | error，預設 info
	Format  string // text | json，預設 text
	Service string
	Output  io.Writer // 預設 os.Stderr
}

// New 建立 logger
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}

	var h slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		h = slog.NewJSONHandler(out, handlerOpts)
	} else {
		h = slog.NewTextHandler(out, handlerOpts)
	}

	l := slog.New(h)
	if opts.Service != "" {
		l = l.With("service", opts.Service)
	}
	return l
}

// Setup 建立 logger 並設為預設
func Setup(opts Options) *slog.Logger {
	l := New(opts)
	slog.SetDefault(l)
	return l
}

// ParseLevel 解析等級字串，無法辨識時回傳 info
func ParseLevel(lvl string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
