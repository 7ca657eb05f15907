package app

import (
	"io"
	"log/slog"
	"strings"

	"github.com/cockroachdb/errors"
)

// LogOptions 描述日志输出格式与级别。
type LogOptions struct {
	Format string // text|json
	Level  string // debug|info|warn|error
}

// NewLogger 构造 slog 日志器；CLI 输出给人看时用 text，交给采集系统时用 json。
func NewLogger(w io.Writer, opts LogOptions) (*slog.Logger, error) {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	hopts := &slog.HandlerOptions{Level: level, AddSource: level <= slog.LevelDebug}

	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	default:
		return nil, errors.Newf("log format: unsupported value %q", opts.Format)
	}
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, errors.Newf("log level: unsupported value %q", s)
	}
}
