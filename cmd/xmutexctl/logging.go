package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/omeyang/xmutex/pkg/distributed/xmutex"
)

// 日志文件轮转参数
const (
	logMaxSizeMB  = 100
	logMaxBackups = 7
	logMaxAgeDays = 30
)

// newLogger 按 flag 构建日志器。
// 指定 --log-file 时输出 JSON 到按大小轮转的文件，否则输出文本到 stderr。
// 返回的清理函数关闭日志文件。
func newLogger(level, file string) (xmutex.Logger, func(), error) {
	lv, err := parseLogLevel(level)
	if err != nil {
		return nil, nil, err
	}

	opts := &slog.HandlerOptions{Level: lv}

	if file == "" {
		logger := slog.New(slog.NewTextHandler(os.Stderr, opts))
		return engineLogger{l: logger}, func() {}, nil
	}

	rotator := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    logMaxSizeMB,
		MaxBackups: logMaxBackups,
		MaxAge:     logMaxAgeDays,
		Compress:   true,
	}
	logger := slog.New(slog.NewJSONHandler(rotator, opts))
	return engineLogger{l: logger}, func() { _ = rotator.Close() }, nil
}

// parseLogLevel 解析日志级别。
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, &usageError{msg: fmt.Sprintf("未知日志级别 %q，可选: debug/info/warn/error", level)}
	}
}

// engineLogger 将 *slog.Logger 适配为 xmutex.Logger。
type engineLogger struct {
	l *slog.Logger
}

func (e engineLogger) Debug(ctx context.Context, msg string, args ...any) {
	e.l.DebugContext(ctx, msg, args...)
}

func (e engineLogger) Info(ctx context.Context, msg string, args ...any) {
	e.l.InfoContext(ctx, msg, args...)
}

func (e engineLogger) Warn(ctx context.Context, msg string, args ...any) {
	e.l.WarnContext(ctx, msg, args...)
}

func (e engineLogger) Error(ctx context.Context, msg string, args ...any) {
	e.l.ErrorContext(ctx, msg, args...)
}

var _ xmutex.Logger = engineLogger{}
