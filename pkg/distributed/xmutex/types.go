package xmutex

import (
	"context"
)

// Logger 定义 xmutex 使用的日志接口。
// 与 xlog.Logger 兼容，也可以适配其他日志库。
type Logger interface {
	Debug(ctx context.Context, msg string, args ...any)
	Info(ctx context.Context, msg string, args ...any)
	Warn(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)
}

// noopLogger 默认的空日志实现。
type noopLogger struct{}

func (noopLogger) Debug(context.Context, string, ...any) {}
func (noopLogger) Info(context.Context, string, ...any)  {}
func (noopLogger) Warn(context.Context, string, ...any)  {}
func (noopLogger) Error(context.Context, string, ...any) {}

// Cleaner 表示可以执行遗弃清理的对象。
// [Engine] 实现此接口；[Janitor] 以此接口聚合多个清理目标。
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// 确保 noopLogger 实现 Logger 接口。
var _ Logger = noopLogger{}
