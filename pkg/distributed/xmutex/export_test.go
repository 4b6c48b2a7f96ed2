package xmutex

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// =============================================================================
// 测试辅助：可脚本化的后端与凭证
// =============================================================================

// MockGrant 实现 Grant 接口，用于引擎层单元测试。
type MockGrant struct {
	TokenValue string
	ReleaseErr error // Release 返回的错误
	ExtendErr  error // Extend 返回的错误

	ReleaseCalls atomic.Int64
	ExtendCalls  atomic.Int64
	LastTTL      atomic.Int64 // 最近一次 Extend 收到的 ttl（纳秒）
}

// Token 返回凭证值。
func (g *MockGrant) Token() string {
	if g.TokenValue == "" {
		return "mock-token"
	}
	return g.TokenValue
}

// Release 模拟释放。
func (g *MockGrant) Release(_ context.Context) error {
	g.ReleaseCalls.Add(1)
	return g.ReleaseErr
}

// Extend 模拟续期。
func (g *MockGrant) Extend(_ context.Context, ttl time.Duration) error {
	g.ExtendCalls.Add(1)
	g.LastTTL.Store(int64(ttl))
	return g.ExtendErr
}

// MockBackend 实现 Backend 接口，调用次数全部可观测，
// TryFn/WaitFn 可按测试需要脚本化。
type MockBackend struct {
	KindValue      string
	Rules          NameRules
	ReentrantValue bool

	// TryFn/WaitFn 为 nil 时默认成功并返回新的 MockGrant
	TryFn  func(ctx context.Context, safeName string, ttl time.Duration) (Grant, error)
	WaitFn func(ctx context.Context, safeName string, ttl time.Duration) (Grant, error)

	// CleanupFn 为 nil 时 Cleanup 返回 CleanupErr
	CleanupFn func(ctx context.Context) error

	CleanupErr error
	HealthErr  error
	CloseErr   error

	TryCalls     atomic.Int64
	WaitCalls    atomic.Int64
	CleanupCalls atomic.Int64
	HealthCalls  atomic.Int64
	CloseCalls   atomic.Int64
	LastTTL      atomic.Int64 // 最近一次获取收到的 ttl（纳秒）
}

// NewMockBackend 创建默认的 MockBackend：不可重入，所有操作成功。
func NewMockBackend() *MockBackend {
	return &MockBackend{
		KindValue: "mock",
		Rules: NameRules{
			MaxLength:   256,
			IsLegal:     func(r rune) bool { return true },
			Replacement: '_',
		},
	}
}

// Kind 返回后端标识。
func (b *MockBackend) Kind() string {
	return b.KindValue
}

// Reentrant 返回重入声明。
func (b *MockBackend) Reentrant() bool {
	return b.ReentrantValue
}

// NameRules 返回命名规则。
func (b *MockBackend) NameRules() NameRules {
	return b.Rules
}

// TryAcquireOnce 记录调用并执行 TryFn。
func (b *MockBackend) TryAcquireOnce(ctx context.Context, safeName string, ttl time.Duration) (Grant, error) {
	b.TryCalls.Add(1)
	b.LastTTL.Store(int64(ttl))
	if b.TryFn != nil {
		return b.TryFn(ctx, safeName, ttl)
	}
	return &MockGrant{}, nil
}

// WaitAcquire 记录调用并执行 WaitFn。
func (b *MockBackend) WaitAcquire(ctx context.Context, safeName string, ttl time.Duration) (Grant, error) {
	b.WaitCalls.Add(1)
	b.LastTTL.Store(int64(ttl))
	if b.WaitFn != nil {
		return b.WaitFn(ctx, safeName, ttl)
	}
	return &MockGrant{}, nil
}

// Cleanup 记录调用并执行 CleanupFn。
func (b *MockBackend) Cleanup(ctx context.Context) error {
	b.CleanupCalls.Add(1)
	if b.CleanupFn != nil {
		return b.CleanupFn(ctx)
	}
	return b.CleanupErr
}

// Health 记录调用并返回脚本化错误。
func (b *MockBackend) Health(_ context.Context) error {
	b.HealthCalls.Add(1)
	return b.HealthErr
}

// Close 记录调用并返回脚本化错误。
func (b *MockBackend) Close(_ context.Context) error {
	b.CloseCalls.Add(1)
	return b.CloseErr
}

// AcquireCalls 返回两种获取路径的调用总数。
func (b *MockBackend) AcquireCalls() int64 {
	return b.TryCalls.Load() + b.WaitCalls.Load()
}

// BlockUntilCanceled 返回一个阻塞到 ctx 结束的 WaitFn，
// 模拟锁一直被其他持有者占用的等待。
func BlockUntilCanceled(ctx context.Context, _ string, _ time.Duration) (Grant, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// CaptureLogger 把日志消息收集到内存，用于断言日志路径。
type CaptureLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *CaptureLogger) record(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

// Debug 记录 debug 消息。
func (l *CaptureLogger) Debug(_ context.Context, msg string, _ ...any) { l.record(msg) }

// Info 记录 info 消息。
func (l *CaptureLogger) Info(_ context.Context, msg string, _ ...any) { l.record(msg) }

// Warn 记录 warn 消息。
func (l *CaptureLogger) Warn(_ context.Context, msg string, _ ...any) { l.record(msg) }

// Error 记录 error 消息。
func (l *CaptureLogger) Error(_ context.Context, msg string, _ ...any) { l.record(msg) }

// Contains 报告是否记录过包含 sub 的消息。
func (l *CaptureLogger) Contains(sub string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.messages {
		if strings.Contains(m, sub) {
			return true
		}
	}
	return false
}

// 编译时接口检查
var (
	_ Backend = (*MockBackend)(nil)
	_ Grant   = (*MockGrant)(nil)
	_ Logger  = (*CaptureLogger)(nil)
)
