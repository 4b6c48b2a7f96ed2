package xmutex

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
)

// =============================================================================
// 熔断装饰器选项
// =============================================================================

// 熔断默认配置。
const (
	defaultBreakerFailures = 5
	defaultBreakerTimeout  = 60 * time.Second
)

// BreakerOption 定义熔断装饰器的配置选项。
type BreakerOption func(*breakerOptions)

// breakerOptions 熔断装饰器内部配置。
type breakerOptions struct {
	name          string
	failures      uint32
	timeout       time.Duration
	interval      time.Duration
	maxRequests   uint32
	onStateChange func(name string, from, to BreakerState)
}

func defaultBreakerOptions() *breakerOptions {
	return &breakerOptions{
		failures:    defaultBreakerFailures,
		timeout:     defaultBreakerTimeout,
		maxRequests: 1,
	}
}

// WithBreakerName 设置熔断器名称，用于日志与状态回调标识。
// 默认 "xmutex-<后端标识>"。
func WithBreakerName(name string) BreakerOption {
	return func(o *breakerOptions) {
		if name != "" {
			o.name = name
		}
	}
}

// WithBreakerFailures 设置触发熔断的连续失败次数，默认 5。
func WithBreakerFailures(n uint32) BreakerOption {
	return func(o *breakerOptions) {
		if n > 0 {
			o.failures = n
		}
	}
}

// WithBreakerTimeout 设置熔断器从 Open 恢复到 HalfOpen 的冷却时间，默认 60 秒。
func WithBreakerTimeout(d time.Duration) BreakerOption {
	return func(o *breakerOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithBreakerInterval 设置 Closed 状态下统计窗口的清零周期。
// 默认 0（持续累积）。
func WithBreakerInterval(d time.Duration) BreakerOption {
	return func(o *breakerOptions) {
		o.interval = d
	}
}

// WithBreakerMaxRequests 设置 HalfOpen 状态下允许通过的探测请求数，默认 1。
func WithBreakerMaxRequests(n uint32) BreakerOption {
	return func(o *breakerOptions) {
		if n > 0 {
			o.maxRequests = n
		}
	}
}

// WithBreakerOnStateChange 设置状态变化回调，可用于日志与告警。
func WithBreakerOnStateChange(f func(name string, from, to BreakerState)) BreakerOption {
	return func(o *breakerOptions) {
		o.onStateChange = f
	}
}

// =============================================================================
// 熔断装饰器实现
// =============================================================================

// breakerBackend 为任意后端叠加熔断保护的装饰器。
//
// 介质连续故障达到阈值后熔断器打开，后续操作不再触碰介质，
// 直接以 [ErrBackendUnavailable] 快速失败，避免每次请求都等满
// 网络超时。冷却期过后进入半开态放行探测请求，成功则恢复。
//
// 判定规则：
//   - 竞争失败 (nil, nil) 与 context 结束不计入失败
//   - [ErrNotHeld] 是租约状态而非介质故障，不计入失败
type breakerBackend struct {
	inner Backend
	cb    *gobreaker.CircuitBreaker[Grant]
	opts  *breakerOptions
}

// 编译时检查。
var _ Backend = (*breakerBackend)(nil)

// NewBreakerBackend 将后端包装为带熔断保护的后端。
//
// 错误：[ErrNilBackend]。
func NewBreakerBackend(inner Backend, opts ...BreakerOption) (Backend, error) {
	if inner == nil {
		return nil, ErrNilBackend
	}

	o := defaultBreakerOptions()
	for _, apply := range opts {
		if apply != nil {
			apply(o)
		}
	}
	if o.name == "" {
		o.name = "xmutex-" + inner.Kind()
	}

	settings := gobreaker.Settings{
		Name:        o.name,
		MaxRequests: o.maxRequests,
		Interval:    o.interval,
		Timeout:     o.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= o.failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isContextError(err) || errors.Is(err, ErrNotHeld)
		},
	}
	if o.onStateChange != nil {
		settings.OnStateChange = o.onStateChange
	}

	return &breakerBackend{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker[Grant](settings),
		opts:  o,
	}, nil
}

// Kind 返回被装饰后端的标识，装饰器对注册表与指标透明。
func (b *breakerBackend) Kind() string {
	return b.inner.Kind()
}

// Reentrant 委托给被装饰后端。
func (b *breakerBackend) Reentrant() bool {
	return b.inner.Reentrant()
}

// NameRules 委托给被装饰后端。
func (b *breakerBackend) NameRules() NameRules {
	return b.inner.NameRules()
}

// TryAcquireOnce 经熔断器执行一次非阻塞获取。
func (b *breakerBackend) TryAcquireOnce(ctx context.Context, safeName string, ttl time.Duration) (Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	grant, err := b.cb.Execute(func() (Grant, error) {
		return b.inner.TryAcquireOnce(ctx, safeName, ttl)
	})
	if err != nil {
		return nil, wrapBreakerError(err)
	}
	if grant == nil {
		return nil, nil
	}
	return &breakerGrant{inner: grant, backend: b}, nil
}

// WaitAcquire 阻塞等待获取。
// 阻塞路径只做断路检查，不占用半开态的探测额度：一次长等待
// 会把探测窗口占满，使其余请求在整个等待期间全部被拒。
// 熔断状态由非阻塞操作的成败驱动。
func (b *breakerBackend) WaitAcquire(ctx context.Context, safeName string, ttl time.Duration) (Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.cb.State() == BreakerOpen {
		return nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, gobreaker.ErrOpenState)
	}
	grant, err := b.inner.WaitAcquire(ctx, safeName, ttl)
	if err != nil {
		return nil, err
	}
	if grant == nil {
		return nil, nil
	}
	return &breakerGrant{inner: grant, backend: b}, nil
}

// Cleanup 经熔断器执行遗弃清理。
func (b *breakerBackend) Cleanup(ctx context.Context) error {
	return b.execErr(func() error {
		return b.inner.Cleanup(ctx)
	})
}

// Health 经熔断器执行健康检查。
// 熔断器打开时快速失败，健康检查本身就是恢复探测的天然载体。
func (b *breakerBackend) Health(ctx context.Context) error {
	return b.execErr(func() error {
		return b.inner.Health(ctx)
	})
}

// Close 关闭被装饰后端。
func (b *breakerBackend) Close(ctx context.Context) error {
	return b.inner.Close(ctx)
}

// State 返回熔断器当前状态，供观测与测试使用。
func (b *breakerBackend) State() BreakerState {
	return b.cb.State()
}

// execErr 经熔断器执行只返回错误的操作。
func (b *breakerBackend) execErr(fn func() error) error {
	_, err := b.cb.Execute(func() (Grant, error) {
		return nil, fn()
	})
	return wrapBreakerError(err)
}

// wrapBreakerError 把熔断器自身的拒绝错误归一到包内错误。
// 介质错误已由内层后端包装，原样上抛。
func wrapBreakerError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	return err
}

// =============================================================================
// 熔断 Grant 装饰器
// =============================================================================

// breakerGrant 把凭证的释放与续期也纳入熔断统计。
// 介质故障时 Release/Extend 同样快速失败，锁交由介质的
// 存活机制（TTL、进程探活、会话）回收。
type breakerGrant struct {
	inner   Grant
	backend *breakerBackend
}

var _ Grant = (*breakerGrant)(nil)

// Token 返回凭证值。
func (g *breakerGrant) Token() string {
	return g.inner.Token()
}

// Release 经熔断器释放锁。
func (g *breakerGrant) Release(ctx context.Context) error {
	return g.backend.execErr(func() error {
		return g.inner.Release(ctx)
	})
}

// Extend 经熔断器续期租约。
func (g *breakerGrant) Extend(ctx context.Context, ttl time.Duration) error {
	return g.backend.execErr(func() error {
		return g.inner.Extend(ctx, ttl)
	})
}
