package xmutex

import (
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Engine 选项
// =============================================================================

// Option 定义引擎的配置选项。
type Option func(*engineOptions)

// engineOptions 引擎配置。
type engineOptions struct {
	logger         Logger
	meterProvider  metric.MeterProvider
	metricsOpts    []MetricsOption
	tracerProvider trace.TracerProvider
	ttl            time.Duration // 租约型后端的默认锁有效期
}

// defaultEngineOptions 返回默认的引擎配置。
func defaultEngineOptions() *engineOptions {
	return &engineOptions{
		logger: noopLogger{},
		ttl:    DefaultTTL,
	}
}

// validate 校验引擎配置。
func (o *engineOptions) validate() error {
	if o.ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}

// WithLogger 设置日志实现。
// 默认为空实现（不输出）。
func WithLogger(l Logger) Option {
	return func(o *engineOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMeterProvider 设置 OpenTelemetry MeterProvider。
// 未设置时不记录指标。
// metricsOpts 透传给 [NewMetrics]，如 [MetricsWithDisableNameLabel]。
func WithMeterProvider(mp metric.MeterProvider, metricsOpts ...MetricsOption) Option {
	return func(o *engineOptions) {
		o.meterProvider = mp
		o.metricsOpts = metricsOpts
	}
}

// WithTracerProvider 设置 OpenTelemetry TracerProvider。
// 未设置时不产生 span。
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *engineOptions) {
		o.tracerProvider = tp
	}
}

// WithTTL 设置租约型后端（redis/mongo/k8s/memory）的默认锁有效期。
// 有效期应大于临界区执行时间，否则需要调用 Handle.Extend 续期。
// 默认值：[DefaultTTL]。
func WithTTL(d time.Duration) Option {
	return func(o *engineOptions) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// =============================================================================
// 获取选项（作用于单次 Acquire/TryAcquire 调用）
// =============================================================================

// AcquireOption 定义单次获取调用的配置选项。
type AcquireOption func(*acquireOptions)

// acquireOptions 单次获取配置。
type acquireOptions struct {
	wait    time.Duration // 等待窗口；仅 waitSet 为 true 时生效
	waitSet bool
	ttl     time.Duration // 本次持有的租约有效期；0 表示使用引擎默认
}

// defaultAcquireOptions 返回默认的获取配置。
func defaultAcquireOptions() acquireOptions {
	return acquireOptions{}
}

// WithWaitTimeout 设置本次获取的最长等待时间。
//   - Acquire 默认无限等待；设置后超时返回 [ErrWaitTimeout]
//   - TryAcquire 默认零等待；设置后在窗口内等待，超时返回 (nil, nil)
//   - [WaitForever] 表示无限等待；其他负值返回 [ErrInvalidTimeout]
func WithWaitTimeout(d time.Duration) AcquireOption {
	return func(o *acquireOptions) {
		o.wait = d
		o.waitSet = true
	}
}

// WithAcquireTTL 覆盖本次持有的租约有效期。
// 仅对租约型后端生效；非正值被忽略。
func WithAcquireTTL(d time.Duration) AcquireOption {
	return func(o *acquireOptions) {
		if d > 0 {
			o.ttl = d
		}
	}
}
