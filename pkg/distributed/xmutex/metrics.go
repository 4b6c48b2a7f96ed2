package xmutex

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// 设计决策: 指标前缀使用 "xmutex.*"，与 OTel Meter scope name 保持一致
// （Meter("xmutex")），避免与 scope 名称产生冗余嵌套。
// 如需统一命名空间，应在采集端（Prometheus relabel）处理。
const (
	// metricNameAcquireTotal 获取锁次数计数器
	metricNameAcquireTotal = "xmutex.acquire.total"
	// metricNameReleaseTotal 释放锁次数计数器
	metricNameReleaseTotal = "xmutex.release.total"
	// metricNameExtendTotal 续期次数计数器
	metricNameExtendTotal = "xmutex.extend.total"
	// metricNameCleanupTotal 遗弃清理次数计数器
	metricNameCleanupTotal = "xmutex.cleanup.total"
	// metricNameAcquireDuration 获取锁耗时直方图
	metricNameAcquireDuration = "xmutex.acquire.duration"
	// metricNameCleanupDuration 遗弃清理耗时直方图
	metricNameCleanupDuration = "xmutex.cleanup.duration"
)

// Metrics 锁指标收集器
// 提供 Counter 和 Histogram 类型的指标收集
type Metrics struct {
	meter            metric.Meter
	acquireTotal     metric.Int64Counter
	releaseTotal     metric.Int64Counter
	extendTotal      metric.Int64Counter
	cleanupTotal     metric.Int64Counter
	acquireDuration  metric.Float64Histogram
	cleanupDuration  metric.Float64Histogram
	disableNameLabel bool // 是否禁用 lock_name 标签
}

// NewMetrics 创建指标收集器
// 如果 meterProvider 为 nil，返回 nil（不收集指标）
func NewMetrics(meterProvider metric.MeterProvider, opts ...MetricsOption) (*Metrics, error) {
	if meterProvider == nil {
		return nil, nil
	}

	m := &Metrics{}
	for _, opt := range opts {
		opt(m)
	}

	m.meter = meterProvider.Meter(tracerName,
		metric.WithInstrumentationVersion(instrumentationVersion),
	)

	if err := m.initCounters(); err != nil {
		return nil, err
	}
	if err := m.initHistograms(); err != nil {
		return nil, err
	}

	return m, nil
}

// durationBuckets 耗时直方图的桶边界
var durationBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0}

// initCounters 初始化所有计数器指标
func (m *Metrics) initCounters() error {
	var err error
	if m.acquireTotal, err = m.meter.Int64Counter(metricNameAcquireTotal,
		metric.WithDescription("锁获取次数"), metric.WithUnit("{acquire}")); err != nil {
		return err
	}
	if m.releaseTotal, err = m.meter.Int64Counter(metricNameReleaseTotal,
		metric.WithDescription("锁释放次数"), metric.WithUnit("{release}")); err != nil {
		return err
	}
	if m.extendTotal, err = m.meter.Int64Counter(metricNameExtendTotal,
		metric.WithDescription("锁续期次数"), metric.WithUnit("{extend}")); err != nil {
		return err
	}
	if m.cleanupTotal, err = m.meter.Int64Counter(metricNameCleanupTotal,
		metric.WithDescription("遗弃清理次数"), metric.WithUnit("{cleanup}")); err != nil {
		return err
	}
	return nil
}

// initHistograms 初始化所有直方图指标
func (m *Metrics) initHistograms() error {
	var err error
	if m.acquireDuration, err = m.meter.Float64Histogram(metricNameAcquireDuration,
		metric.WithDescription("锁获取耗时"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...)); err != nil {
		return err
	}
	if m.cleanupDuration, err = m.meter.Float64Histogram(metricNameCleanupDuration,
		metric.WithDescription("遗弃清理耗时"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...)); err != nil {
		return err
	}
	return nil
}

// MetricsOption 指标收集器配置选项
type MetricsOption func(*Metrics)

// MetricsWithDisableNameLabel 禁用 lock_name 标签
// 当锁名为动态生成时（如包含任务 ID），建议启用此选项以避免高基数问题
func MetricsWithDisableNameLabel() MetricsOption {
	return func(m *Metrics) {
		m.disableNameLabel = true
	}
}

// RecordAcquire 记录获取锁结果
// ctx: 上下文，用于传播追踪信息
// kind: 后端标识
// name: 锁名
// acquired: 是否成功获取
// nested: 是否为重入（本地计数，未接触后端）
// reason: 失败原因（成功时为 ReasonUnknown）
// duration: 获取耗时
func (m *Metrics) RecordAcquire(
	ctx context.Context,
	kind string,
	name string,
	acquired bool,
	nested bool,
	reason AcquireFailReason,
	duration time.Duration,
) {
	if m == nil {
		return
	}

	// 使用 context.WithoutCancel 确保即使 ctx 被取消，指标仍能记录
	metricsCtx := context.WithoutCancel(ctx)

	attrs := []attribute.KeyValue{
		attribute.String(attrBackendKind, kind),
		attribute.Bool(attrAcquired, acquired),
	}

	// 仅在未禁用时添加 lock_name 标签
	if !m.disableNameLabel {
		attrs = append(attrs, attribute.String(attrLockName, name))
	}

	if nested {
		attrs = append(attrs, attribute.Bool(attrNested, true))
	}
	if !acquired {
		attrs = append(attrs, attribute.String(attrFailReason, reason.String()))
	}

	m.acquireTotal.Add(metricsCtx, 1, metric.WithAttributes(attrs...))
	m.acquireDuration.Record(metricsCtx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordRelease 记录释放锁
// ctx: 上下文
// kind: 后端标识
// name: 锁名
// success: 后端释放是否成功（本地状态总是自愈）
//
// 设计决策: Release 和 Extend 仅记录 counter，不记录 duration histogram。
// 这些操作是单次后端调用，耗时极短且稳定，不需要分位数分布分析。
// 网络抖动场景可通过 trace span 耗时观测。
func (m *Metrics) RecordRelease(ctx context.Context, kind, name string, success bool) {
	if m == nil {
		return
	}

	metricsCtx := context.WithoutCancel(ctx)

	attrs := []attribute.KeyValue{
		attribute.String(attrBackendKind, kind),
		attribute.Bool(attrSuccess, success),
	}

	// 仅在未禁用时添加 lock_name 标签
	if !m.disableNameLabel {
		attrs = append(attrs, attribute.String(attrLockName, name))
	}

	m.releaseTotal.Add(metricsCtx, 1, metric.WithAttributes(attrs...))
}

// RecordExtend 记录续期
// ctx: 上下文
// kind: 后端标识
// name: 锁名
// success: 是否成功
func (m *Metrics) RecordExtend(ctx context.Context, kind, name string, success bool) {
	if m == nil {
		return
	}

	metricsCtx := context.WithoutCancel(ctx)

	attrs := []attribute.KeyValue{
		attribute.String(attrBackendKind, kind),
		attribute.Bool(attrSuccess, success),
	}

	// 仅在未禁用时添加 lock_name 标签
	if !m.disableNameLabel {
		attrs = append(attrs, attribute.String(attrLockName, name))
	}

	m.extendTotal.Add(metricsCtx, 1, metric.WithAttributes(attrs...))
}

// RecordCleanup 记录遗弃清理
// ctx: 上下文
// kind: 后端标识
// success: 是否成功
// duration: 清理耗时
func (m *Metrics) RecordCleanup(ctx context.Context, kind string, success bool, duration time.Duration) {
	if m == nil {
		return
	}

	metricsCtx := context.WithoutCancel(ctx)

	attrs := []attribute.KeyValue{
		attribute.String(attrBackendKind, kind),
		attribute.Bool(attrSuccess, success),
	}

	m.cleanupTotal.Add(metricsCtx, 1, metric.WithAttributes(attrs...))
	m.cleanupDuration.Record(metricsCtx, duration.Seconds(), metric.WithAttributes(attrs...))
}
