package xmutex

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Tracer 相关常量
// =============================================================================

const (
	// tracerName 追踪器名称
	tracerName = "xmutex"
)

// Span 操作名称
const (
	spanNameAcquire    = "xmutex.Acquire"
	spanNameTryAcquire = "xmutex.TryAcquire"
	spanNameRelease    = "xmutex.Release"
	spanNameExtend     = "xmutex.Extend"
	spanNameCleanup    = "xmutex.Cleanup"
)

// Span 属性名称（Metrics 也复用这些常量，确保 trace 与 metrics 键名一致）
const (
	attrBackendKind = "xmutex.backend"
	attrLockName    = "xmutex.name"
	attrSafeName    = "xmutex.safe_name"
	attrAcquired    = "xmutex.acquired"
	attrNested      = "xmutex.nested"
	attrFailReason  = "xmutex.fail_reason"
	attrWaitWindow  = "xmutex.wait_ms"
	attrTTLWindow   = "xmutex.ttl_ms"
	attrSuccess     = "xmutex.success"
)

// =============================================================================
// Tracer 管理
// =============================================================================

// getTracer 获取 tracer 实例
// 如果配置了 TracerProvider 则使用它，否则使用全局默认
func getTracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(tracerName, trace.WithInstrumentationVersion(instrumentationVersion))
}

// =============================================================================
// Span 创建辅助函数
// =============================================================================

// startSpan 创建新的 span
// 如果 tracer 为 nil，使用全局 tracer（可能是 noop tracer）
func startSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = otel.GetTracerProvider().Tracer(tracerName)
	}
	return tracer.Start(ctx, name, opts...)
}

// setSpanError 设置 span 错误状态
func setSpanError(span trace.Span, err error) {
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// setSpanOK 设置 span 成功状态
func setSpanOK(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// =============================================================================
// 通用属性构建
// =============================================================================

// acquireSpanAttributes 构建 acquire 操作的 span 属性
func acquireSpanAttributes(kind, name, safe string, wait time.Duration) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(attrBackendKind, kind),
		attribute.String(attrLockName, name),
	}
	if safe != name {
		attrs = append(attrs, attribute.String(attrSafeName, safe))
	}
	if wait != WaitForever {
		attrs = append(attrs, attribute.Int64(attrWaitWindow, wait.Milliseconds()))
	}
	return attrs
}

// releaseSpanAttributes 构建 release 操作的 span 属性
func releaseSpanAttributes(kind, name string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(attrBackendKind, kind),
		attribute.String(attrLockName, name),
	}
}

// extendSpanAttributes 构建 extend 操作的 span 属性
func extendSpanAttributes(kind, name string, ttl time.Duration) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(attrBackendKind, kind),
		attribute.String(attrLockName, name),
		attribute.Int64(attrTTLWindow, ttl.Milliseconds()),
	}
}
