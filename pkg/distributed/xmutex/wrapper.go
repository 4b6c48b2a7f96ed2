package xmutex

import (
	"github.com/sony/gobreaker/v2"
)

// =============================================================================
// gobreaker 类型别名
// =============================================================================

// BreakerState 是 gobreaker.State 的类型别名。
// 用于 [WithBreakerOnStateChange] 回调的参数类型，
// 使用方无需直接导入 gobreaker。
type BreakerState = gobreaker.State

// 熔断器状态。
const (
	// BreakerClosed 关闭态：请求正常通过，统计失败。
	BreakerClosed BreakerState = gobreaker.StateClosed

	// BreakerHalfOpen 半开态：放行有限探测请求决定恢复或再次熔断。
	BreakerHalfOpen BreakerState = gobreaker.StateHalfOpen

	// BreakerOpen 打开态：请求直接以 [ErrBackendUnavailable] 快速失败。
	BreakerOpen BreakerState = gobreaker.StateOpen
)
