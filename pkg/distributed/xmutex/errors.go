package xmutex

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// =============================================================================
// 预定义错误
// =============================================================================

// 预定义错误，使用 errors.Is 进行比较。
var (
	// ErrInvalidTimeout 无效的等待超时。
	// 负数超时（[WaitForever] 哨兵除外）以及 deadline 计算会溢出的超大超时
	// 均同步返回此错误，不会接触后端。四种调用形态一致。
	ErrInvalidTimeout = errors.New("xmutex: invalid wait timeout")

	// ErrWaitTimeout 等待锁超时。
	// 仅 Acquire/AcquireAsync 在 WithWaitTimeout 指定的窗口内未获取时返回；
	// TryAcquire 系列超时返回 (nil, nil)，不返回此错误。
	ErrWaitTimeout = errors.New("xmutex: wait timed out before lock was acquired")

	// ErrLockHeld 锁被其他持有者占用。
	//
	// 设计决策: 保持导出，便于自定义 Backend 与 mock 测试表达"被占用"。
	// 正常路径上 TryAcquire 检测到占用后返回 (nil, nil)，
	// 业务代码通常不会直接看到此错误。
	ErrLockHeld = errors.New("xmutex: lock is held by another owner")

	// ErrNotHeld 锁未被当前持有者持有。
	// Extend 发现租约已丢失或已释放时返回此错误。
	ErrNotHeld = errors.New("xmutex: lock not held")

	// ErrBackendUnavailable 后端协调介质不可用。
	// 网络中断、连接拒绝等瞬时故障会包装为此错误直接上抛，
	// 核心不做自动重试，重试是调用方策略。
	ErrBackendUnavailable = errors.New("xmutex: backend unavailable")

	// ErrEngineClosed 引擎已关闭。
	// 在已关闭的引擎上创建 Mutex 或发起获取时返回此错误；
	// Close 会以此错误唤醒所有等待者。
	ErrEngineClosed = errors.New("xmutex: engine is closed")

	// ErrBackendClosed 后端已关闭。
	ErrBackendClosed = errors.New("xmutex: backend is closed")

	// ErrNilBackend 后端为空。
	ErrNilBackend = errors.New("xmutex: backend is nil")

	// ErrNilClient 客户端为空。
	// 传入 nil 的 Redis/etcd/Mongo/K8s 客户端时返回此错误。
	ErrNilClient = errors.New("xmutex: client is nil")

	// ErrNilConfig 配置为空。
	ErrNilConfig = errors.New("xmutex: config is nil")

	// ErrNoEndpoints 未配置 endpoints。
	ErrNoEndpoints = errors.New("xmutex: no endpoints configured")

	// ErrInvalidEndpoint endpoint 格式不合法。
	ErrInvalidEndpoint = errors.New("xmutex: invalid endpoint")

	// ErrSessionExpired etcd Session 已过期。
	// Session 的租约心跳丢失后，经由它持有的所有锁已被介质回收。
	ErrSessionExpired = errors.New("xmutex: etcd session expired")

	// ErrUnknownBackend 未注册的后端标识。
	// NewFromConfig 在注册表中找不到 backend 字段指定的标识时返回。
	ErrUnknownBackend = errors.New("xmutex: unknown backend kind")

	// ErrInvalidConfig 配置内容不完整或不合法。
	ErrInvalidConfig = errors.New("xmutex: invalid config")

	// ErrLoadFailed 配置文件读取失败。
	ErrLoadFailed = errors.New("xmutex: failed to load config file")

	// ErrParseFailed 配置数据解析失败。
	ErrParseFailed = errors.New("xmutex: failed to parse config")

	// ErrUnsupportedFormat 不支持的配置格式。
	// 仅支持 JSON 与 YAML。
	ErrUnsupportedFormat = errors.New("xmutex: unsupported config format")

	// ErrInvalidNameRules 后端声明的命名规则不合法。
	// MaxLength 过小、IsLegal 为空或替换字符本身非法时返回。
	ErrInvalidNameRules = errors.New("xmutex: invalid backend name rules")

	// ErrInvalidTTL 无效的 TTL 配置。
	ErrInvalidTTL = errors.New("xmutex: invalid ttl")

	// ErrInvalidPollInterval 无效的轮询间隔配置。
	ErrInvalidPollInterval = errors.New("xmutex: invalid poll interval")

	// ErrInvalidShardCount 无效的分片数配置。
	// memory 后端要求分片数为 2 的幂。
	ErrInvalidShardCount = errors.New("xmutex: shard count must be a power of two")

	// ErrInvalidLockDir 无效的锁目录配置。
	ErrInvalidLockDir = errors.New("xmutex: invalid lock directory")

	// ErrIDGenerationFailed 唯一 ID 生成失败。
	// sonyflake 因时钟严重回拨等原因无法生成 ID 时返回此错误。
	ErrIDGenerationFailed = errors.New("xmutex: failed to generate unique id")
)

// =============================================================================
// 获取结果原因（用于日志与低基数指标）
// =============================================================================

// AcquireFailReason 获取未成功的原因。
type AcquireFailReason int

const (
	// ReasonUnknown 未知原因。
	ReasonUnknown AcquireFailReason = iota

	// ReasonHeld 锁被其他持有者占用。
	ReasonHeld

	// ReasonTimeout 等待超时。
	ReasonTimeout

	// ReasonCanceled 调用方取消。
	ReasonCanceled

	// ReasonInvalidArgument 参数校验失败。
	ReasonInvalidArgument

	// ReasonBackend 后端故障。
	ReasonBackend

	// ReasonClosed 引擎或后端已关闭。
	ReasonClosed
)

// String 返回原因的字符串表示。
func (r AcquireFailReason) String() string {
	switch r {
	case ReasonHeld:
		return "held"
	case ReasonTimeout:
		return "timeout"
	case ReasonCanceled:
		return "canceled"
	case ReasonInvalidArgument:
		return "invalid_argument"
	case ReasonBackend:
		return "backend_error"
	case ReasonClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// =============================================================================
// 错误检查函数
// =============================================================================

// networkRelatedErrors 包含所有视为连接故障的底层错误。
var networkRelatedErrors = []error{
	syscall.ECONNREFUSED,
	syscall.ECONNRESET,
	syscall.EPIPE,
	syscall.ETIMEDOUT,
	io.EOF,
	io.ErrUnexpectedEOF,
}

// IsBackendUnavailable 检查是否是后端不可用错误。
//
// 注意：context.Canceled 和 context.DeadlineExceeded 不被视为后端错误，
// 这些是调用方侧的超时/取消，不代表介质故障。
func IsBackendUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrBackendUnavailable) {
		return true
	}
	for _, target := range networkRelatedErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return isNetworkError(err)
}

// IsNotHeld 检查是否是锁未持有错误。
func IsNotHeld(err error) bool {
	return errors.Is(err, ErrNotHeld)
}

// IsWaitTimeout 检查是否是等待超时错误。
func IsWaitTimeout(err error) bool {
	return errors.Is(err, ErrWaitTimeout)
}

// isNetworkError 检查是否是网络相关错误。
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// =============================================================================
// 错误分类（用于低基数指标）
// =============================================================================

// 错误分类常量。
const (
	// ErrClassBackendUnavailable 后端不可用
	ErrClassBackendUnavailable = "backend_unavailable"
	// ErrClassTimeout 等待超时
	ErrClassTimeout = "timeout"
	// ErrClassCanceled 调用方取消
	ErrClassCanceled = "canceled"
	// ErrClassInvalidArgument 参数校验失败
	ErrClassInvalidArgument = "invalid_argument"
	// ErrClassNotHeld 锁未持有
	ErrClassNotHeld = "not_held"
	// ErrClassClosed 引擎或后端已关闭
	ErrClassClosed = "closed"
	// ErrClassInternal 内部错误
	ErrClassInternal = "internal_error"
)

// ClassifyError 将错误分类为低基数字符串。
// 用于指标属性，避免高基数标签导致的内存问题。
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrWaitTimeout) {
		return ErrClassTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrClassCanceled
	}
	if errors.Is(err, ErrInvalidTimeout) {
		return ErrClassInvalidArgument
	}
	if errors.Is(err, ErrEngineClosed) || errors.Is(err, ErrBackendClosed) {
		return ErrClassClosed
	}
	if IsNotHeld(err) {
		return ErrClassNotHeld
	}
	if IsBackendUnavailable(err) {
		return ErrClassBackendUnavailable
	}
	return ErrClassInternal
}

// classifyReason 将错误映射为获取失败原因。
func classifyReason(err error) AcquireFailReason {
	switch {
	case err == nil:
		return ReasonUnknown
	case errors.Is(err, ErrWaitTimeout):
		return ReasonTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ReasonCanceled
	case errors.Is(err, ErrInvalidTimeout):
		return ReasonInvalidArgument
	case errors.Is(err, ErrEngineClosed), errors.Is(err, ErrBackendClosed):
		return ReasonClosed
	case IsBackendUnavailable(err):
		return ReasonBackend
	default:
		return ReasonUnknown
	}
}
