package xmutex

import "time"

// WaitForever 表示无限等待的超时哨兵值。
// 传给 [WithWaitTimeout] 时，TryAcquire 也会无限等待（仍受 ctx 约束）。
const WaitForever time.Duration = -1

const (
	// DefaultTTL 租约型后端（redis/mongo/k8s/memory）的默认锁有效期。
	DefaultTTL = 30 * time.Second

	// DefaultPollInterval 轮询型等待（redis/mongo/k8s/file 兜底）的默认间隔。
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultEtcdSessionTTL etcd Session 的默认 TTL（秒）。
	DefaultEtcdSessionTTL = 60

	// DefaultClockSkew 判断租约过期时的时钟偏移容忍度。
	// 与 K8s 官方 leader-election 库的默认值一致。
	DefaultClockSkew = 2 * time.Second
)

const (
	// safeNameHashLength 安全名中嵌入的内容哈希长度（十六进制字符数）。
	// 64 位 xxhash 编码为 16 个字符。
	safeNameHashLength = 16

	// minNameRuleLength 后端声明的最小安全名长度上限。
	// 低于此值无法容纳"截断头 + 分隔符 + 哈希"结构。
	minNameRuleLength = 24

	// safeNameCacheSize 安全名备忘缓存的容量上限。
	safeNameCacheSize = 1024
)

const (
	// asyncResultBuffer 异步结果 channel 的缓冲大小。
	// 缓冲为 1 保证投递 goroutine 永不阻塞，调用方可以安全地丢弃 channel。
	asyncResultBuffer = 1

	// releaseFallbackTimeout 调用方 ctx 已结束时，释放操作使用的
	// 独立清理上下文的超时时间。释放尽力完成，避免锁残留到租约到期。
	releaseFallbackTimeout = 5 * time.Second
)

// =============================================================================
// 仪表化版本（Metrics + Trace 共享）
// =============================================================================

const (
	// instrumentationVersion 仪表化版本号
	instrumentationVersion = "1.0.0"
)
