package xmutex

import (
	"context"
	"time"
)

// Backend 定义协调介质适配器必须实现的能力契约。
// Engine 只通过此接口与介质交互；safeName 参数是已经过
// 命名规则变换的介质合法标识。
//
// 实现要求：
//   - TryAcquireOnce 单次非阻塞尝试，锁被占用时返回 (nil, nil)
//   - WaitAcquire 阻塞直至获取成功或 ctx 结束；必须及时响应
//     ctx 的 deadline 与取消（被唤醒的延迟有界，不依赖完整超时流逝）
//   - 同一 safeName 上的互斥由介质保证：任意时刻至多一个有效 Grant
type Backend interface {
	// Kind 返回后端标识，用于注册表、日志与指标。
	Kind() string

	// TryAcquireOnce 非阻塞地尝试获取一次。
	// 返回 (nil, nil) 表示锁被其他持有者占用。
	// ttl 是本次持有的租约有效期；无租约语义的后端（file/etcd）忽略它。
	TryAcquireOnce(ctx context.Context, safeName string, ttl time.Duration) (Grant, error)

	// WaitAcquire 阻塞等待直至获取成功。
	// ctx 结束时返回 ctx.Err()（deadline 与取消均经由 ctx 表达）。
	WaitAcquire(ctx context.Context, safeName string, ttl time.Duration) (Grant, error)

	// Reentrant 声明同一持有者（同一 Engine 实例）是否允许嵌套获取。
	// 声明为 true 时，嵌套获取由 Engine 本地计数，不再接触后端。
	Reentrant() bool

	// NameRules 返回命名约束，供安全名变换消费。
	NameRules() NameRules

	// Cleanup 执行遗弃清理。
	// 幂等且在没有遗弃锁时安全；不支持主动清理的后端返回 nil。
	Cleanup(ctx context.Context) error

	// Health 检查后端可用性。
	Health(ctx context.Context) error

	// Close 关闭后端并释放其拥有的资源。
	// 由后端自行创建的客户端连接随之关闭；注入的客户端归调用方管理。
	Close(ctx context.Context) error
}

// Grant 表示后端授予的一次锁持有凭证。
// Release 在后端层面幂等：重复释放以及释放已被遗弃恢复回收的锁均返回 nil。
type Grant interface {
	// Token 返回本次持有的唯一凭证值，用于日志与调试。
	Token() string

	// Release 释放锁。
	Release(ctx context.Context) error

	// Extend 续期租约。
	// 租约已丢失时返回 [ErrNotHeld]；无租约语义的后端（file/etcd）为空操作。
	Extend(ctx context.Context, ttl time.Duration) error
}

// NameRules 声明后端的命名约束，由安全名变换消费。
type NameRules struct {
	// MaxLength 后端接受的安全名最大长度（字节），
	// 不含后端内部追加的存储前缀。
	MaxLength int

	// IsLegal 判断单个字符是否为后端合法字符。
	IsLegal func(r rune) bool

	// FoldsCase 后端比较名字时是否忽略大小写。
	// 为 true 时，含大写字符的名字一律嵌入内容哈希以保持单射。
	FoldsCase bool

	// Replacement 非法字符的替换字符，同时用作哈希分隔符。
	// 必须自身合法。
	Replacement rune
}

// validate 校验命名规则是否可被安全名变换使用。
func (r NameRules) validate() error {
	if r.MaxLength < minNameRuleLength {
		return ErrInvalidNameRules
	}
	if r.IsLegal == nil {
		return ErrInvalidNameRules
	}
	if !r.IsLegal(r.Replacement) {
		return ErrInvalidNameRules
	}
	return nil
}
