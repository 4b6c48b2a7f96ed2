package xmutex

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-redsync/redsync/v4"
	rsredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// =============================================================================
// redis 后端 - redsync 分布式锁
// =============================================================================

const (
	// defaultRedisKeyPrefix 默认的 Redis 键前缀
	defaultRedisKeyPrefix = "xmutex:"
)

// RedisOption redis 后端的配置选项。
type RedisOption func(*redisOptions)

type redisOptions struct {
	keyPrefix    string
	pollInterval time.Duration
}

func defaultRedisOptions() *redisOptions {
	return &redisOptions{
		keyPrefix:    defaultRedisKeyPrefix,
		pollInterval: DefaultPollInterval,
	}
}

func (o *redisOptions) validate() error {
	if o.pollInterval <= 0 {
		return ErrInvalidPollInterval
	}
	return nil
}

// WithRedisKeyPrefix 设置键前缀，用于多应用共享 Redis 时的命名隔离。
// 默认 "xmutex:"。
func WithRedisKeyPrefix(prefix string) RedisOption {
	return func(o *redisOptions) {
		o.keyPrefix = prefix
	}
}

// WithRedisPollInterval 设置阻塞等待的轮询间隔。
// 默认值：[DefaultPollInterval]。
func WithRedisPollInterval(d time.Duration) RedisOption {
	return func(o *redisOptions) {
		o.pollInterval = d
	}
}

// redisBackend 基于 redsync 的 Redis 后端。
// 单客户端为标准 Redis 锁；多客户端使用 Redlock 算法（需过半成功）。
// 锁的活性由键 TTL 表达：持有者崩溃后锁随 TTL 自动过期。
type redisBackend struct {
	clients []redis.UniversalClient
	rs      *redsync.Redsync
	opts    *redisOptions

	// ownsClients 为 true 时客户端由本后端创建，随 Close 一并关闭
	ownsClients bool
	closed      atomic.Bool
}

// NewRedisBackend 创建 Redis 后端。
// 客户端的生命周期由调用者管理，Close 不会关闭它们。
func NewRedisBackend(clients []redis.UniversalClient, opts ...RedisOption) (Backend, error) {
	return newRedisBackend(clients, false, opts...)
}

// newRedisBackend 创建后端；ownsClients 标记客户端随 Close 关闭。
func newRedisBackend(clients []redis.UniversalClient, ownsClients bool, opts ...RedisOption) (*redisBackend, error) {
	if len(clients) == 0 {
		return nil, ErrNilClient
	}
	for i, client := range clients {
		if client == nil {
			return nil, errors.Join(ErrNilClient, errors.New("client at index "+strconv.Itoa(i)+" is nil"))
		}
	}

	o := defaultRedisOptions()
	for _, apply := range opts {
		if apply != nil {
			apply(o)
		}
	}
	if err := o.validate(); err != nil {
		return nil, err
	}

	pools := make([]rsredis.Pool, len(clients))
	for i, client := range clients {
		pools[i] = goredis.NewPool(client)
	}

	return &redisBackend{
		clients:     clients,
		rs:          redsync.New(pools...),
		opts:        o,
		ownsClients: ownsClients,
	}, nil
}

// Kind 返回后端标识。
func (b *redisBackend) Kind() string {
	return "redis"
}

// Reentrant Redis 后端不可重入：持有凭证是每次获取的随机值，
// 无法在介质层面识别"同一持有者"。
func (b *redisBackend) Reentrant() bool {
	return false
}

// NameRules Redis 键几乎没有字符约束，仅限制长度。
func (b *redisBackend) NameRules() NameRules {
	return NameRules{
		MaxLength:   512,
		IsLegal:     func(r rune) bool { return true },
		FoldsCase:   false,
		Replacement: '_',
	}
}

// TryAcquireOnce 单次非阻塞尝试。
func (b *redisBackend) TryAcquireOnce(ctx context.Context, safeName string, ttl time.Duration) (Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrBackendClosed
	}

	mutex := b.rs.NewMutex(b.opts.keyPrefix+safeName,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
	)

	if err := mutex.TryLockContext(ctx); err != nil {
		err = wrapRedisError(err)
		if errors.Is(err, ErrLockHeld) {
			return nil, nil
		}
		return nil, err
	}
	return &redisGrant{mutex: mutex}, nil
}

// WaitAcquire 阻塞等待直至获取成功或 ctx 结束。
// Redis 没有原生等待队列，以固定间隔轮询实现。
func (b *redisBackend) WaitAcquire(ctx context.Context, safeName string, ttl time.Duration) (Grant, error) {
	return pollAcquire(ctx, b.opts.pollInterval, func(ctx context.Context) (Grant, error) {
		return b.TryAcquireOnce(ctx, safeName, ttl)
	})
}

// Cleanup Redis 锁随键 TTL 自动过期，无需主动清理。
func (b *redisBackend) Cleanup(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrBackendClosed
	}
	return nil
}

// Health 对所有 Redis 节点执行 PING。
func (b *redisBackend) Health(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrBackendClosed
	}
	for _, client := range b.clients {
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
		}
	}
	return nil
}

// Close 关闭后端。幂等。
// 注入的客户端由调用者管理，不在此关闭；从配置创建的客户端
// 归后端所有，随 Close 一并关闭。redsync 自身没有需要释放的资源。
func (b *redisBackend) Close(ctx context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}
	if !b.ownsClients {
		return nil
	}
	var errs []error
	for _, client := range b.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// redis 凭证
// =============================================================================

// redisGrant redis 后端的持有凭证，封装一次获取的 redsync.Mutex。
type redisGrant struct {
	mutex *redsync.Mutex
}

// Token 返回 redsync 为本次获取生成的随机值。
func (g *redisGrant) Token() string {
	return g.mutex.Value()
}

// Release 释放锁。幂等；锁已过期或被夺取时为空操作。
func (g *redisGrant) Release(ctx context.Context) error {
	ok, err := g.mutex.UnlockContext(ctx)
	if err != nil {
		wrapped := wrapRedisError(err)
		// 锁已过期也视为"已不持有"，满足幂等语义
		if errors.Is(wrapped, ErrNotHeld) {
			return nil
		}
		return wrapped
	}
	if !ok {
		// 键值不匹配：锁已被 TTL 回收后重新授予他人
		return nil
	}
	return nil
}

// Extend 续期锁。
// redsync 以获取时配置的 Expiry 为单位续期，ttl 参数须与获取时一致；
// 锁已过期或被夺取时返回 [ErrNotHeld]。
func (g *redisGrant) Extend(ctx context.Context, ttl time.Duration) error {
	ok, err := g.mutex.ExtendContext(ctx)
	if err != nil {
		return wrapRedisError(err)
	}
	if !ok {
		return ErrNotHeld
	}
	return nil
}

// =============================================================================
// 错误转换
// =============================================================================

// wrapRedisError 将 redsync 错误转换为 xmutex 错误，保留原始错误链。
func wrapRedisError(err error) error {
	if err == nil {
		return nil
	}

	// context 错误保持原样（用于取消和超时场景）
	if isContextError(err) {
		return err
	}

	// ErrTaken 是一个结构体类型，需要使用 errors.As 检查
	var errTaken *redsync.ErrTaken
	if errors.As(err, &errTaken) {
		return fmt.Errorf("%w: %w", ErrLockHeld, err)
	}

	if errors.Is(err, redsync.ErrLockAlreadyExpired) {
		return fmt.Errorf("%w: %w", ErrNotHeld, err)
	}

	// 其余错误视为介质故障，使用双 %w 保留原始错误链
	return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
}

// 编译时接口检查
var (
	_ Backend = (*redisBackend)(nil)
	_ Grant   = (*redisGrant)(nil)
)
