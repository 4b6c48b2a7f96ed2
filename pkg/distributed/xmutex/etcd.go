package xmutex

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// =============================================================================
// etcd 后端 - Session + 原生锁队列
// =============================================================================

const (
	// defaultEtcdKeyPrefix 默认的 etcd 键前缀
	defaultEtcdKeyPrefix = "xmutex/"
)

// EtcdOption etcd 后端的配置选项。
type EtcdOption func(*etcdOptions)

type etcdOptions struct {
	keyPrefix  string
	sessionTTL int // 秒
}

func defaultEtcdOptions() *etcdOptions {
	return &etcdOptions{
		keyPrefix:  defaultEtcdKeyPrefix,
		sessionTTL: DefaultEtcdSessionTTL,
	}
}

func (o *etcdOptions) validate() error {
	if o.sessionTTL <= 0 {
		return ErrInvalidTTL
	}
	return nil
}

// WithEtcdKeyPrefix 设置键前缀。默认 "xmutex/"。
func WithEtcdKeyPrefix(prefix string) EtcdOption {
	return func(o *etcdOptions) {
		o.keyPrefix = prefix
	}
}

// WithEtcdSessionTTL 设置 Session 租约的 TTL（秒）。
// 持有者崩溃后，锁最迟在一个 Session TTL 内被介质回收。
// 默认值：[DefaultEtcdSessionTTL]。
func WithEtcdSessionTTL(seconds int) EtcdOption {
	return func(o *etcdOptions) {
		o.sessionTTL = seconds
	}
}

// etcdBackend 基于 etcd concurrency 包的后端。
//
// 所有锁共享一个 Session：Session 的租约自动心跳续期，持有者进程
// 崩溃后租约到期，锁键随之删除，等待队列中的下一个获取者被唤醒。
// 因此单次获取的 ttl 参数被忽略，活性完全由 Session TTL 表达。
type etcdBackend struct {
	client     *clientv3.Client
	session    *concurrency.Session
	opts       *etcdOptions
	ownsClient bool
	closed     atomic.Bool
}

// NewEtcdBackend 以现有客户端创建 etcd 后端。
// 客户端的生命周期由调用者管理，Close 只释放 Session。
func NewEtcdBackend(client *clientv3.Client, opts ...EtcdOption) (Backend, error) {
	return newEtcdBackend(client, false, opts...)
}

func newEtcdBackend(client *clientv3.Client, ownsClient bool, opts ...EtcdOption) (Backend, error) {
	if client == nil {
		return nil, ErrNilClient
	}

	o := defaultEtcdOptions()
	for _, apply := range opts {
		if apply != nil {
			apply(o)
		}
	}
	if err := o.validate(); err != nil {
		return nil, err
	}

	session, err := concurrency.NewSession(client, concurrency.WithTTL(o.sessionTTL))
	if err != nil {
		return nil, fmt.Errorf("%w: create session: %w", ErrBackendUnavailable, err)
	}

	return &etcdBackend{
		client:     client,
		session:    session,
		opts:       o,
		ownsClient: ownsClient,
	}, nil
}

// Kind 返回后端标识。
func (b *etcdBackend) Kind() string {
	return "etcd"
}

// Reentrant etcd 后端不可重入：每次获取在 Session 下创建独立的
// 竞争键，介质层面无法识别"同一持有者"。
func (b *etcdBackend) Reentrant() bool {
	return false
}

// NameRules etcd 键几乎没有字符约束，仅限制长度。
func (b *etcdBackend) NameRules() NameRules {
	return NameRules{
		MaxLength:   512,
		IsLegal:     func(r rune) bool { return true },
		FoldsCase:   false,
		Replacement: '_',
	}
}

// checkSession 检查后端与 Session 是否仍然可用。
func (b *etcdBackend) checkSession() error {
	if b.closed.Load() {
		return ErrBackendClosed
	}
	select {
	case <-b.session.Done():
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, ErrSessionExpired)
	default:
		return nil
	}
}

func (b *etcdBackend) prefixed(safeName string) string {
	return b.opts.keyPrefix + safeName
}

// TryAcquireOnce 单次非阻塞尝试。ttl 被忽略，见类型注释。
func (b *etcdBackend) TryAcquireOnce(ctx context.Context, safeName string, ttl time.Duration) (Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.checkSession(); err != nil {
		return nil, err
	}

	mutex := concurrency.NewMutex(b.session, b.prefixed(safeName))
	if err := mutex.TryLock(ctx); err != nil {
		if errors.Is(err, concurrency.ErrLocked) {
			return nil, nil
		}
		return nil, wrapEtcdError(err)
	}
	return &etcdGrant{backend: b, mutex: mutex}, nil
}

// WaitAcquire 阻塞等待直至获取成功或 ctx 结束。
// etcd 自带公平等待队列（按创建 revision 排序），无需轮询；
// 等待期间 Session 过期会立即唤醒并报告介质故障。
func (b *etcdBackend) WaitAcquire(ctx context.Context, safeName string, ttl time.Duration) (Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.checkSession(); err != nil {
		return nil, err
	}

	// Session 过期经由派生 ctx 唤醒等待
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.session.Done():
			cancel()
		case <-wctx.Done():
		}
	}()

	mutex := concurrency.NewMutex(b.session, b.prefixed(safeName))
	if err := mutex.Lock(wctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if sessErr := b.checkSession(); sessErr != nil {
			return nil, sessErr
		}
		return nil, wrapEtcdError(err)
	}
	return &etcdGrant{backend: b, mutex: mutex}, nil
}

// Cleanup etcd 锁随 Session 租约到期自动删除，无需主动清理。
func (b *etcdBackend) Cleanup(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrBackendClosed
	}
	return nil
}

// Health 检查 Session 有效性并验证 etcd 连接。
func (b *etcdBackend) Health(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.checkSession(); err != nil {
		return err
	}
	if _, err := b.client.Get(ctx, "health-check-key", clientv3.WithLimit(1)); err != nil {
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	return nil
}

// Close 关闭后端，释放 Session（介质随即回收经由它持有的所有锁）。
// 由配置创建的客户端一并关闭。幂等。
func (b *etcdBackend) Close(ctx context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}
	err := b.session.Close()
	if b.ownsClient {
		err = errors.Join(err, b.client.Close())
	}
	return err
}

// =============================================================================
// etcd 凭证
// =============================================================================

// etcdGrant etcd 后端的持有凭证。
type etcdGrant struct {
	backend *etcdBackend
	mutex   *concurrency.Mutex
	done    atomic.Bool
}

// Token 返回本次获取的完整竞争键（含 Session 租约 ID），天然唯一。
func (g *etcdGrant) Token() string {
	return g.mutex.Key()
}

// Release 释放锁。幂等；Session 已过期时键已被介质回收，为空操作。
func (g *etcdGrant) Release(ctx context.Context) error {
	if g.done.Swap(true) {
		return nil
	}

	select {
	case <-g.backend.session.Done():
		// 租约已到期，锁键已不存在
		return nil
	default:
	}

	if err := g.mutex.Unlock(ctx); err != nil {
		return wrapEtcdError(err)
	}
	return nil
}

// Extend Session 租约自动心跳续期，无需手动操作。
// Session 已过期时持有权已丢失，返回 [ErrNotHeld]。
func (g *etcdGrant) Extend(ctx context.Context, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if g.done.Load() {
		return ErrNotHeld
	}
	select {
	case <-g.backend.session.Done():
		return fmt.Errorf("%w: %w", ErrNotHeld, ErrSessionExpired)
	default:
		return nil
	}
}

// =============================================================================
// 错误转换
// =============================================================================

// wrapEtcdError 将 etcd concurrency 错误转换为 xmutex 错误。
func wrapEtcdError(err error) error {
	if err == nil {
		return nil
	}

	// context 错误保持原样
	if isContextError(err) {
		return err
	}

	if errors.Is(err, concurrency.ErrLocked) {
		return fmt.Errorf("%w: %w", ErrLockHeld, err)
	}
	if errors.Is(err, concurrency.ErrSessionExpired) {
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, ErrSessionExpired)
	}
	if errors.Is(err, concurrency.ErrLockReleased) {
		return fmt.Errorf("%w: %w", ErrNotHeld, err)
	}

	return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
}

// 编译时接口检查
var (
	_ Backend = (*etcdBackend)(nil)
	_ Grant   = (*etcdGrant)(nil)
)
