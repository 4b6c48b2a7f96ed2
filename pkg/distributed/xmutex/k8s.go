package xmutex

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	coordinationv1 "k8s.io/api/coordination/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

// =============================================================================
// Kubernetes 后端常量
// =============================================================================

const (
	// defaultK8sLeasePrefix 默认的 Lease 资源名前缀。
	defaultK8sLeasePrefix = "xmutex-"

	// k8sManagedByKey/Value 标记本包创建的 Lease，Cleanup 只回收带此标签的资源。
	k8sManagedByKey   = "app.kubernetes.io/managed-by"
	k8sManagedByValue = "xmutex"

	// k8sMaxNameLength K8s metadata.name 的长度上限。
	k8sMaxNameLength = 63
)

// =============================================================================
// Kubernetes 后端选项
// =============================================================================

// K8sOption 定义 Kubernetes 后端的配置选项。
type K8sOption func(*k8sOptions)

// k8sOptions Kubernetes 后端内部配置。
type k8sOptions struct {
	namespace    string
	identity     string
	prefix       string
	clockSkew    time.Duration
	pollInterval time.Duration
}

func defaultK8sOptions() *k8sOptions {
	return &k8sOptions{
		namespace:    getEnvOrDefault("POD_NAMESPACE", "default"),
		identity:     getEnvOrDefault("POD_NAME", defaultIdentity()),
		prefix:       defaultK8sLeasePrefix,
		clockSkew:    DefaultClockSkew,
		pollInterval: DefaultPollInterval,
	}
}

func (o *k8sOptions) validate() error {
	if o.pollInterval <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidPollInterval, o.pollInterval)
	}
	for _, r := range o.prefix {
		if !isK8sLegalRune(r) {
			return fmt.Errorf("%w: lease prefix %q contains illegal character %q", ErrInvalidNameRules, o.prefix, r)
		}
	}
	if k8sMaxNameLength-len(o.prefix) < minNameRuleLength {
		return fmt.Errorf("%w: lease prefix %q too long", ErrInvalidNameRules, o.prefix)
	}
	return nil
}

// WithK8sNamespace 设置 Lease 所在的命名空间。
// 默认从环境变量 POD_NAMESPACE 读取，缺省为 "default"。
func WithK8sNamespace(namespace string) K8sOption {
	return func(o *k8sOptions) {
		if namespace != "" {
			o.namespace = namespace
		}
	}
}

// WithK8sIdentity 设置当前实例标识，嵌入凭证值便于排障。
// 默认从环境变量 POD_NAME 读取，缺省为 "主机名:pid"。
// 互斥由每次获取独立生成的凭证保证，标识重复不影响正确性。
func WithK8sIdentity(identity string) K8sOption {
	return func(o *k8sOptions) {
		if identity != "" {
			o.identity = identity
		}
	}
}

// WithK8sLeasePrefix 设置 Lease 资源名前缀，默认 "xmutex-"。
// 前缀只能包含小写字母、数字和 '-'，且需为安全名保留足够长度。
func WithK8sLeasePrefix(prefix string) K8sOption {
	return func(o *k8sOptions) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithK8sClockSkew 设置判断 Lease 过期时的时钟偏移容忍度。
// 默认 2 秒；负值表示禁用容忍度。
func WithK8sClockSkew(skew time.Duration) K8sOption {
	return func(o *k8sOptions) {
		if skew < 0 {
			o.clockSkew = 0
			return
		}
		if skew > 0 {
			o.clockSkew = skew
		}
	}
}

// WithK8sPollInterval 设置阻塞等待时的轮询间隔。
// 默认 100 毫秒。
func WithK8sPollInterval(interval time.Duration) K8sOption {
	return func(o *k8sOptions) {
		o.pollInterval = interval
	}
}

// =============================================================================
// Kubernetes 后端实现
// =============================================================================

// k8sBackend 基于 coordination.k8s.io/v1 Lease 的后端实现。
//
// 每把锁对应一个 Lease 资源，持有信息写入 holderIdentity。
// 获取走 Get/Create/Update 乐观并发流程，资源版本冲突视为竞争失败。
// 过期判断使用 renewTime + leaseDurationSeconds + clockSkew，
// 与官方 leader-election 的边界一致。
//
// 前置条件：ServiceAccount 需要 Lease 资源的
// get/list/create/update/delete 权限。
type k8sBackend struct {
	client kubernetes.Interface
	opts   *k8sOptions
	closed atomic.Bool
}

// 编译时检查。
var _ Backend = (*k8sBackend)(nil)

// NewK8sBackend 基于已有客户端创建 Kubernetes 后端。
// 客户端由调用方管理，Close 不会断开它。
//
// 错误：[ErrNilClient]、[ErrInvalidPollInterval]、[ErrInvalidNameRules]。
func NewK8sBackend(client kubernetes.Interface, opts ...K8sOption) (Backend, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: kubernetes client", ErrNilClient)
	}
	o := defaultK8sOptions()
	for _, apply := range opts {
		if apply != nil {
			apply(o)
		}
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	return &k8sBackend{client: client, opts: o}, nil
}

// NewK8sBackendInCluster 使用 InClusterConfig 创建客户端并构建后端，
// 适用于在 Pod 内运行的场景。
func NewK8sBackendInCluster(opts ...K8sOption) (Backend, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("%w: in-cluster config: %w", ErrBackendUnavailable, err)
	}
	client, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("%w: create kubernetes client: %w", ErrBackendUnavailable, err)
	}
	return NewK8sBackend(client, opts...)
}

// Kind 返回后端标识。
func (b *k8sBackend) Kind() string {
	return "k8s"
}

// Reentrant Lease 后端每次获取使用独立凭证，不支持嵌套获取。
func (b *k8sBackend) Reentrant() bool {
	return false
}

// NameRules 返回 K8s metadata.name 的命名约束。
// 以最终名称（前缀 + 安全名）整体满足 63 字符上限，
// 安全名的可用长度随前缀缩减。
func (b *k8sBackend) NameRules() NameRules {
	return NameRules{
		MaxLength:   k8sMaxNameLength - len(b.opts.prefix),
		IsLegal:     isK8sLegalRune,
		FoldsCase:   true,
		Replacement: '-',
	}
}

// leaseName 生成 Lease 资源名。
func (b *k8sBackend) leaseName(safeName string) string {
	return b.opts.prefix + safeName
}

// TryAcquireOnce 非阻塞地尝试获取一次。
func (b *k8sBackend) TryAcquireOnce(ctx context.Context, safeName string, ttl time.Duration) (Grant, error) {
	if b.closed.Load() {
		return nil, ErrBackendClosed
	}

	leaseName := b.leaseName(safeName)
	// 每次获取生成独立凭证，实例标识只是前缀
	token := fmt.Sprintf("%s:%s", b.opts.identity, uuid.NewString())
	now := metav1.NewMicroTime(time.Now())
	duration := leaseDurationSeconds(ttl)

	lease, err := b.client.CoordinationV1().Leases(b.opts.namespace).Get(ctx, leaseName, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		return b.createLease(ctx, leaseName, token, duration, now)
	}
	if err != nil {
		return nil, wrapK8sError(err)
	}

	if b.canAcquire(lease) {
		return b.takeLease(ctx, leaseName, token, lease, duration, now)
	}
	return nil, nil
}

// createLease 创建新的 Lease 并持有它。
// 并发创建输掉时返回 (nil, nil)。
func (b *k8sBackend) createLease(ctx context.Context, leaseName, token string, duration int32, now metav1.MicroTime) (Grant, error) {
	lease := &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{
			Name:      leaseName,
			Namespace: b.opts.namespace,
			Labels: map[string]string{
				k8sManagedByKey: k8sManagedByValue,
			},
		},
		Spec: coordinationv1.LeaseSpec{
			HolderIdentity:       &token,
			LeaseDurationSeconds: &duration,
			AcquireTime:          &now,
			RenewTime:            &now,
		},
	}

	if _, err := b.client.CoordinationV1().Leases(b.opts.namespace).Create(ctx, lease, metav1.CreateOptions{}); err != nil {
		if errors.IsAlreadyExists(err) {
			return nil, nil
		}
		return nil, wrapK8sError(err)
	}
	return &k8sGrant{backend: b, leaseName: leaseName, token: token}, nil
}

// takeLease 接管无持有者或已过期的 Lease。
// 资源版本冲突说明另一实例抢先，返回 (nil, nil)。
func (b *k8sBackend) takeLease(ctx context.Context, leaseName, token string, lease *coordinationv1.Lease, duration int32, now metav1.MicroTime) (Grant, error) {
	lease.Spec.HolderIdentity = &token
	lease.Spec.LeaseDurationSeconds = &duration
	lease.Spec.AcquireTime = &now
	lease.Spec.RenewTime = &now

	if _, err := b.client.CoordinationV1().Leases(b.opts.namespace).Update(ctx, lease, metav1.UpdateOptions{}); err != nil {
		if errors.IsConflict(err) {
			return nil, nil
		}
		return nil, wrapK8sError(err)
	}
	return &k8sGrant{backend: b, leaseName: leaseName, token: token}, nil
}

// canAcquire 判断 Lease 是否可被接管。
func (b *k8sBackend) canAcquire(lease *coordinationv1.Lease) bool {
	if lease.Spec.HolderIdentity == nil || *lease.Spec.HolderIdentity == "" {
		return true
	}
	return b.leaseExpired(lease)
}

// leaseExpired 判断 Lease 是否已过期。
// 过期线 = renewTime + leaseDurationSeconds + clockSkew；
// 容忍度给持有者留出续期窗口，防止节点间时钟偏移导致误抢占。
func (b *k8sBackend) leaseExpired(lease *coordinationv1.Lease) bool {
	if lease.Spec.RenewTime == nil || lease.Spec.LeaseDurationSeconds == nil {
		return true
	}
	leaseDuration := time.Duration(*lease.Spec.LeaseDurationSeconds) * time.Second
	expireTime := lease.Spec.RenewTime.Add(leaseDuration + b.opts.clockSkew)
	return time.Now().After(expireTime)
}

// WaitAcquire 阻塞等待直至获取成功或 ctx 结束。
func (b *k8sBackend) WaitAcquire(ctx context.Context, safeName string, ttl time.Duration) (Grant, error) {
	return pollAcquire(ctx, b.opts.pollInterval, func(ctx context.Context) (Grant, error) {
		return b.TryAcquireOnce(ctx, safeName, ttl)
	})
}

// Cleanup 删除命名空间内本包管理的已过期或无持有者的 Lease。
// 删除携带资源版本前置条件，List 与 Delete 之间被重新获取的
// Lease 因版本变化而跳过。
func (b *k8sBackend) Cleanup(ctx context.Context) error {
	if b.closed.Load() {
		return ErrBackendClosed
	}

	leases, err := b.client.CoordinationV1().Leases(b.opts.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: k8sManagedByKey + "=" + k8sManagedByValue,
	})
	if err != nil {
		return wrapK8sError(err)
	}

	for i := range leases.Items {
		if err := ctx.Err(); err != nil {
			return err
		}
		lease := &leases.Items[i]
		if !b.canAcquire(lease) {
			continue
		}
		rv := lease.ResourceVersion
		err := b.client.CoordinationV1().Leases(b.opts.namespace).Delete(ctx, lease.Name, metav1.DeleteOptions{
			Preconditions: &metav1.Preconditions{ResourceVersion: &rv},
		})
		if err != nil && !errors.IsNotFound(err) && !errors.IsConflict(err) {
			return wrapK8sError(err)
		}
	}
	return nil
}

// Health 检查 API Server 可用性。
func (b *k8sBackend) Health(ctx context.Context) error {
	if b.closed.Load() {
		return ErrBackendClosed
	}
	if _, err := b.client.CoordinationV1().Leases(b.opts.namespace).List(ctx, metav1.ListOptions{Limit: 1}); err != nil {
		return fmt.Errorf("%w: k8s health check: %w", ErrBackendUnavailable, err)
	}
	return nil
}

// Close 关闭后端。
// 客户端由调用方注入或来自集群配置，无连接需要断开。
func (b *k8sBackend) Close(ctx context.Context) error {
	b.closed.Store(true)
	return nil
}

// =============================================================================
// Kubernetes Grant 实现
// =============================================================================

// k8sGrant Kubernetes 后端的持有凭证。
type k8sGrant struct {
	backend   *k8sBackend
	leaseName string
	token     string
	released  atomic.Bool
}

var _ Grant = (*k8sGrant)(nil)

// Token 返回凭证值。
func (g *k8sGrant) Token() string {
	return g.token
}

// Release 释放锁，清除 Lease 的持有者信息。
// Lease 已删除、凭证不再匹配或更新冲突均说明锁已易主，
// 按幂等语义返回 nil。
func (g *k8sGrant) Release(ctx context.Context) error {
	if g.released.Swap(true) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	leases := g.backend.client.CoordinationV1().Leases(g.backend.opts.namespace)
	lease, err := leases.Get(ctx, g.leaseName, metav1.GetOptions{})
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return wrapK8sError(err)
	}
	if lease.Spec.HolderIdentity == nil || *lease.Spec.HolderIdentity != g.token {
		return nil
	}

	lease.Spec.HolderIdentity = nil
	lease.Spec.AcquireTime = nil
	lease.Spec.RenewTime = nil

	if _, err := leases.Update(ctx, lease, metav1.UpdateOptions{}); err != nil {
		if errors.IsConflict(err) {
			return nil
		}
		return wrapK8sError(err)
	}
	return nil
}

// Extend 续期租约，刷新 renewTime 并按 ttl 更新租期。
// 凭证不再匹配时返回 [ErrNotHeld]。
func (g *k8sGrant) Extend(ctx context.Context, ttl time.Duration) error {
	if g.released.Load() {
		return ErrNotHeld
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	leases := g.backend.client.CoordinationV1().Leases(g.backend.opts.namespace)
	lease, err := leases.Get(ctx, g.leaseName, metav1.GetOptions{})
	if err != nil {
		if errors.IsNotFound(err) {
			return ErrNotHeld
		}
		return wrapK8sError(err)
	}
	if lease.Spec.HolderIdentity == nil || *lease.Spec.HolderIdentity != g.token {
		return ErrNotHeld
	}

	now := metav1.NewMicroTime(time.Now())
	duration := leaseDurationSeconds(ttl)
	lease.Spec.RenewTime = &now
	lease.Spec.LeaseDurationSeconds = &duration

	if _, err := leases.Update(ctx, lease, metav1.UpdateOptions{}); err != nil {
		if errors.IsConflict(err) {
			return ErrNotHeld
		}
		return wrapK8sError(err)
	}
	return nil
}

// =============================================================================
// 辅助函数
// =============================================================================

// isK8sLegalRune 判断字符是否为 K8s 资源名合法字符。
func isK8sLegalRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-'
}

// leaseDurationSeconds 把 ttl 换算为 Lease 的整秒租期，保底 1 秒。
func leaseDurationSeconds(ttl time.Duration) int32 {
	seconds := int32(ttl.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

// wrapK8sError 将 client-go 错误转换为包内错误。
// context 错误保持原样上抛。
func wrapK8sError(err error) error {
	if err == nil {
		return nil
	}
	if isContextError(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
}

// getEnvOrDefault 获取环境变量，不存在时返回默认值。
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// defaultIdentity 生成默认实例标识。
func defaultIdentity() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s:%d", hostname, os.Getpid())
}
