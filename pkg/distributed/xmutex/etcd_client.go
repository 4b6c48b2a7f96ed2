package xmutex

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

// =============================================================================
// etcd 客户端配置
// =============================================================================

// 默认配置值。
const (
	defaultEtcdDialTimeout          = 5 * time.Second
	defaultEtcdDialKeepAliveTime    = 10 * time.Second
	defaultEtcdDialKeepAliveTimeout = 3 * time.Second
)

// EtcdConfig etcd 客户端配置。
// 支持 JSON/YAML 反序列化。
//
// 推荐使用 DefaultEtcdConfig() 获取带有推荐默认值的配置，然后按需覆盖。
type EtcdConfig struct {
	// Endpoints etcd 服务端点列表，必填。
	// 格式：["host1:port1", "host2:port2"]
	Endpoints []string `json:"endpoints" yaml:"endpoints" koanf:"endpoints"`

	// Username 用户名（可选）。启用认证时需要配置。
	Username string `json:"username" yaml:"username" koanf:"username"`

	// Password 密码（可选）。启用认证时需要配置。
	Password string `json:"password" yaml:"password" koanf:"password"`

	// DialTimeout 连接超时。零值时使用默认值 5 秒。
	DialTimeout time.Duration `json:"dialTimeout" yaml:"dialTimeout" koanf:"dialTimeout"`

	// DialKeepAliveTime gRPC keepalive 探测间隔。零值时使用默认值 10 秒。
	DialKeepAliveTime time.Duration `json:"dialKeepAliveTime" yaml:"dialKeepAliveTime" koanf:"dialKeepAliveTime"`

	// DialKeepAliveTimeout gRPC keepalive 超时。零值时使用默认值 3 秒。
	DialKeepAliveTimeout time.Duration `json:"dialKeepAliveTimeout" yaml:"dialKeepAliveTimeout" koanf:"dialKeepAliveTimeout"`

	// AutoSyncInterval 自动同步 endpoints 间隔，默认 0（禁用）。
	AutoSyncInterval time.Duration `json:"autoSyncInterval" yaml:"autoSyncInterval" koanf:"autoSyncInterval"`

	// RejectOldCluster 拒绝过期集群。
	//
	// 注意：由于 Go 布尔零值为 false，直接使用 EtcdConfig{} 时此字段为 false。
	// 推荐使用 DefaultEtcdConfig() 获取安全的默认配置（true）。
	RejectOldCluster bool `json:"rejectOldCluster" yaml:"rejectOldCluster" koanf:"rejectOldCluster"`

	// PermitWithoutStream 允许无流的 keepalive。
	// 推荐使用 DefaultEtcdConfig() 获取推荐配置（true）。
	PermitWithoutStream bool `json:"permitWithoutStream" yaml:"permitWithoutStream" koanf:"permitWithoutStream"`
}

// DefaultEtcdConfig 返回带有推荐默认值的配置。
//
// 默认值：
//   - DialTimeout: 5 秒
//   - DialKeepAliveTime: 10 秒
//   - DialKeepAliveTimeout: 3 秒
//   - RejectOldCluster: true（拒绝过期集群）
//   - PermitWithoutStream: true（保持连接健康）
func DefaultEtcdConfig() *EtcdConfig {
	return &EtcdConfig{
		DialTimeout:          defaultEtcdDialTimeout,
		DialKeepAliveTime:    defaultEtcdDialKeepAliveTime,
		DialKeepAliveTimeout: defaultEtcdDialKeepAliveTimeout,
		RejectOldCluster:     true,
		PermitWithoutStream:  true,
	}
}

// Validate 验证配置有效性。
func (c *EtcdConfig) Validate() error {
	if len(c.Endpoints) == 0 {
		return ErrNoEndpoints
	}
	for i, ep := range c.Endpoints {
		if ep == "" {
			return fmt.Errorf("%w: endpoint[%d] is empty", ErrInvalidEndpoint, i)
		}
		if !strings.Contains(ep, ":") {
			return fmt.Errorf("%w: endpoint[%d]=%q missing port", ErrInvalidEndpoint, i, ep)
		}
	}
	return nil
}

// applyDefaults 应用默认值，返回新的配置（不修改原配置）。
func (c *EtcdConfig) applyDefaults() *EtcdConfig {
	cfg := *c
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultEtcdDialTimeout
	}
	if cfg.DialKeepAliveTime == 0 {
		cfg.DialKeepAliveTime = defaultEtcdDialKeepAliveTime
	}
	if cfg.DialKeepAliveTimeout == 0 {
		cfg.DialKeepAliveTimeout = defaultEtcdDialKeepAliveTimeout
	}
	return &cfg
}

// =============================================================================
// etcd 客户端选项
// =============================================================================

// etcdClientOptions 内部选项结构。
type etcdClientOptions struct {
	healthCheck   bool
	healthTimeout time.Duration
	tlsConfig     *tls.Config
}

func defaultEtcdClientOptions() *etcdClientOptions {
	return &etcdClientOptions{
		healthTimeout: 10 * time.Second,
	}
}

// EtcdClientOption 定义 etcd 客户端的配置选项。
type EtcdClientOption func(*etcdClientOptions)

// WithEtcdHealthCheck 创建后执行健康检查。
// enabled 为 true 时，创建客户端后执行一次 Get 操作验证连接。
// timeout 为健康检查超时时间，默认 10 秒。
func WithEtcdHealthCheck(enabled bool, timeout time.Duration) EtcdClientOption {
	return func(o *etcdClientOptions) {
		o.healthCheck = enabled
		if timeout > 0 {
			o.healthTimeout = timeout
		}
	}
}

// WithEtcdTLS 设置 TLS 配置，用于启用安全连接。
func WithEtcdTLS(config *tls.Config) EtcdClientOption {
	return func(o *etcdClientOptions) {
		o.tlsConfig = config
	}
}

// =============================================================================
// etcd 客户端创建
// =============================================================================

// NewEtcdClient 根据配置创建 etcd 客户端。
//
// 错误：[ErrNilConfig]、[ErrNoEndpoints]、连接错误、健康检查错误。
func NewEtcdClient(config *EtcdConfig, opts ...EtcdClientOption) (*clientv3.Client, error) {
	if config == nil {
		return nil, ErrNilConfig
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	o := defaultEtcdClientOptions()
	for _, apply := range opts {
		if apply != nil {
			apply(o)
		}
	}

	cfg := config.applyDefaults()

	// 设计决策: keepalive 参数仅通过 DialOptions 设置，不同时设置 Config 字段。
	// etcd 客户端内部会将 Config.DialKeepAliveTime/Timeout 转换为 gRPC DialOption，
	// 与显式 DialOptions 合并时后者覆盖前者。去除冗余避免两处值不一致的隐患，
	// 且显式 DialOptions 能控制 PermitWithoutStream 字段。
	clientConfig := clientv3.Config{
		Endpoints:        cfg.Endpoints,
		DialTimeout:      cfg.DialTimeout,
		Username:         cfg.Username,
		Password:         cfg.Password,
		AutoSyncInterval: cfg.AutoSyncInterval,
		RejectOldCluster: cfg.RejectOldCluster,
		DialOptions: []grpc.DialOption{
			grpc.WithKeepaliveParams(keepalive.ClientParameters{
				Time:                cfg.DialKeepAliveTime,
				Timeout:             cfg.DialKeepAliveTimeout,
				PermitWithoutStream: cfg.PermitWithoutStream,
			}),
		},
	}
	if o.tlsConfig != nil {
		clientConfig.TLS = o.tlsConfig
	}

	client, err := clientv3.New(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: create etcd client: %w", ErrBackendUnavailable, err)
	}

	if o.healthCheck {
		ctx, cancel := context.WithTimeout(context.Background(), o.healthTimeout)
		defer cancel()
		if _, err := client.Get(ctx, "health-check-key", clientv3.WithLimit(1)); err != nil {
			closeErr := client.Close()
			return nil, errors.Join(
				fmt.Errorf("%w: etcd health check failed: %w", ErrBackendUnavailable, err),
				closeErr,
			)
		}
	}
	return client, nil
}

// NewEtcdBackendFromConfig 从配置创建 etcd 后端。
// 便捷函数，等同于 NewEtcdClient + NewEtcdBackend；
// 客户端由后端拥有，随 Close 一并关闭。
func NewEtcdBackendFromConfig(config *EtcdConfig, clientOpts []EtcdClientOption, backendOpts ...EtcdOption) (Backend, error) {
	client, err := NewEtcdClient(config, clientOpts...)
	if err != nil {
		return nil, err
	}

	backend, err := newEtcdBackend(client, true, backendOpts...)
	if err != nil {
		closeErr := client.Close()
		return nil, errors.Join(err, closeErr)
	}
	return backend, nil
}
