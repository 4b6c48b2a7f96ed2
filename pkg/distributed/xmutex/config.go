package xmutex

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// =============================================================================
// 配置结构
// =============================================================================

// ConfigFormat 配置数据格式。
type ConfigFormat string

// 支持的配置格式。
const (
	FormatJSON ConfigFormat = "json"
	FormatYAML ConfigFormat = "yaml"
)

// Config 声明式引擎配置，供 [NewFromConfig] 构建完整的引擎。
// backend 字段选择后端，对应小节提供该后端的参数；
// 时长字段接受 Go 时长字符串（"30s"、"5m"）。
//
// YAML 示例：
//
//	backend: redis
//	ttl: 30s
//	redis:
//	  addrs: ["127.0.0.1:6379"]
//	breaker:
//	  enabled: true
type Config struct {
	// Backend 后端标识：memory/file/redis/etcd/mongo/k8s，
	// 或经 [RegisterBackend] 注册的自定义标识。
	Backend string `json:"backend" yaml:"backend" koanf:"backend"`

	// TTL 租约型后端的默认锁有效期。零值时使用 [DefaultTTL]。
	TTL time.Duration `json:"ttl" yaml:"ttl" koanf:"ttl"`

	Memory  MemoryConfig   `json:"memory" yaml:"memory" koanf:"memory"`
	File    FileConfig     `json:"file" yaml:"file" koanf:"file"`
	Redis   RedisConfig    `json:"redis" yaml:"redis" koanf:"redis"`
	Etcd    EtcdFullConfig `json:"etcd" yaml:"etcd" koanf:"etcd"`
	Mongo   MongoConfig    `json:"mongo" yaml:"mongo" koanf:"mongo"`
	K8s     K8sConfig      `json:"k8s" yaml:"k8s" koanf:"k8s"`
	Breaker BreakerConfig  `json:"breaker" yaml:"breaker" koanf:"breaker"`
	Cleanup CleanupConfig  `json:"cleanup" yaml:"cleanup" koanf:"cleanup"`
}

// MemoryConfig memory 后端配置。
type MemoryConfig struct {
	// ShardCount 分片数，须为 2 的幂。零值时使用默认值 32。
	ShardCount int `json:"shardCount" yaml:"shardCount" koanf:"shardCount"`

	// DisableExpiry 关闭租约过期，锁只能显式释放。
	DisableExpiry bool `json:"disableExpiry" yaml:"disableExpiry" koanf:"disableExpiry"`

	// DisableReentrant 关闭嵌套获取支持。
	DisableReentrant bool `json:"disableReentrant" yaml:"disableReentrant" koanf:"disableReentrant"`
}

// FileConfig file 后端配置。
type FileConfig struct {
	// Dir 锁文件目录，必填。
	Dir string `json:"dir" yaml:"dir" koanf:"dir"`

	// PollInterval 等待时的兜底轮询间隔。零值时使用默认值 100 毫秒。
	PollInterval time.Duration `json:"pollInterval" yaml:"pollInterval" koanf:"pollInterval"`
}

// RedisConfig redis 后端配置。
// 单地址为标准模式；多地址依据 MasterName 判定 Sentinel 或 Cluster。
type RedisConfig struct {
	// Addrs Redis 地址列表，必填。
	Addrs []string `json:"addrs" yaml:"addrs" koanf:"addrs"`

	// MasterName Sentinel 模式的主节点名。
	MasterName string `json:"masterName" yaml:"masterName" koanf:"masterName"`

	// Username/Password 认证信息（可选）。
	Username string `json:"username" yaml:"username" koanf:"username"`
	Password string `json:"password" yaml:"password" koanf:"password"`

	// DB 数据库编号，Cluster 模式忽略。
	DB int `json:"db" yaml:"db" koanf:"db"`

	// KeyPrefix 锁键前缀。零值时使用 "xmutex:"。
	KeyPrefix string `json:"keyPrefix" yaml:"keyPrefix" koanf:"keyPrefix"`

	// PollInterval 等待时的轮询间隔。零值时使用默认值 100 毫秒。
	PollInterval time.Duration `json:"pollInterval" yaml:"pollInterval" koanf:"pollInterval"`
}

// EtcdFullConfig etcd 后端配置：客户端连接参数加锁层参数。
type EtcdFullConfig struct {
	EtcdConfig `yaml:",inline" koanf:",squash"`

	// KeyPrefix 锁键前缀。零值时使用 "xmutex/"。
	KeyPrefix string `json:"keyPrefix" yaml:"keyPrefix" koanf:"keyPrefix"`

	// SessionTTL 会话租约秒数。零值时使用默认值 60。
	SessionTTL int `json:"sessionTTL" yaml:"sessionTTL" koanf:"sessionTTL"`
}

// MongoConfig mongo 后端配置。
type MongoConfig struct {
	// URI MongoDB 连接串，必填。
	URI string `json:"uri" yaml:"uri" koanf:"uri"`

	// Database/Collection 租约文档的存放位置，必填。
	Database   string `json:"database" yaml:"database" koanf:"database"`
	Collection string `json:"collection" yaml:"collection" koanf:"collection"`

	// EnsureIndexes 启动时创建过期租约的 TTL 兜底索引。
	EnsureIndexes bool `json:"ensureIndexes" yaml:"ensureIndexes" koanf:"ensureIndexes"`

	// Holder 租约文档中的持有者标识。零值时使用 "主机名/pid"。
	Holder string `json:"holder" yaml:"holder" koanf:"holder"`

	// PollInterval 等待时的轮询间隔。零值时使用默认值 100 毫秒。
	PollInterval time.Duration `json:"pollInterval" yaml:"pollInterval" koanf:"pollInterval"`
}

// K8sConfig k8s 后端配置。
type K8sConfig struct {
	// Kubeconfig kubeconfig 文件路径。零值时使用 InClusterConfig。
	Kubeconfig string `json:"kubeconfig" yaml:"kubeconfig" koanf:"kubeconfig"`

	// Namespace Lease 所在命名空间。零值时取 POD_NAMESPACE 或 "default"。
	Namespace string `json:"namespace" yaml:"namespace" koanf:"namespace"`

	// Identity 实例标识。零值时取 POD_NAME 或 "主机名:pid"。
	Identity string `json:"identity" yaml:"identity" koanf:"identity"`

	// LeasePrefix Lease 资源名前缀。零值时使用 "xmutex-"。
	LeasePrefix string `json:"leasePrefix" yaml:"leasePrefix" koanf:"leasePrefix"`

	// ClockSkew 过期判定的时钟偏移容忍度。零值时使用默认值 2 秒。
	ClockSkew time.Duration `json:"clockSkew" yaml:"clockSkew" koanf:"clockSkew"`

	// PollInterval 等待时的轮询间隔。零值时使用默认值 100 毫秒。
	PollInterval time.Duration `json:"pollInterval" yaml:"pollInterval" koanf:"pollInterval"`
}

// BreakerConfig 熔断装饰器配置。
type BreakerConfig struct {
	// Enabled 为 true 时在后端外层叠加熔断保护。
	Enabled bool `json:"enabled" yaml:"enabled" koanf:"enabled"`

	// Failures 触发熔断的连续失败次数。零值时使用默认值 5。
	Failures uint32 `json:"failures" yaml:"failures" koanf:"failures"`

	// Timeout Open 到 HalfOpen 的冷却时间。零值时使用默认值 60 秒。
	Timeout time.Duration `json:"timeout" yaml:"timeout" koanf:"timeout"`

	// Interval Closed 状态统计窗口清零周期。零值时持续累积。
	Interval time.Duration `json:"interval" yaml:"interval" koanf:"interval"`

	// MaxRequests HalfOpen 状态放行的探测请求数。零值时使用默认值 1。
	MaxRequests uint32 `json:"maxRequests" yaml:"maxRequests" koanf:"maxRequests"`
}

// CleanupConfig 遗弃清理调度配置，由 [Janitor] 消费。
type CleanupConfig struct {
	// Schedule cron 表达式（支持秒级字段），零值时不做周期清理。
	// 例如 "0 */5 * * * *" 表示每 5 分钟。
	Schedule string `json:"schedule" yaml:"schedule" koanf:"schedule"`
}

// Validate 验证配置的基本完整性。
// 各后端小节的深度校验在对应构建器中进行。
func (c *Config) Validate() error {
	if c.Backend == "" {
		return fmt.Errorf("%w: backend kind not set", ErrInvalidConfig)
	}
	return nil
}

// =============================================================================
// 配置解析
// =============================================================================

// ParseConfig 从字节数据解析配置。
// 需显式指定格式，适用于 K8s ConfigMap 等场景。
//
// 错误：[ErrUnsupportedFormat]、[ErrParseFailed]。
func ParseConfig(data []byte, format ConfigFormat) (*Config, error) {
	var parser koanf.Parser
	switch format {
	case FormatJSON:
		parser = json.Parser()
	case FormatYAML:
		parser = yaml.Parser()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	k := koanf.New(".")
	if len(data) > 0 {
		if err := k.Load(rawbytes.Provider(data), parser); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrParseFailed, err)
		}
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParseFailed, err)
	}
	return cfg, nil
}

// LoadConfigFile 从文件加载配置。
// 根据扩展名自动检测格式（.yaml/.yml 或 .json）。
//
// 错误：[ErrLoadFailed]、[ErrUnsupportedFormat]、[ErrParseFailed]。
func LoadConfigFile(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrLoadFailed)
	}

	format, err := detectConfigFormat(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}
	return ParseConfig(data, format)
}

// detectConfigFormat 根据文件扩展名检测配置格式。
func detectConfigFormat(path string) (ConfigFormat, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: unknown extension %q", ErrUnsupportedFormat, ext)
	}
}

// =============================================================================
// 配置驱动的引擎构建
// =============================================================================

// NewFromConfig 按配置构建后端与引擎。
// 后端由注册表中 cfg.Backend 对应的构建器创建，ctx 约束构建期间的
// 连接动作；breaker.enabled 为 true 时自动叠加熔断装饰。
// opts 追加在配置衍生的选项之后，可覆盖 TTL 并补充日志与观测等
// 无法从配置表达的依赖。
//
// 错误：[ErrNilConfig]、[ErrInvalidConfig]、[ErrUnknownBackend] 及构建器错误。
func NewFromConfig(ctx context.Context, cfg *Config, opts ...Option) (Engine, error) {
	ensureContext(ctx)
	if cfg == nil {
		return nil, ErrNilConfig
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	builder, err := lookupBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}
	backend, err := builder(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Breaker.Enabled {
		wrapped, err := NewBreakerBackend(backend, breakerOptionsFromConfig(&cfg.Breaker)...)
		if err != nil {
			closeErr := backend.Close(context.Background())
			return nil, errors.Join(err, closeErr)
		}
		backend = wrapped
	}

	engineOpts := make([]Option, 0, len(opts)+1)
	if cfg.TTL > 0 {
		engineOpts = append(engineOpts, WithTTL(cfg.TTL))
	}
	engineOpts = append(engineOpts, opts...)

	eng, err := New(backend, engineOpts...)
	if err != nil {
		closeErr := backend.Close(context.Background())
		return nil, errors.Join(err, closeErr)
	}
	return eng, nil
}

// breakerOptionsFromConfig 把熔断配置转换为选项列表。
func breakerOptionsFromConfig(cfg *BreakerConfig) []BreakerOption {
	var opts []BreakerOption
	if cfg.Failures > 0 {
		opts = append(opts, WithBreakerFailures(cfg.Failures))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, WithBreakerTimeout(cfg.Timeout))
	}
	if cfg.Interval > 0 {
		opts = append(opts, WithBreakerInterval(cfg.Interval))
	}
	if cfg.MaxRequests > 0 {
		opts = append(opts, WithBreakerMaxRequests(cfg.MaxRequests))
	}
	return opts
}
