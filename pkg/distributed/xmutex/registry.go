package xmutex

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

// =============================================================================
// 后端注册表
// =============================================================================

// BackendBuilder 根据配置构建后端实例。
// ctx 约束构建期间的连接与初始化动作（索引创建等）。
type BackendBuilder func(ctx context.Context, cfg *Config) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]BackendBuilder)
)

// RegisterBackend 注册后端构建器，使其可被 [NewFromConfig] 按标识选中。
// 同名标识会覆盖原有构建器。内置后端在包初始化时注册。
//
// kind 为空或 builder 为 nil 属于编程错误，直接 panic。
func RegisterBackend(kind string, builder BackendBuilder) {
	if kind == "" {
		panic("xmutex: RegisterBackend kind is empty")
	}
	if builder == nil {
		panic("xmutex: RegisterBackend builder is nil")
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = builder
}

// RegisteredBackends 返回所有已注册的后端标识（按字母排序）。
func RegisteredBackends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	kinds := make([]string, 0, len(registry))
	for kind := range registry {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// lookupBackend 查找后端构建器。
func lookupBackend(kind string) (BackendBuilder, error) {
	registryMu.RLock()
	builder, ok := registry[kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %s)",
			ErrUnknownBackend, kind, strings.Join(RegisteredBackends(), ", "))
	}
	return builder, nil
}

// =============================================================================
// 内置后端构建器
// =============================================================================

func init() {
	RegisterBackend("memory", buildMemoryBackend)
	RegisterBackend("file", buildFileBackend)
	RegisterBackend("redis", buildRedisBackend)
	RegisterBackend("etcd", buildEtcdBackend)
	RegisterBackend("mongo", buildMongoBackend)
	RegisterBackend("k8s", buildK8sBackend)
}

func buildMemoryBackend(_ context.Context, cfg *Config) (Backend, error) {
	var opts []MemoryOption
	if cfg.Memory.ShardCount > 0 {
		opts = append(opts, WithMemoryShardCount(cfg.Memory.ShardCount))
	}
	if cfg.Memory.DisableExpiry {
		opts = append(opts, WithMemoryExpiryDisabled())
	}
	if cfg.Memory.DisableReentrant {
		opts = append(opts, WithMemoryReentrant(false))
	}
	return NewMemoryBackend(opts...)
}

func buildFileBackend(_ context.Context, cfg *Config) (Backend, error) {
	var opts []FileOption
	if cfg.File.PollInterval > 0 {
		opts = append(opts, WithFilePollInterval(cfg.File.PollInterval))
	}
	return NewFileBackend(cfg.File.Dir, opts...)
}

func buildRedisBackend(_ context.Context, cfg *Config) (Backend, error) {
	if len(cfg.Redis.Addrs) == 0 {
		return nil, fmt.Errorf("%w: redis addrs", ErrNoEndpoints)
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:      cfg.Redis.Addrs,
		MasterName: cfg.Redis.MasterName,
		Username:   cfg.Redis.Username,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
	})

	var opts []RedisOption
	if cfg.Redis.KeyPrefix != "" {
		opts = append(opts, WithRedisKeyPrefix(cfg.Redis.KeyPrefix))
	}
	if cfg.Redis.PollInterval > 0 {
		opts = append(opts, WithRedisPollInterval(cfg.Redis.PollInterval))
	}

	backend, err := newRedisBackend([]redis.UniversalClient{client}, true, opts...)
	if err != nil {
		closeErr := client.Close()
		return nil, errors.Join(err, closeErr)
	}
	return backend, nil
}

func buildEtcdBackend(_ context.Context, cfg *Config) (Backend, error) {
	var opts []EtcdOption
	if cfg.Etcd.KeyPrefix != "" {
		opts = append(opts, WithEtcdKeyPrefix(cfg.Etcd.KeyPrefix))
	}
	if cfg.Etcd.SessionTTL > 0 {
		opts = append(opts, WithEtcdSessionTTL(cfg.Etcd.SessionTTL))
	}
	return NewEtcdBackendFromConfig(&cfg.Etcd.EtcdConfig, nil, opts...)
}

func buildMongoBackend(ctx context.Context, cfg *Config) (Backend, error) {
	if cfg.Mongo.URI == "" {
		return nil, fmt.Errorf("%w: mongo uri", ErrNoEndpoints)
	}
	if cfg.Mongo.Database == "" || cfg.Mongo.Collection == "" {
		return nil, fmt.Errorf("%w: mongo database and collection are required", ErrInvalidConfig)
	}

	client, err := mongo.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return nil, fmt.Errorf("%w: connect mongo: %w", ErrBackendUnavailable, err)
	}
	coll := client.Database(cfg.Mongo.Database).Collection(cfg.Mongo.Collection)

	if cfg.Mongo.EnsureIndexes {
		ictx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := EnsureMongoIndexes(ictx, coll)
		cancel()
		if err != nil {
			disconnectErr := client.Disconnect(context.Background())
			return nil, errors.Join(err, disconnectErr)
		}
	}

	var opts []MongoOption
	if cfg.Mongo.Holder != "" {
		opts = append(opts, WithMongoHolder(cfg.Mongo.Holder))
	}
	if cfg.Mongo.PollInterval > 0 {
		opts = append(opts, WithMongoPollInterval(cfg.Mongo.PollInterval))
	}

	backend, err := newMongoBackend(&mongoCollectionAdapter{coll: coll}, opts...)
	if err != nil {
		disconnectErr := client.Disconnect(context.Background())
		return nil, errors.Join(err, disconnectErr)
	}
	backend.ownedClient = client
	return backend, nil
}

func buildK8sBackend(_ context.Context, cfg *Config) (Backend, error) {
	var opts []K8sOption
	if cfg.K8s.Namespace != "" {
		opts = append(opts, WithK8sNamespace(cfg.K8s.Namespace))
	}
	if cfg.K8s.Identity != "" {
		opts = append(opts, WithK8sIdentity(cfg.K8s.Identity))
	}
	if cfg.K8s.LeasePrefix != "" {
		opts = append(opts, WithK8sLeasePrefix(cfg.K8s.LeasePrefix))
	}
	if cfg.K8s.ClockSkew != 0 {
		opts = append(opts, WithK8sClockSkew(cfg.K8s.ClockSkew))
	}
	if cfg.K8s.PollInterval > 0 {
		opts = append(opts, WithK8sPollInterval(cfg.K8s.PollInterval))
	}

	if cfg.K8s.Kubeconfig == "" {
		return NewK8sBackendInCluster(opts...)
	}

	restConfig, err := clientcmd.BuildConfigFromFlags("", cfg.K8s.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("%w: load kubeconfig: %w", ErrBackendUnavailable, err)
	}
	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: create kubernetes client: %w", ErrBackendUnavailable, err)
	}
	return NewK8sBackend(client, opts...)
}
