//go:build integration

package xmutex_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/omeyang/xmutex/pkg/distributed/xmutex"
)

// =============================================================================
// 测试环境设置
// =============================================================================

var nameSeq atomic.Int64

// uniqueName 生成本次运行内唯一的锁名，避免共享服务器上的跨运行残留。
func uniqueName(prefix string) string {
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), nameSeq.Add(1))
}

// requireDocker 探测 Docker 可用性，避免 testcontainers 内部 panic。
func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not found in PATH, skipping integration test")
	}
}

// redisAddr 返回可用的 Redis 地址。
// 设置了 XMUTEX_REDIS_ADDR 环境变量时直接使用外部 Redis，否则启动容器。
func redisAddr(t *testing.T) string {
	t.Helper()

	if addr := os.Getenv("XMUTEX_REDIS_ADDR"); addr != "" {
		return addr
	}

	requireDocker(t)
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("redis container not available: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint failed: %v", err)
	}
	return endpoint
}

// setupRedisClient 连接 Redis 并验证连通性，失败时跳过测试。
func setupRedisClient(t *testing.T) redis.UniversalClient {
	t.Helper()

	addr := redisAddr(t)
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("无法连接到 Redis %s: %v", addr, err)
	}
	return client
}

// etcdEndpoint 返回可用的 etcd 端点。
// 设置了 XMUTEX_ETCD_ENDPOINTS 环境变量时直接使用外部 etcd，否则启动容器。
func etcdEndpoint(t *testing.T) string {
	t.Helper()

	if ep := os.Getenv("XMUTEX_ETCD_ENDPOINTS"); ep != "" {
		return ep
	}

	requireDocker(t)
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "quay.io/coreos/etcd:v3.5.17",
		ExposedPorts: []string{"2379/tcp"},
		Cmd: []string{
			"etcd",
			"--advertise-client-urls=http://0.0.0.0:2379",
			"--listen-client-urls=http://0.0.0.0:2379",
		},
		WaitingFor: wait.ForLog("ready to serve client requests"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("etcd container not available: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("etcd endpoint failed: %v", err)
	}
	return "http://" + endpoint
}

// setupEtcdClient 连接 etcd 并验证连通性，失败时跳过测试。
func setupEtcdClient(t *testing.T) (*clientv3.Client, string) {
	t.Helper()

	endpoint := etcdEndpoint(t)
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{endpoint},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Skipf("无法连接到 etcd %s: %v", endpoint, err)
	}
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Status(ctx, endpoint); err != nil {
		t.Skipf("etcd 健康检查失败 %s: %v", endpoint, err)
	}
	return client, endpoint
}

// setupMongoColl 连接 MongoDB 并返回锁集合，失败时跳过测试。
// 设置了 XMUTEX_MONGO_URI 环境变量时直接使用外部 MongoDB，否则启动容器。
func setupMongoColl(t *testing.T) *mongo.Collection {
	t.Helper()

	uri := os.Getenv("XMUTEX_MONGO_URI")
	if uri == "" {
		requireDocker(t)
		ctx := context.Background()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7.0",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForListeningPort("27017/tcp"),
		}
		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		if err != nil {
			t.Skipf("mongo container not available: %v", err)
		}
		t.Cleanup(func() { _ = container.Terminate(ctx) })

		host, err := container.Host(ctx)
		if err != nil {
			t.Fatalf("mongo host failed: %v", err)
		}
		port, err := container.MappedPort(ctx, "27017/tcp")
		if err != nil {
			t.Fatalf("mongo port failed: %v", err)
		}
		uri = fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("mongo connect failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := client.Ping(ctx, nil); err != nil {
		t.Skipf("mongo ping failed: %v", err)
	}
	return client.Database("xmutex_it").Collection("locks")
}

// newRedisEngine 在共享客户端上创建独立引擎，模拟一个独立的持有者进程。
func newRedisEngine(t *testing.T, client redis.UniversalClient) xmutex.Engine {
	t.Helper()
	backend, err := xmutex.NewRedisBackend(
		[]redis.UniversalClient{client},
		xmutex.WithRedisPollInterval(50*time.Millisecond),
	)
	require.NoError(t, err)
	eng, err := xmutex.New(backend)
	require.NoError(t, err)
	return eng
}

// newEtcdEngine 在共享客户端上创建独立引擎，每个引擎持有独立的 Session。
func newEtcdEngine(t *testing.T, client *clientv3.Client) xmutex.Engine {
	t.Helper()
	backend, err := xmutex.NewEtcdBackend(client, xmutex.WithEtcdSessionTTL(5))
	require.NoError(t, err)
	eng, err := xmutex.New(backend)
	require.NoError(t, err)
	return eng
}

// newMongoEngine 在共享集合上创建独立引擎。
func newMongoEngine(t *testing.T, coll *mongo.Collection) xmutex.Engine {
	t.Helper()
	backend, err := xmutex.NewMongoBackend(coll, xmutex.WithMongoPollInterval(50*time.Millisecond))
	require.NoError(t, err)
	eng, err := xmutex.New(backend)
	require.NoError(t, err)
	return eng
}

// =============================================================================
// Redis 后端
// =============================================================================

func TestRedisEngine_AcquireRelease(t *testing.T) {
	client := setupRedisClient(t)
	eng := newRedisEngine(t, client)
	defer eng.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, eng.Health(ctx))

	mu, err := eng.NewMutex(uniqueName("it-redis-basic"))
	require.NoError(t, err)

	handle, err := mu.TryAcquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.NoError(t, handle.Release(ctx))

	// 释放后可再次获取
	handle, err = mu.TryAcquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.NoError(t, handle.Release(ctx))
}

func TestRedisEngine_MutualExclusion(t *testing.T) {
	client := setupRedisClient(t)
	eng1 := newRedisEngine(t, client)
	defer eng1.Close(context.Background())
	eng2 := newRedisEngine(t, client)
	defer eng2.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	name := uniqueName("it-redis-mutex")
	mu1, err := eng1.NewMutex(name)
	require.NoError(t, err)
	mu2, err := eng2.NewMutex(name)
	require.NoError(t, err)

	holder, err := mu1.TryAcquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, holder)

	// 另一引擎视角：占用中返回 (nil, nil)
	blocked, err := mu2.TryAcquire(ctx)
	require.NoError(t, err)
	assert.Nil(t, blocked)

	require.NoError(t, holder.Release(ctx))

	taken, err := mu2.TryAcquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, taken)
	assert.NoError(t, taken.Release(ctx))
}

func TestRedisEngine_WaitHandoff(t *testing.T) {
	client := setupRedisClient(t)
	eng1 := newRedisEngine(t, client)
	defer eng1.Close(context.Background())
	eng2 := newRedisEngine(t, client)
	defer eng2.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	name := uniqueName("it-redis-handoff")
	mu1, err := eng1.NewMutex(name)
	require.NoError(t, err)
	mu2, err := eng2.NewMutex(name)
	require.NoError(t, err)

	holder, err := mu1.TryAcquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, holder)

	go func() {
		time.Sleep(300 * time.Millisecond)
		_ = holder.Release(context.Background())
	}()

	start := time.Now()
	handle, err := mu2.Acquire(ctx, xmutex.WithWaitTimeout(10*time.Second))
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.NoError(t, handle.Release(ctx))
}

func TestRedisEngine_ExpiryRecovery(t *testing.T) {
	client := setupRedisClient(t)
	eng1 := newRedisEngine(t, client)
	defer eng1.Close(context.Background())
	eng2 := newRedisEngine(t, client)
	defer eng2.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	name := uniqueName("it-redis-expiry")
	mu1, err := eng1.NewMutex(name)
	require.NoError(t, err)
	mu2, err := eng2.NewMutex(name)
	require.NoError(t, err)

	// 持有者"崩溃"：获取短租约后既不释放也不续期
	abandoned, err := mu1.TryAcquire(ctx, xmutex.WithAcquireTTL(time.Second))
	require.NoError(t, err)
	require.NotNil(t, abandoned)

	// 租约过期后锁自动回收，另一引擎可获取
	var recovered xmutex.LockHandle
	require.Eventually(t, func() bool {
		h, err := mu2.TryAcquire(ctx)
		if err != nil || h == nil {
			return false
		}
		recovered = h
		return true
	}, 5*time.Second, 100*time.Millisecond)
	assert.NoError(t, recovered.Release(ctx))
}

func TestRedisEngine_ExtendKeepsLock(t *testing.T) {
	client := setupRedisClient(t)
	eng1 := newRedisEngine(t, client)
	defer eng1.Close(context.Background())
	eng2 := newRedisEngine(t, client)
	defer eng2.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	name := uniqueName("it-redis-extend")
	mu1, err := eng1.NewMutex(name)
	require.NoError(t, err)
	mu2, err := eng2.NewMutex(name)
	require.NoError(t, err)

	holder, err := mu1.TryAcquire(ctx, xmutex.WithAcquireTTL(3*time.Second))
	require.NoError(t, err)
	require.NotNil(t, holder)

	// 原租约过半时续期，续期量与获取时的 TTL 一致
	time.Sleep(2 * time.Second)
	require.NoError(t, holder.Extend(ctx, 3*time.Second))

	// 原租约此刻已过期，续期后的锁仍然在握
	time.Sleep(1500 * time.Millisecond)
	blocked, err := mu2.TryAcquire(ctx)
	require.NoError(t, err)
	assert.Nil(t, blocked)

	require.NoError(t, holder.Release(ctx))
	taken, err := mu2.TryAcquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, taken)
	assert.NoError(t, taken.Release(ctx))
}

func TestRedisEngine_DoMutualExclusionLoop(t *testing.T) {
	client := setupRedisClient(t)

	const engines = 4
	const iterations = 5
	var inside int64
	var violations int64
	var wg sync.WaitGroup

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	name := uniqueName("it-redis-do-loop")
	for i := 0; i < engines; i++ {
		eng := newRedisEngine(t, client)
		defer eng.Close(context.Background())

		mu, err := eng.NewMutex(name)
		require.NoError(t, err)

		wg.Add(1)
		go func(mu xmutex.Mutex) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				err := mu.Do(ctx, func(ctx context.Context) error {
					if atomic.AddInt64(&inside, 1) != 1 {
						atomic.AddInt64(&violations, 1)
					}
					time.Sleep(10 * time.Millisecond)
					atomic.AddInt64(&inside, -1)
					return nil
				}, xmutex.WithWaitTimeout(30*time.Second))
				if err != nil {
					t.Logf("Do failed: %v", err)
				}
			}
		}(mu)
	}

	wg.Wait()
	assert.Zero(t, atomic.LoadInt64(&violations), "mutex violation detected")
}

func TestNewFromConfig_RedisServer(t *testing.T) {
	addr := redisAddr(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cfg := &xmutex.Config{
		Backend: "redis",
		TTL:     5 * time.Second,
		Redis: xmutex.RedisConfig{
			Addrs:        []string{addr},
			PollInterval: 50 * time.Millisecond,
		},
		Breaker: xmutex.BreakerConfig{Enabled: true},
	}
	eng, err := xmutex.NewFromConfig(ctx, cfg)
	require.NoError(t, err)
	defer eng.Close(context.Background())

	require.NoError(t, eng.Health(ctx))

	mu, err := eng.NewMutex(uniqueName("it-redis-config"))
	require.NoError(t, err)

	var ran bool
	require.NoError(t, mu.Do(ctx, func(ctx context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}

// =============================================================================
// etcd 后端
// =============================================================================

func TestEtcdEngine_AcquireRelease(t *testing.T) {
	client, _ := setupEtcdClient(t)
	eng := newEtcdEngine(t, client)
	defer eng.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, eng.Health(ctx))

	mu, err := eng.NewMutex(uniqueName("it-etcd-basic"))
	require.NoError(t, err)

	handle, err := mu.TryAcquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.NoError(t, handle.Release(ctx))

	handle, err = mu.TryAcquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.NoError(t, handle.Release(ctx))
}

func TestEtcdEngine_MutualExclusion(t *testing.T) {
	client, _ := setupEtcdClient(t)
	eng1 := newEtcdEngine(t, client)
	defer eng1.Close(context.Background())
	eng2 := newEtcdEngine(t, client)
	defer eng2.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	name := uniqueName("it-etcd-mutex")
	mu1, err := eng1.NewMutex(name)
	require.NoError(t, err)
	mu2, err := eng2.NewMutex(name)
	require.NoError(t, err)

	holder, err := mu1.TryAcquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, holder)

	blocked, err := mu2.TryAcquire(ctx)
	require.NoError(t, err)
	assert.Nil(t, blocked)

	require.NoError(t, holder.Release(ctx))

	taken, err := mu2.TryAcquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, taken)
	assert.NoError(t, taken.Release(ctx))
}

func TestEtcdEngine_WaitHandoff(t *testing.T) {
	client, _ := setupEtcdClient(t)
	eng1 := newEtcdEngine(t, client)
	defer eng1.Close(context.Background())
	eng2 := newEtcdEngine(t, client)
	defer eng2.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	name := uniqueName("it-etcd-handoff")
	mu1, err := eng1.NewMutex(name)
	require.NoError(t, err)
	mu2, err := eng2.NewMutex(name)
	require.NoError(t, err)

	holder, err := mu1.TryAcquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, holder)

	go func() {
		time.Sleep(300 * time.Millisecond)
		_ = holder.Release(context.Background())
	}()

	start := time.Now()
	handle, err := mu2.Acquire(ctx, xmutex.WithWaitTimeout(10*time.Second))
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.NoError(t, handle.Release(ctx))
}

func TestEtcdEngine_CrashRecoveryViaSessionClose(t *testing.T) {
	client, _ := setupEtcdClient(t)
	eng1 := newEtcdEngine(t, client)
	eng2 := newEtcdEngine(t, client)
	defer eng2.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	name := uniqueName("it-etcd-crash")
	mu1, err := eng1.NewMutex(name)
	require.NoError(t, err)
	mu2, err := eng2.NewMutex(name)
	require.NoError(t, err)

	holder, err := mu1.TryAcquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, holder)

	// 持有引擎直接关闭而不释放锁：Session 撤销后租约随之失效
	require.NoError(t, eng1.Close(ctx))

	var recovered xmutex.LockHandle
	require.Eventually(t, func() bool {
		h, err := mu2.TryAcquire(ctx)
		if err != nil || h == nil {
			return false
		}
		recovered = h
		return true
	}, 10*time.Second, 200*time.Millisecond)
	assert.NoError(t, recovered.Release(ctx))
}

func TestNewFromConfig_EtcdServer(t *testing.T) {
	_, endpoint := setupEtcdClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cfg := &xmutex.Config{
		Backend: "etcd",
		Etcd: xmutex.EtcdFullConfig{
			EtcdConfig: xmutex.EtcdConfig{
				Endpoints:   []string{endpoint},
				DialTimeout: 5 * time.Second,
			},
			SessionTTL: 5,
		},
	}
	eng, err := xmutex.NewFromConfig(ctx, cfg)
	require.NoError(t, err)
	defer eng.Close(context.Background())

	require.NoError(t, eng.Health(ctx))

	mu, err := eng.NewMutex(uniqueName("it-etcd-config"))
	require.NoError(t, err)

	var ran bool
	require.NoError(t, mu.Do(ctx, func(ctx context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}

// =============================================================================
// MongoDB 后端
// =============================================================================

func TestMongoEngine_AcquireRelease(t *testing.T) {
	coll := setupMongoColl(t)
	eng := newMongoEngine(t, coll)
	defer eng.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, eng.Health(ctx))

	mu, err := eng.NewMutex(uniqueName("it-mongo-basic"))
	require.NoError(t, err)

	handle, err := mu.TryAcquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.NoError(t, handle.Release(ctx))

	handle, err = mu.TryAcquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.NoError(t, handle.Release(ctx))
}

func TestMongoEngine_MutualExclusion(t *testing.T) {
	coll := setupMongoColl(t)
	eng1 := newMongoEngine(t, coll)
	defer eng1.Close(context.Background())
	eng2 := newMongoEngine(t, coll)
	defer eng2.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	name := uniqueName("it-mongo-mutex")
	mu1, err := eng1.NewMutex(name)
	require.NoError(t, err)
	mu2, err := eng2.NewMutex(name)
	require.NoError(t, err)

	holder, err := mu1.TryAcquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, holder)

	blocked, err := mu2.TryAcquire(ctx)
	require.NoError(t, err)
	assert.Nil(t, blocked)

	require.NoError(t, holder.Release(ctx))

	taken, err := mu2.TryAcquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, taken)
	assert.NoError(t, taken.Release(ctx))
}

func TestMongoEngine_ExpiryTakeover(t *testing.T) {
	coll := setupMongoColl(t)
	eng1 := newMongoEngine(t, coll)
	defer eng1.Close(context.Background())
	eng2 := newMongoEngine(t, coll)
	defer eng2.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	name := uniqueName("it-mongo-takeover")
	mu1, err := eng1.NewMutex(name)
	require.NoError(t, err)
	mu2, err := eng2.NewMutex(name)
	require.NoError(t, err)

	// 持有者"崩溃"：租约文档留在集合里等待过期
	abandoned, err := mu1.TryAcquire(ctx, xmutex.WithAcquireTTL(time.Second))
	require.NoError(t, err)
	require.NotNil(t, abandoned)

	// 过期文档可被新的获取原子夺取
	var recovered xmutex.LockHandle
	require.Eventually(t, func() bool {
		h, err := mu2.TryAcquire(ctx)
		if err != nil || h == nil {
			return false
		}
		recovered = h
		return true
	}, 5*time.Second, 100*time.Millisecond)
	assert.NoError(t, recovered.Release(ctx))
}

func TestMongoEngine_CleanupRemovesExpired(t *testing.T) {
	coll := setupMongoColl(t)
	eng := newMongoEngine(t, coll)
	defer eng.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	name := uniqueName("it-mongo-cleanup")
	mu, err := eng.NewMutex(name)
	require.NoError(t, err)

	// 短租约 + 不释放，制造一条过期的遗弃文档
	_, err = mu.TryAcquire(ctx, xmutex.WithAcquireTTL(500*time.Millisecond))
	require.NoError(t, err)
	time.Sleep(700 * time.Millisecond)

	require.NoError(t, eng.Cleanup(ctx))

	count, err := coll.CountDocuments(ctx, bson.M{"_id": mu.SafeName()})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestJanitor_MongoSweep(t *testing.T) {
	coll := setupMongoColl(t)
	eng := newMongoEngine(t, coll)
	defer eng.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	name := uniqueName("it-mongo-janitor")
	mu, err := eng.NewMutex(name)
	require.NoError(t, err)

	_, err = mu.TryAcquire(ctx, xmutex.WithAcquireTTL(500*time.Millisecond))
	require.NoError(t, err)
	time.Sleep(700 * time.Millisecond)

	j := xmutex.NewJanitor()
	require.NoError(t, j.Register("mongo-locks", eng))
	require.NoError(t, j.RunNow(ctx))

	count, err := coll.CountDocuments(ctx, bson.M{"_id": mu.SafeName()})
	require.NoError(t, err)
	assert.Zero(t, count)
}
