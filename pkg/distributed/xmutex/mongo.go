package xmutex

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// =============================================================================
// MongoDB 后端选项
// =============================================================================

// MongoOption 定义 MongoDB 后端的配置选项。
type MongoOption func(*mongoOptions)

// mongoOptions MongoDB 后端内部配置。
type mongoOptions struct {
	pollInterval time.Duration
	holder       string
}

func defaultMongoOptions() *mongoOptions {
	return &mongoOptions{
		pollInterval: DefaultPollInterval,
	}
}

func (o *mongoOptions) validate() error {
	if o.pollInterval <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidPollInterval, o.pollInterval)
	}
	return nil
}

// WithMongoPollInterval 设置阻塞等待时的轮询间隔。
// 默认 100 毫秒。
func WithMongoPollInterval(interval time.Duration) MongoOption {
	return func(o *mongoOptions) {
		o.pollInterval = interval
	}
}

// WithMongoHolder 设置租约文档中记录的持有者标识。
// 仅用于排障时识别持有进程，默认为 "主机名/pid"。
func WithMongoHolder(holder string) MongoOption {
	return func(o *mongoOptions) {
		o.holder = holder
	}
}

// =============================================================================
// 集合操作接口 - 用于依赖注入和测试
// =============================================================================

// lockCollection 定义租约文档所需的集合操作子集。
// *mongo.Collection 经适配器实现此接口。
type lockCollection interface {
	UpdateOne(ctx context.Context, filter any, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongo.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any, opts ...options.Lister[options.DeleteOneOptions]) (*mongo.DeleteResult, error)
	DeleteMany(ctx context.Context, filter any, opts ...options.Lister[options.DeleteManyOptions]) (*mongo.DeleteResult, error)
	CountDocuments(ctx context.Context, filter any, opts ...options.Lister[options.CountOptions]) (int64, error)
}

// mongoCollectionAdapter 将 *mongo.Collection 适配为 lockCollection 接口。
type mongoCollectionAdapter struct {
	coll *mongo.Collection
}

func (a *mongoCollectionAdapter) UpdateOne(ctx context.Context, filter any, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongo.UpdateResult, error) {
	return a.coll.UpdateOne(ctx, filter, update, opts...)
}

func (a *mongoCollectionAdapter) DeleteOne(ctx context.Context, filter any, opts ...options.Lister[options.DeleteOneOptions]) (*mongo.DeleteResult, error) {
	return a.coll.DeleteOne(ctx, filter, opts...)
}

func (a *mongoCollectionAdapter) DeleteMany(ctx context.Context, filter any, opts ...options.Lister[options.DeleteManyOptions]) (*mongo.DeleteResult, error) {
	return a.coll.DeleteMany(ctx, filter, opts...)
}

func (a *mongoCollectionAdapter) CountDocuments(ctx context.Context, filter any, opts ...options.Lister[options.CountOptions]) (int64, error) {
	return a.coll.CountDocuments(ctx, filter, opts...)
}

// =============================================================================
// 租约文档
// =============================================================================

// lockLease 集合中的锁租约文档。
// _id 即安全名，集合的主键唯一性保证同名互斥。
type lockLease struct {
	ID         string    `bson:"_id"`
	Token      string    `bson:"token"`
	Holder     string    `bson:"holder"`
	AcquiredAt time.Time `bson:"acquired_at"`
	ExpiresAt  time.Time `bson:"expires_at"`
}

// =============================================================================
// MongoDB 后端实现
// =============================================================================

// mongoBackend 基于 MongoDB 租约文档的后端实现。
//
// 核心机制：每把锁对应一个以安全名为 _id 的文档。获取 = 对
// {_id, expires_at < now} 做 upsert，文档不存在则插入，已过期则接管，
// 未过期则触发 _id 重复键冲突（视为锁被占用）。三种结果都由
// MongoDB 的单文档原子性保证，无需事务。
type mongoBackend struct {
	coll lockCollection
	opts *mongoOptions

	// ownedClient 从配置创建的客户端，随 Close 断开；注入路径为 nil
	ownedClient *mongo.Client
	closed      atomic.Bool
}

// 编译时检查。
var _ Backend = (*mongoBackend)(nil)

// NewMongoBackend 创建 MongoDB 后端。
// coll 为存放租约文档的集合，由调用方创建与关闭。
// 首次部署时可调用 [EnsureMongoIndexes] 创建过期租约的 TTL 兜底索引。
//
// 错误：[ErrNilClient]、[ErrInvalidPollInterval]。
func NewMongoBackend(coll *mongo.Collection, opts ...MongoOption) (Backend, error) {
	if coll == nil {
		return nil, fmt.Errorf("%w: mongo collection", ErrNilClient)
	}
	return newMongoBackend(&mongoCollectionAdapter{coll: coll}, opts...)
}

// newMongoBackend 基于 lockCollection 接口创建后端，供测试注入 mock。
func newMongoBackend(coll lockCollection, opts ...MongoOption) (*mongoBackend, error) {
	o := defaultMongoOptions()
	for _, apply := range opts {
		if apply != nil {
			apply(o)
		}
	}
	if o.holder == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		o.holder = fmt.Sprintf("%s/%d", hostname, os.Getpid())
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	return &mongoBackend{coll: coll, opts: o}, nil
}

// EnsureMongoIndexes 在租约集合上创建过期时间的 TTL 索引。
// expireAfterSeconds=0 时 MongoDB 会在 expires_at 过后台阶式删除文档，
// 作为 Cleanup 之外的兜底回收（TTL monitor 周期约 60 秒，存在延迟）。
// 幂等，可在每次启动时调用。
func EnsureMongoIndexes(ctx context.Context, coll *mongo.Collection) error {
	if coll == nil {
		return fmt.Errorf("%w: mongo collection", ErrNilClient)
	}
	model := mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0).SetName("lease_expiry_ttl"),
	}
	if _, err := coll.Indexes().CreateOne(ctx, model); err != nil {
		return fmt.Errorf("%w: create ttl index: %w", ErrBackendUnavailable, err)
	}
	return nil
}

// Kind 返回后端标识。
func (b *mongoBackend) Kind() string {
	return "mongo"
}

// Reentrant MongoDB 后端每次获取使用随机凭证，不支持嵌套获取。
func (b *mongoBackend) Reentrant() bool {
	return false
}

// NameRules 返回 MongoDB 的命名约束。
// _id 作为索引键受约 1024 字节上限约束，预留后取 512。
func (b *mongoBackend) NameRules() NameRules {
	return NameRules{
		MaxLength:   512,
		IsLegal:     func(r rune) bool { return true },
		FoldsCase:   false,
		Replacement: '_',
	}
}

// TryAcquireOnce 非阻塞地尝试获取一次。
func (b *mongoBackend) TryAcquireOnce(ctx context.Context, safeName string, ttl time.Duration) (Grant, error) {
	if b.closed.Load() {
		return nil, ErrBackendClosed
	}

	token := uuid.NewString()
	now := time.Now().UTC()
	filter := bson.M{
		"_id":        safeName,
		"expires_at": bson.M{"$lt": now},
	}
	update := bson.M{"$set": bson.M{
		"token":       token,
		"holder":      b.opts.holder,
		"acquired_at": now,
		"expires_at":  now.Add(ttl),
	}}

	res, err := b.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		// 文档存在且未过期时 filter 不命中，upsert 插入与现有 _id 冲突
		if mongo.IsDuplicateKeyError(err) {
			return nil, nil
		}
		return nil, wrapMongoError(err)
	}
	if res.MatchedCount == 0 && res.UpsertedCount == 0 {
		return nil, nil
	}
	return &mongoGrant{backend: b, safeName: safeName, token: token}, nil
}

// WaitAcquire 阻塞等待直至获取成功或 ctx 结束。
func (b *mongoBackend) WaitAcquire(ctx context.Context, safeName string, ttl time.Duration) (Grant, error) {
	return pollAcquire(ctx, b.opts.pollInterval, func(ctx context.Context) (Grant, error) {
		return b.TryAcquireOnce(ctx, safeName, ttl)
	})
}

// Cleanup 删除所有已过期的租约文档。
func (b *mongoBackend) Cleanup(ctx context.Context) error {
	if b.closed.Load() {
		return ErrBackendClosed
	}
	filter := bson.M{"expires_at": bson.M{"$lt": time.Now().UTC()}}
	if _, err := b.coll.DeleteMany(ctx, filter); err != nil {
		return wrapMongoError(err)
	}
	return nil
}

// Health 检查 MongoDB 可用性。
func (b *mongoBackend) Health(ctx context.Context) error {
	if b.closed.Load() {
		return ErrBackendClosed
	}
	if _, err := b.coll.CountDocuments(ctx, bson.D{}, options.Count().SetLimit(1)); err != nil {
		return fmt.Errorf("%w: mongo health check: %w", ErrBackendUnavailable, err)
	}
	return nil
}

// Close 关闭后端。
// 注入的集合所属客户端由调用方管理；从配置创建的客户端在此断开。
func (b *mongoBackend) Close(ctx context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}
	if b.ownedClient == nil {
		return nil
	}
	if err := b.ownedClient.Disconnect(ctx); err != nil {
		return fmt.Errorf("%w: disconnect mongo client: %w", ErrBackendUnavailable, err)
	}
	return nil
}

// =============================================================================
// MongoDB Grant 实现
// =============================================================================

// mongoGrant MongoDB 后端的持有凭证。
type mongoGrant struct {
	backend  *mongoBackend
	safeName string
	token    string
	released atomic.Bool
}

var _ Grant = (*mongoGrant)(nil)

// Token 返回凭证值。
func (g *mongoGrant) Token() string {
	return g.token
}

// Release 释放锁。
// 仅删除凭证仍匹配的文档；租约已被遗弃恢复接管时删除数为零，
// 按幂等语义返回 nil。
func (g *mongoGrant) Release(ctx context.Context) error {
	if g.released.Swap(true) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	filter := bson.M{"_id": g.safeName, "token": g.token}
	if _, err := g.backend.coll.DeleteOne(ctx, filter); err != nil {
		return wrapMongoError(err)
	}
	return nil
}

// Extend 续期租约。
// 凭证不再匹配（已过期被接管或已删除）时返回 [ErrNotHeld]。
func (g *mongoGrant) Extend(ctx context.Context, ttl time.Duration) error {
	if g.released.Load() {
		return ErrNotHeld
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	filter := bson.M{"_id": g.safeName, "token": g.token}
	update := bson.M{"$set": bson.M{"expires_at": time.Now().UTC().Add(ttl)}}
	res, err := g.backend.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return wrapMongoError(err)
	}
	if res.MatchedCount == 0 {
		return ErrNotHeld
	}
	return nil
}

// =============================================================================
// 错误转换
// =============================================================================

// wrapMongoError 将 MongoDB 驱动错误转换为包内错误。
// context 错误保持原样上抛，便于上层区分取消与后端故障。
func wrapMongoError(err error) error {
	if err == nil {
		return nil
	}
	if isContextError(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
}
