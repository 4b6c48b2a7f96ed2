package xmutex

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// =============================================================================
// memory 后端 - 进程内协调
// =============================================================================

const (
	// defaultMemoryShardCount 默认分片数量
	defaultMemoryShardCount = 32

	// maxMemoryShardCount 分片数量上限
	maxMemoryShardCount = 1 << 16 // 65536
)

// MemoryOption memory 后端的配置选项。
type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	shardCount    int
	expiryEnabled bool
	reentrant     bool
}

func defaultMemoryOptions() *memoryOptions {
	return &memoryOptions{
		shardCount:    defaultMemoryShardCount,
		expiryEnabled: true,
		reentrant:     true,
	}
}

func (o *memoryOptions) validate() error {
	n := o.shardCount
	if n <= 0 || n > maxMemoryShardCount || n&(n-1) != 0 {
		return ErrInvalidShardCount
	}
	return nil
}

// WithMemoryShardCount 设置分片数量。
// n 必须为正整数且为 2 的幂，上限 65536。默认 32。
func WithMemoryShardCount(n int) MemoryOption {
	return func(o *memoryOptions) {
		o.shardCount = n
	}
}

// WithMemoryExpiryDisabled 禁用租约过期。
// 禁用后持有不会因 TTL 流逝被夺取，行为与 sync.Mutex 一致；
// 遗弃的持有只能经由 Release 解除。
func WithMemoryExpiryDisabled() MemoryOption {
	return func(o *memoryOptions) {
		o.expiryEnabled = false
	}
}

// WithMemoryReentrant 声明后端是否可重入。默认 true。
// 设为 false 时同一 Engine 的嵌套获取按普通竞争处理。
func WithMemoryReentrant(reentrant bool) MemoryOption {
	return func(o *memoryOptions) {
		o.reentrant = reentrant
	}
}

// memEntry 一个安全名的持有状态，由所属分片的互斥锁保护。
//
// token 非空表示被持有；expiresAt 非零时持有可在到期后被夺取。
// notify 在每段持有期开始时创建、结束（释放或被夺取）时 close，
// 用于事件驱动地唤醒等待者。
// refcnt 统计持有者与等待者，归零时条目从 map 删除。
type memEntry struct {
	token     string
	expiresAt time.Time
	notify    chan struct{}
	refcnt    int
}

// memShard 分片，降低锁竞争。
type memShard struct {
	mu      sync.Mutex
	entries map[string]*memEntry
}

// memoryBackend 进程内后端。
// 互斥状态完全在本进程内存中，适合单进程多 goroutine 协调与测试。
type memoryBackend struct {
	shards []memShard
	mask   uint64
	opts   *memoryOptions
	closed atomic.Bool
	done   chan struct{}
}

// NewMemoryBackend 创建进程内后端。
func NewMemoryBackend(opts ...MemoryOption) (Backend, error) {
	o := defaultMemoryOptions()
	for _, apply := range opts {
		if apply != nil {
			apply(o)
		}
	}
	if err := o.validate(); err != nil {
		return nil, err
	}

	shards := make([]memShard, o.shardCount)
	for i := range shards {
		shards[i].entries = make(map[string]*memEntry)
	}
	return &memoryBackend{
		shards: shards,
		mask:   uint64(o.shardCount - 1),
		opts:   o,
		done:   make(chan struct{}),
	}, nil
}

// Kind 返回后端标识。
func (b *memoryBackend) Kind() string {
	return "memory"
}

// Reentrant 返回构造时声明的重入能力。
func (b *memoryBackend) Reentrant() bool {
	return b.opts.reentrant
}

// NameRules 进程内 map 对名字几乎没有约束，仅限制长度。
func (b *memoryBackend) NameRules() NameRules {
	return NameRules{
		MaxLength:   256,
		IsLegal:     func(r rune) bool { return true },
		FoldsCase:   false,
		Replacement: '_',
	}
}

func (b *memoryBackend) getShard(safeName string) *memShard {
	h := xxhash.Sum64String(safeName)
	return &b.shards[h&b.mask]
}

// getOrCreate 获取或创建条目，并增加引用计数。
func (b *memoryBackend) getOrCreate(safeName string) (*memEntry, *memShard, error) {
	s := b.getShard(safeName)
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.closed.Load() {
		return nil, nil, ErrBackendClosed
	}

	e, ok := s.entries[safeName]
	if !ok {
		e = &memEntry{}
		s.entries[safeName] = e
	}
	e.refcnt++
	return e, s, nil
}

// releaseRef 减少引用计数，归零时从 map 删除。
func (b *memoryBackend) releaseRef(safeName string, entry *memEntry) {
	s := b.getShard(safeName)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.refcnt--
	if entry.refcnt <= 0 {
		delete(s.entries, safeName)
	}
}

// takeLocked 在分片锁内尝试取得持有权。
// 空闲或持有者租约已过期时成功；过期夺取会唤醒旧持有期的等待者。
func (b *memoryBackend) takeLocked(e *memEntry, token string, ttl time.Duration, now time.Time) bool {
	if e.token != "" {
		if e.expiresAt.IsZero() || now.Before(e.expiresAt) {
			return false
		}
		// 夺取过期持有：旧持有期结束，旧凭证的 Release 将因 token 不匹配而为空操作
		close(e.notify)
	}
	e.token = token
	e.notify = make(chan struct{})
	if b.opts.expiryEnabled && ttl > 0 {
		e.expiresAt = now.Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	return true
}

// TryAcquireOnce 单次非阻塞尝试。
func (b *memoryBackend) TryAcquireOnce(ctx context.Context, safeName string, ttl time.Duration) (Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entry, s, err := b.getOrCreate(safeName)
	if err != nil {
		return nil, err
	}

	token := uuid.NewString()
	s.mu.Lock()
	ok := b.takeLocked(entry, token, ttl, time.Now())
	s.mu.Unlock()

	if !ok {
		b.releaseRef(safeName, entry)
		return nil, nil
	}
	// 获取成功：进入时增加的引用转为持有者引用，Release 时归还
	return &memoryGrant{backend: b, safeName: safeName, entry: entry, token: token}, nil
}

// WaitAcquire 阻塞等待直至获取成功或 ctx 结束。
// 等待是事件驱动的：释放与夺取经由 notify channel 唤醒；
// 持有者租约到期时经由定时器唤醒并参与夺取。
func (b *memoryBackend) WaitAcquire(ctx context.Context, safeName string, ttl time.Duration) (Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entry, s, err := b.getOrCreate(safeName)
	if err != nil {
		return nil, err
	}

	token := uuid.NewString()
	for {
		s.mu.Lock()
		if b.closed.Load() {
			s.mu.Unlock()
			b.releaseRef(safeName, entry)
			return nil, ErrBackendClosed
		}
		if b.takeLocked(entry, token, ttl, time.Now()) {
			s.mu.Unlock()
			return &memoryGrant{backend: b, safeName: safeName, entry: entry, token: token}, nil
		}
		// 记录当前持有期的唤醒通道与到期时刻，解锁后等待
		notify := entry.notify
		expiresAt := entry.expiresAt
		s.mu.Unlock()

		if err := b.waitTurn(ctx, notify, expiresAt); err != nil {
			b.releaseRef(safeName, entry)
			return nil, err
		}
	}
}

// waitTurn 等待当前持有期结束。
// 唤醒来源：持有者释放/被夺取（notify）、持有者租约到期（定时器）。
// ctx 结束返回 ctx.Err()，后端关闭返回 [ErrBackendClosed]。
func (b *memoryBackend) waitTurn(ctx context.Context, notify <-chan struct{}, expiresAt time.Time) error {
	var expireCh <-chan time.Time
	if !expiresAt.IsZero() {
		timer := time.NewTimer(time.Until(expiresAt))
		defer timer.Stop()
		expireCh = timer.C
	}

	select {
	case <-notify: // 持有期结束，重新竞争
		return nil
	case <-expireCh: // 持有者租约到期，参与夺取
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrBackendClosed
	}
}

// Cleanup 清扫所有租约已过期的持有，使对应名字立即可获取。
func (b *memoryBackend) Cleanup(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrBackendClosed
	}

	now := time.Now()
	for i := range b.shards {
		s := &b.shards[i]
		s.mu.Lock()
		for _, e := range s.entries {
			if e.token != "" && !e.expiresAt.IsZero() && now.After(e.expiresAt) {
				e.token = ""
				e.expiresAt = time.Time{}
				close(e.notify)
				e.notify = nil
			}
		}
		s.mu.Unlock()
	}
	return nil
}

// Health 进程内后端仅检查关闭状态。
func (b *memoryBackend) Health(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrBackendClosed
	}
	return nil
}

// Close 关闭后端，唤醒所有等待者。幂等。
func (b *memoryBackend) Close(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(b.done)
	return nil
}

// entryCount 返回当前条目数量。仅测试使用。
func (b *memoryBackend) entryCount() int {
	n := 0
	for i := range b.shards {
		s := &b.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// =============================================================================
// memory 凭证
// =============================================================================

// memoryGrant memory 后端的持有凭证。
type memoryGrant struct {
	backend  *memoryBackend
	safeName string
	entry    *memEntry
	token    string
	done     atomic.Bool
}

// Token 返回持有凭证值。
func (g *memoryGrant) Token() string {
	return g.token
}

// Release 释放持有。幂等；持有已被夺取时为空操作。
func (g *memoryGrant) Release(ctx context.Context) error {
	if !g.done.CompareAndSwap(false, true) {
		return nil
	}

	s := g.backend.getShard(g.safeName)
	s.mu.Lock()
	if g.entry.token == g.token {
		g.entry.token = ""
		g.entry.expiresAt = time.Time{}
		close(g.entry.notify)
		g.entry.notify = nil
	}
	s.mu.Unlock()

	g.backend.releaseRef(g.safeName, g.entry)
	return nil
}

// Extend 续期租约。持有已被夺取或释放时返回 [ErrNotHeld]。
// 过期被禁用时为空操作。
func (g *memoryGrant) Extend(ctx context.Context, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if g.done.Load() {
		return ErrNotHeld
	}
	if !g.backend.opts.expiryEnabled {
		return nil
	}

	s := g.backend.getShard(g.safeName)
	s.mu.Lock()
	defer s.mu.Unlock()

	if g.entry.token != g.token {
		return ErrNotHeld
	}
	if !g.entry.expiresAt.IsZero() {
		g.entry.expiresAt = time.Now().Add(ttl)
	}
	return nil
}

// 编译时接口检查
var (
	_ Backend = (*memoryBackend)(nil)
	_ Grant   = (*memoryGrant)(nil)
)
