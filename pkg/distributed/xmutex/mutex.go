package xmutex

import (
	"context"
)

// =============================================================================
// Mutex - 绑定单个锁名的互斥锁
// =============================================================================

// Mutex 表示绑定到一个锁名的分布式互斥锁。
// 由 [Engine.NewMutex] 创建，可被多个 goroutine 并发使用。
//
// 四种获取形态共享同一语义轴：
//   - Acquire/TryAcquire 区分默认等待策略（无限等待 / 零等待）
//   - 同步/异步区分结果的交付方式（返回值 / channel）
//
// 任何形态都不会在参数校验失败时接触后端。
type Mutex interface {
	// Acquire 阻塞式获取锁。
	//
	// 默认无限等待（受 ctx 约束）；[WithWaitTimeout] 可限定等待窗口，
	// 窗口耗尽返回 [ErrWaitTimeout]。ctx 取消/超时返回 ctx.Err()。
	Acquire(ctx context.Context, opts ...AcquireOption) (LockHandle, error)

	// TryAcquire 非阻塞式获取锁。
	//
	// 默认单次尝试；锁被占用返回 (nil, nil)，这是正常情况而非错误。
	// [WithWaitTimeout] 可提供有限等待窗口，窗口耗尽同样返回 (nil, nil)，
	// 永不返回 [ErrWaitTimeout]。
	TryAcquire(ctx context.Context, opts ...AcquireOption) (LockHandle, error)

	// AcquireAsync 异步阻塞式获取锁。
	//
	// 参数校验失败与引擎已关闭同步返回错误，不投递到 channel；
	// 其余所有结果（成功、超时、取消、后端故障）经由 channel 交付，
	// channel 恰好投递一次，缓冲为 1，调用方可以安全地放弃接收。
	AcquireAsync(ctx context.Context, opts ...AcquireOption) (<-chan AcquireResult, error)

	// TryAcquireAsync 异步非阻塞式获取锁。
	// 语义与 TryAcquire 相同，结果经由 channel 交付。
	TryAcquireAsync(ctx context.Context, opts ...AcquireOption) (<-chan AcquireResult, error)

	// Do 在持锁状态下执行 fn：获取、执行、保证释放。
	//
	// 任何退出路径（正常返回、错误、panic）都会释放锁；
	// 获取失败时 fn 不执行，错误原样返回。
	Do(ctx context.Context, fn func(ctx context.Context) error, opts ...AcquireOption) error

	// Name 返回原始锁名。
	Name() string

	// SafeName 返回经命名规则变换后的介质合法标识。
	// 同一 Engine 上确定且与原始锁名单射对应。
	SafeName() string
}

// lockMutex Mutex 的默认实现。不可变，可被并发使用。
type lockMutex struct {
	eng  *engine
	name string
	safe string
}

// Name 返回原始锁名。
func (m *lockMutex) Name() string {
	return m.name
}

// SafeName 返回介质合法标识。
func (m *lockMutex) SafeName() string {
	return m.safe
}

// Acquire 阻塞式获取锁。
func (m *lockMutex) Acquire(ctx context.Context, opts ...AcquireOption) (LockHandle, error) {
	return m.eng.acquireSync(ctx, m, true, opts)
}

// TryAcquire 非阻塞式获取锁。
func (m *lockMutex) TryAcquire(ctx context.Context, opts ...AcquireOption) (LockHandle, error) {
	return m.eng.acquireSync(ctx, m, false, opts)
}

// AcquireAsync 异步阻塞式获取锁。
func (m *lockMutex) AcquireAsync(ctx context.Context, opts ...AcquireOption) (<-chan AcquireResult, error) {
	return m.eng.acquireAsync(ctx, m, true, opts)
}

// TryAcquireAsync 异步非阻塞式获取锁。
func (m *lockMutex) TryAcquireAsync(ctx context.Context, opts ...AcquireOption) (<-chan AcquireResult, error) {
	return m.eng.acquireAsync(ctx, m, false, opts)
}

// Do 在持锁状态下执行 fn。
func (m *lockMutex) Do(ctx context.Context, fn func(ctx context.Context) error, opts ...AcquireOption) error {
	handle, err := m.Acquire(ctx, opts...)
	if err != nil {
		return err
	}
	// defer 保证 panic 路径同样释放；Release 内部处理 ctx 已结束的情况
	defer func() {
		_ = handle.Release(ctx)
	}()
	return fn(ctx)
}

// 编译时接口检查
var _ Mutex = (*lockMutex)(nil)
