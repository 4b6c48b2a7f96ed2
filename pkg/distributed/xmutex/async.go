package xmutex

import "context"

// AcquireResult 异步获取的最终结果。
// Handle 与 Err 的组合语义与同步形态的返回值完全一致：
// 两者均为 nil 表示 TryAcquireAsync 在窗口内未获取到锁。
type AcquireResult struct {
	Handle LockHandle
	Err    error
}

// acquireAsync 异步获取的公共入口。
//
// 参数校验与引擎关闭检查同步完成，失败时调用方无需等待 channel；
// ctx 已结束时不接触后端，立即投递 ctx.Err()。
// 其余路径复用同步获取的主流程，结果投递到缓冲为 1 的 channel。
func (e *engine) acquireAsync(ctx context.Context, m *lockMutex, blocking bool, opts []AcquireOption) (<-chan AcquireResult, error) {
	ensureContext(ctx)

	o := defaultAcquireOptions()
	for _, apply := range opts {
		apply(&o)
	}
	wait := resolveWait(o, blocking)
	if err := validateWaitTimeout(wait); err != nil {
		return nil, err
	}
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	ch := make(chan AcquireResult, asyncResultBuffer)

	if err := ctx.Err(); err != nil {
		// 已取消：不接触后端，立即完成
		ch <- AcquireResult{Err: err}
		return ch, nil
	}

	go func() {
		handle, err := e.acquirePrepared(ctx, m, blocking, wait, o.ttl)
		ch <- AcquireResult{Handle: handle, Err: err}
	}()
	return ch, nil
}
