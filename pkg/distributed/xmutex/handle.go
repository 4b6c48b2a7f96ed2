package xmutex

import (
	"context"
	"sync/atomic"
	"time"
)

// =============================================================================
// LockHandle - 锁持有句柄
// =============================================================================

// LockHandle 表示一次成功的锁获取。
//
// 每次获取成功都会返回一个新的 handle。通过 handle 进行 Release 和
// Extend 操作，确保不同获取之间不会互相干扰：持有 handle 即持有锁。
type LockHandle interface {
	// Release 释放锁。
	//
	// 永远返回 nil：首次调用执行真正的释放，后端失败只记录日志与指标，
	// 不上抛（协调介质的租约/活性机制兜底回收）；重复调用是空操作。
	// 本地重入计数总是先行递减，释放失败不会卡住此名字的再次获取。
	//
	// 当 ctx 已取消/超时时，自动换用独立清理上下文（5 秒超时），
	// 确保释放操作尽力完成，避免锁残留到租约到期。
	// 传入 nil ctx 会 panic。
	Release(ctx context.Context) error

	// Extend 续期租约。
	//
	// 返回值：
	//   - nil: 续期成功
	//   - [ErrInvalidTTL]: ttl 非正
	//   - [ErrNotHeld]: handle 已释放，或租约已丢失（被遗弃恢复回收）
	//   - 其他: 后端故障，锁可能仍在，可重试
	//
	// 无租约语义的后端（file/etcd）返回 nil 且不接触介质。
	Extend(ctx context.Context, ttl time.Duration) error

	// Key 返回锁的原始名字，用于日志记录等场景。
	Key() string
}

// lockHandle LockHandle 的默认实现。
// grant 在非重入路径直接持有；重入路径经由 slot 共享。
type lockHandle struct {
	eng   *engine
	name  string
	safe  string
	grant Grant
	slot  *lockSlot // 仅重入后端非 nil

	// released 防止重复释放；每个 handle 至多向 slot 贡献一次递减
	released atomic.Bool
}

// Key 返回锁的原始名字。
func (h *lockHandle) Key() string {
	return h.name
}

// Release 释放锁。见 [LockHandle.Release]。
func (h *lockHandle) Release(ctx context.Context) error {
	ensureContext(ctx)

	// 幂等：只有第一次调用执行释放
	if h.released.Swap(true) {
		return nil
	}

	// ctx 已结束时换独立清理上下文，释放尽力完成
	ctx, cancel := detachIfDone(ctx, releaseFallbackTimeout)
	defer cancel()

	ctx, span := startSpan(ctx, h.eng.tracer, spanNameRelease)
	defer span.End()
	span.SetAttributes(releaseSpanAttributes(h.eng.kind, h.name)...)

	grant := h.grant
	if h.slot != nil {
		// 重入计数递减；归零时摘除 slot 并拿回待释放的凭证。
		// slot 摘除先于后端释放，本地状态先行自愈。
		grant = h.eng.slots.exit(h.safe, h.slot)
		if grant == nil {
			// 仍有嵌套持有，不接触后端
			setSpanOK(span)
			h.eng.metrics.RecordRelease(ctx, h.eng.kind, h.name, true)
			return nil
		}
	}

	if err := grant.Release(ctx); err != nil {
		// 释放永不上抛：介质的租约/活性机制会兜底回收
		h.eng.logger.Warn(ctx, "distributed release failed, lock will be reclaimed by backend liveness",
			AttrBackend(h.eng.kind),
			AttrName(h.name),
			AttrSafeName(h.safe),
			AttrToken(grant.Token()),
			AttrError(err),
		)
		setSpanError(span, err)
		h.eng.metrics.RecordRelease(ctx, h.eng.kind, h.name, false)
		return nil
	}

	setSpanOK(span)
	h.eng.metrics.RecordRelease(ctx, h.eng.kind, h.name, true)
	return nil
}

// Extend 续期租约。见 [LockHandle.Extend]。
func (h *lockHandle) Extend(ctx context.Context, ttl time.Duration) error {
	ensureContext(ctx)
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	if h.released.Load() {
		return ErrNotHeld
	}

	ctx, span := startSpan(ctx, h.eng.tracer, spanNameExtend)
	defer span.End()
	span.SetAttributes(extendSpanAttributes(h.eng.kind, h.name, ttl)...)

	err := h.currentGrant().Extend(ctx, ttl)
	if err != nil {
		setSpanError(span, err)
		h.eng.metrics.RecordExtend(ctx, h.eng.kind, h.name, false)
		return err
	}

	setSpanOK(span)
	h.eng.metrics.RecordExtend(ctx, h.eng.kind, h.name, true)
	return nil
}

// currentGrant 返回当前生效的后端凭证。
// 重入路径上凭证由 slot 共享，handle 自身的 grant 字段可能为空。
func (h *lockHandle) currentGrant() Grant {
	if h.slot != nil {
		return h.slot.grant
	}
	return h.grant
}

// 编译时接口检查
var _ LockHandle = (*lockHandle)(nil)
