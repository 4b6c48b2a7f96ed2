package xmutex

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// =============================================================================
// Engine - 锁引擎
// =============================================================================

// Engine 是分布式互斥锁的入口。
//
// 一个 Engine 绑定一个后端实例，管理安全名变换、重入计数与可观测性。
// Engine 本身就是重入语义中的"持有者"：同一 Engine 上的嵌套获取
// （后端声明可重入时）本地计数；不同 Engine 之间永远互斥。
//
// Engine 拥有传入的后端：Close 会随之关闭后端
// （后端内部注入的客户端连接仍归调用方管理）。
type Engine interface {
	// NewMutex 创建绑定到 name 的互斥锁。
	//
	// name 可以是任意字符串，引擎自动变换为介质合法的安全名；
	// 同一 name 多次调用返回语义等价的实例。
	// 引擎已关闭时返回 [ErrEngineClosed]。
	NewMutex(name string) (Mutex, error)

	// Cleanup 执行一轮遗弃清理，回收崩溃持有者残留的锁。
	//
	// 幂等且在没有遗弃锁时安全。并发调用合并为一次执行，
	// 共享首个调用的结果。不支持主动清理的后端为空操作。
	Cleanup(ctx context.Context) error

	// Health 检查引擎与后端的可用性。
	Health(ctx context.Context) error

	// Close 关闭引擎。
	//
	// 所有阻塞中的等待者以 [ErrEngineClosed] 被唤醒，
	// 后续的 NewMutex 与获取调用返回 [ErrEngineClosed]。幂等。
	Close(ctx context.Context) error
}

// engine Engine 的默认实现。
type engine struct {
	backend Backend
	kind    string
	rules   NameRules
	logger  Logger
	ttl     time.Duration

	// names 安全名备忘：同一锁名的变换只计算一次
	names *lru.Cache[string, string]

	// slots 重入计数；仅后端声明 Reentrant 时非 nil
	slots *slotMap

	metrics *Metrics
	tracer  trace.Tracer

	cleanupGroup singleflight.Group

	closed atomic.Bool
	done   chan struct{}
}

// New 以给定后端创建锁引擎。
//
// 后端的命名规则在此时校验，不合法立即返回 [ErrInvalidNameRules]。
// 引擎接管后端的生命周期，调用方不应再直接关闭后端。
func New(backend Backend, opts ...Option) (Engine, error) {
	if backend == nil {
		return nil, ErrNilBackend
	}

	o := defaultEngineOptions()
	for _, apply := range opts {
		apply(o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}

	rules := backend.NameRules()
	if err := rules.validate(); err != nil {
		return nil, err
	}

	names, err := lru.New[string, string](safeNameCacheSize)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(o.meterProvider, o.metricsOpts...)
	if err != nil {
		return nil, err
	}

	e := &engine{
		backend: backend,
		kind:    backend.Kind(),
		rules:   rules,
		logger:  o.logger,
		ttl:     o.ttl,
		names:   names,
		metrics: metrics,
		done:    make(chan struct{}),
	}
	if o.tracerProvider != nil {
		e.tracer = getTracer(o.tracerProvider)
	}
	if backend.Reentrant() {
		e.slots = newSlotMap()
	}
	return e, nil
}

// NewMutex 创建绑定到 name 的互斥锁。
func (e *engine) NewMutex(name string) (Mutex, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	return &lockMutex{eng: e, name: name, safe: e.safeName(name)}, nil
}

// safeName 返回 name 对应的安全名，带 LRU 备忘。
func (e *engine) safeName(name string) string {
	if v, ok := e.names.Get(name); ok {
		return v
	}
	v := sanitizeName(name, e.rules)
	e.names.Add(name, v)
	return v
}

// =============================================================================
// 获取主流程
// =============================================================================

// acquireSync 同步获取的公共入口：校验、快速失败，然后进入主流程。
func (e *engine) acquireSync(ctx context.Context, m *lockMutex, blocking bool, opts []AcquireOption) (LockHandle, error) {
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
	// 同步形态：ctx 已结束时直接返回，不接触后端
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.acquirePrepared(ctx, m, blocking, wait, o.ttl)
}

// acquirePrepared 参数校验之后的获取主流程。
// 同步与异步形态共用；异步形态在独立 goroutine 中调用。
func (e *engine) acquirePrepared(ctx context.Context, m *lockMutex, blocking bool, wait, ttl time.Duration) (LockHandle, error) {
	start := time.Now()

	spanName := spanNameTryAcquire
	if blocking {
		spanName = spanNameAcquire
	}
	ctx, span := startSpan(ctx, e.tracer, spanName)
	defer span.End()
	span.SetAttributes(acquireSpanAttributes(e.kind, m.name, m.safe, wait)...)

	if ttl <= 0 {
		ttl = e.ttl
	}

	// 重入快路径：本引擎已持有此名字时本地计数，不接触后端。
	// 正在获取中不算持有，并发获取按普通竞争走后端。
	if e.slots != nil {
		if slot := e.slots.enterNested(m.safe); slot != nil {
			span.SetAttributes(attribute.Bool(attrAcquired, true), attribute.Bool(attrNested, true))
			setSpanOK(span)
			e.metrics.RecordAcquire(ctx, e.kind, m.name, true, true, ReasonUnknown, time.Since(start))
			return &lockHandle{eng: e, name: m.name, safe: m.safe, slot: slot}, nil
		}
	}

	grant, err := e.acquireGrant(ctx, m.safe, wait, ttl)
	if err != nil {
		span.SetAttributes(attribute.Bool(attrAcquired, false))
		setSpanError(span, err)
		e.metrics.RecordAcquire(ctx, e.kind, m.name, false, false, classifyReason(err), time.Since(start))
		return nil, err
	}
	if grant == nil {
		// 等待窗口内未获取：阻塞形态映射为超时错误，try 形态返回 (nil, nil)
		if blocking {
			span.SetAttributes(attribute.Bool(attrAcquired, false))
			setSpanError(span, ErrWaitTimeout)
			e.metrics.RecordAcquire(ctx, e.kind, m.name, false, false, ReasonTimeout, time.Since(start))
			return nil, ErrWaitTimeout
		}
		span.SetAttributes(attribute.Bool(attrAcquired, false), attribute.String(attrFailReason, ReasonHeld.String()))
		setSpanOK(span)
		e.metrics.RecordAcquire(ctx, e.kind, m.name, false, false, ReasonHeld, time.Since(start))
		return nil, nil
	}

	handle := &lockHandle{eng: e, name: m.name, safe: m.safe, grant: grant}
	if e.slots != nil {
		handle.slot = e.slots.create(m.safe, grant)
	}

	span.SetAttributes(attribute.Bool(attrAcquired, true))
	setSpanOK(span)
	e.metrics.RecordAcquire(ctx, e.kind, m.name, true, false, ReasonUnknown, time.Since(start))
	e.logger.Debug(ctx, "lock acquired",
		AttrBackend(e.kind),
		AttrName(m.name),
		AttrToken(grant.Token()),
		AttrDuration(time.Since(start)),
	)
	return handle, nil
}

// acquireGrant 按等待窗口向后端请求一次持有凭证。
//
// 返回值约定：
//   - (grant, nil): 获取成功
//   - (nil, nil): 窗口内未获取（零等待的单次尝试失败，或有限窗口耗尽）
//   - (nil, err): ctx 结束、引擎关闭或后端故障
func (e *engine) acquireGrant(ctx context.Context, safe string, wait, ttl time.Duration) (Grant, error) {
	// 引擎关闭经由派生 ctx 唤醒所有等待者
	actx, cancel := e.watchClose(ctx)
	defer cancel()

	switch {
	case wait == 0:
		grant, err := e.backend.TryAcquireOnce(actx, safe, ttl)
		if err != nil {
			return nil, e.restoreCallerErr(ctx, actx, err)
		}
		return grant, nil

	case wait == WaitForever:
		grant, err := e.backend.WaitAcquire(actx, safe, ttl)
		if err != nil {
			return nil, e.restoreCallerErr(ctx, actx, err)
		}
		return grant, nil

	default:
		wctx, wcancel := context.WithTimeout(actx, wait)
		defer wcancel()

		grant, err := e.backend.WaitAcquire(wctx, safe, ttl)
		if err == nil {
			return grant, nil
		}
		if !isContextError(err) {
			// 后端自身故障，原样上抛（引擎关闭引发的除外）
			return nil, e.restoreCallerErr(ctx, actx, err)
		}
		// 三个结束来源的区分次序：调用方 ctx 优先于引擎关闭，
		// 引擎关闭优先于等待窗口耗尽
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		if errors.Is(context.Cause(actx), ErrEngineClosed) {
			return nil, ErrEngineClosed
		}
		if wctx.Err() != nil {
			return nil, nil
		}
		return nil, err
	}
}

// watchClose 派生会随引擎关闭而取消的 ctx，取消原因为 [ErrEngineClosed]。
// 返回的 CancelFunc 必须调用，否则监视 goroutine 泄漏。
func (e *engine) watchClose(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	go func() {
		select {
		case <-e.done:
			cancel(ErrEngineClosed)
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(nil) }
}

// restoreCallerErr 把后端在派生 ctx 上返回的结束错误还原为调用方视角：
// 调用方取消/超时返回 ctx.Err()，引擎关闭返回 [ErrEngineClosed]，
// 后端自身故障原样上抛。
//
// 引擎关闭会连带关闭后端，等待者可能先观察到后端侧的关闭错误；
// 两个来源统一表达为 [ErrEngineClosed]。
func (e *engine) restoreCallerErr(caller, derived context.Context, err error) error {
	if errors.Is(err, ErrBackendClosed) && e.closed.Load() {
		return ErrEngineClosed
	}
	if !isContextError(err) {
		return err
	}
	if cerr := caller.Err(); cerr != nil {
		return cerr
	}
	if errors.Is(context.Cause(derived), ErrEngineClosed) {
		return ErrEngineClosed
	}
	return err
}

// =============================================================================
// 清理、健康检查与关闭
// =============================================================================

// Cleanup 执行一轮遗弃清理。
func (e *engine) Cleanup(ctx context.Context) error {
	ensureContext(ctx)
	if e.closed.Load() {
		return ErrEngineClosed
	}

	start := time.Now()
	ctx, span := startSpan(ctx, e.tracer, spanNameCleanup)
	defer span.End()
	span.SetAttributes(attribute.String(attrBackendKind, e.kind))

	// 并发调用合并为一次后端清理，共享首个调用的 ctx 与结果
	_, err, _ := e.cleanupGroup.Do("cleanup", func() (any, error) {
		return nil, e.backend.Cleanup(ctx)
	})

	e.metrics.RecordCleanup(ctx, e.kind, err == nil, time.Since(start))
	if err != nil {
		setSpanError(span, err)
		e.logger.Warn(ctx, "abandoned lock cleanup failed",
			AttrBackend(e.kind),
			AttrError(err),
		)
		return err
	}
	setSpanOK(span)
	return nil
}

// Health 检查引擎与后端的可用性。
func (e *engine) Health(ctx context.Context) error {
	ensureContext(ctx)
	if e.closed.Load() {
		return ErrEngineClosed
	}
	return e.backend.Health(ctx)
}

// Close 关闭引擎并随之关闭后端。幂等。
func (e *engine) Close(ctx context.Context) error {
	ensureContext(ctx)
	if e.closed.Swap(true) {
		return nil
	}
	// 先唤醒所有等待者，再关闭后端
	close(e.done)
	if err := e.backend.Close(ctx); err != nil {
		e.logger.Warn(ctx, "backend close failed",
			AttrBackend(e.kind),
			AttrError(err),
		)
		return err
	}
	return nil
}

// 编译时接口检查
var (
	_ Engine  = (*engine)(nil)
	_ Cleaner = (*engine)(nil)
)
