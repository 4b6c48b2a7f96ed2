package xmutex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ErrNilCleaner 表示清理目标为 nil。
var ErrNilCleaner = errors.New("xmutex: cleaner cannot be nil")

// ErrJanitorStarted 表示调度已经启动。
var ErrJanitorStarted = errors.New("xmutex: janitor already started")

// defaultSweepTimeout 单轮清理的默认超时。
const defaultSweepTimeout = time.Minute

// =============================================================================
// Janitor 选项
// =============================================================================

// JanitorOption 定义清理调度器的配置选项。
type JanitorOption func(*janitorOptions)

// janitorOptions 清理调度器内部配置。
type janitorOptions struct {
	logger       Logger
	sweepTimeout time.Duration
	location     *time.Location
}

func defaultJanitorOptions() *janitorOptions {
	return &janitorOptions{
		logger:       noopLogger{},
		sweepTimeout: defaultSweepTimeout,
		location:     time.Local,
	}
}

// WithJanitorLogger 设置日志实现，默认为空实现。
func WithJanitorLogger(l Logger) JanitorOption {
	return func(o *janitorOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithJanitorSweepTimeout 设置单轮清理的超时，默认 1 分钟。
func WithJanitorSweepTimeout(d time.Duration) JanitorOption {
	return func(o *janitorOptions) {
		if d > 0 {
			o.sweepTimeout = d
		}
	}
}

// WithJanitorLocation 设置 cron 表达式使用的时区，默认本地时区。
func WithJanitorLocation(loc *time.Location) JanitorOption {
	return func(o *janitorOptions) {
		if loc != nil {
			o.location = loc
		}
	}
}

// =============================================================================
// Janitor 实现
// =============================================================================

// Janitor 周期性地驱动遗弃清理。
// 注册任意数量的 [Cleaner]（通常是 Engine），按 cron 表达式调度；
// 每轮清理并发展开到所有目标，同名目标上重叠的清理收敛为
// 一次执行并共享结果。
//
// 用法：
//
//	j := xmutex.NewJanitor(xmutex.WithJanitorLogger(logger))
//	_ = j.Register("orders", eng)
//	if err := j.Start("0 */5 * * * *"); err != nil { // 每 5 分钟
//	    return err
//	}
//	defer j.Stop()
type Janitor struct {
	cron *cron.Cron
	opts *janitorOptions

	mu       sync.Mutex
	cleaners map[string]Cleaner
	started  bool

	group singleflight.Group
}

// NewJanitor 创建清理调度器。
// cron 表达式为六字段（含秒），例如 "30 */10 * * * *"。
func NewJanitor(opts ...JanitorOption) *Janitor {
	o := defaultJanitorOptions()
	for _, apply := range opts {
		if apply != nil {
			apply(o)
		}
	}

	c := cron.New(
		cron.WithLocation(o.location),
		cron.WithParser(cron.NewParser(
			cron.Second|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor,
		)),
	)

	return &Janitor{
		cron:     c,
		opts:     o,
		cleaners: make(map[string]Cleaner),
	}
}

// Register 注册清理目标。同名注册覆盖原有目标。
//
// 错误：[ErrNilCleaner]。
func (j *Janitor) Register(name string, c Cleaner) error {
	if c == nil {
		return ErrNilCleaner
	}
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrNilCleaner)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cleaners[name] = c
	return nil
}

// Unregister 移除清理目标。
func (j *Janitor) Unregister(name string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.cleaners, name)
}

// Start 按 cron 表达式启动周期清理。
// 只能启动一次；表达式不合法时返回 [ErrInvalidConfig]。
func (j *Janitor) Start(spec string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return ErrJanitorStarted
	}
	if _, err := j.cron.AddFunc(spec, j.sweep); err != nil {
		return fmt.Errorf("%w: cron spec %q: %w", ErrInvalidConfig, spec, err)
	}
	j.cron.Start()
	j.started = true
	return nil
}

// Stop 停止调度，不再触发新一轮清理。
// 返回的 context 在进行中的清理全部结束后完成。
func (j *Janitor) Stop() context.Context {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.started = false
	return j.cron.Stop()
}

// sweep 执行一轮带超时的清理，错误只记录不上抛。
func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), j.opts.sweepTimeout)
	defer cancel()
	if err := j.RunNow(ctx); err != nil {
		j.opts.logger.Warn(ctx, "abandoned lock sweep finished with errors", AttrError(err))
	}
}

// RunNow 立即对所有注册目标执行一轮清理。
// 目标间并发执行；同名目标上与调度重叠的调用共享同一次执行
// 及其结果。返回聚合后的首个错误。
func (j *Janitor) RunNow(ctx context.Context) error {
	ensureContext(ctx)

	j.mu.Lock()
	targets := make(map[string]Cleaner, len(j.cleaners))
	for name, c := range j.cleaners {
		targets[name] = c
	}
	j.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for name, c := range targets {
		g.Go(func() error {
			_, err, _ := j.group.Do(name, func() (any, error) {
				return nil, c.Cleanup(gctx)
			})
			if err != nil {
				j.opts.logger.Warn(gctx, "cleanup target failed", "target", name, AttrError(err))
				return fmt.Errorf("cleanup %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}
