package xmutex

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v5"
)

// pollAcquire 以固定间隔轮询 attempt 直至获取成功或 ctx 结束。
// 轮询型后端（redis/mongo/k8s）用它实现 WaitAcquire。
//
// attempt 返回 (nil, nil) 表示锁被占用，继续轮询；
// 返回非 nil 错误时立即终止并上抛（后端故障不在此处重试）。
// ctx 结束时返回 ctx.Err()。
func pollAcquire(ctx context.Context, interval time.Duration, attempt func(ctx context.Context) (Grant, error)) (Grant, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	grant, err := retry.NewWithData[Grant](
		retry.Context(ctx),
		retry.UntilSucceeded(),
		retry.Delay(interval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, ErrLockHeld)
		}),
	).Do(func() (Grant, error) {
		g, err := attempt(ctx)
		if err != nil {
			return nil, err
		}
		if g == nil {
			// 占用状态用 ErrLockHeld 驱动下一轮重试
			return nil, ErrLockHeld
		}
		return g, nil
	})
	if err != nil {
		// 取消/超时统一归一化为 ctx 错误，便于引擎区分超时与后端故障
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return grant, nil
}

// waitForRetry 等待一个重试间隔，ctx 结束时立即返回 ctx.Err()。
func waitForRetry(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ensureContext 校验 ctx 非 nil。
// nil ctx 属于编程错误，直接 panic 暴露问题。
func ensureContext(ctx context.Context) {
	if ctx == nil {
		panic("xmutex: nil Context")
	}
}

// detachIfDone 在 ctx 已结束时换用带超时的独立清理上下文（保留 values），
// 让释放类操作尽力完成；ctx 仍然有效时原样返回。
func detachIfDone(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// isContextError 判断错误是否源于 context 结束。
func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
