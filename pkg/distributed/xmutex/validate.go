package xmutex

import "time"

// validateWaitTimeout 校验等待超时参数。
// [WaitForever] 哨兵合法；其他负值非法；deadline 计算会溢出
// int64 纳秒的超大值同样非法（无法交给任何等待原语表达）。
//
// 校验是同步的：四种调用形态都在接触后端之前完成此检查。
func validateWaitTimeout(d time.Duration) error {
	if d == WaitForever {
		return nil
	}
	if d < 0 {
		return ErrInvalidTimeout
	}
	if d > 0 {
		now := time.Now()
		if now.Add(d).Before(now) {
			return ErrInvalidTimeout
		}
	}
	return nil
}

// resolveWait 计算本次调用的等待窗口。
// 未显式设置时，阻塞形态默认无限等待，try 形态默认零等待。
func resolveWait(opts acquireOptions, blocking bool) time.Duration {
	if opts.waitSet {
		return opts.wait
	}
	if blocking {
		return WaitForever
	}
	return 0
}
