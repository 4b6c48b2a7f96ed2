//go:build !integration

package xmutex

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain 在所有测试结束后检查 goroutine 泄漏。
// 引擎与后端的每条等待路径都必须在 Close/ctx 结束后收敛。
// 集成构建不做泄漏检查：etcd/mongo 驱动的后台 goroutine 生命周期不受本包控制。
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// go-redis 连接池的探活 goroutine 在客户端 Close 后异步退出
		goleak.IgnoreTopFunction("github.com/redis/go-redis/v9/internal/pool.(*ConnPool).tryDial"),
		goleak.IgnoreTopFunction("github.com/redis/go-redis/v9/maintnotifications.(*CircuitBreakerManager).cleanupLoop"),
		// retry-go 的固定间隔休眠
		goleak.IgnoreTopFunction("time.Sleep"),
	)
}
