package xmutex_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/omeyang/xmutex/pkg/distributed/xmutex"
)

func Example() {
	// 内存后端适合单进程内的互斥与测试
	backend, err := xmutex.NewMemoryBackend()
	if err != nil {
		panic(err)
	}
	eng, err := xmutex.New(backend)
	if err != nil {
		panic(err)
	}
	ctx := context.Background()
	defer eng.Close(ctx)

	mu, err := eng.NewMutex("orders")
	if err != nil {
		panic(err)
	}

	// 非阻塞获取；锁被占用时返回 (nil, nil)
	handle, err := mu.TryAcquire(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Println("acquired:", handle.Key())

	// 持有 handle 即持有锁；Release 幂等
	if err := handle.Release(ctx); err != nil {
		panic(err)
	}
	fmt.Println("released")

	// Output:
	// acquired: orders
	// released
}

func Example_do() {
	backend, err := xmutex.NewMemoryBackend()
	if err != nil {
		panic(err)
	}
	eng, err := xmutex.New(backend)
	if err != nil {
		panic(err)
	}
	ctx := context.Background()
	defer eng.Close(ctx)

	mu, err := eng.NewMutex("billing")
	if err != nil {
		panic(err)
	}

	// Do 获取、执行、保证释放，包括 panic 路径
	err = mu.Do(ctx, func(ctx context.Context) error {
		fmt.Println("inside critical section")
		return nil
	})
	if err != nil {
		panic(err)
	}

	// Output:
	// inside critical section
}

func Example_contention() {
	// 关闭重入后，同一引擎内的并发获取真正互斥
	backend, err := xmutex.NewMemoryBackend(xmutex.WithMemoryReentrant(false))
	if err != nil {
		panic(err)
	}
	eng, err := xmutex.New(backend)
	if err != nil {
		panic(err)
	}
	ctx := context.Background()
	defer eng.Close(ctx)

	mu, err := eng.NewMutex("orders")
	if err != nil {
		panic(err)
	}

	holder, err := mu.TryAcquire(ctx)
	if err != nil {
		panic(err)
	}

	// 占用中：nil handle 且无错误
	second, err := mu.TryAcquire(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Println("second acquired:", second != nil)

	_ = holder.Release(ctx)

	third, err := mu.TryAcquire(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Println("third acquired:", third != nil)
	_ = third.Release(ctx)

	// Output:
	// second acquired: false
	// third acquired: true
}

func Example_waitTimeout() {
	backend, err := xmutex.NewMemoryBackend(xmutex.WithMemoryReentrant(false))
	if err != nil {
		panic(err)
	}
	eng, err := xmutex.New(backend)
	if err != nil {
		panic(err)
	}
	ctx := context.Background()
	defer eng.Close(ctx)

	mu, err := eng.NewMutex("orders")
	if err != nil {
		panic(err)
	}

	holder, err := mu.TryAcquire(ctx)
	if err != nil {
		panic(err)
	}
	defer holder.Release(ctx)

	// 阻塞获取限定等待窗口，窗口耗尽返回 ErrWaitTimeout
	_, err = mu.Acquire(ctx, xmutex.WithWaitTimeout(50*time.Millisecond))
	fmt.Println("timed out:", errors.Is(err, xmutex.ErrWaitTimeout))

	// Output:
	// timed out: true
}

func Example_reentrant() {
	// 内存后端默认可重入：同一引擎上的嵌套获取本地计数
	backend, err := xmutex.NewMemoryBackend()
	if err != nil {
		panic(err)
	}
	eng, err := xmutex.New(backend)
	if err != nil {
		panic(err)
	}
	ctx := context.Background()
	defer eng.Close(ctx)

	mu, err := eng.NewMutex("orders")
	if err != nil {
		panic(err)
	}

	outer, err := mu.TryAcquire(ctx)
	if err != nil {
		panic(err)
	}
	nested, err := mu.TryAcquire(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Println("nested acquired:", nested != nil)

	// 对称释放：锁在最外层释放后才真正归还
	_ = nested.Release(ctx)
	_ = outer.Release(ctx)
	fmt.Println("fully released")

	// Output:
	// nested acquired: true
	// fully released
}

func Example_fileBackend() {
	dir, err := os.MkdirTemp("", "xmutex-example")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(dir)

	// 文件后端以共享目录协调同一主机上的多个进程
	backend, err := xmutex.NewFileBackend(dir)
	if err != nil {
		panic(err)
	}
	eng, err := xmutex.New(backend)
	if err != nil {
		panic(err)
	}
	ctx := context.Background()
	defer eng.Close(ctx)

	mu, err := eng.NewMutex("orders")
	if err != nil {
		panic(err)
	}
	handle, err := mu.TryAcquire(ctx)
	if err != nil {
		panic(err)
	}

	if _, err := os.Stat(filepath.Join(dir, "orders.lock")); err == nil {
		fmt.Println("lock file present")
	}
	_ = handle.Release(ctx)

	// Output:
	// lock file present
}

func Example_async() {
	backend, err := xmutex.NewMemoryBackend()
	if err != nil {
		panic(err)
	}
	eng, err := xmutex.New(backend)
	if err != nil {
		panic(err)
	}
	ctx := context.Background()
	defer eng.Close(ctx)

	mu, err := eng.NewMutex("orders")
	if err != nil {
		panic(err)
	}

	// 异步形态经 channel 交付结果，调用方可同时做别的事
	ch, err := mu.AcquireAsync(ctx)
	if err != nil {
		panic(err)
	}
	result := <-ch
	if result.Err != nil {
		panic(result.Err)
	}
	fmt.Println("acquired:", result.Handle.Key())
	_ = result.Handle.Release(ctx)

	// Output:
	// acquired: orders
}

func ExampleNewFromConfig() {
	cfg, err := xmutex.ParseConfig([]byte(`
backend: memory
ttl: 30s
`), xmutex.FormatYAML)
	if err != nil {
		panic(err)
	}

	ctx := context.Background()
	eng, err := xmutex.NewFromConfig(ctx, cfg)
	if err != nil {
		panic(err)
	}
	defer eng.Close(ctx)

	mu, err := eng.NewMutex("orders")
	if err != nil {
		panic(err)
	}
	err = mu.Do(ctx, func(ctx context.Context) error {
		fmt.Println("holding the lock")
		return nil
	})
	if err != nil {
		panic(err)
	}

	// Output:
	// holding the lock
}
