// Package xmutex 提供跨进程的命名互斥锁：多个进程通过共享的协调介质
// （Redis、etcd、MongoDB、Kubernetes Lease、共享文件系统或进程内内存）
// 对同一个锁名竞争，任意时刻至多一个持有者。
//
// # 设计理念
//
// xmutex 把"获取/释放协议"与"协调介质"分离：
//   - Engine: 获取状态机的唯一实现，负责超时、取消、重入计数、安全名映射
//   - Backend: 介质适配器，只需实现单次尝试、阻塞等待、释放与清理
//   - LockHandle: 一次成功获取的凭证，幂等释放，单一归属
//
// 四种调用形态共享同一个状态机：
//   - Acquire: 阻塞等待，默认无限等待，超时返回 [ErrWaitTimeout]
//   - TryAcquire: 默认零等待，未获取返回 (nil, nil) 而非错误
//   - AcquireAsync / TryAcquireAsync: 结果经 channel 交付，
//     参数校验错误仍然同步返回（不需要等待即可观察）
//
// # 核心概念
//
//   - Mutex: 绑定单个锁名的获取入口，由 [Engine.NewMutex] 创建
//   - SafeName: 锁名经确定性、无碰撞变换后的介质合法标识
//   - 重入: 以 Engine 实例为持有者身份，仅对声明 Reentrant 的后端生效；
//     两个 Engine 实例（即使同进程）彼此绝不重入
//   - 遗弃恢复: 持有者异常退出后，锁在后端承诺的有界窗口内重新可获取
//
// # 后端差异
//
//	| 后端   | 等待方式     | 遗弃恢复           | 重入 | Cleanup      |
//	|--------|--------------|--------------------|------|--------------|
//	| memory | channel 事件 | 可选 TTL           | 可选 | 清扫过期持有 |
//	| file   | fsnotify+轮询| 持有进程存活探测   | 是   | 清扫死进程文件|
//	| redis  | 轮询         | key TTL 自动过期   | 否   | 无需         |
//	| etcd   | 原生队列等待 | Session 租约自动   | 否   | 无需         |
//	| mongo  | 轮询         | 租约文档过期接管   | 否   | 删除过期文档 |
//	| k8s    | 轮询         | Lease 过期接管     | 否   | 删除过期 Lease|
//
// # 典型用法
//
//	backend, _ := xmutex.NewMemoryBackend()
//	engine, _ := xmutex.New(backend)
//	defer engine.Close(context.Background())
//
//	mu, _ := engine.NewMutex("orders/daily-report")
//	err := mu.Do(ctx, func(ctx context.Context) error {
//	    // 受互斥保护的临界区
//	    return nil
//	})
//
// 需要手动管理生命周期时使用 Acquire/Release：
//
//	handle, err := mu.Acquire(ctx, xmutex.WithWaitTimeout(5*time.Second))
//	if err != nil {
//	    return err
//	}
//	defer handle.Release(ctx)
//
// 详细使用示例请参考 example_test.go 中的 Example 函数。
package xmutex
