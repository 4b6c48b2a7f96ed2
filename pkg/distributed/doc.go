// Package distributed 提供分布式协调相关的子包。
//
// 子包列表：
//   - xmutex: 分布式互斥锁，支持 memory、file、Redis、etcd、MongoDB、K8s 后端
//
// 设计原则：
//   - 提供统一的锁接口，支持多种后端实现
//   - 支持锁续期、重入与遗弃恢复
//   - 内置健康检查和指标收集
package distributed
