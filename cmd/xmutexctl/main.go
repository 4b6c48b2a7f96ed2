// xmutexctl 是 xmutex 分布式锁的命令行工具。
//
// 用法:
//
//	xmutexctl [全局选项] <命令> [命令参数]
//
// 全局选项:
//
//	-c, --config   配置文件路径 (YAML/JSON)
//	-b, --backend  后端标识，覆盖配置文件 (默认: memory)
//	    --dir      file 后端的锁目录（等价于配置中的 file.dir）
//	    --ttl      锁有效期，覆盖配置文件
//	-t, --timeout  status/sanitize/cleanup 的命令超时 (默认: 30s)
//	    --log-file 日志文件路径（JSON 格式，按大小轮转；默认输出到 stderr）
//	    --log-level 日志级别 debug/info/warn/error (默认: warn)
//
// 命令:
//
//	run <name> [--] <cmd> [args...]  持锁执行子进程，退出后释放
//	hold <name>                      获取并持有锁，等待释放指令
//	status [name]                    查看后端健康状态与锁占用情况
//	sanitize <name>                  输出锁名经命名规则变换后的安全名
//	cleanup                          执行一轮遗弃锁清理
//	version                          显示版本信息
//
// run 命令说明:
//
//	先获取锁再启动子进程，子进程退出（无论成败）后释放锁。
//	子进程的退出码原样透传。--wait 限定获取锁的等待窗口，
//	窗口耗尽时不启动子进程，以退出码 1 结束。
//
// hold 命令说明:
//
//	获取锁后输出 "acquired <name>" 并保持持有，直到以下任一事件发生:
//	stdin 收到一行 "release"、收到 SIGINT/SIGTERM、或 stdin 关闭且收到信号。
//	释放后输出 "released"。适合在脚本中占位或测试锁竞争。
//
// status 命令说明:
//
//	不带参数时检查后端健康状态，离线以退出码 1 结束。
//	带锁名时探测占用情况；探测空闲锁会瞬时获取并立即释放。
//
// 退出码:
//
//	0: 命令执行成功（status: 后端在线；run: 子进程退出码 0）
//	1: 命令执行失败、后端离线、或等待窗口耗尽
//	2: 参数错误（缺少锁名、未知命令、非法 flag 等）
//	N: run 命令透传子进程的退出码
//
// 示例:
//
//	xmutexctl run nightly-report -- ./report.sh            # 持锁跑批
//	xmutexctl --backend file --dir /tmp/locks hold orders  # 文件锁占位
//	xmutexctl -c xmutex.yaml status orders                 # 查看锁状态
//	xmutexctl sanitize "订单/结算"                          # 查看安全名
//	xmutexctl -c xmutex.yaml cleanup                       # 清理遗弃锁
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"
)

// defaultTimeout 默认命令超时时间。
const defaultTimeout = 30 * time.Second

// 版本信息（可通过 -ldflags 注入，例如:
//
//	go build -ldflags "-X main.Version=1.0.0 -X main.GitCommit=$(git rev-parse --short HEAD) -X main.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
//
// ）。
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run())
}

// createApp 创建 CLI 应用。
func createApp() *cli.Command {
	return &cli.Command{
		Name:    "xmutexctl",
		Usage:   "xmutex 分布式锁命令行工具",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "配置文件路径 (YAML/JSON)",
			},
			&cli.StringFlag{
				Name:    "backend",
				Aliases: []string{"b"},
				Usage:   "后端标识 (memory/file/redis/etcd/mongo/k8s)，覆盖配置文件",
			},
			&cli.StringFlag{
				Name:  "dir",
				Usage: "file 后端的锁目录",
			},
			&cli.DurationFlag{
				Name:  "ttl",
				Usage: "锁有效期，覆盖配置文件",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "status/sanitize/cleanup 的命令超时",
				Value:   defaultTimeout,
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "日志文件路径（JSON 格式，按大小轮转）",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "日志级别 (debug/info/warn/error)",
				Value: "warn",
			},
		},
		Commands:       createCommands(),
		DefaultCommand: "help",
		Authors: []any{
			"xmutex Team",
		},
		// 设计决策: 禁止 urfave/cli 直接调用 os.Exit，
		// 由 run() 统一处理退出码映射，确保与文档退出码契约一致。
		ExitErrHandler: func(_ context.Context, _ *cli.Command, err error) {
			// ExitCoder 错误（如未知命令）的消息需在此输出，
			// 替代 HandleExitCoder 的默认 os.Exit 行为。
			if _, ok := err.(cli.ExitCoder); ok {
				fmt.Fprintln(os.Stderr, err)
			}
		},
		Description: `xmutexctl 将 xmutex 的锁语义带到命令行，适合跑批互斥、
部署脚本占位和锁状态排查。

后端选择优先级: --backend > 配置文件 backend > memory。
memory 后端仅进程内有效，跨进程互斥请使用 file/redis/etcd/mongo/k8s。

主要命令:
  run <name> [--] <cmd>  持锁执行子进程
    --wait               获取锁的等待窗口（0 表示无限等待）
  hold <name>            获取并持有锁，stdin "release" 或信号触发释放
    --wait               获取锁的等待窗口（0 表示无限等待）
  status [name]          后端健康检查；带锁名时探测占用情况
  sanitize <name>        输出安全名
  cleanup                执行一轮遗弃锁清理`,
	}
}

func run() int {
	app := createApp()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 第一次信号优雅取消，第二次强制退出
	setupSignalHandler(cancel)

	if err := app.Run(ctx, os.Args); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			if exitErr.msg != "" {
				fmt.Fprintf(os.Stderr, "错误: %s\n", exitErr.msg)
			}
			return exitErr.code
		}
		var usageErr *usageError
		if errors.As(err, &usageErr) {
			fmt.Fprintf(os.Stderr, "参数错误: %v\n", usageErr)
			return 2
		}
		// CLI 框架产生的参数错误（如未知 flag、未知命令）也返回退出码 2，
		// 与文档契约"参数错误 → 退出码 2"保持一致。
		if isCLIUsageError(err) {
			// ExitErrHandler 或 flag 解析器已向 stderr 输出错误详情，此处仅设置退出码
			return 2
		}
		// 等待窗口耗尽与后端不可用同属运行失败
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		return 1
	}

	return 0
}
