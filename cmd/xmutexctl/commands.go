package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/omeyang/xmutex/pkg/distributed/xmutex"
)

// exitError 表示需要指定退出码的场景。
// msg 非空时由 run() 输出到 stderr；run 命令透传子进程退出码时 msg 为空。
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// usageError 表示参数错误，统一映射为退出码 2。
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

// isCLIUsageError 识别 urfave/cli 框架产生的参数解析错误。
func isCLIUsageError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "flag provided but not defined") ||
		strings.Contains(msg, "No help topic for") ||
		strings.Contains(msg, "invalid value")
}

// createCommands 创建所有子命令。
func createCommands() []*cli.Command {
	return []*cli.Command{
		createRunCommand(),
		createHoldCommand(),
		createStatusCommand(),
		createSanitizeCommand(),
		createCleanupCommand(),
		createVersionCommand(),
	}
}

// createRunCommand 创建 run 子命令（持锁执行子进程）。
func createRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Aliases:   []string{"r"},
		Usage:     "持锁执行子进程，退出后释放",
		ArgsUsage: "<name> [--] <cmd> [args...]",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "wait",
				Aliases: []string{"w"},
				Usage:   "获取锁的等待窗口（0 表示无限等待）",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			name, argv, err := splitRunArgs(cmd.Args().Slice())
			if err != nil {
				return err
			}
			eng, closeAll, err := engineFromCommand(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeAll()
			return cmdRun(ctx, eng, name, argv, cmd.Duration("wait"))
		},
	}
}

// createHoldCommand 创建 hold 子命令（获取并持有锁）。
func createHoldCommand() *cli.Command {
	return &cli.Command{
		Name:      "hold",
		Usage:     `获取并持有锁，stdin "release" 或 SIGINT/SIGTERM 触发释放`,
		ArgsUsage: "<name>",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "wait",
				Aliases: []string{"w"},
				Usage:   "获取锁的等待窗口（0 表示无限等待）",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			name := cmd.Args().First()
			if name == "" {
				return &usageError{msg: "hold 命令需要指定锁名"}
			}
			eng, closeAll, err := engineFromCommand(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeAll()
			return cmdHold(ctx, eng, name, cmd.Duration("wait"), os.Stdin, os.Stdout)
		},
	}
}

// createStatusCommand 创建 status 子命令。
func createStatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Aliases:   []string{"s"},
		Usage:     "查看后端健康状态与锁占用情况",
		ArgsUsage: "[name]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			eng, closeAll, err := engineFromCommand(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeAll()

			tctx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
			defer cancel()
			return cmdStatus(tctx, eng, resolveKind(cmd), cmd.Args().First(), os.Stdout)
		},
	}
}

// createSanitizeCommand 创建 sanitize 子命令。
func createSanitizeCommand() *cli.Command {
	return &cli.Command{
		Name:      "sanitize",
		Usage:     "输出锁名经当前后端命名规则变换后的安全名",
		ArgsUsage: "<name>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			name := cmd.Args().First()
			if name == "" {
				return &usageError{msg: "sanitize 命令需要指定锁名"}
			}
			eng, closeAll, err := engineFromCommand(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeAll()
			return cmdSanitize(eng, name, os.Stdout)
		},
	}
}

// createCleanupCommand 创建 cleanup 子命令。
func createCleanupCommand() *cli.Command {
	return &cli.Command{
		Name:  "cleanup",
		Usage: "执行一轮遗弃锁清理",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			eng, closeAll, err := engineFromCommand(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeAll()

			tctx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
			defer cancel()
			return cmdCleanup(tctx, eng, os.Stdout)
		},
	}
}

// createVersionCommand 创建 version 子命令。
func createVersionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "显示版本信息",
		Action: func(_ context.Context, _ *cli.Command) error {
			fmt.Printf("xmutexctl %s\ncommit: %s\nbuilt:  %s\n", Version, GitCommit, BuildTime)
			return nil
		},
	}
}

// splitRunArgs 拆分 run 命令的参数为锁名和子进程命令行。
// flag 解析通常已消费掉分隔符 "--"；残留时跳过首个 "--"。
func splitRunArgs(args []string) (string, []string, error) {
	if len(args) == 0 {
		return "", nil, &usageError{msg: "run 命令需要指定锁名和子进程命令"}
	}
	name := args[0]
	argv := args[1:]
	if len(argv) > 0 && argv[0] == "--" {
		argv = argv[1:]
	}
	if len(argv) == 0 {
		return "", nil, &usageError{msg: "run 命令需要指定子进程命令"}
	}
	return name, argv, nil
}

// resolveConfig 按优先级合成配置: --backend > 配置文件 backend > memory。
func resolveConfig(cmd *cli.Command) (*xmutex.Config, error) {
	cfg := &xmutex.Config{}
	if path := cmd.String("config"); path != "" {
		loaded, err := xmutex.LoadConfigFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if kind := cmd.String("backend"); kind != "" {
		cfg.Backend = kind
	}
	if cfg.Backend == "" {
		cfg.Backend = "memory"
	}
	if dir := cmd.String("dir"); dir != "" {
		cfg.File.Dir = dir
	}
	if ttl := cmd.Duration("ttl"); ttl > 0 {
		cfg.TTL = ttl
	}
	return cfg, nil
}

// resolveKind 返回本次调用实际使用的后端标识。
func resolveKind(cmd *cli.Command) string {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return "unknown"
	}
	return cfg.Backend
}

// engineFromCommand 按全局 flag 构建日志器与锁引擎。
// 返回的清理函数关闭引擎并落盘日志。
func engineFromCommand(ctx context.Context, cmd *cli.Command) (xmutex.Engine, func(), error) {
	logger, closeLog, err := newLogger(cmd.String("log-level"), cmd.String("log-file"))
	if err != nil {
		return nil, nil, err
	}

	cfg, err := resolveConfig(cmd)
	if err != nil {
		closeLog()
		return nil, nil, err
	}

	eng, err := xmutex.NewFromConfig(ctx, cfg, xmutex.WithLogger(logger))
	if err != nil {
		closeLog()
		return nil, nil, err
	}

	closeAll := func() {
		_ = eng.Close(context.Background())
		closeLog()
	}
	return eng, closeAll, nil
}

// cmdRun 持锁执行子进程。
// 获取失败时不启动子进程；子进程的退出码经 exitError 原样透传。
func cmdRun(ctx context.Context, eng xmutex.Engine, name string, argv []string, wait time.Duration) error {
	mu, err := eng.NewMutex(name)
	if err != nil {
		return err
	}

	var opts []xmutex.AcquireOption
	if wait > 0 {
		opts = append(opts, xmutex.WithWaitTimeout(wait))
	}

	return mu.Do(ctx, func(ctx context.Context) error {
		child := exec.CommandContext(ctx, argv[0], argv[1:]...)
		child.Stdin = os.Stdin
		child.Stdout = os.Stdout
		child.Stderr = os.Stderr

		if err := child.Run(); err != nil {
			var ee *exec.ExitError
			if errors.As(err, &ee) && ee.ExitCode() >= 0 {
				return &exitError{code: ee.ExitCode()}
			}
			return fmt.Errorf("子进程执行失败: %w", err)
		}
		return nil
	}, opts...)
}

// cmdStatus 查看后端健康状态；带锁名时探测占用情况。
// 设计决策: 离线时返回非零退出码（通过 exitError），
// 使脚本和探针能正确检测后端状态。
func cmdStatus(ctx context.Context, eng xmutex.Engine, kind, name string, out io.Writer) error {
	if err := eng.Health(ctx); err != nil {
		fmt.Fprintf(out, "后端: %s\n", kind)
		fmt.Fprintf(out, "状态: 离线\n")
		fmt.Fprintf(out, "详情: %v\n", err)
		return &exitError{code: 1}
	}

	fmt.Fprintf(out, "后端: %s\n", kind)
	fmt.Fprintf(out, "状态: 在线\n")

	if name == "" {
		return nil
	}

	// 探测会瞬时获取空闲锁并立即释放
	mu, err := eng.NewMutex(name)
	if err != nil {
		return err
	}
	handle, err := mu.TryAcquire(ctx)
	if err != nil {
		return fmt.Errorf("探测锁 %s 失败: %w", name, err)
	}
	if handle == nil {
		fmt.Fprintf(out, "锁 %s: 占用中\n", name)
		return nil
	}
	_ = handle.Release(ctx)
	fmt.Fprintf(out, "锁 %s: 空闲\n", name)
	return nil
}

// cmdSanitize 输出安全名。
func cmdSanitize(eng xmutex.Engine, name string, out io.Writer) error {
	mu, err := eng.NewMutex(name)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, mu.SafeName())
	return nil
}

// cmdCleanup 执行一轮遗弃锁清理。
func cmdCleanup(ctx context.Context, eng xmutex.Engine, out io.Writer) error {
	if err := eng.Cleanup(ctx); err != nil {
		return fmt.Errorf("清理失败: %w", err)
	}
	fmt.Fprintln(out, "清理完成")
	return nil
}

// setupSignalHandler 设置信号处理。
// 设计决策: 第一次信号优雅取消，第二次信号强制退出（退出码 130 = 128 + SIGINT）。
// 当命令阻塞时，用户可通过再次 Ctrl+C 强制退出。
func setupSignalHandler(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel() // 第一次信号: 优雅取消

		<-sigCh
		signal.Stop(sigCh) // 回收订阅
		os.Exit(130)       // 第二次信号: 强制退出
	}()
}
