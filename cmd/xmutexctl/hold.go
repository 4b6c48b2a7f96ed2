package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/omeyang/xmutex/pkg/distributed/xmutex"
)

// cmdHold 获取锁并保持持有，直到收到释放指令。
// 释放指令: stdin 一行 "release"，或 ctx 取消（SIGINT/SIGTERM）。
// stdin 关闭后继续持有，等待信号。
func cmdHold(ctx context.Context, eng xmutex.Engine, name string, wait time.Duration, in io.Reader, out io.Writer) error {
	mu, err := eng.NewMutex(name)
	if err != nil {
		return err
	}

	var opts []xmutex.AcquireOption
	if wait > 0 {
		opts = append(opts, xmutex.WithWaitTimeout(wait))
	}

	handle, err := mu.Acquire(ctx, opts...)
	if err != nil {
		return err
	}

	// 协作进程以此行判断锁已到手
	fmt.Fprintf(out, "acquired %s\n", name)

	lines := startLineReader(ctx, in)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				// stdin 关闭，改为只等信号
				lines = nil
				continue
			}
			if line == "release" {
				break loop
			}
		}
	}

	// 信号路径的 ctx 已取消，释放动作不受其影响
	if err := handle.Release(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	fmt.Fprintln(out, "released")
	return nil
}

// startLineReader 启动输入读取 goroutine。
// 设计决策: lines 无缓冲，使用 select 保护发送，
// 防止 context 取消后 goroutine 在发送端永久阻塞。
func startLineReader(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}
