package xmutex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// =============================================================================
// file 后端 - 同机跨进程协调
// =============================================================================

const (
	// lockFileSuffix 锁文件后缀
	lockFileSuffix = ".lock"

	// reapInfix 夺取过期锁时的墓碑文件中缀。
	// 夺取先 rename 再删除，rename 的原子性保证并发夺取只有一个赢家。
	reapInfix = ".reap."

	// corruptFileGrace 无法解析的锁文件视为残留前的宽限期。
	// 创建与写入之间存在窗口，宽限期避免把正在写入的文件误判为残留。
	corruptFileGrace = 10 * time.Second
)

// FileOption file 后端的配置选项。
type FileOption func(*fileOptions)

type fileOptions struct {
	pollInterval time.Duration
}

func defaultFileOptions() *fileOptions {
	return &fileOptions{
		pollInterval: DefaultPollInterval,
	}
}

func (o *fileOptions) validate() error {
	if o.pollInterval <= 0 {
		return ErrInvalidPollInterval
	}
	return nil
}

// WithFilePollInterval 设置等待获取时的轮询兜底间隔。
// 等待以 fsnotify 事件驱动为主，轮询覆盖事件丢失的场景（如网络文件系统）。
// 默认值：[DefaultPollInterval]。
func WithFilePollInterval(d time.Duration) FileOption {
	return func(o *fileOptions) {
		o.pollInterval = d
	}
}

// lockRecord 锁文件的 JSON 内容。
type lockRecord struct {
	PID        int       `json:"pid"`
	Token      string    `json:"token"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// fileBackend 基于锁目录中 pidfile 的同机跨进程后端。
//
// 每个安全名对应 <dir>/<safe>.lock，以 O_CREATE|O_EXCL 原子创建。
// 活性信号是持有进程的存在性（unix.Kill(pid, 0)），持有进程退出即视为
// 遗弃，可被夺取。活性探测仅对同主机名的记录有效，跨主机共享目录时
// 无法判定远端进程死活，一律视为仍被持有。
type fileBackend struct {
	dir      string
	hostname string
	opts     *fileOptions
	closed   atomic.Bool
	done     chan struct{}
}

// NewFileBackend 创建 file 后端，锁目录不存在时自动创建。
func NewFileBackend(dir string, opts ...FileOption) (Backend, error) {
	if dir == "" {
		return nil, ErrInvalidLockDir
	}

	o := defaultFileOptions()
	for _, apply := range opts {
		if apply != nil {
			apply(o)
		}
	}
	if err := o.validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidLockDir, err)
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return &fileBackend{
		dir:      dir,
		hostname: hostname,
		opts:     o,
		done:     make(chan struct{}),
	}, nil
}

// Kind 返回后端标识。
func (b *fileBackend) Kind() string {
	return "file"
}

// Reentrant file 后端可重入，嵌套计数由引擎完成。
func (b *fileBackend) Reentrant() bool {
	return true
}

// NameRules 文件名约束。
// FoldsCase 为 true：锁目录可能位于大小写不敏感的文件系统上
// （macOS/Windows 默认），不同大小写的名字必须映射到不同文件名。
func (b *fileBackend) NameRules() NameRules {
	return NameRules{
		MaxLength: 180,
		IsLegal: func(r rune) bool {
			return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' ||
				r >= '0' && r <= '9' || r == '.' || r == '_' || r == '-'
		},
		FoldsCase:   true,
		Replacement: '_',
	}
}

func (b *fileBackend) lockPath(safeName string) string {
	return filepath.Join(b.dir, safeName+lockFileSuffix)
}

// TryAcquireOnce 单次非阻塞尝试。
// 创建失败时检查现有持有者的活性，持有进程已退出则夺取后重试一次。
func (b *fileBackend) TryAcquireOnce(ctx context.Context, safeName string, ttl time.Duration) (Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrBackendClosed
	}

	path := b.lockPath(safeName)
	token := uuid.NewString()

	// 至多两轮：首轮失败且判定为遗弃时夺取，然后重试一次
	for attempt := 0; attempt < 2; attempt++ {
		created, err := b.createLockFile(path, token)
		if err != nil {
			return nil, err
		}
		if created {
			return &fileGrant{backend: b, path: path, token: token}, nil
		}

		stale, err := b.isStale(path)
		if err != nil {
			return nil, err
		}
		if !stale {
			return nil, nil
		}
		// 夺取输给其他竞争者也没关系，下一轮直接竞争新文件
		b.reap(path)
	}
	return nil, nil
}

// createLockFile 以 O_EXCL 创建锁文件并写入持有记录。
// 文件已存在返回 (false, nil)。
func (b *fileBackend) createLockFile(path, token string) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: create lock file: %w", ErrBackendUnavailable, err)
	}

	record := lockRecord{
		PID:        os.Getpid(),
		Token:      token,
		Host:       b.hostname,
		AcquiredAt: time.Now(),
	}
	data, err := json.Marshal(record)
	if err == nil {
		_, err = f.Write(data)
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		// 写入失败的文件不能留下：内容不完整会被对端视为残留
		_ = os.Remove(path)
		return false, fmt.Errorf("%w: write lock file: %w", ErrBackendUnavailable, err)
	}
	return true, nil
}

// isStale 判断现有锁文件是否为遗弃残留。
// 残留 = 同主机记录的持有进程已退出，或文件无法解析且超过宽限期。
func (b *fileBackend) isStale(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// 刚被释放或被其他竞争者夺取，视为可以重试
			return true, nil
		}
		return false, fmt.Errorf("%w: read lock file: %w", ErrBackendUnavailable, err)
	}

	var record lockRecord
	if err := json.Unmarshal(data, &record); err != nil || record.PID <= 0 {
		// 解析失败：可能是对端尚未写完，也可能是崩溃残留，用 mtime 区分
		info, statErr := os.Stat(path)
		if statErr != nil {
			return errors.Is(statErr, os.ErrNotExist), nil
		}
		return time.Since(info.ModTime()) > corruptFileGrace, nil
	}

	// 活性探测仅对同主机记录有意义
	if record.Host != b.hostname {
		return false, nil
	}
	return !processAlive(record.PID), nil
}

// processAlive 以信号 0 探测进程存活。
// ESRCH 表示进程不存在；EPERM 表示存在但无权限，视为存活。
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return !errors.Is(err, unix.ESRCH)
}

// reap 夺取残留锁文件。
// rename 到墓碑名是原子的，并发夺取只有一个赢家；返回是否赢得夺取。
func (b *fileBackend) reap(path string) bool {
	tomb := path + reapInfix + uuid.NewString()[:8]
	if err := os.Rename(path, tomb); err != nil {
		return false
	}
	_ = os.Remove(tomb)
	return true
}

// WaitAcquire 阻塞等待直至获取成功或 ctx 结束。
// 以 fsnotify 监视锁目录（监视目录而非文件：文件被删除再创建时
// 直接监视文件会丢失事件），按文件名过滤；轮询兜底覆盖事件丢失。
func (b *fileBackend) WaitAcquire(ctx context.Context, safeName string, ttl time.Duration) (Grant, error) {
	grant, err := b.TryAcquireOnce(ctx, safeName, ttl)
	if grant != nil || err != nil {
		return grant, err
	}

	// fsnotify 不可用时（inotify 句柄耗尽等）退化为纯轮询
	var events chan fsnotify.Event
	var watchErrs chan error
	if watcher, werr := fsnotify.NewWatcher(); werr == nil {
		if werr = watcher.Add(b.dir); werr == nil {
			events, watchErrs = watcher.Events, watcher.Errors
		}
		defer watcher.Close()
	}

	ticker := time.NewTicker(b.opts.pollInterval)
	defer ticker.Stop()

	filename := safeName + lockFileSuffix
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events, watchErrs = nil, nil
				continue
			}
			if !isLockFileEvent(ev, filename) {
				continue
			}
			// 锁文件状态变化，立即重试
		case _, ok := <-watchErrs:
			// 监视错误不致命，轮询兜底仍在工作
			if !ok {
				watchErrs = nil
			}
			continue
		case <-ticker.C:
			// 轮询兜底：事件丢失时仍能推进
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.done:
			return nil, ErrBackendClosed
		}

		grant, err := b.TryAcquireOnce(ctx, safeName, ttl)
		if grant != nil || err != nil {
			return grant, err
		}
	}
}

// isLockFileEvent 过滤出目标锁文件的状态变化事件。
// Remove/Rename 表示释放或夺取，Create/Write 表示持有权转移后的新建。
func isLockFileEvent(ev fsnotify.Event, filename string) bool {
	if filepath.Base(ev.Name) != filename {
		return false
	}
	return ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) ||
		ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)
}

// Cleanup 扫描锁目录，移除持有进程已退出的锁文件与超期墓碑残留。
func (b *fileBackend) Cleanup(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrBackendClosed
	}

	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return fmt.Errorf("%w: scan lock dir: %w", ErrBackendUnavailable, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		name := entry.Name()
		path := filepath.Join(b.dir, name)

		// 崩溃夺取留下的墓碑：超过宽限期即可移除
		if isReapTombstone(name) {
			if info, ierr := entry.Info(); ierr == nil && time.Since(info.ModTime()) > corruptFileGrace {
				_ = os.Remove(path)
			}
			continue
		}
		if filepath.Ext(name) != lockFileSuffix {
			continue
		}
		stale, serr := b.isStale(path)
		if serr != nil || !stale {
			continue
		}
		b.reap(path)
	}
	return nil
}

// isReapTombstone 判断文件名是否为夺取墓碑。
func isReapTombstone(name string) bool {
	return strings.Contains(name, reapInfix)
}

// Health 检查锁目录仍然存在且可访问。
func (b *fileBackend) Health(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrBackendClosed
	}
	info, err := os.Stat(b.dir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	if !info.IsDir() {
		return ErrInvalidLockDir
	}
	return nil
}

// Close 关闭后端，唤醒所有等待者。幂等。
func (b *fileBackend) Close(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(b.done)
	return nil
}

// =============================================================================
// file 凭证
// =============================================================================

// fileGrant file 后端的持有凭证。
type fileGrant struct {
	backend *fileBackend
	path    string
	token   string
	done    atomic.Bool
}

// Token 返回持有凭证值。
func (g *fileGrant) Token() string {
	return g.token
}

// Release 移除锁文件。幂等；文件已被夺取（token 不匹配）时为空操作。
func (g *fileGrant) Release(ctx context.Context) error {
	if !g.done.CompareAndSwap(false, true) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := os.ReadFile(g.path)
	if err != nil {
		// 已不存在：被夺取或重复清理，幂等返回
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: read lock file: %w", ErrBackendUnavailable, err)
	}
	var record lockRecord
	if err := json.Unmarshal(data, &record); err != nil || record.Token != g.token {
		// 持有权已经不属于本凭证
		return nil
	}
	if err := os.Remove(g.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: remove lock file: %w", ErrBackendUnavailable, err)
	}
	return nil
}

// Extend file 后端的活性由进程存在性表达，没有租约可续期。
func (g *fileGrant) Extend(ctx context.Context, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if g.done.Load() {
		return ErrNotHeld
	}
	return nil
}

// 编译时接口检查
var (
	_ Backend = (*fileBackend)(nil)
	_ Grant   = (*fileGrant)(nil)
)
