package xmutex

import (
	"log/slog"
	"time"
)

// =============================================================================
// 日志属性键常量
// =============================================================================

const (
	attrKeyName     = "lock_name"
	attrKeySafeName = "safe_name"
	attrKeyBackend  = "backend"
	attrKeyToken    = "token"
	attrKeyError    = "error"
	attrKeyDuration = "duration"
	attrKeyReason   = "reason"
	attrKeyDepth    = "depth"
	attrKeyTTL      = "ttl"
	attrKeyWait     = "wait"
	attrKeyPath     = "path"
	attrKeyPID      = "pid"
	attrKeyCount    = "count"
)

// =============================================================================
// 日志属性构造函数
// =============================================================================

// AttrName 返回锁名属性。
func AttrName(name string) slog.Attr {
	return slog.String(attrKeyName, name)
}

// AttrSafeName 返回安全名属性。
func AttrSafeName(safe string) slog.Attr {
	return slog.String(attrKeySafeName, safe)
}

// AttrBackend 返回后端标识属性。
func AttrBackend(kind string) slog.Attr {
	return slog.String(attrKeyBackend, kind)
}

// AttrToken 返回持有凭证属性。
func AttrToken(token string) slog.Attr {
	return slog.String(attrKeyToken, token)
}

// AttrError 返回错误属性。
func AttrError(err error) slog.Attr {
	if err == nil {
		return slog.String(attrKeyError, "")
	}
	return slog.String(attrKeyError, err.Error())
}

// AttrDuration 返回持续时间属性。
func AttrDuration(d time.Duration) slog.Attr {
	return slog.Duration(attrKeyDuration, d)
}

// AttrReason 返回原因属性。
func AttrReason(reason AcquireFailReason) slog.Attr {
	return slog.String(attrKeyReason, reason.String())
}

// AttrDepth 返回重入深度属性。
func AttrDepth(depth int) slog.Attr {
	return slog.Int(attrKeyDepth, depth)
}

// AttrTTL 返回租约有效期属性。
func AttrTTL(ttl time.Duration) slog.Attr {
	return slog.Duration(attrKeyTTL, ttl)
}

// AttrWait 返回等待窗口属性。
func AttrWait(wait time.Duration) slog.Attr {
	return slog.Duration(attrKeyWait, wait)
}

// AttrPath 返回文件路径属性。
func AttrPath(path string) slog.Attr {
	return slog.String(attrKeyPath, path)
}

// AttrPID 返回进程号属性。
func AttrPID(pid int) slog.Attr {
	return slog.Int(attrKeyPID, pid)
}

// AttrCount 返回数量属性。
func AttrCount(n int) slog.Attr {
	return slog.Int(attrKeyCount, n)
}
