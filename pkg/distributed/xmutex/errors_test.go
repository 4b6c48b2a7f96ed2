package xmutex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestErrors 锁定预定义错误的文本，这些文本是对外契约的一部分。
func TestErrors(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrInvalidTimeout, "xmutex: invalid wait timeout"},
		{ErrWaitTimeout, "xmutex: wait timed out before lock was acquired"},
		{ErrLockHeld, "xmutex: lock is held by another owner"},
		{ErrNotHeld, "xmutex: lock not held"},
		{ErrBackendUnavailable, "xmutex: backend unavailable"},
		{ErrEngineClosed, "xmutex: engine is closed"},
		{ErrBackendClosed, "xmutex: backend is closed"},
		{ErrNilBackend, "xmutex: backend is nil"},
		{ErrNilClient, "xmutex: client is nil"},
		{ErrNilConfig, "xmutex: config is nil"},
		{ErrNoEndpoints, "xmutex: no endpoints configured"},
		{ErrInvalidEndpoint, "xmutex: invalid endpoint"},
		{ErrSessionExpired, "xmutex: etcd session expired"},
		{ErrUnknownBackend, "xmutex: unknown backend kind"},
		{ErrInvalidConfig, "xmutex: invalid config"},
		{ErrLoadFailed, "xmutex: failed to load config file"},
		{ErrParseFailed, "xmutex: failed to parse config"},
		{ErrUnsupportedFormat, "xmutex: unsupported config format"},
		{ErrInvalidNameRules, "xmutex: invalid backend name rules"},
		{ErrInvalidTTL, "xmutex: invalid ttl"},
		{ErrInvalidPollInterval, "xmutex: invalid poll interval"},
		{ErrInvalidShardCount, "xmutex: shard count must be a power of two"},
		{ErrInvalidLockDir, "xmutex: invalid lock directory"},
		{ErrIDGenerationFailed, "xmutex: failed to generate unique id"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error())
	}
}

func TestAcquireFailReason_String(t *testing.T) {
	tests := []struct {
		reason AcquireFailReason
		want   string
	}{
		{ReasonUnknown, "unknown"},
		{ReasonHeld, "held"},
		{ReasonTimeout, "timeout"},
		{ReasonCanceled, "canceled"},
		{ReasonInvalidArgument, "invalid_argument"},
		{ReasonBackend, "backend_error"},
		{ReasonClosed, "closed"},
		{AcquireFailReason(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.reason.String())
	}
}

func TestIsBackendUnavailable(t *testing.T) {
	t.Run("sentinel and wrapped", func(t *testing.T) {
		assert.True(t, IsBackendUnavailable(ErrBackendUnavailable))
		assert.True(t, IsBackendUnavailable(fmt.Errorf("%w: dial failed", ErrBackendUnavailable)))
	})

	t.Run("network errors", func(t *testing.T) {
		assert.True(t, IsBackendUnavailable(syscall.ECONNREFUSED))
		assert.True(t, IsBackendUnavailable(fmt.Errorf("write: %w", syscall.EPIPE)))
		assert.True(t, IsBackendUnavailable(io.EOF))
		assert.True(t, IsBackendUnavailable(io.ErrUnexpectedEOF))
		assert.True(t, IsBackendUnavailable(&net.DNSError{Err: "no such host", Name: "redis.invalid"}))
		assert.True(t, IsBackendUnavailable(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	})

	t.Run("context errors are caller-side", func(t *testing.T) {
		assert.False(t, IsBackendUnavailable(context.Canceled))
		assert.False(t, IsBackendUnavailable(context.DeadlineExceeded))
		assert.False(t, IsBackendUnavailable(fmt.Errorf("op: %w", context.Canceled)))
	})

	t.Run("not backend errors", func(t *testing.T) {
		assert.False(t, IsBackendUnavailable(nil))
		assert.False(t, IsBackendUnavailable(errors.New("boom")))
		assert.False(t, IsBackendUnavailable(ErrNotHeld))
		assert.False(t, IsBackendUnavailable(ErrWaitTimeout))
	})
}

func TestIsNotHeld(t *testing.T) {
	assert.True(t, IsNotHeld(ErrNotHeld))
	assert.True(t, IsNotHeld(fmt.Errorf("%w: lease lost", ErrNotHeld)))
	assert.False(t, IsNotHeld(nil))
	assert.False(t, IsNotHeld(ErrLockHeld))
}

func TestIsWaitTimeout(t *testing.T) {
	assert.True(t, IsWaitTimeout(ErrWaitTimeout))
	assert.True(t, IsWaitTimeout(fmt.Errorf("acquire: %w", ErrWaitTimeout)))
	assert.False(t, IsWaitTimeout(nil))
	assert.False(t, IsWaitTimeout(context.DeadlineExceeded))
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"wait timeout", ErrWaitTimeout, ErrClassTimeout},
		{"canceled", context.Canceled, ErrClassCanceled},
		{"deadline", context.DeadlineExceeded, ErrClassCanceled},
		{"invalid timeout", ErrInvalidTimeout, ErrClassInvalidArgument},
		{"engine closed", ErrEngineClosed, ErrClassClosed},
		{"backend closed", ErrBackendClosed, ErrClassClosed},
		{"not held", ErrNotHeld, ErrClassNotHeld},
		{"backend unavailable", ErrBackendUnavailable, ErrClassBackendUnavailable},
		{"wrapped unavailable", fmt.Errorf("%w: %w", ErrBackendUnavailable, ErrSessionExpired), ErrClassBackendUnavailable},
		// 续期时发现租约丢失：not_held 优先于 backend_unavailable
		{"not held via session expiry", fmt.Errorf("%w: %w", ErrNotHeld, ErrSessionExpired), ErrClassNotHeld},
		{"unrecognized", errors.New("boom"), ErrClassInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
}

func TestClassifyReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want AcquireFailReason
	}{
		{"nil", nil, ReasonUnknown},
		{"wait timeout", ErrWaitTimeout, ReasonTimeout},
		{"canceled", context.Canceled, ReasonCanceled},
		{"deadline", context.DeadlineExceeded, ReasonCanceled},
		{"invalid", ErrInvalidTimeout, ReasonInvalidArgument},
		{"engine closed", ErrEngineClosed, ReasonClosed},
		{"backend closed", ErrBackendClosed, ReasonClosed},
		{"backend down", fmt.Errorf("%w: dial", ErrBackendUnavailable), ReasonBackend},
		{"unrecognized", errors.New("boom"), ReasonUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyReason(tt.err))
		})
	}
}
