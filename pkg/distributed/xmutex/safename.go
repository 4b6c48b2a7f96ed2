package xmutex

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"github.com/sony/sonyflake/v2"
)

// =============================================================================
// 安全名变换
// =============================================================================

// sanitizeName 把任意锁名变换为满足 rules 的介质合法标识。
//
// 性质：
//   - 确定性：同一 (name, rules) 永远得到同一输出
//   - 单射：清理改变了名字（含大小写折叠）或长度超限时，
//     嵌入对原始字节计算的 64 位 xxhash，不同原始名不会碰撞
//   - 合法：输出只含 rules.IsLegal 字符且不超过 rules.MaxLength
//
// 空字符串也会得到一个可获取的哈希形式安全名。
func sanitizeName(name string, rules NameRules) string {
	folded := name
	if rules.FoldsCase {
		folded = strings.ToLower(name)
	}

	rep := rules.Replacement
	cleaned := strings.Map(func(r rune) rune {
		if rules.IsLegal(r) {
			return r
		}
		return rep
	}, folded)
	cleaned = collapseRuns(cleaned, rep)
	cleaned = strings.Trim(cleaned, string(rep))

	// 未发生任何改变且长度合法时原样通过，保留可读性
	if cleaned == name && name != "" && len(name) <= rules.MaxLength {
		return name
	}

	// 对原始名整体哈希：大小写折叠前的字节参与计算，
	// 保证仅大小写不同的两个名字得到不同的安全名
	hash := fmt.Sprintf("%016x", xxhash.Sum64String(name))

	maxHead := rules.MaxLength - safeNameHashLength - 1
	if len(cleaned) > maxHead {
		cleaned = truncateRunes(cleaned, maxHead)
		cleaned = strings.TrimRight(cleaned, string(rep))
	}
	if cleaned == "" {
		return hash
	}
	return cleaned + string(rep) + hash
}

// truncateRunes 在不超过 maxBytes 的前提下按 rune 边界截断。
func truncateRunes(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}

// collapseRuns 把连续出现的 rep 压缩为单个字符。
func collapseRuns(s string, rep rune) string {
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for i, r := range s {
		if r == rep && i > 0 && prev == rep {
			continue
		}
		b.WriteRune(r)
		prev = r
	}
	return b.String()
}

// =============================================================================
// 唯一锁名生成
// =============================================================================

// defaultFlake 全局 sonyflake 实例，懒初始化。
var defaultFlake = sync.OnceValues(func() (*sonyflake.Sonyflake, error) {
	return sonyflake.New(sonyflake.Settings{})
})

// GenerateName 生成进程内唯一的锁名，用于测试与引导场景。
// 输出形如 "prefix-<base36 id>"；当 prefix 只含小写字母数字和 '-' 时，
// 输出对所有内置后端都是直接合法的，经安全名变换后原样保留。
//
// ID 生成失败（时钟严重回拨等）时返回 [ErrIDGenerationFailed]。
func GenerateName(prefix string) (string, error) {
	sf, err := defaultFlake()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrIDGenerationFailed, err)
	}
	id, err := sf.NextID()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrIDGenerationFailed, err)
	}
	if prefix == "" {
		return strconv.FormatInt(id, 36), nil
	}
	return prefix + "-" + strconv.FormatInt(id, 36), nil
}
