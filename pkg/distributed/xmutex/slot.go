package xmutex

import "sync"

// lockSlot 记录本引擎对某个安全名的当前持有：后端凭证与重入深度。
// 仅在后端声明 Reentrant 时才会物化。
type lockSlot struct {
	grant Grant
	depth int
}

// slotMap 管理安全名到 lockSlot 的映射。
// 结构性变更（插入/摘除）与深度增减都在同一把互斥锁下线性化；
// 后端 I/O 绝不在持锁期间进行，不同锁名之间互不阻塞。
type slotMap struct {
	mu sync.Mutex
	m  map[string]*lockSlot
}

func newSlotMap() *slotMap {
	return &slotMap{m: make(map[string]*lockSlot)}
}

// enterNested 尝试嵌套进入：safe 已被本引擎持有时深度 +1 并返回对应
// slot，未持有时返回 nil（调用方走后端获取路径）。
// 正在获取中（尚未持有）不算持有，并发获取按普通竞争处理。
func (s *slotMap) enterNested(safe string) *lockSlot {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := s.m[safe]
	if slot == nil {
		return nil
	}
	slot.depth++
	return slot
}

// create 在后端获取成功后登记首次持有（深度 1）。
func (s *slotMap) create(safe string, grant Grant) *lockSlot {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := &lockSlot{grant: grant, depth: 1}
	s.m[safe] = slot
	return slot
}

// exit 释放一层持有。深度归零时先把 slot 从映射中摘除（本地状态
// 先行自愈，后续的分布式释放失败也不会卡住此名字的再次获取），
// 并返回需要向后端释放的凭证；否则返回 nil。
func (s *slotMap) exit(safe string, slot *lockSlot) Grant {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot.depth--
	if slot.depth > 0 {
		return nil
	}
	if s.m[safe] == slot {
		delete(s.m, safe)
	}
	return slot.grant
}

// depth 返回当前深度，0 表示未持有。仅测试与调试使用。
func (s *slotMap) depthOf(safe string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slot := s.m[safe]; slot != nil {
		return slot.depth
	}
	return 0
}

// len 返回当前持有的名字数量。
func (s *slotMap) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
