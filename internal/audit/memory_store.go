package audit

import (
	"context"
	"sync"
)

// MemoryStore 在内存中保存审计条目，适用于测试和单机部署。
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建内存审计存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Record 实现 Recorder。
func (s *MemoryStore) Record(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Detail = append([]byte(nil), e.Detail...)
	s.entries = append(s.entries, e)
	return nil
}

// List 按写入顺序返回匹配的条目。
func (s *MemoryStore) List(_ context.Context, f Filter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if !f.match(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// Close 实现 Store。
func (s *MemoryStore) Close() error { return nil }
