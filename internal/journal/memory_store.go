package journal

import (
	"context"
	"sync"
)

// MemoryStore 内存实现，用于未启用数据库时的调试与测试
type MemoryStore struct {
	mu       sync.Mutex
	messages []MessageRecord
	closed   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (ms *MemoryStore) SaveMessages(_ context.Context, records []MessageRecord) error {
	if len(records) == 0 {
		return ErrEmptyBatch
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.messages = append(ms.messages, records...)
	return nil
}

func (ms *MemoryStore) Messages() []MessageRecord {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	result := make([]MessageRecord, len(ms.messages))
	copy(result, ms.messages)
	return result
}

func (ms *MemoryStore) Closed() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.closed
}

func (ms *MemoryStore) Close(context.Context) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.closed = true
	return nil
}
