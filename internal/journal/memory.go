package journal

import (
	"context"
	"sync"
	"time"
)

// Memory 是进程内流水实现，适合开发与测试。
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemory 创建内存流水。
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

// RecordFunded 实现 Journal。
func (m *Memory) RecordFunded(ctx context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[entry.TaskID]; ok {
		return nil
	}
	entry.Status = StatusFunded
	entry.UpdatedAt = time.Now().UTC()
	m.entries[entry.TaskID] = entry
	return nil
}

// RecordSettled 实现 Journal。
func (m *Memory) RecordSettled(ctx context.Context, taskID, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[taskID]
	if !ok {
		return ErrNotFound
	}
	entry.Status = StatusSettled
	entry.TxHash = txHash
	entry.UpdatedAt = time.Now().UTC()
	m.entries[taskID] = entry
	return nil
}

// Lookup 实现 Journal。
func (m *Memory) Lookup(ctx context.Context, taskID string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[taskID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

// IsFunded 实现 Journal。
func (m *Memory) IsFunded(ctx context.Context, taskID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[taskID]
	return ok, nil
}

// Close 实现 Journal。
func (m *Memory) Close() error { return nil }

var _ Journal = (*Memory)(nil)
