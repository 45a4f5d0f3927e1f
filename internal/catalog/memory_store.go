package catalog

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore 以内存方式保存目录，主要用于测试与本地开发。
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore(seed ...Agent) *MemoryStore {
	store := &MemoryStore{agents: make(map[string]*Agent, len(seed))}
	for i := range seed {
		clone := seed[i]
		store.agents[clone.ID] = &clone
	}
	return store
}

// ListAgents 返回目录快照，按名称排序保证稳定输出。
func (m *MemoryStore) ListAgents(_ context.Context) ([]Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agents := make([]Agent, 0, len(m.agents))
	for _, agent := range m.agents {
		agents = append(agents, *agent)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
	return agents, nil
}

// GetAgent 返回指定的智能体。
func (m *MemoryStore) GetAgent(_ context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	clone := *agent
	return &clone, nil
}

// UpsertAgent 新增或覆盖一条记录。
func (m *MemoryStore) UpsertAgent(_ context.Context, agent *Agent) error {
	if err := agent.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *agent
	m.agents[clone.ID] = &clone
	return nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }
