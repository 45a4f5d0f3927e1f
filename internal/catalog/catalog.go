package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	xerrors "github.com/0rca-network/0rca-chat-sub000/internal/errors"
)

// Agent 是智能体目录中的一条记录。目录由外部管理端维护，
// 本服务只读取快照，不做任何跨请求缓存。
type Agent struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Subdomain    string `json:"subdomain,omitempty"`
	ChainAgentID string `json:"chain_agent_id,omitempty"`
}

// Store 定义目录的读写接口。编排核心只依赖 ListAgents；
// 其余方法服务于外部管理流程。
type Store interface {
	ListAgents(ctx context.Context) ([]Agent, error)
	GetAgent(ctx context.Context, id string) (*Agent, error)
	UpsertAgent(ctx context.Context, agent *Agent) error
	Close() error
}

// ErrAgentNotFound 表示指定的智能体不存在。
var ErrAgentNotFound = xerrors.New(xerrors.CodeNotFound, "agent not found")

// Validate 检查记录的必填字段。
func (a *Agent) Validate() error {
	if a == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 不能为空")
	}
	if strings.TrimSpace(a.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent ID 不能为空")
	}
	if strings.TrimSpace(a.Name) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 名称不能为空")
	}
	return nil
}

// LoadSeedFile 从 JSON 文件加载智能体列表，供 memory 驱动在启动时预置目录。
func LoadSeedFile(path string) ([]Agent, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析目录种子路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取目录种子文件失败: %w", err)
	}
	defer file.Close()

	var agents []Agent
	if err := json.NewDecoder(file).Decode(&agents); err != nil {
		return nil, fmt.Errorf("解析目录种子文件失败: %w", err)
	}
	for i := range agents {
		if err := agents[i].Validate(); err != nil {
			return nil, err
		}
	}
	return agents, nil
}

// FilterByIDs 返回目录中 id 命中的子集，保持目录原有顺序。
func FilterByIDs(agents []Agent, ids []string) []Agent {
	if len(ids) == 0 {
		return nil
	}
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	selected := make([]Agent, 0, len(ids))
	for _, agent := range agents {
		if _, ok := wanted[agent.ID]; ok {
			selected = append(selected, agent)
		}
	}
	return selected
}
