package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/0rca-network/0rca-chat-sub000/internal/catalog"
	apperrors "github.com/0rca-network/0rca-chat-sub000/internal/errors"
	"github.com/0rca-network/0rca-chat-sub000/internal/llm"
	"github.com/0rca-network/0rca-chat-sub000/pkg/logger"
)

// fallbackSelectionSize 是选择结果无法解析时回退返回的目录前缀长度。
const fallbackSelectionSize = 3

// Selector 决定一次编排使用哪些代理。
type Selector struct {
	client llm.Client
	model  string
	log    *slog.Logger
}

// NewSelector 创建选择器。model 通常是一个更小更快的分类模型。
func NewSelector(client llm.Client, model string) (*Selector, error) {
	if client == nil {
		return nil, apperrors.New(apperrors.CodeInitializationFailure, "选择器缺少大模型客户端")
	}
	return &Selector{client: client, model: model, log: logger.Named("selector")}, nil
}

// Select 返回本次编排应激活的代理。手动模式按 id 过滤目录，空选择是
// 合法输入；自动模式发起一次分类补全。自动选择的网络错误向上返回，
// 调用方按零代理继续。
func (s *Selector) Select(ctx context.Context, prompt string, agents []catalog.Agent, mode Mode, selectedIDs []string) ([]catalog.Agent, error) {
	if mode == ModeManual {
		return catalog.FilterByIDs(agents, selectedIDs), nil
	}
	if len(agents) == 0 {
		return nil, nil
	}
	return s.selectAutomatically(ctx, prompt, agents)
}

func (s *Selector) selectAutomatically(ctx context.Context, prompt string, agents []catalog.Agent) ([]catalog.Agent, error) {
	completion, err := s.client.Complete(ctx, llm.Request{
		Model: s.model,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: buildSelectionPrompt(prompt, agents)},
		},
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeSelectionFailure, err, "代理选择补全失败")
	}

	ids, err := parseSelection(completion.Text)
	if err != nil {
		// 解析失败按既定策略回退到目录前三个代理，流程继续。
		s.log.Warn("选择结果解析失败，回退到目录前缀", "error", err, "raw", completion.Text)
		if len(agents) <= fallbackSelectionSize {
			return agents, nil
		}
		return agents[:fallbackSelectionSize], nil
	}

	selected := catalog.FilterByIDs(agents, ids)
	s.log.Info("自动选择完成", "requested", len(ids), "matched", len(selected))
	return selected, nil
}

func buildSelectionPrompt(prompt string, agents []catalog.Agent) string {
	var descriptions strings.Builder
	for _, agent := range agents {
		fmt.Fprintf(&descriptions, "- %s (ID: %s): %s\n", agent.Name, agent.ID, agent.Description)
	}

	return fmt.Sprintf(`You are an expert orchestrator. Given the user task and a list of available agents, select the most relevant agents to handle the task.
Return ONLY a JSON array of agent IDs.

User Task: %q

Available Agents:
%s`, prompt, descriptions.String())
}
