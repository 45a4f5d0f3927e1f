package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	apperrors "github.com/0rca-network/0rca-chat-sub000/internal/errors"
	"github.com/0rca-network/0rca-chat-sub000/internal/llm"
	"github.com/0rca-network/0rca-chat-sub000/pkg/logger"
)

// maxSwarmSteps 限制一次补全循环最多执行的推理/工具步数。
const maxSwarmSteps = 5

const swarmSystemPrompt = `You are a strict Swarm Manager. Your job is to delegate user tasks to the available agents and tools.
- ALWAYS use the tools provided to fulfill the request.
- If an agent is available, use call_[agent_name] to delegate.
- You also have access to general tools like getWeather and searchWeb.
- Combine outputs into a final helpful response for the user.`

// Swarm 驱动一次带工具调用的多步补全。
type Swarm struct {
	client llm.Client
	model  string
	log    *slog.Logger
}

// NewSwarm 创建蜂群执行器。
func NewSwarm(client llm.Client, model string) (*Swarm, error) {
	if client == nil {
		return nil, apperrors.New(apperrors.CodeInitializationFailure, "蜂群执行器缺少大模型客户端")
	}
	return &Swarm{client: client, model: model, log: logger.Named("swarm")}, nil
}

// Run 执行补全循环直到模型给出最终文本或步数耗尽。返回值保证非空；
// 代理发出的支付挑战以 *ChallengeError 形式向上传递。
func (s *Swarm) Run(ctx context.Context, prompt string, tools *Registry) (string, error) {
	messages := []llm.Message{{Role: llm.RoleUser, Content: prompt}}

	// 同一轮对话里重复的 (工具, 实参) 调用复用首次结果。代理调用会产生
	// 托管与 HTTP 等真实外部副作用，不能因为模型内部重试而执行两次。
	invoked := make(map[string]string)

	for step := 0; step < maxSwarmSteps; step++ {
		completion, err := s.client.Complete(ctx, llm.Request{
			Model:    s.model,
			System:   swarmSystemPrompt,
			Messages: messages,
			Tools:    tools.Definitions(),
		})
		if err != nil {
			return "", apperrors.Wrap(apperrors.CodeDispatchFailure, err, "蜂群补全调用失败")
		}

		if len(completion.ToolCalls) == 0 {
			if text := strings.TrimSpace(completion.Text); text != "" {
				return text, nil
			}
			return "No response generated.", nil
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   completion.Text,
			ToolCalls: completion.ToolCalls,
		})

		for _, call := range completion.ToolCalls {
			key := call.Name + "\x00" + call.Arguments
			output, seen := invoked[key]
			if seen {
				s.log.Warn("跳过重复的工具调用", "tool", call.Name)
			} else {
				var err error
				output, err = tools.Invoke(ctx, call.Name, json.RawMessage(call.Arguments))
				if err != nil {
					var challenge *ChallengeError
					if errors.As(err, &challenge) {
						return "", challenge
					}
					// 单个工具失败不终止整轮编排，把失败信息交还给模型总结。
					s.log.Warn("工具调用失败", "tool", call.Name, "error", err)
					output = "Tool call failed: " + err.Error()
				}
				invoked[key] = output
			}
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Name:       call.Name,
				Content:    output,
				ToolCallID: call.ID,
			})
		}
	}

	// 步数耗尽，强制一次无工具补全收尾，保证用户总能拿到总结。
	completion, err := s.client.Complete(ctx, llm.Request{
		Model:    s.model,
		System:   swarmSystemPrompt,
		Messages: messages,
	})
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeDispatchFailure, err, "蜂群收尾补全失败")
	}
	if text := strings.TrimSpace(completion.Text); text != "" {
		return text, nil
	}
	return "No response generated.", nil
}
