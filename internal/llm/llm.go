package llm

import (
	"context"
	"encoding/json"
)

// Role 枚举对话消息的角色。
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message 是一条对话消息。助手消息可能携带工具调用，
// 工具消息通过 ToolCallID 与之对应。
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// Tool 描述暴露给大模型的一个可调用工具，参数以 JSON Schema 表达。
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ToolCall 是大模型发起的一次工具调用请求。Arguments 为 JSON 编码的实参。
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Request 描述一次补全调用。Tools 为空时退化为普通文本补全。
type Request struct {
	Model    string
	System   string
	Messages []Message
	Tools    []Tool
}

// Completion 是一次补全的结果：要么是最终文本，要么是待执行的工具调用。
type Completion struct {
	Text      string
	ToolCalls []ToolCall
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}
