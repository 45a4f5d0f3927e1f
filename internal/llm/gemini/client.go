package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/0rca-network/0rca-chat-sub000/internal/llm"
)

// Config 描述访问 Gemini API 所需的信息。
type Config struct {
	APIKey string
	Model  string
}

// Client 通过官方 genai SDK 调用 Gemini，作为 Mistral 之外的备选推理后端。
type Client struct {
	model  string
	client *genai.Client
}

// NewClient 创建 Gemini 客户端。
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 Gemini API Key")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("创建 Gemini 客户端失败: %w", err)
	}
	return &Client{model: model, client: client}, nil
}

// Complete 实现 llm.Client。工具调用映射为 Gemini 的 FunctionCall/FunctionResponse。
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	contents, err := buildContents(req.Messages)
	if err != nil {
		return nil, err
	}

	config := &genai.GenerateContentConfig{}
	if system := strings.TrimSpace(req.System); system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if len(req.Tools) > 0 {
		declarations := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			schema, err := convertSchema(tool.Parameters)
			if err != nil {
				return nil, fmt.Errorf("转换工具 %s 的参数 schema 失败: %w", tool.Name, err)
			}
			declarations = append(declarations, &genai.FunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: declarations}}
	}

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.model
	}

	result, err := c.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("请求 Gemini 失败: %w", err)
	}
	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		return nil, errors.New("Gemini 响应中没有有效的候选")
	}

	completion := &llm.Completion{}
	for i, part := range result.Candidates[0].Content.Parts {
		if part.Text != "" {
			completion.Text += part.Text
		}
		if part.FunctionCall != nil {
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				return nil, fmt.Errorf("序列化 Gemini 工具实参失败: %w", err)
			}
			completion.ToolCalls = append(completion.ToolCalls, llm.ToolCall{
				ID:        fmt.Sprintf("%s-%d", part.FunctionCall.Name, i),
				Name:      part.FunctionCall.Name,
				Arguments: string(args),
			})
		}
	}
	completion.Text = strings.TrimSpace(completion.Text)
	if completion.Text == "" && len(completion.ToolCalls) == 0 {
		return nil, errors.New("Gemini 响应内容为空")
	}
	return completion, nil
}

// buildContents 将统一消息模型映射为 Gemini 的 Content 序列。
func buildContents(messages []llm.Message) ([]*genai.Content, error) {
	var contents []*genai.Content
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleUser:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		case llm.RoleAssistant:
			parts := make([]*genai.Part, 0, 1+len(msg.ToolCalls))
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, call := range msg.ToolCalls {
				var args map[string]any
				if call.Arguments != "" {
					if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
						return nil, fmt.Errorf("解析工具实参失败: %w", err)
					}
				}
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					Name: call.Name,
					Args: args,
				}})
			}
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})
		case llm.RoleTool:
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{FunctionResponse: &genai.FunctionResponse{
					Name:     msg.Name,
					Response: map[string]any{"result": msg.Content},
				}}},
			})
		}
	}
	return contents, nil
}

// rawSchema 是 JSON Schema 的最小子集，足以覆盖工具参数声明。
type rawSchema struct {
	Type        string               `json:"type"`
	Description string               `json:"description,omitempty"`
	Properties  map[string]rawSchema `json:"properties,omitempty"`
	Required    []string             `json:"required,omitempty"`
	Items       *rawSchema           `json:"items,omitempty"`
	Enum        []string             `json:"enum,omitempty"`
}

// convertSchema 将 OpenAI 风格的 JSON Schema 转换为 genai.Schema。
func convertSchema(raw json.RawMessage) (*genai.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var parsed rawSchema
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}
	return toGenaiSchema(&parsed), nil
}

func toGenaiSchema(s *rawSchema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Type:        genai.Type(strings.ToUpper(s.Type)),
		Description: s.Description,
		Required:    s.Required,
		Enum:        s.Enum,
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name := range s.Properties {
			prop := s.Properties[name]
			out.Properties[name] = toGenaiSchema(&prop)
		}
	}
	if s.Items != nil {
		out.Items = toGenaiSchema(s.Items)
	}
	return out
}
