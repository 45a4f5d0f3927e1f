package orchestrator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// ChallengeMarker 是嵌入在文本中的支付挑战哨兵，历史客户端据此探测挑战。
const ChallengeMarker = "CHALLENGE_REQUIRED"

var codeFencePattern = regexp.MustCompile("```(?:json)?\n?|\n?```")

// stripCodeFences 去掉大模型输出中常见的 Markdown 代码围栏。
func stripCodeFences(raw string) string {
	return strings.TrimSpace(codeFencePattern.ReplaceAllString(raw, ""))
}

// parseSelection 解析代理选择补全的输出。接受裸 JSON 数组，
// 或 {"agentIds": [...]} 形式的对象。
func parseSelection(raw string) ([]string, error) {
	cleaned := stripCodeFences(raw)
	if cleaned == "" {
		return nil, fmt.Errorf("选择结果为空")
	}

	var ids []string
	if err := json.Unmarshal([]byte(cleaned), &ids); err == nil {
		return ids, nil
	}

	var wrapped struct {
		AgentIDs []string `json:"agentIds"`
	}
	if err := json.Unmarshal([]byte(cleaned), &wrapped); err != nil {
		return nil, fmt.Errorf("解析选择结果失败: %w", err)
	}
	if wrapped.AgentIDs == nil {
		return nil, fmt.Errorf("选择结果缺少 agentIds 字段")
	}
	return wrapped.AgentIDs, nil
}

// challengeWire 是挑战信号的线协议形态。
type challengeWire struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	TaskID    string `json:"taskId"`
	AgentName string `json:"agentName"`
}

// EncodeLegacy 把结果编码为历史线格式：文本结果原样返回，
// 挑战结果被包装成携带哨兵 JSON 的文本。
func (r *Result) EncodeLegacy() (string, error) {
	if r.Kind == KindText {
		return r.Text, nil
	}
	if r.Challenge == nil {
		return "", fmt.Errorf("挑战结果缺少负载")
	}
	payload, err := json.Marshal(challengeWire{
		Type:      ChallengeMarker,
		Challenge: r.Challenge.Challenge,
		TaskID:    r.Challenge.TaskID,
		AgentName: r.Challenge.AgentName,
	})
	if err != nil {
		return "", fmt.Errorf("编码挑战负载失败: %w", err)
	}
	return fmt.Sprintf("This agent requires payment before it can proceed. %s", payload), nil
}

// DecodeResult 从线格式文本还原判别结果。未携带哨兵或负载不合法的文本
// 一律按普通文本处理，绝不让解析歧义影响控制流。
func DecodeResult(text string) *Result {
	challenge, err := ExtractChallenge(text)
	if err != nil || challenge == nil {
		return &Result{Kind: KindText, Text: text}
	}
	return &Result{Kind: KindChallenge, Challenge: challenge}
}

// ExtractChallenge 在文本中探测支付挑战。返回值三态：
// (nil, nil) 表示没有哨兵；(challenge, nil) 表示成功提取;
// (nil, err) 表示携带哨兵但负载不合法，调用方应记录并按纯文本处理。
func ExtractChallenge(text string) (*Challenge, error) {
	if !strings.Contains(text, ChallengeMarker) {
		return nil, nil
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("哨兵文本中未找到 JSON 负载")
	}

	var wire challengeWire
	if err := json.Unmarshal([]byte(text[start:end+1]), &wire); err != nil {
		return nil, fmt.Errorf("解析挑战负载失败: %w", err)
	}
	if wire.Type != ChallengeMarker {
		return nil, fmt.Errorf("挑战负载 type 字段不合法: %q", wire.Type)
	}
	if wire.Challenge == "" || wire.TaskID == "" {
		return nil, fmt.Errorf("挑战负载缺少必填字段")
	}
	return &Challenge{Challenge: wire.Challenge, TaskID: wire.TaskID, AgentName: wire.AgentName}, nil
}
