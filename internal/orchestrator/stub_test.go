package orchestrator

import (
	"context"
	"errors"
	"sync"

	"github.com/0rca-network/0rca-chat-sub000/internal/llm"
	"github.com/0rca-network/0rca-chat-sub000/internal/notify"
	"github.com/0rca-network/0rca-chat-sub000/internal/vault"
)

// scriptedLLM 按脚本依次返回预置的补全结果。
type scriptedLLM struct {
	mu       sync.Mutex
	script   []scriptStep
	requests []llm.Request
}

type scriptStep struct {
	completion *llm.Completion
	err        error
}

func (s *scriptedLLM) Complete(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.script) == 0 {
		return nil, errors.New("scripted llm exhausted")
	}
	step := s.script[0]
	s.script = s.script[1:]
	return step.completion, step.err
}

func textStep(text string) scriptStep {
	return scriptStep{completion: &llm.Completion{Text: text}}
}

func toolStep(calls ...llm.ToolCall) scriptStep {
	return scriptStep{completion: &llm.Completion{ToolCalls: calls}}
}

func errStep(err error) scriptStep {
	return scriptStep{err: err}
}

// stubVault 记录金库操作而不触达任何链。
type stubVault struct {
	mu         sync.Mutex
	created    []string
	settled    []string
	signAnswer string
	createErr  error
	payerAddr  string
}

func (v *stubVault) CreateTask(ctx context.Context, taskID vault.TaskID, amount string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.createErr != nil {
		return v.createErr
	}
	v.created = append(v.created, taskID.String())
	return nil
}

func (v *stubVault) SettleTask(ctx context.Context, taskID vault.TaskID, amount string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.settled = append(v.settled, taskID.String())
	return "0x" + taskID.String()[2:10], nil
}

func (v *stubVault) SignChallenge(challenge string) (string, error) {
	if v.signAnswer == "" {
		return "signed:" + challenge, nil
	}
	return v.signAnswer, nil
}

func (v *stubVault) PayerAddress() string {
	if v.payerAddr == "" {
		return "0x00000000000000000000000000000000000000aa"
	}
	return v.payerAddr
}

// stubNotifier 收集发布的事件。
type stubNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *stubNotifier) Publish(ctx context.Context, event notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *stubNotifier) Close() error { return nil }

func (n *stubNotifier) types() []notify.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	kinds := make([]notify.EventType, 0, len(n.events))
	for _, event := range n.events {
		kinds = append(kinds, event.Type)
	}
	return kinds
}
