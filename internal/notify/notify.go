// Package notify 将编排过程中的支付事件投递到消息队列，供下游通知服务消费。
package notify

import (
	"context"
	"time"
)

// EventType 标识事件的种类。
type EventType string

const (
	EventTaskFunded   EventType = "task.funded"
	EventTaskSettled  EventType = "task.settled"
	EventAgentInvoked EventType = "agent.invoked"
	// EventSettleFailed 表示结算交易失败，资金仍锁在金库中，需要人工介入。
	EventSettleFailed EventType = "task.settle_failed"
)

// Event 描述一次可通知的编排事件。
type Event struct {
	Type       EventType `json:"type"`
	TaskID     string    `json:"task_id,omitempty"`
	AgentName  string    `json:"agent_name,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	TxHash     string    `json:"tx_hash,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher 是事件投递的抽象。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Nop 丢弃所有事件，用于未配置消息队列的场景。
type Nop struct{}

// Publish 实现 Publisher。
func (Nop) Publish(context.Context, Event) error { return nil }

// Close 实现 Publisher。
func (Nop) Close() error { return nil }

var _ Publisher = Nop{}
