// Package journal 记录托管任务的资金流水，用于防止同一挑战被重复注资，
// 并为审计提供每笔任务的 funded/settled 状态。
package journal

import (
	"context"
	"errors"
	"time"
)

// Status 表示一笔托管任务在流水中的状态。
type Status string

const (
	StatusFunded  Status = "funded"
	StatusSettled Status = "settled"
)

// Entry 描述一条托管资金流水。
type Entry struct {
	TaskID    string    `json:"task_id"`
	AgentName string    `json:"agent_name"`
	Amount    string    `json:"amount"`
	Payer     string    `json:"payer"`
	Status    Status    `json:"status"`
	TxHash    string    `json:"tx_hash,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrNotFound 表示流水中不存在该任务。
var ErrNotFound = errors.New("journal: task not found")

// Journal 是资金流水的存储抽象。
type Journal interface {
	// RecordFunded 登记一笔已上链的注资。重复登记同一任务返回已有记录。
	RecordFunded(ctx context.Context, entry Entry) error
	// RecordSettled 将任务标记为已结算并记录交易哈希。
	RecordSettled(ctx context.Context, taskID, txHash string) error
	// Lookup 返回任务的流水记录，不存在时返回 ErrNotFound。
	Lookup(ctx context.Context, taskID string) (Entry, error)
	// IsFunded 判断任务是否已注资（含已结算）。
	IsFunded(ctx context.Context, taskID string) (bool, error)
	Close() error
}
