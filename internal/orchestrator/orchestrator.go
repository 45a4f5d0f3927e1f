// Package orchestrator 实现代理编排主流程：挑选合适的代理、以工具调用的方式
// 驱动大模型补全，并在远端代理要求付费时完成链上托管与 402 握手。
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/0rca-network/0rca-chat-sub000/internal/catalog"
	apperrors "github.com/0rca-network/0rca-chat-sub000/internal/errors"
	"github.com/0rca-network/0rca-chat-sub000/pkg/logger"
)

// Mode 枚举代理选择模式。
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeManual Mode = "manual"
)

// Request 描述一次编排请求。Payer 字段仅在终端用户自付费流程中出现：
// PayerAddress 单独出现表示由用户钱包付费，Proof/TaskID 在挑战被签署后的
// 重新提交中携带。
type Request struct {
	Prompt           string   `json:"prompt"`
	Mode             Mode     `json:"mode"`
	SelectedAgentIDs []string `json:"selectedAgentIds,omitempty"`
	PayerAddress     string   `json:"payerAddress,omitempty"`
	PaymentProof     string   `json:"paymentSignatureProof,omitempty"`
	PaymentTaskID    string   `json:"paymentTaskId,omitempty"`
}

// ResultKind 区分编排结果的两种形态。
type ResultKind string

const (
	KindText      ResultKind = "text"
	KindChallenge ResultKind = "challenge"
)

// Challenge 是需要终端用户钱包付费时返回的结构化信号。
type Challenge struct {
	Challenge string `json:"challenge"`
	TaskID    string `json:"taskId"`
	AgentName string `json:"agentName"`
}

// Result 是编排调用的判别结果：普通文本，或一个待处理的支付挑战。
type Result struct {
	Kind      ResultKind
	Text      string
	Challenge *Challenge
}

// Orchestrator 把目录、选择器、蜂群执行器与调度器组装成完整流程。
type Orchestrator struct {
	store    catalog.Store
	selector *Selector
	swarm    *Swarm
	dispatch *Dispatcher
	log      *slog.Logger
}

// New 创建编排器。
func New(store catalog.Store, selector *Selector, swarm *Swarm, dispatch *Dispatcher) (*Orchestrator, error) {
	if store == nil {
		return nil, apperrors.New(apperrors.CodeInitializationFailure, "缺少代理目录存储")
	}
	if selector == nil || swarm == nil || dispatch == nil {
		return nil, apperrors.New(apperrors.CodeInitializationFailure, "编排器组件不完整")
	}
	return &Orchestrator{
		store:    store,
		selector: selector,
		swarm:    swarm,
		dispatch: dispatch,
		log:      logger.Named("orchestrator"),
	}, nil
}

// Execute 处理一次编排请求。无论内部发生什么错误，调用方都会得到一个
// 可呈现的 Result，错误只在请求本身不合法时返回。
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Result, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "prompt 不能为空")
	}
	if req.Mode != ModeAuto && req.Mode != ModeManual {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("不支持的编排模式: %s", req.Mode))
	}

	requestID := uuid.NewString()
	log := o.log.With("request_id", requestID)
	log.Info("编排请求开始", "mode", req.Mode, "payer", req.PayerAddress)

	// 每次编排都重新读取目录，保证代理状态新鲜。
	agents, err := o.store.ListAgents(ctx)
	if err != nil {
		log.Error("读取代理目录失败", "error", err)
		return &Result{Kind: KindText, Text: "Error: failed to load agent catalog"}, nil
	}

	selected, err := o.selector.Select(ctx, prompt, agents, req.Mode, req.SelectedAgentIDs)
	if err != nil {
		// 自动选择失败按“无可用代理”处理，蜂群仍然运行。
		log.Warn("自动选择代理失败", "error", err)
		selected = nil
	}
	log.Info("代理选择完成", "selected", len(selected), "catalog", len(agents))

	payment := Payment{
		PayerAddress: strings.TrimSpace(req.PayerAddress),
		Proof:        strings.TrimSpace(req.PaymentProof),
		TaskID:       strings.TrimSpace(req.PaymentTaskID),
	}
	registry := o.dispatch.BuildRegistry(selected, payment)

	text, err := o.swarm.Run(ctx, prompt, registry)
	if err != nil {
		var challenge *ChallengeError
		if errors.As(err, &challenge) {
			log.Info("编排返回支付挑战", "task_id", challenge.TaskID, "agent", challenge.AgentName)
			return &Result{Kind: KindChallenge, Challenge: &Challenge{
				Challenge: challenge.Challenge,
				TaskID:    challenge.TaskID,
				AgentName: challenge.AgentName,
			}}, nil
		}
		log.Error("蜂群执行失败", "error", err)
		return &Result{Kind: KindText, Text: "Error: " + err.Error()}, nil
	}

	log.Info("编排请求完成")
	return &Result{Kind: KindText, Text: text}, nil
}

// Payment 汇总一次请求携带的付费上下文。
type Payment struct {
	PayerAddress string
	Proof        string
	TaskID       string
}

// UserFunded 表示该请求由终端用户钱包付费。
func (p Payment) UserFunded() bool {
	return p.PayerAddress != ""
}

// HasProof 表示请求携带了已签署的支付凭证。
func (p Payment) HasProof() bool {
	return p.Proof != "" && p.TaskID != ""
}
