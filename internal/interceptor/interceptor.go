// Package interceptor 实现客户端的支付挑战流程：从编排响应中识别结构化
// 挑战，驱动用户钱包完成注资与签名，然后带凭证重新提交原始请求。
package interceptor

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"

	apperrors "github.com/0rca-network/0rca-chat-sub000/internal/errors"
	"github.com/0rca-network/0rca-chat-sub000/internal/orchestrator"
	"github.com/0rca-network/0rca-chat-sub000/internal/vault"
	"github.com/0rca-network/0rca-chat-sub000/pkg/logger"
)

// State 枚举挑战处理流程的状态。
type State string

const (
	StateIdle              State = "idle"
	StateChallengeDetected State = "challenge_detected"
	StateFunding           State = "funding"
	StateSigning           State = "signing"
	StateResubmitting      State = "resubmitting"
	StateDone              State = "done"
	StateAborted           State = "aborted"
)

// Wallet 抽象终端用户的钱包能力。
type Wallet interface {
	// Address 返回当前账户地址。
	Address() string
	// SwitchChain 请求切换到目标链。钱包拒绝或不支持时返回错误，
	// 该错误不会中断挑战流程。
	SwitchChain(ctx context.Context, chainID int64) error
	// FundTask 用给定的任务标识在金库中创建托管。标识来自挑战负载，
	// 不得重新生成。
	FundTask(ctx context.Context, taskID string, amount string) error
	// SignMessage 对消息做 personal-message 签名，返回 65 字节原始签名。
	SignMessage(ctx context.Context, message string) ([]byte, error)
}

var _ Wallet = (*vault.SignerWallet)(nil)

// Confirmer 是注资前的人工确认关卡。注资是不可逆的资金操作，
// 必须经用户显式同意。
type Confirmer interface {
	Confirm(ctx context.Context, challenge orchestrator.Challenge, amount string) (bool, error)
}

// SubmitFunc 重新提交编排请求。
type SubmitFunc func(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)

// Outcome 是一次挑战处理的终态。Text 永远非空，界面总有内容可渲染。
type Outcome struct {
	State State
	Text  string
}

// Config 描述拦截器的依赖。
type Config struct {
	Wallet    Wallet
	Confirmer Confirmer
	Submit    SubmitFunc
	// ChainID 是金库所在链，钱包不在该链时请求切换。
	ChainID int64
	// Amount 是单次挑战的注资金额。
	Amount string
}

// Interceptor 处理编排响应中的支付挑战。
type Interceptor struct {
	wallet    Wallet
	confirmer Confirmer
	submit    SubmitFunc
	chainID   int64
	amount    string
	log       *slog.Logger

	// funded 记录已注资的任务标识，保证单个挑战只注资一次。
	mu     sync.Mutex
	funded map[string]bool
}

// New 创建拦截器。
func New(cfg Config) (*Interceptor, error) {
	if cfg.Wallet == nil {
		return nil, apperrors.New(apperrors.CodeInitializationFailure, "拦截器缺少钱包")
	}
	if cfg.Confirmer == nil {
		return nil, apperrors.New(apperrors.CodeInitializationFailure, "拦截器缺少确认关卡")
	}
	if cfg.Submit == nil {
		return nil, apperrors.New(apperrors.CodeInitializationFailure, "拦截器缺少提交函数")
	}
	amount := cfg.Amount
	if amount == "" {
		amount = "0.1"
	}
	return &Interceptor{
		wallet:    cfg.Wallet,
		confirmer: cfg.Confirmer,
		submit:    cfg.Submit,
		chainID:   cfg.ChainID,
		amount:    amount,
		log:       logger.Named("interceptor"),
		funded:    make(map[string]bool),
	}, nil
}

// Handle 检查一次编排结果并在需要时执行完整的挑战流程。
// 所有退出路径都返回一个可渲染的 Outcome，错误从不穿透到界面层。
func (i *Interceptor) Handle(ctx context.Context, original orchestrator.Request, result *orchestrator.Result) Outcome {
	if result == nil {
		return Outcome{State: StateAborted, Text: "Error: empty orchestration result"}
	}
	if result.Kind != orchestrator.KindChallenge || result.Challenge == nil {
		return Outcome{State: StateIdle, Text: result.Text}
	}

	challenge := *result.Challenge
	log := i.log.With("task_id", challenge.TaskID, "agent", challenge.AgentName)
	log.Info("检测到支付挑战")

	outcome, err := i.run(ctx, original, challenge, log)
	if err != nil {
		log.Error("挑战流程中止", "error", err)
		return Outcome{State: StateAborted, Text: "Error: " + err.Error()}
	}
	return outcome
}

// HandleText 是 Handle 的线格式入口：先从文本中还原判别结果。
// 负载不合法时按纯文本处理，原始消息原样返回给用户。
func (i *Interceptor) HandleText(ctx context.Context, original orchestrator.Request, text string) Outcome {
	challenge, err := orchestrator.ExtractChallenge(text)
	if err != nil {
		i.log.Error("挑战负载解析失败，按纯文本处理", "error", err)
		return Outcome{State: StateIdle, Text: text}
	}
	if challenge == nil {
		return Outcome{State: StateIdle, Text: text}
	}
	return i.Handle(ctx, original, &orchestrator.Result{Kind: orchestrator.KindChallenge, Challenge: challenge})
}

func (i *Interceptor) run(ctx context.Context, original orchestrator.Request, challenge orchestrator.Challenge, log *slog.Logger) (Outcome, error) {
	// ChallengeDetected: 人工确认关卡。
	confirmed, err := i.confirmer.Confirm(ctx, challenge, i.amount)
	if err != nil {
		return Outcome{}, fmt.Errorf("确认对话失败: %w", err)
	}
	if !confirmed {
		log.Info("用户拒绝付费")
		return Outcome{State: StateAborted, Text: "Payment declined. The agent was not invoked."}, nil
	}

	// 链切换失败不中断流程，钱包可能已在目标链或不支持切换。
	if i.chainID != 0 {
		if err := i.wallet.SwitchChain(ctx, i.chainID); err != nil {
			log.Warn("链切换被拒绝，继续执行", "error", err)
		}
	}

	// Funding: 复用挑战携带的任务标识，且同一任务只注资一次。
	i.mu.Lock()
	alreadyFunded := i.funded[challenge.TaskID]
	i.funded[challenge.TaskID] = true
	i.mu.Unlock()

	if !alreadyFunded {
		if err := i.wallet.FundTask(ctx, challenge.TaskID, i.amount); err != nil {
			i.mu.Lock()
			delete(i.funded, challenge.TaskID)
			i.mu.Unlock()
			return Outcome{}, fmt.Errorf("托管注资失败: %w", err)
		}
		log.Info("托管任务注资完成", "amount", i.amount)
	} else {
		log.Info("任务已注资，跳过重复注资")
	}

	// Signing: 签名编码与服务端完全一致，先十六进制再整体 base64。
	sig, err := i.wallet.SignMessage(ctx, challenge.Challenge)
	if err != nil {
		return Outcome{}, fmt.Errorf("签署挑战失败: %w", err)
	}
	proof := base64.StdEncoding.EncodeToString([]byte(hexutil.Encode(sig)))

	// Resubmitting: 带上付费方地址、凭证与任务标识重放原始请求。
	resubmit := original
	resubmit.PayerAddress = i.wallet.Address()
	resubmit.PaymentProof = proof
	resubmit.PaymentTaskID = challenge.TaskID

	result, err := i.submit(ctx, resubmit)
	if err != nil {
		return Outcome{}, fmt.Errorf("重新提交请求失败: %w", err)
	}
	if result == nil {
		return Outcome{}, fmt.Errorf("重新提交返回空结果")
	}
	if result.Kind == orchestrator.KindChallenge {
		// 同一请求不应连续索要两次付费。
		return Outcome{}, fmt.Errorf("代理在付费后再次发起挑战")
	}

	log.Info("挑战流程完成")
	return Outcome{State: StateDone, Text: result.Text}, nil
}
