package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/0rca-network/0rca-chat-sub000/internal/catalog"
	apperrors "github.com/0rca-network/0rca-chat-sub000/internal/errors"
	"github.com/0rca-network/0rca-chat-sub000/internal/journal"
	"github.com/0rca-network/0rca-chat-sub000/internal/llm"
	"github.com/0rca-network/0rca-chat-sub000/internal/notify"
	"github.com/0rca-network/0rca-chat-sub000/internal/observability/metrics"
	"github.com/0rca-network/0rca-chat-sub000/internal/vault"
	"github.com/0rca-network/0rca-chat-sub000/pkg/logger"
)

// 远端代理线协议使用的头与字段。
const (
	headerTaskID      = "X-TASK-ID"
	headerUserAddress = "X-USER-ADDRESS"
	headerPayment     = "X-PAYMENT"
	headerChallenge   = "PAYMENT-REQUIRED"
)

// legacyEndpoints 把迁移前的旧代理名映射到子域名。新代理一律携带
// subdomain 字段，这张表只为存量记录兜底。
var legacyEndpoints = map[string]string{
	"my sovereign agent": "my-sovereign-agent",
	"security auditor":   "agent-security",
}

var toolNamePattern = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// ChallengeError 表示远端代理要求由终端用户付费。它沿调用链一路上抛,
// 最终变成编排结果里的结构化挑战。
type ChallengeError struct {
	Challenge string
	TaskID    string
	AgentName string
}

func (e *ChallengeError) Error() string {
	return fmt.Sprintf("agent %s requires end-user payment for task %s", e.AgentName, e.TaskID)
}

// VaultService 是调度器需要的金库操作子集。
type VaultService interface {
	CreateTask(ctx context.Context, taskID vault.TaskID, amount string) error
	SettleTask(ctx context.Context, taskID vault.TaskID, amount string) (txHash string, err error)
	SignChallenge(challenge string) (string, error)
	PayerAddress() string
}

var _ VaultService = (*vault.Client)(nil)

// DispatcherConfig 描述调度器的依赖与参数。
type DispatcherConfig struct {
	Vault VaultService
	LLM   llm.Client
	// PersonaModel 用于无端点代理的人格直答补全。
	PersonaModel string
	Journal      journal.Journal
	Notifier     notify.Publisher
	// BaseDomain 是由子域名推导代理端点的根域名。
	BaseDomain string
	// UnitPrice 是每次代理调用托管的固定金额。
	UnitPrice string
	Timeout   time.Duration
}

// Dispatcher 负责调用远端代理，包括注资、402 挑战握手与结算。
type Dispatcher struct {
	vault      VaultService
	llm        llm.Client
	persona    string
	journal    journal.Journal
	notifier   notify.Publisher
	baseDomain string
	unitPrice  string
	httpClient *http.Client
	log        *slog.Logger
}

// NewDispatcher 创建调度器。
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Vault == nil {
		return nil, apperrors.New(apperrors.CodeInitializationFailure, "调度器缺少金库客户端")
	}
	if cfg.LLM == nil {
		return nil, apperrors.New(apperrors.CodeInitializationFailure, "调度器缺少大模型客户端")
	}
	j := cfg.Journal
	if j == nil {
		j = journal.NewMemory()
	}
	n := cfg.Notifier
	if n == nil {
		n = notify.Nop{}
	}
	baseDomain := strings.TrimSpace(cfg.BaseDomain)
	if baseDomain == "" {
		baseDomain = "0rca.live"
	}
	unitPrice := strings.TrimSpace(cfg.UnitPrice)
	if unitPrice == "" {
		unitPrice = "0.1"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Dispatcher{
		vault:      cfg.Vault,
		llm:        cfg.LLM,
		persona:    cfg.PersonaModel,
		journal:    j,
		notifier:   n,
		baseDomain: baseDomain,
		unitPrice:  unitPrice,
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.Named("dispatch"),
	}, nil
}

// BuildRegistry 构建一次编排的工具集：通用工具加上每个代理一个委派工具。
// 代理与工具的对应关系通过闭包显式绑定，不依赖名字反解。
func (d *Dispatcher) BuildRegistry(agents []catalog.Agent, payment Payment) *Registry {
	registry := NewRegistry()
	registerGenericTools(registry)

	for _, agent := range agents {
		agent := agent
		description := agent.Description
		if description == "" {
			description = fmt.Sprintf("Call the %s agent", agent.Name)
		}
		registry.Register(llm.Tool{
			Name:        agentToolName(agent.Name),
			Description: description,
			Parameters: mustSchema(&agentTaskArgs{}, map[string]string{
				"task": fmt.Sprintf("Task for the %s agent", agent.Name),
			}),
		}, func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args agentTaskArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("解析代理任务实参失败: %w", err)
			}
			return d.Call(ctx, agent, args.Task, payment)
		})
	}
	return registry
}

type agentTaskArgs struct {
	Task string `json:"task"`
}

// agentToolName 由代理显示名派生确定性的工具名。
func agentToolName(name string) string {
	return "call_" + strings.ToLower(toolNamePattern.ReplaceAllString(name, "_"))
}

// Call 执行一次代理调用。无端点的代理走人格直答；有端点的代理先注资再
// 调用，收到 402 时按付费方完成挑战握手或向上抛出挑战。
func (d *Dispatcher) Call(ctx context.Context, agent catalog.Agent, task string, payment Payment) (string, error) {
	endpoint := d.resolveEndpoint(agent)

	var result string
	var err error
	switch {
	case endpoint == "":
		result, err = d.runPersona(ctx, agent, task)
	case payment.HasProof():
		result, err = d.callWithProof(ctx, agent, endpoint, task, payment)
	case payment.UserFunded():
		result, err = d.callUserFunded(ctx, agent, endpoint, task, payment)
	default:
		result, err = d.callServiceFunded(ctx, agent, endpoint, task)
	}
	if err != nil {
		return "", err
	}

	d.publish(ctx, notify.Event{Type: notify.EventAgentInvoked, AgentName: agent.Name})
	return result, nil
}

// resolveEndpoint 由 subdomain（或旧名字映射）推导代理端点。
// 字段携带完整 URL 时原样使用，本地部署的代理依赖这一点。
func (d *Dispatcher) resolveEndpoint(agent catalog.Agent) string {
	subdomain := strings.TrimSpace(agent.Subdomain)
	if subdomain == "" {
		subdomain = legacyEndpoints[strings.ToLower(strings.TrimSpace(agent.Name))]
	}
	if subdomain == "" {
		return ""
	}
	if strings.Contains(subdomain, "://") {
		return subdomain
	}
	return fmt.Sprintf("https://%s.%s/agent", subdomain, d.baseDomain)
}

// runPersona 在本地以代理人格执行一次普通补全，无网络调用也无付费。
func (d *Dispatcher) runPersona(ctx context.Context, agent catalog.Agent, task string) (string, error) {
	system := strings.TrimSpace(agent.SystemPrompt)
	if system == "" {
		system = fmt.Sprintf("You are the %s agent.", agent.Name)
	}
	completion, err := d.llm.Complete(ctx, llm.Request{
		Model:    d.persona,
		System:   system,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: task}},
	})
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeDispatchFailure, err, fmt.Sprintf("代理 %s 人格补全失败", agent.Name))
	}
	return completion.Text, nil
}

// callServiceFunded 是默认路径：服务钱包注资、遇 402 用服务私钥签署
// 挑战重试，成功后结算托管。
func (d *Dispatcher) callServiceFunded(ctx context.Context, agent catalog.Agent, endpoint, task string) (string, error) {
	taskID, err := vault.NewTaskID()
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeFundingFailure, err, "生成托管任务标识失败")
	}

	if err := d.vault.CreateTask(ctx, taskID, d.unitPrice); err != nil {
		metrics.ObserveEscrowAction("fund", false)
		return "", apperrors.Wrap(apperrors.CodeFundingFailure, err, fmt.Sprintf("为代理 %s 注资失败", agent.Name))
	}
	metrics.ObserveEscrowAction("fund", true)
	d.recordFunded(ctx, taskID.String(), agent.Name, d.vault.PayerAddress())
	logger.AuditFunded(taskID.String(), agent.Name, d.vault.PayerAddress(), d.unitPrice)

	status, body, challenge, err := d.post(ctx, endpoint, task, taskID.String(), d.vault.PayerAddress(), "")
	if err != nil {
		return "", err
	}

	if status == http.StatusPaymentRequired {
		if challenge == "" {
			return "", apperrors.New(apperrors.CodeProtocolViolation,
				fmt.Sprintf("代理 %s 返回 402 但缺少 %s 头", agent.Name, headerChallenge))
		}
		proof, err := d.vault.SignChallenge(challenge)
		if err != nil {
			metrics.ObserveEscrowAction("sign", false)
			return "", err
		}
		metrics.ObserveEscrowAction("sign", true)
		status, body, _, err = d.post(ctx, endpoint, task, taskID.String(), d.vault.PayerAddress(), proof)
		if err != nil {
			return "", err
		}
	}

	result, err := d.finish(status, body, agent.Name)
	if err != nil {
		return "", err
	}
	d.settle(ctx, taskID, agent.Name)
	return result, nil
}

// callUserFunded 处理由终端用户付费、但尚未携带凭证的请求：不注资,
// 直接调用，把 402 转换成结构化挑战交给客户端处理。
func (d *Dispatcher) callUserFunded(ctx context.Context, agent catalog.Agent, endpoint, task string, payment Payment) (string, error) {
	taskID, err := vault.NewTaskID()
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeFundingFailure, err, "生成托管任务标识失败")
	}

	status, body, challenge, err := d.post(ctx, endpoint, task, taskID.String(), payment.PayerAddress, "")
	if err != nil {
		return "", err
	}

	if status == http.StatusPaymentRequired {
		if challenge == "" {
			return "", apperrors.New(apperrors.CodeProtocolViolation,
				fmt.Sprintf("代理 %s 返回 402 但缺少 %s 头", agent.Name, headerChallenge))
		}
		return "", &ChallengeError{Challenge: challenge, TaskID: taskID.String(), AgentName: agent.Name}
	}
	return d.finish(status, body, agent.Name)
}

// callWithProof 处理挑战被用户签署后的重新提交：复用原任务标识，
// 首次调用即携带支付凭证，成功后由服务私钥结算。
func (d *Dispatcher) callWithProof(ctx context.Context, agent catalog.Agent, endpoint, task string, payment Payment) (string, error) {
	taskID, err := vault.ParseTaskID(payment.TaskID)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeInvalidArgument, err, "支付凭证携带的任务标识不合法")
	}

	// 任务由用户钱包在客户端注资，流水此前没有记录，补登一笔。
	funded, jerr := d.journal.IsFunded(ctx, taskID.String())
	if jerr != nil {
		d.log.Warn("查询注资流水失败", "task_id", taskID.String(), "error", jerr)
	}
	if !funded {
		d.recordFunded(ctx, taskID.String(), agent.Name, payment.PayerAddress)
	}

	status, body, _, err := d.post(ctx, endpoint, task, taskID.String(), payment.PayerAddress, payment.Proof)
	if err != nil {
		return "", err
	}
	result, err := d.finish(status, body, agent.Name)
	if err != nil {
		return "", err
	}
	d.settle(ctx, taskID, agent.Name)
	return result, nil
}

// post 执行一次代理 HTTP 调用，返回状态码、响应体与挑战头。
func (d *Dispatcher) post(ctx context.Context, endpoint, task, taskID, payer, proof string) (int, []byte, string, error) {
	payload, err := json.Marshal(map[string]string{"prompt": task, "taskId": taskID})
	if err != nil {
		return 0, nil, "", apperrors.Wrap(apperrors.CodeDispatchFailure, err, "编码代理请求失败")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, "", apperrors.Wrap(apperrors.CodeDispatchFailure, err, "构造代理请求失败")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerTaskID, taskID)
	if payer != "" {
		req.Header.Set(headerUserAddress, payer)
	}
	if proof != "" {
		req.Header.Set(headerPayment, proof)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, nil, "", apperrors.Wrap(apperrors.CodeDispatchFailure, err, "调用代理端点失败")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, "", apperrors.Wrap(apperrors.CodeDispatchFailure, err, "读取代理响应失败")
	}
	return resp.StatusCode, body, resp.Header.Get(headerChallenge), nil
}

// finish 把终态 HTTP 响应转换为结果文本。200 响应取 result 字段，
// 缺失时退回整个响应体；其他状态转换为错误。
func (d *Dispatcher) finish(status int, body []byte, agentName string) (string, error) {
	if status != http.StatusOK {
		return "", apperrors.New(apperrors.CodeDispatchFailure,
			fmt.Sprintf("代理 %s 返回状态 %d: %s", agentName, status, strings.TrimSpace(string(body))))
	}

	var parsed struct {
		Result *string `json:"result"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Result != nil {
		return *parsed.Result, nil
	}
	return string(body), nil
}

// settle 结算托管并登记流水。结算失败只记录日志，结果已经产生，
// 不再影响用户看到的文本。
func (d *Dispatcher) settle(ctx context.Context, taskID vault.TaskID, agentName string) {
	txHash, err := d.vault.SettleTask(ctx, taskID, d.unitPrice)
	if err != nil {
		metrics.ObserveEscrowAction("settle", false)
		// 结算失败不回滚已完成的调用，但资金仍锁在金库里，必须告警留痕。
		d.log.Error("结算托管任务失败", "task_id", taskID.String(), "agent", agentName, "error", err)
		logger.AuditSettleFailed(taskID.String(), agentName, d.unitPrice, err)
		d.publish(ctx, notify.Event{
			Type: notify.EventSettleFailed, TaskID: taskID.String(), AgentName: agentName,
			Amount: d.unitPrice, Reason: err.Error(),
		})
		return
	}
	metrics.ObserveEscrowAction("settle", true)
	logger.AuditSettled(taskID.String(), agentName, d.unitPrice, txHash)
	if err := d.journal.RecordSettled(ctx, taskID.String(), txHash); err != nil {
		d.log.Warn("登记结算流水失败", "task_id", taskID.String(), "error", err)
	}
	d.publish(ctx, notify.Event{
		Type: notify.EventTaskSettled, TaskID: taskID.String(), AgentName: agentName,
		Amount: d.unitPrice, TxHash: txHash,
	})
}

func (d *Dispatcher) recordFunded(ctx context.Context, taskID, agentName, payer string) {
	err := d.journal.RecordFunded(ctx, journal.Entry{
		TaskID:    taskID,
		AgentName: agentName,
		Amount:    d.unitPrice,
		Payer:     payer,
	})
	if err != nil {
		d.log.Warn("登记注资流水失败", "task_id", taskID, "error", err)
	}
	d.publish(ctx, notify.Event{
		Type: notify.EventTaskFunded, TaskID: taskID, AgentName: agentName, Amount: d.unitPrice,
	})
}

func (d *Dispatcher) publish(ctx context.Context, event notify.Event) {
	if err := d.notifier.Publish(ctx, event); err != nil {
		d.log.Warn("发布通知事件失败", "type", string(event.Type), "error", err)
	}
}
