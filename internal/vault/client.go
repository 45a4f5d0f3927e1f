package vault

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	apperrors "github.com/0rca-network/0rca-chat-sub000/internal/errors"
)

const vaultABIJSON = `[
  {"name":"createTask","type":"function","stateMutability":"nonpayable","inputs":[{"name":"taskId","type":"bytes32"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"name":"spend","type":"function","stateMutability":"nonpayable","inputs":[{"name":"taskId","type":"bytes32"},{"name":"amount","type":"uint256"}],"outputs":[]}
]`

const erc20ABIJSON = `[
  {"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// approveMultiplier widens the allowance so repeated tasks reuse one approval.
const approveMultiplier = 100

// Backend is the subset of the Ethereum JSON-RPC surface the client relies
// on. *ethclient.Client satisfies it; tests provide a stub.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Config describes how to construct a vault client.
type Config struct {
	RPCURL         string
	VaultAddress   string
	TokenAddress   string
	PrivateKeyHex  string
	ConfirmTimeout time.Duration
	PollInterval   time.Duration

	// Backend overrides the dialed RPC connection when set.
	Backend Backend
}

// Client funds, settles and signs for escrow tasks using the orchestrator key.
type Client struct {
	backend   Backend
	rpcClient *gethrpc.Client

	vaultAddr common.Address
	tokenAddr common.Address
	key       *ecdsa.PrivateKey
	address   common.Address
	chainID   *big.Int

	vaultABI abi.ABI
	tokenABI abi.ABI

	confirmTimeout time.Duration
	pollInterval   time.Duration

	// txMu serializes transaction submission per sender so nonces stay
	// strictly increasing under concurrent task funding.
	mu   sync.Mutex
	txMu map[common.Address]*sync.Mutex
}

// NewClient parses the key material and contract metadata and, unless a
// backend is injected, dials the RPC endpoint.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.VaultAddress) == "" {
		return nil, errors.New("未配置金库合约地址")
	}
	if strings.TrimSpace(cfg.TokenAddress) == "" {
		return nil, errors.New("未配置结算代币地址")
	}

	keyHex := strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKeyHex), "0x")
	if keyHex == "" {
		return nil, errors.New("未配置编排器钱包私钥")
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("解析编排器私钥失败: %w", err)
	}

	vaultABI, err := abi.JSON(strings.NewReader(vaultABIJSON))
	if err != nil {
		return nil, fmt.Errorf("解析金库合约 ABI 失败: %w", err)
	}
	tokenABI, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("解析代币合约 ABI 失败: %w", err)
	}

	c := &Client{
		backend:        cfg.Backend,
		vaultAddr:      common.HexToAddress(cfg.VaultAddress),
		tokenAddr:      common.HexToAddress(cfg.TokenAddress),
		key:            key,
		address:        crypto.PubkeyToAddress(key.PublicKey),
		vaultABI:       vaultABI,
		tokenABI:       tokenABI,
		confirmTimeout: cfg.ConfirmTimeout,
		pollInterval:   cfg.PollInterval,
		txMu:           make(map[common.Address]*sync.Mutex),
	}
	if c.confirmTimeout <= 0 {
		c.confirmTimeout = 90 * time.Second
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 2 * time.Second
	}

	if c.backend == nil {
		rpcURL := strings.TrimSpace(cfg.RPCURL)
		if rpcURL == "" {
			return nil, errors.New("未配置以太坊 RPC 地址")
		}
		rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
		if err != nil {
			return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
		}
		c.rpcClient = rpcClient
		c.backend = ethclient.NewClient(rpcClient)
	}

	chainID, err := c.backend.ChainID(ctx)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("查询链 ID 失败: %w", err)
	}
	c.chainID = chainID

	return c, nil
}

// Close releases the underlying RPC connection when the client owns one.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// Address returns the orchestrator wallet address.
func (c *Client) Address() common.Address {
	return c.address
}

// PayerAddress returns the orchestrator wallet address as a hex string.
func (c *Client) PayerAddress() string {
	return c.address.Hex()
}

// Balance reports the token balance of an account as a decimal string.
func (c *Client) Balance(ctx context.Context, account common.Address) (string, error) {
	out, err := c.call(ctx, c.tokenAddr, c.tokenABI, "balanceOf", account)
	if err != nil {
		return "", err
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return "", errors.New("balanceOf 返回值类型不合法")
	}
	return FormatUnits(balance, TokenDecimals), nil
}

// CreateTask escrows the given amount under taskID, topping up the token
// allowance first when it is insufficient. Funding the same taskID twice is
// the caller's responsibility to avoid; the journal tracks funded tasks.
func (c *Client) CreateTask(ctx context.Context, taskID TaskID, amount string) error {
	units, err := ParseUnits(amount, TokenDecimals)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeFundingFailure, err, "托管金额不合法")
	}
	return c.fund(ctx, c.key, c.address, taskID, units)
}

// CreateTaskWithSigner escrows with an end-user key instead of the
// orchestrator wallet. A nonzero existing id is reused so the task funded on
// chain matches the id embedded in the payment challenge; a zero id gets a
// fresh one.
func (c *Client) CreateTaskWithSigner(ctx context.Context, signer *ecdsa.PrivateKey, amount string, existing TaskID) (TaskID, error) {
	if signer == nil {
		return TaskID{}, apperrors.New(apperrors.CodeFundingFailure, "缺少付费方私钥")
	}
	units, err := ParseUnits(amount, TokenDecimals)
	if err != nil {
		return TaskID{}, apperrors.Wrap(apperrors.CodeFundingFailure, err, "托管金额不合法")
	}

	taskID := existing
	if taskID == (TaskID{}) {
		taskID, err = NewTaskID()
		if err != nil {
			return TaskID{}, apperrors.Wrap(apperrors.CodeFundingFailure, err, "生成托管任务标识失败")
		}
	}

	from := crypto.PubkeyToAddress(signer.PublicKey)
	if err := c.fund(ctx, signer, from, taskID, units); err != nil {
		return TaskID{}, err
	}
	return taskID, nil
}

// fund tops up the vault allowance when it is insufficient and escrows units
// under taskID, both signed with the given key. The whole sequence runs under
// the wallet lock of the funding address.
func (c *Client) fund(ctx context.Context, key *ecdsa.PrivateKey, from common.Address, taskID TaskID, units *big.Int) error {
	lock := c.walletLock(from)
	lock.Lock()
	defer lock.Unlock()

	out, err := c.call(ctx, c.tokenAddr, c.tokenABI, "allowance", from, c.vaultAddr)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeFundingFailure, err, "查询代币授权额度失败")
	}
	allowance, ok := out[0].(*big.Int)
	if !ok {
		return apperrors.New(apperrors.CodeFundingFailure, "allowance 返回值类型不合法")
	}

	if allowance.Cmp(units) < 0 {
		approveAmount := new(big.Int).Mul(units, big.NewInt(approveMultiplier))
		if _, err := c.transactAs(ctx, key, from, c.tokenAddr, c.tokenABI, "approve", c.vaultAddr, approveAmount); err != nil {
			return apperrors.Wrap(apperrors.CodeFundingFailure, err, "授权代币失败")
		}
	}

	if _, err := c.transactAs(ctx, key, from, c.vaultAddr, c.vaultABI, "createTask", [32]byte(taskID), units); err != nil {
		return apperrors.Wrap(apperrors.CodeFundingFailure, err, "创建托管任务失败")
	}
	return nil
}

// SettleTask releases the escrowed amount for taskID to the agent and
// returns the spend transaction hash.
func (c *Client) SettleTask(ctx context.Context, taskID TaskID, amount string) (string, error) {
	units, err := ParseUnits(amount, TokenDecimals)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeSettlementFailure, err, "结算金额不合法")
	}

	lock := c.walletLock(c.address)
	lock.Lock()
	defer lock.Unlock()

	hash, err := c.transact(ctx, c.vaultAddr, c.vaultABI, "spend", [32]byte(taskID), units)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeSettlementFailure, err, "结算托管任务失败")
	}
	return hash.Hex(), nil
}

// SignChallenge signs a payment challenge with the orchestrator key. The
// personal-message signature is hex encoded and then the hex string itself is
// base64 encoded, which is the framing agents verify against.
func (c *Client) SignChallenge(challenge string) (string, error) {
	sig, err := signPersonal(challenge, c.key)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeFundingFailure, err, "签署支付挑战失败")
	}
	return base64.StdEncoding.EncodeToString([]byte(hexutil.Encode(sig))), nil
}

// signPersonal produces a 65-byte personal-message signature with the
// Ethereum recovery offset applied.
func signPersonal(message string, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

func (c *Client) walletLock(addr common.Address) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.txMu[addr]
	if !ok {
		lock = &sync.Mutex{}
		c.txMu[addr] = lock
	}
	return lock
}

func (c *Client) call(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...any) ([]any, error) {
	input, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("编码 %s 调用失败: %w", method, err)
	}

	output, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("调用 %s 失败: %w", method, err)
	}

	out, err := contractABI.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("解码 %s 返回值失败: %w", method, err)
	}
	return out, nil
}

// transact submits a transaction from the orchestrator wallet. Callers must
// hold the wallet lock.
func (c *Client) transact(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...any) (common.Hash, error) {
	return c.transactAs(ctx, c.key, c.address, to, contractABI, method, args...)
}

// transactAs builds, signs and submits a transaction from the given key,
// then waits for the receipt. It sends a dynamic-fee transaction when the
// chain reports a base fee and falls back to a legacy transaction at the
// node's suggested price otherwise. Callers must hold the wallet lock.
func (c *Client) transactAs(ctx context.Context, key *ecdsa.PrivateKey, from common.Address, to common.Address, contractABI abi.ABI, method string, args ...any) (common.Hash, error) {
	input, err := contractABI.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("编码 %s 交易失败: %w", method, err)
	}

	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("查询 nonce 失败: %w", err)
	}
	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("查询最新区块失败: %w", err)
	}

	var tx *coretypes.Transaction
	if header.BaseFee != nil {
		tipCap, err := c.backend.SuggestGasTipCap(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("查询小费建议失败: %w", err)
		}
		feeCap := new(big.Int).Add(tipCap, new(big.Int).Mul(header.BaseFee, big.NewInt(2)))

		gasLimit, err := c.backend.EstimateGas(ctx, gethcore.CallMsg{
			From:      from,
			To:        &to,
			GasTipCap: tipCap,
			GasFeeCap: feeCap,
			Data:      input,
		})
		if err != nil {
			return common.Hash{}, fmt.Errorf("估算 gas 失败: %w", err)
		}

		tx = coretypes.NewTx(&coretypes.DynamicFeeTx{
			ChainID:   c.chainID,
			Nonce:     nonce,
			GasTipCap: tipCap,
			GasFeeCap: feeCap,
			Gas:       gasLimit,
			To:        &to,
			Data:      input,
		})
	} else {
		gasPrice, err := c.backend.SuggestGasPrice(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("查询 gas 价格失败: %w", err)
		}

		gasLimit, err := c.backend.EstimateGas(ctx, gethcore.CallMsg{
			From:     from,
			To:       &to,
			GasPrice: gasPrice,
			Data:     input,
		})
		if err != nil {
			return common.Hash{}, fmt.Errorf("估算 gas 失败: %w", err)
		}

		tx = coretypes.NewTx(&coretypes.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gasLimit,
			To:       &to,
			Data:     input,
		})
	}

	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(c.chainID), key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("签署交易失败: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("广播交易失败: %w", err)
	}

	if err := c.waitMined(ctx, signed.Hash()); err != nil {
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}

// waitMined polls for the transaction receipt until it lands or the confirm
// timeout elapses.
func (c *Client) waitMined(ctx context.Context, txHash common.Hash) error {
	waitCtx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(waitCtx, txHash)
		if err == nil && receipt != nil {
			if receipt.Status != coretypes.ReceiptStatusSuccessful {
				return fmt.Errorf("交易 %s 执行失败", txHash.Hex())
			}
			return nil
		}

		select {
		case <-waitCtx.Done():
			return apperrors.Wrap(apperrors.CodeTimeout, waitCtx.Err(), "等待交易确认超时")
		case <-ticker.C:
		}
	}
}
