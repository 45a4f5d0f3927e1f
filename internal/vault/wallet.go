package vault

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	apperrors "github.com/0rca-network/0rca-chat-sub000/internal/errors"
)

// SignerWallet drives the end-user side of a payment challenge with a raw
// private key, sharing the chain connection of the service client. It funds
// the task id embedded in the challenge and signs messages in the same
// framing the service wallet uses.
type SignerWallet struct {
	client  *Client
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSignerWallet parses the user key and binds it to the client's chain
// connection.
func (c *Client) NewSignerWallet(privateKeyHex string) (*SignerWallet, error) {
	keyHex := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if keyHex == "" {
		return nil, errors.New("未配置付费方私钥")
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("解析付费方私钥失败: %w", err)
	}
	return &SignerWallet{
		client:  c,
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address returns the payer address as a hex string.
func (w *SignerWallet) Address() string {
	return w.address.Hex()
}

// SwitchChain verifies the connected chain. A key-backed wallet has no UI to
// switch with, so a mismatch is an error the caller decides to tolerate.
func (w *SignerWallet) SwitchChain(ctx context.Context, chainID int64) error {
	if chainID == 0 || w.client.chainID == nil {
		return nil
	}
	if w.client.chainID.Int64() != chainID {
		return fmt.Errorf("当前连接链 %s，无法切换到 %d", w.client.chainID, chainID)
	}
	return nil
}

// FundTask escrows amount under the task id carried by the challenge. The id
// is reused as-is, never regenerated.
func (w *SignerWallet) FundTask(ctx context.Context, taskID string, amount string) error {
	id, err := ParseTaskID(taskID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeFundingFailure, err, "挑战携带的任务标识不合法")
	}
	_, err = w.client.CreateTaskWithSigner(ctx, w.key, amount, id)
	return err
}

// SignMessage returns the raw 65-byte personal-message signature.
func (w *SignerWallet) SignMessage(ctx context.Context, message string) ([]byte, error) {
	sig, err := signPersonal(message, w.key)
	if err != nil {
		return nil, fmt.Errorf("签署消息失败: %w", err)
	}
	return sig, nil
}
