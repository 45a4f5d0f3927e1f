// Package vault manages the on-chain escrow that backs paid agent tasks. It
// wraps the vault contract (createTask/spend) and the ERC-20 token used for
// payment, and signs payment challenges on behalf of the orchestrator wallet.
package vault

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// TokenDecimals is the decimal precision of the settlement token.
const TokenDecimals = 6

// TaskID identifies an escrow task as a 32-byte value.
type TaskID [32]byte

// NewTaskID generates a random task identifier.
func NewTaskID() (TaskID, error) {
	var id TaskID
	if _, err := rand.Read(id[:]); err != nil {
		return TaskID{}, fmt.Errorf("生成任务标识失败: %w", err)
	}
	return id, nil
}

// ParseTaskID decodes a 0x-prefixed 32-byte hex string.
func ParseTaskID(raw string) (TaskID, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return TaskID{}, fmt.Errorf("解析任务标识失败: %w", err)
	}
	if len(decoded) != 32 {
		return TaskID{}, fmt.Errorf("任务标识长度不合法: %d 字节", len(decoded))
	}
	var id TaskID
	copy(id[:], decoded)
	return id, nil
}

// String renders the identifier as a 0x-prefixed hex string.
func (t TaskID) String() string {
	return "0x" + hex.EncodeToString(t[:])
}

// ParseUnits converts a decimal amount string into token base units.
func ParseUnits(amount string, decimals int) (*big.Int, error) {
	trimmed := strings.TrimSpace(amount)
	if trimmed == "" {
		return nil, fmt.Errorf("金额不能为空")
	}

	parts := strings.SplitN(trimmed, ".", 2)
	whole := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		return nil, fmt.Errorf("金额 %s 超出 %d 位小数精度", amount, decimals)
	}
	frac += strings.Repeat("0", decimals-len(frac))

	units, ok := new(big.Int).SetString(whole+frac, 10)
	if ok && units.Sign() < 0 {
		return nil, fmt.Errorf("金额不能为负数: %s", amount)
	}
	if !ok {
		return nil, fmt.Errorf("金额格式不合法: %s", amount)
	}
	return units, nil
}

// FormatUnits renders token base units as a decimal string.
func FormatUnits(units *big.Int, decimals int) string {
	if units == nil {
		return "0"
	}
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(units, divisor, new(big.Int))
	if frac.Sign() == 0 {
		return whole.String()
	}
	fracStr := strings.TrimRight(fmt.Sprintf("%0*s", decimals, frac.String()), "0")
	return whole.String() + "." + fracStr
}
