package vault

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

func newTestSignerWallet(t *testing.T, client *Client) *SignerWallet {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate user key: %v", err)
	}
	wallet, err := client.NewSignerWallet(hexutil.Encode(crypto.FromECDSA(key)))
	if err != nil {
		t.Fatalf("new signer wallet: %v", err)
	}
	return wallet
}

func TestSignerWalletFundsChallengeTask(t *testing.T) {
	t.Parallel()

	backend := newStubBackend()
	client := newTestClient(t, backend)
	wallet := newTestSignerWallet(t, client)

	backend.setReply(t, client.tokenABI, "allowance", big.NewInt(100_000_000))

	taskID, err := NewTaskID()
	if err != nil {
		t.Fatalf("new task id: %v", err)
	}
	if err := wallet.FundTask(context.Background(), taskID.String(), "0.1"); err != nil {
		t.Fatalf("fund task: %v", err)
	}

	if len(backend.sent) != 1 {
		t.Fatalf("expected one transaction, got %d", len(backend.sent))
	}
	from, err := coretypes.Sender(coretypes.LatestSignerForChainID(backend.chainID), backend.sent[0])
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if from.Hex() != wallet.Address() {
		t.Fatalf("funded from %s, want the user wallet %s", from, wallet.Address())
	}

	args, err := client.vaultABI.Methods["createTask"].Inputs.Unpack(backend.sent[0].Data()[4:])
	if err != nil {
		t.Fatalf("unpack createTask args: %v", err)
	}
	if id := args[0].([32]byte); id != [32]byte(taskID) {
		t.Fatalf("funded task id %x, want the challenge id %x", id, taskID)
	}

	if err := wallet.FundTask(context.Background(), "0x1234", "0.1"); err == nil {
		t.Fatal("expected error for a malformed task id")
	}
}

func TestSignerWalletSignMessageRecoversAddress(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, newStubBackend())
	wallet := newTestSignerWallet(t, client)

	const message = "PAY:0xdef:0.1"
	sig, err := wallet.SignMessage(context.Background(), message)
	if err != nil {
		t.Fatalf("sign message: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("signature length = %d, want 65", len(sig))
	}

	sig[crypto.RecoveryIDOffset] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		t.Fatalf("recover public key: %v", err)
	}
	if recovered := crypto.PubkeyToAddress(*pub); recovered.Hex() != wallet.Address() {
		t.Fatalf("recovered %s, want %s", recovered, wallet.Address())
	}
}

func TestSignerWalletSwitchChain(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, newStubBackend())
	wallet := newTestSignerWallet(t, client)

	if err := wallet.SwitchChain(context.Background(), 1337); err != nil {
		t.Fatalf("switch to the connected chain: %v", err)
	}
	if err := wallet.SwitchChain(context.Background(), 0); err != nil {
		t.Fatalf("zero chain id should be a no-op: %v", err)
	}
	if err := wallet.SwitchChain(context.Background(), 999); err == nil {
		t.Fatal("expected error for a mismatched chain")
	}

	if _, err := client.NewSignerWallet(""); err == nil {
		t.Fatal("expected error for an empty key")
	}
}
