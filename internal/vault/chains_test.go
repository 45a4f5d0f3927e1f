package vault

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadChainDefinitions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	content := `chains:
  cronos-testnet:
    chain_id: 338
    rpc_url: https://evm-t3.cronos.org
  broken:
    chain_id: 1
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write chains file: %v", err)
	}

	defs, err := LoadChainDefinitions(path)
	if err != nil {
		t.Fatalf("LoadChainDefinitions: %v", err)
	}

	chain, err := defs.Resolve("cronos-testnet")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if chain.ChainID != 338 || chain.RPCURL != "https://evm-t3.cronos.org" {
		t.Fatalf("unexpected definition: %+v", chain)
	}

	if _, err := defs.Resolve("unknown"); err == nil {
		t.Fatal("expected error for unknown chain")
	}
	if _, err := defs.Resolve("broken"); err == nil {
		t.Fatal("expected error for chain without rpc_url")
	}
}

func TestLoadChainDefinitionsEmptyPath(t *testing.T) {
	defs, err := LoadChainDefinitions("")
	if err != nil {
		t.Fatalf("LoadChainDefinitions: %v", err)
	}
	if len(defs.Chains) != 0 {
		t.Fatalf("expected empty definitions, got %+v", defs.Chains)
	}
}
