package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nativeswap/btcside/internal/chain"
	"github.com/nativeswap/btcside/internal/btcswap/subtx"
)

func TestNewFillsDefaults(t *testing.T) {
	p := New(Document{Network: chain.Testnet})

	if got := p.TxMinConfirmations(); got != DefaultMinConfirmations {
		t.Errorf("TxMinConfirmations() = %d, want default %d", got, DefaultMinConfirmations)
	}
	if got := p.LockTimeInBlocks(); got != DefaultLockTimeInBlocks {
		t.Errorf("LockTimeInBlocks() = %d, want default %d", got, DefaultLockTimeInBlocks)
	}
	if got := p.FeeRate(); got != DefaultFeeRate {
		t.Errorf("FeeRate() = %d, want default %d", got, DefaultFeeRate)
	}
}

func TestNewPreservesExplicitValues(t *testing.T) {
	p := New(Document{Network: chain.Mainnet, FeeRate: 5000, MinConfirmations: 1, LockTimeInBlocks: 20})

	if got := p.FeeRate(); got != 5000 {
		t.Errorf("FeeRate() = %d, want 5000", got)
	}
	if got := p.TxMinConfirmations(); got != 1 {
		t.Errorf("TxMinConfirmations() = %d, want 1", got)
	}
	if got := p.LockTimeInBlocks(); got != 20 {
		t.Errorf("LockTimeInBlocks() = %d, want 20", got)
	}
}

func TestFeeRateForUsesOverrideWhenPresent(t *testing.T) {
	p := New(Document{
		Network:          chain.Regtest,
		FeeRate:          1000,
		SubTxFeeOverride: map[subtx.ID]uint64{subtx.Lock: 3000},
	})

	if got := p.FeeRateFor(subtx.Lock); got != 3000 {
		t.Errorf("FeeRateFor(lock) = %d, want override 3000", got)
	}
	if got := p.FeeRateFor(subtx.Refund); got != 1000 {
		t.Errorf("FeeRateFor(refund) = %d, want global 1000", got)
	}
}

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	yamlDoc := "network: testnet\nfee_rate: 2000\nmin_confirmations: 3\nlock_time_in_blocks: 15\nsub_tx_fee_overrides:\n  redeem: 4000\n"
	if err := os.WriteFile(path, []byte(yamlDoc), 0600); err != nil {
		t.Fatalf("write settings file: %v", err)
	}

	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := p.Network(); got != chain.Testnet {
		t.Errorf("Network() = %q, want %q", got, chain.Testnet)
	}
	if got := p.FeeRate(); got != 2000 {
		t.Errorf("FeeRate() = %d, want 2000", got)
	}
	if got := p.FeeRateFor(subtx.Redeem); got != 4000 {
		t.Errorf("FeeRateFor(redeem) = %d, want override 4000", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/settings.yaml"); err == nil {
		t.Fatal("expected error for a missing settings file")
	}
}
