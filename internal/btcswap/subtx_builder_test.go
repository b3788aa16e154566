package btcswap

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/nativeswap/btcside/internal/bridge"
)

// fakeBridge is a minimal in-memory bridge.Bridge for exercising
// ContractPipeline without a real node.
type fakeBridge struct {
	changeAddress string
	fundedHex     string
	signedHex     string
	signComplete  bool
	sentTxID      string
	privKeyWIF    string
	wifByAddress  map[string]string
	txOut         bridge.TxOut
	blockCount    uint64
}

func (f *fakeBridge) GetRawChangeAddress(ctx context.Context) (string, error) {
	return f.changeAddress, nil
}
func (f *fakeBridge) FundRawTransaction(ctx context.Context, hexTx string, feeRate uint64) (string, int, error) {
	return f.fundedHex, 1, nil
}
func (f *fakeBridge) SignRawTransaction(ctx context.Context, hexTx string) (string, bool, error) {
	return f.signedHex, f.signComplete, nil
}
func (f *fakeBridge) SendRawTransaction(ctx context.Context, hexTx string) (string, error) {
	return f.sentTxID, nil
}
func (f *fakeBridge) CreateRawTransaction(ctx context.Context, inputs []bridge.TxInput, outputs map[string]uint64, locktime uint32) (string, error) {
	return "rawhex", nil
}
func (f *fakeBridge) DumpPrivateKey(ctx context.Context, address string) (string, error) {
	if wif, ok := f.wifByAddress[address]; ok {
		return wif, nil
	}
	return f.privKeyWIF, nil
}
func (f *fakeBridge) GetTxOut(ctx context.Context, txid string, vout uint32) (bridge.TxOut, error) {
	return f.txOut, nil
}
func (f *fakeBridge) GetBlockCount(ctx context.Context) (uint64, error) { return f.blockCount, nil }

var _ bridge.Bridge = (*fakeBridge)(nil)

func TestContractPipelineDeriveP2SH(t *testing.T) {
	pubA, pubB := mustKey(t), mustKey(t)
	contract, err := BuildAtomicSwapScript(pubA, pubB, [32]byte{}, 100)
	if err != nil {
		t.Fatalf("BuildAtomicSwapScript: %v", err)
	}

	pipeline := &ContractPipeline{Bridge: &fakeBridge{}, Params: &chaincfg.RegressionNetParams}
	addr, pkScript, err := pipeline.DeriveP2SH(contract)
	if err != nil {
		t.Fatalf("DeriveP2SH: %v", err)
	}
	if addr == "" {
		t.Fatal("DeriveP2SH returned empty address")
	}
	parsed, err := btcutil.DecodeAddress(addr, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("decode returned address: %v", err)
	}
	wantScript, err := txscript.PayToAddrScript(parsed)
	if err != nil {
		t.Fatalf("PayToAddrScript: %v", err)
	}
	if string(pkScript) != string(wantScript) {
		t.Fatalf("pkScript mismatch: got %x want %x", pkScript, wantScript)
	}
}

func TestSignLockTxFailsOnIncompleteSign(t *testing.T) {
	pipeline := &ContractPipeline{
		Bridge: &fakeBridge{signedHex: "deadbeef", signComplete: false},
		Params: &chaincfg.RegressionNetParams,
	}
	if _, err := pipeline.SignLockTx(context.Background(), "unsigned"); err == nil {
		t.Fatal("expected error when the node could not fully sign the lock tx")
	}
}

func TestBuildWithdrawTxRejectsDustAfterFee(t *testing.T) {
	pubA, pubB := mustKey(t), mustKey(t)
	contract, _ := BuildAtomicSwapScript(pubA, pubB, [32]byte{}, 100)

	in := WithdrawInputs{
		Contract:     contract,
		LockTxID:     "0000000000000000000000000000000000000000000000000000000000000000",
		LockedAmount: 1000,
		WithdrawFee:  1000, // leaves nothing above dust
		DestAddress:  "",
	}
	if _, err := BuildWithdrawTx(in, &chaincfg.RegressionNetParams); err == nil {
		t.Fatal("expected error when withdraw amount can't clear fee+dust")
	}
}
