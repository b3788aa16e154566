package btcswap

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	decredsecp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/nativeswap/btcside/internal/bridge"
)

// Refund inputs must set nSequence to this value to make the CLTV-bearing
// input's absolute locktime take effect (any sequence < 0xFFFFFFFF does;
// this is the canonical choice used by the reference atomicswap tools).
const RefundSequence uint32 = 0xFFFFFFFE

// RedeemSequence is final (no locktime needed on the redeem path).
const RedeemSequence uint32 = 0xFFFFFFFF

// ContractPipeline contains the data a Sub-Tx Builder pipeline step
// needs to drive lock/refund/redeem construction (§4.6). Each exported
// method here that talks to the node is a single suspension point: it
// issues exactly one Bridge call and returns its outcome, so the
// controller can persist state between every step (crash-recoverable per
// §4.6, I5). DeriveP2SH is computed locally, with no Bridge call.
type ContractPipeline struct {
	Bridge bridge.Bridge
	Params *chaincfg.Params
}

// DeriveP2SH derives the contract's P2SH destination.
func (p *ContractPipeline) DeriveP2SH(contract []byte) (address string, pkScript []byte, err error) {
	addr, err := P2SHAddress(contract, p.Params)
	if err != nil {
		return "", nil, err
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return "", nil, fmt.Errorf("btcswap: pay-to-addr script: %w", err)
	}
	return addr.EncodeAddress(), script, nil
}

// BuildUnsignedLockTx runs step 2 of the lock pipeline: an unfunded,
// unsigned transaction paying amount to the P2SH address (§4.6).
func (p *ContractPipeline) BuildUnsignedLockTx(ctx context.Context, p2shAddress string, amount uint64) (string, error) {
	hexTx, err := p.Bridge.CreateRawTransaction(ctx, nil, map[string]uint64{p2shAddress: amount}, 0)
	if err != nil {
		return "", err
	}
	return hexTx, nil
}

// FundLockTx runs step 3: ask the node to add inputs (and maybe change).
func (p *ContractPipeline) FundLockTx(ctx context.Context, hexTx string, feeRate uint64) (fundedHex string, changePos int, err error) {
	return p.Bridge.FundRawTransaction(ctx, hexTx, feeRate)
}

// SignLockTx runs step 4: ask the node to sign every input it can.
// A sign that doesn't fully complete is fatal (§4.6 step 4, §9 open
// question (b)): a funded transaction with only node-owned inputs must
// sign completely, or something is wrong with the funding wallet.
func (p *ContractPipeline) SignLockTx(ctx context.Context, hexTx string) (signedHex string, err error) {
	signed, complete, err := p.Bridge.SignRawTransaction(ctx, hexTx)
	if err != nil {
		return "", err
	}
	if !complete {
		return "", fmt.Errorf("btcswap: signrawtransaction did not complete for lock tx")
	}
	return signed, nil
}

// BroadcastTx runs the final, common step of every pipeline: send the
// fully-signed raw transaction.
func (p *ContractPipeline) BroadcastTx(ctx context.Context, hexTx string) (txid string, err error) {
	return p.Bridge.SendRawTransaction(ctx, hexTx)
}

// WithdrawInputs bundles everything BuildWithdrawTx needs, independent of
// whether it's building a refund or a redeem (§4.6 "Withdraw pipeline").
type WithdrawInputs struct {
	Contract        []byte
	LockTxID        string
	LockVout        uint32
	LockedAmount    uint64
	ExternalLockTime uint64
	IsRedeem        bool // false => refund
	Secret          [32]byte
	PubKeyA         *btcec.PublicKey // owner (refund claimant)
	PubKeyB         *btcec.PublicKey // redeemer
	WithdrawFee     uint64
	DestAddress     string // from getRawChangeAddress, persisted
	PrivateKeyWIF   string // from dumpPrivateKey, persisted
}

// BuildWithdrawTx assembles and signs the refund or redeem transaction
// locally (the controller already obtained DestAddress and
// PrivateKeyWIF via Bridge calls in prior pipeline steps) and returns the
// raw hex ready to broadcast (§4.6 steps 3-5).
func BuildWithdrawTx(in WithdrawInputs, params *chaincfg.Params) (hexTx string, err error) {
	if in.LockedAmount <= in.WithdrawFee+DustThreshold {
		return "", fmt.Errorf("btcswap: withdraw amount %d too small after fee %d (dust floor %d)", in.LockedAmount, in.WithdrawFee, DustThreshold)
	}
	outAmount := in.LockedAmount - in.WithdrawFee

	txHash, err := chainhash.NewHashFromStr(in.LockTxID)
	if err != nil {
		return "", fmt.Errorf("btcswap: invalid lock txid: %w", err)
	}

	destAddr, err := btcutil.DecodeAddress(in.DestAddress, params)
	if err != nil {
		return "", fmt.Errorf("btcswap: invalid destination address: %w", err)
	}
	destScript, err := txscript.PayToAddrScript(destAddr)
	if err != nil {
		return "", fmt.Errorf("btcswap: pay-to-addr script: %w", err)
	}

	tx := wire.NewMsgTx(2)
	outpoint := wire.NewOutPoint(txHash, in.LockVout)
	txIn := wire.NewTxIn(outpoint, nil, nil)

	var locktime uint32
	if in.IsRedeem {
		txIn.Sequence = RedeemSequence
		locktime = 0
	} else {
		txIn.Sequence = RefundSequence
		locktime = uint32(in.ExternalLockTime)
	}
	tx.LockTime = locktime
	tx.AddTxIn(txIn)
	tx.AddTxOut(wire.NewTxOut(int64(outAmount), destScript))

	privKey, pubKey, err := decodeWIFAndVerify(in.PrivateKeyWIF, params)
	if err != nil {
		return "", err
	}
	expectedPubKey := in.PubKeyA
	leg := "pubKeyA"
	if in.IsRedeem {
		expectedPubKey, leg = in.PubKeyB, "pubKeyB"
	}
	if expectedPubKey == nil {
		return "", fmt.Errorf("btcswap: %s not set", leg)
	}
	if !pubKey.IsEqual(expectedPubKey) {
		return "", fmt.Errorf("btcswap: dumped private key's public key does not match the contract's %s -- wrong swap address", leg)
	}

	// The lock output is a classic (non-segwit) P2SH, so it's signed
	// with the legacy sighash algorithm against the redeem script
	// itself, not a witness program.
	sig, err := txscript.RawTxInSignature(tx, 0, in.Contract, txscript.SigHashAll, privKey)
	if err != nil {
		return "", fmt.Errorf("btcswap: sign withdraw input: %w", err)
	}

	var sigScript []byte
	if in.IsRedeem {
		sigScript, err = RedeemSigScript(in.Contract, sig, pubKey.SerializeCompressed(), in.Secret[:])
	} else {
		sigScript, err = RefundSigScript(in.Contract, sig, pubKey.SerializeCompressed())
	}
	if err != nil {
		return "", err
	}
	tx.TxIn[0].SignatureScript = sigScript

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("btcswap: serialize withdraw tx: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// P2SHPkScript returns the scriptPubKey paying to the contract's P2SH
// address, i.e. the lock output's actual on-chain script.
func P2SHPkScript(contract []byte, params *chaincfg.Params) ([]byte, error) {
	addr, err := P2SHAddress(contract, params)
	if err != nil {
		return nil, err
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("btcswap: pay-to-addr script: %w", err)
	}
	return script, nil
}

// decodeWIFAndVerify decodes the WIF key the node returned for the
// participant's address and, as a cross-implementation sanity check
// (the domain stack's use of an independent secp256k1 implementation),
// re-derives the public key with the decred secp256k1 package and
// confirms it agrees with the btcec derivation before the key is
// trusted to sign a withdrawal.
func decodeWIFAndVerify(wif string, params *chaincfg.Params) (*btcec.PrivateKey, *btcec.PublicKey, error) {
	key, err := btcutil.DecodeWIF(wif)
	if err != nil {
		return nil, nil, fmt.Errorf("btcswap: decode WIF: %w", err)
	}
	if !key.IsForNet(params) {
		return nil, nil, fmt.Errorf("btcswap: WIF key is not for the configured network")
	}

	privKey := key.PrivKey
	pubKey := privKey.PubKey()

	decredPriv := decredsecp256k1.PrivKeyFromBytes(privKey.Serialize())
	decredPub := decredPriv.PubKey()
	if !bytes.Equal(decredPub.SerializeCompressed(), pubKey.SerializeCompressed()) {
		return nil, nil, fmt.Errorf("btcswap: secp256k1 cross-check mismatch for withdraw key")
	}

	return privKey, pubKey, nil
}
