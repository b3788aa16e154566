package btcswap

import (
	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/nativeswap/btcside/internal/btcswap/subtx"
)

// Store is the host-owned parameter store for one swap session (§3, §6.4).
// The core never owns this data; it only reads and writes through this
// interface, keyed implicitly by the session the Store was handed for.
// Implementations must make every setter durable before returning, so a
// crash between a setter call and the next engine tick never loses a
// transition (I5).
type Store interface {
	IsOwnerOfBitcoin() bool
	Amount() uint64

	Secret() (secret [32]byte, ok bool)
	SetSecret(secret [32]byte)

	SecretHash() (hash [32]byte, ok bool)
	SetSecretHash(hash [32]byte)

	PublicKeyA() (*btcec.PublicKey, bool)
	PublicKeyB() (*btcec.PublicKey, bool)

	PeerResponseTime() uint64
	Lifetime() uint64
	MinTxAcceptanceHeight() uint64

	// NativeChainTip is the native chain's current height, kept current
	// by the host as its own chain advances.
	NativeChainTip() uint64

	ExternalLockTime() (uint64, bool)
	SetExternalLockTime(t uint64)

	State(id subtx.ID) subtx.State
	SetState(id subtx.ID, s subtx.State)

	RawTx(id subtx.ID) (string, bool)
	SetRawTx(id subtx.ID, hexTx string)

	TxID(id subtx.ID) (string, bool)
	SetTxID(id subtx.ID, txid string)

	Fee(id subtx.ID) (uint64, bool)
	SetFee(id subtx.ID, fee uint64)

	ErrorCode(id subtx.ID) (subtx.FailureKind, bool)
	SetErrorCode(id subtx.ID, kind subtx.FailureKind)

	// WithdrawDestination is the address obtained once via
	// getRawChangeAddress and reused by both the refund and redeem
	// pipelines; it is where the withdrawn funds land (§4.6 step 1).
	WithdrawDestination() (string, bool)
	SetWithdrawDestination(addr string)

	// SwapAddress is the previously-derived participant address whose
	// key signs sub-tx id's withdrawal: hash160(pubKeyA) for Refund,
	// hash160(pubKeyB) for Redeem (§4.3). It is computed locally, with no
	// Bridge call, the first time it's needed and persisted from then on
	// (the `LoadSwapAddress` step), distinct from WithdrawDestination.
	SwapAddress(id subtx.ID) (string, bool)
	SetSwapAddress(id subtx.ID, addr string)

	// WithdrawPrivateKeyWIF is the key obtained once via dumpPrivateKey
	// against SwapAddress(id) (§4.6 step 2). Refund and redeem sign with
	// different keys (pubKeyA vs pubKeyB), so this is scoped per sub-tx
	// just like SwapAddress.
	WithdrawPrivateKeyWIF(id subtx.ID) (string, bool)
	SetWithdrawPrivateKeyWIF(id subtx.ID, wif string)
}

// Host is the engine-facing weak back-reference the controller uses to
// request a re-tick after a state transition (§5, §9 design notes:
// "async requests carry a stable swap-session handle and a weak
// reference to the controller; callbacks no-op if the session is gone").
type Host interface {
	// RequestRetick asks the engine to invoke the controller's Send*/
	// Confirm* methods again soon. It never blocks and is safe to call
	// from any goroutine.
	RequestRetick()
}

// OutgoingParams is the subset of the counterparty wire message the
// controller populates via AddTxDetails (§4.9, §6.1).
type OutgoingParams interface {
	SetAtomicSwapPublicKey(pubKey [33]byte)
	SetAtomicSwapExternalLockTime(height uint64)
	SetAtomicSwapAmount(amount uint64)
	SetAtomicSwapExternalTx(id subtx.ID, hexTx string)
	SetAtomicSwapExternalTxID(id subtx.ID, txid string)
}
