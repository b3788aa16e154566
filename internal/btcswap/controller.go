package btcswap

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/nativeswap/btcside/internal/bridge"
	"github.com/nativeswap/btcside/internal/chain"
	"github.com/nativeswap/btcside/internal/btcswap/subtx"
	"github.com/nativeswap/btcside/internal/settings"
	"github.com/nativeswap/btcside/pkg/helpers"
	"github.com/nativeswap/btcside/pkg/logging"
)

// Controller is the Swap Side Controller (C8): the per-session state
// machine that drives the lock, refund and redeem sub-tx pipelines. It
// holds no swap parameters itself; every read and write goes through the
// Store the host supplies, so a crash and restart replays from exactly
// the state last persisted (I5).
//
// Every Send*/ConfirmLockTx method is a single engine-tick entry point: it
// never blocks on Bridge I/O. The first call for a sub-tx that's still in
// its Initial state starts a pipeline goroutine and returns immediately;
// later calls observe whatever state that goroutine has since persisted.
// At most one pipeline goroutine runs per (sub-tx, phase) at a time (I4);
// the running map below is the guard (see tryStart).
type Controller struct {
	mu sync.Mutex

	store    Store
	br       bridge.Bridge
	settings settings.Provider
	host     Host
	params   *chaincfg.Params
	log      *logging.Logger

	running map[string]bool
	closed  bool
}

// NewController builds a controller for one swap session. sp.Network()
// selects the chain params used to derive and validate addresses.
func NewController(store Store, br bridge.Bridge, sp settings.Provider, host Host, log *logging.Logger) (*Controller, error) {
	params, err := chain.Params(sp.Network())
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Default()
	}
	return &Controller{
		store:    store,
		br:       br,
		settings: sp,
		host:     host,
		params:   params,
		log:      log.WithPrefix("btcswap"),
		running:  make(map[string]bool),
	}, nil
}

// Close marks the controller closed: pipeline goroutines already running
// finish their current Bridge call but stop short of persisting further
// state or requesting a retick, so a stale callback after the host has
// torn the session down is a safe no-op (§5).
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Controller) retick() {
	if !c.isClosed() {
		c.host.RequestRetick()
	}
}

// tryStart reports whether the named pipeline may start (or continue)
// running, marking it running if so. name scopes the guard to a
// (sub-tx, phase) pair, e.g. "lock" or "lock#confirm", since construction
// and confirmation tracking for the same sub-tx proceed independently.
func (c *Controller) tryStart(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running[name] {
		return false
	}
	c.running[name] = true
	return true
}

func (c *Controller) finish(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.running, name)
}

// Initialize prepares a session's fixed parameters. It is idempotent: a
// restart mid-swap calls it again and it only fills in what's still
// missing (§4.9, I5).
func (c *Controller) Initialize(ctx context.Context) error {
	if _, ok := c.store.PublicKeyA(); !ok {
		return subtx.NewError(subtx.FailFailToStartSwap, fmt.Errorf("btcswap: public key A not set"))
	}
	if _, ok := c.store.PublicKeyB(); !ok {
		return subtx.NewError(subtx.FailFailToStartSwap, fmt.Errorf("btcswap: public key B not set"))
	}
	if err := ValidateLockTimeInputs(c.store.PeerResponseTime(), c.store.Lifetime()); err != nil {
		return subtx.NewError(subtx.FailFailToStartSwap, err)
	}
	feeRate := c.settings.FeeRate()
	if !CheckAmount(c.store.Amount(), feeRate) {
		return subtx.NewError(subtx.FailInvalidAmount, fmt.Errorf("btcswap: amount %d below minimum for fee rate %d", c.store.Amount(), feeRate))
	}

	// LoadSwapAddress: derive and persist both participant addresses up
	// front, independent of ownership -- whichever one this side's
	// wallet actually holds the key for is what a later
	// SendRefund/SendRedeem's dumpPrivateKey call will succeed against.
	if _, ok := c.store.SwapAddress(subtx.Refund); !ok {
		if _, err := c.loadSwapAddress(subtx.Refund); err != nil {
			return subtx.NewError(subtx.FailFailToStartSwap, err)
		}
	}
	if _, ok := c.store.SwapAddress(subtx.Redeem); !ok {
		if _, err := c.loadSwapAddress(subtx.Redeem); err != nil {
			return subtx.NewError(subtx.FailFailToStartSwap, err)
		}
	}

	if c.store.IsOwnerOfBitcoin() {
		if _, ok := c.store.Secret(); !ok {
			raw, err := helpers.GenerateSecureRandom(32)
			if err != nil {
				return subtx.NewError(subtx.FailFailToStartSwap, fmt.Errorf("btcswap: generate secret: %w", err))
			}
			var secret [32]byte
			copy(secret[:], raw)
			c.store.SetSecret(secret)
			c.store.SetSecretHash(SecretHash(secret))
		}
		if _, ok := c.store.ExternalLockTime(); !ok {
			tip, err := c.br.GetBlockCount(ctx)
			if err != nil {
				return err
			}
			lt := InitLockTime(tip, c.store.PeerResponseTime(), DefaultLockTxEstimatedTimeInNativeBlocks, c.settings.LockTimeInBlocks())
			c.store.SetExternalLockTime(lt)
		}
	}

	for _, id := range []subtx.ID{subtx.Lock, subtx.Refund, subtx.Redeem} {
		if c.store.State(id) == "" {
			c.store.SetState(id, subtx.StateInitial)
		}
	}
	return nil
}

// InitLockTime proposes externalLockTime for the owner side (§4.5).
func (c *Controller) InitLockTime(ctx context.Context) (uint64, error) {
	tip, err := c.br.GetBlockCount(ctx)
	if err != nil {
		return 0, err
	}
	return InitLockTime(tip, c.store.PeerResponseTime(), DefaultLockTxEstimatedTimeInNativeBlocks, c.settings.LockTimeInBlocks()), nil
}

// ValidateLockTime checks a peer-proposed externalLockTime (§4.5).
func (c *Controller) ValidateLockTime(ctx context.Context, proposed uint64) (bool, error) {
	tip, err := c.br.GetBlockCount(ctx)
	if err != nil {
		return false, err
	}
	return ValidateLockTime(proposed, tip, c.store.PeerResponseTime(), DefaultLockTxEstimatedTimeInNativeBlocks, c.settings.LockTimeInBlocks()), nil
}

// IsLockTimeExpired reports whether the chain tip has reached
// externalLockTime (§4.5, I3).
func (c *Controller) IsLockTimeExpired(ctx context.Context) (bool, error) {
	externalLockTime, ok := c.store.ExternalLockTime()
	if !ok {
		return false, fmt.Errorf("btcswap: externalLockTime not set")
	}
	tip, err := c.br.GetBlockCount(ctx)
	if err != nil {
		return false, err
	}
	return IsLockTimeExpired(tip, externalLockTime), nil
}

// HasEnoughTimeToProcessLockTx reports whether the native chain still
// gives the lock tx enough time to land before the session expires
// (§4.5).
func (c *Controller) HasEnoughTimeToProcessLockTx() bool {
	_, lockBroadcast := c.store.TxID(subtx.Lock)
	return HasEnoughTimeToProcessLockTx(
		c.store.NativeChainTip(),
		c.store.MinTxAcceptanceHeight(),
		c.store.Lifetime(),
		DefaultLockTxEstimatedTimeInNativeBlocks,
		lockBroadcast,
	)
}

// AddTxDetails populates the wire message sent to the counterparty after
// a local pipeline step completes (§4.9, §6.1).
func (c *Controller) AddTxDetails(out OutgoingParams, id subtx.ID) {
	if pubA, ok := c.store.PublicKeyA(); ok {
		out.SetAtomicSwapPublicKey([33]byte(pubA.SerializeCompressed()))
	}
	if lt, ok := c.store.ExternalLockTime(); ok {
		out.SetAtomicSwapExternalLockTime(lt)
	}
	out.SetAtomicSwapAmount(c.store.Amount())
	if hexTx, ok := c.store.RawTx(id); ok {
		out.SetAtomicSwapExternalTx(id, hexTx)
	}
	if txid, ok := c.store.TxID(id); ok {
		out.SetAtomicSwapExternalTxID(id, txid)
	}
}

// contract rebuilds the HTLC redeem script from whatever this session has
// recorded; both sides can always reconstruct it bit-for-bit from public
// material plus the agreed secret hash (§4.3).
func (c *Controller) contract() ([]byte, error) {
	pubA, ok := c.store.PublicKeyA()
	if !ok {
		return nil, fmt.Errorf("btcswap: public key A not set")
	}
	pubB, ok := c.store.PublicKeyB()
	if !ok {
		return nil, fmt.Errorf("btcswap: public key B not set")
	}
	secretHash, ok := c.store.SecretHash()
	if !ok {
		return nil, fmt.Errorf("btcswap: secret hash not set")
	}
	lockTime, ok := c.store.ExternalLockTime()
	if !ok {
		return nil, fmt.Errorf("btcswap: externalLockTime not set")
	}
	return BuildAtomicSwapScript(pubA, pubB, secretHash, int64(lockTime))
}

// loadSwapAddress returns the local wallet's own address for the
// participant key that signs sub-tx id's withdrawal -- hash160(pubKeyA)
// for a refund, hash160(pubKeyB) for a redeem -- deriving and persisting
// it the first time it's needed (`LoadSwapAddress`, §4.9). This is
// distinct from WithdrawDestination: that's where the withdrawn coins
// go, this is whose key signs for them, and the contract script
// commits to the latter, not the former (§4.3).
func (c *Controller) loadSwapAddress(id subtx.ID) (string, error) {
	if addr, ok := c.store.SwapAddress(id); ok {
		return addr, nil
	}

	var pub *btcec.PublicKey
	switch id {
	case subtx.Refund:
		a, ok := c.store.PublicKeyA()
		if !ok {
			return "", fmt.Errorf("btcswap: public key A not set")
		}
		pub = a
	case subtx.Redeem:
		b, ok := c.store.PublicKeyB()
		if !ok {
			return "", fmt.Errorf("btcswap: public key B not set")
		}
		pub = b
	default:
		return "", fmt.Errorf("btcswap: %s has no swap address", id)
	}

	hash := Hash160(pub.SerializeCompressed())
	addr, err := btcutil.NewAddressPubKeyHash(hash[:], c.params)
	if err != nil {
		return "", fmt.Errorf("btcswap: derive swap address: %w", err)
	}
	encoded := addr.EncodeAddress()
	c.store.SetSwapAddress(id, encoded)
	return encoded, nil
}

// mapBridgeErr classifies a Bridge error into a host-visible FailureKind
// and says whether the pipeline should retry on the next tick instead of
// failing the sub-tx outright (§7: "transient IOError ... is retried on
// next tick; no state change").
func mapBridgeErr(err error) (kind subtx.FailureKind, recoverable bool) {
	switch bridge.KindOf(err) {
	case bridge.ErrorIO:
		return subtx.FailSecondSideBridgeError, true
	case bridge.ErrorInvalidCredentials:
		return subtx.FailInvalidCredentials, false
	case bridge.ErrorInsufficientFunds:
		return subtx.FailFailToStartSwap, false
	case bridge.ErrorInvalidResultFormat:
		return subtx.FailFormatIncorrect, false
	case bridge.ErrorEmptyResult:
		return subtx.FailEmptyResult, true
	default:
		return subtx.FailSecondSideBridgeError, false
	}
}

// fail records a terminal failure for id unless the controller has been
// closed out from under the running pipeline.
func (c *Controller) fail(id subtx.ID, kind subtx.FailureKind, cause error) {
	if c.isClosed() {
		return
	}
	c.store.SetErrorCode(id, kind)
	c.store.SetState(id, subtx.StateFailed)
	c.log.Error("sub-tx failed", "id", id, "kind", kind, "cause", cause)
	c.retick()
}

// SendLockTx drives the lock pipeline (create, fund, sign, broadcast),
// which leaves the lock sub-tx in StateConfirmation. It returns true only
// once the lock sub-tx is Completed, which ConfirmLockTx sets (§4.9).
func (c *Controller) SendLockTx(ctx context.Context) bool {
	switch c.store.State(subtx.Lock) {
	case subtx.StateCompleted:
		return true
	case subtx.StateFailed:
		return false
	}
	if c.tryStart("lock") {
		go c.runLockPipeline(ctx)
	}
	return false
}

func (c *Controller) runLockPipeline(ctx context.Context) {
	defer c.finish("lock")

	pipeline := &ContractPipeline{Bridge: c.br, Params: c.params}

	if st := c.store.State(subtx.Lock); st == subtx.StateInitial || st == subtx.StateCreatingTx || st == subtx.StateSigningTx {
		contract, err := c.contract()
		if err != nil {
			c.fail(subtx.Lock, subtx.FailFailToStartSwap, err)
			return
		}
		p2shAddr, _, err := pipeline.DeriveP2SH(contract)
		if err != nil {
			c.fail(subtx.Lock, subtx.FailFailToStartSwap, err)
			return
		}

		unsignedHex, err := pipeline.BuildUnsignedLockTx(ctx, p2shAddr, c.store.Amount())
		if err != nil {
			if kind, recoverable := mapBridgeErr(err); recoverable {
				c.log.Warn("lock tx creation retrying", "err", err)
				return
			} else {
				c.fail(subtx.Lock, kind, err)
				return
			}
		}
		if c.isClosed() {
			return
		}
		c.store.SetRawTx(subtx.Lock, unsignedHex)
		c.store.SetState(subtx.Lock, subtx.StateCreatingTx)
		c.retick()

		feeRate := FeeRateForSubTx(c.settings, subtx.Lock)
		fundedHex, _, err := pipeline.FundLockTx(ctx, unsignedHex, feeRate)
		if err != nil {
			kind, recoverable := mapBridgeErr(err)
			if recoverable {
				c.log.Warn("lock tx funding retrying", "err", err)
				return
			}
			c.fail(subtx.Lock, kind, err)
			return
		}
		if c.isClosed() {
			return
		}
		c.store.SetRawTx(subtx.Lock, fundedHex)
		c.store.SetFee(subtx.Lock, feeRate)
		c.store.SetState(subtx.Lock, subtx.StateSigningTx)
		c.retick()

		signedHex, err := pipeline.SignLockTx(ctx, fundedHex)
		if err != nil {
			c.fail(subtx.Lock, subtx.FailFormatIncorrect, err)
			return
		}
		if c.isClosed() {
			return
		}
		c.store.SetRawTx(subtx.Lock, signedHex)
		c.store.SetState(subtx.Lock, subtx.StateConstructed)
		c.retick()
	}

	if c.store.State(subtx.Lock) == subtx.StateConstructed {
		rawTx, ok := c.store.RawTx(subtx.Lock)
		if !ok {
			c.fail(subtx.Lock, subtx.FailFailToRegister, fmt.Errorf("btcswap: lock raw tx missing at registration"))
			return
		}
		txid, err := pipeline.BroadcastTx(ctx, rawTx)
		if err != nil {
			if _, recoverable := mapBridgeErr(err); recoverable {
				c.log.Warn("lock tx broadcast retrying", "err", err)
				return
			}
			c.fail(subtx.Lock, subtx.FailFailToRegister, fmt.Errorf("btcswap: broadcast lock tx: %w", err))
			return
		}
		if c.isClosed() {
			return
		}
		c.store.SetTxID(subtx.Lock, txid)
		c.store.SetState(subtx.Lock, subtx.StateConfirmation)
		c.retick()
	}
}

// ConfirmLockTx polls the lock output's confirmation depth and marks the
// lock sub-tx Completed once it reaches the configured threshold (§4.7,
// §4.9). It returns true once that has happened.
func (c *Controller) ConfirmLockTx(ctx context.Context) bool {
	switch c.store.State(subtx.Lock) {
	case subtx.StateCompleted:
		return true
	case subtx.StateFailed:
		return false
	}
	txid, ok := c.store.TxID(subtx.Lock)
	if !ok {
		return false
	}
	if c.tryStart("lock#confirm") {
		go c.runConfirmLock(ctx, txid)
	}
	return false
}

func (c *Controller) runConfirmLock(ctx context.Context, txid string) {
	defer c.finish("lock#confirm")

	contract, err := c.contract()
	if err != nil {
		c.fail(subtx.Lock, subtx.FailFailToStartSwap, err)
		return
	}

	broadcast := c.store.State(subtx.Lock) == subtx.StateConfirmation
	result, err := TrackLockConfirmations(ctx, c.br, c.params, contract, txid, 0, c.store.Amount(), c.settings.TxMinConfirmations(), broadcast)
	if err != nil {
		kind, recoverable := mapBridgeErr(err)
		if recoverable {
			return
		}
		c.fail(subtx.Lock, kind, err)
		return
	}
	if result.Fail {
		c.fail(subtx.Lock, result.Kind, fmt.Errorf("btcswap: lock confirmation check failed"))
		return
	}
	if result.Reorg {
		if c.isClosed() {
			return
		}
		c.log.Warn("lock output vanished after broadcast, rebroadcasting", "txid", txid)
		c.store.SetState(subtx.Lock, subtx.StateConstructed)
		c.retick()
		return
	}
	if result.Pending {
		return
	}
	if c.isClosed() {
		return
	}
	if result.Confirmed {
		c.store.SetState(subtx.Lock, subtx.StateCompleted)
		c.retick()
	}
}

// SendRefund drives the refund withdraw pipeline and returns true once
// the refund sub-tx is Completed (§4.9). The caller is responsible for
// only invoking this once IsLockTimeExpired is true (I3).
func (c *Controller) SendRefund(ctx context.Context) bool {
	return c.sendWithdraw(ctx, subtx.Refund, false)
}

// SendRedeem drives the redeem withdraw pipeline and returns true once
// the redeem sub-tx is Completed (§4.9). The secret preimage is read from
// the Store; if it is not set, the redeem sub-tx fails with
// FailFailToStartSwap. A secret recovered from an observed redeem
// scriptSig (ExtractSecretFromRedeemScriptSig) has to be stored with
// Store.SetSecret before this is called.
func (c *Controller) SendRedeem(ctx context.Context) bool {
	return c.sendWithdraw(ctx, subtx.Redeem, true)
}

func (c *Controller) sendWithdraw(ctx context.Context, id subtx.ID, isRedeem bool) bool {
	switch c.store.State(id) {
	case subtx.StateCompleted:
		return true
	case subtx.StateFailed:
		return false
	}
	if c.tryStart(string(id)) {
		go c.runWithdrawPipeline(ctx, id, isRedeem)
	}
	return false
}

func (c *Controller) runWithdrawPipeline(ctx context.Context, id subtx.ID, isRedeem bool) {
	defer c.finish(string(id))

	lockTxID, ok := c.store.TxID(subtx.Lock)
	if !ok {
		c.fail(id, subtx.FailFailToRegister, fmt.Errorf("btcswap: lock txid not available yet"))
		return
	}

	if st := c.store.State(id); st == subtx.StateInitial || st == subtx.StateCreatingTx {
		if _, ok := c.store.WithdrawDestination(); !ok {
			addr, err := c.br.GetRawChangeAddress(ctx)
			if err != nil {
				kind, recoverable := mapBridgeErr(err)
				if recoverable {
					return
				}
				c.fail(id, kind, err)
				return
			}
			if c.isClosed() {
				return
			}
			c.store.SetWithdrawDestination(addr)
		}
		if c.isClosed() {
			return
		}
		c.store.SetState(id, subtx.StateCreatingTx)
		c.retick()

		if _, ok := c.store.WithdrawPrivateKeyWIF(id); !ok {
			swapAddr, err := c.loadSwapAddress(id)
			if err != nil {
				c.fail(id, subtx.FailFailToStartSwap, err)
				return
			}
			wif, err := c.br.DumpPrivateKey(ctx, swapAddr)
			if err != nil {
				kind, recoverable := mapBridgeErr(err)
				if recoverable {
					return
				}
				c.fail(id, kind, err)
				return
			}
			if c.isClosed() {
				return
			}
			c.store.SetWithdrawPrivateKeyWIF(id, wif)
		}

		contract, err := c.contract()
		if err != nil {
			c.fail(id, subtx.FailFailToStartSwap, err)
			return
		}
		secret, haveSecret := c.store.Secret()
		if isRedeem && !haveSecret {
			c.fail(id, subtx.FailFailToStartSwap, fmt.Errorf("btcswap: redeem requires the secret preimage"))
			return
		}
		pubA, _ := c.store.PublicKeyA()
		pubB, _ := c.store.PublicKeyB()
		externalLockTime, _ := c.store.ExternalLockTime()
		destAddr, _ := c.store.WithdrawDestination()
		wif, _ := c.store.WithdrawPrivateKeyWIF(id)
		feeRate := FeeRateForSubTx(c.settings, id)

		hexTx, err := BuildWithdrawTx(WithdrawInputs{
			Contract:         contract,
			LockTxID:         lockTxID,
			LockVout:         0,
			LockedAmount:     c.store.Amount(),
			ExternalLockTime: externalLockTime,
			IsRedeem:         isRedeem,
			Secret:           secret,
			PubKeyA:          pubA,
			PubKeyB:          pubB,
			WithdrawFee:      feeRate,
			DestAddress:      destAddr,
			PrivateKeyWIF:    wif,
		}, c.params)
		if err != nil {
			c.fail(id, subtx.FailFormatIncorrect, err)
			return
		}
		if c.isClosed() {
			return
		}
		c.store.SetRawTx(id, hexTx)
		c.store.SetFee(id, feeRate)
		c.store.SetState(id, subtx.StateConstructed)
		c.retick()
	}

	if c.store.State(id) == subtx.StateConstructed {
		rawTx, ok := c.store.RawTx(id)
		if !ok {
			c.fail(id, subtx.FailFailToRegister, fmt.Errorf("btcswap: withdraw raw tx missing at registration"))
			return
		}
		txid, err := c.br.SendRawTransaction(ctx, rawTx)
		if err != nil {
			if _, recoverable := mapBridgeErr(err); recoverable {
				return
			}
			c.fail(id, subtx.FailFailToRegister, fmt.Errorf("btcswap: broadcast withdraw tx: %w", err))
			return
		}
		if c.isClosed() {
			return
		}
		c.store.SetTxID(id, txid)
		c.store.SetState(id, subtx.StateCompleted)
		c.retick()
	}
}

// ExtractRedeemSecret recovers the secret preimage from the counterparty's
// broadcast redeem transaction's signature script, for the side that
// doesn't hold the secret directly (§4.8, P6).
func ExtractRedeemSecret(redeemSigScript []byte) ([]byte, error) {
	return ExtractSecretFromRedeemScriptSig(redeemSigScript)
}
