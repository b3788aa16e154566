package btcswap

import "fmt"

// NativeToBitcoinBlockRatio is the fixed native-chain-blocks-per-Bitcoin-
// block conversion factor (§4.5). The native chain's target block time
// is ~60s and Bitcoin's is ~600s, so 10 native blocks elapse per Bitcoin
// block on average.
const NativeToBitcoinBlockRatio = 10

// DefaultLockTxEstimatedTimeInNativeBlocks is the default estimate of how
// long, in native-chain blocks, it takes to build+confirm the lock tx
// (§4.5, §9 "open question" analog — chosen conservatively: one hour of
// native-chain time at a 60s block target).
const DefaultLockTxEstimatedTimeInNativeBlocks = 60

// lockTimeTolerance bounds how far beyond the minimum acceptable bound a
// proposer may push externalLockTime before the non-owner side rejects it
// (§4.5 Validate, Open Question (a)). Chosen conservatively as one extra
// Δ_btc window: an honest proposer never needs more than Δ_btc of slack
// on top of the minimum, so anything past 2×Δ_btc is treated as an
// attempt to lock funds for longer than necessary.
func lockTimeTolerance(deltaBTC uint64) uint64 {
	return deltaBTC
}

// NativeBlocksToBitcoinBlocks converts a native-chain block budget into
// Bitcoin blocks via the fixed ratio, rounding up so the Bitcoin-side
// window is never short-changed.
func NativeBlocksToBitcoinBlocks(nativeBlocks uint64) uint64 {
	return (nativeBlocks + NativeToBitcoinBlockRatio - 1) / NativeToBitcoinBlockRatio
}

// InitLockTime computes the externalLockTime an owner proposes (§4.5
// "Initial propose"):
//
//	Δ_native = peerResponseTime + lockTxEstimatedTimeInNativeBlocks
//	Δ_btc    = nativeBlocksToBitcoinBlocks(Δ_native)
//	externalLockTime = btcTipNow + lockTimeInBlocks + Δ_btc
func InitLockTime(btcTipNow uint64, peerResponseTime uint64, lockTxEstimatedTimeInNativeBlocks uint64, lockTimeInBlocks uint32) uint64 {
	deltaNative := peerResponseTime + lockTxEstimatedTimeInNativeBlocks
	deltaBTC := NativeBlocksToBitcoinBlocks(deltaNative)
	return btcTipNow + uint64(lockTimeInBlocks) + deltaBTC
}

// ValidateLockTime checks a proposed externalLockTime from the owner side
// (§4.5 "Validate"): it must be at least btcTipNow+lockTimeInBlocks, and
// not exceed that bound by more than Δ_btc plus the tolerance margin.
func ValidateLockTime(proposedLockTime, btcTipNow uint64, peerResponseTime uint64, lockTxEstimatedTimeInNativeBlocks uint64, lockTimeInBlocks uint32) bool {
	deltaNative := peerResponseTime + lockTxEstimatedTimeInNativeBlocks
	deltaBTC := NativeBlocksToBitcoinBlocks(deltaNative)

	lowerBound := btcTipNow + uint64(lockTimeInBlocks)
	if proposedLockTime < lowerBound {
		return false
	}

	upperBound := lowerBound + deltaBTC + lockTimeTolerance(deltaBTC)
	return proposedLockTime <= upperBound
}

// IsLockTimeExpired reports whether the Bitcoin tip has reached
// externalLockTime, the point at which the refund path becomes valid
// (§4.5, I3).
func IsLockTimeExpired(btcTipNow, externalLockTime uint64) bool {
	return btcTipNow >= externalLockTime
}

// HasEnoughTimeToProcessLockTx fails the swap if the remaining
// native-chain time is under the lock-tx time estimate and no lock tx
// has been broadcast yet (§4.5).
func HasEnoughTimeToProcessLockTx(nativeTipNow, minTxAcceptanceHeight, lifetime uint64, lockTxEstimatedTimeInNativeBlocks uint64, lockBroadcast bool) bool {
	if lockBroadcast {
		return true
	}
	deadline := minTxAcceptanceHeight + lifetime
	if nativeTipNow >= deadline {
		return false
	}
	remaining := deadline - nativeTipNow
	return remaining >= lockTxEstimatedTimeInNativeBlocks
}

// ValidateLockTimeInputs sanity-checks the raw session parameters before
// InitLockTime/ValidateLockTime run, surfacing SwapFailToStartSwap-class
// problems early.
func ValidateLockTimeInputs(peerResponseTime, lifetime uint64) error {
	if lifetime == 0 {
		return fmt.Errorf("btcswap: lifetime must be greater than zero")
	}
	if peerResponseTime == 0 {
		return fmt.Errorf("btcswap: peerResponseTime must be greater than zero")
	}
	if peerResponseTime >= lifetime {
		return fmt.Errorf("btcswap: peerResponseTime (%d) must be less than lifetime (%d)", peerResponseTime, lifetime)
	}
	return nil
}
