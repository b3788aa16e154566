package btcswap

import "github.com/nativeswap/btcside/internal/btcswap/subtx"

// DustThreshold is the minimum acceptable output value, independent of
// fee rate (§4.4).
const DustThreshold uint64 = 546

// vsizeEstimate is a conservative estimate, in vbytes, of a funded P2SH
// lock spend plus a change output: one P2SH input (~149 vB worst case
// for a 2-branch CLTV script with signature + pubkey + secret pushes),
// one P2SH/P2WPKH destination output, and one change output.
const vsizeEstimate uint64 = 250

// MinAmount returns the minimum lock amount admissible at feeRate
// (sat/vByte), per §4.4: max(dust, vsizeEstimate*feeRate).
func MinAmount(feeRate uint64) uint64 {
	byFee := vsizeEstimate * feeRate
	if byFee > DustThreshold {
		return byFee
	}
	return DustThreshold
}

// CheckAmount reports whether amount is admissible at feeRate (P2, B1).
func CheckAmount(amount, feeRate uint64) bool {
	return amount >= MinAmount(feeRate)
}

// FeeRateProvider is the subset of the Settings Provider (C2) the fee
// policy depends on.
type FeeRateProvider interface {
	FeeRate() uint64
	FeeRateFor(id subtx.ID) uint64
}

// FeeRateForSubTx returns the configured override for id, or the global
// fee rate if none is set (§4.4).
func FeeRateForSubTx(settings FeeRateProvider, id subtx.ID) uint64 {
	return settings.FeeRateFor(id)
}
