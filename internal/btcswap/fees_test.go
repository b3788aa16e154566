package btcswap

import (
	"testing"

	"github.com/nativeswap/btcside/internal/btcswap/subtx"
)

func TestMinAmountFloorsAtDust(t *testing.T) {
	if got := MinAmount(1); got != DustThreshold {
		t.Fatalf("MinAmount(1) = %d, want dust floor %d", got, DustThreshold)
	}
}

func TestMinAmountScalesWithFeeRate(t *testing.T) {
	got := MinAmount(100)
	want := vsizeEstimate * 100
	if got != want {
		t.Fatalf("MinAmount(100) = %d, want %d", got, want)
	}
}

// B1: amounts exactly at the floor are admissible; one satoshi under is not.
func TestCheckAmountBoundary(t *testing.T) {
	feeRate := uint64(10)
	floor := MinAmount(feeRate)

	if !CheckAmount(floor, feeRate) {
		t.Fatalf("CheckAmount(%d, %d) = false, want true at the floor", floor, feeRate)
	}
	if CheckAmount(floor-1, feeRate) {
		t.Fatalf("CheckAmount(%d, %d) = true, want false one below the floor", floor-1, feeRate)
	}
}

type stubFeeRateProvider struct {
	rate      uint64
	overrides map[subtx.ID]uint64
}

func (s stubFeeRateProvider) FeeRate() uint64 { return s.rate }
func (s stubFeeRateProvider) FeeRateFor(id subtx.ID) uint64 {
	if v, ok := s.overrides[id]; ok {
		return v
	}
	return s.rate
}

func TestFeeRateForSubTxUsesOverride(t *testing.T) {
	sp := stubFeeRateProvider{rate: 1000, overrides: map[subtx.ID]uint64{subtx.Redeem: 2500}}

	if got := FeeRateForSubTx(sp, subtx.Redeem); got != 2500 {
		t.Fatalf("FeeRateForSubTx(redeem) = %d, want override 2500", got)
	}
	if got := FeeRateForSubTx(sp, subtx.Lock); got != 1000 {
		t.Fatalf("FeeRateForSubTx(lock) = %d, want global rate 1000", got)
	}
}
