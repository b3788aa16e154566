package btcswap

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/nativeswap/btcside/internal/bridge"
	"github.com/nativeswap/btcside/internal/btcswap/subtx"
)

// ConfirmationResult is the outcome of one Confirmation Tracker poll
// (§4.7). When TrackLockConfirmations returns a non-nil error the result
// carries no outcome beyond Fail/Kind; otherwise the bool fields below
// describe it.
type ConfirmationResult struct {
	// Pending is true when getTxOut found nothing yet and the lock tx
	// hasn't been broadcast; this is expected, not an error (§7
	// "EmptyResult ... is expected").
	Pending bool

	// Reorg is true when a previously-visible lock output has vanished
	// after broadcast: a reorg dropped the block it confirmed in. The
	// caller must rebroadcast the lock tx.
	Reorg bool

	Confirmations uint16
	Confirmed     bool // Confirmations >= minConfirmations

	// Fail is set when the returned output doesn't match what the lock
	// tx pipeline committed to; Kind says which invariant broke.
	Fail bool
	Kind subtx.FailureKind
}

// TrackLockConfirmations polls getTxOut for the lock output and
// validates it against the expected contract script and amount (§4.7).
func TrackLockConfirmations(
	ctx context.Context,
	br bridge.Bridge,
	params *chaincfg.Params,
	contract []byte,
	lockTxID string,
	lockVout uint32,
	expectedAmount uint64,
	minConfirmations uint16,
	lockBroadcast bool,
) (ConfirmationResult, error) {
	out, err := br.GetTxOut(ctx, lockTxID, lockVout)
	if err != nil {
		return ConfirmationResult{}, err
	}

	if !out.Found {
		if !lockBroadcast {
			return ConfirmationResult{Pending: true}, nil
		}
		return ConfirmationResult{Reorg: true}, nil
	}

	expectedScript, err := P2SHPkScript(contract, params)
	if err != nil {
		return ConfirmationResult{}, err
	}
	gotScript, err := hex.DecodeString(out.ScriptPubKeyHex)
	if err != nil {
		return ConfirmationResult{Fail: true, Kind: subtx.FailFormatIncorrect}, fmt.Errorf("btcswap: malformed scriptPubKey hex: %w", err)
	}
	if !bytes.Equal(gotScript, expectedScript) {
		return ConfirmationResult{Fail: true, Kind: subtx.FailFormatIncorrect}, nil
	}

	if out.Amount < expectedAmount {
		return ConfirmationResult{Fail: true, Kind: subtx.FailInvalidAmount}, nil
	}

	confs := uint16(out.Confirmations)
	return ConfirmationResult{
		Confirmations: confs,
		Confirmed:     confs >= minConfirmations,
	}, nil
}
