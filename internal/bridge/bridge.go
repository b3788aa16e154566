// Package bridge defines the capability set the Bitcoin-side driver needs
// from a Bitcoin full node, and the error taxonomy its calls can return.
//
// Implementations are free to talk JSON-RPC, an indexer's REST API, or
// anything else; the driver only depends on this interface.
package bridge

import (
	"context"
	"errors"
)

// ErrorKind is the tagged union of node-bridge failure categories.
type ErrorKind string

const (
	ErrorNone                ErrorKind = ""
	ErrorIO                  ErrorKind = "io_error"
	ErrorInvalidCredentials  ErrorKind = "invalid_credentials"
	ErrorInvalidGenesisBlock ErrorKind = "invalid_genesis_block"
	ErrorEmptyResult         ErrorKind = "empty_result"
	ErrorInsufficientFunds   ErrorKind = "insufficient_funds"
	ErrorInvalidResultFormat ErrorKind = "invalid_result_format"
	ErrorOther               ErrorKind = "other"
)

// Error wraps a node-bridge failure with its taxonomy kind.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a tagged bridge error.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the ErrorKind from any error, defaulting to ErrorOther
// for errors not produced by this package.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ErrorNone
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ErrorOther
}

// TxInput is a single prevout reference for CreateRawTransaction.
type TxInput struct {
	TxID string
	Vout uint32
}

// TxOut is the result of GetTxOut: the output's script, value, and depth.
type TxOut struct {
	ScriptPubKeyHex string
	Amount          uint64
	Confirmations   uint32
	Found           bool
}

// Bridge is the asynchronous capability interface to a Bitcoin node (C1).
//
// Every method is safe to call concurrently; the driver never issues more
// than one outstanding request per (sub-tx id, pipeline step) at a time
// (see Controller.running in package btcswap), but a Bridge
// implementation must not assume serialized access on its own.
type Bridge interface {
	// GetRawChangeAddress returns a new internal change address.
	GetRawChangeAddress(ctx context.Context) (string, error)

	// FundRawTransaction adds inputs (and, if needed, a change output) to
	// an unsigned transaction so it pays at least feeRate (sat/vByte).
	FundRawTransaction(ctx context.Context, hexTx string, feeRate uint64) (fundedHex string, changePosition int, err error)

	// SignRawTransaction signs every input it holds keys for.
	SignRawTransaction(ctx context.Context, hexTx string) (signedHex string, complete bool, err error)

	// SendRawTransaction broadcasts a fully-signed transaction.
	SendRawTransaction(ctx context.Context, hexTx string) (txid string, err error)

	// CreateRawTransaction assembles an unsigned transaction from explicit
	// inputs and amount-keyed outputs.
	CreateRawTransaction(ctx context.Context, inputs []TxInput, outputs map[string]uint64, locktime uint32) (hexTx string, err error)

	// DumpPrivateKey returns the WIF-encoded private key for an address
	// the node's wallet controls.
	DumpPrivateKey(ctx context.Context, address string) (wif string, err error)

	// GetTxOut looks up an unspent output by outpoint. Found is false
	// (with a nil error) if the output doesn't exist or is already spent,
	// which is the expected, non-error steady-state before a lock tx has
	// confirmed.
	GetTxOut(ctx context.Context, txid string, vout uint32) (TxOut, error)

	// GetBlockCount returns the node's current tip height.
	GetBlockCount(ctx context.Context) (uint64, error)
}
