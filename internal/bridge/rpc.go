package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// RPCBridge implements Bridge against a Bitcoin Core-compatible wallet RPC.
type RPCBridge struct {
	url        string
	user       string
	pass       string
	httpClient *http.Client
	requestID  atomic.Uint64
}

// NewRPCBridge creates a bridge talking to a node's JSON-RPC wallet endpoint.
func NewRPCBridge(url, user, pass string) *RPCBridge {
	return &RPCBridge{
		url:  url,
		user: user,
		pass: pass,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (r *RPCBridge) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	id := r.requestID.Add(1)

	request := map[string]interface{}{
		"jsonrpc": "1.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}

	data, err := json.Marshal(request)
	if err != nil {
		return nil, NewError(ErrorInvalidResultFormat, err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", r.url, bytes.NewReader(data))
	if err != nil {
		return nil, NewError(ErrorIO, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.user != "" {
		req.SetBasicAuth(r.user, r.pass)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, NewError(ErrorIO, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, NewError(ErrorInvalidCredentials, fmt.Errorf("rpc: unauthorized"))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewError(ErrorIO, err)
	}

	var response struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, NewError(ErrorInvalidResultFormat, fmt.Errorf("decode rpc response: %w", err))
	}

	if response.Error != nil {
		return nil, NewError(classifyRPCError(response.Error.Code), fmt.Errorf("rpc error %d: %s", response.Error.Code, response.Error.Message))
	}
	if len(response.Result) == 0 || string(response.Result) == "null" {
		return nil, NewError(ErrorEmptyResult, fmt.Errorf("rpc: empty result for %s", method))
	}

	return response.Result, nil
}

// classifyRPCError maps Bitcoin Core's JSON-RPC error codes onto our taxonomy.
// Codes follow bitcoin/src/rpc/protocol.h.
func classifyRPCError(code int) ErrorKind {
	switch code {
	case -32602, -8, -5: // invalid params / parameter / address-or-key
		return ErrorInvalidResultFormat
	case -6: // wallet insufficient funds
		return ErrorInsufficientFunds
	case -32604, -28: // wallet locked / loading
		return ErrorInvalidCredentials
	default:
		return ErrorOther
	}
}

func (r *RPCBridge) GetRawChangeAddress(ctx context.Context) (string, error) {
	result, err := r.call(ctx, "getrawchangeaddress", []interface{}{})
	if err != nil {
		return "", err
	}
	var addr string
	if err := json.Unmarshal(result, &addr); err != nil {
		return "", NewError(ErrorInvalidResultFormat, err)
	}
	return addr, nil
}

func (r *RPCBridge) FundRawTransaction(ctx context.Context, hexTx string, feeRate uint64) (string, int, error) {
	// feeRate is sat/vByte; fundrawtransaction wants BTC/kvB.
	feeRateBTC := float64(feeRate) / 1e5
	result, err := r.call(ctx, "fundrawtransaction", []interface{}{
		hexTx,
		map[string]interface{}{"feeRate": feeRateBTC},
	})
	if err != nil {
		return "", 0, err
	}
	var out struct {
		Hex         string `json:"hex"`
		ChangePos   int    `json:"changepos"`
		Fee         float64 `json:"fee"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return "", 0, NewError(ErrorInvalidResultFormat, err)
	}
	return out.Hex, out.ChangePos, nil
}

func (r *RPCBridge) SignRawTransaction(ctx context.Context, hexTx string) (string, bool, error) {
	result, err := r.call(ctx, "signrawtransactionwithwallet", []interface{}{hexTx})
	if err != nil {
		return "", false, err
	}
	var out struct {
		Hex      string `json:"hex"`
		Complete bool   `json:"complete"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return "", false, NewError(ErrorInvalidResultFormat, err)
	}
	return out.Hex, out.Complete, nil
}

func (r *RPCBridge) SendRawTransaction(ctx context.Context, hexTx string) (string, error) {
	result, err := r.call(ctx, "sendrawtransaction", []interface{}{hexTx})
	if err != nil {
		return "", err
	}
	var txid string
	if err := json.Unmarshal(result, &txid); err != nil {
		return "", NewError(ErrorInvalidResultFormat, err)
	}
	return txid, nil
}

func (r *RPCBridge) CreateRawTransaction(ctx context.Context, inputs []TxInput, outputs map[string]uint64, locktime uint32) (string, error) {
	rpcInputs := make([]map[string]interface{}, len(inputs))
	for i, in := range inputs {
		rpcInputs[i] = map[string]interface{}{"txid": in.TxID, "vout": in.Vout}
	}
	rpcOutputs := make(map[string]float64, len(outputs))
	for addr, amt := range outputs {
		rpcOutputs[addr] = float64(amt) / 1e8
	}
	result, err := r.call(ctx, "createrawtransaction", []interface{}{rpcInputs, rpcOutputs, locktime})
	if err != nil {
		return "", err
	}
	var hexTx string
	if err := json.Unmarshal(result, &hexTx); err != nil {
		return "", NewError(ErrorInvalidResultFormat, err)
	}
	return hexTx, nil
}

func (r *RPCBridge) DumpPrivateKey(ctx context.Context, address string) (string, error) {
	result, err := r.call(ctx, "dumpprivkey", []interface{}{address})
	if err != nil {
		return "", err
	}
	var wif string
	if err := json.Unmarshal(result, &wif); err != nil {
		return "", NewError(ErrorInvalidResultFormat, err)
	}
	return wif, nil
}

func (r *RPCBridge) GetTxOut(ctx context.Context, txid string, vout uint32) (TxOut, error) {
	result, err := r.call(ctx, "gettxout", []interface{}{txid, vout})
	if err != nil {
		if KindOf(err) == ErrorEmptyResult {
			return TxOut{Found: false}, nil
		}
		return TxOut{}, err
	}
	var out struct {
		Confirmations uint32 `json:"confirmations"`
		Value         float64 `json:"value"`
		ScriptPubKey  struct {
			Hex string `json:"hex"`
		} `json:"scriptPubKey"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return TxOut{}, NewError(ErrorInvalidResultFormat, err)
	}
	return TxOut{
		ScriptPubKeyHex: out.ScriptPubKey.Hex,
		Amount:          uint64(out.Value*1e8 + 0.5),
		Confirmations:   out.Confirmations,
		Found:           true,
	}, nil
}

func (r *RPCBridge) GetBlockCount(ctx context.Context) (uint64, error) {
	result, err := r.call(ctx, "getblockcount", []interface{}{})
	if err != nil {
		return 0, err
	}
	var height uint64
	if err := json.Unmarshal(result, &height); err != nil {
		return 0, NewError(ErrorInvalidResultFormat, err)
	}
	return height, nil
}

var _ Bridge = (*RPCBridge)(nil)
