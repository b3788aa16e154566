package btcswap

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/nativeswap/btcside/internal/bridge"
	"github.com/nativeswap/btcside/internal/chain"
	"github.com/nativeswap/btcside/internal/btcswap/subtx"
	"github.com/nativeswap/btcside/internal/settings"
)

// memStore is an in-memory Store for driving the controller in tests,
// mirroring the shape of a real crash-recoverable store without needing
// SQLite in this package's test binary.
type memStore struct {
	mu sync.Mutex

	isOwner               bool
	amount                uint64
	secret                [32]byte
	haveSecret            bool
	secretHash            [32]byte
	haveSecretHash        bool
	pubA, pubB            *btcec.PublicKey
	peerResponseTime      uint64
	lifetime              uint64
	minTxAcceptanceHeight uint64
	nativeTip             uint64
	externalLockTime      uint64
	haveExternalLockTime  bool
	withdrawDest          string

	states       map[subtx.ID]subtx.State
	rawTx        map[subtx.ID]string
	txid         map[subtx.ID]string
	fee          map[subtx.ID]uint64
	errCode      map[subtx.ID]subtx.FailureKind
	swapAddress  map[subtx.ID]string
	withdrawWIF  map[subtx.ID]string
}

func newMemStore() *memStore {
	return &memStore{
		states:      make(map[subtx.ID]subtx.State),
		rawTx:       make(map[subtx.ID]string),
		txid:        make(map[subtx.ID]string),
		fee:         make(map[subtx.ID]uint64),
		errCode:     make(map[subtx.ID]subtx.FailureKind),
		swapAddress: make(map[subtx.ID]string),
		withdrawWIF: make(map[subtx.ID]string),
	}
}

func (s *memStore) IsOwnerOfBitcoin() bool { return s.isOwner }
func (s *memStore) Amount() uint64         { return s.amount }

func (s *memStore) Secret() ([32]byte, bool) { s.mu.Lock(); defer s.mu.Unlock(); return s.secret, s.haveSecret }
func (s *memStore) SetSecret(secret [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secret, s.haveSecret = secret, true
}

func (s *memStore) SecretHash() ([32]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secretHash, s.haveSecretHash
}
func (s *memStore) SetSecretHash(h [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secretHash, s.haveSecretHash = h, true
}

func (s *memStore) PublicKeyA() (*btcec.PublicKey, bool) { return s.pubA, s.pubA != nil }
func (s *memStore) PublicKeyB() (*btcec.PublicKey, bool) { return s.pubB, s.pubB != nil }

func (s *memStore) PeerResponseTime() uint64      { return s.peerResponseTime }
func (s *memStore) Lifetime() uint64              { return s.lifetime }
func (s *memStore) MinTxAcceptanceHeight() uint64 { return s.minTxAcceptanceHeight }
func (s *memStore) NativeChainTip() uint64         { return s.nativeTip }

func (s *memStore) ExternalLockTime() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.externalLockTime, s.haveExternalLockTime
}
func (s *memStore) SetExternalLockTime(t uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.externalLockTime, s.haveExternalLockTime = t, true
}

func (s *memStore) State(id subtx.ID) subtx.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[id]
}
func (s *memStore) SetState(id subtx.ID, st subtx.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[id] = st
}

func (s *memStore) RawTx(id subtx.ID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.rawTx[id]
	return v, ok
}
func (s *memStore) SetRawTx(id subtx.ID, hexTx string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rawTx[id] = hexTx
}

func (s *memStore) TxID(id subtx.ID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.txid[id]
	return v, ok
}
func (s *memStore) SetTxID(id subtx.ID, txid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txid[id] = txid
}

func (s *memStore) Fee(id subtx.ID) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.fee[id]
	return v, ok
}
func (s *memStore) SetFee(id subtx.ID, fee uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fee[id] = fee
}

func (s *memStore) ErrorCode(id subtx.ID) (subtx.FailureKind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.errCode[id]
	return v, ok
}
func (s *memStore) SetErrorCode(id subtx.ID, kind subtx.FailureKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errCode[id] = kind
}

func (s *memStore) WithdrawDestination() (string, bool) { return s.withdrawDest, s.withdrawDest != "" }
func (s *memStore) SetWithdrawDestination(addr string)  { s.withdrawDest = addr }

func (s *memStore) SwapAddress(id subtx.ID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.swapAddress[id]
	return v, ok
}
func (s *memStore) SetSwapAddress(id subtx.ID, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swapAddress[id] = addr
}

func (s *memStore) WithdrawPrivateKeyWIF(id subtx.ID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.withdrawWIF[id]
	return v, ok
}
func (s *memStore) SetWithdrawPrivateKeyWIF(id subtx.ID, wif string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.withdrawWIF[id] = wif
}

var _ Store = (*memStore)(nil)

// fakeHost counts retick requests; it never blocks.
type fakeHost struct {
	mu     sync.Mutex
	ticks  int
	signal chan struct{}
}

func newFakeHost() *fakeHost {
	return &fakeHost{signal: make(chan struct{}, 64)}
}

func (h *fakeHost) RequestRetick() {
	h.mu.Lock()
	h.ticks++
	h.mu.Unlock()
	select {
	case h.signal <- struct{}{}:
	default:
	}
}

func (h *fakeHost) waitForTick(t *testing.T) {
	t.Helper()
	select {
	case <-h.signal:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a retick")
	}
}

type stubSettings struct{}

func (stubSettings) Network() chain.Network           { return chain.Regtest }
func (stubSettings) FeeRate() uint64                  { return 1000 }
func (stubSettings) FeeRateFor(id subtx.ID) uint64    { return 1000 }
func (stubSettings) TxMinConfirmations() uint16       { return 2 }
func (stubSettings) LockTimeInBlocks() uint32         { return 12 }

var _ settings.Provider = stubSettings{}

func newTestController(t *testing.T, st Store, br bridge.Bridge, host *fakeHost) *Controller {
	t.Helper()
	c, err := NewController(st, br, stubSettings{}, host, nil)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return c
}

func TestInitializeIsIdempotent(t *testing.T) {
	privA, _ := btcec.NewPrivateKey()
	privB, _ := btcec.NewPrivateKey()

	st := newMemStore()
	st.isOwner = true
	st.amount = 1_000_000
	st.peerResponseTime = 5
	st.lifetime = 20
	st.pubA, st.pubB = privA.PubKey(), privB.PubKey()

	br := &fakeBridge{}
	host := newFakeHost()
	c := newTestController(t, st, br, host)

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize (first call): %v", err)
	}
	secret1, _ := st.Secret()
	lockTime1, _ := st.ExternalLockTime()

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize (second call): %v", err)
	}
	secret2, _ := st.Secret()
	lockTime2, _ := st.ExternalLockTime()

	if secret1 != secret2 {
		t.Fatal("Initialize regenerated the secret on a replayed call")
	}
	if lockTime1 != lockTime2 {
		t.Fatal("Initialize recomputed externalLockTime on a replayed call")
	}
}

func TestInitializeRejectsMissingPublicKeys(t *testing.T) {
	st := newMemStore()
	st.amount = 1_000_000
	st.peerResponseTime = 5
	st.lifetime = 20

	c := newTestController(t, st, &fakeBridge{}, newFakeHost())
	if err := c.Initialize(context.Background()); err == nil {
		t.Fatal("expected an error when public keys are missing")
	}
}

func TestSendLockTxReachesConfirmation(t *testing.T) {
	privA, _ := btcec.NewPrivateKey()
	privB, _ := btcec.NewPrivateKey()

	st := newMemStore()
	st.isOwner = true
	st.amount = 1_000_000
	st.peerResponseTime = 5
	st.lifetime = 20
	st.pubA, st.pubB = privA.PubKey(), privB.PubKey()

	br := &fakeBridge{
		fundedHex:    "funded",
		signedHex:    "signed",
		signComplete: true,
		sentTxID:     "abcd",
	}
	host := newFakeHost()
	c := newTestController(t, st, br, host)

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if done := c.SendLockTx(context.Background()); done {
		t.Fatal("SendLockTx returned true on the very first tick")
	}
	host.waitForTick(t)

	deadline := time.Now().Add(2 * time.Second)
	for st.State(subtx.Lock) != subtx.StateConfirmation && time.Now().Before(deadline) {
		host.waitForTick(t)
	}
	if got := st.State(subtx.Lock); got != subtx.StateConfirmation {
		t.Fatalf("lock sub-tx state = %q, want %q", got, subtx.StateConfirmation)
	}
	if txid, ok := st.TxID(subtx.Lock); !ok || txid != "abcd" {
		t.Fatalf("lock txid = %q, %v, want \"abcd\", true", txid, ok)
	}
}

func TestSendLockTxFailsOnIncompleteSign(t *testing.T) {
	privA, _ := btcec.NewPrivateKey()
	privB, _ := btcec.NewPrivateKey()

	st := newMemStore()
	st.isOwner = true
	st.amount = 1_000_000
	st.peerResponseTime = 5
	st.lifetime = 20
	st.pubA, st.pubB = privA.PubKey(), privB.PubKey()

	br := &fakeBridge{fundedHex: "funded", signedHex: "signed", signComplete: false}
	host := newFakeHost()
	c := newTestController(t, st, br, host)

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	c.SendLockTx(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for st.State(subtx.Lock) != subtx.StateFailed && time.Now().Before(deadline) {
		host.waitForTick(t)
	}
	if got := st.State(subtx.Lock); got != subtx.StateFailed {
		t.Fatalf("lock sub-tx state = %q, want %q", got, subtx.StateFailed)
	}
	if kind, ok := st.ErrorCode(subtx.Lock); !ok || kind != subtx.FailFormatIncorrect {
		t.Fatalf("ErrorCode = %q, %v, want %q, true", kind, ok, subtx.FailFormatIncorrect)
	}
}

func destAddressForTest(t *testing.T) string {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	hash := Hash160(priv.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressPubKeyHash(hash[:], &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("derive address: %v", err)
	}
	return addr.EncodeAddress()
}

// TestSendRedeemReachesCompleted drives Initialize (which must derive the
// redeem swap address per the LoadSwapAddress step) and SendRedeem
// end-to-end, proving the pipeline dumps the key for hash160(pubKeyB) --
// not WithdrawDestination -- and that BuildWithdrawTx accepts it.
func TestSendRedeemReachesCompleted(t *testing.T) {
	privA, _ := btcec.NewPrivateKey()
	privB, _ := btcec.NewPrivateKey()

	st := newMemStore()
	st.amount = 1_000_000
	st.peerResponseTime = 5
	st.lifetime = 20
	st.pubA, st.pubB = privA.PubKey(), privB.PubKey()

	var secret [32]byte
	copy(secret[:], bytes.Repeat([]byte{0x09}, 32))

	wifB, err := btcutil.NewWIF(privB, &chaincfg.RegressionNetParams, true)
	if err != nil {
		t.Fatalf("NewWIF: %v", err)
	}

	br := &fakeBridge{changeAddress: destAddressForTest(t), sentTxID: "redeemtxid"}
	host := newFakeHost()
	c := newTestController(t, st, br, host)

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	swapAddr, ok := st.SwapAddress(subtx.Redeem)
	if !ok {
		t.Fatal("expected Initialize to derive the redeem swap address (LoadSwapAddress)")
	}
	br.wifByAddress = map[string]string{swapAddr: wifB.String()}

	st.SetExternalLockTime(500000)
	st.SetSecretHash(SecretHash(secret))
	st.SetSecret(secret)
	st.SetTxID(subtx.Lock, "0000000000000000000000000000000000000000000000000000000000000000")

	if done := c.SendRedeem(context.Background()); done {
		t.Fatal("SendRedeem returned true on the very first tick")
	}
	host.waitForTick(t)

	deadline := time.Now().Add(2 * time.Second)
	for st.State(subtx.Redeem) != subtx.StateCompleted && time.Now().Before(deadline) {
		host.waitForTick(t)
	}
	if got := st.State(subtx.Redeem); got != subtx.StateCompleted {
		t.Fatalf("redeem sub-tx state = %q, want %q", got, subtx.StateCompleted)
	}
	if txid, ok := st.TxID(subtx.Redeem); !ok || txid != "redeemtxid" {
		t.Fatalf("redeem txid = %q, %v, want \"redeemtxid\", true", txid, ok)
	}
	if got, _ := st.WithdrawPrivateKeyWIF(subtx.Redeem); got != wifB.String() {
		t.Fatalf("redeem signed with WIF %q, want the key dumped for pubKeyB's swap address", got)
	}
}

// TestSendRefundReachesCompleted is the refund-leg counterpart: the
// dumped key must match hash160(pubKeyA), not WithdrawDestination.
func TestSendRefundReachesCompleted(t *testing.T) {
	privA, _ := btcec.NewPrivateKey()
	privB, _ := btcec.NewPrivateKey()

	st := newMemStore()
	st.amount = 1_000_000
	st.peerResponseTime = 5
	st.lifetime = 20
	st.pubA, st.pubB = privA.PubKey(), privB.PubKey()

	wifA, err := btcutil.NewWIF(privA, &chaincfg.RegressionNetParams, true)
	if err != nil {
		t.Fatalf("NewWIF: %v", err)
	}

	br := &fakeBridge{changeAddress: destAddressForTest(t), sentTxID: "refundtxid"}
	host := newFakeHost()
	c := newTestController(t, st, br, host)

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	swapAddr, ok := st.SwapAddress(subtx.Refund)
	if !ok {
		t.Fatal("expected Initialize to derive the refund swap address (LoadSwapAddress)")
	}
	br.wifByAddress = map[string]string{swapAddr: wifA.String()}

	var secret [32]byte
	st.SetExternalLockTime(500000)
	st.SetSecretHash(SecretHash(secret))
	st.SetTxID(subtx.Lock, "0000000000000000000000000000000000000000000000000000000000000000")

	if done := c.SendRefund(context.Background()); done {
		t.Fatal("SendRefund returned true on the very first tick")
	}
	host.waitForTick(t)

	deadline := time.Now().Add(2 * time.Second)
	for st.State(subtx.Refund) != subtx.StateCompleted && time.Now().Before(deadline) {
		host.waitForTick(t)
	}
	if got := st.State(subtx.Refund); got != subtx.StateCompleted {
		t.Fatalf("refund sub-tx state = %q, want %q", got, subtx.StateCompleted)
	}
	if txid, ok := st.TxID(subtx.Refund); !ok || txid != "refundtxid" {
		t.Fatalf("refund txid = %q, %v, want \"refundtxid\", true", txid, ok)
	}
	if got, _ := st.WithdrawPrivateKeyWIF(subtx.Refund); got != wifA.String() {
		t.Fatalf("refund signed with WIF %q, want the key dumped for pubKeyA's swap address", got)
	}
}
