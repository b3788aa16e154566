// Package store provides a crash-recoverable, SQLite-backed
// implementation of the btcswap.Store contract (§6.4).
package store

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"

	"github.com/nativeswap/btcside/internal/btcswap"
	"github.com/nativeswap/btcside/internal/btcswap/subtx"
)

var _ btcswap.Store = (*SwapStore)(nil)

// DB owns the SQLite connection shared by every swap session's Store.
type DB struct {
	db *sql.DB
}

// Config selects where the database file lives.
type Config struct {
	DataDir string
}

// Open creates (or reuses) the on-disk database and migrates its schema.
func Open(cfg Config) (*DB, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	dbPath := filepath.Join(cfg.DataDir, "btcswap.db")

	sqlDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1) // SQLite only supports one writer
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	d := &DB{db: sqlDB}
	if err := d.initSchema(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error { return d.db.Close() }

func (d *DB) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS btc_swap_sessions (
		session_id TEXT PRIMARY KEY,
		is_owner INTEGER NOT NULL,
		amount INTEGER NOT NULL,
		peer_response_time INTEGER NOT NULL,
		lifetime INTEGER NOT NULL,
		min_tx_acceptance_height INTEGER NOT NULL,
		native_chain_tip INTEGER NOT NULL DEFAULT 0,
		secret TEXT,
		secret_hash TEXT,
		pubkey_a TEXT,
		pubkey_b TEXT,
		external_lock_time INTEGER,
		withdraw_destination TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS btc_swap_subtx (
		session_id TEXT NOT NULL,
		subtx_id TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'initial',
		raw_tx TEXT,
		txid TEXT,
		fee INTEGER,
		error_code TEXT,
		swap_address TEXT,
		withdraw_privkey_wif TEXT,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, subtx_id),
		FOREIGN KEY (session_id) REFERENCES btc_swap_sessions(session_id)
	);

	CREATE INDEX IF NOT EXISTS idx_btc_swap_subtx_state ON btc_swap_subtx(state);
	`
	_, err := d.db.Exec(schema)
	return err
}

// SessionParams are the fixed, host-supplied inputs for one swap session
// (§3). They're written once, at session creation; everything else a
// Store exposes is either derived from them or filled in over the course
// of the pipelines.
type SessionParams struct {
	SessionID              string
	IsOwnerOfBitcoin       bool
	Amount                 uint64
	PeerResponseTime       uint64
	Lifetime               uint64
	MinTxAcceptanceHeight  uint64
	PublicKeyA             *btcec.PublicKey
	PublicKeyB             *btcec.PublicKey
}

// NewSessionID mints a fresh session identifier for a swap this side is
// initiating. Replaying an existing session (after a crash) must reuse
// the id it was given the first time, not call this again.
func NewSessionID() string {
	return uuid.NewString()
}

// OpenSession returns the Store for sessionID, inserting its row the
// first time it's seen and reusing it on every later call -- restart
// after a crash resumes from whatever was last persisted (I5).
func (d *DB) OpenSession(p SessionParams) (*SwapStore, error) {
	now := timeNowUnix()
	_, err := d.db.Exec(`
		INSERT INTO btc_swap_sessions
			(session_id, is_owner, amount, peer_response_time, lifetime, min_tx_acceptance_height, pubkey_a, pubkey_b, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING`,
		p.SessionID, boolToInt(p.IsOwnerOfBitcoin), p.Amount, p.PeerResponseTime, p.Lifetime, p.MinTxAcceptanceHeight,
		pubKeyHex(p.PublicKeyA), pubKeyHex(p.PublicKeyB), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("store: open session %s: %w", p.SessionID, err)
	}

	for _, id := range []subtx.ID{subtx.Lock, subtx.Refund, subtx.Redeem} {
		if _, err := d.db.Exec(`
			INSERT INTO btc_swap_subtx (session_id, subtx_id, state, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(session_id, subtx_id) DO NOTHING`,
			p.SessionID, string(id), string(subtx.StateInitial), now,
		); err != nil {
			return nil, fmt.Errorf("store: seed sub-tx row %s/%s: %w", p.SessionID, id, err)
		}
	}

	return &SwapStore{db: d.db, sessionID: p.SessionID}, nil
}

func timeNowUnix() int64 { return timeNow().Unix() }

// timeNow is a var so tests can override it; production uses wall time.
var timeNow = func() time.Time { return time.Now() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func pubKeyHex(k *btcec.PublicKey) string {
	if k == nil {
		return ""
	}
	return hex.EncodeToString(k.SerializeCompressed())
}

// SwapStore implements btcswap.Store for one session against a shared
// SQLite connection, serialized by mu the same way the reference
// Storage type guards its single writer (§6.4).
type SwapStore struct {
	mu        sync.RWMutex
	db        *sql.DB
	sessionID string
}

func (s *SwapStore) IsOwnerOfBitcoin() bool {
	var v int
	s.scalar(`SELECT is_owner FROM btc_swap_sessions WHERE session_id = ?`, &v)
	return v != 0
}

func (s *SwapStore) Amount() uint64 {
	var v int64
	s.scalar(`SELECT amount FROM btc_swap_sessions WHERE session_id = ?`, &v)
	return uint64(v)
}

func (s *SwapStore) PeerResponseTime() uint64 {
	var v int64
	s.scalar(`SELECT peer_response_time FROM btc_swap_sessions WHERE session_id = ?`, &v)
	return uint64(v)
}

func (s *SwapStore) Lifetime() uint64 {
	var v int64
	s.scalar(`SELECT lifetime FROM btc_swap_sessions WHERE session_id = ?`, &v)
	return uint64(v)
}

func (s *SwapStore) MinTxAcceptanceHeight() uint64 {
	var v int64
	s.scalar(`SELECT min_tx_acceptance_height FROM btc_swap_sessions WHERE session_id = ?`, &v)
	return uint64(v)
}

func (s *SwapStore) NativeChainTip() uint64 {
	var v int64
	s.scalar(`SELECT native_chain_tip FROM btc_swap_sessions WHERE session_id = ?`, &v)
	return uint64(v)
}

// SetNativeChainTip lets the host push its own chain's height as it
// advances; the controller only ever reads it back through Store.
func (s *SwapStore) SetNativeChainTip(height uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.db.Exec(`UPDATE btc_swap_sessions SET native_chain_tip = ?, updated_at = ? WHERE session_id = ?`,
		height, timeNowUnix(), s.sessionID)
}

func (s *SwapStore) Secret() (secret [32]byte, ok bool) {
	var hexStr sql.NullString
	s.scalar(`SELECT secret FROM btc_swap_sessions WHERE session_id = ?`, &hexStr)
	if !hexStr.Valid || hexStr.String == "" {
		return secret, false
	}
	raw, err := hex.DecodeString(hexStr.String)
	if err != nil || len(raw) != 32 {
		return secret, false
	}
	copy(secret[:], raw)
	return secret, true
}

func (s *SwapStore) SetSecret(secret [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.db.Exec(`UPDATE btc_swap_sessions SET secret = ?, updated_at = ? WHERE session_id = ?`,
		hex.EncodeToString(secret[:]), timeNowUnix(), s.sessionID)
}

func (s *SwapStore) SecretHash() (hash [32]byte, ok bool) {
	var hexStr sql.NullString
	s.scalar(`SELECT secret_hash FROM btc_swap_sessions WHERE session_id = ?`, &hexStr)
	if !hexStr.Valid || hexStr.String == "" {
		return hash, false
	}
	raw, err := hex.DecodeString(hexStr.String)
	if err != nil || len(raw) != 32 {
		return hash, false
	}
	copy(hash[:], raw)
	return hash, true
}

func (s *SwapStore) SetSecretHash(hash [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.db.Exec(`UPDATE btc_swap_sessions SET secret_hash = ?, updated_at = ? WHERE session_id = ?`,
		hex.EncodeToString(hash[:]), timeNowUnix(), s.sessionID)
}

func (s *SwapStore) PublicKeyA() (*btcec.PublicKey, bool) { return s.pubKey("pubkey_a") }
func (s *SwapStore) PublicKeyB() (*btcec.PublicKey, bool) { return s.pubKey("pubkey_b") }

func (s *SwapStore) pubKey(column string) (*btcec.PublicKey, bool) {
	var hexStr sql.NullString
	s.scalar(fmt.Sprintf(`SELECT %s FROM btc_swap_sessions WHERE session_id = ?`, column), &hexStr)
	if !hexStr.Valid || hexStr.String == "" {
		return nil, false
	}
	raw, err := hex.DecodeString(hexStr.String)
	if err != nil {
		return nil, false
	}
	key, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, false
	}
	return key, true
}

func (s *SwapStore) ExternalLockTime() (uint64, bool) {
	var v sql.NullInt64
	s.scalar(`SELECT external_lock_time FROM btc_swap_sessions WHERE session_id = ?`, &v)
	if !v.Valid {
		return 0, false
	}
	return uint64(v.Int64), true
}

func (s *SwapStore) SetExternalLockTime(t uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.db.Exec(`UPDATE btc_swap_sessions SET external_lock_time = ?, updated_at = ? WHERE session_id = ?`,
		t, timeNowUnix(), s.sessionID)
}

func (s *SwapStore) WithdrawDestination() (string, bool) {
	return s.sessionText("withdraw_destination")
}

func (s *SwapStore) SetWithdrawDestination(addr string) {
	s.setSessionText("withdraw_destination", addr)
}

func (s *SwapStore) SwapAddress(id subtx.ID) (string, bool) {
	return s.subtxText(id, "swap_address")
}

func (s *SwapStore) SetSwapAddress(id subtx.ID, addr string) {
	s.setSubtxText(id, "swap_address", addr)
}

func (s *SwapStore) WithdrawPrivateKeyWIF(id subtx.ID) (string, bool) {
	return s.subtxText(id, "withdraw_privkey_wif")
}

func (s *SwapStore) SetWithdrawPrivateKeyWIF(id subtx.ID, wif string) {
	s.setSubtxText(id, "withdraw_privkey_wif", wif)
}

func (s *SwapStore) sessionText(column string) (string, bool) {
	var v sql.NullString
	s.scalar(fmt.Sprintf(`SELECT %s FROM btc_swap_sessions WHERE session_id = ?`, column), &v)
	if !v.Valid || v.String == "" {
		return "", false
	}
	return v.String, true
}

func (s *SwapStore) setSessionText(column, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.db.Exec(fmt.Sprintf(`UPDATE btc_swap_sessions SET %s = ?, updated_at = ? WHERE session_id = ?`, column),
		value, timeNowUnix(), s.sessionID)
}

func (s *SwapStore) State(id subtx.ID) subtx.State {
	var v sql.NullString
	s.scalarSubtx(id, `state`, &v)
	if !v.Valid {
		return ""
	}
	return subtx.State(v.String)
}

func (s *SwapStore) SetState(id subtx.ID, state subtx.State) {
	s.setSubtxText(id, "state", string(state))
}

func (s *SwapStore) RawTx(id subtx.ID) (string, bool) { return s.subtxText(id, "raw_tx") }
func (s *SwapStore) SetRawTx(id subtx.ID, hexTx string) { s.setSubtxText(id, "raw_tx", hexTx) }

func (s *SwapStore) TxID(id subtx.ID) (string, bool) { return s.subtxText(id, "txid") }
func (s *SwapStore) SetTxID(id subtx.ID, txid string) { s.setSubtxText(id, "txid", txid) }

func (s *SwapStore) Fee(id subtx.ID) (uint64, bool) {
	var v sql.NullInt64
	s.scalarSubtx(id, `fee`, &v)
	if !v.Valid {
		return 0, false
	}
	return uint64(v.Int64), true
}

func (s *SwapStore) SetFee(id subtx.ID, fee uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.db.Exec(`UPDATE btc_swap_subtx SET fee = ?, updated_at = ? WHERE session_id = ? AND subtx_id = ?`,
		fee, timeNowUnix(), s.sessionID, string(id))
}

func (s *SwapStore) ErrorCode(id subtx.ID) (subtx.FailureKind, bool) {
	var v sql.NullString
	s.scalarSubtx(id, `error_code`, &v)
	if !v.Valid || v.String == "" {
		return subtx.FailureNone, false
	}
	return subtx.FailureKind(v.String), true
}

func (s *SwapStore) SetErrorCode(id subtx.ID, kind subtx.FailureKind) {
	s.setSubtxText(id, "error_code", string(kind))
}

func (s *SwapStore) subtxText(id subtx.ID, column string) (string, bool) {
	var v sql.NullString
	s.scalarSubtx(id, column, &v)
	if !v.Valid || v.String == "" {
		return "", false
	}
	return v.String, true
}

func (s *SwapStore) setSubtxText(id subtx.ID, column, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.db.Exec(fmt.Sprintf(`UPDATE btc_swap_subtx SET %s = ?, updated_at = ? WHERE session_id = ? AND subtx_id = ?`, column),
		value, timeNowUnix(), s.sessionID, string(id))
}

func (s *SwapStore) scalar(query string, dest interface{}) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.db.QueryRow(query, s.sessionID).Scan(dest)
}

func (s *SwapStore) scalarSubtx(id subtx.ID, column string, dest interface{}) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	query := fmt.Sprintf(`SELECT %s FROM btc_swap_subtx WHERE session_id = ? AND subtx_id = ?`, column)
	s.db.QueryRow(query, s.sessionID, string(id)).Scan(dest)
}
