// Package settings is the read-only Settings Provider (C2): network
// selection, fee rate, per-sub-tx fee overrides, and the confirmation /
// lock-time policy the rest of the driver treats as immutable for the
// lifetime of a swap.
package settings

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/nativeswap/btcside/internal/chain"
	"github.com/nativeswap/btcside/internal/btcswap/subtx"
)

// Defaults per spec.md §4.2.
const (
	DefaultMinConfirmations  = 6
	DefaultLockTimeInBlocks  = 12
	DefaultFeeRate           = uint64(1000) // sat/vByte-equivalent unit used throughout this driver
)

// Document is the on-disk (YAML) shape of a settings file.
type Document struct {
	Network          chain.Network              `yaml:"network"`
	FeeRate          uint64                     `yaml:"fee_rate"`
	MinConfirmations uint16                     `yaml:"min_confirmations"`
	LockTimeInBlocks uint32                     `yaml:"lock_time_in_blocks"`
	SubTxFeeOverride map[subtx.ID]uint64        `yaml:"sub_tx_fee_overrides"`
}

// Provider is the read-only interface the core depends on (C2).
type Provider interface {
	Network() chain.Network
	FeeRate() uint64
	FeeRateFor(id subtx.ID) uint64
	TxMinConfirmations() uint16
	LockTimeInBlocks() uint32
}

// provider is an immutable, mutex-guarded Provider backed by a Document
// (spec.md §5: "the settings provider is read under a mutex").
type provider struct {
	mu  sync.RWMutex
	doc Document
}

// New wraps a parsed Document as a Provider, filling in the documented
// defaults for any zero field.
func New(doc Document) Provider {
	if doc.MinConfirmations == 0 {
		doc.MinConfirmations = DefaultMinConfirmations
	}
	if doc.LockTimeInBlocks == 0 {
		doc.LockTimeInBlocks = DefaultLockTimeInBlocks
	}
	if doc.FeeRate == 0 {
		doc.FeeRate = DefaultFeeRate
	}
	return &provider{doc: doc}
}

// Load reads a YAML settings document from path.
func Load(path string) (Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("settings: read %s: %w", path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("settings: parse %s: %w", path, err)
	}
	return New(doc), nil
}

func (p *provider) Network() chain.Network {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.doc.Network
}

func (p *provider) FeeRate() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.doc.FeeRate
}

// FeeRateFor returns the per-sub-tx override if one is configured,
// otherwise the global fee rate.
func (p *provider) FeeRateFor(id subtx.ID) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if rate, ok := p.doc.SubTxFeeOverride[id]; ok {
		return rate
	}
	return p.doc.FeeRate
}

func (p *provider) TxMinConfirmations() uint16 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.doc.MinConfirmations
}

func (p *provider) LockTimeInBlocks() uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.doc.LockTimeInBlocks
}
