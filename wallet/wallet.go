// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet ties the heritage core to its collaborators: it stores
// schedules and their compiled outputs, keeps reset references current from
// chain data and drives spends from selection to a signed transaction.
//
// Mutations of a schedule (create, edit, sync) hold the wallet's write lock.
// Queries take the read lock and work on values loaded from the store, which
// are never mutated in place.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcheritage/heritage/chain"
	"github.com/btcheritage/heritage/heritage"
	"github.com/btcheritage/heritage/internal/db"
	"github.com/btcheritage/heritage/keys"
	"github.com/btcheritage/heritage/monitor"
	"github.com/btcheritage/heritage/spend"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultSyncInterval is how often the background loop syncs every
	// schedule when no interval is configured.
	DefaultSyncInterval = 10 * time.Minute
)

var (
	// ErrScheduleExists is returned when creating a schedule whose ID is
	// taken.
	ErrScheduleExists = errors.New("schedule already exists")

	// ErrNoKeyProvider is returned when signing without a key provider.
	ErrNoKeyProvider = errors.New("no key provider configured")

	// ErrInvalidConfig is returned by New for incomplete configs.
	ErrInvalidConfig = errors.New("invalid wallet config")
)

// Config holds the collaborators and options of a Wallet.
type Config struct {
	// Store persists schedules and compiled outputs.
	Store db.Store

	// Chain supplies the tip and the spends of compiled outputs.
	Chain chain.Source

	// Keys signs spends. It may be nil for a watch-only wallet.
	Keys keys.Provider

	// ChainParams selects the network addresses are encoded for.
	ChainParams *chaincfg.Params

	// Monitor configures how spends move the reset reference.
	Monitor monitor.Config

	// EnforceRules applies Rules on top of the structural schedule checks
	// when creating or editing schedules.
	EnforceRules bool

	// Rules are the guard rails applied when EnforceRules is set. The
	// zero value selects heritage.DefaultRules.
	Rules heritage.Rules

	// RelayFeePerKb is the relay fee used for dust checks. Zero selects
	// the default relay policy.
	RelayFeePerKb btcutil.Amount

	// SyncInterval is the period of the background sync loop. Zero
	// selects DefaultSyncInterval.
	SyncInterval time.Duration
}

// validate checks the config and fills in defaults.
func (c *Config) validate() error {
	switch {
	case c.Store == nil:
		return fmt.Errorf("%w: no store", ErrInvalidConfig)

	case c.Chain == nil:
		return fmt.Errorf("%w: no chain source", ErrInvalidConfig)

	case c.ChainParams == nil:
		return fmt.Errorf("%w: no chain params", ErrInvalidConfig)

	case c.SyncInterval < 0:
		return fmt.Errorf("%w: negative sync interval",
			ErrInvalidConfig)
	}

	if c.Rules == (heritage.Rules{}) {
		c.Rules = heritage.DefaultRules
	}

	if c.SyncInterval == 0 {
		c.SyncInterval = DefaultSyncInterval
	}

	return nil
}

// Wallet manages heritage schedules.
type Wallet struct {
	cfg Config

	monitor   *monitor.Monitor
	assembler *spend.Assembler

	// mu serializes schedule mutations against each other and against
	// queries.
	mu sync.RWMutex

	state      walletState
	syncTicker ticker.Ticker

	// lifetimeCtx governs the background sync loop. It is canceled by
	// Stop.
	lifetimeCtx context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New returns a wallet over cfg. The background sync loop only runs after
// Start.
func New(cfg Config) (*Wallet, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Wallet{
		cfg:     cfg,
		monitor: monitor.New(cfg.Monitor),
		assembler: spend.NewAssembler(spend.Config{
			RelayFeePerKb: cfg.RelayFeePerKb,
		}),
		syncTicker: ticker.New(cfg.SyncInterval),
	}, nil
}

// ChainParams returns the network of the wallet.
func (w *Wallet) ChainParams() *chaincfg.Params {
	return w.cfg.ChainParams
}

// Close stops the wallet if it is running and closes the store.
func (w *Wallet) Close(ctx context.Context) error {
	if w.state.isStarted() {
		if err := w.Stop(ctx); err != nil {
			return err
		}
	}

	return w.cfg.Store.Close()
}
