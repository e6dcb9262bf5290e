// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/btcheritage/heritage/heritage"
	"github.com/btcheritage/heritage/keys"
	"github.com/btcheritage/heritage/monitor"
	"github.com/btcheritage/heritage/pkg/btcunit"
	"github.com/btcheritage/heritage/spend"
	"github.com/btcheritage/heritage/wallet"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/jessevdk/go-flags"
	"golang.org/x/term"
)

// app carries the validated config to every command.
type app struct {
	cfg *config
}

// session is an opened wallet together with the resources backing it.
type session struct {
	*wallet.Wallet

	keys    *keys.LocalStore
	release func()
}

// Close stops the wallet and releases its store and chain source.
func (s *session) Close() {
	if err := s.Wallet.Close(context.Background()); err != nil {
		log.Errorf("Unable to close wallet: %v", err)
	}
	s.release()
}

// openWallet opens the configured store and chain source. The local key
// store is attached when one exists; it stays locked.
func (a *app) openWallet() (*session, error) {
	store, err := a.cfg.openStore()
	if err != nil {
		return nil, fmt.Errorf("unable to open store: %w", err)
	}

	chainSource, release, err := a.cfg.openChain()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("unable to open chain source: %w", err)
	}

	walletCfg := wallet.Config{
		Store:        store,
		Chain:        chainSource,
		ChainParams:  a.cfg.params,
		Monitor:      monitor.Config{Aggregation: a.cfg.aggregation},
		EnforceRules: a.cfg.EnforceRules,
		SyncInterval: a.cfg.SyncInterval,
	}

	localKeys, err := a.loadKeys()
	switch {
	case err == nil:
		walletCfg.Keys = localKeys

	case errors.Is(err, os.ErrNotExist):
		log.Debugf("No key store at %s, signing disabled",
			a.cfg.keysFile())

	default:
		store.Close()
		release()
		return nil, err
	}

	w, err := wallet.New(walletCfg)
	if err != nil {
		store.Close()
		release()
		return nil, err
	}

	log.Debugf("Opened %s wallet on %s with %s chain source",
		a.cfg.DBBackend, a.cfg.params.Name, chainSource.BackEnd())

	return &session{Wallet: w, keys: localKeys, release: release}, nil
}

// loadKeys reads the encrypted key store of the active network.
func (a *app) loadKeys() (*keys.LocalStore, error) {
	data, err := os.ReadFile(a.cfg.keysFile())
	if err != nil {
		return nil, err
	}

	return keys.OpenLocalStore(data)
}

// readPassphrase prompts for a passphrase. Without a terminal the first line
// of standard input is used.
func readPassphrase(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadBytes('\n')
		if err != nil && len(line) == 0 {
			return nil, err
		}

		return bytes.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)

	return pass, err
}

// scheduleArg is the positional schedule ID shared by several commands.
type scheduleArg struct {
	ID string `positional-arg-name:"id" required:"yes"`
}

type createCommand struct {
	*app

	Tiers        []string `long:"tier" required:"true" description:"Tier as rank:pubkey:lock[:label], lock is now, <n>b, <n>d, @<height> or a + separated combination"`
	OriginHeight uint32   `long:"originheight" description:"Height of the origin, defaults to the chain tip"`
	OriginTime   int64    `long:"origintime" description:"Unix median time past of the origin, required with --originheight"`

	Args scheduleArg `positional-args:"yes"`
}

func (c *createCommand) Execute(_ []string) error {
	tiers, err := parseTiers(c.Tiers)
	if err != nil {
		return err
	}

	w, err := c.openWallet()
	if err != nil {
		return err
	}
	defer w.Close()

	ctx := context.Background()

	origin, err := resolveOrigin(ctx, w, c.OriginHeight, c.OriginTime)
	if err != nil {
		return err
	}

	s, err := w.CreateSchedule(
		ctx, heritage.ScheduleID(c.Args.ID), tiers, origin,
	)
	if err != nil {
		return err
	}

	return printReceive(ctx, w, s.ID)
}

// resolveOrigin returns the origin given on the command line, or the chain
// tip when no height was given.
func resolveOrigin(ctx context.Context, w *session, height uint32,
	unixTime int64) (heritage.ChainPoint, error) {

	if height == 0 {
		return w.ChainTip(ctx)
	}

	if unixTime <= 0 {
		return heritage.ChainPoint{}, errors.New("--origintime is " +
			"required with --originheight")
	}

	return heritage.NewChainPoint(height, time.Unix(unixTime, 0)), nil
}

type restoreCommand struct {
	*app

	Descriptors  []string `long:"descriptor" required:"true" description:"Descriptor of one version, oldest first, as printed by the descriptors command"`
	OriginHeight uint32   `long:"originheight" description:"Height to measure heir locks from until the next sync, defaults to the chain tip"`
	OriginTime   int64    `long:"origintime" description:"Unix median time past of the origin, required with --originheight"`

	Args scheduleArg `positional-args:"yes"`
}

func (c *restoreCommand) Execute(_ []string) error {
	w, err := c.openWallet()
	if err != nil {
		return err
	}
	defer w.Close()

	ctx := context.Background()

	origin, err := resolveOrigin(ctx, w, c.OriginHeight, c.OriginTime)
	if err != nil {
		return err
	}

	s, err := w.RestoreSchedule(
		ctx, heritage.ScheduleID(c.Args.ID), c.Descriptors, origin,
	)
	if err != nil {
		return err
	}

	fmt.Printf("restored:   %s at version %d\n", s.ID, s.Version)

	return printReceive(ctx, w, s.ID)
}

type editCommand struct {
	*app

	Tiers []string `long:"tier" required:"true" description:"Tier as rank:pubkey:lock[:label]"`

	Args scheduleArg `positional-args:"yes"`
}

func (c *editCommand) Execute(_ []string) error {
	tiers, err := parseTiers(c.Tiers)
	if err != nil {
		return err
	}

	w, err := c.openWallet()
	if err != nil {
		return err
	}
	defer w.Close()

	ctx := context.Background()
	s, err := w.EditSchedule(ctx, heritage.ScheduleID(c.Args.ID), tiers)
	if err != nil {
		return err
	}

	return printReceive(ctx, w, s.ID)
}

// printReceive prints the receive address and descriptor of the current
// version of a schedule.
func printReceive(ctx context.Context, w *session,
	id heritage.ScheduleID) error {

	addr, err := w.Address(ctx, id)
	if err != nil {
		return err
	}

	descs, err := w.Descriptors(ctx, id)
	if err != nil {
		return err
	}

	fmt.Printf("address:    %s\n", addr)
	fmt.Printf("descriptor: %s\n", descs[len(descs)-1])

	return nil
}

type listCommand struct {
	*app
}

func (c *listCommand) Execute(_ []string) error {
	w, err := c.openWallet()
	if err != nil {
		return err
	}
	defer w.Close()

	ids, err := w.Schedules(context.Background())
	if err != nil {
		return err
	}

	for _, id := range ids {
		fmt.Println(id)
	}

	return nil
}

type showCommand struct {
	*app

	Args scheduleArg `positional-args:"yes"`
}

func (c *showCommand) Execute(_ []string) error {
	w, err := c.openWallet()
	if err != nil {
		return err
	}
	defer w.Close()

	ctx := context.Background()
	id := heritage.ScheduleID(c.Args.ID)

	s, err := w.Schedule(ctx, id)
	if err != nil {
		return err
	}

	fmt.Printf("schedule:  %s\n", s.ID)
	fmt.Printf("version:   %d\n", s.Version)
	fmt.Printf("origin:    %v\n", s.Origin)
	fmt.Printf("reference: %v\n", s.ResetReference)
	for _, tier := range s.Tiers {
		fmt.Printf("tier:      %v\n", tier)
	}

	return nil
}

type addressCommand struct {
	*app

	Args scheduleArg `positional-args:"yes"`
}

func (c *addressCommand) Execute(_ []string) error {
	w, err := c.openWallet()
	if err != nil {
		return err
	}
	defer w.Close()

	addr, err := w.Address(
		context.Background(), heritage.ScheduleID(c.Args.ID),
	)
	if err != nil {
		return err
	}

	fmt.Println(addr)

	return nil
}

type descriptorsCommand struct {
	*app

	Args scheduleArg `positional-args:"yes"`
}

func (c *descriptorsCommand) Execute(_ []string) error {
	w, err := c.openWallet()
	if err != nil {
		return err
	}
	defer w.Close()

	descs, err := w.Descriptors(
		context.Background(), heritage.ScheduleID(c.Args.ID),
	)
	if err != nil {
		return err
	}

	for _, desc := range descs {
		fmt.Println(desc)
	}

	return nil
}

type syncCommand struct {
	*app

	Args struct {
		ID string `positional-arg-name:"id"`
	} `positional-args:"yes"`
}

func (c *syncCommand) Execute(_ []string) error {
	w, err := c.openWallet()
	if err != nil {
		return err
	}
	defer w.Close()

	ctx := context.Background()
	if c.Args.ID == "" {
		return w.SyncAll(ctx)
	}

	obs, err := w.Sync(ctx, heritage.ScheduleID(c.Args.ID))
	if err != nil {
		return err
	}

	fmt.Printf("reference: %v\n", obs.Reference)
	obs.Trigger.WhenSome(func(txid chainhash.Hash) {
		fmt.Printf("trigger:   %v\n", txid)
	})
	for _, ev := range obs.Pending {
		fmt.Printf("pending:   %v\n", ev)
	}
	for _, claim := range obs.HeirClaims {
		fmt.Printf("claim:     rank %d spent %v\n", claim.Rank,
			claim.Event.PrevOut)
	}

	return nil
}

type pathsCommand struct {
	*app

	Args scheduleArg `positional-args:"yes"`
}

func (c *pathsCommand) Execute(_ []string) error {
	w, err := c.openWallet()
	if err != nil {
		return err
	}
	defer w.Close()

	ctx := context.Background()
	id := heritage.ScheduleID(c.Args.ID)

	eligible, err := w.EligiblePaths(ctx, id)
	if err != nil {
		return err
	}

	maturities, err := w.Maturities(ctx, id)
	if err != nil {
		return err
	}

	s, err := w.Schedule(ctx, id)
	if err != nil {
		return err
	}

	open := make(map[uint32]bool, len(eligible))
	for _, rank := range eligible {
		open[rank] = true
	}

	for _, tier := range s.Tiers {
		status := "locked"
		if open[tier.Rank] {
			status = "eligible"
		}
		fmt.Printf("rank %d %-8s %s\n", tier.Rank, status,
			formatMaturity(maturities[tier.Rank]))
	}

	return nil
}

type heirViewCommand struct {
	*app

	Args struct {
		Key string `positional-arg-name:"pubkey" required:"yes"`
	} `positional-args:"yes"`
}

func (c *heirViewCommand) Execute(_ []string) error {
	key, err := hex.DecodeString(c.Args.Key)
	if err != nil {
		return fmt.Errorf("pubkey: %w", err)
	}

	// Accept compressed keys as well as x-only ones.
	if len(key) == 33 {
		key = key[1:]
	}

	w, err := c.openWallet()
	if err != nil {
		return err
	}
	defer w.Close()

	entries, err := w.HeirView(context.Background(), key)
	if err != nil {
		return err
	}

	for _, e := range entries {
		status := "locked"
		if e.Eligible {
			status = "eligible"
		}
		fmt.Printf("%s rank %d %q %-8s %s\n", e.ScheduleID, e.Rank,
			e.Label, status, formatMaturity(e.Maturity))
	}

	return nil
}

type spendCommand struct {
	*app

	Rank    uint32   `long:"rank" description:"Tier rank spending the coins"`
	UTXOs   []string `long:"utxo" required:"true" description:"Coin as txid:vout:sats:version"`
	Outputs []string `long:"to" description:"Payment as address:sats"`
	FeeRate int64    `long:"feerate" description:"Fee rate in sat/vB"`
	Fee     int64    `long:"fee" description:"Absolute fee in satoshis"`
	Drain   string   `long:"drain" description:"Address receiving the remainder"`
	Sign    bool     `long:"sign" description:"Sign with the local key store and print the final transaction"`

	Args scheduleArg `positional-args:"yes"`
}

func (c *spendCommand) feePolicy() (spend.FeePolicy, error) {
	switch {
	case c.FeeRate > 0 && c.Fee > 0:
		return nil, errors.New("--feerate and --fee can't be used " +
			"together")

	case c.FeeRate > 0:
		return spend.FeeRate{
			Rate: btcunit.NewSatPerVByte(btcutil.Amount(c.FeeRate)),
		}, nil

	case c.Fee > 0:
		return spend.AbsoluteFee(c.Fee), nil

	default:
		return nil, errors.New("one of --feerate or --fee is required")
	}
}

func (c *spendCommand) Execute(_ []string) error {
	fee, err := c.feePolicy()
	if err != nil {
		return err
	}

	utxos := make([]spend.UTXO, 0, len(c.UTXOs))
	for _, arg := range c.UTXOs {
		utxo, err := parseUTXO(arg)
		if err != nil {
			return err
		}
		utxos = append(utxos, utxo)
	}

	outputs := make([]*wire.TxOut, 0, len(c.Outputs))
	for _, arg := range c.Outputs {
		out, err := parseOutput(arg, c.cfg.params)
		if err != nil {
			return err
		}
		outputs = append(outputs, out)
	}

	var drainTo []byte
	if c.Drain != "" {
		drainTo, err = addressScript(c.Drain, c.cfg.params)
		if err != nil {
			return err
		}
	}

	w, err := c.openWallet()
	if err != nil {
		return err
	}
	defer w.Close()

	ctx := context.Background()
	id := heritage.ScheduleID(c.Args.ID)

	if err := fillScripts(ctx, w, id, utxos); err != nil {
		return err
	}

	packet, err := w.CreateSpend(
		ctx, id, c.Rank, utxos, outputs, fee, drainTo,
	)
	if err != nil {
		return err
	}

	if !c.Sign {
		encoded, err := packet.B64Encode()
		if err != nil {
			return err
		}
		fmt.Println(encoded)

		return nil
	}

	if w.keys == nil {
		return wallet.ErrNoKeyProvider
	}

	pass, err := readPassphrase("Key store passphrase: ")
	if err != nil {
		return err
	}
	if err := w.keys.Unlock(pass); err != nil {
		return err
	}
	defer w.keys.Lock()

	tx, err := w.SignSpend(ctx, packet, c.Rank)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return err
	}
	fmt.Println(hex.EncodeToString(buf.Bytes()))

	return nil
}

// fillScripts sets the script of each coin from the compiled output of its
// version.
func fillScripts(ctx context.Context, w *session, id heritage.ScheduleID,
	utxos []spend.UTXO) error {

	outputs, err := w.Outputs(ctx, id)
	if err != nil {
		return err
	}

	scripts := make(map[uint32][]byte, len(outputs))
	for _, out := range outputs {
		pkScript, err := out.PkScript()
		if err != nil {
			return err
		}
		scripts[out.Version] = pkScript
	}

	for i := range utxos {
		pkScript, ok := scripts[utxos[i].Version]
		if !ok {
			return fmt.Errorf("schedule %v has no version %d", id,
				utxos[i].Version)
		}
		utxos[i].PkScript = pkScript
	}

	return nil
}

type newKeysCommand struct {
	*app

	Keys []string `long:"key" required:"true" description:"Private key as rank=hexkey"`
}

func (c *newKeysCommand) Execute(_ []string) error {
	path := c.cfg.keysFile()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("key store %s already exists", path)
	}

	privKeys, err := parsePrivKeys(c.Keys)
	if err != nil {
		return err
	}

	pass, err := readPassphrase("New key store passphrase: ")
	if err != nil {
		return err
	}
	if len(pass) == 0 {
		return errors.New("empty passphrase")
	}

	store, err := keys.NewLocalStore(
		pass, privKeys, keys.DefaultScryptParams,
	)
	if err != nil {
		return err
	}

	data, err := store.Bytes()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(c.cfg.netDir(), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}

	for rank, priv := range privKeys {
		fmt.Printf("rank %d: %x\n", rank,
			priv.PubKey().SerializeCompressed())
	}

	return nil
}

type runCommand struct {
	*app
}

func (c *runCommand) Execute(_ []string) error {
	w, err := c.openWallet()
	if err != nil {
		return err
	}
	defer w.Close()

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	if err := w.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	log.Infof("Received shutdown signal")

	return w.Stop(context.Background())
}

// addCommands registers every command on parser.
func addCommands(parser *flags.Parser, a *app) error {
	commands := []struct {
		name, short string
		data        any
	}{
		{"create", "Create a schedule", &createCommand{app: a}},
		{"edit", "Replace the tiers of a schedule", &editCommand{app: a}},
		{"restore", "Restore a schedule from its descriptors",
			&restoreCommand{app: a}},
		{"list", "List schedules", &listCommand{app: a}},
		{"show", "Show a schedule", &showCommand{app: a}},
		{"address", "Show the receive address of a schedule",
			&addressCommand{app: a}},
		{"descriptors", "Export the descriptors of every version",
			&descriptorsCommand{app: a}},
		{"sync", "Sync the reset reference from the chain",
			&syncCommand{app: a}},
		{"paths", "Show eligible spend paths and maturities",
			&pathsCommand{app: a}},
		{"heirview", "List the schedules naming a key as heir",
			&heirViewCommand{app: a}},
		{"spend", "Create and optionally sign a spend",
			&spendCommand{app: a}},
		{"newkeys", "Create the encrypted local key store",
			&newKeysCommand{app: a}},
		{"run", "Keep syncing every schedule in the background",
			&runCommand{app: a}},
	}

	for _, cmd := range commands {
		_, err := parser.AddCommand(cmd.name, cmd.short, "", cmd.data)
		if err != nil {
			return err
		}
	}

	return nil
}

// formatMaturity renders the bounds of a maturity.
func formatMaturity(m heritage.Maturity) string {
	var parts []string
	if m.Height > 0 {
		parts = append(parts, fmt.Sprintf("height %d", m.Height))
	}
	if !m.Time.IsZero() {
		parts = append(parts, m.Time.UTC().Format("2006-01-02 15:04"))
	}
	if len(parts) == 0 {
		return "now"
	}

	return strings.Join(parts, ", ")
}
